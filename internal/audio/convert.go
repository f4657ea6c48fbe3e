package audio

import (
	"encoding/binary"
	"math"
)

// ConverterConfig holds the per-stream conversion policy. Gain and smoothing
// are stream-wide decisions made once at stream start, never per chunk, so
// the level stays stable across an utterance.
type ConverterConfig struct {
	Gain           float64 // Linear gain multiplier; 0 means 1.0 (unity)
	SmoothingAlpha float64 // One-pole IIR coefficient (0-1); 0 disables smoothing
}

// ConversionState carries converter state across chunk boundaries for one
// stream. Upstream delivery is chunked independently of sample boundaries,
// so a float32 value can be split across two chunks; the split bytes are
// held in carry until the next Convert call. A ConversionState must never
// be shared between streams.
type ConversionState struct {
	gain        float64
	alpha       float64
	filterState float64
	carry       [3]byte
	carryLen    int
}

// NewConversionState creates converter state for a new stream.
func NewConversionState(cfg ConverterConfig) *ConversionState {
	gain := cfg.Gain
	if gain == 0 {
		gain = 1.0
	}
	return &ConversionState{
		gain:  gain,
		alpha: cfg.SmoothingAlpha,
	}
}

// SetGain replaces the stream gain. Intended for the auto-gain path, which
// analyzes the full signal before any sample is converted.
func (s *ConversionState) SetGain(gain float64) {
	if gain > 0 {
		s.gain = gain
	}
}

// Convert turns little-endian IEEE-754 float32 PCM into little-endian int16
// PCM. The chunk may have any length; trailing bytes that do not complete a
// float32 are held in state and prepended to the next call. Output length is
// always (complete samples)*2 bytes, so no sample is ever dropped or
// duplicated across calls.
func Convert(chunk []byte, state *ConversionState) []byte {
	if state.carryLen > 0 {
		combined := make([]byte, state.carryLen+len(chunk))
		copy(combined, state.carry[:state.carryLen])
		copy(combined[state.carryLen:], chunk)
		chunk = combined
		state.carryLen = 0
	}

	n := len(chunk) / 4
	rest := len(chunk) % 4
	if rest > 0 {
		state.carryLen = copy(state.carry[:], chunk[n*4:])
	}

	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(chunk[i*4:])
		x := float64(math.Float32frombits(bits)) * state.gain

		y := x
		if state.alpha > 0 {
			y = state.alpha*x + (1-state.alpha)*state.filterState
			state.filterState = y
		}

		if y > 1.0 {
			y = 1.0
		} else if y < -1.0 {
			y = -1.0
		}

		v := int(math.Round(y * 32768))
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}

		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}

	return out
}

// autoGainTarget is the peak level the auto-gain pass normalizes to,
// leaving ~1 dB of headroom below full scale.
const autoGainTarget = 0.89

// maxAutoGain caps the boost applied to very quiet signals so that noise
// floors are not amplified into audible hiss.
const maxAutoGain = 4.0

// AnalyzeGain computes a static per-stream gain from the peak level of a
// complete float32 PCM signal. Returns 1.0 for empty or silent input.
func AnalyzeGain(f32le []byte) float64 {
	var peak float64
	for i := 0; i+4 <= len(f32le); i += 4 {
		x := math.Abs(float64(math.Float32frombits(binary.LittleEndian.Uint32(f32le[i:]))))
		if x > peak {
			peak = x
		}
	}
	if peak == 0 {
		return 1.0
	}
	gain := autoGainTarget / peak
	if gain > maxAutoGain {
		gain = maxAutoGain
	}
	return gain
}
