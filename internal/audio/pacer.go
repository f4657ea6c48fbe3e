package audio

import (
	"context"
	"time"
)

// Feedback is the latest client-reported playback buffer status, used to
// nudge pacing. Last value wins; no history is kept.
type Feedback struct {
	BufferMs  int // client-side buffered audio in milliseconds
	Underruns int // cumulative underrun count reported by the client
}

// FeedbackFunc returns the most recent feedback sample, if any. It must
// never block; the pacer calls it once per frame.
type FeedbackFunc func() (Feedback, bool)

// PacerConfig tunes frame scheduling.
type PacerConfig struct {
	// FrameDuration is the playback duration of one frame (e.g. 20ms).
	FrameDuration time.Duration

	// Corridor bounds the feedback-driven deviation from the strict
	// schedule in either direction. Zero disables feedback adjustment.
	Corridor time.Duration

	// Step is how much the schedule offset moves per frame when feedback
	// asks for catch-up or slow-down.
	Step time.Duration

	// LowWaterMs and HighWaterMs are the client buffer thresholds below
	// which the pacer catches up and above which it stretches out.
	LowWaterMs  int
	HighWaterMs int
}

// Pacer emits frames against absolute wall-clock deadlines computed from a
// single stream-start origin: deadline(i) = start + i*FrameDuration + offset.
// Scheduling from a fixed origin rather than accumulating sleeps keeps
// rounding and sleep-overhead errors from drifting over long streams. The
// offset is a bounded correction from client feedback and never causes
// out-of-order emission.
type Pacer struct {
	cfg PacerConfig

	// now is replaceable in tests.
	now func() time.Time
}

// NewPacer creates a pacer with the given config.
func NewPacer(cfg PacerConfig) *Pacer {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	return &Pacer{cfg: cfg, now: time.Now}
}

// Run consumes frames until the channel closes, emitting each at its
// deadline. It never emits early relative to the (feedback-adjusted)
// schedule. Cancellation via ctx interrupts the current wait; no frame is
// emitted after ctx is done. Returns the number of frames emitted and the
// first error from ctx or emit.
func (p *Pacer) Run(ctx context.Context, frames <-chan []byte, feedback FeedbackFunc, emit func([]byte) error) (int, error) {
	var (
		start  time.Time
		offset time.Duration
		sent   int
	)

	for {
		var frame []byte
		var ok bool
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case frame, ok = <-frames:
			if !ok {
				return sent, nil
			}
		}

		// The origin is the moment the first frame is ready, not Run
		// entry, so upstream synthesis latency does not eat into the
		// schedule.
		if sent == 0 {
			start = p.now()
		}

		offset = p.adjust(offset, feedback)

		deadline := start.Add(time.Duration(sent)*p.cfg.FrameDuration + offset)
		if wait := deadline.Sub(p.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return sent, ctx.Err()
			case <-timer.C:
			}
		}

		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		default:
		}

		if err := emit(frame); err != nil {
			return sent, err
		}
		sent++
	}
}

// adjust moves the schedule offset toward catch-up when the client buffer
// runs low and toward slow-down when it runs high, clamped to the corridor.
func (p *Pacer) adjust(offset time.Duration, feedback FeedbackFunc) time.Duration {
	if feedback == nil || p.cfg.Corridor <= 0 || p.cfg.Step <= 0 {
		return offset
	}
	fb, ok := feedback()
	if !ok {
		return offset
	}

	switch {
	case fb.BufferMs < p.cfg.LowWaterMs:
		offset -= p.cfg.Step
	case fb.BufferMs > p.cfg.HighWaterMs:
		offset += p.cfg.Step
	}

	if offset < -p.cfg.Corridor {
		offset = -p.cfg.Corridor
	} else if offset > p.cfg.Corridor {
		offset = p.cfg.Corridor
	}
	return offset
}
