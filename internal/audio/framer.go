package audio

import "errors"

// ErrFramerFlushed is returned by Push after Flush has been called.
var ErrFramerFlushed = errors.New("framer already flushed")

// FrameBytes returns the frame size in bytes for 16-bit mono PCM at the
// given sample rate and frame duration (22050 Hz x 20 ms -> 882 bytes).
func FrameBytes(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000 * 2
}

// Framer accumulates converted PCM bytes and slices them into fixed-size
// frames. Frame size is a stream-wide constant. A Framer is owned by a
// single stream's goroutine and is not safe for concurrent use.
type Framer struct {
	frameBytes int
	buf        []byte
	flushed    bool
}

// NewFramer creates a framer producing frames of exactly frameBytes bytes.
func NewFramer(frameBytes int) *Framer {
	return &Framer{frameBytes: frameBytes}
}

// Push appends bytes to the internal buffer and returns all complete frames
// now available, in order. Each returned frame is exactly frameBytes long
// and backed by its own allocation.
func (f *Framer) Push(b []byte) ([][]byte, error) {
	if f.flushed {
		return nil, ErrFramerFlushed
	}

	f.buf = append(f.buf, b...)

	var frames [][]byte
	for len(f.buf) >= f.frameBytes {
		frame := make([]byte, f.frameBytes)
		copy(frame, f.buf[:f.frameBytes])
		f.buf = f.buf[f.frameBytes:]
		frames = append(frames, frame)
	}
	return frames, nil
}

// Flush returns the trailing partial frame zero-padded to the full frame
// size, or false if the buffer is empty. After Flush the framer accepts no
// further input.
func (f *Framer) Flush() ([]byte, bool) {
	f.flushed = true
	if len(f.buf) == 0 {
		return nil, false
	}
	frame := make([]byte, f.frameBytes)
	copy(frame, f.buf)
	f.buf = nil
	return frame, true
}

// Buffered reports how many bytes are waiting for the next frame boundary.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
