package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mfilipek/verba/internal/audio"
)

// State is the lifecycle state of one audio session's stream.
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateCancelling
	StateCompleted
	StateCancelled
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transition is allowed from s.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateErrored
}

// FeedbackSample is the client-reported playback buffer status. Last value
// wins; the pacer reads it opportunistically before each frame.
type FeedbackSample struct {
	BufferSizeMs  int
	UnderrunCount int
}

// Emitter is the transport adapter for one session: it delivers frames and
// lifecycle events to the client. Implementations are expected to serialize
// writes internally; the stream calls them from a single goroutine.
type Emitter interface {
	StreamStarted() error
	Frame(pcm []byte) error
	StreamCompleted(framesSent, durationMs int) error
	StreamStopped(framesSent int) error
	StreamError(message string) error
}

// run is one stream generation for a session. A new Start for the same
// session supersedes the previous run: its context is cancelled and the
// manager waits on done before registering the replacement, so two
// generations never emit concurrently.
type run struct {
	sessionID string
	text      string
	startTime time.Time

	state    atomic.Int32
	feedback atomic.Pointer[FeedbackSample]

	// framesSent is written by the pacer goroutine and read after the
	// pipeline's errgroup has been waited on.
	framesSent int

	cancel context.CancelFunc
	done   chan struct{}
}

func (r *run) setState(s State) {
	// Terminal states win races with late Stop calls.
	cur := State(r.state.Load())
	if cur.terminal() {
		return
	}
	r.state.Store(int32(s))
}

func (r *run) currentState() State {
	return State(r.state.Load())
}

// feedbackFn adapts the last reported sample for the pacer.
func (r *run) feedbackFn() audio.FeedbackFunc {
	return func() (audio.Feedback, bool) {
		fb := r.feedback.Load()
		if fb == nil {
			return audio.Feedback{}, false
		}
		return audio.Feedback{BufferMs: fb.BufferSizeMs, Underruns: fb.UnderrunCount}, true
	}
}
