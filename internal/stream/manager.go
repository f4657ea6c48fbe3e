// Package stream owns per-session audio stream lifecycle: starting,
// superseding, cancelling and completing streams, and running the
// synthesis -> convert -> frame -> pace pipeline for each of them.
package stream

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mfilipek/verba/internal/audio"
	"github.com/mfilipek/verba/internal/eventlog"
	"github.com/mfilipek/verba/internal/metrics"
)

// Config holds the stream-wide audio and pacing policy. Smoothing and gain
// are deliberately configuration rather than constants; deployments tune
// them per voice.
type Config struct {
	SampleRate     int           // e.g. 22050
	FrameDuration  time.Duration // e.g. 20ms
	Gain           float64       // fixed linear gain; 0 means unity
	SmoothingAlpha float64       // one-pole IIR coefficient; 0 disables
	AutoGain       bool          // analyze peak level before streaming (adds latency)

	PacerCorridor     time.Duration // max feedback deviation from strict schedule
	PacerStep         time.Duration // offset adjustment per frame
	BufferLowWaterMs  int           // catch up below this client buffer level
	BufferHighWaterMs int           // stretch out above this level

	// Synthesize opens the upstream synthesis stream for a text request.
	Synthesize SynthesizeFunc
}

// FrameBytes returns the fixed frame size for this config.
func (c Config) FrameBytes() int {
	return audio.FrameBytes(c.SampleRate, int(c.FrameDuration/time.Millisecond))
}

// Manager owns one active stream per session. All registry mutations go
// through the manager's mutex; the per-stream pipeline state is owned
// exclusively by that stream's goroutines.
type Manager struct {
	cfg     Config
	logger  *log.Logger
	metrics *metrics.Metrics // may be nil
	events  *eventlog.Logger // nil-safe

	mu      sync.Mutex
	streams map[string]*run
}

// NewManager creates a stream manager. metrics may be nil; events must be
// non-nil but tolerates a nil database.
func NewManager(cfg Config, logger *log.Logger, m *metrics.Metrics, events *eventlog.Logger) *Manager {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 22050
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if events == nil {
		events = eventlog.New(nil)
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		events:  events,
		streams: make(map[string]*run),
	}
}

// Start launches a new stream for the session. If a stream is already
// active it is superseded: cancelled and fully drained before the new one
// registers, so frames from two generations never interleave. An empty text
// request is rejected synchronously with ErrInvalidRequest and no session
// state is touched.
//
// ctx is the owning connection's context; its cancellation tears the
// stream down like an implicit Stop.
func (m *Manager) Start(ctx context.Context, sessionID, text string, em Emitter) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidRequest)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		sessionID: sessionID,
		text:      text,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	// Supersede-then-replace: cancel any prior generation and wait for it
	// to finish emitting before taking its registry slot.
	for {
		m.mu.Lock()
		prev := m.streams[sessionID]
		if prev == nil {
			m.streams[sessionID] = r
			m.mu.Unlock()
			break
		}
		prev.cancel()
		m.mu.Unlock()

		m.logger.Printf("stream: session %s superseding active stream", sessionID)
		m.events.LogAsync(sessionID, eventlog.EventStreamSuperseded, nil)
		if m.metrics != nil {
			m.metrics.StreamsSuperseded.Inc()
		}
		<-prev.done
	}

	go m.runStream(runCtx, r, em)
	return nil
}

// Stop requests cancellation of the session's active stream. Idempotent:
// stopping a session with no active stream, or one already past a terminal
// state, is a no-op.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	r := m.streams[sessionID]
	m.mu.Unlock()

	if r == nil {
		return
	}
	r.setState(StateCancelling)
	r.cancel()
}

// OnDisconnect is an implicit Stop plus removal of session state. It blocks
// until the stream has fully wound down so callers can rely on no further
// emit attempts against a closed connection.
func (m *Manager) OnDisconnect(sessionID string) {
	m.mu.Lock()
	r := m.streams[sessionID]
	m.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// ReportFeedback stores the latest client buffer status for the session.
// Last write wins; never blocks frame emission.
func (m *Manager) ReportFeedback(sessionID string, fb FeedbackSample) {
	m.mu.Lock()
	r := m.streams[sessionID]
	m.mu.Unlock()

	if r == nil {
		return
	}
	r.feedback.Store(&fb)

	if m.metrics != nil {
		m.metrics.FeedbackReports.Inc()
		m.metrics.ClientBufferMs.Observe(float64(fb.BufferSizeMs))
	}
}

// ActiveState reports the state of the session's current stream, if any.
func (m *Manager) ActiveState(sessionID string) (State, bool) {
	m.mu.Lock()
	r := m.streams[sessionID]
	m.mu.Unlock()

	if r == nil {
		return StateIdle, false
	}
	return r.currentState(), true
}

func (m *Manager) remove(r *run) {
	m.mu.Lock()
	if m.streams[r.sessionID] == r {
		delete(m.streams, r.sessionID)
	}
	m.mu.Unlock()
}

// runStream drives one stream generation to its single terminal event.
func (m *Manager) runStream(ctx context.Context, r *run, em Emitter) {
	r.startTime = time.Now()
	r.setState(StateStreaming)

	if m.metrics != nil {
		m.metrics.ActiveStreams.Inc()
		m.metrics.StreamsStarted.Inc()
		defer m.metrics.ActiveStreams.Dec()
	}

	m.logger.Printf("stream: session %s starting, text: %.50q", r.sessionID, r.text)
	m.events.LogAsync(r.sessionID, eventlog.EventStreamStarted, map[string]any{
		"text_length": len(r.text),
	})

	if err := em.StreamStarted(); err != nil {
		m.logger.Printf("stream: session %s started event failed: %v", r.sessionID, err)
	}

	err := m.pipeline(ctx, r, em)

	// Remove from the registry before emitting the terminal event so a
	// Stop racing with completion finds nothing to cancel.
	m.remove(r)

	frameMs := int(m.cfg.FrameDuration / time.Millisecond)
	durationMs := r.framesSent * frameMs

	switch {
	case err == nil:
		r.setState(StateCompleted)
		m.logger.Printf("stream: session %s completed, %d frames, %dms", r.sessionID, r.framesSent, durationMs)
		m.events.LogAsync(r.sessionID, eventlog.EventStreamCompleted, map[string]any{
			"frames_sent": r.framesSent,
			"duration_ms": durationMs,
		})
		if m.metrics != nil {
			m.metrics.StreamsCompleted.Inc()
			m.metrics.StreamDuration.Observe(time.Since(r.startTime).Seconds())
		}
		if err := em.StreamCompleted(r.framesSent, durationMs); err != nil {
			m.logger.Printf("stream: session %s completed event failed: %v", r.sessionID, err)
		}

	case IsCancelled(err):
		r.setState(StateCancelled)
		m.logger.Printf("stream: session %s stopped after %d frames", r.sessionID, r.framesSent)
		m.events.LogAsync(r.sessionID, eventlog.EventStreamStopped, map[string]any{
			"frames_sent": r.framesSent,
		})
		if m.metrics != nil {
			m.metrics.StreamsStopped.Inc()
		}
		if err := em.StreamStopped(r.framesSent); err != nil {
			m.logger.Printf("stream: session %s stopped event failed: %v", r.sessionID, err)
		}

	default:
		r.setState(StateErrored)
		m.logger.Printf("stream: session %s error: %v", r.sessionID, err)
		m.events.LogAsync(r.sessionID, eventlog.EventStreamError, map[string]any{
			"error": err.Error(),
		})
		if m.metrics != nil {
			m.metrics.StreamsErrored.Inc()
		}
		if emitErr := em.StreamError(err.Error()); emitErr != nil {
			m.logger.Printf("stream: session %s error event failed: %v", r.sessionID, emitErr)
		}
	}

	close(r.done)
}

// pipeline runs source -> converter -> framer -> pacer for one stream.
// Returns nil on completion, context.Canceled on stop/supersede, and a
// typed error otherwise.
func (m *Manager) pipeline(ctx context.Context, r *run, em Emitter) error {
	src, err := m.cfg.Synthesize(ctx, r.text)
	if err != nil {
		if IsCancelled(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer src.Close()

	frames := make(chan []byte, 32)
	var totalBytes int

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		defer close(frames)
		// A malformed source must surface as a fault, never crash the
		// process.
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%w: %v", ErrConversionFault, p)
			}
		}()
		return m.produce(gctx, src, frames, &totalBytes)
	})

	g.Go(func() error {
		pacer := audio.NewPacer(audio.PacerConfig{
			FrameDuration: m.cfg.FrameDuration,
			Corridor:      m.cfg.PacerCorridor,
			Step:          m.cfg.PacerStep,
			LowWaterMs:    m.cfg.BufferLowWaterMs,
			HighWaterMs:   m.cfg.BufferHighWaterMs,
		})
		sent, err := pacer.Run(gctx, frames, r.feedbackFn(), func(frame []byte) error {
			if err := em.Frame(frame); err != nil {
				return fmt.Errorf("%w: %v", ErrTransportFault, err)
			}
			if m.metrics != nil {
				m.metrics.FramesSent.Inc()
			}
			return nil
		})
		r.framesSent = sent
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if totalBytes == 0 {
		return ErrSourceEmptyResult
	}
	return nil
}

// produce converts source chunks and feeds complete frames downstream,
// flushing the zero-padded final frame when the source is exhausted.
func (m *Manager) produce(ctx context.Context, src Source, frames chan<- []byte, totalBytes *int) error {
	state := audio.NewConversionState(audio.ConverterConfig{
		Gain:           m.cfg.Gain,
		SmoothingAlpha: m.cfg.SmoothingAlpha,
	})
	framer := audio.NewFramer(m.cfg.FrameBytes())

	send := func(pcm []byte) error {
		ready, err := framer.Push(pcm)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConversionFault, err)
		}
		for _, frame := range ready {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case frames <- frame:
			}
		}
		return nil
	}

	if m.cfg.AutoGain {
		// Static gain needs the whole signal up front; trade first-frame
		// latency for a level decision that holds across the utterance.
		raw, err := m.collect(ctx, src)
		if err != nil {
			return err
		}
		*totalBytes = len(raw)
		state.SetGain(audio.AnalyzeGain(raw))
		if err := send(audio.Convert(raw, state)); err != nil {
			return err
		}
	} else {
		for {
			var chunk []byte
			var ok bool
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-src.Errors():
				return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
			case chunk, ok = <-src.Chunks():
			}
			if !ok {
				// Channel closed; a trailing error means the stream
				// failed after a prefix and must not be truncated
				// silently.
				select {
				case err := <-src.Errors():
					if err != nil {
						return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
					}
				default:
				}
				break
			}
			*totalBytes += len(chunk)
			if err := send(audio.Convert(chunk, state)); err != nil {
				return err
			}
		}
	}

	if final, ok := framer.Flush(); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frames <- final:
		}
	}
	return nil
}

// collect drains the source completely, for the auto-gain pre-analysis pass.
func (m *Manager) collect(ctx context.Context, src Source) ([]byte, error) {
	var raw []byte
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-src.Errors():
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		case chunk, ok := <-src.Chunks():
			if !ok {
				select {
				case err := <-src.Errors():
					if err != nil {
						return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
					}
				default:
				}
				return raw, nil
			}
			raw = append(raw, chunk...)
		}
	}
}
