package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"math"
	"sync"
	"testing"
	"time"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig(synth SynthesizeFunc) Config {
	return Config{
		SampleRate:    8000,
		FrameDuration: 5 * time.Millisecond,
		Synthesize:    synth,
	}
}

// fakeSource feeds pre-loaded chunks, then optionally an error.
type fakeSource struct {
	chunks    chan []byte
	errs      chan error
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		chunks: make(chan []byte, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeSource) Chunks() <-chan []byte { return s.chunks }
func (s *fakeSource) Errors() <-chan error  { return s.errs }
func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// sourceOf builds a SynthesizeFunc that yields the given chunks and then
// finishes, optionally with a trailing error.
func sourceOf(trailingErr error, chunks ...[]byte) SynthesizeFunc {
	return func(ctx context.Context, text string) (Source, error) {
		s := newFakeSource()
		for _, c := range chunks {
			s.chunks <- c
		}
		if trailingErr != nil {
			s.errs <- trailingErr
		}
		close(s.chunks)
		return s, nil
	}
}

// floatChunk encodes n float32 samples of the given value.
func floatChunk(n int, val float32) []byte {
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(val))
	}
	return out
}

// fakeEmitter records everything the stream emits.
type fakeEmitter struct {
	mu        sync.Mutex
	started   int
	frames    [][]byte
	completed []int // framesSent per completion
	stopped   []int // framesSent per stop ack
	errs      []string

	failFrameAfter int // return an error from Frame after this many frames; 0 disables

	frameSeen chan int      // receives running frame count, best effort
	terminal  chan struct{} // closed on first terminal event
	termOnce  sync.Once
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{
		frameSeen: make(chan int, 1024),
		terminal:  make(chan struct{}),
	}
}

func (e *fakeEmitter) StreamStarted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started++
	return nil
}

func (e *fakeEmitter) Frame(pcm []byte) error {
	e.mu.Lock()
	n := len(e.frames) + 1
	if e.failFrameAfter > 0 && n > e.failFrameAfter {
		e.mu.Unlock()
		return errors.New("connection reset")
	}
	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	e.frames = append(e.frames, frame)
	e.mu.Unlock()

	select {
	case e.frameSeen <- n:
	default:
	}
	return nil
}

func (e *fakeEmitter) StreamCompleted(framesSent, durationMs int) error {
	e.mu.Lock()
	e.completed = append(e.completed, framesSent)
	e.mu.Unlock()
	e.termOnce.Do(func() { close(e.terminal) })
	return nil
}

func (e *fakeEmitter) StreamStopped(framesSent int) error {
	e.mu.Lock()
	e.stopped = append(e.stopped, framesSent)
	e.mu.Unlock()
	e.termOnce.Do(func() { close(e.terminal) })
	return nil
}

func (e *fakeEmitter) StreamError(message string) error {
	e.mu.Lock()
	e.errs = append(e.errs, message)
	e.mu.Unlock()
	e.termOnce.Do(func() { close(e.terminal) })
	return nil
}

func (e *fakeEmitter) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-e.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not reach a terminal event")
	}
}

func (e *fakeEmitter) terminalCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.completed) + len(e.stopped) + len(e.errs)
}

func (e *fakeEmitter) frameCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

func TestManager_CompleteStream(t *testing.T) {
	// 8000 Hz x 5 ms -> 80-byte frames (40 samples). 180 samples make
	// 4.5 frames, so 5 frames including the padded final one.
	synth := sourceOf(nil, floatChunk(100, 0.5), floatChunk(80, -0.5))
	m := NewManager(testConfig(synth), testLogger(), nil, nil)
	em := newFakeEmitter()

	if err := m.Start(context.Background(), "s1", "hello", em); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	em.waitTerminal(t)

	if em.started != 1 {
		t.Errorf("started events = %d, want 1", em.started)
	}
	if got := em.frameCount(); got != 5 {
		t.Errorf("frames = %d, want 5", got)
	}
	for i, frame := range em.frames {
		if len(frame) != 80 {
			t.Errorf("frame %d length = %d, want 80", i, len(frame))
		}
	}
	if len(em.completed) != 1 || em.completed[0] != 5 {
		t.Errorf("completed = %v, want [5]", em.completed)
	}
	if em.terminalCount() != 1 {
		t.Errorf("terminal events = %d, want exactly 1", em.terminalCount())
	}

	// The final frame must be zero-padded: the last 20 samples of frame 4
	// were never produced by the source.
	final := em.frames[4]
	for i := 40; i < 80; i++ {
		if final[i] != 0 {
			t.Errorf("final frame byte %d = %d, want 0 padding", i, final[i])
			break
		}
	}

	if _, active := m.ActiveState("s1"); active {
		t.Error("session should be removed from registry after completion")
	}
}

func TestManager_EmptyTextRejected(t *testing.T) {
	m := NewManager(testConfig(sourceOf(nil)), testLogger(), nil, nil)
	em := newFakeEmitter()

	err := m.Start(context.Background(), "s1", "   ", em)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Start() error = %v, want ErrInvalidRequest", err)
	}

	if _, active := m.ActiveState("s1"); active {
		t.Error("no session state should be created for an invalid request")
	}
	if em.started != 0 || em.terminalCount() != 0 {
		t.Error("no events should be emitted for a rejected request")
	}
}

func TestManager_StopMidStream(t *testing.T) {
	// Long stream: 200 frames worth of audio.
	synth := sourceOf(nil, floatChunk(200*40, 0.1))
	m := NewManager(testConfig(synth), testLogger(), nil, nil)
	em := newFakeEmitter()

	if err := m.Start(context.Background(), "s1", "long text", em); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Wait for a few frames, then stop.
	var seen int
	for seen < 3 {
		select {
		case seen = <-em.frameSeen:
		case <-time.After(2 * time.Second):
			t.Fatal("no frames observed before stop")
		}
	}
	m.Stop("s1")
	em.waitTerminal(t)

	if len(em.stopped) != 1 {
		t.Fatalf("stopped events = %v, want exactly 1", em.stopped)
	}
	if got := em.frameCount(); em.stopped[0] != got {
		t.Errorf("stop ack framesSent = %d, emitted = %d, want equal", em.stopped[0], got)
	}
	// Bounded-latency cancellation: the pipeline may finish at most the
	// frame in flight, plus one the pacer released between our observation
	// and the stop call.
	if got := em.frameCount(); got > seen+2 {
		t.Errorf("frames after stop: emitted %d, observed %d at stop", got, seen)
	}
	if em.terminalCount() != 1 {
		t.Errorf("terminal events = %d, want exactly 1", em.terminalCount())
	}

	// Stop after terminal is a no-op.
	m.Stop("s1")
}

func TestManager_StopWithoutActiveStream(t *testing.T) {
	m := NewManager(testConfig(sourceOf(nil)), testLogger(), nil, nil)
	m.Stop("nobody")
	m.OnDisconnect("nobody")
}

func TestManager_Supersede(t *testing.T) {
	// First source streams indefinitely until cancelled.
	firstSynth := func(ctx context.Context, text string) (Source, error) {
		s := newFakeSource()
		go func() {
			defer close(s.chunks)
			for {
				select {
				case <-ctx.Done():
					return
				case s.chunks <- floatChunk(40, 0.1):
				}
			}
		}()
		return s, nil
	}
	secondSynth := sourceOf(nil, floatChunk(80, 0.2))

	var mu sync.Mutex
	generation := 0
	synth := func(ctx context.Context, text string) (Source, error) {
		mu.Lock()
		generation++
		gen := generation
		mu.Unlock()
		if gen == 1 {
			return firstSynth(ctx, text)
		}
		return secondSynth(ctx, text)
	}

	m := NewManager(testConfig(synth), testLogger(), nil, nil)
	em1 := newFakeEmitter()
	em2 := newFakeEmitter()

	if err := m.Start(context.Background(), "s1", "first", em1); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	select {
	case <-em1.frameSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("first stream never emitted")
	}

	if err := m.Start(context.Background(), "s1", "second", em2); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}

	// The old generation must have fully stopped before the new one
	// registered, so its frame count is frozen from here on.
	em1.waitTerminal(t)
	frozen := em1.frameCount()

	em2.waitTerminal(t)

	if len(em1.stopped) != 1 {
		t.Errorf("first stream stopped events = %v, want exactly 1", em1.stopped)
	}
	if got := em1.frameCount(); got != frozen {
		t.Errorf("first stream emitted %d frames after supersede, had %d", got, frozen)
	}
	if len(em2.completed) != 1 {
		t.Errorf("second stream completed events = %v, want exactly 1", em2.completed)
	}
	if em2.frameCount() == 0 {
		t.Error("second stream emitted no frames")
	}
}

func TestManager_SourceErrorMidStream(t *testing.T) {
	synth := sourceOf(errors.New("upstream reset"), floatChunk(40, 0.1))
	m := NewManager(testConfig(synth), testLogger(), nil, nil)
	em := newFakeEmitter()

	if err := m.Start(context.Background(), "s1", "text", em); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	em.waitTerminal(t)

	if len(em.errs) != 1 {
		t.Fatalf("error events = %v, want exactly 1", em.errs)
	}
	if em.terminalCount() != 1 {
		t.Errorf("terminal events = %d, want exactly 1", em.terminalCount())
	}
}

func TestManager_EmptySourceResult(t *testing.T) {
	m := NewManager(testConfig(sourceOf(nil)), testLogger(), nil, nil)
	em := newFakeEmitter()

	if err := m.Start(context.Background(), "s1", "text", em); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	em.waitTerminal(t)

	if len(em.errs) != 1 {
		t.Fatalf("error events = %v, want exactly 1", em.errs)
	}
	if em.frameCount() != 0 {
		t.Errorf("frames = %d, want 0 for empty synthesis", em.frameCount())
	}
}

func TestManager_SynthesizeFailure(t *testing.T) {
	synth := func(ctx context.Context, text string) (Source, error) {
		return nil, errors.New("401 unauthorized")
	}
	m := NewManager(testConfig(synth), testLogger(), nil, nil)
	em := newFakeEmitter()

	if err := m.Start(context.Background(), "s1", "text", em); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	em.waitTerminal(t)

	if len(em.errs) != 1 {
		t.Fatalf("error events = %v, want exactly 1", em.errs)
	}
	if em.started != 1 {
		t.Errorf("started events = %d, want 1", em.started)
	}
}

func TestManager_TransportFault(t *testing.T) {
	synth := sourceOf(nil, floatChunk(10*40, 0.1))
	m := NewManager(testConfig(synth), testLogger(), nil, nil)
	em := newFakeEmitter()
	em.failFrameAfter = 2

	if err := m.Start(context.Background(), "s1", "text", em); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	em.waitTerminal(t)

	if len(em.errs) != 1 {
		t.Fatalf("error events = %v, want exactly 1", em.errs)
	}
	if got := em.frameCount(); got != 2 {
		t.Errorf("frames delivered = %d, want 2", got)
	}
}

func TestManager_OnDisconnect(t *testing.T) {
	synth := sourceOf(nil, floatChunk(100*40, 0.1))
	m := NewManager(testConfig(synth), testLogger(), nil, nil)
	em := newFakeEmitter()

	if err := m.Start(context.Background(), "s1", "text", em); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	select {
	case <-em.frameSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never emitted")
	}

	m.OnDisconnect("s1")

	// OnDisconnect waits for the stream to wind down completely.
	if _, active := m.ActiveState("s1"); active {
		t.Error("session still registered after OnDisconnect")
	}
	if em.terminalCount() != 1 {
		t.Errorf("terminal events = %d, want exactly 1", em.terminalCount())
	}
}

func TestManager_ReportFeedback(t *testing.T) {
	synth := sourceOf(nil, floatChunk(50*40, 0.1))
	cfg := testConfig(synth)
	cfg.PacerCorridor = 20 * time.Millisecond
	cfg.PacerStep = 5 * time.Millisecond
	cfg.BufferLowWaterMs = 100
	cfg.BufferHighWaterMs = 400

	m := NewManager(cfg, testLogger(), nil, nil)
	em := newFakeEmitter()

	// Feedback for an unknown session is a no-op.
	m.ReportFeedback("nobody", FeedbackSample{BufferSizeMs: 10})

	if err := m.Start(context.Background(), "s1", "text", em); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Reporting must never block, no matter how fast it arrives.
	for i := 0; i < 100; i++ {
		m.ReportFeedback("s1", FeedbackSample{BufferSizeMs: 10, UnderrunCount: i})
	}
	em.waitTerminal(t)

	if len(em.completed) != 1 {
		t.Errorf("completed = %v, want exactly 1", em.completed)
	}
}

func TestManager_AutoGain(t *testing.T) {
	// Quiet signal at 0.25 peak; auto-gain should bring it near the
	// analysis target rather than leaving it at quarter scale.
	synth := sourceOf(nil, floatChunk(80, 0.25))
	cfg := testConfig(synth)
	cfg.AutoGain = true

	m := NewManager(cfg, testLogger(), nil, nil)
	em := newFakeEmitter()

	if err := m.Start(context.Background(), "s1", "text", em); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	em.waitTerminal(t)

	if len(em.completed) != 1 {
		t.Fatalf("completed = %v, want exactly 1", em.completed)
	}
	if em.frameCount() != 2 {
		t.Fatalf("frames = %d, want 2", em.frameCount())
	}

	sample := int16(binary.LittleEndian.Uint16(em.frames[0]))
	if sample < 20000 {
		t.Errorf("first sample = %d, want boosted above 20000", sample)
	}
}

func TestManager_StartCancelledContext(t *testing.T) {
	// A source that never produces; the only way out is the dead context.
	synth := func(ctx context.Context, text string) (Source, error) {
		return newFakeSource(), nil
	}
	m := NewManager(testConfig(synth), testLogger(), nil, nil)
	em := newFakeEmitter()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Start(ctx, "s1", "text", em); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	em.waitTerminal(t)

	// A dead connection context behaves like an immediate stop.
	if len(em.stopped) != 1 {
		t.Errorf("stopped = %v, want exactly 1 (got errs=%v completed=%v)", em.stopped, em.errs, em.completed)
	}
}

func TestConfig_FrameBytes(t *testing.T) {
	cfg := Config{SampleRate: 22050, FrameDuration: 20 * time.Millisecond}
	if got := cfg.FrameBytes(); got != 882 {
		t.Errorf("FrameBytes() = %d, want 882", got)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateStreaming, "streaming"},
		{StateCancelling, "cancelling"},
		{StateCompleted, "completed"},
		{StateCancelled, "cancelled"},
		{StateErrored, "errored"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
