package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mfilipek/verba/internal/eventlog"
	"github.com/mfilipek/verba/internal/llm"
	"github.com/mfilipek/verba/internal/metrics"
	"github.com/mfilipek/verba/internal/store"
	"github.com/mfilipek/verba/internal/stream"
	"github.com/mfilipek/verba/internal/stt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is the single envelope for all inbound client events.
type clientMessage struct {
	Event         string `json:"event"`
	Text          string `json:"text,omitempty"`
	BufferSizeMs  int    `json:"buffer_size_ms,omitempty"`
	UnderrunCount int    `json:"underrun_count,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
	AudioData     string `json:"audio_data,omitempty"` // base64-encoded recorded audio
	Format        string `json:"format,omitempty"`     // container hint, e.g. "webm"
	IsFinal       bool   `json:"is_final,omitempty"`
}

// serverEvent is the envelope for outbound JSON events. PCM frames are sent
// as binary websocket messages, not through this struct.
type serverEvent struct {
	Event      string `json:"event"`
	Status     string `json:"status,omitempty"`
	Text       string `json:"text,omitempty"`
	Error      string `json:"error,omitempty"`
	FramesSent int    `json:"frames_sent,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// wsSession manages one connected client: its audio streams, conversation
// history and voice input buffer.
type wsSession struct {
	id string

	conn   *websocket.Conn
	connMu sync.Mutex

	manager   *stream.Manager
	llmClient llm.Client
	sttClient stt.Client
	store     *store.Store
	eventLog  *eventlog.Logger
	metrics   *metrics.Metrics
	logger    *log.Logger
	cfg       RouterConfig

	// Conversation state; chatMu serializes turns so two user messages
	// cannot interleave their histories.
	chatMu   sync.Mutex
	messages []llm.Message

	// Voice input accumulation
	voiceMu  sync.Mutex
	voiceBuf bytes.Buffer
	voiceFmt string

	ctx    context.Context
	cancel context.CancelFunc
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return "sess-" + hex.EncodeToString(b[:])
}

func (r *Router) handleClientWS(w http.ResponseWriter, req *http.Request) {
	if err := r.authorizeWS(req); err != nil {
		r.logger.Printf("client_ws: rejected unauthorized connection: %v", err)
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if !r.conns.Add() {
		http.Error(w, `{"error": "shutting down"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.conns.Done()
		r.logger.Printf("client_ws: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	session := &wsSession{
		id:        newSessionID(),
		conn:      conn,
		manager:   r.manager,
		llmClient: r.llm,
		sttClient: r.sttc,
		store:     r.store,
		eventLog:  r.eventLog,
		metrics:   r.metrics,
		logger:    r.logger,
		cfg:       r.cfg,
		ctx:       ctx,
		cancel:    cancel,
	}

	if r.metrics != nil {
		r.metrics.ActiveConnections.Inc()
	}

	r.logger.Printf("client_ws: session %s connected from %s", session.id, req.RemoteAddr)
	r.eventLog.LogAsync(session.id, eventlog.EventSessionConnected, map[string]any{
		"client_addr": req.RemoteAddr,
	})

	if r.store != nil {
		insertCtx, insertCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := r.store.InsertSession(insertCtx, session.id, req.RemoteAddr, req.UserAgent()); err != nil {
			r.logger.Printf("client_ws: failed to persist session %s: %v", session.id, err)
		}
		insertCancel()
	}

	session.run()

	if r.metrics != nil {
		r.metrics.ActiveConnections.Dec()
	}
	r.conns.Done()
}

func (s *wsSession) run() {
	defer s.cleanup()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("client_ws: session %s closed", s.id)
			} else {
				s.logger.Printf("client_ws: session %s read error: %v", s.id, err)
			}
			return
		}

		var cm clientMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			s.logger.Printf("client_ws: session %s sent malformed message: %v", s.id, err)
			continue
		}

		switch cm.Event {
		case "start_tts":
			s.handleStartTTS(cm.Text)

		case "stop_tts":
			s.manager.Stop(s.id)

		case "buffer_status":
			s.manager.ReportFeedback(s.id, stream.FeedbackSample{
				BufferSizeMs:  cm.BufferSizeMs,
				UnderrunCount: cm.UnderrunCount,
			})

		case "client_heartbeat":
			s.writeEvent(serverEvent{Event: "server_heartbeat_ack", Timestamp: cm.Timestamp})

		case "user_message":
			go s.handleChatTurn(cm.Text)

		case "audio_chunk":
			s.handleAudioChunk(cm)

		case "cancel_voice_input":
			s.resetVoiceInput()

		default:
			s.logger.Printf("client_ws: session %s sent unknown event %q", s.id, cm.Event)
		}
	}
}

// handleStartTTS launches synthesis of the given text. A stream already in
// flight for this session is superseded by the manager.
func (s *wsSession) handleStartTTS(text string) {
	if err := s.manager.Start(s.ctx, s.id, text, s); err != nil {
		s.writeEvent(serverEvent{Event: "tts_error", Error: err.Error()})
		return
	}
	s.storeUtterance("assistant", text, 0, 0)
}

// handleChatTurn runs one conversation turn: user text in, streamed LLM
// reply out, then the reply is spoken via the audio pipeline.
func (s *wsSession) handleChatTurn(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		s.writeEvent(serverEvent{Event: "conversation_error", Error: "empty message"})
		return
	}
	if s.llmClient == nil {
		s.writeEvent(serverEvent{Event: "conversation_error", Error: "chat is not configured"})
		return
	}

	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	s.messages = append(s.messages, llm.Message{Role: "user", Content: text})
	s.messages = trimHistory(s.messages, s.cfg.MaxConversationHistory)
	s.storeUtterance("user", text, 0, 0)

	s.writeEvent(serverEvent{Event: "ai_thinking"})

	replyCh, err := s.llmClient.GenerateResponse(s.ctx, s.messages)
	if err != nil {
		s.logger.Printf("client_ws: session %s LLM error: %v", s.id, err)
		s.eventLog.LogAsync(s.id, eventlog.EventChatError, map[string]any{"error": err.Error()})
		s.writeEvent(serverEvent{Event: "conversation_error", Error: "assistant unavailable"})
		return
	}

	var sb strings.Builder
	for delta := range replyCh {
		sb.WriteString(delta)
	}

	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		s.writeEvent(serverEvent{Event: "conversation_error", Error: "assistant returned no reply"})
		return
	}

	s.messages = append(s.messages, llm.Message{Role: "assistant", Content: reply})
	s.storeUtterance("assistant", reply, 0, 0)

	if s.metrics != nil {
		s.metrics.ChatTurns.Inc()
	}
	s.eventLog.LogAsync(s.id, eventlog.EventChatTurn, map[string]any{
		"user_chars":  len(text),
		"reply_chars": len(reply),
	})

	s.writeEvent(serverEvent{Event: "ai_response", Text: reply})

	// Speak the reply. Errors surface through the stream's own events.
	if err := s.manager.Start(s.ctx, s.id, reply, s); err != nil {
		s.writeEvent(serverEvent{Event: "tts_error", Error: err.Error()})
	}
}

// handleAudioChunk accumulates recorded voice input; the final chunk
// triggers transcription.
func (s *wsSession) handleAudioChunk(cm clientMessage) {
	if cm.AudioData != "" {
		data, err := base64.StdEncoding.DecodeString(cm.AudioData)
		if err != nil {
			s.writeEvent(serverEvent{Event: "transcription_error", Error: "invalid audio encoding"})
			s.resetVoiceInput()
			return
		}
		s.voiceMu.Lock()
		s.voiceBuf.Write(data)
		if cm.Format != "" {
			s.voiceFmt = cm.Format
		}
		s.voiceMu.Unlock()
	}

	if cm.IsFinal {
		go s.finishVoiceInput()
	}
}

func (s *wsSession) resetVoiceInput() {
	s.voiceMu.Lock()
	s.voiceBuf.Reset()
	s.voiceFmt = ""
	s.voiceMu.Unlock()
}

// finishVoiceInput transcribes the accumulated recording and feeds the text
// into the conversation.
func (s *wsSession) finishVoiceInput() {
	s.voiceMu.Lock()
	audio := make([]byte, s.voiceBuf.Len())
	copy(audio, s.voiceBuf.Bytes())
	format := s.voiceFmt
	s.voiceBuf.Reset()
	s.voiceFmt = ""
	s.voiceMu.Unlock()

	if len(audio) == 0 {
		s.writeEvent(serverEvent{Event: "transcription_error", Error: "no audio received"})
		return
	}
	if s.sttClient == nil {
		s.writeEvent(serverEvent{Event: "transcription_error", Error: "transcription is not configured"})
		return
	}

	if s.metrics != nil {
		s.metrics.TranscriptionRequests.Inc()
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	result, err := s.sttClient.Transcribe(ctx, audio, filenameForFormat(format))
	if err != nil {
		s.logger.Printf("client_ws: session %s transcription error: %v", s.id, err)
		if s.metrics != nil {
			s.metrics.TranscriptionFailures.Inc()
		}
		s.eventLog.LogAsync(s.id, eventlog.EventTranscriptionError, map[string]any{"error": err.Error()})
		s.writeEvent(serverEvent{Event: "transcription_error", Error: "transcription failed"})
		return
	}

	s.eventLog.LogAsync(s.id, eventlog.EventTranscription, map[string]any{
		"chars":    len(result.Text),
		"duration": result.Duration,
	})
	s.writeEvent(serverEvent{Event: "transcription_complete", Text: result.Text})

	if strings.TrimSpace(result.Text) != "" {
		s.handleChatTurn(result.Text)
	}
}

// filenameForFormat maps a client format hint to the extension hint the
// transcription API expects.
func filenameForFormat(format string) string {
	format = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), "audio/")
	switch format {
	case "wav", "webm", "ogg", "mp3", "m4a", "flac":
		return "utterance." + format
	case "":
		return "utterance.webm"
	default:
		return "utterance.webm"
	}
}

// trimHistory keeps only the most recent max messages.
func trimHistory(messages []llm.Message, max int) []llm.Message {
	if max <= 0 || len(messages) <= max {
		return messages
	}
	return messages[len(messages)-max:]
}

func (s *wsSession) storeUtterance(speaker, text string, framesSent, durationMs int) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.store.InsertUtterance(ctx, store.Utterance{
		SessionID:  s.id,
		Speaker:    speaker,
		Text:       text,
		FramesSent: framesSent,
		DurationMs: durationMs,
	})
	if err != nil {
		s.logger.Printf("client_ws: session %s failed to persist utterance: %v", s.id, err)
	}
}

func (s *wsSession) writeEvent(ev serverEvent) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.WriteJSON(ev)
}

// StreamStarted implements stream.Emitter.
func (s *wsSession) StreamStarted() error {
	return s.writeEvent(serverEvent{Event: "tts_started", Status: "streaming"})
}

// Frame implements stream.Emitter. PCM frames go out as binary messages to
// avoid the base64 and JSON overhead on the hot path.
func (s *wsSession) Frame(pcm []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// StreamCompleted implements stream.Emitter.
func (s *wsSession) StreamCompleted(framesSent, durationMs int) error {
	return s.writeEvent(serverEvent{
		Event:      "tts_completed",
		FramesSent: framesSent,
		DurationMs: durationMs,
	})
}

// StreamStopped implements stream.Emitter.
func (s *wsSession) StreamStopped(framesSent int) error {
	return s.writeEvent(serverEvent{Event: "tts_stopped", FramesSent: framesSent})
}

// StreamError implements stream.Emitter.
func (s *wsSession) StreamError(message string) error {
	return s.writeEvent(serverEvent{Event: "tts_error", Error: message})
}

func (s *wsSession) cleanup() {
	s.cancel()

	// Wind down any active stream before the connection goes away.
	s.manager.OnDisconnect(s.id)

	s.connMu.Lock()
	_ = s.conn.Close()
	s.connMu.Unlock()

	s.eventLog.LogAsync(s.id, eventlog.EventSessionDisconnected, nil)

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.EndSession(ctx, s.id); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Printf("client_ws: session %s failed to mark ended: %v", s.id, err)
		}
	}

	s.logger.Printf("client_ws: session %s cleaned up", s.id)
}
