package tts

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

const (
	cartesiaBaseURL = "wss://api.cartesia.ai"
	cartesiaVersion = "2024-11-13"
)

// CartesiaClient implements the Client interface using Cartesia's streaming
// WebSocket API.
type CartesiaClient struct {
	cfg CartesiaConfig
}

// CartesiaConfig holds configuration for the Cartesia client.
type CartesiaConfig struct {
	APIKey     string
	VoiceID    string
	ModelID    string // e.g., "sonic-2"
	Language   string // e.g., "en"
	SampleRate int    // e.g., 22050
	BaseURL    string // override for tests; defaults to the public API
}

// NewCartesiaClient creates a new Cartesia streaming TTS client.
func NewCartesiaClient(cfg CartesiaConfig) *CartesiaClient {
	if cfg.ModelID == "" {
		cfg.ModelID = "sonic-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 22050
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = cartesiaBaseURL
	}
	return &CartesiaClient{cfg: cfg}
}

// cartesiaRequest is the generation request sent after connecting.
type cartesiaRequest struct {
	ModelID    string        `json:"model_id"`
	Transcript string        `json:"transcript"`
	Voice      cartesiaVoice `json:"voice"`
	Language   string        `json:"language"`
	ContextID  string        `json:"context_id"`
	Output     cartesiaFmt   `json:"output_format"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaFmt struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// cartesiaResponse represents a Cartesia WebSocket response.
type cartesiaResponse struct {
	Type      string `json:"type"`
	Data      string `json:"data"` // base64-encoded f32le PCM
	Error     string `json:"error"`
	ContextID string `json:"context_id"`
}

// Synthesize opens a WebSocket to Cartesia, sends the generation request and
// returns a Stream carrying the raw f32le audio chunks.
func (c *CartesiaClient) Synthesize(ctx context.Context, text string) (*Stream, error) {
	wsURL := fmt.Sprintf("%s/tts/websocket?api_key=%s&cartesia_version=%s",
		c.cfg.BaseURL,
		url.QueryEscape(c.cfg.APIKey),
		cartesiaVersion,
	)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Cartesia: %w", err)
	}

	req := cartesiaRequest{
		ModelID:    c.cfg.ModelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.cfg.VoiceID},
		Language:   c.cfg.Language,
		ContextID:  newContextID(),
		Output: cartesiaFmt{
			Container:  "raw",
			Encoding:   "pcm_f32le",
			SampleRate: c.cfg.SampleRate,
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send synthesis request: %w", err)
	}

	s := &Stream{
		conn:   conn,
		chunks: make(chan []byte, 100),
		errors: make(chan error, 4),
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop()

	return s, nil
}

func newContextID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "ctx-fallback"
	}
	return "ctx-" + hex.EncodeToString(b[:])
}

// Stream is a single in-flight synthesis. The Chunks channel closes when the
// provider signals completion or the stream fails; a failure is reported on
// Errors before Chunks closes.
type Stream struct {
	conn      *websocket.Conn
	chunks    chan []byte
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup // Wait for readLoop to finish
}

// Chunks returns the channel carrying raw f32le PCM chunks.
func (s *Stream) Chunks() <-chan []byte { return s.chunks }

// Errors returns the channel for receiving errors. It is never closed;
// consumers should stop reading once Chunks closes.
func (s *Stream) Errors() <-chan error { return s.errors }

// Close tears down the connection and waits for the read loop to exit.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

// readLoop reads responses until the provider reports done or the connection
// fails. It owns the chunks channel and closes it on exit.
func (s *Stream) readLoop() {
	defer s.wg.Done()
	defer close(s.chunks)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			case s.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		var resp cartesiaResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			log.Printf("cartesia: failed to parse response: %v", err)
			continue
		}

		switch resp.Type {
		case "chunk":
			data, err := base64.StdEncoding.DecodeString(resp.Data)
			if err != nil {
				select {
				case s.errors <- fmt.Errorf("invalid chunk encoding: %w", err):
				default:
				}
				return
			}
			if len(data) == 0 {
				continue
			}
			select {
			case <-s.done:
				return
			case s.chunks <- data:
			}

		case "done":
			return

		case "error":
			select {
			case s.errors <- fmt.Errorf("cartesia error: %s", resp.Error):
			default:
			}
			return

		default:
			// Ignore timestamps and other auxiliary message types.
		}
	}
}
