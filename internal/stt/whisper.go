package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

const whisperAPIURL = "https://api.openai.com/v1"

// WhisperClient implements the Client interface using OpenAI's Whisper API.
type WhisperClient struct {
	apiKey     string
	model      string
	language   string
	baseURL    string
	httpClient *http.Client
}

// WhisperConfig holds configuration for the Whisper client.
type WhisperConfig struct {
	APIKey     string
	Model      string // e.g., "whisper-1"
	Language   string // optional language hint, e.g., "en"
	BaseURL    string // override for tests; defaults to the public API
	HTTPClient *http.Client
}

// NewWhisperClient creates a new Whisper transcription client.
func NewWhisperClient(cfg WhisperConfig) *WhisperClient {
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = whisperAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &WhisperClient{
		apiKey:     cfg.APIKey,
		model:      model,
		language:   cfg.Language,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// whisperResponse represents a verbose_json transcription response.
type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Transcribe sends the recorded audio to Whisper and returns the transcript.
func (c *WhisperClient) Transcribe(ctx context.Context, audio []byte, filename string) (TranscriptResult, error) {
	if len(audio) == 0 {
		return TranscriptResult{}, fmt.Errorf("empty audio")
	}
	if filename == "" {
		filename = "audio.wav"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("failed to build form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return TranscriptResult{}, fmt.Errorf("failed to write audio: %w", err)
	}

	_ = mw.WriteField("model", c.model)
	_ = mw.WriteField("response_format", "verbose_json")
	if c.language != "" {
		_ = mw.WriteField("language", c.language)
	}
	if err := mw.Close(); err != nil {
		return TranscriptResult{}, fmt.Errorf("failed to finish form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return TranscriptResult{}, fmt.Errorf("Whisper API error: %s - %s", resp.Status, string(respBody))
	}

	var wr whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return TranscriptResult{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return TranscriptResult{
		Text:     wr.Text,
		Language: wr.Language,
		Duration: wr.Duration,
	}, nil
}
