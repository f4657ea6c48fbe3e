package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string // optional; empty runs without persistence
	SentryDSN   string
	LogLevel    string

	// LLM and transcription
	OpenAIAPIKey    string
	ChatModel       string
	SystemPrompt    string
	WhisperModel    string
	WhisperLanguage string

	// TTS provider
	CartesiaAPIKey string
	TTSVoiceID     string
	TTSModelID     string
	TTSLanguage    string

	// Audio pipeline
	SampleRate     int // output PCM sample rate
	FrameMs        int // frame duration in milliseconds
	Gain           float64
	SmoothingAlpha float64
	AutoGain       bool

	// Pacing policy
	PacerCorridorMs   int
	PacerStepMs       int
	BufferLowWaterMs  int
	BufferHighWaterMs int

	// Conversation
	MaxConversationHistory int

	// Auth; empty disables authentication
	AuthSecret string
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		SentryDSN:   getenv("SENTRY_DSN", ""),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		OpenAIAPIKey:    getenv("OPENAI_API_KEY", ""),
		ChatModel:       getenv("CHAT_MODEL", "gpt-4o-mini"),
		SystemPrompt:    getenv("SYSTEM_PROMPT", ""),
		WhisperModel:    getenv("WHISPER_MODEL", "whisper-1"),
		WhisperLanguage: getenv("WHISPER_LANGUAGE", ""),

		CartesiaAPIKey: getenv("CARTESIA_API_KEY", ""),
		TTSVoiceID:     getenv("TTS_VOICE_ID", ""),
		TTSModelID:     getenv("TTS_MODEL_ID", "sonic-2"),
		TTSLanguage:    getenv("TTS_LANGUAGE", "en"),

		SampleRate:     getenvInt("SAMPLE_RATE", 22050),
		FrameMs:        getenvIntClamped("FRAME_MS", 20, 5, 200),
		Gain:           getenvFloatClamped("TTS_GAIN", 1.0, 0.0, 16.0),
		SmoothingAlpha: getenvFloatClamped("SMOOTHING_ALPHA", 0, 0.0, 1.0),
		AutoGain:       getenvBool("AUTO_GAIN", false),

		PacerCorridorMs:   getenvInt("PACER_CORRIDOR_MS", 40),
		PacerStepMs:       getenvInt("PACER_STEP_MS", 5),
		BufferLowWaterMs:  getenvInt("BUFFER_LOW_WATER_MS", 100),
		BufferHighWaterMs: getenvInt("BUFFER_HIGH_WATER_MS", 400),

		MaxConversationHistory: getenvInt("MAX_CONVERSATION_HISTORY", 40),

		AuthSecret: os.Getenv("AUTH_SECRET"), // no fallback for security
	}
}

// FrameDuration returns the configured frame length.
func (c Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameMs) * time.Millisecond
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v := getenvInt(k, def)
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := def
	if s := os.Getenv(k); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			v = f
		}
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
