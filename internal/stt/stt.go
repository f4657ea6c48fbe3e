package stt

import "context"

// TranscriptResult represents a speech-to-text transcription result.
type TranscriptResult struct {
	Text     string  // The transcribed text
	Language string  // Detected or requested language code
	Duration float64 // Audio duration in seconds, as reported by the provider
}

// Client defines the interface for speech-to-text providers.
type Client interface {
	// Transcribe converts a complete recorded utterance to text. The audio
	// bytes must be a container the provider understands (wav, webm, ogg);
	// filename carries the extension hint.
	Transcribe(ctx context.Context, audio []byte, filename string) (TranscriptResult, error)
}
