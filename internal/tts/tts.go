package tts

import "context"

// Client defines the interface for streaming text-to-speech providers.
type Client interface {
	// Synthesize opens a synthesis stream for the given text. Audio chunks
	// arrive on the stream's Chunks channel as raw f32le PCM.
	Synthesize(ctx context.Context, text string) (*Stream, error)
}
