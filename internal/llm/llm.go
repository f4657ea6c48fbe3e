package llm

import "context"

// Message represents a conversation message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Client defines the interface for LLM providers.
type Client interface {
	// GenerateResponse generates an assistant reply for the conversation.
	// The reply text is streamed through the channel in small deltas.
	GenerateResponse(ctx context.Context, messages []Message) (<-chan string, error)
}
