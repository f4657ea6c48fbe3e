package stream

import "context"

// Source is one live synthesis stream: an ordered, finite sequence of raw
// little-endian float32 PCM chunks at the pre-agreed sample rate, mono.
// Chunks may have arbitrary length and need not align to sample boundaries.
//
// The chunk channel closes when the source is exhausted. A failure before or
// after a prefix of chunks is delivered on Errors; a partial failure must be
// surfaced, never silently truncated. Close releases the underlying
// connection and is safe to call more than once.
type Source interface {
	Chunks() <-chan []byte
	Errors() <-chan error
	Close() error
}

// SynthesizeFunc opens a synthesis stream for the given text. It fails
// before yielding any data on connectivity, authentication or request
// errors. The returned Source is owned by the calling stream and closed by
// it.
type SynthesizeFunc func(ctx context.Context, text string) (Source, error)
