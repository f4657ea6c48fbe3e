package stream

import (
	"context"
	"errors"
)

// Typed stream errors. Every fault inside a stream's goroutine terminates
// that stream only and maps onto exactly one of these before it is reported.
var (
	// ErrInvalidRequest rejects a start request before any session state is
	// created (e.g. empty text).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSourceUnavailable covers connectivity or authentication failures
	// from the synthesis source.
	ErrSourceUnavailable = errors.New("synthesis source unavailable")

	// ErrSourceEmptyResult means the source succeeded but yielded zero
	// audio bytes.
	ErrSourceEmptyResult = errors.New("synthesis produced no audio")

	// ErrConversionFault covers malformed audio that the converter could
	// not process. It should not occur with a well-formed source.
	ErrConversionFault = errors.New("audio conversion fault")

	// ErrTransportFault means a frame or event could not be delivered to
	// the client.
	ErrTransportFault = errors.New("frame delivery failed")
)

// IsCancelled reports whether err represents an explicit stop or supersede
// rather than a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
