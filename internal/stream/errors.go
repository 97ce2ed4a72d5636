package stream

import "errors"

var (
	// ErrNoFrame is returned by NextFrame when no frame is available this
	// iteration. It is transient and always accompanied by a cause.
	ErrNoFrame = errors.New("no frame available")

	// ErrClosed is returned once the source has been closed. It is terminal.
	ErrClosed = errors.New("stream source closed")

	// ErrConnectionFailure marks a failed attempt to open the source.
	ErrConnectionFailure = errors.New("stream connection failure")

	// ErrReadFailure marks a failed read on an open connection.
	ErrReadFailure = errors.New("stream read failure")
)
