package codec

import (
	"errors"
	"fmt"
)

// Decode failures are fatal to the connection that carried the frame; the
// endpoint owning the connection must treat the peer as lost.
var (
	// ErrUnknownTag indicates a frame with a type tag outside the closed set.
	ErrUnknownTag = errors.New("codec: unknown type tag")

	// ErrLengthMismatch indicates a declared length inconsistent with the
	// actual payload (corruption).
	ErrLengthMismatch = errors.New("codec: declared length does not match payload")

	// ErrNotEncodable indicates a zero or malformed Value passed to Encode.
	ErrNotEncodable = errors.New("codec: value is not encodable")

	// ErrFrameTooLarge indicates a length prefix above the frame size limit.
	ErrFrameTooLarge = errors.New("codec: frame exceeds size limit")
)

// DecodeError wraps one of the sentinel errors with frame context.
type DecodeError struct {
	Tag     byte
	Details string
	Wrapped error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame tag 0x%02x: %s: %v", e.Tag, e.Details, e.Wrapped)
}

func (e *DecodeError) Unwrap() error {
	return e.Wrapped
}

func decodeErr(tag byte, wrapped error, format string, args ...any) error {
	return &DecodeError{Tag: tag, Details: fmt.Sprintf(format, args...), Wrapped: wrapped}
}
