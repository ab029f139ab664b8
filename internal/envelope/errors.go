package envelope

import "errors"

var (
	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("envelope decode error")

	ErrMalformedFrame      = errors.New("malformed frame")
	ErrUnknownKind         = errors.New("unknown frame kind")
	ErrMissingConnectionID = errors.New("missing connection id")
	ErrFrameTooLarge       = errors.New("frame too large")

	// ErrNotEvent is returned when an event view is requested for a
	// control frame.
	ErrNotEvent = errors.New("frame does not carry an event")
)

// DecodeError describes a frame that could not be decoded.
type DecodeError struct {
	Detail string
	Err    error
}

func newDecodeError(detail string, err error) *DecodeError {
	return &DecodeError{Detail: detail, Err: err}
}

func (e *DecodeError) Error() string {
	return "envelope: " + e.Err.Error() + ": " + e.Detail
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports ErrDecode as a match in addition to the wrapped cause.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
