package model

import "errors"

var (
	ErrOutOfRange        = errors.New("out of range")
	ErrInvalidValue      = errors.New("invalid value")
	ErrTimeout           = errors.New("timeout waiting for response")
	ErrMalformedResponse = errors.New("malformed response")
	ErrTransportFailure  = errors.New("transport failure")
)

// IsValidation reports whether err was raised before touching the hardware.
func IsValidation(err error) bool {
	return errors.Is(err, ErrOutOfRange) || errors.Is(err, ErrInvalidValue)
}
