package mqtt

import "errors"

// Validation errors returned inside *transport.Error causes.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidQoS is returned when a QoS above 2 is requested.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrPayloadTooLarge is returned when an encoded message exceeds maxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")
)
