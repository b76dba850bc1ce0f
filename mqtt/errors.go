package mqtt

import "errors"

// Use errors.Is to check for these errors.
var (
	// ErrNotConnected is returned when publishing while the broker connection is down.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrPublishFailed is returned when the broker connection reports a publish failure.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrTimeout is returned when a publish is not acknowledged in time.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrInvalidTopic is returned for empty topics or topics containing wildcards.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
