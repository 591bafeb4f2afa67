package changefeed

import "errors"

// Domain-specific errors for changefeed operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("changefeed: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("changefeed: connection failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("changefeed: publish failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("changefeed: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty or invalid topic is provided.
	ErrInvalidTopic = errors.New("changefeed: topic cannot be empty")
)
