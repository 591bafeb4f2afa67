package changefeed

import (
	"fmt"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends a message to the specified MQTT topic.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "graystore/changes/kv_entry")
//   - payload: The message payload (JSON, max 1MB)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message for new subscribers
//
// Retained Messages:
//   - When true, broker stores the last message for each topic
//   - New subscribers immediately receive the retained message
//   - Use for the status topic only; change events are transient
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	// Validate inputs
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	// Check connection state
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Publish with timeout
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}
