package mqtt

import (
	"fmt"
)

// maxPayloadSize caps outbound payloads at 1 MB; brokers commonly reject
// larger messages and the device protocol never needs them.
const maxPayloadSize = 1024 * 1024

// Publish sends a message to the broker and waits for the acknowledgment
// appropriate to the QoS level.
//
// Parameters:
//   - topic: destination topic (must be non-empty, no wildcards)
//   - payload: message body, at most 1 MB
//   - qos: delivery guarantee (0, 1, or 2)
//   - retained: whether the broker stores the message for new subscribers
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected, or an
//     ErrPublishFailed-wrapped error on broker rejection or timeout
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return fmt.Errorf("%w: got %d", ErrInvalidQoS, qos)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("%w: timeout publishing to %s", ErrPublishFailed, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}
