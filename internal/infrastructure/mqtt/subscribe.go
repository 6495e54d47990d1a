package mqtt

import (
	"fmt"
)

// Subscribe registers a topic filter with the broker. Messages matching the
// filter are delivered to the handler set via SetMessageHandler.
//
// Subscribing to a filter the client is already subscribed to is a no-op, so
// callers can replay their subscription set unconditionally after reconnect.
//
// Parameters:
//   - filter: topic filter, may contain + and # wildcards
//   - qos: maximum delivery QoS for matching messages (0, 1, or 2)
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected, or an
//     ErrSubscribeFailed-wrapped error on broker rejection or timeout
func (c *Client) Subscribe(filter string, qos byte) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return fmt.Errorf("%w: got %d", ErrInvalidQoS, qos)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	if _, ok := c.subscribed[filter]; ok {
		return nil
	}

	token := c.client.Subscribe(filter, qos, c.receiveMessage)
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("%w: timeout subscribing to %s", ErrSubscribeFailed, filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	c.subscribed[filter] = struct{}{}
	return nil
}

// Unsubscribe removes a topic filter. Unknown filters are ignored.
func (c *Client) Unsubscribe(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	token := c.client.Unsubscribe(filter)
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("%w: timeout unsubscribing from %s", ErrSubscribeFailed, filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	delete(c.subscribed, filter)
	return nil
}
