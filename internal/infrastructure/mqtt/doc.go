// Package mqtt provides broker connectivity for the device core.
//
// This package manages:
//   - Single-attempt connection to the MQTT broker (reconnection is left to the supervisor)
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Topic construction and MQTT 3.1.1 topic-filter matching
//
// # Architecture
//
// The device core speaks a command/response/status protocol over MQTT:
//
//	controller → {ns}/{device}/cmd/{command}      (QoS 1)
//	device     → {ns}/{device}/status/ack         (QoS 1)
//	device     → {ns}/{device}/status/completion  (QoS 1)
//	device     → {ns}/{device}/status/current     (QoS 0, retained)
//	device     → {ns}/{device}/logs               (QoS 0)
//
// The Client type is a thin transport: connect, subscribe, publish, plus
// connection-state callbacks. Reconnection policy, subscription replay and
// publish ordering live one layer up in the supervisor package.
package mqtt
