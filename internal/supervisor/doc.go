// Package supervisor owns the MQTT connection lifecycle for the device core.
//
// The transport layer (internal/infrastructure/mqtt) performs single connect
// attempts and raw publish/subscribe operations; this package layers policy
// on top:
//
//   - Reconnection: a retry loop with a configurable interval and attempt
//     limit. The transport never reconnects on its own.
//   - Subscription replay: the supervisor remembers every filter registered
//     through it and re-subscribes after each successful (re)connect, before
//     inbound delivery resumes.
//   - Publish queue: outbound messages pass through a FIFO queue drained by
//     a single worker, which enforces a minimum spacing between publishes
//     and holds messages while the connection is down. A publish that fails
//     on a live connection is retried once, then logged and dropped; one
//     bad message never blocks the messages queued behind it.
//
// Inbound messages are decoupled from the paho router goroutine through a
// buffered channel (128 messages), so a slow consumer stalls the transport
// only once that buffer is full.
package supervisor
