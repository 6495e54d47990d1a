// Package dispatch routes inbound MQTT messages to their consumers.
//
// A Router holds an ordered callback registry keyed by topic pattern and a
// single command sink. For each inbound message:
//
//   - If the topic matches the command filter, the message goes to the
//     command sink.
//   - For every registered pattern that matches, the pattern's callbacks run
//     in registration order. Distinct patterns are dispatched concurrently;
//     callbacks under one pattern stay sequential.
//
// A message can be both a command and a callback match; both paths fire.
// Patterns use MQTT 3.1.1 topic-filter semantics (+ and # wildcards).
package dispatch
