// Package command implements the two-phase command lifecycle.
//
// Every inbound command message passes through:
//
//	Received ──publish ack──▶ Acked ──validate──▶ Validated ──handle──▶ Completed
//
// The ack (status/ack, QoS 1) is published before any validation or handler
// work; the completion (status/completion, QoS 1) always follows it. Two
// ack-phase failures are terminal:
//
//   - unparseable JSON: error ack with cmd_id "unknown", no completion
//   - missing cmd_id: error ack and matching error completion
//
// All later failures (unknown command, schema rejection, handler error,
// panic) produce a success ack followed by an error completion carrying the
// error code and message.
//
// Parse and ack happen synchronously in message receive order; the handler
// runs on its own goroutine so commands execute concurrently. The status
// tracker is told when a command enters and leaves the in-flight set so
// operational_status reflects whether any command is executing.
package command
