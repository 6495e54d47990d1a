// Package logging configures structured logging for the device core.
//
// Setup builds a slog.Logger from config: JSON or text format, leveled,
// writing to stdout, stderr, or a file. The MQTT handler additionally
// forwards records to the device's logs topic so controllers can watch a
// device's log stream over the broker; Tee combines both.
package logging
