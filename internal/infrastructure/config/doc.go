// Package config loads and validates the device core configuration.
//
// Configuration is read from a YAML file, merged over built-in defaults and
// finally overridden by ICSIA_* environment variables. The result is
// immutable after Load returns.
//
// The file carries both connection settings (broker, reconnect, throttle)
// and the declarative payload schemas consumed by the schema package:
// command schemas under commands.schemas and the status payload template
// under status.payload. Fields unknown to the core are ignored.
package config
