package command

import (
	"encoding/json"
	"time"
)

// Error codes carried in ack and completion payloads.
const (
	CodeInvalidJSON     = "INVALID_JSON"
	CodeInvalidPayload  = "INVALID_PAYLOAD"
	CodeUnknownCommand  = "UNKNOWN_COMMAND"
	CodeValidationError = "VALIDATION_ERROR"
	CodeExecutionError  = "EXECUTION_ERROR"
	CodeInternalError   = "INTERNAL_ERROR"
)

// Status values carried in ack and completion payloads.
const (
	statusReceived  = "received"
	statusCompleted = "completed"
	statusError     = "error"
)

// unknownCmdID substitutes for cmd_id when the payload never yielded one.
const unknownCmdID = "unknown"

// timestampLayout is ISO-8601 UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ackPayload builds a success ack message.
func ackPayload(cmdID, commandTimestamp string) []byte {
	return marshalResponse(map[string]any{
		"cmd_id":            cmdID,
		"status":            statusReceived,
		"timestamp":         formatTimestamp(time.Now()),
		"command_timestamp": commandTimestamp,
	})
}

// completionPayload builds a success completion message.
func completionPayload(cmdID, commandTimestamp string) []byte {
	return marshalResponse(map[string]any{
		"cmd_id":            cmdID,
		"status":            statusCompleted,
		"timestamp":         formatTimestamp(time.Now()),
		"command_timestamp": commandTimestamp,
	})
}

// errorPayload builds an error ack or completion message.
func errorPayload(cmdID, commandTimestamp, code, msg string) []byte {
	return marshalResponse(map[string]any{
		"cmd_id":            cmdID,
		"status":            statusError,
		"timestamp":         formatTimestamp(time.Now()),
		"command_timestamp": commandTimestamp,
		"error_code":        code,
		"error_msg":         msg,
	})
}

// marshalResponse serializes a response payload. The maps above contain only
// strings, so marshaling cannot fail.
func marshalResponse(fields map[string]any) []byte {
	data, _ := json.Marshal(fields)
	return data
}
