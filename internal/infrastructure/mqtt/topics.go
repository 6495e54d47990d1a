package mqtt

import (
	"fmt"
	"strings"
)

// Topic segment positions for command topics: {ns}/{device}/cmd/{command}.
const (
	segmentDevice  = 1
	segmentCmd     = 2
	minCmdSegments = 4
)

// Topics builds the device protocol topics for a namespace/device pair.
//
//	topics := mqtt.Topics{Namespace: "icsia", DeviceID: "motor-01"}
//	topics.Ack() // "icsia/motor-01/status/ack"
type Topics struct {
	Namespace string
	DeviceID  string
}

// Ack returns the command acknowledgment topic.
//
// Example: icsia/motor-01/status/ack
func (t Topics) Ack() string {
	return fmt.Sprintf("%s/%s/status/ack", t.Namespace, t.DeviceID)
}

// Completion returns the command completion topic.
//
// Example: icsia/motor-01/status/completion
func (t Topics) Completion() string {
	return fmt.Sprintf("%s/%s/status/completion", t.Namespace, t.DeviceID)
}

// StatusCurrent returns the retained device status topic.
//
// Example: icsia/motor-01/status/current
func (t Topics) StatusCurrent() string {
	return fmt.Sprintf("%s/%s/status/current", t.Namespace, t.DeviceID)
}

// Logs returns the device log stream topic.
//
// Example: icsia/motor-01/logs
func (t Topics) Logs() string {
	return fmt.Sprintf("%s/%s/logs", t.Namespace, t.DeviceID)
}

// CommandFilter returns the wildcard filter matching every command topic
// in the namespace.
//
// Pattern: icsia/+/cmd/#
func (t Topics) CommandFilter() string {
	return fmt.Sprintf("%s/+/cmd/#", t.Namespace)
}

// Command returns the command topic for a specific command name.
//
// Example: icsia/motor-01/cmd/move
func (t Topics) Command(name string) string {
	return fmt.Sprintf("%s/%s/cmd/%s", t.Namespace, t.DeviceID, name)
}

// MatchFilter reports whether topic matches filter under MQTT 3.1.1
// topic-filter semantics:
//
//   - "+" matches exactly one non-empty segment
//   - "#" matches zero or more trailing segments and is only legal as the
//     final segment
//
// Matching is case-sensitive and segments are "/"-delimited.
func MatchFilter(filter, topic string) bool {
	filterSegments := strings.Split(filter, "/")
	topicSegments := strings.Split(topic, "/")

	filterLen := len(filterSegments)
	topicLen := len(topicSegments)

	for i := 0; i < filterLen; i++ {
		if i >= topicLen {
			// Filter has more segments than the topic; only a trailing "#"
			// can absorb the difference (it matches zero segments too).
			return filterSegments[i] == "#" && i == filterLen-1
		}

		switch filterSegments[i] {
		case "#":
			return i == filterLen-1
		case "+":
			if topicSegments[i] == "" {
				return false
			}
		default:
			if filterSegments[i] != topicSegments[i] {
				return false
			}
		}
	}

	return topicLen == filterLen
}

// ExtractDeviceID returns the device ID segment of a command topic.
//
// Topics of the form {namespace}/{device_id}/cmd/{command...} yield the
// device_id segment; any other shape yields ("", false).
func ExtractDeviceID(topic, namespace string) (string, bool) {
	segments := strings.Split(topic, "/")
	if len(segments) < minCmdSegments {
		return "", false
	}
	if segments[0] != namespace || segments[segmentCmd] != "cmd" {
		return "", false
	}
	if segments[segmentDevice] == "" {
		return "", false
	}
	return segments[segmentDevice], true
}

// CommandName returns the final segment of a command topic, which names
// the command to execute.
func CommandName(topic string) string {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 {
		return topic
	}
	return topic[idx+1:]
}
