package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/icsia/device-core/internal/infrastructure/mqtt"
	"github.com/icsia/device-core/internal/schema"
)

// Handler executes one validated command payload and returns a result
// object. The result is logged but not embedded in the completion message.
// Handlers observe shutdown through ctx and are expected to return promptly
// when it is cancelled.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Publisher is the outbound side of the engine, satisfied by the supervisor.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// StatusTracker is told when commands enter and leave the in-flight set.
// Satisfied by the status publisher.
type StatusTracker interface {
	// CommandStarted records the command_timestamp of a newly acked command
	// and marks the device busy.
	CommandStarted(commandTimestamp string)

	// CommandFinished removes one command from the in-flight set. When the
	// set becomes empty the device returns to idle, or to error if the last
	// command failed.
	CommandFinished(success bool)
}

// responseQoS is the delivery guarantee for ack and completion messages.
const responseQoS = 1

// Engine is the command state machine. It implements dispatch.CommandSink.
type Engine struct {
	publisher Publisher
	status    StatusTracker
	topics    mqtt.Topics
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	schemas  map[string]schema.Node

	wg sync.WaitGroup
}

// New creates an Engine publishing responses on the given device's topics.
// schemas maps command names to their parsed payload schemas; commands
// without an entry accept any JSON object. status may be nil.
func New(publisher Publisher, status StatusTracker, topics mqtt.Topics, schemas map[string]schema.Node, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if schemas == nil {
		schemas = make(map[string]schema.Node)
	}
	return &Engine{
		publisher: publisher,
		status:    status,
		topics:    topics,
		logger:    logger,
		handlers:  make(map[string]Handler),
		schemas:   schemas,
	}
}

// Register adds a command handler. Registration is expected to finish before
// the first message arrives; re-registering a name is an error.
func (e *Engine) Register(name string, handler Handler) error {
	if name == "" {
		return ErrEmptyName
	}
	if handler == nil {
		return ErrNilHandler
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	e.handlers[name] = handler
	return nil
}

// CommandNames returns the registered command names, sorted.
func (e *Engine) CommandNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleCommand processes one inbound command message.
//
// Parsing, the ack publish, and validation run synchronously so acks leave
// in receive order; the handler itself runs on its own goroutine.
func (e *Engine) HandleCommand(ctx context.Context, topic string, payload []byte) {
	deviceID, ok := mqtt.ExtractDeviceID(topic, e.topics.Namespace)
	if !ok {
		e.logger.Warn("malformed command topic", "topic", topic)
		return
	}
	if deviceID != e.topics.DeviceID {
		// Another device's command under the shared wildcard subscription.
		return
	}

	name := mqtt.CommandName(topic)

	var parsed map[string]any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		e.logger.Warn("command payload is not a JSON object",
			"command", name,
			"error", err,
		)
		e.publishAck(errorPayload(unknownCmdID, formatTimestamp(time.Now()),
			CodeInvalidJSON, fmt.Sprintf("Invalid JSON payload: %v", err)))
		return
	}

	commandTimestamp := formatTimestamp(time.Now())
	if ts, ok := parsed["command_timestamp"].(string); ok && ts != "" {
		commandTimestamp = ts
	}

	cmdID, ok := parsed["cmd_id"].(string)
	if !ok || cmdID == "" {
		msg := "Missing required field 'cmd_id'. Include cmd_id field in command payload."
		e.publishAck(errorPayload(unknownCmdID, commandTimestamp, CodeInvalidPayload, msg))
		e.publishCompletion(errorPayload(unknownCmdID, commandTimestamp, CodeInvalidPayload, msg))
		return
	}

	e.publishAck(ackPayload(cmdID, commandTimestamp))
	e.commandStarted(commandTimestamp)

	e.mu.RLock()
	handler, known := e.handlers[name]
	node, hasSchema := e.schemas[name]
	e.mu.RUnlock()

	if !known {
		msg := fmt.Sprintf("Unknown command '%s'. Available commands: %s",
			name, strings.Join(e.CommandNames(), ", "))
		e.publishCompletion(errorPayload(cmdID, commandTimestamp, CodeUnknownCommand, msg))
		e.commandFinished(false)
		return
	}

	validated := parsed
	if hasSchema {
		var err error
		validated, err = node.ValidateAndDefault(parsed)
		if err != nil {
			e.publishCompletion(errorPayload(cmdID, commandTimestamp,
				CodeValidationError, validationMessage(err)))
			e.commandFinished(false)
			return
		}
	}

	e.wg.Add(1)
	go e.execute(ctx, name, handler, cmdID, commandTimestamp, validated)
}

// execute runs one handler and publishes its completion.
func (e *Engine) execute(ctx context.Context, name string, handler Handler, cmdID, commandTimestamp string, payload map[string]any) {
	defer e.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("command handler panic recovered",
				"command", name,
				"cmd_id", cmdID,
				"panic", r,
			)
			e.publishCompletion(errorPayload(cmdID, commandTimestamp,
				CodeInternalError, fmt.Sprintf("internal error: %v", r)))
			e.commandFinished(false)
		}
	}()

	result, err := handler(ctx, payload)

	if ctx.Err() != nil {
		// Shutdown cancelled the handler; its completion is suppressed.
		e.logger.Warn("command cancelled during shutdown",
			"command", name,
			"cmd_id", cmdID,
		)
		e.commandFinished(false)
		return
	}

	if err != nil {
		e.publishCompletion(errorPayload(cmdID, commandTimestamp,
			CodeExecutionError, err.Error()))
		e.commandFinished(false)
		return
	}

	e.logger.Debug("command completed",
		"command", name,
		"cmd_id", cmdID,
		"result", result,
	)
	e.publishCompletion(completionPayload(cmdID, commandTimestamp))
	e.commandFinished(true)
}

// Drain waits for in-flight handlers to return, or for ctx to expire.
func (e *Engine) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("shutdown grace period expired with commands in flight")
	}
}

func (e *Engine) publishAck(payload []byte) {
	if err := e.publisher.Publish(e.topics.Ack(), payload, responseQoS, false); err != nil {
		e.logger.Error("ack publish failed", "error", err)
	}
}

func (e *Engine) publishCompletion(payload []byte) {
	if err := e.publisher.Publish(e.topics.Completion(), payload, responseQoS, false); err != nil {
		e.logger.Error("completion publish failed", "error", err)
	}
}

func (e *Engine) commandStarted(commandTimestamp string) {
	if e.status != nil {
		e.status.CommandStarted(commandTimestamp)
	}
}

func (e *Engine) commandFinished(success bool) {
	if e.status != nil {
		e.status.CommandFinished(success)
	}
}

// validationMessage extracts the human-readable reason from a validator
// error, falling back to the raw error text.
func validationMessage(err error) string {
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return err.Error()
}
