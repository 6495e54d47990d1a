package logging

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Publisher is the outbound side of the MQTT log handler, satisfied by the
// supervisor. Records are published at QoS 0 and never retained.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTHandler is a slog.Handler forwarding records to the device's logs
// topic as JSON objects. It must only back loggers whose records cannot be
// produced by the publish path itself, or a logging loop forms.
type MQTTHandler struct {
	publisher Publisher
	topic     string
	level     slog.Level
	attrs     []slog.Attr
}

// NewMQTTHandler creates a handler publishing records at or above level.
func NewMQTTHandler(publisher Publisher, topic string, level slog.Level) *MQTTHandler {
	return &MQTTHandler{
		publisher: publisher,
		topic:     topic,
		level:     level,
	}
}

// Enabled implements slog.Handler.
func (h *MQTTHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler. Publish errors are swallowed: the local
// handler already carries the record, and erroring here has nowhere to go.
func (h *MQTTHandler) Handle(_ context.Context, record slog.Record) error {
	entry := map[string]any{
		"timestamp": record.Time.UTC().Format("2006-01-02T15:04:05.000Z"),
		"level":     record.Level.String(),
		"message":   record.Message,
	}
	for _, attr := range h.attrs {
		entry[attr.Key] = attr.Value.Resolve().Any()
	}
	record.Attrs(func(attr slog.Attr) bool {
		entry[attr.Key] = attr.Value.Resolve().Any()
		return true
	})

	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	_ = h.publisher.Publish(h.topic, payload, 0, false)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *MQTTHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &MQTTHandler{
		publisher: h.publisher,
		topic:     h.topic,
		level:     h.level,
		attrs:     merged,
	}
}

// WithGroup implements slog.Handler. Groups are flattened; the log stream
// consumers key on flat attribute names.
func (h *MQTTHandler) WithGroup(_ string) slog.Handler {
	return h
}

var _ slog.Handler = (*MQTTHandler)(nil)

// Tee fans each record out to every handler enabled for its level.
type Tee struct {
	handlers []slog.Handler
}

// NewTee combines handlers into one.
func NewTee(handlers ...slog.Handler) *Tee {
	return &Tee{handlers: handlers}
}

// Enabled implements slog.Handler.
func (t *Tee) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler.
func (t *Tee) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WithAttrs implements slog.Handler.
func (t *Tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &Tee{handlers: out}
}

// WithGroup implements slog.Handler.
func (t *Tee) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = h.WithGroup(name)
	}
	return &Tee{handlers: out}
}

var _ slog.Handler = (*Tee)(nil)
