package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/icsia/device-core/internal/schema"
)

// Operational status values.
const (
	OperationalIdle  = "idle"
	OperationalBusy  = "busy"
	OperationalError = "error"
)

// timestampLayout is ISO-8601 UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Outbound is the publish side of the status publisher, satisfied by the
// supervisor.
type Outbound interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Config holds the publisher's scheduling knobs.
type Config struct {
	// Interval is the periodic wake interval.
	Interval time.Duration

	// Keepalive publishes on every wake even when nothing changed.
	Keepalive bool
}

// Publisher owns the status snapshot. All mutations go through its mutex;
// the mutex is never held across a publish.
type Publisher struct {
	outbound Outbound
	topic    string
	node     schema.Node
	cfg      Config
	logger   *slog.Logger

	mu              sync.Mutex
	snapshot        map[string]any
	dirty           bool
	operational     string
	lastCommandTime string
	inFlight        int
	lastPublished   time.Time

	// changed is a 1-buffered signal coalescing immediate-publish requests
	// between periodic wakes.
	changed chan struct{}
}

// New creates a Publisher seeded from the status schema's template values.
// topic is the retained status topic for this device.
func New(outbound Outbound, topic string, node schema.Node, cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		outbound:    outbound,
		topic:       topic,
		node:        node,
		cfg:         cfg,
		logger:      logger,
		snapshot:    node.StatusTemplate(),
		operational: OperationalIdle,
		changed:     make(chan struct{}, 1),
	}
}

// Update validates partial against the status schema and deep-merges it
// into the snapshot. A publish follows shortly if any value actually
// changed; identical updates are silent.
func (p *Publisher) Update(partial map[string]any) error {
	if err := p.node.ValidateStatusUpdate(partial); err != nil {
		return err
	}

	p.mu.Lock()
	if deepMerge(p.snapshot, partial) {
		p.dirty = true
		p.signalLocked()
	}
	p.mu.Unlock()
	return nil
}

// SetOperational overrides operational_status directly. Device code uses
// this to surface error states outside the command lifecycle.
func (p *Publisher) SetOperational(value string) {
	p.mu.Lock()
	if p.operational != value {
		p.operational = value
		p.dirty = true
		p.signalLocked()
	}
	p.mu.Unlock()
}

// CommandStarted marks the device busy and records the command timestamp.
func (p *Publisher) CommandStarted(commandTimestamp string) {
	p.mu.Lock()
	p.inFlight++
	changed := p.lastCommandTime != commandTimestamp || p.operational != OperationalBusy
	p.lastCommandTime = commandTimestamp
	p.operational = OperationalBusy
	if changed {
		p.dirty = true
		p.signalLocked()
	}
	p.mu.Unlock()
}

// CommandFinished removes one command from the in-flight set. The command
// that empties the set decides whether the device lands on idle or error.
func (p *Publisher) CommandFinished(success bool) {
	p.mu.Lock()
	if p.inFlight > 0 {
		p.inFlight--
	}
	if p.inFlight == 0 {
		next := OperationalIdle
		if !success {
			next = OperationalError
		}
		if p.operational != next {
			p.operational = next
			p.dirty = true
			p.signalLocked()
		}
	}
	p.mu.Unlock()
}

// Snapshot returns a deep copy of the current snapshot including the
// framework-managed fields.
func (p *Publisher) Snapshot() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := cloneObject(p.snapshot)
	out["operational_status"] = p.operational
	out["last_command_time"] = p.lastCommandTime
	return out
}

// Run drives the periodic publish loop until ctx is cancelled. An initial
// publish is emitted immediately.
func (p *Publisher) Run(ctx context.Context) {
	p.PublishNow()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.changed:
			p.PublishNow()
		case <-ticker.C:
			if p.cfg.Keepalive || p.isDirty() {
				p.PublishNow()
			}
		}
	}
}

// PublishNow serializes the snapshot and hands it to the supervisor at
// QoS 0 with retain set, clearing the dirty flag.
func (p *Publisher) PublishNow() {
	p.mu.Lock()
	payload := cloneObject(p.snapshot)
	payload["operational_status"] = p.operational
	payload["last_command_time"] = p.lastCommandTime
	payload["timestamp"] = p.nextTimestampLocked()
	p.dirty = false
	p.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("status snapshot serialization failed", "error", err)
		return
	}

	if err := p.outbound.Publish(p.topic, data, 0, true); err != nil {
		p.logger.Error("status publish failed", "error", err)
	}
}

// nextTimestampLocked returns the publish timestamp, clamped so published
// values never go backwards. Callers must hold p.mu.
func (p *Publisher) nextTimestampLocked() string {
	now := time.Now().UTC()
	if now.Before(p.lastPublished) {
		now = p.lastPublished
	}
	p.lastPublished = now
	return now.Format(timestampLayout)
}

func (p *Publisher) isDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// signalLocked coalesces an immediate-publish request. Callers must hold
// p.mu.
func (p *Publisher) signalLocked() {
	select {
	case p.changed <- struct{}{}:
	default:
	}
}
