package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/icsia/device-core/internal/infrastructure/mqtt"
)

// Callback consumes one inbound message matching its registered pattern.
// props carries MQTT v5 message properties when the transport supplies
// them; nil otherwise.
type Callback func(topic string, payload []byte, props mqtt.Properties)

// CommandSink receives messages arriving on command topics. Satisfied by
// the command engine.
type CommandSink interface {
	HandleCommand(ctx context.Context, topic string, payload []byte)
}

// Router fans inbound messages out to the command sink and to pattern
// callbacks. It is the supervisor's message sink.
type Router struct {
	commandFilter string
	commandSink   CommandSink
	logger        *slog.Logger

	mu sync.RWMutex
	// order preserves registration order of patterns so dispatch is
	// deterministic for tests and logs.
	order     []string
	callbacks map[string][]Callback

	// wg tracks in-flight pattern dispatch goroutines for Wait.
	wg sync.WaitGroup
}

// NewRouter creates a Router. commandFilter is the wildcard filter that
// identifies command topics; sink may be nil if the device handles no
// commands.
func NewRouter(commandFilter string, sink CommandSink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		commandFilter: commandFilter,
		commandSink:   sink,
		logger:        logger,
		callbacks:     make(map[string][]Callback),
	}
}

// Register appends a callback to a topic pattern. Multiple callbacks on the
// same pattern run sequentially in registration order.
func (r *Router) Register(pattern string, cb Callback) error {
	if pattern == "" {
		return ErrEmptyPattern
	}
	if cb == nil {
		return ErrNilCallback
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.callbacks[pattern]; !ok {
		r.order = append(r.order, pattern)
	}
	r.callbacks[pattern] = append(r.callbacks[pattern], cb)
	return nil
}

// Patterns returns the registered patterns in registration order.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Route dispatches one inbound message. Command delivery is synchronous;
// pattern callbacks run on one goroutine per matching pattern.
func (r *Router) Route(ctx context.Context, topic string, payload []byte, props mqtt.Properties) {
	if r.commandSink != nil && mqtt.MatchFilter(r.commandFilter, topic) {
		r.commandSink.HandleCommand(ctx, topic, payload)
	}

	r.mu.RLock()
	var matched [][]Callback
	for _, pattern := range r.order {
		if mqtt.MatchFilter(pattern, topic) {
			matched = append(matched, r.callbacks[pattern])
		}
	}
	r.mu.RUnlock()

	for _, chain := range matched {
		chain := chain
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runChain(chain, topic, payload, props)
		}()
	}
}

// Wait blocks until all in-flight callback goroutines return. Used during
// shutdown so callbacks are not abandoned mid-run.
func (r *Router) Wait() {
	r.wg.Wait()
}

// runChain executes one pattern's callbacks in order, isolating panics so
// a faulty callback cannot take down the process or skip its successors.
func (r *Router) runChain(chain []Callback, topic string, payload []byte, props mqtt.Properties) {
	for _, cb := range chain {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("callback panic recovered",
						"topic", topic,
						"panic", rec,
					)
				}
			}()
			cb(topic, payload, props)
		}()
	}
}
