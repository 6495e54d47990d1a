package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/icsia/device-core/internal/infrastructure/mqtt"
)

const (
	// inboundBufferSize decouples paho's router goroutine from the consumer.
	inboundBufferSize = 128

	// shutdownDrainGrace bounds the final queue drain during Close.
	shutdownDrainGrace = 2 * time.Second
)

// Config holds the supervisor's policy knobs.
type Config struct {
	// ReconnectInterval is the pause between connection attempts.
	ReconnectInterval time.Duration

	// MaxAttempts limits the connect retry loop. -1 retries forever.
	MaxAttempts int

	// ThrottleInterval is the minimum spacing between adjacent publishes.
	// Zero disables throttling.
	ThrottleInterval time.Duration

	// QueueLimit is the publish queue soft cap. Zero means unbounded.
	QueueLimit int
}

type inboundMsg struct {
	topic   string
	payload []byte
	props   mqtt.Properties
}

// Supervisor drives a Transport: it connects with retries, replays
// subscriptions after each reconnect, and drains a throttled FIFO publish
// queue. See the package documentation for the division of responsibility
// between Supervisor and Transport.
type Supervisor struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger

	subMu sync.Mutex
	subs  []subscription
	seen  map[string]struct{}

	sinkMu sync.RWMutex
	sink   func(topic string, payload []byte, props mqtt.Properties)

	queue   *publishQueue
	inbound chan inboundMsg

	// reconnectCh carries disconnect notifications to the reconnect worker.
	reconnectCh chan struct{}

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped Supervisor around the given transport.
func New(transport Transport, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		transport:   transport,
		cfg:         cfg,
		logger:      logger,
		seen:        make(map[string]struct{}),
		queue:       newPublishQueue(cfg.QueueLimit),
		inbound:     make(chan inboundMsg, inboundBufferSize),
		reconnectCh: make(chan struct{}, 1),
	}
}

// SetSink registers the consumer for all inbound messages. Must be called
// before Start.
func (s *Supervisor) SetSink(sink func(topic string, payload []byte, props mqtt.Properties)) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

// Start connects to the broker and launches the worker goroutines.
//
// The initial connection is made synchronously: when Start returns nil the
// transport is connected and all previously registered subscriptions are
// active. If the retry loop exhausts its attempt budget, Start returns
// ErrConnectExhausted.
func (s *Supervisor) Start(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.runMu.Unlock()

	s.transport.SetMessageHandler(s.handleInbound)
	s.transport.SetOnConnect(s.handleConnect)
	s.transport.SetOnDisconnect(s.handleDisconnect)

	if err := s.connectLoop(s.ctx); err != nil {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
		s.cancel()
		return err
	}

	s.wg.Add(3)
	go s.publishWorker()
	go s.receiveWorker()
	go s.reconnectWorker()

	return nil
}

// Subscribe registers a topic filter for the lifetime of the supervisor.
// The filter is replayed after every reconnect. Safe to call before Start;
// such filters become active once the first connection succeeds.
func (s *Supervisor) Subscribe(filter string, qos byte) error {
	s.subMu.Lock()
	if _, ok := s.seen[filter]; ok {
		s.subMu.Unlock()
		return nil
	}
	s.seen[filter] = struct{}{}
	s.subs = append(s.subs, subscription{filter: filter, qos: qos})
	s.subMu.Unlock()

	if s.transport.IsConnected() {
		if err := s.transport.Subscribe(filter, qos); err != nil {
			return fmt.Errorf("subscribing to %s: %w", filter, err)
		}
	}
	return nil
}

// Publish enqueues one outbound message. The message is delivered in FIFO
// order by the publish worker, subject to the throttle interval, and is held
// while the connection is down.
func (s *Supervisor) Publish(topic string, payload []byte, qos byte, retained bool) error {
	dropped, err := s.queue.enqueue(Message{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	if err != nil {
		return err
	}
	if dropped != nil {
		s.logger.Warn("publish queue full, dropped oldest QoS 0 message",
			"dropped_topic", dropped.Topic,
			"limit", s.cfg.QueueLimit,
		)
	}
	return nil
}

// IsConnected reports the transport's connection state.
func (s *Supervisor) IsConnected() bool {
	return s.transport.IsConnected()
}

// PendingPublishes returns the current publish queue depth.
func (s *Supervisor) PendingPublishes() int {
	return s.queue.pending()
}

// Close stops the workers, drains remaining queued messages (QoS 1+ first,
// within a bounded grace period), and disconnects the transport. Safe to
// call on a never-started or already-closed supervisor.
func (s *Supervisor) Close() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.runMu.Unlock()

	s.cancel()
	s.wg.Wait()

	remaining := s.queue.takeForShutdown()
	if len(remaining) > 0 {
		s.drainForShutdown(remaining)
	}

	s.transport.Disconnect()
}

// drainForShutdown makes a best-effort delivery pass over the final queue
// contents before the connection closes.
func (s *Supervisor) drainForShutdown(remaining []Message) {
	deadline := time.Now().Add(shutdownDrainGrace)
	for _, msg := range remaining {
		if time.Now().After(deadline) || !s.transport.IsConnected() {
			s.logger.Warn("shutdown drain incomplete", "pending", s.queue.pending())
			return
		}
		if err := s.transport.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
			s.logger.Warn("shutdown publish failed", "topic", msg.Topic, "error", err)
			return
		}
	}
}

// connectLoop attempts to connect until success, attempt exhaustion, or
// context cancellation.
func (s *Supervisor) connectLoop(ctx context.Context) error {
	attempts := 0
	for {
		err := s.transport.Connect()
		if err == nil {
			return nil
		}

		attempts++
		s.logger.Warn("connection attempt failed",
			"attempt", attempts,
			"error", err,
		)

		if s.cfg.MaxAttempts >= 0 && attempts >= s.cfg.MaxAttempts {
			return fmt.Errorf("%w: %d attempts, last error: %w", ErrConnectExhausted, attempts, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectInterval):
		}
	}
}

// handleConnect runs after every successful connect: it replays the
// subscription set and wakes the publish worker.
func (s *Supervisor) handleConnect() {
	s.subMu.Lock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		if err := s.transport.Subscribe(sub.filter, sub.qos); err != nil {
			s.logger.Error("subscription replay failed",
				"filter", sub.filter,
				"error", err,
			)
		}
	}

	s.logger.Info("broker connected", "subscriptions", len(subs))
	s.queue.notify()
}

// handleDisconnect signals the reconnect worker. Coalescing repeated
// disconnect notifications is fine; one reconnect loop serves them all.
func (s *Supervisor) handleDisconnect(err error) {
	s.logger.Warn("broker connection lost", "error", err)
	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
}

// handleInbound hands one message from the transport to the receive worker.
// Blocks when the buffer is full so QoS 1 commands are not silently lost.
func (s *Supervisor) handleInbound(topic string, payload []byte, props mqtt.Properties) {
	select {
	case s.inbound <- inboundMsg{topic: topic, payload: payload, props: props}:
	case <-s.ctx.Done():
	}
}

// receiveWorker delivers inbound messages to the sink, one at a time.
func (s *Supervisor) receiveWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbound:
			s.sinkMu.RLock()
			sink := s.sink
			s.sinkMu.RUnlock()
			if sink != nil {
				sink(msg.topic, msg.payload, msg.props)
			}
		}
	}
}

// reconnectWorker reruns the connect loop whenever the connection drops.
func (s *Supervisor) reconnectWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.reconnectCh:
			if err := s.connectLoop(s.ctx); err != nil {
				if s.ctx.Err() == nil {
					s.logger.Error("reconnection abandoned", "error", err)
				}
				return
			}
		}
	}
}

// publishWorker drains the queue whenever woken, enforcing the throttle
// interval between adjacent publishes.
func (s *Supervisor) publishWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.queue.wakeup():
			s.drainQueue()
		}
	}
}

// drainQueue publishes until the queue is empty, the connection drops, or
// the supervisor stops. A publish that fails while the link is down goes
// back to the head of the queue and is held for the next reconnect. A
// publish that fails on a live connection is retried once; a second failure
// is logged and the message dropped so one bad message cannot stall the
// queue behind it.
func (s *Supervisor) drainQueue() {
	for {
		if s.ctx.Err() != nil {
			return
		}
		if !s.transport.IsConnected() {
			return
		}

		msg, ok := s.queue.dequeue()
		if !ok {
			return
		}

		if err := s.publishWithRetry(msg); err != nil {
			if !s.transport.IsConnected() {
				s.queue.requeueFront(msg)
				return
			}
			s.logger.Error("publish failed after retry, message dropped",
				"topic", msg.Topic,
				"qos", msg.QoS,
				"error", err,
			)
			continue
		}

		if s.cfg.ThrottleInterval > 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.cfg.ThrottleInterval):
			}
		}
	}
}

// publishWithRetry sends one message, retrying once when the first attempt
// fails on a connection that is still up. Failures caused by a dropped
// connection are returned immediately so the caller can hold the message
// for reconnect replay.
func (s *Supervisor) publishWithRetry(msg Message) error {
	err := s.transport.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retained)
	if err == nil {
		return nil
	}
	if !s.transport.IsConnected() {
		return err
	}
	s.logger.Warn("publish failed, retrying once",
		"topic", msg.Topic,
		"error", err,
	)
	return s.transport.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retained)
}
