package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/icsia/device-core/internal/command"
	"github.com/icsia/device-core/internal/dispatch"
	"github.com/icsia/device-core/internal/infrastructure/config"
	"github.com/icsia/device-core/internal/infrastructure/logging"
	"github.com/icsia/device-core/internal/infrastructure/mqtt"
	"github.com/icsia/device-core/internal/infrastructure/telemetry"
	"github.com/icsia/device-core/internal/schema"
	"github.com/icsia/device-core/internal/status"
	"github.com/icsia/device-core/internal/supervisor"
)

// handlerGrace bounds how long shutdown waits for in-flight command
// handlers before abandoning them.
const handlerGrace = 2 * time.Second

// Application wires the device core subsystems together.
type Application struct {
	cfg    *config.Config
	logger *slog.Logger

	sup     *supervisor.Supervisor
	router  *dispatch.Router
	engine  *command.Engine
	statPub *status.Publisher
	tele    *telemetry.Client

	// named callback handlers resolvable from config.subscriptions.
	named map[string]dispatch.Callback

	// accepting gates the inbound path; cleared first during shutdown so
	// no new commands enter while workers wind down.
	accepting atomic.Bool

	// handlerCtx is cancelled during shutdown to stop command handlers.
	handlerCtx    context.Context
	cancelHandler context.CancelFunc

	runMu   sync.Mutex
	running bool
}

// New builds an Application from validated configuration. The broker is
// not contacted until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	transport := mqtt.New(cfg.MQTT)
	transport.SetLogger(logger)
	return newApplication(cfg, logger, transport)
}

// newApplication wires the subsystems around any transport. Tests substitute
// an in-memory broker here.
func newApplication(cfg *config.Config, logger *slog.Logger, transport supervisor.Transport) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	topics := mqtt.Topics{Namespace: cfg.Namespace, DeviceID: cfg.Device.DeviceID}

	// The supervisor keeps the plain local logger: forwarding its own
	// publish-path warnings into the publish queue would loop.
	sup := supervisor.New(transport, supervisor.Config{
		ReconnectInterval: cfg.GetReconnectInterval(),
		MaxAttempts:       cfg.MQTT.Reconnect.MaxAttempts,
		ThrottleInterval:  cfg.GetThrottleInterval(),
		QueueLimit:        cfg.MQTT.PublishQueueLimit,
	}, logger)

	appLogger := logger
	if cfg.Logging.MQTT.Enabled {
		mqttHandler := logging.NewMQTTHandler(sup, topics.Logs(),
			logging.ParseLevel(cfg.Logging.MQTT.Level))
		appLogger = slog.New(logging.NewTee(logger.Handler(), mqttHandler))
	}

	schemas, err := schema.ParseMap(cfg.Commands.Schemas)
	if err != nil {
		return nil, fmt.Errorf("parsing command schemas: %w", err)
	}

	statusNode, err := schema.Parse(cfg.Status.Payload)
	if err != nil {
		return nil, fmt.Errorf("parsing status schema: %w", err)
	}

	a := &Application{
		cfg:    cfg,
		logger: appLogger,
		sup:    sup,
		named:  make(map[string]dispatch.Callback),
	}

	if cfg.Telemetry.Enabled {
		tele, err := telemetry.Connect(cfg.Telemetry)
		if err != nil && !errors.Is(err, telemetry.ErrDisabled) {
			// Telemetry is advisory; the device runs without it.
			appLogger.Warn("telemetry unavailable", "error", err)
		} else if err == nil {
			tele.SetOnError(func(err error) {
				appLogger.Warn("telemetry write failed", "error", err)
			})
			a.tele = tele
		}
	}

	a.statPub = status.New(a.statusOutbound(), topics.StatusCurrent(), statusNode, status.Config{
		Interval:  cfg.GetStatusPublishInterval(),
		Keepalive: cfg.Status.KeepalivePublishing,
	}, appLogger)

	a.engine = command.New(sup, a.statPub, topics, schemas, appLogger)
	a.router = dispatch.NewRouter(cfg.CommandFilter(), a.engine, appLogger)

	return a, nil
}

// RegisterCommand adds a handler for a command name. Must be called before
// Run.
func (a *Application) RegisterCommand(name string, handler command.Handler) error {
	return a.engine.Register(name, handler)
}

// RegisterCallback subscribes a topic pattern and routes matching messages
// to fn. Multiple callbacks on one pattern run in registration order.
func (a *Application) RegisterCallback(pattern string, fn dispatch.Callback) error {
	if err := a.router.Register(pattern, fn); err != nil {
		return err
	}
	return a.sup.Subscribe(pattern, a.qos())
}

// RegisterCallbackHandler registers a named callback that config
// subscriptions can reference by their callback field. Must be called
// before Run.
func (a *Application) RegisterCallbackHandler(name string, fn dispatch.Callback) {
	a.named[name] = fn
}

// UpdateStatus merges a partial update into the device status snapshot.
func (a *Application) UpdateStatus(partial map[string]any) error {
	return a.statPub.Update(partial)
}

// SetOperational overrides the device operational status, for error states
// raised outside the command lifecycle.
func (a *Application) SetOperational(value string) {
	a.statPub.SetOperational(value)
}

// Status returns a copy of the current status snapshot.
func (a *Application) Status() map[string]any {
	return a.statPub.Snapshot()
}

// Run connects to the broker and blocks until ctx is cancelled, then
// performs the ordered shutdown described in the package documentation.
func (a *Application) Run(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	a.runMu.Unlock()

	if err := a.wireSubscriptions(); err != nil {
		return err
	}

	a.handlerCtx, a.cancelHandler = context.WithCancel(context.Background())
	a.accepting.Store(true)
	a.sup.SetSink(a.route)

	if err := a.sup.Subscribe(a.cfg.CommandFilter(), a.qos()); err != nil {
		return fmt.Errorf("registering command subscription: %w", err)
	}

	if err := a.sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	statusCtx, cancelStatus := context.WithCancel(context.Background())
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		a.statPub.Run(statusCtx)
	}()

	a.logger.Info("device core running",
		"namespace", a.cfg.Namespace,
		"device_id", a.cfg.Device.DeviceID,
	)

	<-ctx.Done()

	a.logger.Info("shutting down")

	a.accepting.Store(false)

	a.cancelHandler()
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), handlerGrace)
	a.engine.Drain(graceCtx)
	cancelGrace()
	a.router.Wait()

	cancelStatus()
	<-statusDone

	a.sup.Close()

	if a.tele != nil {
		_ = a.tele.Close()
	}

	a.logger.Info("shutdown complete")
	return nil
}

// route is the supervisor's inbound sink.
func (a *Application) route(topic string, payload []byte, props mqtt.Properties) {
	if !a.accepting.Load() {
		return
	}
	a.router.Route(a.handlerCtx, topic, payload, props)
}

// wireSubscriptions resolves config.subscriptions entries against the
// named callback handlers.
func (a *Application) wireSubscriptions() error {
	for name, sub := range a.cfg.Subscriptions {
		fn, ok := a.named[sub.Callback]
		if !ok {
			return fmt.Errorf("%w: subscription %q references %q", ErrUnknownCallback, name, sub.Callback)
		}
		if err := a.RegisterCallback(sub.Topic, fn); err != nil {
			return fmt.Errorf("wiring subscription %q: %w", name, err)
		}
	}
	return nil
}

func (a *Application) qos() byte {
	return byte(a.cfg.MQTT.QoS)
}

// statusOutbound returns the status publisher's publish sink: every
// snapshot goes to the broker and, when telemetry is up, is mirrored into
// the status history.
func (a *Application) statusOutbound() status.Outbound {
	return outboundFunc(func(topic string, payload []byte, qos byte, retained bool) error {
		err := a.sup.Publish(topic, payload, qos, retained)
		if a.tele != nil {
			var snapshot map[string]any
			if jsonErr := json.Unmarshal(payload, &snapshot); jsonErr == nil {
				a.tele.WriteStatusSnapshot(a.cfg.Device.DeviceID, snapshot)
			}
		}
		return err
	})
}

// outboundFunc adapts a function to status.Outbound.
type outboundFunc func(topic string, payload []byte, qos byte, retained bool) error

func (f outboundFunc) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return f(topic, payload, qos, retained)
}
