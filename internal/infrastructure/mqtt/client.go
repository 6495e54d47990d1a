package mqtt

import (
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/icsia/device-core/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang as the transport layer of the device core.
//
// It deliberately stays thin: a single connect attempt, idempotent
// subscriptions, synchronous publishes, and connection-state callbacks.
// Retry policy, subscription replay on reconnect and publish ordering are
// the supervisor's job.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	// subscribed tracks filters already subscribed so repeat calls no-op.
	subscribed map[string]struct{}
	subMu      sync.Mutex

	connected bool
	connMu    sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	onMessage    func(topic string, payload []byte, props Properties)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Satisfied by *slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Properties carries per-message metadata (MQTT v5 PUBLISH properties).
// The MQTT 3.1.1 wire format has no properties, so this client always
// delivers nil; the parameter keeps the message-handler signature stable
// for transports that can populate it.
type Properties map[string]string

// New creates an unconnected Client for the given configuration.
func New(cfg config.MQTTConfig) *Client {
	c := &Client{
		cfg:        cfg,
		subscribed: make(map[string]struct{}),
	}

	opts := buildClientOptions(cfg)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	c.client = pahomqtt.NewClient(opts)
	return c
}

// Connect performs a single connection attempt to the broker.
//
// On success the OnConnect callback fires before Connect returns, so the
// caller can rely on subscription replay having been triggered.
//
// Returns:
//   - error: ErrConnectionFailed-wrapped error if the attempt fails
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	// A clean session starts with no subscriptions on the broker side.
	c.subMu.Lock()
	c.subscribed = make(map[string]struct{})
	c.subMu.Unlock()

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}

	return nil
}

// handleDisconnect is called by paho when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// Disconnect closes the broker connection, allowing a short quiesce period
// for in-flight operations. Safe to call when already disconnected.
func (c *Client) Disconnect() {
	if c.client == nil {
		return
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// SetOnConnect sets a callback invoked after every successful Connect.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback invoked when the connection is lost.
// The error parameter describes why the connection was lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetMessageHandler sets the single sink receiving every inbound message
// from every subscription. Must be set before Subscribe. The properties
// argument is nil on this transport.
func (c *Client) SetMessageHandler(handler func(topic string, payload []byte, props Properties)) {
	c.callbackMu.Lock()
	c.onMessage = handler
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for error and panic logging.
// If not set, handler errors are silently ignored.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// receiveMessage routes one inbound paho message to the configured sink,
// with panic recovery so a faulty consumer cannot kill the paho router.
func (c *Client) receiveMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("message handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}
	}()

	c.callbackMu.RLock()
	handler := c.onMessage
	c.callbackMu.RUnlock()
	if handler != nil {
		handler(msg.Topic(), msg.Payload(), nil)
	}
}
