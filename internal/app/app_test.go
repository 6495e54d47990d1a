package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/icsia/device-core/internal/command"
	"github.com/icsia/device-core/internal/infrastructure/config"
	"github.com/icsia/device-core/internal/infrastructure/mqtt"
)

// brokerMessage is one captured outbound publish.
type brokerMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// fakeBroker is an in-memory transport standing in for the MQTT broker.
type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	published []brokerMessage
	subs      []string

	onConnect    func()
	onDisconnect func(err error)
	onMessage    func(topic string, payload []byte, props mqtt.Properties)
}

func (b *fakeBroker) Connect() error {
	b.mu.Lock()
	b.connected = true
	callback := b.onConnect
	b.mu.Unlock()
	if callback != nil {
		callback()
	}
	return nil
}

func (b *fakeBroker) Disconnect() {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, brokerMessage{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (b *fakeBroker) Subscribe(filter string, qos byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, filter)
	return nil
}

func (b *fakeBroker) SetOnConnect(callback func())             { b.onConnect = callback }
func (b *fakeBroker) SetOnDisconnect(callback func(err error)) { b.onDisconnect = callback }

func (b *fakeBroker) SetMessageHandler(h func(string, []byte, mqtt.Properties)) {
	b.onMessage = h
}

// deliver injects one inbound message, as if the broker forwarded it.
func (b *fakeBroker) deliver(topic string, payload string) {
	b.mu.Lock()
	handler := b.onMessage
	b.mu.Unlock()
	if handler != nil {
		handler(topic, []byte(payload), nil)
	}
}

// dropConnection simulates a broker-side disconnect.
func (b *fakeBroker) dropConnection() {
	b.mu.Lock()
	b.connected = false
	callback := b.onDisconnect
	b.mu.Unlock()
	if callback != nil {
		callback(errors.New("connection reset"))
	}
}

// messagesOn returns decoded payloads published to topics with the suffix.
func (b *fakeBroker) messagesOn(t *testing.T, suffix string) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, msg := range b.published {
		if !strings.HasSuffix(msg.topic, suffix) {
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal(msg.payload, &decoded); err != nil {
			t.Fatalf("decoding %s payload: %v", msg.topic, err)
		}
		out = append(out, decoded)
	}
	return out
}

func (b *fakeBroker) publishedTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, msg := range b.published {
		out[i] = msg.topic
	}
	return out
}

func (b *fakeBroker) subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.subs))
	copy(out, b.subs)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Namespace: "icsia",
		Device:    config.DeviceConfig{DeviceID: "m"},
		MQTT: config.MQTTConfig{
			Broker: config.MQTTBrokerConfig{Host: "localhost", Port: 1883},
			QoS:    1,
			Reconnect: config.MQTTReconnectConfig{
				Interval:    1,
				MaxAttempts: -1,
			},
		},
		Topics: config.TopicsConfig{Command: "{namespace}/+/cmd/#"},
		Status: config.StatusConfig{
			PublishInterval: 1,
			Payload: map[string]any{
				"position": map[string]any{"x": 0.0, "y": 0.0, "z": 0.0},
			},
		},
		Commands: config.CommandsConfig{
			Schemas: map[string]any{
				"move": map[string]any{
					"target_position": map[string]any{"x": 0.0, "y": 0.0, "z": 0.0},
					"speed":           map[string]any{"default": 100},
					"mode":            "absolute",
				},
			},
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runningApp starts an application over a fake broker and returns a stop
// function that drives the ordered shutdown.
func runningApp(t *testing.T, cfg *config.Config) (*Application, *fakeBroker, func()) {
	t.Helper()
	broker := &fakeBroker{}
	a, err := newApplication(cfg, quietLogger(), broker)
	if err != nil {
		t.Fatalf("newApplication() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	started := false

	start := func() {
		started = true
		go func() {
			defer close(done)
			runErr = a.Run(ctx)
		}()
		waitUntil(t, "broker connected", broker.IsConnected)
	}
	start()

	stop := func() {
		if !started {
			return
		}
		started = false
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Run() did not return after cancellation")
		}
		if runErr != nil {
			t.Fatalf("Run() error = %v", runErr)
		}
	}
	return a, broker, stop
}

// waitUntil polls a condition with a deadline.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================================================================
// End-to-End Command Tests
// =============================================================================

func TestMoveCommandHappyPath(t *testing.T) {
	cfg := testConfig()
	broker := &fakeBroker{}
	a, err := newApplication(cfg, quietLogger(), broker)
	if err != nil {
		t.Fatalf("newApplication() error = %v", err)
	}

	var mu sync.Mutex
	var handlerInput map[string]any
	err = a.RegisterCommand("move", func(_ context.Context, payload map[string]any) (map[string]any, error) {
		mu.Lock()
		handlerInput = payload
		mu.Unlock()
		return map[string]any{"result": "ok"}, nil
	})
	if err != nil {
		t.Fatalf("RegisterCommand() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if runErr := a.Run(ctx); runErr != nil {
			t.Errorf("Run() error = %v", runErr)
		}
	}()
	defer func() {
		cancel()
		<-done
	}()
	waitUntil(t, "broker connected", broker.IsConnected)

	broker.deliver("icsia/m/cmd/move",
		`{"cmd_id":"a","target_position":{"x":1,"y":2,"z":3},"mode":"absolute"}`)

	waitUntil(t, "ack and completion", func() bool {
		return len(broker.messagesOn(t, "status/ack")) == 1 &&
			len(broker.messagesOn(t, "status/completion")) == 1
	})

	ack := broker.messagesOn(t, "status/ack")[0]
	if ack["cmd_id"] != "a" || ack["status"] != "received" {
		t.Errorf("ack = %v, want cmd_id a / received", ack)
	}

	completion := broker.messagesOn(t, "status/completion")[0]
	if completion["cmd_id"] != "a" || completion["status"] != "completed" {
		t.Errorf("completion = %v, want cmd_id a / completed", completion)
	}

	// Ack leaves the process before the completion.
	var ackIdx, compIdx int
	for i, topic := range broker.publishedTopics() {
		if strings.HasSuffix(topic, "status/ack") {
			ackIdx = i
		}
		if strings.HasSuffix(topic, "status/completion") {
			compIdx = i
		}
	}
	if ackIdx >= compIdx {
		t.Errorf("ack at index %d, completion at %d, want ack first", ackIdx, compIdx)
	}

	mu.Lock()
	defer mu.Unlock()
	if handlerInput["speed"] != 100 && handlerInput["speed"] != float64(100) {
		t.Errorf("handler input speed = %v, want default 100", handlerInput["speed"])
	}
}

func TestInvalidJSONEmitsTerminalAck(t *testing.T) {
	_, broker, stop := runningApp(t, testConfig())
	defer stop()

	broker.deliver("icsia/m/cmd/move", "not json")

	waitUntil(t, "error ack", func() bool {
		return len(broker.messagesOn(t, "status/ack")) == 1
	})

	ack := broker.messagesOn(t, "status/ack")[0]
	if ack["cmd_id"] != "unknown" || ack["error_code"] != command.CodeInvalidJSON {
		t.Errorf("ack = %v, want unknown / INVALID_JSON", ack)
	}

	time.Sleep(50 * time.Millisecond)
	if got := broker.messagesOn(t, "status/completion"); len(got) != 0 {
		t.Errorf("completions = %v, want none after terminal ack", got)
	}
}

func TestUnknownCommandCompletion(t *testing.T) {
	_, broker, stop := runningApp(t, testConfig())
	defer stop()

	broker.deliver("icsia/m/cmd/nosuch", `{"cmd_id":"c"}`)

	waitUntil(t, "error completion", func() bool {
		return len(broker.messagesOn(t, "status/completion")) == 1
	})

	completion := broker.messagesOn(t, "status/completion")[0]
	if completion["error_code"] != command.CodeUnknownCommand {
		t.Errorf("completion = %v, want UNKNOWN_COMMAND", completion)
	}
}

func TestHandlerErrorCompletion(t *testing.T) {
	cfg := testConfig()
	broker := &fakeBroker{}
	a, err := newApplication(cfg, quietLogger(), broker)
	if err != nil {
		t.Fatalf("newApplication() error = %v", err)
	}
	err = a.RegisterCommand("move", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("POSITION_OUT_OF_BOUNDS: x too large")
	})
	if err != nil {
		t.Fatalf("RegisterCommand() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	waitUntil(t, "broker connected", broker.IsConnected)

	broker.deliver("icsia/m/cmd/move",
		`{"cmd_id":"e","target_position":{"x":1,"y":2,"z":3},"mode":"absolute"}`)

	waitUntil(t, "error completion", func() bool {
		return len(broker.messagesOn(t, "status/completion")) == 1
	})

	completion := broker.messagesOn(t, "status/completion")[0]
	if completion["error_code"] != command.CodeExecutionError {
		t.Errorf("error_code = %v, want EXECUTION_ERROR", completion["error_code"])
	}
	if msg, _ := completion["error_msg"].(string); !strings.Contains(msg, "POSITION_OUT_OF_BOUNDS") {
		t.Errorf("error_msg = %q, want handler error text", msg)
	}
}

// =============================================================================
// Status Publishing Tests
// =============================================================================

func TestInitialStatusPublish(t *testing.T) {
	_, broker, stop := runningApp(t, testConfig())
	defer stop()

	waitUntil(t, "initial status publish", func() bool {
		return len(broker.messagesOn(t, "status/current")) >= 1
	})

	snap := broker.messagesOn(t, "status/current")[0]
	if snap["operational_status"] != "idle" {
		t.Errorf("operational_status = %v, want idle", snap["operational_status"])
	}
	pos, ok := snap["position"].(map[string]any)
	if !ok || pos["x"] != 0.0 {
		t.Errorf("position = %v, want seeded template", snap["position"])
	}

	// status/current goes out retained at QoS 0.
	broker.mu.Lock()
	defer broker.mu.Unlock()
	for _, msg := range broker.published {
		if strings.HasSuffix(msg.topic, "status/current") {
			if msg.qos != 0 || !msg.retained {
				t.Errorf("status publish qos/retained = %d/%v, want 0/true", msg.qos, msg.retained)
			}
		}
	}
}

func TestUpdateStatusTriggersPublish(t *testing.T) {
	a, broker, stop := runningApp(t, testConfig())
	defer stop()

	waitUntil(t, "initial status publish", func() bool {
		return len(broker.messagesOn(t, "status/current")) >= 1
	})

	if err := a.UpdateStatus(map[string]any{"position": map[string]any{"x": 7.0, "y": 0.0, "z": 0.0}}); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	waitUntil(t, "change publish", func() bool {
		return len(broker.messagesOn(t, "status/current")) >= 2
	})

	records := broker.messagesOn(t, "status/current")
	latest := records[len(records)-1]
	if latest["position"].(map[string]any)["x"] != 7.0 {
		t.Errorf("published x = %v, want 7", latest["position"].(map[string]any)["x"])
	}
}

func TestCommandDrivesOperationalStatus(t *testing.T) {
	cfg := testConfig()
	broker := &fakeBroker{}
	a, err := newApplication(cfg, quietLogger(), broker)
	if err != nil {
		t.Fatalf("newApplication() error = %v", err)
	}

	release := make(chan struct{})
	err = a.RegisterCommand("move", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("RegisterCommand() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	waitUntil(t, "broker connected", broker.IsConnected)

	broker.deliver("icsia/m/cmd/move",
		`{"cmd_id":"a","target_position":{"x":1,"y":2,"z":3},"mode":"absolute"}`)

	waitUntil(t, "busy status", func() bool {
		return a.Status()["operational_status"] == "busy"
	})

	close(release)

	waitUntil(t, "idle status", func() bool {
		return a.Status()["operational_status"] == "idle"
	})
}

// =============================================================================
// Subscription Wiring Tests
// =============================================================================

func TestRegisteredCallbackReceivesMessages(t *testing.T) {
	cfg := testConfig()
	broker := &fakeBroker{}
	a, err := newApplication(cfg, quietLogger(), broker)
	if err != nil {
		t.Fatalf("newApplication() error = %v", err)
	}

	var mu sync.Mutex
	var got []string
	err = a.RegisterCallback("sensors/+/temp", func(topic string, payload []byte, _ mqtt.Properties) {
		mu.Lock()
		got = append(got, topic+":"+string(payload))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("RegisterCallback() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	waitUntil(t, "broker connected", broker.IsConnected)

	broker.deliver("sensors/room1/temp", "21.5")

	waitUntil(t, "callback fired", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "sensors/room1/temp:21.5" {
		t.Errorf("callback got %v, want topic and raw payload", got)
	}
}

func TestConfigSubscriptionsResolveNamedHandlers(t *testing.T) {
	cfg := testConfig()
	cfg.Subscriptions = map[string]config.SubscriptionConfig{
		"acks": {Topic: "icsia/+/status/ack", Callback: "on_ack"},
	}

	broker := &fakeBroker{}
	a, err := newApplication(cfg, quietLogger(), broker)
	if err != nil {
		t.Fatalf("newApplication() error = %v", err)
	}

	var mu sync.Mutex
	fired := false
	a.RegisterCallbackHandler("on_ack", func(string, []byte, mqtt.Properties) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	waitUntil(t, "broker connected", broker.IsConnected)

	broker.deliver("icsia/other/status/ack", `{"cmd_id":"z"}`)

	waitUntil(t, "named callback fired", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired
	})
}

func TestUnknownNamedHandlerFailsRun(t *testing.T) {
	cfg := testConfig()
	cfg.Subscriptions = map[string]config.SubscriptionConfig{
		"acks": {Topic: "icsia/+/status/ack", Callback: "never_registered"},
	}

	a, err := newApplication(cfg, quietLogger(), &fakeBroker{})
	if err != nil {
		t.Fatalf("newApplication() error = %v", err)
	}

	err = a.Run(context.Background())
	if !errors.Is(err, ErrUnknownCallback) {
		t.Errorf("Run() error = %v, want ErrUnknownCallback", err)
	}
}

// =============================================================================
// Reconnect Tests
// =============================================================================

func TestReconnectReplaysAllSubscriptions(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Reconnect.Interval = 1

	broker := &fakeBroker{}
	a, err := newApplication(cfg, quietLogger(), broker)
	if err != nil {
		t.Fatalf("newApplication() error = %v", err)
	}
	if err := a.RegisterCallback("sensors/#", func(string, []byte, mqtt.Properties) {}); err != nil {
		t.Fatalf("RegisterCallback() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	waitUntil(t, "broker connected", broker.IsConnected)

	before := len(broker.subscriptions())
	broker.dropConnection()

	waitUntil(t, "subscription replay", func() bool {
		return len(broker.subscriptions()) >= before*2
	})

	subs := broker.subscriptions()
	replayed := subs[before:]
	hasCommand, hasSensors := false, false
	for _, filter := range replayed {
		if filter == "icsia/+/cmd/#" {
			hasCommand = true
		}
		if filter == "sensors/#" {
			hasSensors = true
		}
	}
	if !hasCommand || !hasSensors {
		t.Errorf("replayed = %v, want command filter and sensors/# present", replayed)
	}
}
