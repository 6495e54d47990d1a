// Motorsim - simulated motor controller on the device core.
//
// Motorsim registers the motor control command set (move, home, stop,
// set_speed, get_position), keeps a live status snapshot of the simulated
// axis state, and publishes it over MQTT. It exists as a working reference
// for wiring a device application onto the core: command handlers are
// registered in code, while the command schemas and the status snapshot
// shape come from configs/config.yaml.
package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/icsia/device-core/internal/app"
	"github.com/icsia/device-core/internal/infrastructure/config"
	"github.com/icsia/device-core/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// statusMonitorInterval is how often the background monitor pushes sensor
// readings into the status snapshot.
const statusMonitorInterval = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}
	log.Info("starting motorsim",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", configPath,
	)

	core, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("building device core: %w", err)
	}

	motor := newMotor(core)
	if err := motor.registerCommands(); err != nil {
		return fmt.Errorf("registering commands: %w", err)
	}

	// Background monitor keeps the sensor fields fresh between commands.
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	var monitorDone sync.WaitGroup
	monitorDone.Add(1)
	go func() {
		defer monitorDone.Done()
		motor.monitor(monitorCtx)
	}()
	defer func() {
		stopMonitor()
		monitorDone.Wait()
	}()

	log.Info("motor control ready",
		"namespace", cfg.Namespace,
		"device_id", cfg.Device.DeviceID,
		"command_topic", fmt.Sprintf("%s/%s/cmd/<name>", cfg.Namespace, cfg.Device.DeviceID),
	)

	return core.Run(ctx)
}

// getConfigPath returns the configuration file path.
// Uses ICSIA_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ICSIA_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// motor holds the simulated axis state behind the command handlers.
type motor struct {
	core *app.Application

	mu       sync.Mutex
	position map[string]float64
	speed    float64
	moving   bool
	homed    bool

	temperature float64
	voltage     float64
	errorCount  int
	startTime   time.Time
}

func newMotor(core *app.Application) *motor {
	return &motor{
		core:        core,
		position:    map[string]float64{"x": 0, "y": 0, "z": 0},
		speed:       100,
		temperature: 25.0,
		voltage:     12.0,
		startTime:   time.Now(),
	}
}

func (m *motor) registerCommands() error {
	handlers := map[string]func(context.Context, map[string]any) (map[string]any, error){
		"move":         m.handleMove,
		"home":         m.handleHome,
		"stop":         m.handleStop,
		"set_speed":    m.handleSetSpeed,
		"get_position": m.handleGetPosition,
	}
	for name, fn := range handlers {
		if err := m.core.RegisterCommand(name, fn); err != nil {
			return fmt.Errorf("command %q: %w", name, err)
		}
	}
	return nil
}

// monitor pushes simulated sensor readings into the status snapshot on a
// fixed interval until ctx is cancelled.
func (m *motor) monitor(ctx context.Context) {
	ticker := time.NewTicker(statusMonitorInterval)
	defer ticker.Stop()

	m.pushStatus()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pushStatus()
		}
	}
}

// pushStatus folds the current motor state plus drifting sensor readings
// into the device status.
func (m *motor) pushStatus() {
	m.mu.Lock()
	m.temperature += rand.Float64() - 0.5
	m.voltage = 12.0 + (rand.Float64()*0.4 - 0.2)
	update := m.statusLocked()
	m.mu.Unlock()

	if err := m.core.UpdateStatus(update); err != nil {
		m.mu.Lock()
		m.errorCount++
		m.mu.Unlock()
	}
}

// statusLocked builds a status update from the current state. Caller holds mu.
func (m *motor) statusLocked() map[string]any {
	return map[string]any{
		"current_position": map[string]any{
			"x": m.position["x"],
			"y": m.position["y"],
			"z": m.position["z"],
		},
		"speed":          m.speed,
		"moving":         m.moving,
		"homed":          m.homed,
		"temperature":    math.Round(m.temperature*10) / 10,
		"voltage":        math.Round(m.voltage*100) / 100,
		"error_count":    m.errorCount,
		"uptime_seconds": int(time.Since(m.startTime).Seconds()),
	}
}

func (m *motor) handleMove(ctx context.Context, data map[string]any) (map[string]any, error) {
	target, ok := data["target_position"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("target_position is not an object")
	}
	speed := asFloat(data["speed"], m.currentSpeed())
	mode, _ := data["mode"].(string)
	if mode == "" {
		mode = "absolute"
	}

	m.mu.Lock()
	m.moving = true
	m.speed = speed
	from := map[string]float64{"x": m.position["x"], "y": m.position["y"], "z": m.position["z"]}
	m.mu.Unlock()
	m.pushStatus()

	// Travel time scales with total axis distance at the commanded speed.
	var distance float64
	for _, axis := range []string{"x", "y", "z"} {
		t := asFloat(target[axis], 0)
		if mode == "absolute" {
			distance += math.Abs(t - from[axis])
		} else {
			distance += math.Abs(t)
		}
	}
	travel := time.Duration(math.Max(0.1, distance/speed) * float64(time.Second))

	select {
	case <-time.After(travel):
	case <-ctx.Done():
		m.mu.Lock()
		m.moving = false
		m.mu.Unlock()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	for _, axis := range []string{"x", "y", "z"} {
		if mode == "relative" {
			m.position[axis] += asFloat(target[axis], 0)
		} else {
			m.position[axis] = asFloat(target[axis], m.position[axis])
		}
	}
	m.moving = false
	final := m.positionLocked()
	m.mu.Unlock()
	m.pushStatus()

	return map[string]any{
		"final_position": final,
		"speed":          speed,
		"mode":           mode,
		"movement_time":  travel.Seconds(),
	}, nil
}

func (m *motor) handleHome(ctx context.Context, data map[string]any) (map[string]any, error) {
	axis, _ := data["axis"].(string)
	if axis == "" {
		axis = "all"
	}

	m.mu.Lock()
	m.moving = true
	m.homed = false
	m.mu.Unlock()
	m.pushStatus()

	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		m.mu.Lock()
		m.moving = false
		m.mu.Unlock()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	if axis == "all" {
		m.position = map[string]float64{"x": 0, "y": 0, "z": 0}
	} else {
		m.position[axis] = 0
	}
	m.homed = true
	m.moving = false
	home := m.positionLocked()
	m.mu.Unlock()
	m.pushStatus()

	return map[string]any{
		"homed":         true,
		"axis":          axis,
		"home_position": home,
	}, nil
}

func (m *motor) handleStop(_ context.Context, _ map[string]any) (map[string]any, error) {
	m.mu.Lock()
	m.moving = false
	final := m.positionLocked()
	m.mu.Unlock()
	m.pushStatus()

	return map[string]any{"stopped": true, "final_position": final}, nil
}

func (m *motor) handleSetSpeed(_ context.Context, data map[string]any) (map[string]any, error) {
	speed := asFloat(data["speed"], 0)
	units, _ := data["units"].(string)
	if units == "" {
		units = "mm/s"
	}
	if speed <= 0 {
		m.mu.Lock()
		m.errorCount++
		m.mu.Unlock()
		m.pushStatus()
		return nil, fmt.Errorf("speed must be positive, got %v", speed)
	}

	m.mu.Lock()
	old := m.speed
	m.speed = speed
	m.mu.Unlock()
	m.pushStatus()

	return map[string]any{"old_speed": old, "new_speed": speed, "units": units}, nil
}

func (m *motor) handleGetPosition(_ context.Context, _ map[string]any) (map[string]any, error) {
	m.pushStatus()

	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"current_position": m.positionLocked(),
		"speed":            m.speed,
		"moving":           m.moving,
		"homed":            m.homed,
		"temperature":      m.temperature,
		"voltage":          m.voltage,
		"uptime_seconds":   int(time.Since(m.startTime).Seconds()),
	}, nil
}

// positionLocked copies the position map. Caller holds mu.
func (m *motor) positionLocked() map[string]any {
	return map[string]any{
		"x": m.position["x"],
		"y": m.position["y"],
		"z": m.position["z"],
	}
}

func (m *motor) currentSpeed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speed
}

// asFloat coerces a JSON-decoded numeric value, falling back when absent.
func asFloat(v any, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return fallback
	}
}
