package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the device core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Namespace     string                        `yaml:"namespace"`
	Device        DeviceConfig                  `yaml:"device"`
	MQTT          MQTTConfig                    `yaml:"mqtt"`
	Topics        TopicsConfig                  `yaml:"topics"`
	Status        StatusConfig                  `yaml:"status"`
	Commands      CommandsConfig                `yaml:"commands"`
	Subscriptions map[string]SubscriptionConfig `yaml:"subscriptions"`
	Logging       LoggingConfig                 `yaml:"logging"`
	Telemetry     TelemetryConfig               `yaml:"telemetry"`
}

// DeviceConfig identifies the device this process speaks for.
type DeviceConfig struct {
	DeviceID string `yaml:"device_id"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// ThrottleInterval is the minimum gap between adjacent outbound
	// publishes, in seconds. Fractions are allowed (0.1 = 100ms).
	ThrottleInterval float64 `yaml:"throttle_interval"`

	// PublishQueueLimit is a soft cap on the outbound publish queue.
	// When exceeded, the oldest QoS-0 entries are dropped; QoS-1 entries
	// are never dropped. 0 means unlimited.
	PublishQueueLimit int `yaml:"publish_queue_limit"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	// Interval is the delay between connection attempts, in seconds.
	Interval int `yaml:"interval"`

	// MaxAttempts limits connection attempts. -1 means retry forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// TopicsConfig contains topic templates. The command filter template may use
// the {namespace} placeholder, expanded by Config.CommandFilter.
type TopicsConfig struct {
	Command string `yaml:"command"`
}

// StatusConfig controls periodic status publishing.
type StatusConfig struct {
	// PublishInterval is the wake period of the status task, in seconds.
	PublishInterval int `yaml:"publish_interval"`

	// KeepalivePublishing publishes on every wake regardless of change.
	KeepalivePublishing bool `yaml:"keepalive_publishing"`

	// Payload is the declarative status schema (see the schema package).
	Payload map[string]any `yaml:"payload"`
}

// CommandsConfig declares per-command payload schemas.
type CommandsConfig struct {
	Schemas map[string]any `yaml:"schemas"`
}

// SubscriptionConfig binds a topic pattern to a named callback handler
// registered by the application at startup.
type SubscriptionConfig struct {
	Topic    string `yaml:"topic"`
	Callback string `yaml:"callback"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string        `yaml:"level"`
	Format string        `yaml:"format"`
	Output string        `yaml:"output"`
	MQTT   MQTTLogConfig `yaml:"mqtt"`
}

// MQTTLogConfig enables forwarding of log records to the device logs topic.
type MQTTLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
}

// TelemetryConfig contains InfluxDB status telemetry settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ICSIA_SECTION_KEY
// For example: ICSIA_MQTT_HOST, ICSIA_DEVICE_ID
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDerivedDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Namespace: "icsia",
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				Interval:    5,
				MaxAttempts: -1,
			},
			ThrottleInterval: 0.1,
		},
		Topics: TopicsConfig{
			Command: "{namespace}/+/cmd/#",
		},
		Status: StatusConfig{
			PublishInterval: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ICSIA_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ICSIA_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("ICSIA_DEVICE_ID"); v != "" {
		cfg.Device.DeviceID = v
	}

	// MQTT
	if v := os.Getenv("ICSIA_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ICSIA_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("ICSIA_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ICSIA_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Telemetry
	if v := os.Getenv("ICSIA_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}
}

// applyDerivedDefaults fills in values that depend on other fields.
func applyDerivedDefaults(cfg *Config) {
	// A stable-but-unique client ID keeps two processes for the same device
	// from stealing each other's broker session.
	if cfg.MQTT.Broker.ClientID == "" && cfg.Device.DeviceID != "" {
		suffix := uuid.NewString()[:8]
		cfg.MQTT.Broker.ClientID = fmt.Sprintf("%s-%s-%s", cfg.Namespace, cfg.Device.DeviceID, suffix)
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Namespace == "" {
		errs = append(errs, "namespace is required")
	}
	if strings.ContainsAny(c.Namespace, "+#/") {
		errs = append(errs, "namespace must not contain topic separators or wildcards")
	}
	if c.Device.DeviceID == "" {
		errs = append(errs, "device.device_id is required")
	}
	if strings.ContainsAny(c.Device.DeviceID, "+#/") {
		errs = append(errs, "device.device_id must not contain topic separators or wildcards")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Reconnect.Interval < 1 {
		errs = append(errs, "mqtt.reconnect.interval must be at least 1 second")
	}
	if c.MQTT.Reconnect.MaxAttempts < -1 {
		errs = append(errs, "mqtt.reconnect.max_attempts must be -1 (infinite) or non-negative")
	}
	if c.MQTT.ThrottleInterval < 0 {
		errs = append(errs, "mqtt.throttle_interval must not be negative")
	}

	if c.Status.PublishInterval < 1 {
		errs = append(errs, "status.publish_interval must be at least 1 second")
	}

	for name, sub := range c.Subscriptions {
		if sub.Topic == "" {
			errs = append(errs, fmt.Sprintf("subscriptions.%s.topic is required", name))
		}
		if sub.Callback == "" {
			errs = append(errs, fmt.Sprintf("subscriptions.%s.callback is required", name))
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.URL == "" {
		errs = append(errs, "telemetry.url is required when telemetry is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// CommandFilter returns the command subscription filter with the
// {namespace} placeholder expanded.
func (c *Config) CommandFilter() string {
	return strings.ReplaceAll(c.Topics.Command, "{namespace}", c.Namespace)
}

// GetReconnectInterval returns the reconnect delay as a Duration.
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.MQTT.Reconnect.Interval) * time.Second
}

// GetThrottleInterval returns the publish throttle as a Duration.
func (c *Config) GetThrottleInterval() time.Duration {
	return time.Duration(c.MQTT.ThrottleInterval * float64(time.Second))
}

// GetStatusPublishInterval returns the status wake period as a Duration.
func (c *Config) GetStatusPublishInterval() time.Duration {
	return time.Duration(c.Status.PublishInterval) * time.Second
}
