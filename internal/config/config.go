// Package config loads server configuration.
//
// Values are resolved in order: built-in defaults, the YAML file, then
// STEPSYNC_* environment variables. Command-line flags are applied last by
// the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Auth    AuthConfig    `yaml:"auth"`
	Sync    SyncConfig    `yaml:"sync"`
	Relay   RelayConfig   `yaml:"relay"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the HTTP and WebSocket listener.
type ServerConfig struct {
	Addr             string   `yaml:"addr"`
	AllowedOrigins   []string `yaml:"allowed_origins"` // empty allows any origin
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout"`
	PingInterval     Duration `yaml:"ping_interval"`
	PongTimeout      Duration `yaml:"pong_timeout"`
	SendQueueSize    int      `yaml:"send_queue_size"`
	MaxMessageBytes  int64    `yaml:"max_message_bytes"`
	ShutdownTimeout  Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig configures token verification and the access policy.
type AuthConfig struct {
	Secret     string `yaml:"secret"`
	Issuer     string `yaml:"issuer"`
	PolicyFile string `yaml:"policy_file"`
}

// SyncConfig tunes the synchronization service.
type SyncConfig struct {
	// NotifySubscribers pushes every commit to the document's subscribers.
	// Off by default: clients pull with history requests.
	NotifySubscribers bool `yaml:"notify_subscribers"`
	// ValidateTrees checks every produced tree against the CUE tree schema.
	ValidateTrees bool `yaml:"validate_trees"`
	// StrictSchema rejects node types the schema does not know.
	StrictSchema bool `yaml:"strict_schema"`
	// MaxStepsPerSubmission rejects larger batches. Zero disables the cap.
	MaxStepsPerSubmission int `yaml:"max_steps_per_submission"`
}

// RelayConfig selects how commit notifications reach sockets.
type RelayConfig struct {
	Driver        string `yaml:"driver"` // local | redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:             ":8080",
			HandshakeTimeout: Duration(10 * time.Second),
			WriteTimeout:     Duration(10 * time.Second),
			PingInterval:     Duration(30 * time.Second),
			PongTimeout:      Duration(60 * time.Second),
			SendQueueSize:    64,
			MaxMessageBytes:  1 << 20,
			ShutdownTimeout:  Duration(15 * time.Second),
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "stepsync.db",
		},
		Sync: SyncConfig{
			MaxStepsPerSubmission: 10000,
		},
		Relay: RelayConfig{
			Driver: "local",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from STEPSYNC_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("STEPSYNC_ADDR", &c.Server.Addr)
	if v, ok := lookup("STEPSYNC_ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	str("STEPSYNC_STORE_DRIVER", &c.Store.Driver)
	str("STEPSYNC_STORE_PATH", &c.Store.Path)
	str("STEPSYNC_STORE_DSN", &c.Store.DSN)
	str("STEPSYNC_AUTH_SECRET", &c.Auth.Secret)
	str("STEPSYNC_AUTH_ISSUER", &c.Auth.Issuer)
	str("STEPSYNC_AUTH_POLICY", &c.Auth.PolicyFile)
	boolean("STEPSYNC_NOTIFY_SUBSCRIBERS", &c.Sync.NotifySubscribers)
	boolean("STEPSYNC_VALIDATE_TREES", &c.Sync.ValidateTrees)
	str("STEPSYNC_RELAY_DRIVER", &c.Relay.Driver)
	str("STEPSYNC_REDIS_ADDR", &c.Relay.RedisAddr)
	str("STEPSYNC_REDIS_PASSWORD", &c.Relay.RedisPassword)
	str("STEPSYNC_LOG_LEVEL", &c.Log.Level)
	str("STEPSYNC_LOG_FORMAT", &c.Log.Format)
	boolean("STEPSYNC_METRICS_ENABLED", &c.Metrics.Enabled)

	return errors.Join(errs...)
}

// Validate checks values that would only fail later at startup.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	switch c.Relay.Driver {
	case "local":
	case "redis":
		if c.Relay.RedisAddr == "" {
			errs = append(errs, errors.New("relay.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("relay.driver: unknown driver %q", c.Relay.Driver))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Sync.MaxStepsPerSubmission < 0 {
		errs = append(errs, errors.New("sync.max_steps_per_submission must not be negative"))
	}
	if c.Server.SendQueueSize <= 0 {
		errs = append(errs, errors.New("server.send_queue_size must be positive"))
	}
	if c.Server.PingInterval >= c.Server.PongTimeout {
		errs = append(errs, errors.New("server.ping_interval must be shorter than server.pong_timeout"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
