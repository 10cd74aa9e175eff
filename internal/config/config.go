// Package config loads the postpulse YAML configuration.
//
// A document is first checked against the embedded CUE schema (unknown keys,
// enum values, duration syntax), then decoded over Default(), then checked
// for cross-field rules that the schema does not express.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("invalid config")

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Detector DetectorConfig `yaml:"detector"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen            string   `yaml:"listen"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
	// WebhookSecret, when set, must be presented by the workflow engine in
	// the X-Webhook-Secret header.
	WebhookSecret string `yaml:"webhook_secret"`
}

// StorageConfig selects the record store.
//
// sqlite serves reads, writes, and polling from Path. postgres polls an
// external database at DSN and keeps users and writes in the SQLite store at
// Path.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// DetectorConfig controls the polling change detector.
type DetectorConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Interval    Duration `yaml:"interval"`
	EmitDeletes bool     `yaml:"emit_deletes"`
}

// RealtimeConfig controls the broadcaster and its transports.
type RealtimeConfig struct {
	KeepAlive Duration `yaml:"keep_alive"`
	// WriteTimeout bounds one frame write; slower clients are dropped.
	WriteTimeout Duration `yaml:"write_timeout"`
	WebSocket    bool     `yaml:"websocket"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for omitted keys.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            ":8080",
			ReadHeaderTimeout: Duration(10 * time.Second),
			ShutdownTimeout:   Duration(15 * time.Second),
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   "postpulse.db",
		},
		Detector: DetectorConfig{
			Enabled:  true,
			Interval: Duration(5 * time.Second),
		},
		Realtime: RealtimeConfig{
			KeepAlive:    Duration(30 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
			WebSocket:    true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over Default().
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateSchema unifies the raw document with #Config.
func validateSchema(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(doc))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// Validate checks rules that span several keys.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for the sqlite driver", ErrInvalid)
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for the postgres driver", ErrInvalid)
		}
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for users and writes", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalid, c.Storage.Driver)
	}
	if c.Detector.Enabled && c.Detector.Interval.Std() <= 0 {
		return fmt.Errorf("%w: detector.interval must be positive", ErrInvalid)
	}
	if c.Realtime.WriteTimeout.Std() <= 0 {
		return fmt.Errorf("%w: realtime.write_timeout must be positive", ErrInvalid)
	}
	if c.Realtime.KeepAlive.Std() < 0 {
		return fmt.Errorf("%w: realtime.keep_alive must not be negative", ErrInvalid)
	}
	return nil
}

// SlogLevel maps Log.Level to a slog level. Unknown values map to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
