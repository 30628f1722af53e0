// Package config loads server and client configuration from a YAML file,
// then applies SYNC_* environment overrides. Command-line flags are applied
// by the binaries on top.
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

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Client store kinds.
const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"
)

// StorageConfig selects the server store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn,omitempty"`
}

// TokenConfig maps one bearer token to a caller.
type TokenConfig struct {
	Token    string `yaml:"token"`
	Subject  string `yaml:"subject"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

// ServerConfig configures syncd.
type ServerConfig struct {
	Listen  string        `yaml:"listen"`
	Storage StorageConfig `yaml:"storage"`
	// Tokens enables bearer auth when non-empty.
	Tokens []TokenConfig `yaml:"tokens,omitempty"`

	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestSize  int64         `yaml:"max_request_size"`
	Compression     bool          `yaml:"compression"`

	DefaultPullLimit int `yaml:"default_pull_limit"`
	MaxPullLimit     int `yaml:"max_pull_limit"`
	MaxPushBatch     int `yaml:"max_push_batch"`

	Log logging.Config `yaml:"log"`
}

// BackoffConfig is the retry policy.
type BackoffConfig struct {
	Initial       time.Duration `yaml:"initial"`
	Multiplier    float64       `yaml:"multiplier"`
	Ceiling       time.Duration `yaml:"ceiling"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// ClientConfig configures syncctl.
type ClientConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token,omitempty"`
	// ClientID identifies this device as originClientId. Generated when empty.
	ClientID string `yaml:"client_id,omitempty"`

	Store     string `yaml:"store"`
	StorePath string `yaml:"store_path"`

	BatchSize      int           `yaml:"batch_size"`
	PullLimit      int           `yaml:"pull_limit"`
	SyncInterval   time.Duration `yaml:"sync_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	QueueCap       int           `yaml:"queue_cap"`
	// Resolver is "server-wins" or "rebase".
	Resolver string        `yaml:"resolver"`
	Backoff  BackoffConfig `yaml:"backoff"`

	Log logging.Config `yaml:"log"`
}

// DefaultServerConfig returns the defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:           ":8080",
		Storage:          StorageConfig{Driver: DriverMemory},
		RequestTimeout:   30 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		MaxRequestSize:   10 * 1024 * 1024,
		Compression:      true,
		DefaultPullLimit: synckit.DefaultPullLimit,
		MaxPullLimit:     synckit.MaxPullLimit,
		MaxPushBatch:     500,
		Log:              logging.DefaultConfig,
	}
}

// DefaultClientConfig returns the defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:      "http://localhost:8080",
		Store:          StoreSQLite,
		StorePath:      "syncctl.db",
		BatchSize:      50,
		PullLimit:      synckit.DefaultPullLimit,
		SyncInterval:   30 * time.Second,
		RequestTimeout: 30 * time.Second,
		Resolver:       "server-wins",
		Backoff: BackoffConfig{
			Initial:       time.Second,
			Multiplier:    2,
			Ceiling:       30 * time.Second,
			MaxAttempts:   5,
		},
		Log: logging.Config{Level: "warn", Format: "text", Environment: logging.EnvProduction},
	}
}

// decode reads YAML into out. Unknown keys are errors.
func decode(r io.Reader, out any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func readFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := decode(bytes.NewReader(data), out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadServer reads path (optional) over the defaults, applies the
// environment and validates.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.Log = logging.ApplyEnv(cfg.Log)
	return cfg, cfg.Validate()
}

// LoadClient reads path (optional) over the defaults, applies the
// environment and validates.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.Log = logging.ApplyEnv(cfg.Log)
	return cfg, cfg.Validate()
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envError struct {
	key string
	err error
}

func (e *envError) Error() string { return fmt.Sprintf("invalid %s: %v", e.key, e.err) }
func (e *envError) Unwrap() error { return e.err }

func envString(lookup LookupFunc, key string, dst *string) {
	if v, ok := lookup(key); ok && v != "" {
		*dst = v
	}
}

func envInt(lookup LookupFunc, key string, dst *int) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &envError{key, err}
	}
	*dst = n
	return nil
}

func envInt64(lookup LookupFunc, key string, dst *int64) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return &envError{key, err}
	}
	*dst = n
	return nil
}

func envFloat(lookup LookupFunc, key string, dst *float64) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return &envError{key, err}
	}
	*dst = f
	return nil
}

func envBool(lookup LookupFunc, key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return &envError{key, err}
	}
	*dst = b
	return nil
}

func envDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return &envError{key, err}
	}
	*dst = d
	return nil
}

// ApplyEnv overlays SYNC_* variables. SYNC_TOKENS is a comma separated list
// of token=subject pairs and replaces any configured tokens.
func (c *ServerConfig) ApplyEnv(lookup LookupFunc) error {
	envString(lookup, "SYNC_LISTEN", &c.Listen)
	envString(lookup, "SYNC_STORAGE_DRIVER", &c.Storage.Driver)
	envString(lookup, "SYNC_STORAGE_DSN", &c.Storage.DSN)
	if v, ok := lookup("SYNC_TOKENS"); ok && v != "" {
		tokens, err := parseTokens(v)
		if err != nil {
			return &envError{"SYNC_TOKENS", err}
		}
		c.Tokens = tokens
	}
	return errors.Join(
		envDuration(lookup, "SYNC_REQUEST_TIMEOUT", &c.RequestTimeout),
		envDuration(lookup, "SYNC_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout),
		envInt64(lookup, "SYNC_MAX_REQUEST_SIZE", &c.MaxRequestSize),
		envBool(lookup, "SYNC_COMPRESSION", &c.Compression),
		envInt(lookup, "SYNC_DEFAULT_PULL_LIMIT", &c.DefaultPullLimit),
		envInt(lookup, "SYNC_MAX_PULL_LIMIT", &c.MaxPullLimit),
		envInt(lookup, "SYNC_MAX_PUSH_BATCH", &c.MaxPushBatch),
	)
}

func parseTokens(v string) ([]TokenConfig, error) {
	var out []TokenConfig
	for _, pair := range strings.Split(v, ",") {
		token, subject, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || token == "" || subject == "" {
			return nil, fmt.Errorf("expected token=subject, got %q", pair)
		}
		out = append(out, TokenConfig{Token: token, Subject: subject})
	}
	return out, nil
}

// ApplyEnv overlays SYNC_* variables.
func (c *ClientConfig) ApplyEnv(lookup LookupFunc) error {
	envString(lookup, "SYNC_SERVER_URL", &c.ServerURL)
	envString(lookup, "SYNC_TOKEN", &c.Token)
	envString(lookup, "SYNC_CLIENT_ID", &c.ClientID)
	envString(lookup, "SYNC_STORE", &c.Store)
	envString(lookup, "SYNC_STORE_PATH", &c.StorePath)
	envString(lookup, "SYNC_RESOLVER", &c.Resolver)
	return errors.Join(
		envInt(lookup, "SYNC_BATCH_SIZE", &c.BatchSize),
		envInt(lookup, "SYNC_PULL_LIMIT", &c.PullLimit),
		envDuration(lookup, "SYNC_INTERVAL", &c.SyncInterval),
		envDuration(lookup, "SYNC_REQUEST_TIMEOUT", &c.RequestTimeout),
		envInt(lookup, "SYNC_QUEUE_CAP", &c.QueueCap),
		envDuration(lookup, "SYNC_BACKOFF_INITIAL", &c.Backoff.Initial),
		envFloat(lookup, "SYNC_BACKOFF_MULTIPLIER", &c.Backoff.Multiplier),
		envDuration(lookup, "SYNC_BACKOFF_CEILING", &c.Backoff.Ceiling),
		envInt(lookup, "SYNC_BACKOFF_MAX_ATTEMPTS", &c.Backoff.MaxAttempts),
	)
}

// Validate rejects values the server cannot run with.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage driver %s needs a dsn", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	seen := make(map[string]bool, len(c.Tokens))
	for i, t := range c.Tokens {
		if t.Token == "" || t.Subject == "" {
			errs = append(errs, fmt.Errorf("tokens[%d]: token and subject are required", i))
		}
		if seen[t.Token] {
			errs = append(errs, fmt.Errorf("tokens[%d]: duplicate token", i))
		}
		seen[t.Token] = true
	}
	if c.RequestTimeout <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("request and shutdown timeouts must be positive"))
	}
	if c.MaxRequestSize <= 0 {
		errs = append(errs, fmt.Errorf("max request size must be positive, got %d", c.MaxRequestSize))
	}
	if c.DefaultPullLimit < 1 || c.MaxPullLimit < c.DefaultPullLimit {
		errs = append(errs, fmt.Errorf("pull limits must satisfy 1 <= default (%d) <= max (%d)", c.DefaultPullLimit, c.MaxPullLimit))
	}
	if c.MaxPushBatch < 0 {
		errs = append(errs, fmt.Errorf("max push batch must not be negative, got %d", c.MaxPushBatch))
	}
	return errors.Join(errs...)
}

// Validate rejects values the client cannot run with.
func (c ClientConfig) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server url is required"))
	}
	switch c.Store {
	case StoreSQLite, StoreFile:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.StorePath == "" {
		errs = append(errs, errors.New("store path is required"))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.PullLimit < 1 || c.PullLimit > synckit.MaxPullLimit {
		errs = append(errs, fmt.Errorf("pull limit must be within 1..%d, got %d", synckit.MaxPullLimit, c.PullLimit))
	}
	if c.SyncInterval < 0 {
		errs = append(errs, fmt.Errorf("sync interval must not be negative, got %v", c.SyncInterval))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout))
	}
	if c.QueueCap < 0 {
		errs = append(errs, fmt.Errorf("queue cap must not be negative, got %d", c.QueueCap))
	}
	switch c.Resolver {
	case "server-wins", "rebase":
	default:
		errs = append(errs, fmt.Errorf("unknown resolver %q", c.Resolver))
	}
	b := c.Backoff
	if b.Initial <= 0 || b.Multiplier < 1 || b.Ceiling < b.Initial || b.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("invalid backoff: initial %v, multiplier %v, ceiling %v, max attempts %d",
			b.Initial, b.Multiplier, b.Ceiling, b.MaxAttempts))
	}
	return errors.Join(errs...)
}

// EnsureClientID fills ClientID with a new random id when it is empty and
// reports whether it did.
func (c *ClientConfig) EnsureClientID() bool {
	if c.ClientID != "" {
		return false
	}
	c.ClientID = uuid.NewString()
	return true
}

// Save writes the configuration as YAML.
func (c ClientConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
