package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// GatewayConfig holds gateway connection settings. Endpoint overrides
// (URL, token, password) are resolved by the endpoint resolver; this
// block carries the client-side behavior knobs.
type GatewayConfig struct {
	Mode           string        `yaml:"mode"`   // "local" or "remote"
	Role           string        `yaml:"role"`   // e.g. "operator"
	Scopes         []string      `yaml:"scopes"` // requested capability scopes
	StateDir       string        `yaml:"state_dir"`
	ConfigPath     string        `yaml:"config_path"`   // gateway endpoint config file
	ManifestPath   string        `yaml:"manifest_path"` // daemon-written port manifest
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DaemonConfig holds local daemon supervision settings.
type DaemonConfig struct {
	Autostart     bool          `yaml:"autostart"`
	StartDeadline time.Duration `yaml:"start_deadline"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultStateDir returns the persistent state directory under $HOME/.roost.
// Falls back to "./state" if $HOME cannot be determined.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./state"
	}
	return filepath.Join(home, ".roost")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	stateDir := defaultStateDir()
	return &Config{
		Gateway: GatewayConfig{
			Mode:           "local",
			Role:           "operator",
			Scopes:         []string{"chat", "sessions"},
			StateDir:       stateDir,
			ConfigPath:     filepath.Join(stateDir, "gateway.yaml"),
			ManifestPath:   filepath.Join(stateDir, "daemon.json"),
			ConnectTimeout: 6 * time.Second,
			RequestTimeout: 15 * time.Second,
		},
		Daemon: DaemonConfig{
			Autostart:     true,
			StartDeadline: 6 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error; defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := validatePermissions(path); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps ROOST_* env vars to config fields. Endpoint
// overrides (ROOST_GATEWAY_URL and friends) belong to the endpoint
// resolver, not here.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ROOST_GATEWAY_MODE"); v != "" {
		cfg.Gateway.Mode = v
	}
	if v := os.Getenv("ROOST_GATEWAY_ROLE"); v != "" {
		cfg.Gateway.Role = v
	}
	if v := os.Getenv("ROOST_GATEWAY_SCOPES"); v != "" {
		cfg.Gateway.Scopes = splitAndTrim(v, ",")
	}
	if v := os.Getenv("ROOST_STATE_DIR"); v != "" {
		cfg.Gateway.StateDir = v
	}
	if v := os.Getenv("ROOST_GATEWAY_CONFIG_PATH"); v != "" {
		cfg.Gateway.ConfigPath = v
	}
	if v := os.Getenv("ROOST_GATEWAY_MANIFEST_PATH"); v != "" {
		cfg.Gateway.ManifestPath = v
	}
	if v := os.Getenv("ROOST_GATEWAY_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.ConnectTimeout = d
		}
	}
	if v := os.Getenv("ROOST_GATEWAY_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.RequestTimeout = d
		}
	}
	if v := os.Getenv("ROOST_NO_AUTOSTART"); v != "" {
		cfg.Daemon.Autostart = false
	}
	if v := os.Getenv("ROOST_DAEMON_START_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Daemon.StartDeadline = d
		}
	}
	if v := os.Getenv("ROOST_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ROOST_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ROOST_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("ROOST_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("ROOST_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}

	switch cfg.Gateway.Mode {
	case "local", "remote":
	default:
		ve.Add("gateway.mode must be \"local\" or \"remote\", got %q", cfg.Gateway.Mode)
	}
	if cfg.Gateway.Role == "" {
		ve.Add("gateway.role must not be empty")
	}
	if cfg.Gateway.ConnectTimeout <= 0 {
		ve.Add("gateway.connect_timeout must be > 0")
	}
	if cfg.Gateway.RequestTimeout <= 0 {
		ve.Add("gateway.request_timeout must be > 0")
	}
	if cfg.Daemon.StartDeadline <= 0 {
		ve.Add("daemon.start_deadline must be > 0")
	}
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		ve.Add("logger.level %q is not a known level", cfg.Logger.Level)
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

// splitAndTrim splits s by sep, trims whitespace, and drops empties.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
