// Package config provides the runtime settings of the session server:
// defaults, sanitization, JSON file and environment overlays, and a live
// Store that notifies observers when watched values change.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Loader backend names understood by the server.
const (
	LoaderFS   = "fs"
	LoaderBolt = "bolt"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	// AutoLogin is the project used by connections that omit a project id.
	// Empty disables auto-login.
	AutoLogin string
	// Timeout bounds every call into the project loader.
	Timeout time.Duration
	// Loader selects the project backend: LoaderFS or LoaderBolt.
	Loader      string
	ProjectsDir string
	BoltPath    string

	LogFormat  string
	LogLevel   string
	BcryptCost int
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Port: ":1994",
		AllowedOrigins: []string{
			"http://localhost:1994",
		},
		MaxMessageSize: 64 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          50,
			RefillInterval: time.Second,
		},
		Timeout:     time.Second,
		Loader:      LoaderFS,
		ProjectsDir: "projects",
		BoltPath:    "projects.db",
		LogFormat:   "text",
		LogLevel:    "info",
		BcryptCost:  10,
	}
}

// Sanitize replaces invalid or missing values with defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Loader == "" {
		cfg.Loader = def.Loader
	}
	if cfg.ProjectsDir == "" {
		cfg.ProjectsDir = def.ProjectsDir
	}
	if cfg.BoltPath == "" {
		cfg.BoltPath = def.BoltPath
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = def.BcryptCost
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	cfg.AutoLogin = strings.TrimSpace(cfg.AutoLogin)
	return cfg
}

// Clone returns a deep copy of cfg.
func (c Config) Clone() Config {
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// envKeys maps environment variables onto the settings they override.
var envKeys = []struct {
	name  string
	apply func(cfg *Config, value string)
}{
	{"SERVER_PORT", func(cfg *Config, v string) { cfg.Port = v }},
	{"ALLOWED_ORIGINS", func(cfg *Config, v string) { cfg.AllowedOrigins = parseOrigins(v) }},
	{"MAX_MESSAGE_SIZE", func(cfg *Config, v string) {
		cfg.MaxMessageSize = parseMaxMessageSize(v, cfg.MaxMessageSize)
	}},
	{"RATE_LIMIT_BURST", func(cfg *Config, v string) {
		cfg.RateLimit.Burst = parseIntValue(v, cfg.RateLimit.Burst)
	}},
	{"RATE_LIMIT_REFILL_INTERVAL", func(cfg *Config, v string) {
		cfg.RateLimit.RefillInterval = parseSeconds(v, cfg.RateLimit.RefillInterval)
	}},
	{"AUTO_LOGIN", func(cfg *Config, v string) { cfg.AutoLogin = v }},
	{"LOADER_TIMEOUT", func(cfg *Config, v string) { cfg.Timeout = parseMillis(v, cfg.Timeout) }},
	{"LOADER", func(cfg *Config, v string) { cfg.Loader = v }},
	{"PROJECTS_DIR", func(cfg *Config, v string) { cfg.ProjectsDir = v }},
	{"BOLT_PATH", func(cfg *Config, v string) { cfg.BoltPath = v }},
	{"LOG_FORMAT", func(cfg *Config, v string) { cfg.LogFormat = v }},
	{"LOG_LEVEL", func(cfg *Config, v string) { cfg.LogLevel = v }},
	{"BCRYPT_COST", func(cfg *Config, v string) { cfg.BcryptCost = parseIntValue(v, cfg.BcryptCost) }},
}

// Env holds the environment overrides captured at startup. Overrides are
// locked: they are re-applied after every file reload.
type Env map[string]string

// LookupEnv captures the recognized variables from the process environment.
func LookupEnv() Env {
	env := Env{}
	for _, key := range envKeys {
		if v, ok := os.LookupEnv(key.name); ok && v != "" {
			env[key.name] = v
		}
	}
	return env
}

// Apply overlays the captured environment values onto cfg.
func (e Env) Apply(cfg Config) Config {
	for _, key := range envKeys {
		if v, ok := e[key.name]; ok {
			key.apply(&cfg, v)
		}
	}
	return cfg
}

// Locked lists the variables that override file values.
func (e Env) Locked() []string {
	var names []string
	for _, key := range envKeys {
		if _, ok := e[key.name]; ok {
			names = append(names, key.name)
		}
	}
	return names
}

// FromEnv creates a Config from defaults overlaid with environment variables.
func FromEnv() Config {
	return Sanitize(LookupEnv().Apply(Default()))
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseMillis(value string, defaultValue time.Duration) time.Duration {
	if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
