package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// fileConfig is the JSON shape of the config file. Pointer fields tell
// "absent" apart from zero so only present keys overlay the base.
type fileConfig struct {
	Port           *string   `json:"port"`
	AllowedOrigins *[]string `json:"allowedOrigins"`
	MaxMessageSize *int64    `json:"maxMessageSize"`
	RateLimit      *struct {
		Burst          *int `json:"burst"`
		RefillInterval *int `json:"refillInterval"` // seconds
	} `json:"rateLimit"`
	AutoLogin   *string `json:"autoLogin"`
	Timeout     *int    `json:"timeout"` // milliseconds
	Loader      *string `json:"loader"`
	ProjectsDir *string `json:"projsDir"`
	BoltPath    *string `json:"boltPath"`
	LogFormat   *string `json:"logFormat"`
	LogLevel    *string `json:"logLevel"`
	BcryptCost  *int    `json:"bcryptCost"`
}

// Parse overlays the JSON document data onto base.
func Parse(data []byte, base Config) (Config, error) {
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return base, fmt.Errorf("parse config: %w", err)
	}

	cfg := base.Clone()
	setIf(&cfg.Port, fc.Port)
	if fc.AllowedOrigins != nil {
		cfg.AllowedOrigins = append([]string(nil), (*fc.AllowedOrigins)...)
	}
	setIf(&cfg.MaxMessageSize, fc.MaxMessageSize)
	if fc.RateLimit != nil {
		setIf(&cfg.RateLimit.Burst, fc.RateLimit.Burst)
		if fc.RateLimit.RefillInterval != nil {
			cfg.RateLimit.RefillInterval = time.Duration(*fc.RateLimit.RefillInterval) * time.Second
		}
	}
	setIf(&cfg.AutoLogin, fc.AutoLogin)
	if fc.Timeout != nil {
		cfg.Timeout = time.Duration(*fc.Timeout) * time.Millisecond
	}
	setIf(&cfg.Loader, fc.Loader)
	setIf(&cfg.ProjectsDir, fc.ProjectsDir)
	setIf(&cfg.BoltPath, fc.BoltPath)
	setIf(&cfg.LogFormat, fc.LogFormat)
	setIf(&cfg.LogLevel, fc.LogLevel)
	setIf(&cfg.BcryptCost, fc.BcryptCost)
	return cfg, nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// LoadFile reads the config file at path and overlays it onto base.
// A missing file is created containing an empty object and base is
// returned unchanged; created reports whether that happened.
func LoadFile(path string, base Config) (cfg Config, created bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := createEmpty(path); err != nil {
			return base, false, err
		}
		return base, true, nil
	}
	if err != nil {
		return base, false, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err = Parse(data, base)
	if err != nil {
		return base, false, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, false, nil
}

func createEmpty(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte("{\n\t\n}\n"), 0o644); err != nil {
		return fmt.Errorf("create config %s: %w", path, err)
	}
	return nil
}

// Load builds the effective configuration: defaults, then the file at path
// (when path is not empty), then the locked environment overrides.
func Load(path string, env Env) (cfg Config, created bool, err error) {
	cfg = Default()
	if path != "" {
		cfg, created, err = LoadFile(path, cfg)
		if err != nil {
			return Sanitize(env.Apply(Default())), false, err
		}
	}
	return Sanitize(env.Apply(cfg)), created, nil
}
