package config

import (
	"slices"
	"sync"
	"time"
)

// Store holds the active configuration and notifies observers when a new
// configuration replaces it.
type Store struct {
	mu  sync.RWMutex
	cfg Config

	obsMu     sync.Mutex
	onChange  []func(old, cur Config)
	autoLogin []func(id string)
}

// NewStore returns a Store holding the sanitized cfg.
func NewStore(cfg Config) *Store {
	return &Store{cfg: Sanitize(cfg)}
}

// Get returns a copy of the active configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Timeout returns the active loader timeout.
func (s *Store) Timeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Timeout
}

// AutoLogin returns the active auto-login project id.
func (s *Store) AutoLogin() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AutoLogin
}

// Set replaces the active configuration and runs the observers whose
// watched values changed. Observers run on the caller's goroutine after the
// new configuration is visible.
func (s *Store) Set(cfg Config) {
	cfg = Sanitize(cfg)

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	s.obsMu.Lock()
	onChange := slices.Clone(s.onChange)
	autoLogin := slices.Clone(s.autoLogin)
	s.obsMu.Unlock()

	for _, fn := range onChange {
		fn(old.Clone(), cfg.Clone())
	}
	if old.AutoLogin != cfg.AutoLogin {
		for _, fn := range autoLogin {
			fn(cfg.AutoLogin)
		}
	}
}

// OnChange registers fn to run after every Set.
func (s *Store) OnChange(fn func(old, cur Config)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// OnAutoLogin registers fn to run when the auto-login project changes.
func (s *Store) OnAutoLogin(fn func(id string)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.autoLogin = append(s.autoLogin, fn)
}
