// Package fsstore is the default project backend. A project exists when
// <ProjectsDir>/<id>/ is a directory; its settings live in the optional
// file <ProjectsDir>/<id>.json (missing or empty means no settings).
package fsstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Tyrowin/gosession/internal/adapter"
	"github.com/Tyrowin/gosession/internal/config"
	"github.com/Tyrowin/gosession/internal/loader"
)

// Store reads project settings from the filesystem. All operations
// complete synchronously.
type Store struct {
	log *slog.Logger
}

var (
	_ loader.ProjectLoader = (*Store)(nil)
	_ loader.ProjectLister = (*Store)(nil)
)

// New returns a filesystem Store.
func New(log *slog.Logger) *Store {
	return &Store{log: log}
}

// Name identifies the backend in logs.
func (s *Store) Name() string { return config.LoaderFS }

// GetProjs lists the project directories. A missing projects directory is
// created and reported as "nothing to preload".
func (s *Store) GetProjs(cfg config.Config, _ adapter.Done[[]string]) ([]string, bool, error) {
	dir, err := filepath.Abs(cfg.ProjectsDir)
	if err != nil {
		s.log.Error("unable to use projects directory", "dir", cfg.ProjectsDir, "err", err)
		return nil, false, nil
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("unable to find projects directory, creating a new one", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.log.Error("unable to create projects directory", "dir", dir, "err", err)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read projects directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, false, nil
}

// LoadProj reads the settings of project id. init is not used by this
// backend.
func (s *Store) LoadProj(id string, _ json.RawMessage, cfg config.Config, _ adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
	if !safeID(id) {
		s.log.Warn("refusing project id that is not a plain file name", "project", id)
		return nil, false, nil
	}

	base := filepath.Join(cfg.ProjectsDir, id)
	info, err := os.Stat(base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stat project %s: %w", id, err)
	}
	if !info.IsDir() {
		return nil, false, nil
	}

	content, err := os.ReadFile(base + ".json")
	if errors.Is(err, fs.ErrNotExist) {
		return loader.Settings{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read settings of %s: %w", id, err)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return loader.Settings{}, false, nil
	}

	var settings loader.Settings
	if err := json.Unmarshal(content, &settings); err != nil {
		return nil, false, fmt.Errorf("parse settings of %s: %w", id, err)
	}
	if settings == nil {
		return nil, false, fmt.Errorf("settings of %s need to be a JSON object", id)
	}
	return settings, false, nil
}

// safeID rejects ids that would escape the projects directory.
func safeID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}
