package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/gosession/internal/adapter"
	"github.com/Tyrowin/gosession/internal/config"
	"github.com/Tyrowin/gosession/internal/loader"
	"github.com/Tyrowin/gosession/internal/protocol"
)

// preloadWorkers bounds concurrent loads during Preload.
const preloadWorkers = 8

// LoadError reports that the loader failed for a project. Kind is the
// adapter classification of the failure.
type LoadError struct {
	ID   string
	Kind adapter.Kind
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("unable to load project %s (%s): %v", e.ID, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Library maps project ids to live Projects and creates missing ones
// through the loader. At most one Project exists per id: concurrent first
// resolutions of an id share one backend load.
type Library struct {
	loader *loader.Loader
	config func() config.Config
	log    *slog.Logger

	mu       sync.RWMutex
	projects map[string]*Project

	inflight singleflight.Group
}

// NewLibrary returns an empty Library. cfg supplies the configuration
// passed to the backend on each load.
func NewLibrary(l *loader.Loader, cfg func() config.Config, log *slog.Logger) *Library {
	return &Library{
		loader:   l,
		config:   cfg,
		log:      log,
		projects: make(map[string]*Project),
	}
}

// Get returns the cached Project for id.
func (lib *Library) Get(id string) (*Project, bool) {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	p, ok := lib.projects[id]
	return p, ok
}

// Resolve returns the Project for id, loading it if it is not cached.
//
// A nil Project with a nil error means the backend has no such project. A
// backend failure is logged and returned as a *LoadError; nothing is
// cached in either case. When several callers resolve the same uncached id
// at once, the init payload of the first one is used.
func (lib *Library) Resolve(ctx context.Context, id string, init json.RawMessage) (*Project, error) {
	if p, ok := lib.Get(id); ok {
		return p, nil
	}

	ch := lib.inflight.DoChan(id, func() (any, error) {
		return lib.load(id, init)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		p, _ := res.Val.(*Project)
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (lib *Library) load(id string, init json.RawMessage) (*Project, error) {
	// A flight that finished between Get and DoChan already stored it.
	if p, ok := lib.Get(id); ok {
		return p, nil
	}

	type result struct {
		settings loader.Settings
		err      error
	}
	ch := make(chan result, 1)
	lib.loader.LoadProj(id, init, lib.config(), func(s loader.Settings, err error) {
		ch <- result{s, err}
	})
	res := <-ch

	if res.err != nil {
		kind := adapter.KindOf(res.err)
		switch kind {
		case adapter.KindTimeout:
			lib.log.Error("timed out getting project settings", "project", id, "err", res.err)
		case adapter.KindPanic:
			var pe *adapter.PanicError
			stack := ""
			if errors.As(res.err, &pe) {
				stack = string(pe.Stack)
			}
			lib.log.Error("loader panicked when trying to load project", "project", id, "err", res.err, "stack", stack)
		default:
			lib.log.Error("loader got an error when trying to load project", "project", id, "err", res.err)
		}
		return nil, &LoadError{ID: id, Kind: kind, Err: res.err}
	}
	if res.settings == nil {
		return nil, nil
	}

	p := New(id, res.settings)
	lib.mu.Lock()
	lib.projects[id] = p
	lib.mu.Unlock()
	return p, nil
}

// Preload resolves every project the backend lists and returns the ids now
// cached. Individual load failures are logged and skipped.
func (lib *Library) Preload(ctx context.Context) ([]string, error) {
	type result struct {
		ids []string
		err error
	}
	ch := make(chan result, 1)
	lib.loader.GetProjs(lib.config(), func(ids []string, err error) {
		ch <- result{ids, err}
	})

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if res.err != nil {
		switch adapter.KindOf(res.err) {
		case adapter.KindTimeout:
			lib.log.Error("timed out getting projects to preload", "err", res.err)
		default:
			lib.log.Error("loader got an error when listing projects", "err", res.err)
		}
		return nil, fmt.Errorf("preload: %w", res.err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadWorkers)
	for _, id := range res.ids {
		if !validID(id) {
			lib.log.Warn("skipping invalid project id from loader", "project", id)
			continue
		}
		g.Go(func() error {
			if _, err := lib.Resolve(gctx, id, nil); err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return lib.IDs(), err
	}
	return lib.IDs(), nil
}

// IDs returns the cached project ids in sorted order.
func (lib *Library) IDs() []string {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	ids := make([]string, 0, len(lib.projects))
	for id := range lib.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of cached projects.
func (lib *Library) Len() int {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return len(lib.projects)
}

func validID(id string) bool {
	n := utf8.RuneCountInString(id)
	return n > 0 && n <= protocol.MaxProjectIDLength
}
