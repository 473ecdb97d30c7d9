// Package loader binds a pluggable project backend to the server.
//
// A backend is any value offering the capabilities in the descriptor table
// below, either as methods or as exported func-typed struct fields. The
// table is checked once by New; every call is then routed through the
// adapter so that the rest of the server sees one exactly-once,
// timeout-bounded completion regardless of how the backend behaves.
package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/Tyrowin/gosession/internal/adapter"
	"github.com/Tyrowin/gosession/internal/config"
)

// Settings is the backend-opaque settings object of a project.
type Settings map[string]any

// LoadFunc loads or creates the settings of project id. Nil settings with
// a nil error mean the project does not exist.
type LoadFunc = func(id string, init json.RawMessage, cfg config.Config, done adapter.Done[Settings]) (Settings, bool, error)

// ListFunc enumerates the ids of existing projects for preloading.
type ListFunc = func(cfg config.Config, done adapter.Done[[]string]) ([]string, bool, error)

// ProjectLoader is the required capability.
type ProjectLoader interface {
	LoadProj(id string, init json.RawMessage, cfg config.Config, done adapter.Done[Settings]) (Settings, bool, error)
}

// ProjectLister is the optional capability.
type ProjectLister interface {
	GetProjs(cfg config.Config, done adapter.Done[[]string]) ([]string, bool, error)
}

// Funcs is a backend assembled from plain functions. A nil field is an
// absent capability.
type Funcs struct {
	LoadProj LoadFunc
	GetProjs ListFunc
}

type capability struct {
	name     string
	required bool
	typ      reflect.Type
}

var capabilities = []capability{
	{name: "LoadProj", required: true, typ: reflect.TypeOf(LoadFunc(nil))},
	{name: "GetProjs", required: false, typ: reflect.TypeOf(ListFunc(nil))},
}

// CapabilityError lists every problem found while validating a backend.
type CapabilityError struct {
	Backend  string
	Problems []error
}

func (e *CapabilityError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("invalid loader backend %s:\n\t%s", e.Backend, strings.Join(msgs, "\n\t"))
}

func (e *CapabilityError) Unwrap() []error { return e.Problems }

var (
	// ErrMissingCapability marks a required capability that is absent.
	ErrMissingCapability = errors.New("missing capability")
	// ErrInvalidCapability marks a capability with the wrong shape.
	ErrInvalidCapability = errors.New("invalid capability")
)

// Options configures a Loader.
type Options struct {
	// Timeout returns the current bound for backend calls. It is read on
	// every call so configuration reloads apply.
	Timeout func() time.Duration
	Log     *slog.Logger
}

// Loader is a validated backend.
type Loader struct {
	name    string
	load    LoadFunc
	list    ListFunc
	bound   []string
	timeout func() time.Duration
	log     *slog.Logger
}

// New validates backend against the capability table and returns a Loader.
func New(backend any, opts Options) (*Loader, error) {
	name := backendName(backend)
	if backend == nil {
		return nil, &CapabilityError{Backend: name, Problems: []error{fmt.Errorf("%w: backend is nil", ErrMissingCapability)}}
	}

	found := make(map[string]reflect.Value, len(capabilities))
	var problems []error
	for _, c := range capabilities {
		fn, ok, err := lookup(backend, c)
		switch {
		case err != nil:
			problems = append(problems, err)
		case ok:
			found[c.name] = fn
		case c.required:
			problems = append(problems, fmt.Errorf("%w: %q is required", ErrMissingCapability, c.name))
		}
	}
	if len(problems) > 0 {
		return nil, &CapabilityError{Backend: name, Problems: problems}
	}

	l := &Loader{
		name:    name,
		timeout: opts.Timeout,
		log:     opts.Log,
	}
	if l.timeout == nil {
		l.timeout = func() time.Duration { return adapter.DefaultTimeout }
	}
	if l.log == nil {
		l.log = slog.Default()
	}

	l.load = found["LoadProj"].Interface().(LoadFunc)
	l.bound = append(l.bound, "LoadProj")
	if fn, ok := found["GetProjs"]; ok {
		l.list = fn.Interface().(ListFunc)
		l.bound = append(l.bound, "GetProjs")
	} else {
		l.list = func(config.Config, adapter.Done[[]string]) ([]string, bool, error) {
			return []string{}, false, nil
		}
	}
	return l, nil
}

// lookup finds capability c on backend as a method or a func field.
func lookup(backend any, c capability) (reflect.Value, bool, error) {
	v := reflect.ValueOf(backend)

	if m := v.MethodByName(c.name); m.IsValid() {
		if m.Type() != c.typ {
			return reflect.Value{}, false, fmt.Errorf("%w: method %q has type %s, want %s", ErrInvalidCapability, c.name, m.Type(), c.typ)
		}
		return m, true, nil
	}

	sv := reflect.Indirect(v)
	if sv.Kind() != reflect.Struct {
		return reflect.Value{}, false, nil
	}
	f := sv.FieldByName(c.name)
	if !f.IsValid() || !f.CanInterface() {
		return reflect.Value{}, false, nil
	}
	if f.Kind() != reflect.Func {
		return reflect.Value{}, false, fmt.Errorf("%w: %q has to be a function, got %s", ErrInvalidCapability, c.name, f.Type())
	}
	if f.IsNil() {
		return reflect.Value{}, false, nil
	}
	if f.Type() != c.typ {
		return reflect.Value{}, false, fmt.Errorf("%w: %q has type %s, want %s", ErrInvalidCapability, c.name, f.Type(), c.typ)
	}
	return f, true, nil
}

func backendName(backend any) string {
	if n, ok := backend.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", backend)
}

// Name identifies the backend.
func (l *Loader) Name() string { return l.name }

// Capabilities lists the capabilities the backend provides.
func (l *Loader) Capabilities() []string {
	return append([]string(nil), l.bound...)
}

// LoadProj loads or creates the settings of project id. done runs exactly
// once; a nil Settings with a nil error means there is no such project.
func (l *Loader) LoadProj(id string, init json.RawMessage, cfg config.Config, done adapter.Done[Settings]) {
	opts := adapter.Options{
		Name:    "LoadProj",
		Timeout: l.timeout(),
		OnBlocked: func(err error) {
			l.log.Error("settings have already been received", "project", id, "loader", l.name, "err", err)
		},
	}
	adapter.Call(opts, func(d adapter.Done[Settings]) (Settings, bool, error) {
		return l.load(id, init, cfg.Clone(), d)
	}, done)
}

// GetProjs enumerates the projects to preload. done runs exactly once.
func (l *Loader) GetProjs(cfg config.Config, done adapter.Done[[]string]) {
	opts := adapter.Options{
		Name:    "GetProjs",
		Timeout: l.timeout(),
		OnBlocked: func(err error) {
			l.log.Error("list of projects to preload has already been received", "loader", l.name, "err", err)
		},
	}
	adapter.Call(opts, func(d adapter.Done[[]string]) ([]string, bool, error) {
		return l.list(cfg.Clone(), d)
	}, done)
}
