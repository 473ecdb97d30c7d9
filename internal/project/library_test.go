package project

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gosession/internal/adapter"
	"github.com/Tyrowin/gosession/internal/config"
	"github.com/Tyrowin/gosession/internal/loader"
	"github.com/Tyrowin/gosession/internal/logging"
)

func newLibrary(t *testing.T, backend any) *Library {
	t.Helper()
	l, err := loader.New(backend, loader.Options{
		Timeout: func() time.Duration { return 100 * time.Millisecond },
		Log:     logging.Discard(),
	})
	require.NoError(t, err)
	return NewLibrary(l, config.Default, logging.Discard())
}

func TestLibrary_ResolveCaches(t *testing.T) {
	var calls atomic.Int32
	lib := newLibrary(t, loader.Funcs{
		LoadProj: func(id string, _ json.RawMessage, _ config.Config, _ adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
			calls.Add(1)
			return loader.Settings{"id": id}, false, nil
		},
	})

	p1, err := lib.Resolve(context.Background(), "demo", nil)
	require.NoError(t, err)
	require.NotNil(t, p1)
	p2, err := lib.Resolve(context.Background(), "demo", nil)
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"demo"}, lib.IDs())
}

func TestLibrary_ConcurrentFirstLoad(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	lib := newLibrary(t, loader.Funcs{
		LoadProj: func(_ string, _ json.RawMessage, _ config.Config, done adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
			calls.Add(1)
			go func() {
				<-release
				done(loader.Settings{}, nil)
			}()
			return nil, true, nil
		},
	})

	const n = 10
	got := make([]*Project, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := lib.Resolve(context.Background(), "demo", nil)
			assert.NoError(t, err)
			got[i] = p
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, p := range got {
		assert.Same(t, got[0], p)
	}
}

func TestLibrary_DoubleCompletionConstructsOnce(t *testing.T) {
	lib := newLibrary(t, loader.Funcs{
		LoadProj: func(_ string, _ json.RawMessage, _ config.Config, done adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
			done(loader.Settings{"n": 1.0}, nil)
			done(loader.Settings{"n": 2.0}, nil)
			return loader.Settings{"n": 3.0}, false, nil
		},
	})

	p, err := lib.Resolve(context.Background(), "demo", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Settings()["n"])
	assert.Equal(t, 1, lib.Len())
}

func TestLibrary_MissingProject(t *testing.T) {
	lib := newLibrary(t, loader.Funcs{
		LoadProj: func(string, json.RawMessage, config.Config, adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
			return nil, false, nil
		},
	})

	p, err := lib.Resolve(context.Background(), "ghost", nil)
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.Zero(t, lib.Len())
}

func TestLibrary_LoadErrorsClassified(t *testing.T) {
	tests := []struct {
		name string
		load loader.LoadFunc
		want adapter.Kind
	}{
		{
			name: "backend error",
			load: func(string, json.RawMessage, config.Config, adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
				return nil, false, errors.New("disk on fire")
			},
			want: adapter.KindBackend,
		},
		{
			name: "panic",
			load: func(string, json.RawMessage, config.Config, adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
				panic("boom")
			},
			want: adapter.KindPanic,
		},
		{
			name: "timeout",
			load: func(string, json.RawMessage, config.Config, adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
				return nil, true, nil
			},
			want: adapter.KindTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := newLibrary(t, loader.Funcs{LoadProj: tt.load})

			p, err := lib.Resolve(context.Background(), "demo", nil)
			assert.Nil(t, p)

			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, "demo", le.ID)
			assert.Equal(t, tt.want, le.Kind)
			assert.Zero(t, lib.Len())
		})
	}
}

func TestLibrary_InitPassedThrough(t *testing.T) {
	lib := newLibrary(t, loader.Funcs{
		LoadProj: func(_ string, init json.RawMessage, _ config.Config, _ adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
			var s loader.Settings
			if err := json.Unmarshal(init, &s); err != nil {
				return nil, false, err
			}
			return s, false, nil
		},
	})

	p, err := lib.Resolve(context.Background(), "demo", json.RawMessage(`{"owner":"ada"}`))
	require.NoError(t, err)
	assert.Equal(t, "ada", p.Settings()["owner"])
}

func TestLibrary_Preload(t *testing.T) {
	lib := newLibrary(t, loader.Funcs{
		LoadProj: func(id string, _ json.RawMessage, _ config.Config, _ adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
			if id == "broken" {
				return nil, false, errors.New("corrupt")
			}
			return loader.Settings{}, false, nil
		},
		GetProjs: func(_ config.Config, done adapter.Done[[]string]) ([]string, bool, error) {
			go done([]string{"b", "a", "broken", ""}, nil)
			return nil, true, nil
		},
	})

	ids, err := lib.Preload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestLibrary_PreloadWithoutLister(t *testing.T) {
	lib := newLibrary(t, loader.Funcs{
		LoadProj: func(string, json.RawMessage, config.Config, adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
			return loader.Settings{}, false, nil
		},
	})

	ids, err := lib.Preload(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLibrary_PreloadListError(t *testing.T) {
	lib := newLibrary(t, loader.Funcs{
		LoadProj: func(string, json.RawMessage, config.Config, adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
			return loader.Settings{}, false, nil
		},
		GetProjs: func(config.Config, adapter.Done[[]string]) ([]string, bool, error) {
			return nil, false, errors.New("no listing")
		},
	})

	_, err := lib.Preload(context.Background())
	assert.Error(t, err)
}
