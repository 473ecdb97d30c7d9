package boltstore

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gosession/internal/config"
	"github.com/Tyrowin/gosession/internal/loader"
	"github.com/Tyrowin/gosession/internal/logging"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "projects.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newLoader(t *testing.T, s *Store) *loader.Loader {
	t.Helper()
	l, err := loader.New(s, loader.Options{
		Timeout: func() time.Duration { return time.Second },
		Log:     logging.Discard(),
	})
	require.NoError(t, err)
	return l
}

func load(t *testing.T, l *loader.Loader, id string, init json.RawMessage) (loader.Settings, error) {
	t.Helper()
	type res struct {
		s   loader.Settings
		err error
	}
	ch := make(chan res, 1)
	l.LoadProj(id, init, config.Default(), func(s loader.Settings, err error) { ch <- res{s, err} })
	select {
	case r := <-ch:
		return r.s, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("load never completed")
		return nil, nil
	}
}

func TestStore_PutAndLoad(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Put("demo", loader.Settings{"hash": true, "meta": map[string]any{"title": "Demo"}}))

	settings, err := load(t, newLoader(t, s), "demo", nil)
	require.NoError(t, err)
	assert.Equal(t, true, settings["hash"])

	meta, ok := settings["meta"].(map[string]any)
	require.True(t, ok, "nested maps must decode with string keys")
	assert.Equal(t, "Demo", meta["title"])
}

func TestStore_UnknownWithoutInit(t *testing.T) {
	settings, err := load(t, newLoader(t, openStore(t)), "ghost", nil)
	require.NoError(t, err)
	assert.Nil(t, settings)
}

func TestStore_CreatesFromInit(t *testing.T) {
	s := openStore(t)
	l := newLoader(t, s)

	settings, err := load(t, l, "fresh", json.RawMessage(`{"owner":"ada"}`))
	require.NoError(t, err)
	assert.Equal(t, "ada", settings["owner"])

	again, err := load(t, l, "fresh", nil)
	require.NoError(t, err)
	assert.Equal(t, "ada", again["owner"])

	_, err = load(t, l, "bad", json.RawMessage(`[1]`))
	assert.Error(t, err)
}

func TestStore_GetProjs(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Put("b", loader.Settings{}))
	require.NoError(t, s.Put("a", loader.Settings{}))

	ch := make(chan []string, 1)
	newLoader(t, s).GetProjs(config.Default(), func(ids []string, err error) {
		assert.NoError(t, err)
		ch <- ids
	})

	select {
	case ids := <-ch:
		assert.Equal(t, []string{"a", "b"}, ids)
	case <-time.After(2 * time.Second):
		t.Fatal("list never completed")
	}
}
