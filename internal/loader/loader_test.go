package loader

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gosession/internal/adapter"
	"github.com/Tyrowin/gosession/internal/config"
	"github.com/Tyrowin/gosession/internal/logging"
)

type methodBackend struct {
	settings Settings
}

func (b *methodBackend) LoadProj(id string, _ json.RawMessage, _ config.Config, _ adapter.Done[Settings]) (Settings, bool, error) {
	if id == "missing" {
		return nil, false, nil
	}
	return b.settings, false, nil
}

func (b *methodBackend) GetProjs(_ config.Config, done adapter.Done[[]string]) ([]string, bool, error) {
	go done([]string{"a", "b"}, nil)
	return nil, true, nil
}

type loadOnly struct{}

func (loadOnly) LoadProj(string, json.RawMessage, config.Config, adapter.Done[Settings]) (Settings, bool, error) {
	return Settings{}, false, nil
}

type wrongShape struct{}

func (wrongShape) LoadProj(id string) Settings { return nil }
func (wrongShape) GetProjs() []string          { return nil }

func opts() Options {
	return Options{
		Timeout: func() time.Duration { return 100 * time.Millisecond },
		Log:     logging.Discard(),
	}
}

type result[T any] struct {
	value T
	err   error
}

func await[T any](t *testing.T, call func(adapter.Done[T])) result[T] {
	t.Helper()
	ch := make(chan result[T], 1)
	call(func(v T, err error) { ch <- result[T]{v, err} })
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("loader never completed")
		return result[T]{}
	}
}

func TestNew_MethodBackend(t *testing.T) {
	l, err := New(&methodBackend{settings: Settings{"k": "v"}}, opts())
	require.NoError(t, err)
	assert.Equal(t, []string{"LoadProj", "GetProjs"}, l.Capabilities())

	r := await(t, func(d adapter.Done[Settings]) { l.LoadProj("demo", nil, config.Default(), d) })
	require.NoError(t, r.err)
	assert.Equal(t, "v", r.value["k"])

	r = await(t, func(d adapter.Done[Settings]) { l.LoadProj("missing", nil, config.Default(), d) })
	require.NoError(t, r.err)
	assert.Nil(t, r.value)

	list := await(t, func(d adapter.Done[[]string]) { l.GetProjs(config.Default(), d) })
	require.NoError(t, list.err)
	assert.Equal(t, []string{"a", "b"}, list.value)
}

func TestNew_OptionalCapabilityDefaultsToEmptyList(t *testing.T) {
	l, err := New(loadOnly{}, opts())
	require.NoError(t, err)
	assert.Equal(t, []string{"LoadProj"}, l.Capabilities())

	list := await(t, func(d adapter.Done[[]string]) { l.GetProjs(config.Default(), d) })
	require.NoError(t, list.err)
	assert.NotNil(t, list.value)
	assert.Empty(t, list.value)
}

func TestNew_FuncsBackend(t *testing.T) {
	l, err := New(Funcs{
		LoadProj: func(id string, _ json.RawMessage, _ config.Config, _ adapter.Done[Settings]) (Settings, bool, error) {
			return Settings{"id": id}, false, nil
		},
	}, opts())
	require.NoError(t, err)

	r := await(t, func(d adapter.Done[Settings]) { l.LoadProj("x", nil, config.Default(), d) })
	assert.Equal(t, "x", r.value["id"])
}

func TestNew_ReportsEveryProblem(t *testing.T) {
	_, err := New(wrongShape{}, opts())

	var ce *CapabilityError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Problems, 2)
	assert.True(t, errors.Is(err, ErrInvalidCapability))
	assert.Contains(t, err.Error(), "LoadProj")
	assert.Contains(t, err.Error(), "GetProjs")
}

func TestNew_MissingRequired(t *testing.T) {
	_, err := New(Funcs{}, opts())
	assert.ErrorIs(t, err, ErrMissingCapability)

	_, err = New(nil, opts())
	assert.ErrorIs(t, err, ErrMissingCapability)

	_, err = New(struct{ LoadProj string }{"nope"}, opts())
	assert.ErrorIs(t, err, ErrInvalidCapability)
}

func TestLoadProj_TimeoutAndPanic(t *testing.T) {
	l, err := New(Funcs{
		LoadProj: func(id string, _ json.RawMessage, _ config.Config, _ adapter.Done[Settings]) (Settings, bool, error) {
			if id == "boom" {
				panic("backend bug")
			}
			return nil, true, nil
		},
	}, opts())
	require.NoError(t, err)

	r := await(t, func(d adapter.Done[Settings]) { l.LoadProj("slow", nil, config.Default(), d) })
	assert.ErrorIs(t, r.err, adapter.ErrTimeout)

	r = await(t, func(d adapter.Done[Settings]) { l.LoadProj("boom", nil, config.Default(), d) })
	assert.Equal(t, adapter.KindPanic, adapter.KindOf(r.err))
}
