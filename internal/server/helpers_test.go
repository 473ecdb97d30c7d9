package server

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tyrowin/gosession/internal/adapter"
	"github.com/Tyrowin/gosession/internal/config"
	"github.com/Tyrowin/gosession/internal/kdf"
	"github.com/Tyrowin/gosession/internal/loader"
	"github.com/Tyrowin/gosession/internal/logging"
)

// memBackend is an in-memory loader backend.
type memBackend struct {
	mu       sync.Mutex
	projects map[string]loader.Settings
	loads    atomic.Int32
	// hang makes LoadProj promise a completion it never delivers.
	hang bool
}

func newMemBackend(projects map[string]loader.Settings) *memBackend {
	return &memBackend{projects: projects}
}

func (b *memBackend) LoadProj(id string, _ json.RawMessage, _ config.Config, _ adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
	b.loads.Add(1)
	if b.hang {
		return nil, true, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.projects[id]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(s), false, nil
}

func (b *memBackend) GetProjs(_ config.Config, _ adapter.Done[[]string]) ([]string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.projects))
	for id := range b.projects {
		ids = append(ids, id)
	}
	return ids, false, nil
}

// gateHasher is a plain-text Hasher whose Verify can be held back.
type gateHasher struct {
	block atomic.Bool
	gate  chan struct{}
}

func newGateHasher() *gateHasher {
	return &gateHasher{gate: make(chan struct{})}
}

func (h *gateHasher) Hash(pwd string) (string, error) {
	if pwd == "" {
		return "", errors.New("empty password")
	}
	return "h:" + pwd, nil
}

func (h *gateHasher) Verify(pwd, verifier string) (bool, error) {
	if h.block.Load() {
		<-h.gate
	}
	return verifier == "h:"+pwd, nil
}

type stubResolver map[string][]string

func (r stubResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	if names, ok := r[addr]; ok {
		return names, nil
	}
	return nil, errors.New("no such host")
}

type testServerOptions struct {
	configure func(cfg *config.Config)
	hasher    kdf.Hasher
	core      CoreHandler
	hooks     Hooks
}

func newTestServer(t *testing.T, backend any, opts testServerOptions) (*Server, *config.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.AllowedOrigins = []string{"*"}
	cfg.Timeout = 200 * time.Millisecond
	if opts.configure != nil {
		opts.configure(&cfg)
	}
	store := config.NewStore(cfg)

	l, err := loader.New(backend, loader.Options{Timeout: store.Timeout, Log: logging.Discard()})
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	hasher := opts.hasher
	if hasher == nil {
		hasher = kdf.NewBcrypt(4)
	}
	s, err := New(Options{
		Config:      store,
		Loader:      l,
		Log:         logging.Discard(),
		Hasher:      hasher,
		Resolver:    stubResolver{},
		CoreHandler: opts.core,
		Hooks:       opts.hooks,
	})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Shutdown(2 * time.Second); err != nil {
			t.Errorf("Server shutdown failed: %v", err)
		}
	})
	return s, store
}

// connect creates a client without a socket; its output is read from the
// send channel.
func connect(s *Server) *Client {
	return s.Connect(nil, "127.0.0.1:40000", "")
}

func recv(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-c.GetSendChan():
		if !ok {
			t.Fatalf("Send channel of client #%d closed, expected a message", c.ID())
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for a message to client #%d", c.ID())
		return nil
	}
}

func expectClosed(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg, ok := <-c.GetSendChan():
		if ok {
			t.Fatalf("Expected send channel to be closed, got message %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for client #%d to close", c.ID())
	}
}

func expectNothing(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()
	select {
	case msg, ok := <-c.GetSendChan():
		if ok {
			t.Fatalf("Expected no message for client #%d, got %s", c.ID(), msg)
		}
	case <-time.After(wait):
	}
}

// coreBody decodes msg and returns the object under _core.
func coreBody(t *testing.T, msg []byte) map[string]any {
	t.Helper()
	var env map[string]map[string]any
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("Failed to decode %s: %v", msg, err)
	}
	core, ok := env["_core"]
	if !ok {
		t.Fatalf("Message %s has no _core object", msg)
	}
	return core
}

func field(t *testing.T, core map[string]any, key string) map[string]any {
	t.Helper()
	v, ok := core[key].(map[string]any)
	if !ok {
		t.Fatalf("Expected %q object in %v", key, core)
	}
	return v
}

func code(t *testing.T, body map[string]any) int {
	t.Helper()
	n, ok := body["code"].(float64)
	if !ok {
		t.Fatalf("Expected numeric code in %v", body)
	}
	return int(n)
}

// authenticate logs c into id and returns the authed body.
func authenticate(t *testing.T, c *Client, id, pwd string) map[string]any {
	t.Helper()
	req := map[string]any{"id": id}
	if pwd != "" {
		req["pwd"] = pwd
	}
	raw, err := json.Marshal(map[string]any{"_core": req})
	if err != nil {
		t.Fatalf("Failed to marshal auth request: %v", err)
	}
	c.HandleFrame(raw)
	return field(t, coreBody(t, recv(t, c)), "authed")
}

func expectAuthErr(t *testing.T, c *Client, want int) map[string]any {
	t.Helper()
	body := field(t, coreBody(t, recv(t, c)), "authErr")
	if got := code(t, body); got != want {
		t.Fatalf("Expected authErr code %d, got %d (%v)", want, got, body)
	}
	expectClosed(t, c)
	return body
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func longID(n int) string {
	return strings.Repeat("é", n)
}
