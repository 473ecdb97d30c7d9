package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gosession/internal/config"
	"github.com/Tyrowin/gosession/internal/kdf"
	"github.com/Tyrowin/gosession/internal/loader"
	"github.com/Tyrowin/gosession/internal/project"
	"github.com/Tyrowin/gosession/internal/protocol"
)

// Options configures a Server.
type Options struct {
	Config *config.Store
	Loader *loader.Loader
	Log    *slog.Logger

	// Hasher defaults to bcrypt at the configured cost.
	Hasher kdf.Hasher
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
	// CoreHandler receives core payloads of authenticated clients. The
	// default logs and drops them.
	CoreHandler CoreHandler
	Hooks       Hooks
}

// Server owns the project library, the connected clients and the
// auto-login registry.
type Server struct {
	config   *config.Store
	loader   *loader.Loader
	library  *project.Library
	hub      *Hub
	hasher   kdf.Hasher
	resolver Resolver
	core     CoreHandler
	hooks    Hooks
	log      *slog.Logger

	origins  *originPolicy
	upgrader websocket.Upgrader

	nextID atomic.Uint64

	autoMu    sync.Mutex
	autoLogin map[*Client]struct{}
}

// New builds a Server and starts its hub.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config store is required")
	}
	if opts.Loader == nil {
		return nil, errors.New("server: loader is required")
	}

	cfg := opts.Config.Get()
	s := &Server{
		config:    opts.Config,
		loader:    opts.Loader,
		hasher:    opts.Hasher,
		resolver:  opts.Resolver,
		core:      opts.CoreHandler,
		hooks:     opts.Hooks,
		log:       opts.Log,
		autoLogin: make(map[*Client]struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.hasher == nil {
		s.hasher = kdf.NewBcrypt(cfg.BcryptCost)
	}
	if s.resolver == nil {
		s.resolver = net.DefaultResolver
	}
	if s.core == nil {
		s.core = func(c *Client, core map[string]json.RawMessage) {
			c.log.Debug("no handler for core payload", "keys", len(core))
		}
	}

	s.library = project.NewLibrary(opts.Loader, opts.Config.Get, s.log)
	s.hub = NewHub(s.log)
	s.origins = newOriginPolicy(cfg.AllowedOrigins, s.log)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}

	opts.Config.OnChange(func(_, cur config.Config) {
		s.origins.set(cur.AllowedOrigins)
	})
	opts.Config.OnAutoLogin(s.pushAutoReload)

	go s.hub.Run()
	s.log.Info("session server ready", "loader", opts.Loader.Name(), "capabilities", opts.Loader.Capabilities())
	return s, nil
}

// Library returns the project cache.
func (s *Server) Library() *project.Library { return s.library }

// Preload loads every project the backend lists.
func (s *Server) Preload(ctx context.Context) ([]string, error) {
	s.log.Info("pre-loading projects")
	ids, err := s.library.Preload(ctx)
	if err != nil {
		return ids, err
	}

	if len(ids) == 0 {
		s.log.Info("found no projects to preload")
	} else {
		s.log.Info("preloaded projects", "count", len(ids), "projects", ids)
	}
	if fn := s.hooks.OnPreload; fn != nil {
		fn(ids)
	}
	return ids, nil
}

// Connect accepts conn as a new client and starts its pumps. name, if not
// empty, is used as the display name in place of a reverse lookup.
func (s *Server) Connect(conn *websocket.Conn, remoteAddr, name string) *Client {
	c := newClient(s, conn, remoteAddr, name)
	if fn := s.hooks.OnConnect; fn != nil {
		fn(c)
	}
	if !s.hub.registerClient(c) {
		c.Close()
		if conn != nil {
			_ = conn.Close()
		}
	}
	return c
}

func (s *Server) addAutoLogin(c *Client) {
	s.autoMu.Lock()
	s.autoLogin[c] = struct{}{}
	s.autoMu.Unlock()
}

func (s *Server) removeAutoLogin(c *Client) {
	s.autoMu.Lock()
	delete(s.autoLogin, c)
	s.autoMu.Unlock()
}

// AutoLoginClients returns a snapshot of the clients that logged in
// through auto-login.
func (s *Server) AutoLoginClients() []*Client {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	clients := make([]*Client, 0, len(s.autoLogin))
	for c := range s.autoLogin {
		clients = append(clients, c)
	}
	return clients
}

// pushAutoReload tells every auto-login client to reload onto id.
func (s *Server) pushAutoReload(id string) {
	clients := s.AutoLoginClients()
	s.log.Info("updating all clients using autoLogin to new ID", "project", id, "clients", len(clients))

	msg := protocol.AutoReload(id)
	for _, c := range clients {
		if !c.Send(msg) {
			c.log.Warn("unable to send autoReload")
		}
	}
}

// Shutdown closes every client and waits up to timeout for their pumps.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.log.Info("session server is shutting down")
	return s.hub.Shutdown(timeout)
}
