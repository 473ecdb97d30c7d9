// Package project holds live tenants and the cache that creates them.
package project

import (
	"maps"
	"sync"

	"github.com/Tyrowin/gosession/internal/loader"
)

// Conn is a connection that can be attached to a project.
type Conn interface {
	// Send queues msg for delivery and reports whether it was accepted.
	Send(msg []byte) bool
}

// Project is a live tenant: an id, its settings, and the connections that
// authenticated against it.
type Project struct {
	id string

	mu    sync.RWMutex
	conns map[Conn]struct{}
	order []Conn

	// credMu guards settings. Credential migration is the only mutation.
	credMu   sync.Mutex
	settings loader.Settings
}

// New returns a Project for id holding settings.
func New(id string, settings loader.Settings) *Project {
	if settings == nil {
		settings = loader.Settings{}
	}
	return &Project{
		id:       id,
		conns:    make(map[Conn]struct{}),
		settings: settings,
	}
}

// ID returns the project identifier.
func (p *Project) ID() string { return p.id }

// Settings returns a shallow copy of the current settings.
func (p *Project) Settings() loader.Settings {
	p.credMu.Lock()
	defer p.credMu.Unlock()
	return maps.Clone(p.settings)
}

// Attach adds c to the project. Attaching twice has no effect.
func (p *Project) Attach(c Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[c]; ok {
		return
	}
	p.conns[c] = struct{}{}
	p.order = append(p.order, c)
}

// Detach removes c and reports whether it was attached.
func (p *Project) Detach(c Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[c]; !ok {
		return false
	}
	delete(p.conns, c)
	for i, o := range p.order {
		if o == c {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// Peers returns a snapshot of the attached connections other than except,
// in attach order.
func (p *Project) Peers(except Conn) []Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	peers := make([]Conn, 0, len(p.order))
	for _, c := range p.order {
		if c != except {
			peers = append(peers, c)
		}
	}
	return peers
}

// Len returns the number of attached connections.
func (p *Project) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
