// Package styx guards the river crossing between host and guest networking:
// it checks that the tap devices a microVM is told to use exist, and removes
// them when an instance is cleaned up.
package styx

import (
	"context"
	"errors"
	"sync"
)

// ErrUnsupported is returned on platforms without netlink.
var ErrUnsupported = errors.New("tap management is not supported on this platform")

// Links inspects and releases host tap devices. ns names the network
// namespace to look in; empty means the caller's namespace. A named
// namespace is resolved under /var/run/netns, an absolute path is used as is.
type Links interface {
	Exists(ctx context.Context, ns, name string) (bool, error)
	Release(ctx context.Context, ns, name string) error
}

// MemoryLinks is an in-memory Links for hosts without tap access.
type MemoryLinks struct {
	mu    sync.Mutex
	links map[string]bool
}

func NewMemoryLinks(names ...string) *MemoryLinks {
	m := &MemoryLinks{links: make(map[string]bool)}
	for _, n := range names {
		m.links[n] = true
	}
	return m
}

func (m *MemoryLinks) Add(ns, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[key(ns, name)] = true
}

func (m *MemoryLinks) Exists(_ context.Context, ns, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[key(ns, name)], nil
}

// Release removes name. Releasing a missing link is not an error.
func (m *MemoryLinks) Release(_ context.Context, ns, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, key(ns, name))
	return nil
}

func key(ns, name string) string {
	if ns == "" {
		return name
	}
	return ns + "/" + name
}
