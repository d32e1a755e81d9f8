package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrIncompatibleSettings reports a global pool acquisition whose size or
// idle timeout differs from the existing entry under the same key.
var ErrIncompatibleSettings = errors.New("session: incompatible pool settings for shared key")

type (
	// Registry shares keyed worker pools with reference counting. Handles
	// acquired under the same key must carry identical (size, idleTimeout)
	// settings; the final handle release shuts the pool down.
	Registry struct {
		mu      sync.Mutex
		entries map[string]*entry
	}

	// Handle is one reference to a shared pool. Release is idempotent.
	Handle struct {
		r    *Registry
		key  string
		pool *Pool

		mu       sync.Mutex
		released bool
	}

	entry struct {
		pool        *Pool
		size        int
		idleTimeout time.Duration
		refs        int
	}
)

// global is the process-wide registry behind Global. Tests construct their
// own Registry instead of stubbing this.
var global = NewRegistry()

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Global returns the process-wide registry.
func Global() *Registry { return global }

// Acquire returns a handle on the pool registered under key, creating it
// from factory on first use. Reuse requires matching size and idleTimeout;
// a mismatch fails with ErrIncompatibleSettings.
func (r *Registry) Acquire(key string, factory Factory, size int, idleTimeout time.Duration) (*Handle, error) {
	if size < 1 {
		size = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{
			pool:        NewPool(factory, size, idleTimeout),
			size:        size,
			idleTimeout: idleTimeout,
		}
		r.entries[key] = e
	} else if e.size != size || e.idleTimeout != idleTimeout {
		return nil, fmt.Errorf("%w: key %q has size=%d idleTimeout=%s, requested size=%d idleTimeout=%s",
			ErrIncompatibleSettings, key, e.size, e.idleTimeout, size, idleTimeout)
	}
	e.refs++
	return &Handle{r: r, key: key, pool: e.pool}, nil
}

// Pool returns the shared pool behind the handle.
func (h *Handle) Pool() *Pool { return h.pool }

// Release drops this reference. The final release shuts the shared pool
// down. Idempotent.
func (h *Handle) Release(ctx context.Context) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	h.r.mu.Lock()
	e, ok := h.r.entries[h.key]
	var last bool
	if ok {
		e.refs--
		if e.refs <= 0 {
			delete(h.r.entries, h.key)
			last = true
		}
	}
	h.r.mu.Unlock()

	if last {
		h.pool.Shutdown(ctx)
	}
}
