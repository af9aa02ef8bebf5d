package clientdb

import (
	"sync"

	"chaindb/block"
)

// leaseRegistry counts live interest in block roots. A fork candidate
// is only prunable while its root has no registered leases: neither a
// child block pinning its parent nor an external holder of its header.
type leaseRegistry struct {
	mu   sync.Mutex
	pins map[block.Root]int
}

func newLeaseRegistry() *leaseRegistry {
	return &leaseRegistry{pins: make(map[block.Root]int)}
}

func (r *leaseRegistry) pinned(root block.Root) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pins[root] > 0
}

func (r *leaseRegistry) unpin(root block.Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.pins[root]; n > 1 {
		r.pins[root] = n - 1
	} else {
		delete(r.pins, root)
	}
}

// lease pins the header's root until the returned lease is released.
func (r *leaseRegistry) lease(h *block.Header) *HeaderLease {
	root := h.Root()
	r.mu.Lock()
	r.pins[root]++
	r.mu.Unlock()
	return &HeaderLease{header: h, reg: r}
}

// HeaderLease hands out a header while keeping its block alive in the
// fork forest. Holders must call Release once done; an unreleased lease
// keeps the block exempt from pruning indefinitely.
type HeaderLease struct {
	header  *block.Header
	reg     *leaseRegistry
	release sync.Once
}

// Header returns the leased header.
func (l *HeaderLease) Header() *block.Header {
	return l.header
}

// Release drops the pin. Safe to call more than once.
func (l *HeaderLease) Release() {
	l.release.Do(func() {
		l.reg.unpin(l.header.Root())
	})
}
