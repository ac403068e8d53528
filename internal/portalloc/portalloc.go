// Package portalloc allocates loopback TCP ports to instances whose
// ServiceSpec requests TCP addressing instead of a Unix socket (spec §3,
// supplemented by original_source/tenement/src/port_allocator.rs, which
// the distilled spec leaves unspecified).
package portalloc

import (
	"fmt"
	"sync"
)

const (
	defaultMin = 30000
	defaultMax = 40000
)

// Allocator hands out free ports from [min,max] round-robin, scanning
// onward from the port after the last one handed out, and accepts them
// back on release.
type Allocator struct {
	mu        sync.Mutex
	min, max  uint16
	allocated map[uint16]struct{}
	next      uint16
}

func New() *Allocator {
	return NewRange(defaultMin, defaultMax)
}

func NewRange(min, max uint16) *Allocator {
	return &Allocator{
		min:       min,
		max:       max,
		allocated: make(map[uint16]struct{}),
		next:      min,
	}
}

// Allocate returns a free port, or an error if the range is exhausted.
func (a *Allocator) Allocate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.next
	current := start
	for {
		if _, taken := a.allocated[current]; !taken {
			a.allocated[current] = struct{}{}
			if current == a.max {
				a.next = a.min
			} else {
				a.next = current + 1
			}
			return current, nil
		}
		if current == a.max {
			current = a.min
		} else {
			current++
		}
		if current == start {
			return 0, fmt.Errorf("portalloc: no free ports in range %d-%d (%d allocated)", a.min, a.max, len(a.allocated))
		}
	}
}

// Release returns port to the pool.
func (a *Allocator) Release(port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

// InUse reports whether port is currently allocated, for tests.
func (a *Allocator) InUse(port uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocated[port]
	return ok
}
