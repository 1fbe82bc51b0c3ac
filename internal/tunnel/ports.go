package tunnel

import "sync"

// Allocator hands out remote ports from the half-open range [base, max).
// Free and used ports always partition the range. It is concurrency-safe.
//
// Port lifecycle:
//   - Allocate reserves the lowest free port for a new tunnel.
//   - Release returns a port to the free set when the tunnel closes.
type Allocator struct {
	mu   sync.Mutex
	base int
	max  int
	used map[int]bool
}

// NewAllocator creates an Allocator covering [base, max).
func NewAllocator(base, max int) *Allocator {
	return &Allocator{
		base: base,
		max:  max,
		used: make(map[int]bool),
	}
}

// Allocate reserves and returns the lowest free port in the range.
// Returns (0, false) when every port is in use.
func (a *Allocator) Allocate() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.base; port < a.max; port++ {
		if !a.used[port] {
			a.used[port] = true
			return port, true
		}
	}
	return 0, false
}

// Release returns port to the free set. It is idempotent: releasing a port
// that is already free, or one outside the range, is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.base || port >= a.max {
		return
	}
	delete(a.used, port)
}

// InUse reports whether port is currently allocated.
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[port]
}

// UsedCount returns the number of allocated ports.
func (a *Allocator) UsedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// FreeCount returns the number of ports still available.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max - a.base - len(a.used)
}
