package tunnel

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Tunnel status values. Transitions out of StatusActive are terminal and
// remove the record from the registry, so StatusClosed is never observable
// through registry reads.
const (
	StatusActive    = "active"
	StatusUnhealthy = "unhealthy"
	StatusClosed    = "closed"
)

// Errors returned by Registry.Create.
var (
	// ErrPortExhausted means the allocator has no free remote ports.
	ErrPortExhausted = errors.New("tunnel: no remote ports available")
	// ErrDuplicateProject means the (username, project) pair already has a
	// live tunnel.
	ErrDuplicateProject = errors.New("tunnel: project already has an active tunnel")
	// ErrLimitExceeded means the user reached the per-user tunnel cap.
	ErrLimitExceeded = errors.New("tunnel: per-user tunnel limit reached")
	// ErrForwardingRejected means the remote forwarding listener could not
	// be started.
	ErrForwardingRejected = errors.New("tunnel: remote forwarding rejected")
)

// SessionHandle is the registry's view of the SSH session that owns a
// tunnel. Closed is used by the health monitor as a liveness probe; Close
// tears the session down.
type SessionHandle interface {
	Closed() bool
	Close() error
}

// Conn is one live tunnel: the association between a creator's SSH session
// and the publicly reachable remote port forwarding into their local port.
type Conn struct {
	ID          string
	UserID      string
	Username    string
	ProjectName string
	LocalPort   int
	RemotePort  int
	Session     SessionHandle
	Listener    net.Listener
	CreatedAt   time.Time

	bytesTransferred atomic.Int64
	requestsCount    atomic.Int64

	mu             sync.Mutex
	viewers        map[string]struct{}
	status         string
	healthFailures int
}

func newConn(p CreateParams, sess SessionHandle, remotePort int, ln net.Listener) *Conn {
	return &Conn{
		ID:          p.TunnelID,
		UserID:      p.UserID,
		Username:    p.Username,
		ProjectName: p.ProjectName,
		LocalPort:   p.LocalPort,
		RemotePort:  remotePort,
		Session:     sess,
		Listener:    ln,
		CreatedAt:   time.Now().UTC(),
		viewers:     make(map[string]struct{}),
		status:      StatusActive,
	}
}

// Status returns the current lifecycle status.
func (c *Conn) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) setStatus(s string) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// addBytes records one proxied request delivering n bytes. Counters only
// ever grow for the lifetime of the tunnel.
func (c *Conn) addBytes(n int64) {
	c.bytesTransferred.Add(n)
	c.requestsCount.Add(1)
}

// BytesTransferred returns the total bytes delivered to viewers.
func (c *Conn) BytesTransferred() int64 { return c.bytesTransferred.Load() }

// RequestsCount returns the number of proxied requests.
func (c *Conn) RequestsCount() int64 { return c.requestsCount.Load() }

// ViewerCount returns the number of distinct viewers currently tracked.
func (c *Conn) ViewerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.viewers)
}

func (c *Conn) addViewer(id string) {
	c.mu.Lock()
	c.viewers[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) removeViewer(id string) {
	c.mu.Lock()
	delete(c.viewers, id)
	c.mu.Unlock()
}

// RecordHealthFailure increments the consecutive failure counter and
// returns the new value.
func (c *Conn) RecordHealthFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthFailures++
	return c.healthFailures
}

// ResetHealthFailures clears the failure counter after a passing probe.
// It reports whether the counter was non-zero (i.e. the tunnel recovered).
func (c *Conn) ResetHealthFailures() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	recovered := c.healthFailures > 0
	c.healthFailures = 0
	return recovered
}

// HealthFailures returns the consecutive failure count.
func (c *Conn) HealthFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthFailures
}

// Age returns how long the tunnel has been alive according to now.
func (c *Conn) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// Snapshot is a point-in-time copy of a tunnel's externally visible state.
type Snapshot struct {
	ID               string
	UserID           string
	Username         string
	ProjectName      string
	LocalPort        int
	RemotePort       int
	CreatedAt        time.Time
	Status           string
	ViewersCount     int
	BytesTransferred int64
	RequestsCount    int64
	HealthFailures   int
}

// Snapshot returns a consistent copy of the tunnel's counters and identity.
func (c *Conn) Snapshot() Snapshot {
	c.mu.Lock()
	viewers := len(c.viewers)
	status := c.status
	failures := c.healthFailures
	c.mu.Unlock()

	return Snapshot{
		ID:               c.ID,
		UserID:           c.UserID,
		Username:         c.Username,
		ProjectName:      c.ProjectName,
		LocalPort:        c.LocalPort,
		RemotePort:       c.RemotePort,
		CreatedAt:        c.CreatedAt,
		Status:           status,
		ViewersCount:     viewers,
		BytesTransferred: c.bytesTransferred.Load(),
		RequestsCount:    c.requestsCount.Load(),
		HealthFailures:   failures,
	}
}
