package tunnel

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hexagonlabs/tunnel-service/internal/notify"
)

// CreateParams carries the tunnel intent extracted from SSH credentials.
type CreateParams struct {
	TunnelID    string
	UserID      string
	Username    string
	ProjectName string
	LocalPort   int
}

// Registry is the authoritative, concurrency-safe store of live tunnels.
// It owns port allocation, forwarding-listener lifetime, and lifecycle
// webhooks. A tunnel leaves the registry exactly once, whichever of the
// session end, health giveup, age expiry, or admin close fires first.
type Registry struct {
	// ListenFunc binds the remote forwarding listener for an allocated
	// port. Overridable in tests; the default binds 127.0.0.1:<port>.
	ListenFunc func(port int) (net.Listener, error)

	alloc        *Allocator
	notifier     notify.Notifier
	maxPerUser   int
	publicDomain string

	mu      sync.RWMutex
	tunnels map[string]*Conn
	// byProject maps "username/project" → tunnel ID. An empty-string value
	// is a reservation held while a create is binding its listener.
	byProject map[string]string
}

// NewRegistry returns an empty Registry. maxPerUser of 0 disables the
// per-user admission limit. publicDomain is used to compose the public URL
// in the created webhook.
func NewRegistry(alloc *Allocator, notifier notify.Notifier, maxPerUser int, publicDomain string) *Registry {
	return &Registry{
		ListenFunc: func(port int) (net.Listener, error) {
			return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		},
		alloc:        alloc,
		notifier:     notifier,
		maxPerUser:   maxPerUser,
		publicDomain: publicDomain,
		tunnels:      make(map[string]*Conn),
		byProject:    make(map[string]string),
	}
}

func projectKey(username, project string) string {
	return username + "/" + project
}

// PublicURL returns the viewer-facing URL for a username/project pair.
func (r *Registry) PublicURL(username, project string) string {
	return fmt.Sprintf("http://%s/live/%s/%s", r.publicDomain, username, project)
}

// Create establishes a new tunnel: admission checks, port allocation,
// forwarding listener bind, record insert, created webhook. On any failure
// the port is released, the reservation dropped, and no record is stored.
//
// The returned Conn carries the bound listener; the SSH server is expected
// to start serving forwarded connections on it.
func (r *Registry) Create(p CreateParams, sess SessionHandle) (*Conn, error) {
	key := projectKey(p.Username, p.ProjectName)

	r.mu.Lock()
	if _, exists := r.tunnels[p.TunnelID]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateProject
	}
	if _, exists := r.byProject[key]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateProject
	}
	if r.maxPerUser > 0 && r.countByUserLocked(p.UserID) >= r.maxPerUser {
		r.mu.Unlock()
		return nil, ErrLimitExceeded
	}
	port, ok := r.alloc.Allocate()
	if !ok {
		r.mu.Unlock()
		return nil, ErrPortExhausted
	}
	// Reserve the project key so a concurrent create for the same pair
	// fails before allocation while we bind outside the lock.
	r.byProject[key] = ""
	r.mu.Unlock()

	ln, err := r.ListenFunc(port)
	if err != nil {
		r.mu.Lock()
		delete(r.byProject, key)
		r.mu.Unlock()
		r.alloc.Release(port)
		log.Error().Err(err).Str("tunnel_id", p.TunnelID).Int("remote_port", port).
			Msg("remote forwarding listener bind failed")
		return nil, fmt.Errorf("%w: %v", ErrForwardingRejected, err)
	}

	rec := newConn(p, sess, port, ln)

	r.mu.Lock()
	r.byProject[key] = p.TunnelID
	r.tunnels[p.TunnelID] = rec
	r.mu.Unlock()

	log.Info().
		Str("tunnel_id", p.TunnelID).
		Str("user_id", p.UserID).
		Str("project", p.ProjectName).
		Int("remote_port", port).
		Int("local_port", p.LocalPort).
		Msg("tunnel created")

	r.notifier.TunnelCreated(notify.CreatedEvent{
		TunnelID:    p.TunnelID,
		UserID:      p.UserID,
		Username:    p.Username,
		ProjectName: p.ProjectName,
		RemotePort:  port,
		PublicURL:   r.PublicURL(p.Username, p.ProjectName),
		CreatedAt:   unixSeconds(rec.CreatedAt),
	})

	return rec, nil
}

// Close tears a tunnel down: removes the record, closes the forwarding
// listener, releases the port, and emits the closed webhook with final
// counters. It is idempotent and safe to invoke concurrently; only the
// first caller observes the tunnel and performs the side effects. reason
// is logged only.
func (r *Registry) Close(tunnelID, reason string) bool {
	r.mu.Lock()
	rec, ok := r.tunnels[tunnelID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.tunnels, tunnelID)
	delete(r.byProject, projectKey(rec.Username, rec.ProjectName))
	r.mu.Unlock()

	rec.setStatus(StatusClosed)
	if rec.Listener != nil {
		_ = rec.Listener.Close()
	}
	// The listener is closed before the port returns to the pool, so a
	// re-allocated port can never collide with a still-bound socket.
	r.alloc.Release(rec.RemotePort)

	log.Info().Str("tunnel_id", tunnelID).Str("reason", reason).Msg("tunnel closed")

	r.notifier.TunnelClosed(notify.ClosedEvent{
		TunnelID: tunnelID,
		UserID:   rec.UserID,
		Stats: notify.ClosedStats{
			BytesTransferred: rec.BytesTransferred(),
			RequestsCount:    rec.RequestsCount(),
			ViewersCount:     rec.ViewerCount(),
			DurationSeconds:  time.Since(rec.CreatedAt).Seconds(),
		},
	})
	return true
}

// CloseAll tears down every live tunnel. Used during shutdown.
func (r *Registry) CloseAll(reason string) {
	for _, rec := range r.All() {
		r.Close(rec.ID, reason)
	}
}

// Get returns the live tunnel with the given ID.
func (r *Registry) Get(tunnelID string) (*Conn, bool) {
	r.mu.RLock()
	rec, ok := r.tunnels[tunnelID]
	r.mu.RUnlock()
	return rec, ok
}

// GetByUserProject returns the live tunnel for a (username, project) pair.
func (r *Registry) GetByUserProject(username, project string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byProject[projectKey(username, project)]
	if !ok || id == "" {
		return nil, false
	}
	rec, ok := r.tunnels[id]
	return rec, ok
}

// All returns a snapshot slice of every live tunnel. The slice is a copy;
// callers may iterate without holding any lock.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	out := make([]*Conn, 0, len(r.tunnels))
	for _, rec := range r.tunnels {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	return out
}

// ListByUser returns every live tunnel owned by userID.
func (r *Registry) ListByUser(userID string) []*Conn {
	r.mu.RLock()
	var out []*Conn
	for _, rec := range r.tunnels {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()
	return out
}

// Count returns the number of live tunnels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// AddViewer records a viewer on a tunnel. Returns false when the tunnel is
// not live.
func (r *Registry) AddViewer(tunnelID, viewerID string) bool {
	rec, ok := r.Get(tunnelID)
	if !ok {
		return false
	}
	rec.addViewer(viewerID)
	log.Debug().Str("tunnel_id", tunnelID).Str("viewer_id", viewerID).
		Int("viewers", rec.ViewerCount()).Msg("viewer joined")
	return true
}

// RemoveViewer drops a viewer from a tunnel. Removing an absent viewer, or
// one from a closed tunnel, is a no-op.
func (r *Registry) RemoveViewer(tunnelID, viewerID string) {
	rec, ok := r.Get(tunnelID)
	if !ok {
		return
	}
	rec.removeViewer(viewerID)
}

// UpdateStats adds bytesDelta to the tunnel's transferred-bytes counter and
// increments its request counter by one.
func (r *Registry) UpdateStats(tunnelID string, bytesDelta int64) {
	rec, ok := r.Get(tunnelID)
	if !ok {
		return
	}
	rec.addBytes(bytesDelta)
}

func (r *Registry) countByUserLocked(userID string) int {
	n := 0
	for _, rec := range r.tunnels {
		if rec.UserID == userID {
			n++
		}
	}
	return n
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
