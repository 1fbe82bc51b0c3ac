// Package monitor contains the background loops that observe the tunnel
// registry: the health monitor (30s period) and the metrics collector
// (60s period). Both are driven by a cron scheduler in cmd/server; each
// Tick is self-contained and swallows per-tunnel errors.
package monitor

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hexagonlabs/tunnel-service/internal/notify"
	"github.com/hexagonlabs/tunnel-service/internal/tunnel"
)

// Health check configuration. Package-level vars so tests can override.
var (
	probeTimeout = 5 * time.Second
)

const (
	// maxFailures is how many consecutive probe failures the monitor
	// tolerates before giving up on a tunnel.
	maxFailures = 3
	// maxTunnelAge is the hard expiry for any tunnel.
	maxTunnelAge = 8 * time.Hour
)

// HealthMonitor periodically probes every live tunnel and closes the ones
// that expired or stopped responding.
type HealthMonitor struct {
	registry *tunnel.Registry
	notifier notify.Notifier

	// now and probe are swappable for tests.
	now   func() time.Time
	probe func(port int) error
}

// NewHealthMonitor creates a monitor over the given registry.
func NewHealthMonitor(reg *tunnel.Registry, n notify.Notifier) *HealthMonitor {
	return &HealthMonitor{
		registry: reg,
		notifier: n,
		now:      time.Now,
		probe:    probePort,
	}
}

// Tick runs one full health pass. A failure on one tunnel never prevents
// the remaining tunnels from being checked.
func (m *HealthMonitor) Tick() {
	for _, rec := range m.registry.All() {
		m.checkTunnel(rec)
	}
}

func (m *HealthMonitor) checkTunnel(rec *tunnel.Conn) {
	// Probe 1: the owning SSH session must still be up.
	if rec.Session == nil || rec.Session.Closed() {
		m.recordFailure(rec, "ssh session closed")
		return
	}

	// Probe 2: the remote port must accept a TCP connection.
	if err := m.probe(rec.RemotePort); err != nil {
		m.recordFailure(rec, fmt.Sprintf("port %d unreachable: %v", rec.RemotePort, err))
		return
	}

	// Age check: tunnels expire after maxTunnelAge regardless of health.
	if rec.Age(m.now()) > maxTunnelAge {
		log.Info().Str("tunnel_id", rec.ID).Msg("tunnel expired (8 hour limit)")
		m.notifier.TunnelExpired(notify.ExpiredEvent{
			TunnelID: rec.ID,
			UserID:   rec.UserID,
			Reason:   "8 hour time limit reached",
		})
		m.registry.Close(rec.ID, "expired")
		return
	}

	// Both probes passed: reset the failure streak.
	if rec.ResetHealthFailures() {
		log.Info().Str("tunnel_id", rec.ID).Msg("tunnel health restored")
	}
}

func (m *HealthMonitor) recordFailure(rec *tunnel.Conn, cause string) {
	failures := rec.RecordHealthFailure()
	log.Warn().
		Str("tunnel_id", rec.ID).
		Str("cause", cause).
		Int("failures", failures).
		Int("max", maxFailures).
		Msg("tunnel health check failed")

	if failures < maxFailures {
		return
	}

	log.Error().Str("tunnel_id", rec.ID).Msg("tunnel unhealthy, closing")
	m.notifier.TunnelUnhealthy(notify.UnhealthyEvent{
		TunnelID: rec.ID,
		UserID:   rec.UserID,
		Reason:   "health check failed",
		Failures: failures,
	})
	m.registry.Close(rec.ID, "unhealthy")
}

// probePort opens and cleanly closes a TCP connection to the tunnel's
// remote port on loopback.
func probePort(port int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), probeTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
