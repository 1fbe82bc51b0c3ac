package monitor

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hexagonlabs/tunnel-service/internal/notify"
	"github.com/hexagonlabs/tunnel-service/internal/tunnel"
)

// Collector aggregates registry counters and reports them to the account
// backend once per tick. Collection failures are logged and swallowed.
type Collector struct {
	registry *tunnel.Registry
	notifier notify.Notifier
	now      func() time.Time
}

// NewCollector creates a metrics collector over the given registry.
func NewCollector(reg *tunnel.Registry, n notify.Notifier) *Collector {
	return &Collector{registry: reg, notifier: n, now: time.Now}
}

// Tick snapshots the registry and emits one metrics webhook.
func (c *Collector) Tick() {
	now := c.now()
	conns := c.registry.All()

	report := notify.MetricsReport{
		TotalTunnels: len(conns),
		Timestamp:    now.UTC().Format(time.RFC3339),
		Tunnels:      make([]notify.TunnelMetrics, 0, len(conns)),
	}

	for _, rec := range conns {
		snap := rec.Snapshot()
		report.TotalViewers += snap.ViewersCount
		report.TotalBandwidth += snap.BytesTransferred
		report.Tunnels = append(report.Tunnels, notify.TunnelMetrics{
			TunnelID:      snap.ID,
			ViewersCount:  snap.ViewersCount,
			Bandwidth:     snap.BytesTransferred,
			Requests:      snap.RequestsCount,
			UptimeSeconds: now.Sub(snap.CreatedAt).Seconds(),
		})
	}

	log.Info().
		Int("tunnels", report.TotalTunnels).
		Int("viewers", report.TotalViewers).
		Int64("bandwidth_bytes", report.TotalBandwidth).
		Msg("tunnel metrics collected")

	c.notifier.Metrics(report)
}
