// Package notify delivers tunnel lifecycle webhooks to the account backend.
//
// Delivery is best-effort, at-most-once, and unordered: non-2xx responses
// and transport errors are logged at warning level and swallowed. There is
// no retry and no persistence.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// webhookTimeout bounds each POST, connection included.
const webhookTimeout = 5 * time.Second

// CreatedEvent announces a newly established tunnel.
type CreatedEvent struct {
	TunnelID    string  `json:"tunnel_id"`
	UserID      string  `json:"user_id"`
	Username    string  `json:"username"`
	ProjectName string  `json:"project_name"`
	RemotePort  int     `json:"remote_port"`
	PublicURL   string  `json:"public_url"`
	CreatedAt   float64 `json:"created_at"`
}

// ClosedStats carries the final counters reported with a ClosedEvent.
type ClosedStats struct {
	BytesTransferred int64   `json:"bytes_transferred"`
	RequestsCount    int64   `json:"requests_count"`
	ViewersCount     int     `json:"viewers_count"`
	DurationSeconds  float64 `json:"duration_seconds"`
}

// ClosedEvent announces a tunnel teardown, whatever the cause.
type ClosedEvent struct {
	TunnelID string      `json:"tunnel_id"`
	UserID   string      `json:"user_id"`
	Stats    ClosedStats `json:"stats"`
}

// UnhealthyEvent announces that the health monitor gave up on a tunnel.
type UnhealthyEvent struct {
	TunnelID string `json:"tunnel_id"`
	UserID   string `json:"user_id"`
	Reason   string `json:"reason"`
	Failures int    `json:"failures"`
}

// ExpiredEvent announces that a tunnel hit its maximum age.
type ExpiredEvent struct {
	TunnelID string `json:"tunnel_id"`
	UserID   string `json:"user_id"`
	Reason   string `json:"reason"`
}

// TunnelMetrics is the per-tunnel entry of a MetricsReport.
type TunnelMetrics struct {
	TunnelID      string  `json:"tunnel_id"`
	ViewersCount  int     `json:"viewers_count"`
	Bandwidth     int64   `json:"bandwidth"`
	Requests      int64   `json:"requests"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// MetricsReport is the periodic aggregate emitted by the metrics collector.
type MetricsReport struct {
	TotalTunnels   int             `json:"total_tunnels"`
	TotalViewers   int             `json:"total_viewers"`
	TotalBandwidth int64           `json:"total_bandwidth"`
	Timestamp      string          `json:"timestamp"`
	Tunnels        []TunnelMetrics `json:"tunnels"`
}

// Notifier receives tunnel lifecycle events. Implementations must never
// block the caller beyond a short bounded delivery attempt and must never
// return delivery problems to it.
type Notifier interface {
	TunnelCreated(e CreatedEvent)
	TunnelClosed(e ClosedEvent)
	TunnelUnhealthy(e UnhealthyEvent)
	TunnelExpired(e ExpiredEvent)
	Metrics(r MetricsReport)
}

// Webhook is the production Notifier: fire-and-forget HTTP POSTs to the
// account backend's /api/tunnels/webhook/* endpoints.
type Webhook struct {
	baseURL string
	client  *http.Client
}

// NewWebhook creates a Webhook notifier posting to baseURL.
func NewWebhook(baseURL string) *Webhook {
	return &Webhook{
		baseURL: baseURL,
		client:  &http.Client{Timeout: webhookTimeout},
	}
}

func (w *Webhook) TunnelCreated(e CreatedEvent)     { w.post("/api/tunnels/webhook/created", e) }
func (w *Webhook) TunnelClosed(e ClosedEvent)       { w.post("/api/tunnels/webhook/closed", e) }
func (w *Webhook) TunnelUnhealthy(e UnhealthyEvent) { w.post("/api/tunnels/webhook/unhealthy", e) }
func (w *Webhook) TunnelExpired(e ExpiredEvent)     { w.post("/api/tunnels/webhook/expired", e) }
func (w *Webhook) Metrics(r MetricsReport)          { w.post("/api/tunnels/webhook/metrics", r) }

func (w *Webhook) post(path string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("webhook", path).Msg("encode webhook payload")
		return
	}

	resp, err := w.client.Post(w.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("webhook", path).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn().Int("status", resp.StatusCode).Str("webhook", path).Msg("webhook rejected by backend")
	}
}

// Nop is a Notifier that discards every event. Used in tests and when no
// backend URL is configured.
type Nop struct{}

func (Nop) TunnelCreated(CreatedEvent)     {}
func (Nop) TunnelClosed(ClosedEvent)       {}
func (Nop) TunnelUnhealthy(UnhealthyEvent) {}
func (Nop) TunnelExpired(ExpiredEvent)     {}
func (Nop) Metrics(MetricsReport)          {}
