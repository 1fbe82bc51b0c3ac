package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hexagonlabs/tunnel-service/internal/config"
	"github.com/hexagonlabs/tunnel-service/internal/tunnel"
)

// tunnelSummary is the list-item representation of a live tunnel.
type tunnelSummary struct {
	TunnelID     string  `json:"tunnel_id"`
	Username     string  `json:"username"`
	ProjectName  string  `json:"project_name"`
	RemotePort   int     `json:"remote_port"`
	PublicURL    string  `json:"public_url"`
	ViewersCount int     `json:"viewers_count"`
	Status       string  `json:"status"`
	CreatedAt    float64 `json:"created_at"`
}

// tunnelDetail adds the representative ssh_command to the summary fields.
type tunnelDetail struct {
	tunnelSummary
	SSHCommand string `json:"ssh_command"`
}

func summarize(snap tunnel.Snapshot, cfg *config.Config) tunnelSummary {
	return tunnelSummary{
		TunnelID:     snap.ID,
		Username:     snap.Username,
		ProjectName:  snap.ProjectName,
		RemotePort:   snap.RemotePort,
		PublicURL:    fmt.Sprintf("http://%s/live/%s/%s", cfg.PublicDomain, snap.Username, snap.ProjectName),
		ViewersCount: snap.ViewersCount,
		Status:       snap.Status,
		CreatedAt:    unixSeconds(snap.CreatedAt),
	}
}

// ListTunnels handles GET /tunnels.
func ListTunnels(cfg *config.Config, reg *tunnel.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns := reg.All()
		tunnels := make([]tunnelSummary, 0, len(conns))
		for _, rec := range conns {
			tunnels = append(tunnels, summarize(rec.Snapshot(), cfg))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tunnels": tunnels,
			"count":   len(tunnels),
		})
	}
}

// ListUserTunnels handles GET /tunnels/user/{user_id}.
func ListUserTunnels(cfg *config.Config, reg *tunnel.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "user_id")
		conns := reg.ListByUser(userID)
		tunnels := make([]tunnelSummary, 0, len(conns))
		for _, rec := range conns {
			tunnels = append(tunnels, summarize(rec.Snapshot(), cfg))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID,
			"tunnels": tunnels,
			"count":   len(tunnels),
		})
	}
}

// GetTunnel handles GET /tunnels/{tunnel_id}.
func GetTunnel(cfg *config.Config, reg *tunnel.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := reg.Get(chi.URLParam(r, "tunnel_id"))
		if !ok {
			writeError(w, http.StatusNotFound, "tunnel not found")
			return
		}
		snap := rec.Snapshot()
		writeJSON(w, http.StatusOK, tunnelDetail{
			tunnelSummary: summarize(snap, cfg),
			SSHCommand: fmt.Sprintf("ssh -R %d:localhost:%d %s:%s:%s@%s -p %d",
				snap.RemotePort, snap.LocalPort,
				snap.UserID, snap.ID, snap.ProjectName,
				cfg.SSHHost, cfg.SSHPort),
		})
	}
}

// GetTunnelStats handles GET /tunnels/{tunnel_id}/stats.
func GetTunnelStats(reg *tunnel.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := reg.Get(chi.URLParam(r, "tunnel_id"))
		if !ok {
			writeError(w, http.StatusNotFound, "tunnel not found")
			return
		}
		snap := rec.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"tunnel_id":         snap.ID,
			"viewers_count":     snap.ViewersCount,
			"bytes_transferred": snap.BytesTransferred,
			"requests_count":    snap.RequestsCount,
			"uptime_seconds":    time.Since(snap.CreatedAt).Seconds(),
			"status":            snap.Status,
		})
	}
}

// CloseTunnel handles DELETE /tunnels/{tunnel_id} (admin close).
func CloseTunnel(reg *tunnel.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tunnelID := chi.URLParam(r, "tunnel_id")
		if !reg.Close(tunnelID, "admin") {
			writeError(w, http.StatusNotFound, "tunnel not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message":   "tunnel closed",
			"tunnel_id": tunnelID,
		})
	}
}

// AddViewer handles POST /tunnels/{tunnel_id}/viewers/{viewer_id}.
func AddViewer(reg *tunnel.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tunnelID := chi.URLParam(r, "tunnel_id")
		viewerID := chi.URLParam(r, "viewer_id")
		if !reg.AddViewer(tunnelID, viewerID) {
			writeError(w, http.StatusNotFound, "tunnel not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message":   "viewer added",
			"tunnel_id": tunnelID,
			"viewer_id": viewerID,
		})
	}
}

// RemoveViewer handles DELETE /tunnels/{tunnel_id}/viewers/{viewer_id}.
// Removing an absent viewer is a no-op, mirroring the registry semantics.
func RemoveViewer(reg *tunnel.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tunnelID := chi.URLParam(r, "tunnel_id")
		viewerID := chi.URLParam(r, "viewer_id")
		reg.RemoveViewer(tunnelID, viewerID)
		writeJSON(w, http.StatusOK, map[string]string{
			"message":   "viewer removed",
			"tunnel_id": tunnelID,
			"viewer_id": viewerID,
		})
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
