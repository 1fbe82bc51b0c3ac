package handlers

import (
	"net/http"

	"github.com/hexagonlabs/tunnel-service/internal/config"
	"github.com/hexagonlabs/tunnel-service/internal/tunnel"
)

// Health returns the service health summary for GET /.
func Health(cfg *config.Config, reg *tunnel.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"service":        "hexagon-tunnel-service",
			"version":        cfg.Version,
			"active_tunnels": reg.Count(),
			"ssh_server":     cfg.SSHAddr(),
		})
	}
}
