package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/hexagonlabs/tunnel-service/internal/tunnel"
)

// proxyTimeout is the total deadline for one proxied request, upstream
// response body included.
const proxyTimeout = 30 * time.Second

// Proxy forwards viewer requests on /live/{username}/{project}/* to the
// creator's localhost through the tunnel's remote port. Any HTTP method is
// accepted. Redirects are propagated, never followed. After the upstream
// body has been delivered, the tunnel's transfer counters are updated with
// the number of bytes written to the viewer.
func Proxy(reg *tunnel.Registry) http.HandlerFunc {
	client := &http.Client{
		Timeout: proxyTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		username := chi.URLParam(r, "username")
		project := chi.URLParam(r, "project")

		rec, ok := reg.GetByUserProject(username, project)
		if !ok || rec.Status() != tunnel.StatusActive {
			writeError(w, http.StatusNotFound, "tunnel not found or offline")
			return
		}

		target := fmt.Sprintf("http://localhost:%d/%s", rec.RemotePort, chi.URLParam(r, "*"))
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}

		upReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
		if err != nil {
			writeError(w, http.StatusBadGateway, "failed to build upstream request")
			return
		}
		// Host and Content-Length are recomputed by the upstream client;
		// everything else passes through verbatim.
		upReq.Header = r.Header.Clone()
		upReq.Header.Del("Host")
		upReq.Header.Del("Content-Length")

		resp, err := client.Do(upReq)
		if err != nil {
			if isTimeout(err) {
				writeError(w, http.StatusGatewayTimeout, "tunnel request timeout")
				return
			}
			log.Warn().Err(err).Str("tunnel_id", rec.ID).Msg("proxy upstream request failed")
			writeError(w, http.StatusBadGateway, "failed to connect to tunnel")
			return
		}
		defer resp.Body.Close()

		for key, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(key, v)
			}
		}
		w.WriteHeader(resp.StatusCode)

		// Stream the body through; stats reflect the bytes actually
		// delivered to the viewer.
		n, err := io.Copy(w, resp.Body)
		if err != nil {
			log.Debug().Err(err).Str("tunnel_id", rec.ID).Msg("proxy body copy interrupted")
		}
		reg.UpdateStats(rec.ID, n)
	}
}

func isTimeout(err error) bool {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
