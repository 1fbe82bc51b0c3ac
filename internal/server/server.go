package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/hexagonlabs/tunnel-service/internal/config"
	"github.com/hexagonlabs/tunnel-service/internal/server/handlers"
	"github.com/hexagonlabs/tunnel-service/internal/server/middleware"
	"github.com/hexagonlabs/tunnel-service/internal/tunnel"
)

// Server is the HTTP front end: the REST API mirroring registry state and
// the /live reverse proxy.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	httpServer *http.Server
}

// New builds the router over the given registry.
func New(cfg *config.Config, reg *tunnel.Registry) *Server {
	s := &Server{cfg: cfg}
	s.setupRouter(reg)
	return s
}

func (s *Server) setupRouter(reg *tunnel.Registry) {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/", handlers.Health(s.cfg, reg))

	r.Route("/tunnels", func(r chi.Router) {
		r.Get("/", handlers.ListTunnels(s.cfg, reg))
		r.Get("/user/{user_id}", handlers.ListUserTunnels(s.cfg, reg))
		r.Get("/{tunnel_id}", handlers.GetTunnel(s.cfg, reg))
		r.Get("/{tunnel_id}/stats", handlers.GetTunnelStats(reg))
		r.Delete("/{tunnel_id}", handlers.CloseTunnel(reg))
		r.Post("/{tunnel_id}/viewers/{viewer_id}", handlers.AddViewer(reg))
		r.Delete("/{tunnel_id}/viewers/{viewer_id}", handlers.RemoveViewer(reg))
	})

	// Reverse proxy for viewers; accepts any method. The bare form (no
	// trailing path) proxies to the upstream root.
	proxy := handlers.Proxy(reg)
	r.HandleFunc("/live/{username}/{project}", proxy)
	r.HandleFunc("/live/{username}/{project}/*", proxy)

	s.router = r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
		// Generous write timeout: proxied responses may stream for up to
		// the proxy's 30s upstream deadline.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
