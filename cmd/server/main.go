package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hexagonlabs/tunnel-service/internal/config"
	"github.com/hexagonlabs/tunnel-service/internal/monitor"
	"github.com/hexagonlabs/tunnel-service/internal/notify"
	"github.com/hexagonlabs/tunnel-service/internal/server"
	"github.com/hexagonlabs/tunnel-service/internal/tunnel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg)

	log.Info().
		Str("version", cfg.Version).
		Str("ssh_addr", cfg.SSHAddr()).
		Str("http_addr", cfg.HTTPAddr()).
		Msg("starting tunnel service")

	notifier := notify.NewWebhook(cfg.BackendURL)
	alloc := tunnel.NewAllocator(cfg.TunnelBasePort, cfg.TunnelMaxPort)
	registry := tunnel.NewRegistry(alloc, notifier, cfg.MaxTunnelsPerUser, cfg.PublicDomain)

	sshServer := &tunnel.SSHServer{
		Addr:        cfg.SSHAddr(),
		HostKeyPath: cfg.SSHHostKeyPath,
		Secret:      cfg.TunnelSecretKey,
		Registry:    registry,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SSH front end. A host key problem at startup is fatal.
	sshErr := make(chan error, 1)
	go func() {
		sshErr <- sshServer.ListenAndServe(ctx)
	}()

	// HTTP front end.
	srv := server.New(cfg, registry)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("HTTP server listening")
		if err := srv.Start(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Background monitors on fixed schedules.
	health := monitor.NewHealthMonitor(registry, notifier)
	metrics := monitor.NewCollector(registry, notifier)

	sched := cron.New()
	if _, err := sched.AddFunc("@every 30s", health.Tick); err != nil {
		log.Fatal().Err(err).Msg("schedule health monitor")
	}
	if _, err := sched.AddFunc("@every 60s", metrics.Tick); err != nil {
		log.Fatal().Err(err).Msg("schedule metrics collector")
	}
	sched.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-sshErr:
		if err != nil {
			log.Fatal().Err(err).Msg("SSH server error")
		}
	case sig := <-quit:
		log.Info().Stringer("signal", sig).Msg("shutting down")
	}

	// Orderly drain: stop schedulers, stop accepting, close every tunnel.
	<-sched.Stop().Done()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}

	registry.CloseAll("shutdown")
	log.Info().Msg("tunnel service stopped")
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
