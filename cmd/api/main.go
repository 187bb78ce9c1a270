package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vpn4u/fleet-control-plane/internal/api"
	"github.com/vpn4u/fleet-control-plane/internal/config"
	"github.com/vpn4u/fleet-control-plane/internal/fleet"
	"github.com/vpn4u/fleet-control-plane/internal/selection"
	"github.com/vpn4u/fleet-control-plane/internal/store"
	"github.com/vpn4u/fleet-control-plane/internal/telemetry"
	"github.com/vpn4u/fleet-control-plane/internal/vpn"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.New(pool)

	fl := fleet.NewStore()
	servers, err := st.ListAllServers(ctx)
	if err != nil {
		log.Fatalf("hydrate fleet: %v", err)
	}
	fl.Hydrate(servers)
	log.Printf("fleet hydrated servers=%d", len(servers))

	var source telemetry.Source
	if cfg.TelemetryMode == "pull" {
		source, err = telemetry.NewHTTPSource(cfg.TelemetryFeedURL, cfg.ProbeInterval)
		if err != nil {
			log.Fatalf("init telemetry source: %v", err)
		}
	}
	maintainer := telemetry.NewMaintainer(fl, st, source, cfg.ProbeInterval, cfg.MissedProbeCycle)
	maintainer.Start(ctx)

	var issuer vpn.Issuer
	switch cfg.IssuerMode {
	case "http":
		issuer, err = vpn.NewHTTPIssuer(cfg.IssuerBaseURL, cfg.IssuerTimeout)
		if err != nil {
			log.Fatalf("init issuer: %v", err)
		}
	default:
		issuer = vpn.NewFakeIssuer()
	}

	handler := api.NewRouter(cfg, st, issuer, fl, selection.DefaultLatencyTable(), maintainer)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("fleet-control-plane listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}
