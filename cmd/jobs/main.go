package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vpn4u/fleet-control-plane/internal/config"
	"github.com/vpn4u/fleet-control-plane/internal/fleet"
	"github.com/vpn4u/fleet-control-plane/internal/jobs"
	"github.com/vpn4u/fleet-control-plane/internal/store"
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

	opts := jobs.Options{
		SessionIdleTimeout: cfg.SessionIdleTimeout,
		ReapInterval:       cfg.ReapInterval,
		ProbeInterval:      cfg.ProbeInterval,
		MissedProbeCycle:   cfg.MissedProbeCycle,
	}
	if cfg.DiscoveryProvider == "aws" {
		disc, err := fleet.NewAWSDiscoverer(cfg.DiscoveryRegions, cfg.DiscoveryTagKey)
		if err != nil {
			log.Fatalf("init aws discovery: %v", err)
		}
		opts.Discoverer = disc
	}
	jobs.NewRunner(st, opts).Start(ctx)

	log.Printf("fleet-jobs worker started")
	<-ctx.Done()
	log.Printf("fleet-jobs worker stopping")
}
