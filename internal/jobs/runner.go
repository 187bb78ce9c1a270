// Package jobs runs the periodic maintenance the worker binary owns:
// reaping idle sessions, sweeping unreported servers offline in the
// durable record, and syncing the fleet inventory from the provider.
package jobs

import (
	"context"
	"log"
	"time"

	"github.com/vpn4u/fleet-control-plane/internal/fleet"
	"github.com/vpn4u/fleet-control-plane/internal/metrics"
	"github.com/vpn4u/fleet-control-plane/internal/model"
)

type Store interface {
	ReapStaleSessions(ctx context.Context, timeout time.Duration) (int, error)
	MarkServersOfflineBefore(ctx context.Context, cutoff time.Time) (int, error)
	UpsertDiscoveredServers(ctx context.Context, servers []model.Server) error
}

type Options struct {
	SessionIdleTimeout time.Duration
	ReapInterval       time.Duration
	ProbeInterval      time.Duration
	MissedProbeCycle   int
	// Discoverer is nil when provider discovery is off.
	Discoverer        fleet.Discoverer
	DiscoveryInterval time.Duration
}

type Runner struct {
	store Store
	opts  Options
}

func NewRunner(store Store, opts Options) *Runner {
	if opts.SessionIdleTimeout <= 0 {
		opts.SessionIdleTimeout = 15 * time.Minute
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.MissedProbeCycle <= 0 {
		opts.MissedProbeCycle = 3
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = 5 * time.Minute
	}
	return &Runner{store: store, opts: opts}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "session_reaper", r.opts.ReapInterval, r.reapSessions)
	go r.runEvery(ctx, "server_offline_sweep", r.opts.ProbeInterval, r.sweepServers)
	if r.opts.Discoverer != nil {
		go r.runEvery(ctx, "fleet_discovery", r.opts.DiscoveryInterval, r.syncFleet)
	}
}

func (r *Runner) reapSessions(ctx context.Context) error {
	reaped, err := r.store.ReapStaleSessions(ctx, r.opts.SessionIdleTimeout)
	if err != nil {
		return err
	}
	if reaped > 0 {
		metrics.Default().AddCounter("vpn4u_sessions_reaped_total", uint64(reaped), nil)
		log.Printf("event=session_reap reaped=%d idle_timeout=%s", reaped, r.opts.SessionIdleTimeout)
	}
	return nil
}

func (r *Runner) sweepServers(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(r.opts.MissedProbeCycle) * r.opts.ProbeInterval)
	marked, err := r.store.MarkServersOfflineBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if marked > 0 {
		log.Printf("event=server_offline_sweep marked=%d cutoff=%s", marked, cutoff.Format(time.RFC3339))
	}
	return nil
}

func (r *Runner) syncFleet(ctx context.Context) error {
	servers, err := r.opts.Discoverer.Discover(ctx)
	if err != nil {
		return err
	}
	if err := r.store.UpsertDiscoveredServers(ctx, servers); err != nil {
		return err
	}
	log.Printf("event=fleet_discovery servers=%d", len(servers))
	return nil
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		log.Printf("metric=job_run name=%s status=error duration_ms=%d err=%q", name, int64(durMs), err.Error())
		labels["status"] = "error"
		metrics.Default().IncCounter("vpn4u_job_runs_total", labels)
		metrics.Default().ObserveHistogram("vpn4u_job_duration_ms", durMs, map[string]string{"job": name})
		return
	}
	log.Printf("metric=job_run name=%s status=ok duration_ms=%d", name, int64(durMs))
	labels["status"] = "ok"
	metrics.Default().IncCounter("vpn4u_job_runs_total", labels)
	metrics.Default().ObserveHistogram("vpn4u_job_duration_ms", durMs, map[string]string{"job": name})
}
