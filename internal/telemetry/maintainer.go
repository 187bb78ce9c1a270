package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/vpn4u/fleet-control-plane/internal/fleet"
	"github.com/vpn4u/fleet-control-plane/internal/metrics"
	"github.com/vpn4u/fleet-control-plane/internal/model"
)

// Store is the durable side of probe ingestion.
type Store interface {
	ApplyProbe(ctx context.Context, res model.ProbeResult) (bool, error)
	MarkServersOfflineBefore(ctx context.Context, cutoff time.Time) (int, error)
	ListAllServers(ctx context.Context) ([]model.Server, error)
}

// Maintainer keeps the in-memory fleet store current: it pulls the probe
// feed when one is configured, and sweeps servers offline after
// missedCycles probe intervals without a report.
type Maintainer struct {
	fleet        *fleet.Store
	store        Store
	source       Source
	interval     time.Duration
	missedCycles int
}

func NewMaintainer(fl *fleet.Store, st Store, source Source, interval time.Duration, missedCycles int) *Maintainer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if missedCycles <= 0 {
		missedCycles = 3
	}
	return &Maintainer{
		fleet:        fl,
		store:        st,
		source:       source,
		interval:     interval,
		missedCycles: missedCycles,
	}
}

func (m *Maintainer) Start(ctx context.Context) {
	go m.runEvery(ctx)
}

func (m *Maintainer) runEvery(ctx context.Context) {
	m.runOnce(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *Maintainer) runOnce(ctx context.Context) {
	m.refreshInventory(ctx)
	if m.source != nil {
		m.pullFeed(ctx)
	}
	m.sweepOffline(ctx)
}

// refreshInventory folds the durable server records back into the
// in-memory registry each cycle. Discovery runs in the worker process and
// writes only Postgres, so without this a server added after boot would
// never enter the selection snapshot.
func (m *Maintainer) refreshInventory(ctx context.Context) {
	if m.store == nil {
		return
	}
	servers, err := m.store.ListAllServers(ctx)
	if err != nil {
		log.Printf("event=fleet_refresh status=error err=%q", err.Error())
		return
	}
	m.fleet.Hydrate(servers)
}

func (m *Maintainer) pullFeed(ctx context.Context) {
	probes, err := m.source.Fetch(ctx)
	if err != nil {
		log.Printf("event=telemetry_pull status=error err=%q", err.Error())
		return
	}
	applied := 0
	for _, res := range probes {
		if m.Ingest(ctx, res) {
			applied++
		}
	}
	log.Printf("event=telemetry_pull status=ok probes=%d applied=%d", len(probes), applied)
}

// Ingest folds one probe into both the in-memory registry and the durable
// record. Stale results are absorbed silently; only the counter moves.
func (m *Maintainer) Ingest(ctx context.Context, res model.ProbeResult) bool {
	applied := m.fleet.ApplyProbeResult(res)
	if m.store != nil {
		if _, err := m.store.ApplyProbe(ctx, res); err != nil {
			log.Printf("event=probe_persist status=error server_id=%s err=%q", res.ServerID, err.Error())
		}
	}
	if !applied {
		metrics.Default().IncCounter("vpn4u_stale_probes_total", nil)
	}
	return applied
}

func (m *Maintainer) sweepOffline(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-time.Duration(m.missedCycles) * m.interval)
	marked := m.fleet.MarkOfflineBefore(cutoff)
	if m.store != nil {
		if _, err := m.store.MarkServersOfflineBefore(ctx, cutoff); err != nil {
			log.Printf("event=offline_sweep status=error err=%q", err.Error())
			return
		}
	}
	if len(marked) > 0 {
		log.Printf("event=offline_sweep status=ok marked=%d servers=%v", len(marked), marked)
	}
}
