// Package fleet tracks the live state of VPN servers: their telemetry as
// reported by probes, and their discovery from the hosting provider. The
// in-memory store backs the selection engine; Postgres remains the durable
// record.
package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/vpn4u/fleet-control-plane/internal/model"
)

// Store is a mutex-guarded registry of server records. Snapshot returns a
// consistent copy of each server (a reader never sees a half-applied probe)
// but makes no cross-server transactional promise; staleness up to one
// probe interval is acceptable by design.
type Store struct {
	mu      sync.RWMutex
	servers map[string]model.Server
}

func NewStore() *Store {
	return &Store{servers: make(map[string]model.Server)}
}

// Hydrate seeds or refreshes the registry from durable records. Existing
// entries are replaced wholesale; entries absent from the input survive so
// a partial hydration cannot drop live servers.
func (s *Store) Hydrate(servers []model.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, srv := range servers {
		s.servers[srv.ID] = srv
	}
}

// Snapshot returns a point-in-time copy of all servers ordered by ID.
func (s *Store) Snapshot() []model.Server {
	s.mu.RLock()
	out := make([]model.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, srv)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the server with the given ID, if known.
func (s *Store) Get(id string) (model.Server, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[id]
	return srv, ok
}

// ApplyProbeResult folds one telemetry observation into the registry.
// Results for unknown servers are dropped, and a result at or before the
// server's stored probe timestamp is discarded so re-deliveries and
// out-of-order probes cannot roll state backwards. The return value
// reports whether the probe was applied.
func (s *Store) ApplyProbeResult(res model.ProbeResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[res.ServerID]
	if !ok {
		return false
	}
	if srv.LastProbeAt != nil && !res.ObservedAt.After(*srv.LastProbeAt) {
		return false
	}
	observed := res.ObservedAt
	srv.Status = res.Status
	srv.Load = res.Load
	srv.LastProbeAt = &observed
	s.servers[res.ServerID] = srv
	return true
}

// MarkOfflineBefore transitions online servers whose last probe predates
// cutoff to offline, covering servers that stopped reporting entirely.
// Servers in maintenance keep their status. Returns the IDs transitioned,
// sorted, so the caller can persist the same change.
func (s *Store) MarkOfflineBefore(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked []string
	for id, srv := range s.servers {
		if srv.Status != model.ServerOnline {
			continue
		}
		if srv.LastProbeAt == nil || srv.LastProbeAt.Before(cutoff) {
			srv.Status = model.ServerOffline
			s.servers[id] = srv
			marked = append(marked, id)
		}
	}
	sort.Strings(marked)
	return marked
}
