// Package selection ranks eligible fleet servers for a user and returns the
// best candidate. Scoring weighs current load against estimated regional
// latency; results are deterministic for a given fleet snapshot.
package selection

import (
	"errors"

	"github.com/vpn4u/fleet-control-plane/internal/model"
)

// ErrNoneAvailable means no online server matches the user's entitlement.
// It is a normal outcome (empty region, full maintenance window), not a
// fault.
var ErrNoneAvailable = errors.New("no server available")

const (
	loadWeight    = 0.7
	latencyWeight = 0.3
	// Latency is measured in milliseconds but load in 0-100 percent, so
	// latency is divided down to a comparable scale before weighting.
	latencyScale = 10
)

// Score computes the ranking score for one candidate. Lower is better.
func Score(load, latencyMS float64) float64 {
	return loadWeight*load + latencyWeight*(latencyMS/latencyScale)
}

// SelectServer picks the best server for a user in userRegion who may use
// allowedTiers. Same-region servers are preferred; only when the user's
// region has no eligible server does the whole eligible fleet compete.
// Ties are broken by the lexically lowest server ID so repeated calls over
// the same snapshot return the same server.
func SelectServer(userRegion string, allowedTiers []model.ServerTier, snapshot []model.Server, latency *LatencyTable) (model.Server, error) {
	tierSet := make(map[model.ServerTier]bool, len(allowedTiers))
	for _, t := range allowedTiers {
		tierSet[t] = true
	}

	var regional, global []model.Server
	for _, srv := range snapshot {
		if srv.Status != model.ServerOnline || !tierSet[srv.Tier] {
			continue
		}
		global = append(global, srv)
		if srv.Region == userRegion {
			regional = append(regional, srv)
		}
	}

	candidates := regional
	if len(candidates) == 0 {
		candidates = global
	}
	if len(candidates) == 0 {
		return model.Server{}, ErrNoneAvailable
	}

	best := candidates[0]
	bestScore := Score(best.Load, latency.Lookup(userRegion, best.Region))
	for _, srv := range candidates[1:] {
		score := Score(srv.Load, latency.Lookup(userRegion, srv.Region))
		if score < bestScore || (score == bestScore && srv.ID < best.ID) {
			best = srv
			bestScore = score
		}
	}
	return best, nil
}
