package selection

import "sync"

// UnknownLatencyMS is charged for (origin, destination) pairs the table has
// no estimate for, so unmeasured servers rank behind measured ones without
// being excluded.
const UnknownLatencyMS = 300

// LatencyTable maps (origin region, server region) to an estimated
// round-trip cost in milliseconds. Estimates are refreshed out-of-band via
// Replace; lookups never block on a refresh in progress longer than the
// map swap itself.
type LatencyTable struct {
	mu        sync.RWMutex
	estimates map[string]map[string]float64
}

func NewLatencyTable(estimates map[string]map[string]float64) *LatencyTable {
	t := &LatencyTable{}
	t.Replace(estimates)
	return t
}

// DefaultLatencyTable returns the static regional estimate matrix the
// service ships with. Production deployments replace it from measured data.
func DefaultLatencyTable() *LatencyTable {
	return NewLatencyTable(map[string]map[string]float64{
		"us-east":    {"us-east": 30, "us-west": 80, "eu-west": 120, "eu-central": 140, "ap-east": 280, "ap-south": 240},
		"us-west":    {"us-east": 80, "us-west": 30, "eu-west": 150, "eu-central": 170, "ap-east": 220, "ap-south": 260},
		"eu-west":    {"us-east": 120, "us-west": 150, "eu-west": 30, "eu-central": 50, "ap-east": 240, "ap-south": 200},
		"eu-central": {"us-east": 140, "us-west": 170, "eu-west": 50, "eu-central": 30, "ap-east": 220, "ap-south": 180},
		"ap-east":    {"us-east": 280, "us-west": 220, "eu-west": 240, "eu-central": 220, "ap-east": 30, "ap-south": 120},
		"ap-south":   {"us-east": 240, "us-west": 260, "eu-west": 200, "eu-central": 180, "ap-east": 120, "ap-south": 30},
	})
}

// Lookup returns the estimated latency between two regions, or
// UnknownLatencyMS when the pair has no estimate.
func (t *LatencyTable) Lookup(origin, dest string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if row, ok := t.estimates[origin]; ok {
		if ms, ok := row[dest]; ok {
			return ms
		}
	}
	return UnknownLatencyMS
}

// Replace swaps in a fresh estimate matrix. The input is deep-copied so the
// caller may keep mutating its own maps.
func (t *LatencyTable) Replace(estimates map[string]map[string]float64) {
	cp := make(map[string]map[string]float64, len(estimates))
	for origin, row := range estimates {
		rowCp := make(map[string]float64, len(row))
		for dest, ms := range row {
			rowCp[dest] = ms
		}
		cp[origin] = rowCp
	}
	t.mu.Lock()
	t.estimates = cp
	t.mu.Unlock()
}
