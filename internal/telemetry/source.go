// Package telemetry ingests fleet probe results. Probes arrive either
// pushed by the node agents through the API or pulled from an aggregate
// feed; both paths end in the same fleet-store apply.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vpn4u/fleet-control-plane/internal/model"
)

// Source is a pull feed of probe observations.
type Source interface {
	Fetch(ctx context.Context) ([]model.ProbeResult, error)
}

// HTTPSource pulls the JSON probe feed the monitoring stack exposes.
type HTTPSource struct {
	feedURL string
	client  *http.Client
}

func NewHTTPSource(feedURL string, timeout time.Duration) (*HTTPSource, error) {
	feedURL = strings.TrimSpace(feedURL)
	if feedURL == "" {
		return nil, fmt.Errorf("telemetry feed URL is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		feedURL: feedURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type feedEntry struct {
	ServerID   string  `json:"server_id"`
	Status     string  `json:"status"`
	Load       float64 `json:"load"`
	ObservedAt string  `json:"observed_at"`
}

func (h *HTTPSource) Fetch(ctx context.Context) ([]model.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch telemetry feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch telemetry feed: status %d", resp.StatusCode)
	}

	var payload struct {
		Probes []feedEntry `json:"probes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("fetch telemetry feed: decode: %w", err)
	}

	out := make([]model.ProbeResult, 0, len(payload.Probes))
	for _, entry := range payload.Probes {
		res, err := entryToProbe(entry)
		if err != nil {
			// A malformed entry should not poison the whole feed.
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

func entryToProbe(entry feedEntry) (model.ProbeResult, error) {
	if entry.ServerID == "" {
		return model.ProbeResult{}, fmt.Errorf("missing server_id")
	}
	status := model.ServerStatus(entry.Status)
	switch status {
	case model.ServerOnline, model.ServerOffline, model.ServerMaintenance:
	default:
		return model.ProbeResult{}, fmt.Errorf("unknown status %q", entry.Status)
	}
	if entry.Load < 0 || entry.Load > 100 {
		return model.ProbeResult{}, fmt.Errorf("load %v out of range", entry.Load)
	}
	observedAt, err := time.Parse(time.RFC3339, entry.ObservedAt)
	if err != nil {
		return model.ProbeResult{}, fmt.Errorf("observed_at: %w", err)
	}
	return model.ProbeResult{
		ServerID:   entry.ServerID,
		Status:     status,
		Load:       entry.Load,
		ObservedAt: observedAt.UTC(),
	}, nil
}

// FakeSource replays a fixed set of probe results, for tests and local
// runs without a monitoring stack.
type FakeSource struct {
	Probes []model.ProbeResult
}

func (f *FakeSource) Fetch(_ context.Context) ([]model.ProbeResult, error) {
	out := make([]model.ProbeResult, len(f.Probes))
	copy(out, f.Probes)
	return out, nil
}
