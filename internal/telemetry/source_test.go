package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vpn4u/fleet-control-plane/internal/fleet"
	"github.com/vpn4u/fleet-control-plane/internal/model"
)

func TestHTTPSource_FetchSkipsMalformedEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"probes":[
			{"server_id":"srv_a","status":"online","load":42.5,"observed_at":"2026-08-01T12:00:00Z"},
			{"server_id":"","status":"online","load":10,"observed_at":"2026-08-01T12:00:00Z"},
			{"server_id":"srv_b","status":"rebooting","load":10,"observed_at":"2026-08-01T12:00:00Z"},
			{"server_id":"srv_c","status":"offline","load":120,"observed_at":"2026-08-01T12:00:00Z"},
			{"server_id":"srv_d","status":"maintenance","load":0,"observed_at":"not-a-time"}
		]}`))
	}))
	defer srv.Close()

	source, err := NewHTTPSource(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	probes, err := source.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch returned err: %v", err)
	}
	if len(probes) != 1 {
		t.Fatalf("expected 1 valid probe, got %d", len(probes))
	}
	if probes[0].ServerID != "srv_a" || probes[0].Load != 42.5 || probes[0].Status != model.ServerOnline {
		t.Fatalf("unexpected probe: %+v", probes[0])
	}
}

func TestHTTPSource_FetchFeedDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	source, err := NewHTTPSource(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	if _, err := source.Fetch(context.Background()); err == nil {
		t.Fatal("expected error from failing feed")
	}
}

type probeStoreRecorder struct {
	applied []model.ProbeResult
	swept   []time.Time
	servers []model.Server
}

func (r *probeStoreRecorder) ApplyProbe(_ context.Context, res model.ProbeResult) (bool, error) {
	r.applied = append(r.applied, res)
	return true, nil
}

func (r *probeStoreRecorder) MarkServersOfflineBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.swept = append(r.swept, cutoff)
	return 0, nil
}

func (r *probeStoreRecorder) ListAllServers(_ context.Context) ([]model.Server, error) {
	out := make([]model.Server, len(r.servers))
	copy(out, r.servers)
	return out, nil
}

func TestMaintainer_IngestAppliesToBothStores(t *testing.T) {
	fl := fleet.NewStore()
	fl.Hydrate([]model.Server{{ID: "srv_a", Status: model.ServerOffline}})
	rec := &probeStoreRecorder{}
	m := NewMaintainer(fl, rec, nil, 30*time.Second, 3)

	res := model.ProbeResult{
		ServerID:   "srv_a",
		Status:     model.ServerOnline,
		Load:       12,
		ObservedAt: time.Now().UTC(),
	}
	if !m.Ingest(context.Background(), res) {
		t.Fatal("probe should apply")
	}
	srv, _ := fl.Get("srv_a")
	if srv.Status != model.ServerOnline || srv.Load != 12 {
		t.Fatalf("fleet store not updated: %+v", srv)
	}
	if len(rec.applied) != 1 {
		t.Fatalf("probe not persisted, applied=%d", len(rec.applied))
	}

	// A stale redelivery is absorbed without error.
	if m.Ingest(context.Background(), res) {
		t.Fatal("redelivered probe must not apply")
	}
}

func TestMaintainer_RefreshMakesNewServersSelectable(t *testing.T) {
	fl := fleet.NewStore()
	rec := &probeStoreRecorder{
		servers: []model.Server{{ID: "srv_new", Region: "us-east", Tier: model.TierStandard, Status: model.ServerOffline}},
	}
	m := NewMaintainer(fl, rec, nil, 30*time.Second, 3)

	// Probes for a server the registry has never seen are dropped.
	res := model.ProbeResult{
		ServerID:   "srv_new",
		Status:     model.ServerOnline,
		Load:       8,
		ObservedAt: time.Now().UTC(),
	}
	if m.Ingest(context.Background(), res) {
		t.Fatal("probe for an unknown server must not apply")
	}

	// The next cycle picks the server up from the durable record.
	m.runOnce(context.Background())
	if _, ok := fl.Get("srv_new"); !ok {
		t.Fatal("refresh did not add the discovered server to the registry")
	}
	if !m.Ingest(context.Background(), res) {
		t.Fatal("probe should apply after the refresh")
	}
	srv, _ := fl.Get("srv_new")
	if srv.Status != model.ServerOnline || srv.Load != 8 {
		t.Fatalf("probe not applied after refresh: %+v", srv)
	}
}

func TestFakeSource_CopiesProbes(t *testing.T) {
	f := &FakeSource{Probes: []model.ProbeResult{{ServerID: "srv_a"}}}
	out, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch returned err: %v", err)
	}
	out[0].ServerID = "mutated"
	again, _ := f.Fetch(context.Background())
	if again[0].ServerID != "srv_a" {
		t.Fatal("FakeSource must hand out copies")
	}
}
