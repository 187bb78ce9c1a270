package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vpn4u/fleet-control-plane/internal/auth"
	"github.com/vpn4u/fleet-control-plane/internal/config"
	"github.com/vpn4u/fleet-control-plane/internal/fleet"
	"github.com/vpn4u/fleet-control-plane/internal/metrics"
	"github.com/vpn4u/fleet-control-plane/internal/model"
	"github.com/vpn4u/fleet-control-plane/internal/selection"
	"github.com/vpn4u/fleet-control-plane/internal/store"
	"github.com/vpn4u/fleet-control-plane/internal/vpn"
)

type Store interface {
	GetEntitlement(ctx context.Context, userID string) (*model.Entitlement, error)
	CountActiveSessions(ctx context.Context, userID string) (int, error)
	CreateSessionIfUnderLimit(ctx context.Context, in store.CreateSessionInput) (*model.Session, error)
	ActivateSession(ctx context.Context, sessionID, virtualIP string) (*model.Session, error)
	CloseSession(ctx context.Context, sessionID, reason string) (*model.Session, error)
	GetSessionByID(ctx context.Context, sessionID string) (*model.Session, error)
	ListUserSessions(ctx context.Context, userID string) ([]model.Session, error)
	RecordSessionActivity(ctx context.Context, sessionID string, sentDelta, receivedDelta int64) error
	GetServerByID(ctx context.Context, serverID string) (*model.Server, error)
	ListOnlineServers(ctx context.Context, region string) ([]model.Server, error)
}

// ProbeIngestor is how pushed telemetry reaches the fleet state.
type ProbeIngestor interface {
	Ingest(ctx context.Context, res model.ProbeResult) bool
}

type Server struct {
	cfg      config.Config
	store    Store
	issuer   vpn.Issuer
	fleet    *fleet.Store
	latency  *selection.LatencyTable
	ingestor ProbeIngestor
}

func NewRouter(cfg config.Config, st Store, issuer vpn.Issuer, fl *fleet.Store, latency *selection.LatencyTable, ingestor ProbeIngestor) http.Handler {
	s := &Server{
		cfg:      cfg,
		store:    st,
		issuer:   issuer,
		fleet:    fl,
		latency:  latency,
		ingestor: ingestor,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(cfg.JWTSecret)).Group(func(authed chi.Router) {
			authed.Get("/servers", s.handleListServers)
			authed.Get("/servers/recommended", s.handleRecommendedServer)
			authed.Post("/connections", s.handleConnect)
			authed.Put("/connections/{id}", s.handleDisconnect)
			authed.Get("/connections", s.handleListConnections)
		})

		v1.With(s.fleetSharedAuth).Group(func(machine chi.Router) {
			machine.Post("/fleet/telemetry", s.handleFleetTelemetry)
			machine.Post("/fleet/sessions/activity", s.handleSessionActivity)
		})
	})

	return r
}

func (s *Server) fleetSharedAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Fleet-Auth") != s.cfg.FleetSharedKey {
			writeAPIError(w, http.StatusUnauthorized, "unauthorized", "invalid fleet auth")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Error struct {
		Code         string `json:"code"`
		Message      string `json:"message"`
		CurrentCount *int   `json:"current_count,omitempty"`
		Limit        *int   `json:"limit,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeAdmissionDenied(w http.ResponseWriter, message string, currentCount, limit int) {
	var payload apiError
	payload.Error.Code = "admission_denied"
	payload.Error.Message = message
	payload.Error.CurrentCount = &currentCount
	payload.Error.Limit = &limit
	writeJSON(w, http.StatusForbidden, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
