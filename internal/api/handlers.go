package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vpn4u/fleet-control-plane/internal/admission"
	"github.com/vpn4u/fleet-control-plane/internal/auth"
	"github.com/vpn4u/fleet-control-plane/internal/metrics"
	"github.com/vpn4u/fleet-control-plane/internal/model"
	"github.com/vpn4u/fleet-control-plane/internal/selection"
	"github.com/vpn4u/fleet-control-plane/internal/store"
	"github.com/vpn4u/fleet-control-plane/internal/vpn"
)

type connectRequest struct {
	ServerID   string `json:"server_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
}

type sessionResponse struct {
	ID             string     `json:"id"`
	ServerID       string     `json:"server_id"`
	DeviceName     string     `json:"device_name"`
	DeviceType     string     `json:"device_type"`
	VirtualIP      string     `json:"virtual_ip,omitempty"`
	Status         string     `json:"status"`
	CloseReason    string     `json:"close_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	BytesSent      int64      `json:"bytes_sent"`
	BytesReceived  int64      `json:"bytes_received"`
}

type serverResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Hostname    string  `json:"hostname"`
	Region      string  `json:"region"`
	CountryCode string  `json:"country_code"`
	Tier        string  `json:"tier"`
	Protocol    string  `json:"protocol"`
	Port        int     `json:"port"`
	Status      string  `json:"status"`
	Load        float64 `json:"load"`
}

func toSessionResponse(s model.Session) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		ServerID:       s.ServerID,
		DeviceName:     s.DeviceName,
		DeviceType:     s.DeviceType,
		VirtualIP:      s.VirtualIP,
		Status:         string(s.Status),
		CloseReason:    s.CloseReason,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		ClosedAt:       s.ClosedAt,
		BytesSent:      s.BytesSent,
		BytesReceived:  s.BytesReceived,
	}
}

func toServerResponse(s model.Server) serverResponse {
	return serverResponse{
		ID:          s.ID,
		Name:        s.Name,
		Hostname:    s.Hostname,
		Region:      s.Region,
		CountryCode: s.CountryCode,
		Tier:        string(s.Tier),
		Protocol:    s.Protocol,
		Port:        s.Port,
		Status:      string(s.Status),
		Load:        s.Load,
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user")
		return
	}

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	req.DeviceName = strings.TrimSpace(req.DeviceName)
	if req.ServerID == "" || req.DeviceName == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "server_id and device_name are required")
		return
	}
	if len(req.DeviceName) > 255 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "device_name too long")
		return
	}
	if !model.ValidDeviceType(req.DeviceType) {
		writeAPIError(w, http.StatusUnprocessableEntity, "invalid_device_type", "device_type must be one of windows, macos, linux, android, ios")
		return
	}

	server, err := s.store.GetServerByID(r.Context(), req.ServerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "server not found")
			return
		}
		s.internalError(w, "get_server", err)
		return
	}
	if server.Status != model.ServerOnline {
		writeAPIError(w, http.StatusConflict, "server_unavailable", "server is not accepting connections")
		return
	}

	ent, err := s.store.GetEntitlement(r.Context(), userID)
	if err != nil {
		s.internalError(w, "get_entitlement", err)
		return
	}
	count, err := s.store.CountActiveSessions(r.Context(), userID)
	if err != nil {
		s.internalError(w, "count_sessions", err)
		return
	}

	dec := admission.Evaluate(ent, count, *server, time.Now().UTC())
	metrics.Default().IncCounter("vpn4u_admission_decisions_total", map[string]string{
		"outcome": outcomeLabel(dec.Allowed),
		"reason":  reasonLabel(dec.Reason),
	})
	if !dec.Allowed {
		log.Printf("event=admission_denied user_id=%s server_id=%s reason=%q count=%d limit=%d",
			userID, server.ID, dec.Reason, dec.CurrentCount, dec.Limit)
		writeAdmissionDenied(w, dec.Message(), dec.CurrentCount, dec.Limit)
		return
	}

	sess, err := s.store.CreateSessionIfUnderLimit(r.Context(), store.CreateSessionInput{
		UserID:     userID,
		ServerID:   server.ID,
		DeviceName: req.DeviceName,
		DeviceType: req.DeviceType,
		Limit:      ent.Limit,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrLimitReached):
			// A concurrent request won the race for the last slot.
			metrics.Default().IncCounter("vpn4u_admission_decisions_total", map[string]string{
				"outcome": "denied",
				"reason":  "limit_reached",
			})
			writeAdmissionDenied(w, admission.Decision{Reason: admission.ReasonLimitReached, Limit: ent.Limit}.Message(), ent.Limit, ent.Limit)
		case errors.Is(err, store.ErrNotFound):
			writeAPIError(w, http.StatusNotFound, "not_found", "user not found")
		default:
			s.internalError(w, "create_session", err)
		}
		return
	}

	creds, err := s.issue(r.Context(), *sess, *server)
	if err != nil {
		reason := "issuance_failure"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "issuance_timeout"
		}
		log.Printf("event=issuance status=error session_id=%s server_id=%s err=%q", sess.ID, server.ID, err.Error())
		rollbackCtx, cancel := s.rollbackContext(r.Context())
		defer cancel()
		if _, cerr := s.store.CloseSession(rollbackCtx, sess.ID, reason); cerr != nil {
			log.Printf("event=issuance_rollback status=error session_id=%s err=%q", sess.ID, cerr.Error())
		}
		writeAPIError(w, http.StatusInternalServerError, "issuance_failure", "failed to issue VPN credentials")
		return
	}

	active, err := s.store.ActivateSession(r.Context(), sess.ID, creds.VirtualIP)
	if err != nil {
		log.Printf("event=activation status=error session_id=%s err=%q", sess.ID, err.Error())
		rollbackCtx, cancel := s.rollbackContext(r.Context())
		defer cancel()
		s.revoke(rollbackCtx, *sess, *server)
		if _, cerr := s.store.CloseSession(rollbackCtx, sess.ID, "activation_failure"); cerr != nil {
			log.Printf("event=activation_rollback status=error session_id=%s err=%q", sess.ID, cerr.Error())
		}
		writeAPIError(w, http.StatusInternalServerError, "activation_failure", "failed to activate session")
		return
	}

	log.Printf("event=session_connect session_id=%s user_id=%s server_id=%s device_type=%s",
		active.ID, userID, server.ID, active.DeviceType)
	writeJSON(w, http.StatusCreated, map[string]any{
		"session": toSessionResponse(*active),
		"server":  toServerResponse(*server),
		"config":  creds.ClientConfig,
	})
}

// rollbackContext detaches a compensating write from the request context.
// The client may already be gone (disconnect, middleware timeout) when a
// rollback runs; a session left in pending would hold one of the user's
// limit slots forever, since the reaper only scans active sessions.
func (s *Server) rollbackContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), s.cfg.IssuerTimeout)
}

// issue calls the node agent under the configured deadline and records the
// issuance outcome.
func (s *Server) issue(ctx context.Context, sess model.Session, server model.Server) (vpn.Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IssuerTimeout)
	defer cancel()

	start := time.Now()
	creds, err := s.issuer.Issue(ctx, vpn.IssueRequest{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		DeviceName: sess.DeviceName,
		Server:     server,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().IncCounter("vpn4u_issuance_total", map[string]string{"status": status})
	metrics.Default().ObserveHistogram("vpn4u_issuance_latency_ms", float64(time.Since(start).Milliseconds()), nil)
	return creds, err
}

// revoke is best effort: the node reaps unknown clients on its own, so a
// failed revoke is logged and dropped.
func (s *Server) revoke(ctx context.Context, sess model.Session, server model.Server) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IssuerTimeout)
	defer cancel()

	err := s.issuer.Revoke(ctx, vpn.RevokeRequest{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		DeviceName: sess.DeviceName,
		Server:     server,
	})
	status := "ok"
	if err != nil {
		status = "error"
		log.Printf("event=revocation status=error session_id=%s server_id=%s err=%q", sess.ID, server.ID, err.Error())
	}
	metrics.Default().IncCounter("vpn4u_revocation_total", map[string]string{"status": status})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user")
		return
	}
	sessionID := chi.URLParam(r, "id")

	sess, err := s.store.GetSessionByID(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		s.internalError(w, "get_session", err)
		return
	}
	if sess.UserID != userID {
		writeAPIError(w, http.StatusForbidden, "forbidden", "session belongs to another user")
		return
	}

	if !sess.Status.Terminal() {
		if server, serr := s.store.GetServerByID(r.Context(), sess.ServerID); serr == nil {
			s.revoke(r.Context(), *sess, *server)
		} else {
			log.Printf("event=revocation status=skipped session_id=%s server_id=%s err=%q", sess.ID, sess.ServerID, serr.Error())
		}
	}

	closed, err := s.store.CloseSession(r.Context(), sessionID, "user_disconnect")
	if err != nil {
		s.internalError(w, "close_session", err)
		return
	}
	log.Printf("event=session_disconnect session_id=%s user_id=%s status=%s", closed.ID, userID, closed.Status)
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(*closed)})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user")
		return
	}

	sessions, err := s.store.ListUserSessions(r.Context(), userID)
	if err != nil {
		s.internalError(w, "list_sessions", err)
		return
	}
	ent, err := s.store.GetEntitlement(r.Context(), userID)
	if err != nil {
		s.internalError(w, "get_entitlement", err)
		return
	}

	active := 0
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		if !sess.Status.Terminal() {
			active++
		}
		out = append(out, toSessionResponse(sess))
	}

	limit := 0
	if ent != nil && !ent.Expired(time.Now().UTC()) {
		limit = ent.Limit
	}
	available := limit - active
	if available < 0 {
		available = 0
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"stats": map[string]int{
			"active":    active,
			"limit":     limit,
			"available": available,
		},
	})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	region := s.resolveRegion(r)
	servers, err := s.store.ListOnlineServers(r.Context(), region)
	if err != nil {
		s.internalError(w, "list_servers", err)
		return
	}
	out := make([]serverResponse, 0, len(servers))
	for _, srv := range servers {
		out = append(out, toServerResponse(srv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"region": region, "servers": out})
}

func (s *Server) handleRecommendedServer(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user")
		return
	}
	region := s.resolveRegion(r)

	ent, err := s.store.GetEntitlement(r.Context(), userID)
	if err != nil {
		s.internalError(w, "get_entitlement", err)
		return
	}
	// Browsing for a server is open to everyone; without an active
	// entitlement the recommendation is restricted to the standard tier.
	tiers := []model.ServerTier{model.TierStandard}
	if ent != nil && !ent.Expired(time.Now().UTC()) {
		tiers = ent.AllowedTiers
	}

	srv, err := selection.SelectServer(region, tiers, s.fleet.Snapshot(), s.latency)
	if err != nil {
		if errors.Is(err, selection.ErrNoneAvailable) {
			metrics.Default().IncCounter("vpn4u_selection_total", map[string]string{"outcome": "none_available"})
			writeAPIError(w, http.StatusNotFound, "no_server_available", "no server is available for your plan")
			return
		}
		s.internalError(w, "select_server", err)
		return
	}
	metrics.Default().IncCounter("vpn4u_selection_total", map[string]string{"outcome": "ok"})
	writeJSON(w, http.StatusOK, map[string]any{
		"region": region,
		"server": toServerResponse(srv),
	})
}

type probePush struct {
	ServerID   string  `json:"server_id"`
	Status     string  `json:"status"`
	Load       float64 `json:"load"`
	ObservedAt string  `json:"observed_at"`
}

func (s *Server) handleFleetTelemetry(w http.ResponseWriter, r *http.Request) {
	var req probePush
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	status := model.ServerStatus(req.Status)
	if req.ServerID == "" || (status != model.ServerOnline && status != model.ServerOffline && status != model.ServerMaintenance) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "server_id and a valid status are required")
		return
	}
	if req.Load < 0 || req.Load > 100 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "load must be between 0 and 100")
		return
	}
	observedAt, err := time.Parse(time.RFC3339, req.ObservedAt)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "observed_at must be RFC 3339")
		return
	}

	applied := s.ingestor.Ingest(r.Context(), model.ProbeResult{
		ServerID:   req.ServerID,
		Status:     status,
		Load:       req.Load,
		ObservedAt: observedAt.UTC(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

type activityReport struct {
	SessionID          string `json:"session_id"`
	BytesSentDelta     int64  `json:"bytes_sent_delta"`
	BytesReceivedDelta int64  `json:"bytes_received_delta"`
}

func (s *Server) handleSessionActivity(w http.ResponseWriter, r *http.Request) {
	var req activityReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.BytesSentDelta < 0 || req.BytesReceivedDelta < 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "session_id and non-negative byte deltas are required")
		return
	}

	err := s.store.RecordSessionActivity(r.Context(), req.SessionID, req.BytesSentDelta, req.BytesReceivedDelta)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, store.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, store.ErrInvalidTransition):
		writeAPIError(w, http.StatusConflict, "invalid_transition", "session is not active")
	default:
		s.internalError(w, "record_activity", err)
	}
}

// resolveRegion takes the caller's explicit region when it is one we know,
// otherwise the configured default.
func (s *Server) resolveRegion(r *http.Request) string {
	region := r.URL.Query().Get("region")
	if region == "" {
		return s.cfg.DefaultRegion
	}
	for _, known := range s.cfg.SupportedRegions {
		if region == known {
			return region
		}
	}
	return s.cfg.DefaultRegion
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("event=api_error op=%s err=%q", op, err.Error())
	writeAPIError(w, http.StatusInternalServerError, "internal", "internal error")
}

func outcomeLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

func reasonLabel(reason string) string {
	return strings.ReplaceAll(reason, " ", "_")
}
