package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vpn4u/fleet-control-plane/internal/config"
	"github.com/vpn4u/fleet-control-plane/internal/fleet"
	"github.com/vpn4u/fleet-control-plane/internal/model"
	"github.com/vpn4u/fleet-control-plane/internal/selection"
	"github.com/vpn4u/fleet-control-plane/internal/store"
	"github.com/vpn4u/fleet-control-plane/internal/telemetry"
	"github.com/vpn4u/fleet-control-plane/internal/vpn"
)

const (
	testJWTSecret = "test-secret"
	testFleetKey  = "fleet-key"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:       ":0",
		JWTSecret:        testJWTSecret,
		FleetSharedKey:   testFleetKey,
		DefaultRegion:    "us-east",
		SupportedRegions: []string{"us-east", "us-west", "eu-west", "eu-central", "ap-east", "ap-south"},
		IssuerTimeout:    time.Second,
	}
}

func bearerToken(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

type mockStore struct {
	getEntitlement  func(ctx context.Context, userID string) (*model.Entitlement, error)
	countActive     func(ctx context.Context, userID string) (int, error)
	createSession   func(ctx context.Context, in store.CreateSessionInput) (*model.Session, error)
	activateSession func(ctx context.Context, sessionID, virtualIP string) (*model.Session, error)
	closeSession    func(ctx context.Context, sessionID, reason string) (*model.Session, error)
	getSession      func(ctx context.Context, sessionID string) (*model.Session, error)
	listSessions    func(ctx context.Context, userID string) ([]model.Session, error)
	recordActivity  func(ctx context.Context, sessionID string, sentDelta, receivedDelta int64) error
	getServer       func(ctx context.Context, serverID string) (*model.Server, error)
	listOnline      func(ctx context.Context, region string) ([]model.Server, error)
}

func (m *mockStore) GetEntitlement(ctx context.Context, userID string) (*model.Entitlement, error) {
	if m.getEntitlement == nil {
		return nil, nil
	}
	return m.getEntitlement(ctx, userID)
}

func (m *mockStore) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	if m.countActive == nil {
		return 0, nil
	}
	return m.countActive(ctx, userID)
}

func (m *mockStore) CreateSessionIfUnderLimit(ctx context.Context, in store.CreateSessionInput) (*model.Session, error) {
	if m.createSession == nil {
		return nil, errors.New("unexpected CreateSessionIfUnderLimit")
	}
	return m.createSession(ctx, in)
}

func (m *mockStore) ActivateSession(ctx context.Context, sessionID, virtualIP string) (*model.Session, error) {
	if m.activateSession == nil {
		return nil, errors.New("unexpected ActivateSession")
	}
	return m.activateSession(ctx, sessionID, virtualIP)
}

func (m *mockStore) CloseSession(ctx context.Context, sessionID, reason string) (*model.Session, error) {
	if m.closeSession == nil {
		return nil, errors.New("unexpected CloseSession")
	}
	return m.closeSession(ctx, sessionID, reason)
}

func (m *mockStore) GetSessionByID(ctx context.Context, sessionID string) (*model.Session, error) {
	if m.getSession == nil {
		return nil, store.ErrNotFound
	}
	return m.getSession(ctx, sessionID)
}

func (m *mockStore) ListUserSessions(ctx context.Context, userID string) ([]model.Session, error) {
	if m.listSessions == nil {
		return nil, nil
	}
	return m.listSessions(ctx, userID)
}

func (m *mockStore) RecordSessionActivity(ctx context.Context, sessionID string, sentDelta, receivedDelta int64) error {
	if m.recordActivity == nil {
		return errors.New("unexpected RecordSessionActivity")
	}
	return m.recordActivity(ctx, sessionID, sentDelta, receivedDelta)
}

func (m *mockStore) GetServerByID(ctx context.Context, serverID string) (*model.Server, error) {
	if m.getServer == nil {
		return nil, store.ErrNotFound
	}
	return m.getServer(ctx, serverID)
}

func (m *mockStore) ListOnlineServers(ctx context.Context, region string) ([]model.Server, error) {
	if m.listOnline == nil {
		return nil, nil
	}
	return m.listOnline(ctx, region)
}

type mockIssuer struct {
	issue  func(ctx context.Context, req vpn.IssueRequest) (vpn.Credentials, error)
	revoke func(ctx context.Context, req vpn.RevokeRequest) error
}

func (m *mockIssuer) Issue(ctx context.Context, req vpn.IssueRequest) (vpn.Credentials, error) {
	if m.issue == nil {
		return vpn.Credentials{VirtualIP: "10.8.0.2", ClientConfig: "config"}, nil
	}
	return m.issue(ctx, req)
}

func (m *mockIssuer) Revoke(ctx context.Context, req vpn.RevokeRequest) error {
	if m.revoke == nil {
		return nil
	}
	return m.revoke(ctx, req)
}

func newTestRouter(st Store, issuer vpn.Issuer, fl *fleet.Store) http.Handler {
	if fl == nil {
		fl = fleet.NewStore()
	}
	if issuer == nil {
		issuer = &mockIssuer{}
	}
	m := telemetry.NewMaintainer(fl, nil, nil, 30*time.Second, 3)
	return NewRouter(testConfig(), st, issuer, fl, selection.DefaultLatencyTable(), m)
}

func onlineServer(id, region string, tier model.ServerTier, load float64) model.Server {
	return model.Server{
		ID:       id,
		Name:     "node " + id,
		Hostname: id + ".vpn4u.example",
		Region:   region,
		Tier:     tier,
		Protocol: "openvpn",
		Port:     1194,
		Status:   model.ServerOnline,
		Load:     load,
		Capacity: 1000,
	}
}

func entitlement(plan string) *model.Entitlement {
	ent := model.EntitlementForPlan(plan, time.Now().Add(24*time.Hour))
	return &ent
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConnect_Success(t *testing.T) {
	srv := onlineServer("srv_a", "us-east", model.TierStandard, 20)
	var closedReason string
	st := &mockStore{
		getServer:      func(_ context.Context, id string) (*model.Server, error) { return &srv, nil },
		getEntitlement: func(_ context.Context, _ string) (*model.Entitlement, error) { return entitlement("basic"), nil },
		countActive:    func(_ context.Context, _ string) (int, error) { return 1, nil },
		createSession: func(_ context.Context, in store.CreateSessionInput) (*model.Session, error) {
			if in.Limit != 3 {
				t.Fatalf("expected limit 3, got %d", in.Limit)
			}
			return &model.Session{
				ID: "ses_1", UserID: in.UserID, ServerID: in.ServerID,
				DeviceName: in.DeviceName, DeviceType: in.DeviceType,
				Status: model.SessionPending, CreatedAt: time.Now(), LastActivityAt: time.Now(),
			}, nil
		},
		activateSession: func(_ context.Context, id, ip string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "u1", ServerID: srv.ID, VirtualIP: ip, Status: model.SessionActive}, nil
		},
		closeSession: func(_ context.Context, _, reason string) (*model.Session, error) {
			closedReason = reason
			return nil, nil
		},
	}
	h := newTestRouter(st, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/connections", bearerToken(t, "u1"), connectRequest{
		ServerID: "srv_a", DeviceName: "My Laptop", DeviceType: "linux",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Session sessionResponse `json:"session"`
		Server  serverResponse  `json:"server"`
		Config  string          `json:"config"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Session.Status != "active" || out.Session.VirtualIP != "10.8.0.2" {
		t.Fatalf("unexpected session: %+v", out.Session)
	}
	if out.Server.ID != "srv_a" || out.Config == "" {
		t.Fatalf("unexpected server/config: %+v %q", out.Server, out.Config)
	}
	if closedReason != "" {
		t.Fatalf("no rollback expected, got close reason %q", closedReason)
	}
}

func TestConnect_NoEntitlementDenied(t *testing.T) {
	srv := onlineServer("srv_a", "us-east", model.TierStandard, 20)
	st := &mockStore{
		getServer:      func(_ context.Context, _ string) (*model.Server, error) { return &srv, nil },
		getEntitlement: func(_ context.Context, _ string) (*model.Entitlement, error) { return nil, nil },
	}
	h := newTestRouter(st, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/connections", bearerToken(t, "u1"), connectRequest{
		ServerID: "srv_a", DeviceName: "phone", DeviceType: "android",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rec.Code, rec.Body.String())
	}
	var out apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Error.Code != "admission_denied" {
		t.Fatalf("expected admission_denied, got %q", out.Error.Code)
	}
}

func TestConnect_TierNotAllowed(t *testing.T) {
	srv := onlineServer("srv_p", "us-east", model.TierPremium, 10)
	st := &mockStore{
		getServer:      func(_ context.Context, _ string) (*model.Server, error) { return &srv, nil },
		getEntitlement: func(_ context.Context, _ string) (*model.Entitlement, error) { return entitlement("basic"), nil },
	}
	h := newTestRouter(st, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/connections", bearerToken(t, "u1"), connectRequest{
		ServerID: "srv_p", DeviceName: "phone", DeviceType: "ios",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestConnect_LimitReachedAtCount(t *testing.T) {
	srv := onlineServer("srv_a", "us-east", model.TierStandard, 20)
	st := &mockStore{
		getServer:      func(_ context.Context, _ string) (*model.Server, error) { return &srv, nil },
		getEntitlement: func(_ context.Context, _ string) (*model.Entitlement, error) { return entitlement("basic"), nil },
		countActive:    func(_ context.Context, _ string) (int, error) { return 3, nil },
	}
	h := newTestRouter(st, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/connections", bearerToken(t, "u1"), connectRequest{
		ServerID: "srv_a", DeviceName: "fourth device", DeviceType: "windows",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rec.Code, rec.Body.String())
	}
	var out apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Error.Limit == nil || *out.Error.Limit != 3 {
		t.Fatalf("expected limit 3 in error payload, got %+v", out.Error)
	}
}

func TestConnect_IssuanceFailureRollsBack(t *testing.T) {
	srv := onlineServer("srv_a", "us-east", model.TierStandard, 20)
	var closedID, closedReason string
	st := &mockStore{
		getServer:      func(_ context.Context, _ string) (*model.Server, error) { return &srv, nil },
		getEntitlement: func(_ context.Context, _ string) (*model.Entitlement, error) { return entitlement("premium"), nil },
		createSession: func(_ context.Context, in store.CreateSessionInput) (*model.Session, error) {
			return &model.Session{ID: "ses_fail", UserID: in.UserID, Status: model.SessionPending}, nil
		},
		closeSession: func(_ context.Context, id, reason string) (*model.Session, error) {
			closedID, closedReason = id, reason
			return &model.Session{ID: id, Status: model.SessionError, CloseReason: reason}, nil
		},
	}
	issuer := &mockIssuer{
		issue: func(_ context.Context, _ vpn.IssueRequest) (vpn.Credentials, error) {
			return vpn.Credentials{}, errors.New("node unreachable")
		},
	}
	h := newTestRouter(st, issuer, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/connections", bearerToken(t, "u1"), connectRequest{
		ServerID: "srv_a", DeviceName: "laptop", DeviceType: "macos",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d body=%s", rec.Code, rec.Body.String())
	}
	if closedID != "ses_fail" || closedReason != "issuance_failure" {
		t.Fatalf("expected rollback close(ses_fail, issuance_failure), got (%q, %q)", closedID, closedReason)
	}
}

func TestConnect_RollbackSurvivesCanceledRequest(t *testing.T) {
	srv := onlineServer("srv_a", "us-east", model.TierStandard, 20)
	var closedReason string
	var closeCtxErr error
	st := &mockStore{
		getServer:      func(_ context.Context, _ string) (*model.Server, error) { return &srv, nil },
		getEntitlement: func(_ context.Context, _ string) (*model.Entitlement, error) { return entitlement("basic"), nil },
		createSession: func(_ context.Context, in store.CreateSessionInput) (*model.Session, error) {
			return &model.Session{ID: "ses_gone", UserID: in.UserID, Status: model.SessionPending}, nil
		},
		closeSession: func(ctx context.Context, id, reason string) (*model.Session, error) {
			closeCtxErr = ctx.Err()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			closedReason = reason
			return &model.Session{ID: id, Status: model.SessionError, CloseReason: reason}, nil
		},
	}

	reqCtx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()
	issuer := &mockIssuer{
		issue: func(ctx context.Context, _ vpn.IssueRequest) (vpn.Credentials, error) {
			// The client disconnects while issuance is in flight.
			cancelReq()
			<-ctx.Done()
			return vpn.Credentials{}, ctx.Err()
		},
	}
	h := newTestRouter(st, issuer, nil)

	body := `{"server_id":"srv_a","device_name":"laptop","device_type":"linux"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/connections", bytes.NewBufferString(body)).WithContext(reqCtx)
	req.Header.Set("Authorization", bearerToken(t, "u1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if closeCtxErr != nil {
		t.Fatalf("rollback ran on the dead request context: %v", closeCtxErr)
	}
	if closedReason != "issuance_failure" {
		t.Fatalf("session must be rolled to error after the client is gone, got close reason %q", closedReason)
	}
}

func TestConnect_UnknownServer(t *testing.T) {
	h := newTestRouter(&mockStore{}, nil, nil)
	rec := doJSON(t, h, http.MethodPost, "/api/v1/connections", bearerToken(t, "u1"), connectRequest{
		ServerID: "srv_missing", DeviceName: "laptop", DeviceType: "linux",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestConnect_InvalidDeviceType(t *testing.T) {
	h := newTestRouter(&mockStore{}, nil, nil)
	rec := doJSON(t, h, http.MethodPost, "/api/v1/connections", bearerToken(t, "u1"), connectRequest{
		ServerID: "srv_a", DeviceName: "toaster", DeviceType: "freebsd",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestConnect_Unauthorized(t *testing.T) {
	h := newTestRouter(&mockStore{}, nil, nil)
	rec := doJSON(t, h, http.MethodPost, "/api/v1/connections", "", connectRequest{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDisconnect_NotOwner(t *testing.T) {
	st := &mockStore{
		getSession: func(_ context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "someone-else", Status: model.SessionActive}, nil
		},
	}
	h := newTestRouter(st, nil, nil)

	rec := doJSON(t, h, http.MethodPut, "/api/v1/connections/ses_1", bearerToken(t, "u1"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestDisconnect_IdempotentOnClosed(t *testing.T) {
	closedAt := time.Now().Add(-time.Minute)
	revoked := false
	st := &mockStore{
		getSession: func(_ context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "u1", Status: model.SessionClosed, CloseReason: "user_disconnect", ClosedAt: &closedAt}, nil
		},
		closeSession: func(_ context.Context, id, reason string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "u1", Status: model.SessionClosed, CloseReason: "user_disconnect", ClosedAt: &closedAt}, nil
		},
	}
	issuer := &mockIssuer{
		revoke: func(_ context.Context, _ vpn.RevokeRequest) error {
			revoked = true
			return nil
		},
	}
	h := newTestRouter(st, issuer, nil)

	rec := doJSON(t, h, http.MethodPut, "/api/v1/connections/ses_1", bearerToken(t, "u1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if revoked {
		t.Fatal("terminal session must not trigger another revoke")
	}
}

func TestDisconnect_ActiveRevokesAndCloses(t *testing.T) {
	srv := onlineServer("srv_a", "us-east", model.TierStandard, 20)
	var revokedSession string
	st := &mockStore{
		getSession: func(_ context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "u1", ServerID: "srv_a", Status: model.SessionActive}, nil
		},
		getServer: func(_ context.Context, _ string) (*model.Server, error) { return &srv, nil },
		closeSession: func(_ context.Context, id, reason string) (*model.Session, error) {
			if reason != "user_disconnect" {
				t.Fatalf("expected user_disconnect reason, got %q", reason)
			}
			now := time.Now()
			return &model.Session{ID: id, UserID: "u1", Status: model.SessionClosed, CloseReason: reason, ClosedAt: &now}, nil
		},
	}
	issuer := &mockIssuer{
		revoke: func(_ context.Context, req vpn.RevokeRequest) error {
			revokedSession = req.SessionID
			return nil
		},
	}
	h := newTestRouter(st, issuer, nil)

	rec := doJSON(t, h, http.MethodPut, "/api/v1/connections/ses_9", bearerToken(t, "u1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if revokedSession != "ses_9" {
		t.Fatalf("expected revoke for ses_9, got %q", revokedSession)
	}
}

func TestListConnections_Stats(t *testing.T) {
	st := &mockStore{
		listSessions: func(_ context.Context, _ string) ([]model.Session, error) {
			return []model.Session{
				{ID: "ses_1", Status: model.SessionActive},
				{ID: "ses_2", Status: model.SessionPending},
				{ID: "ses_3", Status: model.SessionClosed},
			}, nil
		},
		getEntitlement: func(_ context.Context, _ string) (*model.Entitlement, error) { return entitlement("premium"), nil },
	}
	h := newTestRouter(st, nil, nil)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/connections", bearerToken(t, "u1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out struct {
		Sessions []sessionResponse `json:"sessions"`
		Stats    map[string]int    `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(out.Sessions))
	}
	if out.Stats["active"] != 2 || out.Stats["limit"] != 5 || out.Stats["available"] != 3 {
		t.Fatalf("unexpected stats: %v", out.Stats)
	}
}

func TestRecommended_PicksLowestScore(t *testing.T) {
	fl := fleet.NewStore()
	fl.Hydrate([]model.Server{
		onlineServer("srv_busy", "us-east", model.TierStandard, 90),
		onlineServer("srv_calm", "us-east", model.TierStandard, 10),
	})
	st := &mockStore{
		getEntitlement: func(_ context.Context, _ string) (*model.Entitlement, error) { return entitlement("basic"), nil },
	}
	h := newTestRouter(st, nil, fl)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/servers/recommended?region=us-east", bearerToken(t, "u1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Server serverResponse `json:"server"`
		Region string         `json:"region"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Server.ID != "srv_calm" {
		t.Fatalf("expected srv_calm, got %q", out.Server.ID)
	}
	if out.Region != "us-east" {
		t.Fatalf("expected region us-east, got %q", out.Region)
	}
}

func TestRecommended_NoneAvailable(t *testing.T) {
	fl := fleet.NewStore()
	offline := onlineServer("srv_down", "us-east", model.TierStandard, 10)
	offline.Status = model.ServerOffline
	fl.Hydrate([]model.Server{offline})
	st := &mockStore{
		getEntitlement: func(_ context.Context, _ string) (*model.Entitlement, error) { return entitlement("basic"), nil },
	}
	h := newTestRouter(st, nil, fl)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/servers/recommended", bearerToken(t, "u1"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rec.Code, rec.Body.String())
	}
	var out apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Error.Code != "no_server_available" {
		t.Fatalf("expected no_server_available, got %q", out.Error.Code)
	}
}

func TestRecommended_NoEntitlementLimitedToStandard(t *testing.T) {
	fl := fleet.NewStore()
	fl.Hydrate([]model.Server{
		onlineServer("srv_prem", "us-east", model.TierPremium, 5),
		onlineServer("srv_std", "us-east", model.TierStandard, 50),
	})
	h := newTestRouter(&mockStore{}, nil, fl)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/servers/recommended?region=us-east", bearerToken(t, "u1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Server serverResponse `json:"server"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Server.ID != "srv_std" {
		t.Fatalf("expected standard-tier server, got %q", out.Server.ID)
	}
}

func TestListServers_DefaultsRegion(t *testing.T) {
	var requestedRegion string
	st := &mockStore{
		listOnline: func(_ context.Context, region string) ([]model.Server, error) {
			requestedRegion = region
			return []model.Server{onlineServer("srv_a", region, model.TierStandard, 10)}, nil
		},
	}
	h := newTestRouter(st, nil, nil)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/servers?region=mars", bearerToken(t, "u1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if requestedRegion != "us-east" {
		t.Fatalf("unknown region must fall back to default, got %q", requestedRegion)
	}
}

func TestFleetTelemetry_SharedKeyRequired(t *testing.T) {
	h := newTestRouter(&mockStore{}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fleet/telemetry", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without shared key, got %d", rec.Code)
	}
}

func TestFleetTelemetry_AppliesAndReportsStale(t *testing.T) {
	fl := fleet.NewStore()
	fl.Hydrate([]model.Server{onlineServer("srv_a", "us-east", model.TierStandard, 10)})
	h := newTestRouter(&mockStore{}, nil, fl)

	push := func(observedAt string) *httptest.ResponseRecorder {
		body := fmt.Sprintf(`{"server_id":"srv_a","status":"online","load":55,"observed_at":%q}`, observedAt)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/fleet/telemetry", bytes.NewBufferString(body))
		req.Header.Set("X-Fleet-Auth", testFleetKey)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := push("2026-08-01T12:00:00Z")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Applied bool `json:"applied"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !out.Applied {
		t.Fatal("first probe should apply")
	}
	srv, _ := fl.Get("srv_a")
	if srv.Load != 55 {
		t.Fatalf("load not applied: %+v", srv)
	}

	// Redelivery with the same timestamp is stale.
	rec = push("2026-08-01T12:00:00Z")
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rec.Code != http.StatusOK || out.Applied {
		t.Fatalf("stale probe must report applied=false, code=%d applied=%v", rec.Code, out.Applied)
	}
}

func TestSessionActivity_InvalidTransition(t *testing.T) {
	st := &mockStore{
		recordActivity: func(_ context.Context, _ string, _, _ int64) error {
			return store.ErrInvalidTransition
		},
	}
	h := newTestRouter(st, nil, nil)

	body := `{"session_id":"ses_1","bytes_sent_delta":100,"bytes_received_delta":200}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fleet/sessions/activity", bytes.NewBufferString(body))
	req.Header.Set("X-Fleet-Auth", testFleetKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rec.Code, rec.Body.String())
	}
	var out apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", out.Error.Code)
	}
}

// memStore is an in-memory Store with the same critical-section semantics as
// the Postgres layer, used to exercise concurrent admission.
type memStore struct {
	mu       sync.Mutex
	ent      *model.Entitlement
	server   model.Server
	sessions map[string]*model.Session
	nextID   int
}

func newMemStore(ent *model.Entitlement, server model.Server) *memStore {
	return &memStore{ent: ent, server: server, sessions: make(map[string]*model.Session)}
}

func (m *memStore) GetEntitlement(_ context.Context, _ string) (*model.Entitlement, error) {
	return m.ent, nil
}

func (m *memStore) CountActiveSessions(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(userID), nil
}

func (m *memStore) countLocked(userID string) int {
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && !s.Status.Terminal() {
			n++
		}
	}
	return n
}

func (m *memStore) CreateSessionIfUnderLimit(_ context.Context, in store.CreateSessionInput) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countLocked(in.UserID) >= in.Limit {
		return nil, store.ErrLimitReached
	}
	m.nextID++
	sess := &model.Session{
		ID:     fmt.Sprintf("ses_%d", m.nextID),
		UserID: in.UserID, ServerID: in.ServerID,
		DeviceName: in.DeviceName, DeviceType: in.DeviceType,
		Status: model.SessionPending, CreatedAt: time.Now(), LastActivityAt: time.Now(),
	}
	m.sessions[sess.ID] = sess
	return sess, nil
}

func (m *memStore) ActivateSession(_ context.Context, sessionID, virtualIP string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.Status != model.SessionPending {
		return nil, store.ErrInvalidTransition
	}
	sess.Status = model.SessionActive
	sess.VirtualIP = virtualIP
	out := *sess
	return &out, nil
}

func (m *memStore) CloseSession(_ context.Context, sessionID, reason string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !sess.Status.Terminal() {
		sess.Status = model.SessionClosed
		sess.CloseReason = reason
		now := time.Now()
		sess.ClosedAt = &now
	}
	out := *sess
	return &out, nil
}

func (m *memStore) GetSessionByID(_ context.Context, sessionID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *sess
	return &out, nil
}

func (m *memStore) ListUserSessions(_ context.Context, userID string) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) RecordSessionActivity(_ context.Context, sessionID string, _, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if sess.Status != model.SessionActive {
		return store.ErrInvalidTransition
	}
	sess.LastActivityAt = time.Now()
	return nil
}

func (m *memStore) GetServerByID(_ context.Context, serverID string) (*model.Server, error) {
	if serverID != m.server.ID {
		return nil, store.ErrNotFound
	}
	out := m.server
	return &out, nil
}

func (m *memStore) ListOnlineServers(_ context.Context, _ string) ([]model.Server, error) {
	return []model.Server{m.server}, nil
}

func TestConnect_ConcurrentRequestsRespectLimit(t *testing.T) {
	srv := onlineServer("srv_a", "us-east", model.TierStandard, 20)
	st := newMemStore(entitlement("basic"), srv)
	h := newTestRouter(st, nil, nil)
	token := bearerToken(t, "u1")

	const attempts = 8
	codes := make([]int, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"server_id":"srv_a","device_name":"device %d","device_type":"linux"}`, i)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/connections", bytes.NewBufferString(body))
			req.Header.Set("Authorization", token)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	created, denied := 0, 0
	for _, code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusForbidden:
			denied++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	if created != 3 {
		t.Fatalf("expected exactly 3 sessions within the basic plan limit, got %d", created)
	}
	if denied != attempts-3 {
		t.Fatalf("expected %d denials, got %d", attempts-3, denied)
	}

	live, _ := st.CountActiveSessions(context.Background(), "u1")
	if live != 3 {
		t.Fatalf("store holds %d live sessions, want 3", live)
	}
}
