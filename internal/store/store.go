// Package store is the Postgres persistence layer. Session lifecycle rules
// are enforced here with conditional updates: every transition names the
// states it may leave from, so a lost race surfaces as zero rows affected
// instead of a silent overwrite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vpn4u/fleet-control-plane/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrLimitReached      = errors.New("connection limit reached")
	ErrInvalidTransition = errors.New("invalid session transition")
)

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

// failureReasons are close reasons that land a session in error instead of
// closed.
var failureReasons = map[string]bool{
	"issuance_failure":   true,
	"issuance_timeout":   true,
	"activation_failure": true,
	"node_error":         true,
}

const sessionColumns = `
select s.id, s.user_id, s.server_id, s.device_name, s.device_type, coalesce(s.virtual_ip::text, ''),
       s.status, coalesce(s.close_reason, ''), s.created_at, s.last_activity_at, s.closed_at,
       s.bytes_sent, s.bytes_received
from sessions s`

func scanSession(row pgx.Row) (*model.Session, error) {
	var out model.Session
	if err := row.Scan(
		&out.ID, &out.UserID, &out.ServerID, &out.DeviceName, &out.DeviceType, &out.VirtualIP,
		&out.Status, &out.CloseReason, &out.CreatedAt, &out.LastActivityAt, &out.ClosedAt,
		&out.BytesSent, &out.BytesReceived,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// GetEntitlement derives the caller's entitlement from their newest active
// subscription. No active subscription yields (nil, nil): a valid state
// that admission treats as limit zero.
func (s *Store) GetEntitlement(ctx context.Context, userID string) (*model.Entitlement, error) {
	const q = `
select plan, expires_at
from subscriptions
where user_id = $1 and status = 'active' and expires_at > now()
order by expires_at desc
limit 1`
	var plan string
	var expiresAt time.Time
	if err := s.db.QueryRow(ctx, q, userID).Scan(&plan, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ent := model.EntitlementForPlan(plan, expiresAt)
	return &ent, nil
}

// CountActiveSessions counts the user's sessions in pending or active.
func (s *Store) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	const q = `select count(*) from sessions where user_id = $1 and status in ('pending', 'active')`
	var n int
	if err := s.db.QueryRow(ctx, q, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

type CreateSessionInput struct {
	UserID     string
	ServerID   string
	DeviceName string
	DeviceType string
	Limit      int
}

// CreateSessionIfUnderLimit is the admission critical section: it takes a
// per-user row lock, re-counts live sessions, and inserts the pending
// session in one transaction, so two concurrent requests cannot both pass
// the limit check.
func (s *Store) CreateSessionIfUnderLimit(ctx context.Context, in CreateSessionInput) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var lockedID string
	if err := tx.QueryRow(ctx, `select id from users where id = $1 for update`, in.UserID).Scan(&lockedID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var count int
	const countQ = `select count(*) from sessions where user_id = $1 and status in ('pending', 'active')`
	if err := tx.QueryRow(ctx, countQ, in.UserID).Scan(&count); err != nil {
		return nil, err
	}
	if count >= in.Limit {
		return nil, ErrLimitReached
	}

	newID := "ses_" + uuid.NewString()
	now := time.Now().UTC()
	const insertQ = `
insert into sessions
  (id, user_id, server_id, device_name, device_type, status, created_at, last_activity_at, bytes_sent, bytes_received)
values
  ($1, $2, $3, $4, $5, 'pending', $6, $6, 0, 0)`
	if _, err := tx.Exec(ctx, insertQ, newID, in.UserID, in.ServerID, in.DeviceName, in.DeviceType, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &model.Session{
		ID:             newID,
		UserID:         in.UserID,
		ServerID:       in.ServerID,
		DeviceName:     in.DeviceName,
		DeviceType:     in.DeviceType,
		Status:         model.SessionPending,
		CreatedAt:      now,
		LastActivityAt: now,
	}, nil
}

func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*model.Session, error) {
	return scanSession(s.db.QueryRow(ctx, sessionColumns+` where s.id = $1 limit 1`, sessionID))
}

func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]model.Session, error) {
	rows, err := s.db.Query(ctx, sessionColumns+` where s.user_id = $1 order by s.created_at desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ActivateSession moves a pending session to active once credentials are
// confirmed. Any other current state is an invalid transition.
func (s *Store) ActivateSession(ctx context.Context, sessionID, virtualIP string) (*model.Session, error) {
	const q = `
update sessions
set status = 'active', virtual_ip = $2::inet, last_activity_at = now()
where id = $1 and status = 'pending'`
	tag, err := s.db.Exec(ctx, q, sessionID, virtualIP)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, s.transitionFailure(ctx, sessionID)
	}
	return s.GetSessionByID(ctx, sessionID)
}

// RecordSessionActivity folds byte-counter deltas into an active session
// and refreshes its activity timestamp. Reports against a session the
// reaper already closed fail with ErrInvalidTransition; they must not
// resurrect it.
func (s *Store) RecordSessionActivity(ctx context.Context, sessionID string, sentDelta, receivedDelta int64) error {
	const q = `
update sessions
set bytes_sent = bytes_sent + $2, bytes_received = bytes_received + $3, last_activity_at = now()
where id = $1 and status = 'active'`
	tag, err := s.db.Exec(ctx, q, sessionID, sentDelta, receivedDelta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, sessionID)
	}
	return nil
}

// CloseSession ends a pending or active session. The reason selects the
// terminal state: operational failures land in error, everything else in
// closed. Closing a session already in a terminal state is a no-op that
// returns the current row.
func (s *Store) CloseSession(ctx context.Context, sessionID, reason string) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	curr, err := scanSession(tx.QueryRow(ctx, sessionColumns+` where s.id = $1 limit 1 for update`, sessionID))
	if err != nil {
		return nil, err
	}

	if !curr.Status.Terminal() {
		target := model.SessionClosed
		if failureReasons[reason] {
			target = model.SessionError
		}
		const q = `
update sessions
set status = $2, close_reason = $3, closed_at = now()
where id = $1 and status in ('pending', 'active')`
		tag, err := tx.Exec(ctx, q, sessionID, string(target), reason)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrInvalidTransition
		}
		curr, err = scanSession(tx.QueryRow(ctx, sessionColumns+` where s.id = $1 limit 1`, sessionID))
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return curr, nil
}

// ReapStaleSessions closes active sessions with no activity since the
// timeout. The conditional update takes each row lock in turn, so a
// concurrent activity report either lands before the reap (refreshing the
// timestamp and escaping the predicate) or after it (failing on the closed
// status). Running it twice back to back reaps nothing the second time.
func (s *Store) ReapStaleSessions(ctx context.Context, timeout time.Duration) (int, error) {
	const q = `
update sessions
set status = 'closed', close_reason = 'timeout', closed_at = now()
where status = 'active' and last_activity_at < now() - ($1 * interval '1 second')`
	tag, err := s.db.Exec(ctx, q, timeout.Seconds())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// transitionFailure distinguishes a missing session from one in the wrong
// state after a conditional update matched no rows.
func (s *Store) transitionFailure(ctx context.Context, sessionID string) error {
	var status string
	if err := s.db.QueryRow(ctx, `select status from sessions where id = $1`, sessionID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrInvalidTransition
}

const serverColumns = `
select id, name, hostname, region, country_code, tier, protocol, port, status, load, capacity, last_probe_at
from servers`

func scanServer(row pgx.Row) (*model.Server, error) {
	var out model.Server
	if err := row.Scan(
		&out.ID, &out.Name, &out.Hostname, &out.Region, &out.CountryCode, &out.Tier,
		&out.Protocol, &out.Port, &out.Status, &out.Load, &out.Capacity, &out.LastProbeAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetServerByID(ctx context.Context, serverID string) (*model.Server, error) {
	return scanServer(s.db.QueryRow(ctx, serverColumns+` where id = $1 limit 1`, serverID))
}

// ListOnlineServers returns online servers with the requested region
// first, then by ascending load.
func (s *Store) ListOnlineServers(ctx context.Context, region string) ([]model.Server, error) {
	const q = serverColumns + `
where status = 'online'
order by case when region = $1 then 0 else 1 end, load asc, id asc`
	return s.queryServers(ctx, q, region)
}

// ListAllServers returns every server record ordered by ID, used to
// hydrate the in-memory fleet store at boot.
func (s *Store) ListAllServers(ctx context.Context) ([]model.Server, error) {
	return s.queryServers(ctx, serverColumns+` order by id asc`)
}

func (s *Store) queryServers(ctx context.Context, q string, args ...any) ([]model.Server, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Server, 0)
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *srv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyProbe persists one telemetry observation, rejecting results at or
// before the stored probe timestamp. Returns whether the probe applied.
func (s *Store) ApplyProbe(ctx context.Context, res model.ProbeResult) (bool, error) {
	const q = `
update servers
set status = $2, load = $3, last_probe_at = $4
where id = $1 and (last_probe_at is null or last_probe_at < $4)`
	tag, err := s.db.Exec(ctx, q, res.ServerID, string(res.Status), res.Load, res.ObservedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkServersOfflineBefore is the durable side of the missed-probe sweep.
func (s *Store) MarkServersOfflineBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `
update servers
set status = 'offline'
where status = 'online' and (last_probe_at is null or last_probe_at < $1)`
	tag, err := s.db.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// UpsertDiscoveredServers syncs provider-discovered records. Identity
// fields follow discovery; status and load are probe-owned, so new nodes
// enter offline and are promoted online by their first probe rather than
// flapping through the missed-probe sweep.
// Fleet nodes are never deleted here: a node that disappears from the
// provider goes offline via the probe sweep instead.
func (s *Store) UpsertDiscoveredServers(ctx context.Context, servers []model.Server) error {
	if len(servers) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const q = `
insert into servers
  (id, name, hostname, region, country_code, tier, protocol, port, status, load, capacity, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, 'offline', 0, $9, now(), now())
on conflict (id)
do update set
  name = excluded.name,
  hostname = excluded.hostname,
  region = excluded.region,
  country_code = excluded.country_code,
  tier = excluded.tier,
  protocol = excluded.protocol,
  port = excluded.port,
  capacity = excluded.capacity,
  updated_at = now()`
	for _, srv := range servers {
		if _, err := tx.Exec(ctx, q,
			srv.ID, srv.Name, srv.Hostname, srv.Region, srv.CountryCode, string(srv.Tier),
			srv.Protocol, srv.Port, srv.Capacity,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
