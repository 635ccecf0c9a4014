// Package postgres implements the work tracker on PostgreSQL so workers
// on many machines can share one crawl. Every transition is a single
// conditional statement keyed on the expected prior state and lease
// token, with RowsAffected deciding who won a race. The database clock
// is the only clock consulted for lease expiry, so skew between worker
// machines cannot corrupt a handoff.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kallsyms/distscrape/internal/id/uuid"
	"github.com/kallsyms/distscrape/internal/track"
)

const (
	insertWorkerSQL = `INSERT INTO crawl_workers (id) VALUES ($1)`

	checkWorkerSQL = `SELECT 1 FROM crawl_workers WHERE id = $1`

	submitSQL = `
INSERT INTO crawl_items (identity, payload)
SELECT i, p FROM unnest($1::text[], $2::text[]) AS cols (i, p)
ON CONFLICT (identity) DO NOTHING`

	importDoneSQL = `
INSERT INTO crawl_items (identity, state)
SELECT i, 'done' FROM unnest($1::text[]) AS cols (i)
ON CONFLICT (identity) DO NOTHING`

	selectPendingSQL = `
SELECT identity, payload FROM crawl_items
WHERE state = 'pending'
ORDER BY created_at, identity
LIMIT $1`

	claimSQL = `
UPDATE crawl_items
SET state = 'leased',
    worker_id = $2,
    lease_token = $3,
    lease_expires_at = now() + make_interval(secs => $4),
    updated_at = now()
WHERE identity = $1 AND state = 'pending'`

	renewSQL = `
UPDATE crawl_items
SET lease_expires_at = now() + make_interval(secs => $2),
    updated_at = now()
WHERE lease_token = $1 AND state = 'leased' AND lease_expires_at > now()`

	releaseDoneSQL = `
UPDATE crawl_items
SET state = 'done',
    worker_id = NULL,
    lease_token = NULL,
    lease_expires_at = NULL,
    updated_at = now()
WHERE lease_token = $1 AND state = 'leased' AND lease_expires_at > now()`

	releaseDiscardSQL = `
UPDATE crawl_items
SET state = 'discarded',
    worker_id = NULL,
    lease_token = NULL,
    lease_expires_at = NULL,
    updated_at = now()
WHERE lease_token = $1 AND state = 'leased' AND lease_expires_at > now()`

	releaseRetrySQL = `
UPDATE crawl_items
SET state = CASE WHEN attempts >= $2 THEN 'discarded' ELSE 'pending' END,
    attempts = CASE WHEN attempts >= $2 THEN attempts ELSE attempts + 1 END,
    worker_id = NULL,
    lease_token = NULL,
    lease_expires_at = NULL,
    updated_at = now()
WHERE lease_token = $1 AND state = 'leased' AND lease_expires_at > now()`

	sweepSQL = `
UPDATE crawl_items
SET state = CASE WHEN attempts >= $1 THEN 'discarded' ELSE 'pending' END,
    attempts = CASE WHEN attempts >= $1 THEN attempts ELSE attempts + 1 END,
    worker_id = NULL,
    lease_token = NULL,
    lease_expires_at = NULL,
    updated_at = now()
WHERE state = 'leased' AND lease_expires_at <= now()`

	getItemSQL = `
SELECT identity, state, payload, attempts,
       COALESCE(worker_id, ''), COALESCE(lease_token, ''), COALESCE(lease_expires_at, to_timestamp(0)),
       created_at, updated_at
FROM crawl_items WHERE identity = $1`

	listItemsSQL = `
SELECT identity, state, payload, attempts,
       COALESCE(worker_id, ''), COALESCE(lease_token, ''), COALESCE(lease_expires_at, to_timestamp(0)),
       created_at, updated_at
FROM crawl_items
ORDER BY created_at, identity
LIMIT $1 OFFSET $2`

	listItemsByStateSQL = `
SELECT identity, state, payload, attempts,
       COALESCE(worker_id, ''), COALESCE(lease_token, ''), COALESCE(lease_expires_at, to_timestamp(0)),
       created_at, updated_at
FROM crawl_items
WHERE state = $1
ORDER BY created_at, identity
LIMIT $2 OFFSET $3`

	statsSQL = `SELECT state, count(*) FROM crawl_items GROUP BY state`
)

// Config controls the Postgres connection pool behind the tracker.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// MaxAttempts is the retry ceiling. Zero selects
	// track.DefaultMaxAttempts.
	MaxAttempts int
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Tracker is the Postgres-backed backend.
type Tracker struct {
	pool        dbPool
	ids         *uuid.Generator
	maxAttempts int
}

var (
	_ track.Tracker = (*Tracker)(nil)
	_ track.Lister  = (*Tracker)(nil)
)

// New creates a tracker connected per the provided config.
func New(ctx context.Context, cfg Config) (*Tracker, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("tracker.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, cfg.MaxAttempts)
}

// NewWithPool constructs a tracker from an existing pool (primarily for
// testing).
func NewWithPool(pool dbPool, maxAttempts int) (*Tracker, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = track.DefaultMaxAttempts
	}
	return &Tracker{pool: pool, ids: uuid.New(), maxAttempts: maxAttempts}, nil
}

// unavailable marks a driver failure as a retriable backend fault.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, track.ErrBackendUnavailable, err)
}

// RegisterWorker assigns a fresh worker id and records it.
func (t *Tracker) RegisterWorker(ctx context.Context) (string, error) {
	id, err := t.ids.WorkerID()
	if err != nil {
		return "", fmt.Errorf("register worker: %w", err)
	}
	if _, err := t.pool.Exec(ctx, insertWorkerSQL, id); err != nil {
		return "", unavailable("register worker", err)
	}
	return id, nil
}

// Submit ingests candidates in one statement and returns how many rows
// were newly created; conflicts on known identities are absorbed by the
// database.
func (t *Tracker) Submit(ctx context.Context, candidates []track.Candidate) (int, error) {
	identities := make([]string, 0, len(candidates))
	payloads := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if c.Identity == "" || seen[c.Identity] {
			continue
		}
		seen[c.Identity] = true
		identities = append(identities, c.Identity)
		payloads = append(payloads, c.Payload)
	}
	if len(identities) == 0 {
		return 0, nil
	}
	tag, err := t.pool.Exec(ctx, submitSQL, identities, payloads)
	if err != nil {
		return 0, unavailable("submit items", err)
	}
	return int(tag.RowsAffected()), nil
}

// ImportDone records identities as already processed, skipping any that
// exist.
func (t *Tracker) ImportDone(ctx context.Context, identities []string) (int, error) {
	unique := make([]string, 0, len(identities))
	seen := make(map[string]bool, len(identities))
	for _, identity := range identities {
		if identity == "" || seen[identity] {
			continue
		}
		seen[identity] = true
		unique = append(unique, identity)
	}
	if len(unique) == 0 {
		return 0, nil
	}
	tag, err := t.pool.Exec(ctx, importDoneSQL, unique)
	if err != nil {
		return 0, unavailable("import done items", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequestWork selects pending candidates and claims each with a
// conditional update; a claim that affects no row lost the race to
// another worker and is skipped. It returns short once the pending pool
// stops yielding candidates.
func (t *Tracker) RequestWork(ctx context.Context, workerID string, maxItems int, leaseDuration time.Duration) ([]track.Grant, error) {
	if leaseDuration <= 0 {
		return nil, fmt.Errorf("lease duration must be positive, got %s", leaseDuration)
	}
	if err := t.checkWorker(ctx, workerID); err != nil {
		return nil, err
	}
	var grants []track.Grant
	for len(grants) < maxItems {
		candidates, err := t.selectPending(ctx, maxItems-len(grants))
		if err != nil {
			return grants, err
		}
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			g, won, err := t.claim(ctx, c, workerID, leaseDuration)
			if err != nil {
				return grants, err
			}
			if won {
				grants = append(grants, g)
			}
		}
	}
	return grants, nil
}

func (t *Tracker) checkWorker(ctx context.Context, workerID string) error {
	var one int
	err := t.pool.QueryRow(ctx, checkWorkerSQL, workerID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return track.ErrUnknownWorker
	}
	if err != nil {
		return unavailable("check worker", err)
	}
	return nil
}

func (t *Tracker) selectPending(ctx context.Context, limit int) ([]track.Candidate, error) {
	rows, err := t.pool.Query(ctx, selectPendingSQL, limit)
	if err != nil {
		return nil, unavailable("select pending items", err)
	}
	defer rows.Close()
	var out []track.Candidate
	for rows.Next() {
		var c track.Candidate
		if err := rows.Scan(&c.Identity, &c.Payload); err != nil {
			return nil, unavailable("scan pending item", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("select pending items", err)
	}
	return out, nil
}

func (t *Tracker) claim(ctx context.Context, c track.Candidate, workerID string, d time.Duration) (track.Grant, bool, error) {
	token, err := t.ids.LeaseToken()
	if err != nil {
		return track.Grant{}, false, fmt.Errorf("issue lease token: %w", err)
	}
	tag, err := t.pool.Exec(ctx, claimSQL, c.Identity, workerID, token, d.Seconds())
	if err != nil {
		return track.Grant{}, false, unavailable("claim item", err)
	}
	if tag.RowsAffected() == 0 {
		return track.Grant{}, false, nil
	}
	return track.Grant{Identity: c.Identity, Payload: c.Payload, Token: token}, true, nil
}

// Renew extends the lease behind token, provided it is still the live,
// unexpired lease on its item.
func (t *Tracker) Renew(ctx context.Context, token string, leaseDuration time.Duration) error {
	if leaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive, got %s", leaseDuration)
	}
	tag, err := t.pool.Exec(ctx, renewSQL, token, leaseDuration.Seconds())
	if err != nil {
		return unavailable("renew lease", err)
	}
	if tag.RowsAffected() == 0 {
		return track.ErrInvalidLease
	}
	return nil
}

// ReportSuccess completes the item behind token, then ingests the
// discoveries. A stale token rejects the whole report before anything is
// ingested.
func (t *Tracker) ReportSuccess(ctx context.Context, token string, discovered []track.Candidate) error {
	tag, err := t.pool.Exec(ctx, releaseDoneSQL, token)
	if err != nil {
		return unavailable("release lease", err)
	}
	if tag.RowsAffected() == 0 {
		return track.ErrInvalidLease
	}
	if _, err := t.Submit(ctx, discovered); err != nil {
		return fmt.Errorf("ingest discoveries: %w", err)
	}
	return nil
}

// ReportFailure releases the item behind token: discarded when
// permanent, otherwise requeued or discarded by the retry ceiling, all
// inside one conditional statement.
func (t *Tracker) ReportFailure(ctx context.Context, token string, permanent bool) error {
	query := releaseRetrySQL
	args := []any{token, t.maxAttempts}
	if permanent {
		query = releaseDiscardSQL
		args = []any{token}
	}
	tag, err := t.pool.Exec(ctx, query, args...)
	if err != nil {
		return unavailable("release lease", err)
	}
	if tag.RowsAffected() == 0 {
		return track.ErrInvalidLease
	}
	return nil
}

// SweepExpired applies the requeue-or-discard rule to every lapsed lease
// in one statement. Redundant sweepers are safe: whichever runs second
// matches no rows.
func (t *Tracker) SweepExpired(ctx context.Context) (int, error) {
	tag, err := t.pool.Exec(ctx, sweepSQL, t.maxAttempts)
	if err != nil {
		return 0, unavailable("sweep expired leases", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanItem reads one full item row; Get and List select the same columns.
func scanItem(scan func(dest ...any) error) (track.Item, error) {
	var (
		it        track.Item
		state     string
		workerID  string
		token     string
		expiresAt time.Time
	)
	err := scan(
		&it.Identity, &state, &it.Payload, &it.Attempts,
		&workerID, &token, &expiresAt,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return track.Item{}, err
	}
	it.State = track.State(state)
	if it.State == track.StateLeased {
		it.Lease = &track.Lease{WorkerID: workerID, Token: token, ExpiresAt: expiresAt}
	}
	return it, nil
}

// Get returns the tracked item for identity.
func (t *Tracker) Get(ctx context.Context, identity string) (track.Item, error) {
	it, err := scanItem(t.pool.QueryRow(ctx, getItemSQL, identity).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return track.Item{}, track.ErrNotFound
	}
	if err != nil {
		return track.Item{}, unavailable("get item", err)
	}
	return it, nil
}

// List returns tracked items ordered by creation time, oldest first,
// optionally filtered to one state.
func (t *Tracker) List(ctx context.Context, state *track.State, limit, offset int) ([]track.Item, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative, got %d", offset)
	}
	query := listItemsSQL
	args := []any{limit, offset}
	if state != nil {
		query = listItemsByStateSQL
		args = []any{string(*state), limit, offset}
	}
	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list items", err)
	}
	defer rows.Close()
	var out []track.Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, unavailable("scan item", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list items", err)
	}
	return out, nil
}

// Stats counts items per state.
func (t *Tracker) Stats(ctx context.Context) (track.Stats, error) {
	rows, err := t.pool.Query(ctx, statsSQL)
	if err != nil {
		return track.Stats{}, unavailable("count items", err)
	}
	defer rows.Close()
	var stats track.Stats
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return track.Stats{}, unavailable("scan count", err)
		}
		switch track.State(state) {
		case track.StatePending:
			stats.Pending = n
		case track.StateLeased:
			stats.Leased = n
		case track.StateDone:
			stats.Done = n
		case track.StateDiscarded:
			stats.Discarded = n
		}
	}
	if err := rows.Err(); err != nil {
		return track.Stats{}, unavailable("count items", err)
	}
	return stats, nil
}

// Close releases the underlying pool resources.
func (t *Tracker) Close(ctx context.Context) error {
	if t.pool != nil {
		t.pool.Close()
	}
	return nil
}
