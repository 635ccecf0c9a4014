package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/kallsyms/distscrape/internal/track"
)

func newMockTracker(t *testing.T, maxAttempts int) (*Tracker, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	tr, err := NewWithPool(mock, maxAttempts)
	require.NoError(t, err)
	return tr, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, 0)
	require.Error(t, err)
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_items").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS crawl_items_pending_idx").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS crawl_items_expiry_idx").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_workers").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, tr.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterWorkerInsertsRow(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectExec("INSERT INTO crawl_workers").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := tr.RegisterWorker(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitCountsNewRows(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	// Duplicates inside the batch and empty identities never reach the
	// database.
	mock.ExpectExec("INSERT INTO crawl_items").
		WithArgs([]string{"a", "b"}, []string{"pa", ""}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	accepted, err := tr.Submit(context.Background(), []track.Candidate{
		{Identity: "a", Payload: "pa"},
		{Identity: "b"},
		{Identity: "a", Payload: "ignored"},
		{Identity: ""},
	})
	require.NoError(t, err)
	require.Equal(t, 1, accepted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitEmptyBatchSkipsQuery(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	accepted, err := tr.Submit(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, accepted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImportDoneInsertsTerminalRows(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectExec("INSERT INTO crawl_items").
		WithArgs([]string{"a", "b"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	created, err := tr.ImportDone(context.Background(), []string{"a", "b", "a", ""})
	require.NoError(t, err)
	require.Equal(t, 2, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRequestWorkClaimsPendingItems walks one batch: two candidates, the
// first claim wins, the second loses to a concurrent worker, and the
// refill select comes back empty.
func TestRequestWorkClaimsPendingItems(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectQuery("SELECT 1 FROM crawl_workers WHERE id").
		WithArgs("w-1").
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(1))
	mock.ExpectQuery("SELECT identity, payload FROM crawl_items").
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"identity", "payload"}).
			AddRow("a", "pa").
			AddRow("b", "pb"))
	mock.ExpectExec("SET state = 'leased'").
		WithArgs("a", "w-1", pgxmock.AnyArg(), time.Minute.Seconds()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET state = 'leased'").
		WithArgs("b", "w-1", pgxmock.AnyArg(), time.Minute.Seconds()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT identity, payload FROM crawl_items").
		WithArgs(1).
		WillReturnRows(pgxmock.NewRows([]string{"identity", "payload"}))

	grants, err := tr.RequestWork(context.Background(), "w-1", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	require.Equal(t, "a", grants[0].Identity)
	require.Equal(t, "pa", grants[0].Payload)
	require.NotEmpty(t, grants[0].Token)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestWorkUnknownWorker(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectQuery("SELECT 1 FROM crawl_workers WHERE id").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"ok"}))

	_, err := tr.RequestWork(context.Background(), "ghost", 1, time.Minute)
	require.ErrorIs(t, err, track.ErrUnknownWorker)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRenewExtendsLiveLease(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectExec("SET lease_expires_at = now").
		WithArgs("tok", (30 * time.Second).Seconds()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, tr.Renew(context.Background(), "tok", 30*time.Second))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRenewStaleTokenInvalid(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectExec("SET lease_expires_at = now").
		WithArgs("tok", time.Minute.Seconds()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := tr.Renew(context.Background(), "tok", time.Minute)
	require.ErrorIs(t, err, track.ErrInvalidLease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportSuccessReleasesThenIngests(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectExec("SET state = 'done'").
		WithArgs("tok").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO crawl_items").
		WithArgs([]string{"found"}, []string{"via x"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := tr.ReportSuccess(context.Background(), "tok", []track.Candidate{{Identity: "found", Payload: "via x"}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestReportSuccessStaleTokenRejectsDiscoveries asserts nothing is
// ingested when the release loses: the only statement issued is the
// failed release.
func TestReportSuccessStaleTokenRejectsDiscoveries(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectExec("SET state = 'done'").
		WithArgs("stale").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := tr.ReportSuccess(context.Background(), "stale", []track.Candidate{{Identity: "found"}})
	require.ErrorIs(t, err, track.ErrInvalidLease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportFailureTransientAppliesCeiling(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 5)
	mock.ExpectExec("SET state = CASE WHEN attempts").
		WithArgs("tok", 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, tr.ReportFailure(context.Background(), "tok", false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportFailurePermanentDiscards(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectExec("SET state = 'discarded'").
		WithArgs("tok").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, tr.ReportFailure(context.Background(), "tok", true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportFailureStaleTokenInvalid(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectExec("SET state = CASE WHEN attempts").
		WithArgs("tok", track.DefaultMaxAttempts).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := tr.ReportFailure(context.Background(), "tok", false)
	require.ErrorIs(t, err, track.ErrInvalidLease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepExpiredCountsMoves(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectExec("lease_expires_at <= now").
		WithArgs(track.DefaultMaxAttempts).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	moved, err := tr.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, moved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLeasedItem(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	now := time.Unix(1700000000, 0).UTC()
	expiry := now.Add(time.Minute)
	mock.ExpectQuery("SELECT identity, state, payload, attempts").
		WithArgs("x").
		WillReturnRows(pgxmock.NewRows([]string{
			"identity", "state", "payload", "attempts",
			"worker_id", "lease_token", "lease_expires_at",
			"created_at", "updated_at",
		}).AddRow("x", "leased", "ctx", 2, "w-1", "tok", expiry, now, now))

	it, err := tr.Get(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, track.StateLeased, it.State)
	require.Equal(t, 2, it.Attempts)
	require.NotNil(t, it.Lease)
	require.Equal(t, "w-1", it.Lease.WorkerID)
	require.Equal(t, "tok", it.Lease.Token)
	require.Equal(t, expiry, it.Lease.ExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPendingItemHasNoLease(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT identity, state, payload, attempts").
		WithArgs("x").
		WillReturnRows(pgxmock.NewRows([]string{
			"identity", "state", "payload", "attempts",
			"worker_id", "lease_token", "lease_expires_at",
			"created_at", "updated_at",
		}).AddRow("x", "pending", "", 0, "", "", time.Unix(0, 0).UTC(), now, now))

	it, err := tr.Get(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, track.StatePending, it.State)
	require.Nil(t, it.Lease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectQuery("SELECT identity, state, payload, attempts").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"identity", "state", "payload", "attempts",
			"worker_id", "lease_token", "lease_expires_at",
			"created_at", "updated_at",
		}))

	_, err := tr.Get(context.Background(), "missing")
	require.ErrorIs(t, err, track.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListItemsWithStateFilter(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT identity, state, payload, attempts").
		WithArgs("pending", 10, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"identity", "state", "payload", "attempts",
			"worker_id", "lease_token", "lease_expires_at",
			"created_at", "updated_at",
		}).AddRow("a", "pending", "", 0, "", "", time.Unix(0, 0).UTC(), now, now).
			AddRow("b", "pending", "seed", 1, "", "", time.Unix(0, 0).UTC(), now, now))

	pending := track.StatePending
	items, err := tr.List(context.Background(), &pending, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "a", items[0].Identity)
	require.Equal(t, "b", items[1].Identity)
	require.Equal(t, 1, items[1].Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListItemsUnfilteredIncludesLease(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	now := time.Unix(1700000000, 0).UTC()
	expiry := now.Add(time.Minute)
	mock.ExpectQuery("SELECT identity, state, payload, attempts").
		WithArgs(5, 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"identity", "state", "payload", "attempts",
			"worker_id", "lease_token", "lease_expires_at",
			"created_at", "updated_at",
		}).AddRow("x", "leased", "", 0, "w-1", "tok", expiry, now, now))

	items, err := tr.List(context.Background(), nil, 5, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Lease)
	require.Equal(t, "w-1", items[0].Lease.WorkerID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListItemsRejectsBadRange(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	_, err := tr.List(context.Background(), nil, 0, 0)
	require.Error(t, err)
	_, err = tr.List(context.Background(), nil, 10, -1)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsAggregatesCounts(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectQuery("SELECT state, count").
		WillReturnRows(pgxmock.NewRows([]string{"state", "count"}).
			AddRow("pending", int64(5)).
			AddRow("leased", int64(2)).
			AddRow("done", int64(40)).
			AddRow("discarded", int64(1)))

	stats, err := tr.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, track.Stats{Pending: 5, Leased: 2, Done: 40, Discarded: 1}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDriverFailureIsBackendUnavailable(t *testing.T) {
	t.Parallel()

	tr, mock := newMockTracker(t, 0)
	mock.ExpectExec("lease_expires_at <= now").
		WithArgs(track.DefaultMaxAttempts).
		WillReturnError(errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	_, err := tr.SweepExpired(context.Background())
	require.ErrorIs(t, err, track.ErrBackendUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}
