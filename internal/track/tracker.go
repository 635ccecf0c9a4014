package track

import (
	"context"
	"time"
)

// Tracker coordinates a shared set of crawl items across a fleet of
// workers. It owns the item state machine and the leases that make each
// item's processing exclusive; everything else in the system is policy
// around this contract.
//
// Two backends implement it: an in-process one (single machine, all state
// lost on exit) and a Postgres-backed one (many machines sharing one
// store). Callers depend only on this interface and select the backend at
// construction time.
type Tracker interface {
	// RegisterWorker assigns a fresh worker id. Ids are never reused while
	// any lease held under them is outstanding.
	RegisterWorker(ctx context.Context) (string, error)

	// Submit ingests candidates idempotently and returns how many were
	// newly created. Re-submitting a known identity, whatever its state,
	// is absorbed silently and not counted.
	Submit(ctx context.Context, candidates []Candidate) (int, error)

	// ImportDone bulk-records identities as already processed, so seeding
	// a crawl can skip work finished by an earlier run. Existing
	// identities are left untouched; the count of newly created done
	// items is returned.
	ImportDone(ctx context.Context, identities []string) (int, error)

	// RequestWork leases up to maxItems pending items to the worker, each
	// under a fresh token expiring after leaseDuration. It returns short
	// (possibly empty) when the pending pool is exhausted and never
	// blocks waiting for work to appear. The worker id must come from
	// RegisterWorker; unknown ids return ErrUnknownWorker.
	RequestWork(ctx context.Context, workerID string, maxItems int, leaseDuration time.Duration) ([]Grant, error)

	// Renew extends the lease behind token by leaseDuration from now.
	// Returns ErrInvalidLease if the token no longer matches a live,
	// unexpired lease.
	Renew(ctx context.Context, token string, leaseDuration time.Duration) error

	// ReportSuccess completes the item behind token and then ingests the
	// discovered candidates. A stale token returns ErrInvalidLease and
	// the discoveries are rejected with the report: by the time a lease
	// has lapsed, another worker owns the authoritative result.
	ReportSuccess(ctx context.Context, token string, discovered []Candidate) error

	// ReportFailure releases the item behind token. Permanent failures
	// discard it; transient ones requeue it with an incremented attempt
	// count, or discard it once the attempt ceiling is reached.
	ReportFailure(ctx context.Context, token string, permanent bool) error

	// SweepExpired requeues every leased item whose lease has lapsed,
	// incrementing its attempt count (or discarding at the ceiling). This
	// is the crash-recovery path for workers that vanished without
	// reporting; it is idempotent per item and safe to run from several
	// processes at once. Returns the number of items transitioned.
	SweepExpired(ctx context.Context) (int, error)

	// Get returns the tracked item for identity, or ErrNotFound.
	Get(ctx context.Context, identity string) (Item, error)

	// Stats counts items per state.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources. The tracker must not be used
	// afterwards.
	Close(ctx context.Context) error
}

// Lister is an optional backend capability: enumerating tracked items
// for inspection, ordered by creation time. A nil state matches every
// state. Both shipped backends implement it; the Tracker contract
// itself stays lease-focused.
type Lister interface {
	List(ctx context.Context, state *State, limit, offset int) ([]Item, error)
}
