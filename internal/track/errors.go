package track

import "errors"

// Sentinel errors returned by tracker backends. Conflict and invalid-lease
// are expected steady-state outcomes under concurrency, not faults; only
// ErrBackendUnavailable warrants caller backoff and retry.
var (
	// ErrLeaseConflict signals a claim lost the race for a pending item.
	// Callers move on to the next candidate.
	ErrLeaseConflict = errors.New("item is not pending")

	// ErrInvalidLease signals the presented token no longer matches a live
	// lease: it expired, was swept, or the item was released by another
	// path. The report carrying it is discarded without mutating state.
	ErrInvalidLease = errors.New("lease token is stale or expired")

	// ErrNotFound signals the requested identity is not tracked.
	ErrNotFound = errors.New("item not found")

	// ErrUnknownWorker signals a work request from an unregistered worker id.
	ErrUnknownWorker = errors.New("worker is not registered")

	// ErrBackendUnavailable wraps connectivity failures of the shared store.
	// Callers should back off and retry; pending work is never dropped.
	ErrBackendUnavailable = errors.New("tracker backend unavailable")
)
