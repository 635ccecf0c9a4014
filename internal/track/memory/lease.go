package memory

import (
	"fmt"
	"time"

	"github.com/kallsyms/distscrape/internal/track"
)

// Lease bookkeeping. Every method in this file assumes the Tracker's
// mutex is held by the caller.

// claim moves a pending item to leased under a fresh token.
func (t *Tracker) claim(it *track.Item, workerID string, d time.Duration, now time.Time) (track.Grant, error) {
	token, err := t.ids.LeaseToken()
	if err != nil {
		return track.Grant{}, fmt.Errorf("issue lease token: %w", err)
	}
	it.Lease = &track.Lease{
		WorkerID:  workerID,
		Token:     token,
		ExpiresAt: now.Add(d),
	}
	t.store.setState(it, track.StateLeased, now)
	t.tokens[token] = it.Identity
	return track.Grant{Identity: it.Identity, Payload: it.Payload, Token: token}, nil
}

// leaseByToken resolves a token to the item it currently holds. Released
// tokens, replaced tokens, and lapsed leases all come back as
// ErrInvalidLease: by then the authoritative transition has already
// happened elsewhere.
func (t *Tracker) leaseByToken(token string, now time.Time) (*track.Item, error) {
	identity, ok := t.tokens[token]
	if !ok {
		return nil, track.ErrInvalidLease
	}
	it := t.store.items[identity]
	if it.Lease.Expired(now) {
		return nil, track.ErrInvalidLease
	}
	return it, nil
}

// release clears the lease and moves the item to its destination state.
func (t *Tracker) release(it *track.Item, to track.State, now time.Time) {
	delete(t.tokens, it.Lease.Token)
	it.Lease = nil
	t.store.setState(it, to, now)
}

// requeueOrDiscard takes a leased item that did not succeed back to
// pending, or to discarded once the retry ceiling is reached. The
// attempt count grows only on the way back to pending; an item already
// at the ceiling is discarded with its count untouched.
func (t *Tracker) requeueOrDiscard(it *track.Item, now time.Time) track.State {
	if it.Attempts >= t.maxAttempts {
		t.release(it, track.StateDiscarded, now)
		return track.StateDiscarded
	}
	it.Attempts++
	t.release(it, track.StatePending, now)
	return track.StatePending
}

// sweep applies requeueOrDiscard to every leased item whose lease has
// lapsed and returns how many items it moved. Only live leases are in
// the token index, so the scan cost tracks the leased count, not the
// total item count.
func (t *Tracker) sweep(now time.Time) int {
	moved := 0
	for _, identity := range t.tokens {
		it := t.store.items[identity]
		if !it.Lease.Expired(now) {
			continue
		}
		t.requeueOrDiscard(it, now)
		moved++
	}
	return moved
}
