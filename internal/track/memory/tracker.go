// Package memory implements the work tracker in process memory. A single
// mutex serializes every operation, which makes each transition
// linearizable by construction. All state is lost when the process
// exits, so the backend suits single-machine crawls that can be
// re-seeded.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kallsyms/distscrape/internal/clock/system"
	"github.com/kallsyms/distscrape/internal/id/uuid"
	"github.com/kallsyms/distscrape/internal/track"
)

// Options configures the in-process backend.
type Options struct {
	// MaxAttempts is the retry ceiling. Zero selects
	// track.DefaultMaxAttempts.
	MaxAttempts int
	// Clock supplies the time used for lease expiry. Nil selects the
	// system clock.
	Clock track.Clock
}

// Tracker is the in-process backend.
type Tracker struct {
	mu          sync.Mutex
	store       *itemStore
	tokens      map[string]string // live lease token -> identity
	workers     map[string]time.Time
	ids         *uuid.Generator
	clock       track.Clock
	maxAttempts int
}

var (
	_ track.Tracker = (*Tracker)(nil)
	_ track.Lister  = (*Tracker)(nil)
)

// New creates an empty in-process tracker.
func New(opts Options) *Tracker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = track.DefaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	return &Tracker{
		store:       newItemStore(),
		tokens:      make(map[string]string),
		workers:     make(map[string]time.Time),
		ids:         uuid.New(),
		clock:       opts.Clock,
		maxAttempts: opts.MaxAttempts,
	}
}

// RegisterWorker assigns a fresh worker id.
func (t *Tracker) RegisterWorker(ctx context.Context) (string, error) {
	id, err := t.ids.WorkerID()
	if err != nil {
		return "", fmt.Errorf("register worker: %w", err)
	}
	t.mu.Lock()
	t.workers[id] = t.clock.Now()
	t.mu.Unlock()
	return id, nil
}

// Submit ingests candidates, creating a pending item per identity not
// seen before, and returns how many were new. Known identities and empty
// identity keys are absorbed without effect.
func (t *Tracker) Submit(ctx context.Context, candidates []track.Candidate) (int, error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	accepted := 0
	for _, c := range candidates {
		if c.Identity == "" {
			continue
		}
		if t.store.insertIfAbsent(c.Identity, c.Payload, now) {
			accepted++
		}
	}
	return accepted, nil
}

// ImportDone records identities as already processed, skipping any that
// exist in whatever state.
func (t *Tracker) ImportDone(ctx context.Context, identities []string) (int, error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	created := 0
	for _, identity := range identities {
		if identity == "" {
			continue
		}
		if t.store.insertDone(identity, now) {
			created++
		}
	}
	return created, nil
}

// RequestWork leases up to maxItems pending items to the worker. It
// returns short when the pending pool runs out and never waits for work
// to appear.
func (t *Tracker) RequestWork(ctx context.Context, workerID string, maxItems int, leaseDuration time.Duration) ([]track.Grant, error) {
	if leaseDuration <= 0 {
		return nil, fmt.Errorf("lease duration must be positive, got %s", leaseDuration)
	}
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.workers[workerID]; !ok {
		return nil, track.ErrUnknownWorker
	}
	var grants []track.Grant
	for len(grants) < maxItems {
		it, ok := t.store.nextPending()
		if !ok {
			break
		}
		g, err := t.claim(it, workerID, leaseDuration, now)
		if err != nil {
			// The claim never started; put the candidate back.
			t.store.queue = append(t.store.queue, it.Identity)
			return grants, err
		}
		grants = append(grants, g)
	}
	return grants, nil
}

// Renew extends the lease behind token by leaseDuration from now.
func (t *Tracker) Renew(ctx context.Context, token string, leaseDuration time.Duration) error {
	if leaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive, got %s", leaseDuration)
	}
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	it, err := t.leaseByToken(token, now)
	if err != nil {
		return err
	}
	it.Lease.ExpiresAt = now.Add(leaseDuration)
	it.UpdatedAt = now
	return nil
}

// ReportSuccess completes the leased item and ingests its discoveries.
// On a stale token the discoveries are rejected together with the
// report.
func (t *Tracker) ReportSuccess(ctx context.Context, token string, discovered []track.Candidate) error {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	it, err := t.leaseByToken(token, now)
	if err != nil {
		return err
	}
	t.release(it, track.StateDone, now)
	for _, c := range discovered {
		if c.Identity == "" {
			continue
		}
		t.store.insertIfAbsent(c.Identity, c.Payload, now)
	}
	return nil
}

// ReportFailure releases the leased item: discarded when permanent,
// otherwise requeued under the retry ceiling.
func (t *Tracker) ReportFailure(ctx context.Context, token string, permanent bool) error {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	it, err := t.leaseByToken(token, now)
	if err != nil {
		return err
	}
	if permanent {
		t.release(it, track.StateDiscarded, now)
		return nil
	}
	t.requeueOrDiscard(it, now)
	return nil
}

// SweepExpired requeues or discards every item whose lease has lapsed.
func (t *Tracker) SweepExpired(ctx context.Context) (int, error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweep(now), nil
}

// Get returns a copy of the tracked item for identity.
func (t *Tracker) Get(ctx context.Context, identity string) (track.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.store.get(identity)
	if !ok {
		return track.Item{}, track.ErrNotFound
	}
	cp := *it
	if it.Lease != nil {
		lease := *it.Lease
		cp.Lease = &lease
	}
	return cp, nil
}

// Stats counts items per state.
func (t *Tracker) Stats(ctx context.Context) (track.Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.stats, nil
}

// List returns copies of tracked items ordered by creation time, oldest
// first, optionally filtered to one state.
func (t *Tracker) List(ctx context.Context, state *track.State, limit, offset int) ([]track.Item, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative, got %d", offset)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	matched := make([]*track.Item, 0, len(t.store.items))
	for _, it := range t.store.items {
		if state != nil && it.State != *state {
			continue
		}
		matched = append(matched, it)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].Identity < matched[j].Identity
	})
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]track.Item, 0, len(matched))
	for _, it := range matched {
		cp := *it
		if it.Lease != nil {
			lease := *it.Lease
			cp.Lease = &lease
		}
		out = append(out, cp)
	}
	return out, nil
}

// Close is a no-op; the backend holds no external resources.
func (t *Tracker) Close(ctx context.Context) error {
	return nil
}
