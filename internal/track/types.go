package track

import "time"

// State represents the lifecycle state of a tracked item.
type State string

// Item states persisted by tracker backends. An item is always in exactly
// one of these; done and discarded are terminal.
const (
	StatePending   State = "pending"
	StateLeased    State = "leased"
	StateDone      State = "done"
	StateDiscarded State = "discarded"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateDone || s == StateDiscarded
}

// DefaultMaxAttempts is the retry ceiling backends apply when none is
// configured: an item whose attempt count has reached it is discarded at
// the next requeue decision instead of going back to pending.
const DefaultMaxAttempts = 3

// Lease is a time-bounded, tokenized exclusive claim on one item by one
// worker. At most one live lease exists per item.
type Lease struct {
	// WorkerID identifies the holder as assigned by RegisterWorker.
	WorkerID string
	// Token is unique per claim; every release/renew must present it.
	Token string
	// ExpiresAt is the instant after which the sweep may reclaim the item.
	ExpiresAt time.Time
}

// Expired reports whether the lease has passed its expiry at the given time.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Item is one unit of crawl work keyed by its caller-supplied identity.
type Item struct {
	// Identity is the unique key (normalized URL, video id, ...); immutable.
	Identity string
	// State is the current lifecycle state.
	State State
	// Payload carries opaque discovery context attached at creation.
	Payload string
	// Attempts counts how many leases on this item ended in requeue
	// (explicit failure or expiry). It never moves on claim or success.
	Attempts int
	// Lease is set only while State == StateLeased.
	Lease *Lease
	// CreatedAt is the ingestion time.
	CreatedAt time.Time
	// UpdatedAt is the time of the most recent transition.
	UpdatedAt time.Time
}

// Candidate is an identity plus payload offered for ingestion.
type Candidate struct {
	Identity string `json:"identity"`
	Payload  string `json:"payload,omitempty"`
}

// Grant is one leased item handed to a worker by RequestWork.
type Grant struct {
	Identity string
	Payload  string
	Token    string
}

// Stats counts items per state for observability. Discarded work is never
// silent: it stays countable here forever.
type Stats struct {
	Pending   int64 `json:"pending"`
	Leased    int64 `json:"leased"`
	Done      int64 `json:"done"`
	Discarded int64 `json:"discarded"`
}

// Total returns the number of tracked items across all states.
func (s Stats) Total() int64 {
	return s.Pending + s.Leased + s.Done + s.Discarded
}

// Idle reports whether no work remains outstanding. Terminal items do not
// count: a crawl with only done/discarded items is finished.
func (s Stats) Idle() bool {
	return s.Pending == 0 && s.Leased == 0
}

// Clock returns the current time (useful for testing lease expiry).
type Clock interface {
	Now() time.Time
}
