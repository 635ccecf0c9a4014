package memory

import (
	"time"

	"github.com/kallsyms/distscrape/internal/track"
)

// itemStore is the identity half of the backend: the authoritative item
// map plus an arrival-ordered queue of pending identities. It does no
// locking of its own; the Tracker serializes every call.
type itemStore struct {
	items map[string]*track.Item
	// queue holds identities in the order they became pending. An entry
	// is not removed when its item changes state, so the consumer must
	// re-check the state after popping.
	queue []string
	stats track.Stats
}

func newItemStore() *itemStore {
	return &itemStore{items: make(map[string]*track.Item)}
}

// insertIfAbsent creates a pending item and reports whether it was new.
func (s *itemStore) insertIfAbsent(identity, payload string, now time.Time) bool {
	if _, ok := s.items[identity]; ok {
		return false
	}
	s.items[identity] = &track.Item{
		Identity:  identity,
		State:     track.StatePending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.stats.Pending++
	s.queue = append(s.queue, identity)
	return true
}

// insertDone creates an item directly in the done state, used when a
// crawl is seeded with identities an earlier run already processed.
func (s *itemStore) insertDone(identity string, now time.Time) bool {
	if _, ok := s.items[identity]; ok {
		return false
	}
	s.items[identity] = &track.Item{
		Identity:  identity,
		State:     track.StateDone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.stats.Done++
	return true
}

func (s *itemStore) get(identity string) (*track.Item, bool) {
	it, ok := s.items[identity]
	return it, ok
}

// nextPending pops queued identities until it finds one still pending.
func (s *itemStore) nextPending() (*track.Item, bool) {
	for len(s.queue) > 0 {
		identity := s.queue[0]
		s.queue = s.queue[1:]
		if it, ok := s.items[identity]; ok && it.State == track.StatePending {
			return it, true
		}
	}
	return nil, false
}

// setState moves an item between states, keeping the counters and the
// pending queue in step. Creation goes through the insert helpers, never
// through here.
func (s *itemStore) setState(it *track.Item, to track.State, now time.Time) {
	s.count(it.State, -1)
	s.count(to, +1)
	it.State = to
	it.UpdatedAt = now
	if to == track.StatePending {
		s.queue = append(s.queue, it.Identity)
	}
}

func (s *itemStore) count(state track.State, delta int64) {
	switch state {
	case track.StatePending:
		s.stats.Pending += delta
	case track.StateLeased:
		s.stats.Leased += delta
	case track.StateDone:
		s.stats.Done += delta
	case track.StateDiscarded:
		s.stats.Discarded += delta
	}
}
