// Package publish emits crawl lifecycle events to downstream consumers.
// The tracker itself never publishes; the manager announces items as
// they reach a terminal state so indexers and pipelines can react
// without polling the tracker.
package publish

import (
	"context"
	"time"
)

// Outcome values carried by events.
const (
	OutcomeDone      = "done"
	OutcomeDiscarded = "discarded"
)

// Event describes one item reaching a terminal state. Done events carry
// the stored object URI, discarded events carry the final error text.
type Event struct {
	Identity    string    `json:"identity"`
	Outcome     string    `json:"outcome"`
	WorkerID    string    `json:"worker_id,omitempty"`
	URI         string    `json:"uri,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Error       string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Publisher sends one payload to a topic and returns the message id.
// Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}

// NopPublisher drops every message. It stands in when no event bus is
// configured.
type NopPublisher struct{}

var _ Publisher = NopPublisher{}

// Publish discards the payload.
func (NopPublisher) Publish(context.Context, string, any) (string, error) {
	return "", nil
}

// Close is a no-op.
func (NopPublisher) Close() error { return nil }
