package postgres

import "context"

// Schema statements are idempotent so any process may run them at
// startup. The partial indexes cover the two hot scans, pending
// selection and the expiry sweep, without indexing terminal rows.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS crawl_items (
	identity         TEXT PRIMARY KEY,
	state            TEXT NOT NULL DEFAULT 'pending',
	payload          TEXT NOT NULL DEFAULT '',
	attempts         INT  NOT NULL DEFAULT 0,
	worker_id        TEXT,
	lease_token      TEXT,
	lease_expires_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS crawl_items_pending_idx ON crawl_items (created_at) WHERE state = 'pending'`,
	`CREATE INDEX IF NOT EXISTS crawl_items_expiry_idx ON crawl_items (lease_expires_at) WHERE state = 'leased'`,
	`CREATE TABLE IF NOT EXISTS crawl_workers (
	id            TEXT PRIMARY KEY,
	registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

// EnsureSchema creates the tables and indexes if they are missing.
func (t *Tracker) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := t.pool.Exec(ctx, stmt); err != nil {
			return unavailable("ensure schema", err)
		}
	}
	return nil
}
