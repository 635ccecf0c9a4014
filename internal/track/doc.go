// Package track declares the work-item tracking contract shared by every
// backend: the item state machine, the lease types, and the Tracker
// interface the crawl manager drives. Backends live in subpackages
// (memory, postgres); this package must not import database drivers or
// concrete clients.
package track
