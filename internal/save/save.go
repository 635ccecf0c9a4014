// Package save persists scraped content and hands back a URI locating
// the stored object. Savers must be safe for concurrent use; the
// manager calls them from every worker.
package save

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Saver persists one piece of scraped content.
type Saver interface {
	// Save stores the content under a name derived from the identity
	// and returns a URI for the stored object.
	Save(ctx context.Context, identity string, contentType string, content []byte) (string, error)
	// Close flushes and releases any underlying resources.
	Close() error
}

// ObjectName derives a stable storage name for an identity. The
// sanitized prefix keeps objects browsable and the digest suffix keeps
// distinct identities from colliding after sanitizing. Saving the same
// identity again produces the same name, so a retried item overwrites
// its earlier object instead of duplicating it.
func ObjectName(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	digest := hex.EncodeToString(sum[:])[:12]
	cleaned := sanitize(identity)
	if cleaned == "" {
		return digest
	}
	return cleaned + "-" + digest
}

func sanitize(identity string) string {
	var b strings.Builder
	for _, r := range identity {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 100 {
			break
		}
	}
	return strings.Trim(b.String(), "._")
}

// NullSaver discards content. It keeps the pipeline runnable when only
// tracker behavior is under study.
type NullSaver struct{}

var _ Saver = NullSaver{}

// Save drops the content and returns a null URI.
func (NullSaver) Save(_ context.Context, identity string, _ string, _ []byte) (string, error) {
	return "null://" + ObjectName(identity), nil
}

// Close is a no-op.
func (NullSaver) Close() error { return nil }
