// Package scrape turns leased crawl items into fetched content and
// newly discovered candidates. Scrapers only produce; they never touch
// tracker state. Failure classification is part of the contract: errors
// wrapping ErrPermanent mean retrying the item cannot help and the
// manager should discard it rather than requeue.
package scrape

import (
	"context"
	"errors"
	"regexp"

	"github.com/kallsyms/distscrape/internal/track"
)

// ErrPermanent marks scrape failures no retry can fix, such as an HTTP
// 4xx status or an identity that cannot form a valid URL.
var ErrPermanent = errors.New("permanent scrape failure")

// Result is what a scraper produced for one leased item.
type Result struct {
	// Identity of the item the content belongs to.
	Identity string
	// Content is the fetched body, ready for a Saver.
	Content []byte
	// ContentType echoes the response Content-Type header.
	ContentType string
	// Discovered lists candidates found in the content.
	Discovered []track.Candidate
}

// Scraper fetches and parses one leased item.
type Scraper interface {
	Scrape(ctx context.Context, identity, payload string) (Result, error)
}

// NullScraper fetches nothing and discovers nothing. It drains a queue
// without touching the network, which is useful for dry runs and tests.
type NullScraper struct{}

// Scrape returns an empty result for the identity.
func (NullScraper) Scrape(_ context.Context, identity, _ string) (Result, error) {
	return Result{Identity: identity}, nil
}

// extract pulls candidate identities out of a page body. A pattern with
// a capture group contributes the group, otherwise the whole match.
// Duplicates collapse to one candidate carrying the source identity as
// its payload, preserving where the discovery came from.
func extract(pattern *regexp.Regexp, body []byte, source string) []track.Candidate {
	if pattern == nil {
		return nil
	}
	matches := pattern.FindAllSubmatch(body, -1)
	seen := make(map[string]bool, len(matches))
	var out []track.Candidate
	for _, m := range matches {
		val := m[0]
		if len(m) > 1 && m[1] != nil {
			val = m[1]
		}
		identity := string(val)
		if identity == "" || seen[identity] {
			continue
		}
		seen[identity] = true
		out = append(out, track.Candidate{Identity: identity, Payload: source})
	}
	return out
}
