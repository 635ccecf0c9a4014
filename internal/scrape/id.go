package scrape

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// IDScraper works a corpus keyed by opaque ids rather than URLs. The
// identity is expanded through a URL format string before fetching, and
// discoveries are ids matched in the body. This suits sites where every
// item lives at a predictable path, such as video or forum ids.
type IDScraper struct {
	fetcher   *fetcher
	urlFormat string
	pattern   *regexp.Regexp
}

// NewIDScraper builds an IDScraper. The format string must contain a
// single %s verb for the identity. A nil pattern disables discovery.
func NewIDScraper(cfg Config, urlFormat string, pattern *regexp.Regexp, logger *zap.Logger) (*IDScraper, error) {
	if !strings.Contains(urlFormat, "%s") {
		return nil, fmt.Errorf("url format must contain %%s, got %q", urlFormat)
	}
	f, err := newFetcher(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build fetcher: %w", err)
	}
	return &IDScraper{fetcher: f, urlFormat: urlFormat, pattern: pattern}, nil
}

// Scrape expands the identity into a URL, fetches it, and reports every
// id the pattern matches in the body as a discovered candidate.
func (s *IDScraper) Scrape(ctx context.Context, identity, _ string) (Result, error) {
	target := fmt.Sprintf(s.urlFormat, identity)
	pg, err := s.fetcher.fetch(ctx, target)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	return Result{
		Identity:    identity,
		Content:     pg.body,
		ContentType: pg.contentType,
		Discovered:  extract(s.pattern, pg.body, identity),
	}, nil
}
