package scrape

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"
)

// LinkScraper treats each identity as a URL. It fetches the page and
// extracts further URLs with a configured pattern, so a seed page fans
// out into more work as the tracker ingests the discoveries.
type LinkScraper struct {
	fetcher *fetcher
	pattern *regexp.Regexp
}

// NewLinkScraper builds a LinkScraper. A nil pattern disables discovery
// and the scraper only fetches content.
func NewLinkScraper(cfg Config, pattern *regexp.Regexp, logger *zap.Logger) (*LinkScraper, error) {
	f, err := newFetcher(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build fetcher: %w", err)
	}
	return &LinkScraper{fetcher: f, pattern: pattern}, nil
}

// Scrape fetches the identity as a URL and reports every pattern match
// in the body as a discovered candidate.
func (s *LinkScraper) Scrape(ctx context.Context, identity, _ string) (Result, error) {
	pg, err := s.fetcher.fetch(ctx, identity)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", identity, err)
	}
	return Result{
		Identity:    identity,
		Content:     pg.body,
		ContentType: pg.contentType,
		Discovered:  extract(s.pattern, pg.body, identity),
	}, nil
}
