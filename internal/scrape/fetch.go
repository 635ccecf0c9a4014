package scrape

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Config tunes the HTTP side shared by the URL-based scrapers.
type Config struct {
	// UserAgent sent with every request.
	UserAgent string
	// RequestTimeout bounds a single fetch end to end.
	RequestTimeout time.Duration
	// Concurrency caps parallel requests per domain.
	Concurrency int
	// RateLimit caps requests per second per domain. Zero means no
	// per-request delay.
	RateLimit int
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "distscrape/1.0"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// page is the raw outcome of one fetch.
type page struct {
	statusCode  int
	contentType string
	body        []byte
}

type fetchResult struct {
	page page
	err  error
}

// fetcher wraps a configured colly collector. The base collector is
// configured once; every fetch runs on a Clone so per-request callbacks
// never leak between calls. Clones share the base collector's backend,
// which keeps the transport and limit rules in force.
type fetcher struct {
	base   *colly.Collector
	logger *zap.Logger
}

func newFetcher(cfg Config, logger *zap.Logger) (*fetcher, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
	)
	c.AllowURLRevisit = false
	c.IgnoreRobotsTxt = true
	c.WithTransport(&http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	c.SetRequestTimeout(cfg.RequestTimeout)

	rule := &colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Concurrency,
	}
	if cfg.RateLimit > 0 {
		rule.Delay = time.Second / time.Duration(cfg.RateLimit)
	}
	if err := c.Limit(rule); err != nil {
		return nil, fmt.Errorf("configure limit rule: %w", err)
	}

	return &fetcher{base: c, logger: logger}, nil
}

// fetch retrieves one URL. HTTP 4xx statuses come back wrapped in
// ErrPermanent; transport errors and 5xx statuses stay transient so the
// manager requeues the item.
func (f *fetcher) fetch(ctx context.Context, rawURL string) (page, error) {
	collector := f.base.Clone()

	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(r fetchResult) {
		once.Do(func() { resultCh <- r })
	}

	collector.OnResponse(func(r *colly.Response) {
		body := make([]byte, len(r.Body))
		copy(body, r.Body)
		send(fetchResult{page: page{
			statusCode:  r.StatusCode,
			contentType: r.Headers.Get("Content-Type"),
			body:        body,
		}})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 && r.StatusCode < 500 {
			send(fetchResult{err: fmt.Errorf("%w: http status %d", ErrPermanent, r.StatusCode)})
			return
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		// Visit fails before any request goes out, so the URL itself is
		// bad and will stay bad.
		return page{}, fmt.Errorf("%w: visit %s: %v", ErrPermanent, rawURL, err)
	}
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return page{}, err
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			f.logger.Debug("fetch failed",
				zap.String("url", rawURL),
				zap.Error(res.err))
		}
		return res.page, res.err
	default:
		return page{}, fmt.Errorf("no response for %s", rawURL)
	}
}
