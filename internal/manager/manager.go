// Package manager runs the crawl pipeline: it registers as a worker,
// leases items from the tracker, pushes each one through scrape and
// save, and reports the outcome back. The tracker stays the single
// source of truth; the manager holds no state a crash could lose beyond
// leases the sweep will reclaim.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kallsyms/distscrape/internal/clock/system"
	"github.com/kallsyms/distscrape/internal/metrics"
	"github.com/kallsyms/distscrape/internal/publish"
	"github.com/kallsyms/distscrape/internal/save"
	"github.com/kallsyms/distscrape/internal/scrape"
	"github.com/kallsyms/distscrape/internal/track"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 30 * time.Second
)

// Config controls Manager behavior.
type Config struct {
	// Workers is the number of concurrent processing goroutines.
	Workers int
	// BatchSize caps how many grants one work request asks for.
	BatchSize int
	// LeaseDuration is requested per grant; leases are renewed at half
	// this interval while an item is still processing.
	LeaseDuration time.Duration
	// PollInterval is the idle wait between empty work requests.
	PollInterval time.Duration
	// StatsInterval is the cadence for refreshing item-state gauges.
	StatsInterval time.Duration
	// Topic receives terminal-state events. Empty disables publishing.
	Topic string
	// ExitWhenIdle stops the run once the tracker reports no pending or
	// leased items, which turns a long-running service into a batch job.
	ExitWhenIdle bool
}

// Manager drives a fleet of processing goroutines against the tracker.
type Manager struct {
	tracker   track.Tracker
	scraper   scrape.Scraper
	saver     save.Saver
	publisher publish.Publisher
	clock     track.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Manager. The tracker and scraper are required; a nil
// saver discards content and a nil publisher drops events.
func New(tracker track.Tracker, scraper scrape.Scraper, saver save.Saver, publisher publish.Publisher, cfg Config, logger *zap.Logger) (*Manager, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if scraper == nil {
		return nil, fmt.Errorf("scraper is required")
	}
	if saver == nil {
		saver = save.NullSaver{}
	}
	if publisher == nil {
		publisher = publish.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2 * cfg.Workers
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 15 * time.Second
	}
	return &Manager{
		tracker:   tracker,
		scraper:   scraper,
		saver:     saver,
		publisher: publisher,
		clock:     system.New(),
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Seed loads a crawl frontier before a run. Finished identities are
// imported first so a candidate appearing in both lists stays done.
func (m *Manager) Seed(ctx context.Context, pending []track.Candidate, done []string) error {
	if len(done) > 0 {
		n, err := m.tracker.ImportDone(ctx, done)
		if err != nil {
			return fmt.Errorf("import done items: %w", err)
		}
		m.logger.Info("imported finished items",
			zap.Int("offered", len(done)), zap.Int("created", n))
	}
	if len(pending) > 0 {
		n, err := m.tracker.Submit(ctx, pending)
		if err != nil {
			return fmt.Errorf("submit seed items: %w", err)
		}
		metrics.ObserveSubmissions(n, len(pending)-n)
		m.logger.Info("seeded pending items",
			zap.Int("offered", len(pending)), zap.Int("created", n))
	}
	return nil
}

// Run processes work until the context finishes or, with ExitWhenIdle,
// until the tracker drains. It registers one worker id shared by all
// goroutines of this process.
func (m *Manager) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerID, err := m.tracker.RegisterWorker(runCtx)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	m.logger.Info("manager started",
		zap.String("worker_id", workerID),
		zap.Int("workers", m.cfg.Workers),
		zap.Duration("lease_duration", m.cfg.LeaseDuration))

	grants := make(chan track.Grant)
	var workers sync.WaitGroup
	for i := 0; i < m.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			m.workerLoop(runCtx, workerID, grants)
		}()
	}

	var aux sync.WaitGroup
	aux.Add(1)
	go func() {
		defer aux.Done()
		m.refreshStats(runCtx)
	}()

	err = m.feed(runCtx, workerID, grants)
	close(grants)
	workers.Wait()
	cancel()
	aux.Wait()

	m.logger.Info("manager stopped", zap.String("worker_id", workerID))
	return err
}

// feed requests lease batches and hands the grants to the workers.
func (m *Manager) feed(ctx context.Context, workerID string, grants chan<- track.Grant) error {
	wait := newBackoff(backoffBase, backoffMax)
	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := m.tracker.RequestWork(ctx, workerID, m.cfg.BatchSize, m.cfg.LeaseDuration)
		if err != nil {
			if errors.Is(err, track.ErrBackendUnavailable) {
				// Any grants that did land stay leased and the sweep
				// requeues them after expiry.
				d := wait.Next()
				if ctx.Err() != nil {
					return nil
				}
				m.logger.Warn("work request failed, backend unavailable",
					zap.Error(err), zap.Duration("retry_in", d))
				if !m.sleep(ctx, d) {
					return nil
				}
				continue
			}
			return fmt.Errorf("request work: %w", err)
		}
		wait.Reset()

		if len(batch) == 0 {
			if m.cfg.ExitWhenIdle {
				stats, statsErr := m.tracker.Stats(ctx)
				if statsErr == nil && stats.Idle() {
					m.logger.Info("no work remaining, exiting",
						zap.Int64("done", stats.Done),
						zap.Int64("discarded", stats.Discarded))
					return nil
				}
			}
			if !m.sleep(ctx, m.cfg.PollInterval) {
				return nil
			}
			continue
		}

		metrics.ObserveLeasesGranted(len(batch))
		for _, grant := range batch {
			select {
			case grants <- grant:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (m *Manager) workerLoop(ctx context.Context, workerID string, grants <-chan track.Grant) {
	for grant := range grants {
		if ctx.Err() != nil {
			continue
		}
		m.process(ctx, workerID, grant)
	}
}

// process pushes one leased item through scrape, save and report. A
// background renewer keeps the lease alive while the scrape runs and
// cancels the scrape if the lease is ever lost.
func (m *Manager) process(ctx context.Context, workerID string, grant track.Grant) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	scrapeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewerDone := make(chan struct{})
	go func() {
		defer close(renewerDone)
		m.keepRenewed(scrapeCtx, grant, cancel)
	}()

	result, scrapeErr := m.scraper.Scrape(scrapeCtx, grant.Identity, grant.Payload)

	cancel()
	<-renewerDone

	if ctx.Err() != nil {
		// Shutting down. Nothing is reported; the lease expires and the
		// sweep requeues the item.
		return
	}
	if scrapeErr != nil {
		m.fail(ctx, workerID, grant, scrapeErr)
		return
	}

	uri, err := m.saver.Save(ctx, grant.Identity, result.ContentType, result.Content)
	if err != nil {
		m.fail(ctx, workerID, grant, fmt.Errorf("save content: %w", err))
		return
	}

	if err := m.tracker.ReportSuccess(ctx, grant.Token, result.Discovered); err != nil {
		metrics.ObserveReport("invalid")
		m.logger.Warn("success report rejected",
			zap.String("identity", grant.Identity), zap.Error(err))
		return
	}
	metrics.ObserveReport("success")

	m.announce(ctx, publish.Event{
		Identity:    grant.Identity,
		Outcome:     publish.OutcomeDone,
		WorkerID:    workerID,
		URI:         uri,
		ContentType: result.ContentType,
		FinishedAt:  m.clock.Now(),
	})
	m.logger.Debug("item done",
		zap.String("identity", grant.Identity),
		zap.Int("discovered", len(result.Discovered)))
}

// fail reports a failed item. Errors wrapping scrape.ErrPermanent
// discard the item; everything else requeues it under the tracker's
// attempt ceiling.
func (m *Manager) fail(ctx context.Context, workerID string, grant track.Grant, cause error) {
	permanent := errors.Is(cause, scrape.ErrPermanent)
	m.logger.Warn("item failed",
		zap.String("identity", grant.Identity),
		zap.Bool("permanent", permanent),
		zap.Error(cause))

	if err := m.tracker.ReportFailure(ctx, grant.Token, permanent); err != nil {
		metrics.ObserveReport("invalid")
		m.logger.Warn("failure report rejected",
			zap.String("identity", grant.Identity), zap.Error(err))
		return
	}
	if !permanent {
		metrics.ObserveReport("transient_failure")
		return
	}
	metrics.ObserveReport("permanent_failure")
	m.announce(ctx, publish.Event{
		Identity:   grant.Identity,
		Outcome:    publish.OutcomeDiscarded,
		WorkerID:   workerID,
		Error:      cause.Error(),
		FinishedAt: m.clock.Now(),
	})
}

// keepRenewed extends the lease at half the lease window until ctx
// finishes. Losing the lease cancels the scrape: by then another worker
// may own the item and finishing would double-process it.
func (m *Manager) keepRenewed(ctx context.Context, grant track.Grant, cancel context.CancelFunc) {
	ticker := time.NewTicker(m.cfg.LeaseDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.tracker.Renew(ctx, grant.Token, m.cfg.LeaseDuration)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return
			case errors.Is(err, track.ErrInvalidLease):
				m.logger.Warn("lease lost mid-scrape",
					zap.String("identity", grant.Identity))
				cancel()
				return
			default:
				m.logger.Warn("lease renewal failed",
					zap.String("identity", grant.Identity), zap.Error(err))
			}
		}
	}
}

// refreshStats keeps the item-state gauges current while a run is
// active.
func (m *Manager) refreshStats(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := m.tracker.Stats(ctx)
			if err != nil {
				continue
			}
			metrics.SetItemStates(stats)
		}
	}
}

func (m *Manager) announce(ctx context.Context, event publish.Event) {
	if m.cfg.Topic == "" {
		return
	}
	if _, err := m.publisher.Publish(ctx, m.cfg.Topic, event); err != nil {
		m.logger.Warn("event publish failed",
			zap.String("identity", event.Identity), zap.Error(err))
	}
}

// sleep waits for d and reports false if ctx finished first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
