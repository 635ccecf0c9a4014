// Package app assembles the service from configuration and runs its
// long-lived pieces: the manager loop, the lease sweeper and the HTTP
// surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kallsyms/distscrape/internal/api"
	"github.com/kallsyms/distscrape/internal/config"
	"github.com/kallsyms/distscrape/internal/logging"
	"github.com/kallsyms/distscrape/internal/manager"
	"github.com/kallsyms/distscrape/internal/metrics"
	"github.com/kallsyms/distscrape/internal/publish"
	"github.com/kallsyms/distscrape/internal/save"
	"github.com/kallsyms/distscrape/internal/scrape"
	"github.com/kallsyms/distscrape/internal/sweeper"
	"github.com/kallsyms/distscrape/internal/telemetry"
	"github.com/kallsyms/distscrape/internal/track"
	"github.com/kallsyms/distscrape/internal/track/memory"
	"github.com/kallsyms/distscrape/internal/track/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg               config.Config
	logger            *zap.Logger
	tracker           track.Tracker
	scraper           scrape.Scraper
	saver             save.Saver
	publisher         publish.Publisher
	manager           *manager.Manager
	sweep             *sweeper.Sweeper
	apiServer         *api.Server
	telemetryShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg config.Config, logger *zap.Logger) (*App, error) {
	// Log only non-sensitive config fields; the tracker DSN carries
	// credentials.
	type sanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		TrackerBackend string `json:"tracker_backend"`
		ScrapeMode     string `json:"scrape_mode"`
		SaveBackend    string `json:"save_backend"`
	}
	safeCfg := sanitizedConfig{
		ServerPort:     cfg.Server.Port,
		TrackerBackend: cfg.Tracker.Backend,
		ScrapeMode:     cfg.Scrape.Mode,
		SaveBackend:    cfg.Save.Backend,
	}
	logger.Info("creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Seed feeds initial work into the tracker before the crawl starts:
// pending candidates to process and identities already finished in an
// earlier run.
func (a *App) Seed(ctx context.Context, pending []track.Candidate, done []string) error {
	return a.manager.Seed(ctx, pending, done)
}

// Run starts the application and blocks until the context is canceled
// or, with exit-when-idle configured, until the tracker drains.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	managerDone := make(chan error, 1)
	go func() {
		managerDone <- a.manager.Run(ctx)
		stop()
	}()

	go func() {
		a.logger.Info("sweeper started", zap.Duration("interval", a.cfg.Sweep.Interval()))
		a.sweep.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	// The manager stops on its own once the context ends; its verdict
	// decides the exit status so a fatal tracker failure is not lost.
	var runErr error
	select {
	case runErr = <-managerDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("manager did not stop before the shutdown deadline")
	}

	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close releases the saver, publisher and tracker. The saver goes
// first so archive footers are written before the process reports the
// run finished.
func (a *App) Close(ctx context.Context) error {
	if a.saver != nil {
		if err := a.saver.Close(); err != nil {
			a.logger.Warn("saver close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.tracker != nil {
		if err := a.tracker.Close(ctx); err != nil {
			a.logger.Warn("tracker close failed", zap.Error(err))
		}
	}
	if a.telemetryShutdown != nil {
		if err := a.telemetryShutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	return nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	// Cloud Trace export reuses the GCP project configured for the
	// event bus; without one, spans stay process-local.
	app.telemetryShutdown, err = telemetry.Init(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	app.logger.Info("building application dependencies")

	app.tracker, err = NewTracker(ctx, cfg.Tracker, logger)
	if err != nil {
		return nil, err
	}

	if err = setupScraper(app); err != nil {
		return nil, err
	}

	if err = setupSaver(ctx, app); err != nil {
		return nil, err
	}

	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}

	topic := ""
	if cfg.PubSub.Enabled {
		topic = cfg.PubSub.Topic
	}
	app.manager, err = manager.New(app.tracker, app.scraper, app.saver, app.publisher, manager.Config{
		Workers:       cfg.Manager.Workers,
		BatchSize:     cfg.Manager.BatchSize,
		LeaseDuration: cfg.Manager.Lease(),
		PollInterval:  cfg.Manager.PollInterval(),
		Topic:         topic,
		ExitWhenIdle:  cfg.Manager.ExitWhenIdle,
	}, logger.Named("manager"))
	if err != nil {
		return nil, fmt.Errorf("manager init failed: %w", err)
	}

	app.sweep = sweeper.New(app.tracker, cfg.Sweep.Interval(), logger.Named("sweeper"))
	app.apiServer = api.NewServer(app.tracker, logger.Named("api"))

	return app, nil
}

// NewTracker opens the configured tracker backend. The standalone
// sweep and stats commands share it with Build.
func NewTracker(ctx context.Context, cfg config.TrackerConfig, logger *zap.Logger) (track.Tracker, error) {
	switch cfg.Backend {
	case "postgres":
		tracker, err := postgres.New(ctx, postgres.Config{
			DSN:         cfg.DSN,
			MaxConns:    int32(cfg.MaxConns),
			MinConns:    int32(cfg.MinConns),
			MaxAttempts: cfg.MaxAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres tracker init failed: %w", err)
		}
		if err := tracker.EnsureSchema(ctx); err != nil {
			if closeErr := tracker.Close(ctx); closeErr != nil {
				logger.Warn("tracker close failed", zap.Error(closeErr))
			}
			return nil, fmt.Errorf("ensure tracker schema: %w", err)
		}
		logger.Info("using postgres tracker backend")
		return tracker, nil
	default:
		logger.Info("using in-memory tracker backend")
		return memory.New(memory.Options{MaxAttempts: cfg.MaxAttempts}), nil
	}
}

func setupScraper(app *App) error {
	scrCfg := scrape.Config{
		UserAgent:      app.cfg.Scrape.UserAgent,
		RequestTimeout: app.cfg.Scrape.Timeout(),
		Concurrency:    app.cfg.Scrape.Concurrency,
		RateLimit:      app.cfg.Scrape.RateLimit,
	}
	switch app.cfg.Scrape.Mode {
	case "link":
		scraper, err := scrape.NewLinkScraper(scrCfg, app.cfg.Scrape.LinkRegexp(), app.logger.Named("scrape"))
		if err != nil {
			return fmt.Errorf("link scraper init failed: %w", err)
		}
		app.scraper = scraper
		app.logger.Info("using link scraper", zap.String("user_agent", scrCfg.UserAgent))
	case "id":
		scraper, err := scrape.NewIDScraper(scrCfg, app.cfg.Scrape.URLFormat, app.cfg.Scrape.IDRegexp(), app.logger.Named("scrape"))
		if err != nil {
			return fmt.Errorf("id scraper init failed: %w", err)
		}
		app.scraper = scraper
		app.logger.Info("using id scraper", zap.String("url_format", app.cfg.Scrape.URLFormat))
	default:
		app.scraper = scrape.NullScraper{}
		app.logger.Info("using null scraper")
	}
	return nil
}

func setupSaver(ctx context.Context, app *App) error {
	switch app.cfg.Save.Backend {
	case "file":
		saver, err := save.NewFileSaver(save.FileConfig{BaseDir: app.cfg.Save.BaseDir})
		if err != nil {
			return fmt.Errorf("file saver init failed: %w", err)
		}
		app.saver = saver
		app.logger.Info("using file saver", zap.String("base_dir", app.cfg.Save.BaseDir))
	case "tar":
		saver, err := save.NewTarSaver(app.cfg.Save.Archive)
		if err != nil {
			return fmt.Errorf("tar saver init failed: %w", err)
		}
		app.saver = saver
		app.logger.Info("using tar saver", zap.String("archive", app.cfg.Save.Archive))
	case "gcs":
		saver, err := save.NewGCSSaver(ctx, save.GCSConfig{
			Bucket: app.cfg.Save.Bucket,
			Prefix: app.cfg.Save.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs saver init failed: %w", err)
		}
		app.saver = saver
		app.logger.Info("using gcs saver", zap.String("bucket", app.cfg.Save.Bucket))
	case "memory":
		app.saver = save.NewMemorySaver()
		app.logger.Info("using in-memory saver")
	default:
		app.saver = save.NullSaver{}
		app.logger.Info("content saving disabled")
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if !app.cfg.PubSub.Enabled {
		app.publisher = publish.NopPublisher{}
		return nil
	}
	publisher, err := publish.NewPubSub(ctx, publish.PubSubConfig{
		ProjectID: app.cfg.PubSub.ProjectID,
		Topic:     app.cfg.PubSub.Topic,
	})
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = publisher
	app.logger.Info("pubsub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic))
	return nil
}
