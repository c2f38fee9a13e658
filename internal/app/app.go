// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-news-crawler/internal/api"
	"github.com/JakeFAU/policy-news-crawler/internal/browser"
	"github.com/JakeFAU/policy-news-crawler/internal/clock"
	"github.com/JakeFAU/policy-news-crawler/internal/config"
	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
	"github.com/JakeFAU/policy-news-crawler/internal/download"
	"github.com/JakeFAU/policy-news-crawler/internal/extract"
	"github.com/JakeFAU/policy-news-crawler/internal/id/uuid"
	"github.com/JakeFAU/policy-news-crawler/internal/orchestrator"
	"github.com/JakeFAU/policy-news-crawler/internal/pacing"
	"github.com/JakeFAU/policy-news-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/policy-news-crawler/internal/remote"
	"github.com/JakeFAU/policy-news-crawler/internal/runlock"
	"github.com/JakeFAU/policy-news-crawler/internal/storage/gcs"
	"github.com/JakeFAU/policy-news-crawler/internal/storage/local"
	"github.com/JakeFAU/policy-news-crawler/internal/storage/memory"
	"github.com/JakeFAU/policy-news-crawler/internal/storage/postgres"
)

// RunStore records and serves run history.
type RunStore interface {
	orchestrator.RunRecorder
	api.RunReader
}

// App holds the shared, long-lived services for one process. It is built once
// at startup and closed when the command returns.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Records      crawler.RecordStore
	Authors      crawler.AuthorResolver
	Runs         RunStore
	Blobs        crawler.BlobStore
	Browser      browser.Manager
	Listing      *extract.Listing
	Detail       *extract.Detail
	Downloader   *download.Downloader
	Orchestrator *orchestrator.Orchestrator
	// Remote is nil unless remote.base_url is configured.
	Remote *remote.Client

	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// New builds every service named by cfg. It fails fast and releases whatever
// was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	logger.Info("initializing application services",
		zap.String("records", cfg.Storage.Records),
		zap.String("blobs", cfg.Storage.Blobs),
		zap.String("browser", cfg.Browser.Mode),
	)

	if err = a.initRecords(ctx); err != nil {
		return a, err
	}
	if err = a.initBlobs(ctx); err != nil {
		return a, err
	}

	manager, err := browser.NewManager(cfg.Browser, browser.WithLogger(logger))
	if err != nil {
		return a, fmt.Errorf("init browser: %w", err)
	}
	a.Browser = manager
	a.track("browser", manager)

	clk := clock.New()
	pacer := pacing.New()

	a.Listing, err = extract.NewListing(extract.ListingConfig{
		URL:           cfg.Target.ListingURL,
		BaseURL:       cfg.Target.BaseURL,
		Source:        cfg.Target.Source,
		ItemSelector:  cfg.Target.ItemSelector,
		TitleSelector: cfg.Target.TitleSelector,
		DateSelector:  cfg.Target.DateSelector,
		Timezone:      cfg.Target.Timezone,
		ReadDelay:     cfg.Pacing.ReadDelay,
	}, manager, pacer, clk, logger)
	if err != nil {
		return a, fmt.Errorf("init listing: %w", err)
	}
	a.Detail, err = extract.NewDetail(extract.DetailConfig{
		Selectors:     cfg.Target.BodySelectors,
		MinBodyLength: cfg.Target.MinBodyLength,
		ReadDelay:     cfg.Pacing.ReadDelay,
	}, manager, pacer, logger)
	if err != nil {
		return a, fmt.Errorf("init detail: %w", err)
	}
	a.Downloader, err = download.New(cfg.Download, a.Blobs, clk, cfg.Browser.Headers(), logger)
	if err != nil {
		return a, fmt.Errorf("init downloader: %w", err)
	}

	locker, err := a.initLocker(ctx)
	if err != nil {
		return a, err
	}
	var publisher crawler.Publisher
	if cfg.PubSubEnabled() {
		pub, openErr := pubsub.Open(ctx, cfg.PubSub.ProjectID)
		if openErr != nil {
			return a, fmt.Errorf("init pubsub: %w", openErr)
		}
		a.track("pubsub", pub)
		publisher = pub
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.Config{
		MaxFailures:     cfg.Breaker.MaxFailures,
		DetailDelay:     cfg.Pacing.DetailDelay,
		AttachmentDelay: cfg.Pacing.AttachmentDelay,
		Topic:           cfg.PubSub.Topic,
	}, orchestrator.Deps{
		Listing:    a.Listing,
		Detail:     a.Detail,
		Downloader: a.Downloader,
		Sink:       orchestrator.NewStoreSink(a.Records),
		Authors:    a.Authors,
		Pacer:      pacer,
		Clock:      clk,
		IDs:        uuid.New(),
		Locker:     locker,
		Publisher:  publisher,
		Runs:       a.Runs,
	}, logger)
	if err != nil {
		return a, fmt.Errorf("init orchestrator: %w", err)
	}

	if cfg.RemoteEnabled() {
		remoteCfg := cfg.Remote
		if remoteCfg.Key == "" {
			remoteCfg.Key = cfg.Auth.CrawlerKey
		}
		a.Remote, err = remote.New(remoteCfg, logger)
		if err != nil {
			return a, fmt.Errorf("init remote: %w", err)
		}
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) initRecords(ctx context.Context) error {
	switch a.Config.Storage.Records {
	case "", "memory":
		store := memory.NewRecordStore()
		a.Records, a.Authors, a.Runs = store, store, memory.NewRunStore()
		return nil
	case "postgres":
		dbCfg := a.Config.DB.WithDefaults()
		pool, err := postgres.Connect(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		a.track("postgres", closerFunc(func() error {
			pool.Close()
			return nil
		}))
		records, err := postgres.NewRecordStore(pool, dbCfg)
		if err != nil {
			return fmt.Errorf("init record store: %w", err)
		}
		runs, err := postgres.NewRunStore(pool, dbCfg)
		if err != nil {
			return fmt.Errorf("init run store: %w", err)
		}
		a.Records, a.Authors, a.Runs = records, records, runs
		return nil
	default:
		return fmt.Errorf("unknown record store: %s", a.Config.Storage.Records)
	}
}

func (a *App) initBlobs(ctx context.Context) error {
	switch a.Config.Storage.Blobs {
	case "memory":
		a.Blobs = memory.NewBlobStore()
	case "", "local":
		store, err := local.New(local.Config{BaseDir: a.Config.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("init local blobs: %w", err)
		}
		a.Blobs = store
	case "gcs":
		store, err := gcs.Open(ctx, a.Config.Storage.GCS, a.Logger)
		if err != nil {
			return fmt.Errorf("init gcs blobs: %w", err)
		}
		a.track("gcs", store)
		a.Blobs = store
	default:
		return fmt.Errorf("unknown blob store: %s", a.Config.Storage.Blobs)
	}
	return nil
}

func (a *App) initLocker(ctx context.Context) (runlock.Locker, error) {
	if a.Config.Redis.URL == "" {
		return runlock.NewLocal(), nil
	}
	locker, err := runlock.Dial(ctx, a.Config.Redis)
	if err != nil {
		return nil, fmt.Errorf("init redis lock: %w", err)
	}
	a.track("redis", locker)
	return locker, nil
}

func (a *App) track(name string, c io.Closer) {
	a.closers = append(a.closers, namedCloser{name: name, c: c})
}

// Server builds the HTTP server over the app's services.
func (a *App) Server() *api.Server {
	opts := api.Options{
		JWTSecret:   a.Config.Auth.JWTSecret,
		CrawlerKey:  a.Config.Auth.CrawlerKey,
		DefaultDays: a.Config.Target.DefaultDays,
		SyncTimeout: a.Config.Server.SyncTimeout,
	}
	if a.Config.Storage.Blobs == "local" {
		opts.UploadsDir = a.Config.Storage.LocalDir
	}
	return api.NewServer(api.Deps{
		Syncer:  a.Orchestrator,
		Records: a.Records,
		Authors: a.Authors,
		Runs:    a.Runs,
	}, opts, a.Logger)
}

// ErrRemoteDisabled is returned by RemoteOrchestrator when no remote is configured.
var ErrRemoteDisabled = errors.New("remote submitter not configured")

// RemoteOrchestrator returns an orchestrator that submits records to the remote
// site instead of the local store.
func (a *App) RemoteOrchestrator() (*orchestrator.Orchestrator, error) {
	if a.Remote == nil {
		return nil, ErrRemoteDisabled
	}
	return a.Orchestrator.WithSink(a.Remote), nil
}

// Close releases services in reverse order of creation. Errors are logged.
func (a *App) Close() {
	if a == nil {
		return
	}
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			logger.Warn("error closing service", zap.String("service", nc.name), zap.Error(err))
		}
	}
	a.closers = nil
}
