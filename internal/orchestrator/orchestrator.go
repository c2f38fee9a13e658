// Package orchestrator runs sync passes: listing, per-candidate detail
// extraction, attachment mirroring and persistence, with human pacing and a
// consecutive-failure breaker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
	"github.com/JakeFAU/policy-news-crawler/internal/download"
	"github.com/JakeFAU/policy-news-crawler/internal/metrics"
	"github.com/JakeFAU/policy-news-crawler/internal/pacing"
	"github.com/JakeFAU/policy-news-crawler/internal/runlock"
)

// Reason recorded for candidates already present in the sink.
const reasonExists = "already exists"

// ListingFetcher returns recent candidates from the listing page.
type ListingFetcher interface {
	Fetch(ctx context.Context, windowDays int) ([]crawler.Candidate, error)
}

// DetailFetcher extracts the document behind one candidate URL.
type DetailFetcher interface {
	Fetch(ctx context.Context, rawURL string) (crawler.Document, error)
}

// AttachmentDownloader mirrors one attachment.
type AttachmentDownloader interface {
	Download(ctx context.Context, rawURL, name string) (download.Stored, error)
}

// RunRecorder keeps run history.
type RunRecorder interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	CompleteRun(ctx context.Context, result crawler.CrawlResult, runErr error) error
}

// Config tunes pacing and the breaker.
type Config struct {
	MaxFailures     int          `mapstructure:"max_failures"`
	DetailDelay     pacing.Range `mapstructure:"detail_delay"`
	AttachmentDelay pacing.Range `mapstructure:"attachment_delay"`
	Topic           string       `mapstructure:"topic"`
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.DetailDelay == (pacing.Range{}) {
		c.DetailDelay = pacing.Range{Min: 3 * time.Second, Max: 6 * time.Second}
	}
	if c.AttachmentDelay == (pacing.Range{}) {
		c.AttachmentDelay = pacing.Range{Min: 500 * time.Millisecond, Max: 1500 * time.Millisecond}
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Locker, Publisher, Runs and
// Authors are optional.
type Deps struct {
	Listing    ListingFetcher
	Detail     DetailFetcher
	Downloader AttachmentDownloader
	Sink       Sink
	Authors    crawler.AuthorResolver
	Pacer      pacing.Pacer
	Clock      crawler.Clock
	IDs        crawler.IDGenerator
	Locker     runlock.Locker
	Publisher  crawler.Publisher
	Runs       RunRecorder
}

// Request parameterizes one sync run.
type Request struct {
	Days int
	// Resync rewrites records whose title already exists instead of skipping them.
	Resync bool
}

// RunEvent is published after every run.
type RunEvent struct {
	RunID    string          `json:"runId"`
	Summary  crawler.Summary `json:"summary"`
	Started  time.Time       `json:"startedAt"`
	Finished time.Time       `json:"finishedAt"`
	Error    string          `json:"error,omitempty"`
}

// Orchestrator drives sync runs. It holds no per-run state.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	cfg = cfg.WithDefaults()
	for _, r := range []pacing.Range{cfg.DetailDelay, cfg.AttachmentDelay} {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	switch {
	case deps.Listing == nil:
		return nil, fmt.Errorf("listing fetcher is required")
	case deps.Detail == nil:
		return nil, fmt.Errorf("detail fetcher is required")
	case deps.Sink == nil:
		return nil, fmt.Errorf("sink is required")
	case deps.Pacer == nil:
		return nil, fmt.Errorf("pacer is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Sink.MirrorsAttachments() && deps.Downloader == nil {
		return nil, fmt.Errorf("downloader is required when the sink mirrors attachments")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger.Named("orchestrator")}, nil
}

// WithSink returns a copy of o that persists into sink.
func (o *Orchestrator) WithSink(sink Sink) *Orchestrator {
	cp := *o
	cp.deps.Sink = sink
	return &cp
}

// FetchListing returns the listing candidates without touching the sink.
func (o *Orchestrator) FetchListing(ctx context.Context, windowDays int) ([]crawler.Candidate, error) {
	candidates, err := o.deps.Listing.Fetch(ctx, windowDays)
	if err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	return candidates, nil
}

// FetchDetail extracts one detail page without touching the sink.
func (o *Orchestrator) FetchDetail(ctx context.Context, rawURL string) (crawler.Document, error) {
	doc, err := o.deps.Detail.Fetch(ctx, rawURL)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("fetch detail: %w", err)
	}
	return doc, nil
}

// Sync runs one pass over candidates published within windowDays.
func (o *Orchestrator) Sync(ctx context.Context, windowDays int) (crawler.CrawlResult, error) {
	return o.Run(ctx, Request{Days: windowDays})
}

// Run executes one sync run. The returned error is non-nil only for hard
// failures: listing failure, lock contention or caller cancellation. Per-item
// problems are recorded in the result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (crawler.CrawlResult, error) {
	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("generate run id: %w", err)
	}
	if o.deps.Locker != nil {
		release, err := o.deps.Locker.Acquire(ctx, runID)
		if err != nil {
			return crawler.CrawlResult{}, err
		}
		defer release()
	}

	r := &run{
		o:      o,
		req:    req,
		logger: o.logger.With(zap.String("run_id", runID)),
		result: crawler.CrawlResult{
			RunID:   runID,
			Started: o.deps.Clock.Now(),
			Details: []crawler.ItemOutcome{},
		},
	}
	if o.deps.Runs != nil {
		if err := o.deps.Runs.StartRun(ctx, runID, r.result.Started); err != nil {
			r.logger.Warn("record run start failed", zap.Error(err))
		}
	}

	runErr := r.execute(ctx)
	o.finish(ctx, r, runErr)
	return r.result, runErr
}

func (o *Orchestrator) finish(ctx context.Context, r *run, runErr error) {
	r.result.Finished = o.deps.Clock.Now()
	elapsed := r.result.Finished.Sub(r.result.Started)

	outcome := "completed"
	switch {
	case runErr != nil:
		outcome = "failed"
	case r.result.Stopped:
		outcome = "stopped"
	}
	metrics.ObserveSyncRun(outcome, elapsed)

	// Bookkeeping must survive a cancelled run context.
	bg := context.WithoutCancel(ctx)
	if o.deps.Runs != nil {
		if err := o.deps.Runs.CompleteRun(bg, r.result, runErr); err != nil {
			r.logger.Warn("record run completion failed", zap.Error(err))
		}
	}
	if o.deps.Publisher != nil && o.cfg.Topic != "" {
		event := RunEvent{
			RunID:    r.result.RunID,
			Summary:  r.result.Summary(),
			Started:  r.result.Started,
			Finished: r.result.Finished,
		}
		if runErr != nil {
			event.Error = runErr.Error()
		}
		if _, err := o.deps.Publisher.Publish(bg, o.cfg.Topic, event); err != nil {
			r.logger.Warn("publish run event failed", zap.Error(err))
		}
	}

	r.logger.Info("sync finished",
		zap.String("outcome", outcome),
		zap.Int("total", r.result.Total),
		zap.Int("added", r.result.Added),
		zap.Int("updated", r.result.Updated),
		zap.Int("skipped", r.result.Skipped),
		zap.Int("errors", r.result.Errors),
		zap.Bool("stopped", r.result.Stopped),
		zap.Duration("elapsed", elapsed),
	)
}

// run owns the counters of a single Run call.
type run struct {
	o      *Orchestrator
	req    Request
	logger *zap.Logger
	result crawler.CrawlResult

	consecutiveFailures int
	authorID            int64
	authorResolved      bool
}

func (r *run) execute(ctx context.Context) error {
	candidates, err := r.o.FetchListing(ctx, r.req.Days)
	if err != nil {
		return err
	}
	r.result.Total = len(candidates)
	r.logger.Info("sync started",
		zap.Int("candidates", len(candidates)),
		zap.Int("window_days", r.req.Days),
		zap.Bool("resync", r.req.Resync),
	)

	for _, c := range candidates {
		exists, err := r.o.deps.Sink.Exists(ctx, c.Title)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("sync interrupted: %w", ctxErr)
			}
			if r.tripped(c.Title) {
				return nil
			}
			r.consecutiveFailures++
			r.record(c.Title, crawler.ItemError, fmt.Sprintf("existence check: %v", err))
			continue
		}
		if exists && !r.req.Resync {
			r.record(c.Title, crawler.ItemSkipped, reasonExists)
			continue
		}
		if r.tripped(c.Title) {
			return nil
		}

		status, err := r.process(ctx, c, exists)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("sync interrupted: %w", ctxErr)
			}
			r.consecutiveFailures++
			r.record(c.Title, crawler.ItemError, err.Error())
			continue
		}
		r.record(c.Title, status, "")
	}
	return nil
}

// tripped stops the run once the consecutive failure limit is reached.
func (r *run) tripped(nextTitle string) bool {
	if r.consecutiveFailures < r.o.cfg.MaxFailures {
		return false
	}
	r.result.Stopped = true
	metrics.ObserveBreakerTrip()
	r.logger.Warn("consecutive failure limit reached, stopping",
		zap.Int("failures", r.consecutiveFailures),
		zap.String("next_title", nextTitle),
	)
	return true
}

// process fetches, mirrors and saves one candidate.
func (r *run) process(ctx context.Context, c crawler.Candidate, exists bool) (crawler.ItemStatus, error) {
	if err := r.o.deps.Pacer.Pause(ctx, r.o.cfg.DetailDelay); err != nil {
		return "", err
	}
	doc, err := r.o.deps.Detail.Fetch(ctx, c.URL)
	if err != nil {
		return "", fmt.Errorf("fetch detail: %w", err)
	}
	r.consecutiveFailures = 0

	attachments, err := r.mirror(ctx, doc.Attachments)
	if err != nil {
		return "", err
	}
	authorID, err := r.author(ctx)
	if err != nil {
		return "", err
	}
	record := crawler.NewRecord(c, doc, attachments, authorID)
	status, err := r.o.deps.Sink.Save(ctx, record, exists)
	if err != nil {
		return "", fmt.Errorf("save record: %w", err)
	}
	return status, nil
}

// mirror downloads each attachment in order. A failed download keeps the
// source link as an external attachment.
func (r *run) mirror(ctx context.Context, refs []crawler.Attachment) ([]crawler.Attachment, error) {
	out := make([]crawler.Attachment, 0, len(refs))
	if !r.o.deps.Sink.MirrorsAttachments() {
		for _, ref := range refs {
			out = append(out, ref.External())
		}
		return out, nil
	}
	for _, ref := range refs {
		if err := r.o.deps.Pacer.Pause(ctx, r.o.cfg.AttachmentDelay); err != nil {
			return nil, err
		}
		stored, err := r.o.deps.Downloader.Download(ctx, ref.URL, ref.Name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("attachment download failed, keeping external link",
				zap.String("name", ref.Name),
				zap.String("url", ref.URL),
				zap.Error(err),
			)
			out = append(out, ref.External())
			continue
		}
		out = append(out, crawler.Attachment{
			Name:        ref.Name,
			URL:         stored.Path,
			Size:        stored.Size,
			Type:        stored.Type,
			IsExternal:  false,
			OriginalURL: ref.URL,
		})
	}
	return out, nil
}

// author resolves the owning identity once per run.
func (r *run) author(ctx context.Context) (int64, error) {
	if r.authorResolved {
		return r.authorID, nil
	}
	id := crawler.DefaultAuthorID
	if r.o.deps.Authors != nil {
		found, ok, err := r.o.deps.Authors.DefaultAuthor(ctx)
		if err != nil {
			return 0, fmt.Errorf("resolve author: %w", err)
		}
		if ok {
			id = found
		}
	}
	r.authorID = id
	r.authorResolved = true
	return id, nil
}

func (r *run) record(title string, status crawler.ItemStatus, reason string) {
	switch status {
	case crawler.ItemAdded:
		r.result.Added++
	case crawler.ItemUpdated:
		r.result.Updated++
	case crawler.ItemSkipped:
		r.result.Skipped++
	case crawler.ItemError:
		r.result.Errors++
	}
	metrics.ObserveSyncItem(string(status))
	r.result.Details = append(r.result.Details, crawler.ItemOutcome{Title: title, Status: status, Reason: reason})

	fields := []zap.Field{zap.String("title", title), zap.String("status", string(status))}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if status == crawler.ItemError {
		r.logger.Warn("item failed", fields...)
		return
	}
	r.logger.Info("item processed", fields...)
}

// IsConflict reports whether err means another run holds the lock.
func IsConflict(err error) bool {
	return errors.Is(err, runlock.ErrRunInProgress)
}
