package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
)

// RunStore keeps sync run history in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.CrawlResult
	errs map[string]string
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]crawler.CrawlResult),
		errs: make(map[string]string),
	}
}

// StartRun records a run as started. Starting a known run is a no-op.
func (s *RunStore) StartRun(_ context.Context, runID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; ok {
		return nil
	}
	s.runs[runID] = crawler.CrawlResult{RunID: runID, Started: startedAt}
	return nil
}

// CompleteRun stores the final counters of a run previously started.
func (s *RunStore) CompleteRun(_ context.Context, result crawler.CrawlResult, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[result.RunID]
	if !ok {
		return fmt.Errorf("complete run %s: %w", result.RunID, crawler.ErrNotFound)
	}
	if result.Started.IsZero() {
		result.Started = existing.Started
	}
	result.Details = append([]crawler.ItemOutcome(nil), result.Details...)
	s.runs[result.RunID] = result
	if runErr != nil {
		s.errs[result.RunID] = runErr.Error()
	}
	return nil
}

// ListRuns returns runs newest first without their detail logs.
func (s *RunStore) ListRuns(_ context.Context, limit, offset int) ([]crawler.CrawlResult, error) {
	s.mu.RLock()
	out := make([]crawler.CrawlResult, 0, len(s.runs))
	for _, run := range s.runs {
		run.Details = nil
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	if offset >= len(out) {
		return []crawler.CrawlResult{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// GetRun returns one run including its detail log.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.CrawlResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.CrawlResult{}, fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	run.Details = append([]crawler.ItemOutcome(nil), run.Details...)
	return run, nil
}

// RunError returns the hard failure recorded for runID, if any.
func (s *RunStore) RunError(runID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errs[runID]
}
