package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
	"github.com/JakeFAU/policy-news-crawler/internal/orchestrator"
)

const (
	minDays         = 1
	maxDays         = 365
	defaultRunLimit = 20
	maxRunLimit     = 200
	runsTimeout     = 3 * time.Second
)

type syncRequest struct {
	Days   *int `json:"days"`
	Resync bool `json:"resync"`
}

// sync handles POST /api/crawler/sync with an optional {"days": n, "resync": bool} body.
func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	days := s.opts.DefaultDays
	if req.Days != nil {
		days = *req.Days
	}
	if days < minDays || days > maxDays {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("days must be between %d and %d", minDays, maxDays))
		return
	}

	result, err := s.runSync(r.Context(), orchestrator.Request{Days: days, Resync: req.Resync})
	if err != nil {
		s.writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: syncMessage(result),
		Data:    result,
	})
}

// cron handles GET /api/crawler/cron?key=... for schedulers without bearer tokens.
func (s *Server) cron(w http.ResponseWriter, r *http.Request) {
	if !keyMatches(r.URL.Query().Get("key"), s.opts.CrawlerKey) {
		writeError(w, http.StatusForbidden, "invalid cron key")
		return
	}
	result, err := s.runSync(r.Context(), orchestrator.Request{Days: s.opts.DefaultDays})
	if err != nil {
		s.writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: syncMessage(result),
		Data:    result.Summary(),
	})
}

// preview handles GET /api/crawler/preview?days=n and lists candidates without fetching details.
func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	days := s.opts.DefaultDays
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = val
	}
	if days < minDays || days > maxDays {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("days must be between %d and %d", minDays, maxDays))
		return
	}

	news, err := s.deps.Syncer.FetchListing(r.Context(), days)
	if err != nil {
		s.logger.Error("preview failed", zap.Error(err), zap.String("request_id", requestID(r.Context())))
		writeError(w, http.StatusBadGateway, "failed to fetch listing")
		return
	}
	if news == nil {
		news = []crawler.Candidate{}
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: fmt.Sprintf("found %d items", len(news)),
		Data:    map[string]any{"news": news},
	})
}

// listRuns handles GET /api/crawler/runs?limit=&offset=.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), runsTimeout)
	defer cancel()

	runs, err := s.deps.Runs.ListRuns(ctx, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"runs": runs}})
}

// getRun handles GET /api/crawler/runs/{run_id}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), runsTimeout)
	defer cancel()

	run, err := s.deps.Runs.GetRun(ctx, runID)
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run failed", zap.Error(err), zap.String("run_id", runID))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: run})
}

func (s *Server) runSync(ctx context.Context, req orchestrator.Request) (crawler.CrawlResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SyncTimeout)
	defer cancel()
	return s.deps.Syncer.Run(ctx, req)
}

func (s *Server) writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	if orchestrator.IsConflict(err) {
		writeError(w, http.StatusConflict, "a sync run is already in progress")
		return
	}
	s.logger.Error("sync failed", zap.Error(err), zap.String("request_id", requestID(r.Context())))
	writeError(w, http.StatusInternalServerError, "sync failed: "+err.Error())
}

func syncMessage(result crawler.CrawlResult) string {
	msg := fmt.Sprintf("sync finished: %d found, %d added, %d updated, %d skipped, %d errors",
		result.Total, result.Added, result.Updated, result.Skipped, result.Errors)
	if result.Stopped {
		msg += " (stopped after consecutive failures)"
	}
	return msg
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
