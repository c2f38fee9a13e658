package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
	"github.com/JakeFAU/policy-news-crawler/internal/orchestrator"
	"github.com/JakeFAU/policy-news-crawler/internal/runlock"
	"github.com/JakeFAU/policy-news-crawler/internal/storage/memory"
)

const (
	testSecret = "jwt-secret"
	testKey    = "crawler-key"
)

type fakeSyncer struct {
	mu         sync.Mutex
	requests   []orchestrator.Request
	result     crawler.CrawlResult
	err        error
	candidates []crawler.Candidate
	listErr    error
	listDays   int
	ctxErr     error
}

func (f *fakeSyncer) Run(ctx context.Context, req orchestrator.Request) (crawler.CrawlResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.ctxErr = ctx.Err()
	return f.result, f.err
}

func (f *fakeSyncer) FetchListing(_ context.Context, days int) ([]crawler.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listDays = days
	return f.candidates, f.listErr
}

func (f *fakeSyncer) calls() []orchestrator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.Request(nil), f.requests...)
}

type testEnv struct {
	server  *Server
	syncer  *fakeSyncer
	records *memory.RecordStore
	runs    *memory.RunStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	syncer := &fakeSyncer{result: crawler.CrawlResult{RunID: "run-1", Total: 5, Added: 3, Skipped: 1, Errors: 1, Details: []crawler.ItemOutcome{}}}
	records := memory.NewRecordStore()
	runs := memory.NewRunStore()
	server := NewServer(Deps{
		Syncer:  syncer,
		Records: records,
		Authors: records,
		Runs:    runs,
	}, Options{
		JWTSecret:   testSecret,
		CrawlerKey:  testKey,
		DefaultDays: 2,
	}, zap.NewNop())
	return &testEnv{server: server, syncer: syncer, records: records, runs: runs}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func signToken(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func authed(t *testing.T, method, target string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, time.Now().Add(time.Hour)))
	return req
}

func keyed(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set(crawler.CrawlerKeyHeader, testKey)
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_BearerAuth(t *testing.T) {
	t.Parallel()

	expired := signToken(t, testSecret, time.Now().Add(-time.Hour))
	wrongKey := signToken(t, "other-secret", time.Now().Add(time.Hour))
	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "admin"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not-a-token", want: http.StatusForbidden},
		{name: "expired", header: "Bearer " + expired, want: http.StatusForbidden},
		{name: "wrong secret", header: "Bearer " + wrongKey, want: http.StatusForbidden},
		{name: "alg none", header: "Bearer " + unsigned, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodPost, "/api/crawler/sync", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := env.do(req)
			require.Equal(t, tt.want, rec.Code)
			require.Empty(t, env.syncer.calls())
		})
	}
}

func TestServer_BearerAuthUnconfigured(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Syncer: &fakeSyncer{}, Records: memory.NewRecordStore()}, Options{CrawlerKey: testKey}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/crawler/preview", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_SyncDefaultsDays(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(authed(t, http.MethodPost, "/api/crawler/sync", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, true, body["success"])
	require.Contains(t, body["message"], "3 added")
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 5, data["total"])
	require.Equal(t, []orchestrator.Request{{Days: 2}}, env.syncer.calls())
}

func TestServer_SyncWithBody(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(authed(t, http.MethodPost, "/api/crawler/sync", []byte(`{"days":30,"resync":true}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []orchestrator.Request{{Days: 30, Resync: true}}, env.syncer.calls())
	require.NoError(t, env.syncer.ctxErr)
}

func TestServer_SyncRejectsBadDays(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{"days":0}`, `{"days":366}`, `{"days":-1}`, `{"days":"x"}`, `{bad`} {
		env := newTestEnv(t)
		rec := env.do(authed(t, http.MethodPost, "/api/crawler/sync", []byte(body)))
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.Empty(t, env.syncer.calls())
	}
}

func TestServer_SyncConflict(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.syncer.err = runlock.ErrRunInProgress
	rec := env.do(authed(t, http.MethodPost, "/api/crawler/sync", nil))

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, false, decode(t, rec)["success"])
}

func TestServer_SyncFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.syncer.err = errors.New("fetch listing: boom")
	rec := env.do(authed(t, http.MethodPost, "/api/crawler/sync", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "boom")
}

func TestServer_Cron(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.syncer.result.Stopped = true
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/crawler/cron?key="+testKey, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Contains(t, body["message"], "stopped")
	data := body["data"].(map[string]any)
	require.Equal(t, true, data["stopped"])
	require.NotContains(t, data, "details")
	require.Equal(t, []orchestrator.Request{{Days: 2}}, env.syncer.calls())
}

func TestServer_CronRejectsWrongKey(t *testing.T) {
	t.Parallel()

	for _, target := range []string{"/api/crawler/cron", "/api/crawler/cron?key=nope"} {
		env := newTestEnv(t)
		rec := env.do(httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusForbidden, rec.Code, target)
		require.Empty(t, env.syncer.calls())
	}
}

func TestServer_Preview(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.syncer.candidates = []crawler.Candidate{{Title: "关于印发政策的通知", URL: "https://www.zjzj.net/a.html", DateText: "2026-10-16"}}
	rec := env.do(authed(t, http.MethodGet, "/api/crawler/preview?days=7", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	news := body["data"].(map[string]any)["news"].([]any)
	require.Len(t, news, 1)
	require.Equal(t, "关于印发政策的通知", news[0].(map[string]any)["title"])
	require.Equal(t, 7, env.syncer.listDays)
	require.Empty(t, env.syncer.calls())
}

func TestServer_PreviewEmptyAndErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(authed(t, http.MethodGet, "/api/crawler/preview", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"news":[]`)
	require.Equal(t, 2, env.syncer.listDays)

	rec = env.do(authed(t, http.MethodGet, "/api/crawler/preview?days=abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	env.syncer.listErr = errors.New("navigation timeout")
	rec = env.do(authed(t, http.MethodGet, "/api/crawler/preview", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_Runs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	started := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	require.NoError(t, env.runs.StartRun(ctx, "run-a", started))
	require.NoError(t, env.runs.CompleteRun(ctx, crawler.CrawlResult{
		RunID:    "run-a",
		Total:    1,
		Added:    1,
		Finished: started.Add(time.Minute),
		Details:  []crawler.ItemOutcome{{Title: "t", Status: crawler.ItemAdded}},
	}, nil))

	rec := env.do(authed(t, http.MethodGet, "/api/crawler/runs?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode(t, rec)["data"].(map[string]any)["runs"].([]any)
	require.Len(t, runs, 1)

	rec = env.do(authed(t, http.MethodGet, "/api/crawler/runs/run-a", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"added"`)

	rec = env.do(authed(t, http.MethodGet, "/api/crawler/runs/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(authed(t, http.MethodGet, "/api/crawler/runs?limit=-1", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RunsUnavailable(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Syncer: &fakeSyncer{}, Records: memory.NewRecordStore()}, Options{JWTSecret: testSecret}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, authed(t, http.MethodGet, "/api/crawler/runs", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_SubmitAddsThenSkips(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.records.SetAdmin(42)
	payload := []byte(`{"title":"关于印发政策的通知","content":"正文","publish_date":"2026-10-16T00:00:00+08:00","attachments":[{"name":"a.pdf","url":"https://www.zjzj.net/a.pdf","type":"pdf","isExternal":true}]}`)

	rec := env.do(keyed(http.MethodPost, "/api/crawler/submit", payload))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "added", body["action"])

	stored, ok := env.records.Get("关于印发政策的通知")
	require.True(t, ok)
	require.Equal(t, crawler.CategoryIndustry, stored.Category)
	require.Equal(t, crawler.BadgePolicy, stored.Badge)
	require.Equal(t, crawler.StatusPublished, stored.Status)
	require.EqualValues(t, 42, stored.AuthorID)
	require.Len(t, stored.Attachments, 1)

	rec = env.do(keyed(http.MethodPost, "/api/crawler/submit", payload))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "skipped", decode(t, rec)["action"])
	require.Len(t, env.records.List(), 1)
}

func TestServer_SubmitDefaultAuthor(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(keyed(http.MethodPost, "/api/crawler/submit", []byte(`{"title":"t1"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	stored, ok := env.records.Get("t1")
	require.True(t, ok)
	require.Equal(t, crawler.DefaultAuthorID, stored.AuthorID)
}

func TestServer_SubmitValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(keyed(http.MethodPost, "/api/crawler/submit", []byte(`{"title":"  "}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(keyed(http.MethodPost, "/api/crawler/submit", []byte(`{bad`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CrawlerKeyRequired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, path := range []string{"/api/crawler/submit", "/api/crawler/check", "/api/crawler/delete"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"title":"t","titles":["t"],"ids":[1]}`))
		req.Header.Set(crawler.CrawlerKeyHeader, "wrong")
		rec := env.do(req)
		require.Equal(t, http.StatusForbidden, rec.Code, path)
	}
	require.Empty(t, env.records.List())
}

func TestServer_CheckAndDelete(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	idA, err := env.records.Create(ctx, crawler.NewsRecord{Title: "a"})
	require.NoError(t, err)
	_, err = env.records.Create(ctx, crawler.NewsRecord{Title: "b"})
	require.NoError(t, err)

	rec := env.do(keyed(http.MethodPost, "/api/crawler/check", []byte(`{"titles":["a","c"]}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{"a"}, decode(t, rec)["existingTitles"])

	rec = env.do(keyed(http.MethodPost, "/api/crawler/check", []byte(`{"titles":[]}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"existingTitles":[]`)

	body, err := json.Marshal(map[string]any{"ids": []int64{idA, 999}})
	require.NoError(t, err)
	rec = env.do(keyed(http.MethodPost, "/api/crawler/delete", body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decode(t, rec)["deleted"])

	rec = env.do(keyed(http.MethodPost, "/api/crawler/delete", []byte(`{"ids":[]}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ServesUploads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "news"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "news", "a.pdf"), []byte("%PDF"), 0o600))

	server := NewServer(Deps{Syncer: &fakeSyncer{}, Records: memory.NewRecordStore()}, Options{UploadsDir: dir}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/news/a.pdf", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "%PDF", rec.Body.String())
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
