package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
)

const testKey = "secret-key"

func newClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Key: testKey}, nil)
	require.NoError(t, err)
	return c
}

func TestSubmitSendsKeyAndExternalAttachments(t *testing.T) {
	t.Parallel()

	var got crawler.NewsRecord
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/crawler/submit", r.URL.Path)
		assert.Equal(t, testKey, r.Header.Get(crawler.CrawlerKeyHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(SubmitResult{Success: true, Action: ActionAdded, ID: 12})
	})

	res, err := c.Submit(context.Background(), crawler.NewsRecord{
		ID:    99,
		Title: "t",
		Attachments: []crawler.Attachment{{
			Name:        "a.pdf",
			URL:         "/uploads/attachments/1_a.pdf",
			Size:        10,
			Type:        "pdf",
			OriginalURL: "https://www.zjzj.net/a.pdf",
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.ID)
	assert.Zero(t, got.ID)
	assert.Equal(t, []crawler.Attachment{{
		Name:       "a.pdf",
		URL:        "https://www.zjzj.net/a.pdf",
		Type:       "pdf",
		IsExternal: true,
	}}, got.Attachments)
}

func TestSubmitUnauthorized(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"success":false,"message":"invalid key"}`))
		})
		_, err := c.Submit(context.Background(), crawler.NewsRecord{Title: "t"})
		require.ErrorIs(t, err, ErrUnauthorized)
	}
}

func TestSubmitRejected(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"message":"title required"}`))
	})
	_, err := c.Submit(context.Background(), crawler.NewsRecord{})
	require.ErrorIs(t, err, ErrRejected)
	require.ErrorContains(t, err, "title required")
}

func TestSubmitServerError(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	_, err := c.Submit(context.Background(), crawler.NewsRecord{Title: "t"})
	require.ErrorContains(t, err, "status 502")
}

func TestExistingTitlesAndExists(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/crawler/check", r.URL.Path)
		var body struct {
			Titles []string `json:"titles"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		existing := []string{}
		for _, title := range body.Titles {
			if title == "known" {
				existing = append(existing, title)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "existingTitles": existing})
	})

	got, err := c.ExistingTitles(context.Background(), []string{"a", "known"})
	require.NoError(t, err)
	assert.Equal(t, []string{"known"}, got)

	ok, err := c.Exists(context.Background(), "known")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Exists(context.Background(), "new")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/crawler/delete", r.URL.Path)
		var body struct {
			IDs []int64 `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []int64{4, 5}, body.IDs)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "deleted": 2})
	})

	n, err := c.Delete(context.Background(), []int64{4, 5})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSaveMapsActions(t *testing.T) {
	t.Parallel()

	cases := map[string]crawler.ItemStatus{
		ActionAdded:   crawler.ItemAdded,
		ActionSkipped: crawler.ItemSkipped,
	}
	for action, want := range cases {
		c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(SubmitResult{Success: true, Action: action})
		})
		got, err := c.Save(context.Background(), crawler.NewsRecord{Title: "t"}, false)
		require.NoError(t, err)
		assert.Equal(t, want, got, action)
	}
	assert.False(t, (&Client{}).MirrorsAttachments())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Key: "k"}, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "not a url", Key: "k"}, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "https://remote.example"}, nil)
	require.Error(t, err)
}

func TestPostRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "action": ActionAdded, "id": 9})
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Key: testKey, Retries: 2}, nil)
	require.NoError(t, err)

	res, err := c.Submit(context.Background(), crawler.NewsRecord{Title: "t"})
	require.NoError(t, err)
	assert.EqualValues(t, 9, res.ID)
	assert.EqualValues(t, 2, calls.Load())
}

func TestPostDoesNotRetryAuthFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Key: testKey, Retries: 3}, nil)
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), crawler.NewsRecord{Title: "t"})
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(2)
	transient := &transientError{err: errors.New("status 502")}
	assert.True(t, p.shouldRetry(transient, 0))
	assert.True(t, p.shouldRetry(transient, 1))
	assert.False(t, p.shouldRetry(transient, 2))
	assert.False(t, p.shouldRetry(nil, 0))
	assert.False(t, p.shouldRetry(errors.New("decode"), 0))
	assert.False(t, p.shouldRetry(context.Canceled, 0))

	for attempt := 0; attempt < 6; attempt++ {
		d := p.backoff(attempt)
		assert.GreaterOrEqual(t, d, 125*time.Millisecond)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.False(t, newRetryPolicy(-1).shouldRetry(transient, 0))
}

func TestRateLimitBoundsCalls(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "existingTitles": []string{}})
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Key: testKey, RateLimit: 0.5}, nil)
	require.NoError(t, err)

	_, err = c.ExistingTitles(context.Background(), []string{"a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.ExistingTitles(ctx, []string{"b"})
	require.ErrorContains(t, err, "rate limit wait")
	assert.EqualValues(t, 1, calls.Load())
}
