// Package remote submits crawled records to another instance of the service
// over its shared-secret crawler endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
)

// Errors returned by Client.
var (
	ErrUnauthorized = errors.New("remote rejected crawler key")
	ErrRejected     = errors.New("remote rejected request")
)

// Actions reported by the submit endpoint.
const (
	ActionAdded   = "added"
	ActionSkipped = "skipped"
)

// Config points the client at a remote service.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Key     string        `mapstructure:"key"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Retries is how many extra attempts a call gets after a 5xx or network error.
	Retries int `mapstructure:"retries"`
	// RateLimit caps calls per second; zero means unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`
}

// SubmitResult is the remote verdict for one record.
type SubmitResult struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	ID      int64  `json:"id,omitempty"`
}

// Client calls /api/crawler/{submit,check,delete} on a remote service.
type Client struct {
	base    *url.URL
	key     string
	http    *http.Client
	retry   retryPolicy
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New validates cfg and builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote base url %q", cfg.BaseURL)
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("remote crawler key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Client{
		base:    base,
		key:     cfg.Key,
		http:    &http.Client{Timeout: cfg.Timeout},
		retry:   newRetryPolicy(cfg.Retries),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("remote"),
	}, nil
}

// Submit sends record with every attachment converted to an external link.
func (c *Client) Submit(ctx context.Context, record crawler.NewsRecord) (SubmitResult, error) {
	external := make([]crawler.Attachment, 0, len(record.Attachments))
	for _, att := range record.Attachments {
		external = append(external, att.External())
	}
	record.Attachments = external
	record.ID = 0

	var res SubmitResult
	if err := c.post(ctx, "/api/crawler/submit", record, &res); err != nil {
		return SubmitResult{}, err
	}
	if !res.Success {
		return res, fmt.Errorf("%w: %s", ErrRejected, res.Message)
	}
	return res, nil
}

// ExistingTitles returns the subset of titles the remote already has.
func (c *Client) ExistingTitles(ctx context.Context, titles []string) ([]string, error) {
	var res struct {
		Success        bool     `json:"success"`
		Message        string   `json:"message"`
		ExistingTitles []string `json:"existingTitles"`
	}
	if err := c.post(ctx, "/api/crawler/check", map[string][]string{"titles": titles}, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: %s", ErrRejected, res.Message)
	}
	if res.ExistingTitles == nil {
		return []string{}, nil
	}
	return res.ExistingTitles, nil
}

// Delete removes records by id on the remote and returns how many went away.
func (c *Client) Delete(ctx context.Context, ids []int64) (int, error) {
	var res struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Deleted int    `json:"deleted"`
	}
	if err := c.post(ctx, "/api/crawler/delete", map[string][]int64{"ids": ids}, &res); err != nil {
		return 0, err
	}
	if !res.Success {
		return 0, fmt.Errorf("%w: %s", ErrRejected, res.Message)
	}
	return res.Deleted, nil
}

// Exists lets the client serve as a sync sink.
func (c *Client) Exists(ctx context.Context, title string) (bool, error) {
	found, err := c.ExistingTitles(ctx, []string{title})
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// Save submits record and maps the remote action to an item status.
func (c *Client) Save(ctx context.Context, record crawler.NewsRecord, _ bool) (crawler.ItemStatus, error) {
	res, err := c.Submit(ctx, record)
	if err != nil {
		return "", err
	}
	switch res.Action {
	case ActionSkipped:
		return crawler.ItemSkipped, nil
	default:
		return crawler.ItemAdded, nil
	}
}

// MirrorsAttachments is false: the remote only receives external links.
func (*Client) MirrorsAttachments() bool { return false }

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	for attempt := 0; ; attempt++ {
		err = c.postOnce(ctx, path, payload, out)
		if !c.retry.shouldRetry(err, attempt) {
			return err
		}
		wait := c.retry.backoff(attempt)
		c.logger.Warn("remote call failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if sleepErr := sleepContext(ctx, wait); sleepErr != nil {
			return err
		}
	}
}

func (c *Client) postOnce(ctx context.Context, path string, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	endpoint := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(crawler.CrawlerKeyHeader, c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= http.StatusInternalServerError:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &transientError{err: fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", path, resp.StatusCode, err)
	}
	c.logger.Debug("remote call", zap.String("path", path), zap.Int("status", resp.StatusCode))
	return nil
}
