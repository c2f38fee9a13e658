package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// StaticManager serves sessions backed by a plain HTTP collector. It suits
// targets that render their listing and detail pages server-side.
type StaticManager struct {
	cfg    Config
	logger *zap.Logger
	base   *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewStatic builds a StaticManager.
func NewStatic(cfg Config, opts ...Option) *StaticManager {
	o := buildOptions(opts)
	cfg = cfg.WithDefaults()

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.UserAgent = cfg.UserAgent
	c.SetRequestTimeout(cfg.NavigationTimeout)
	transport := o.transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)

	return &StaticManager{
		cfg:    cfg,
		logger: o.logger.Named("static"),
		base:   c,
	}
}

// Acquire returns a session with its own collector clone.
func (m *StaticManager) Acquire(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire canceled: %w", err)
	}
	return &staticSession{
		cfg:       m.cfg,
		logger:    m.logger,
		collector: m.base.Clone(),
	}, nil
}

// Close is a no-op.
func (m *StaticManager) Close() error {
	return nil
}

type staticSession struct {
	cfg       Config
	logger    *zap.Logger
	collector *colly.Collector

	mu       sync.Mutex
	last     Page
	released bool
}

func (s *staticSession) Open(ctx context.Context, rawURL string) (Page, error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return Page{}, fmt.Errorf("open %s: session released", rawURL)
	}
	s.mu.Unlock()

	var (
		result   Page
		fetchErr error
	)
	collector := s.collector.Clone()
	s.configureHooks(collector, rawURL, &result, &fetchErr)

	err := s.visit(ctx, collector, rawURL, &fetchErr)
	if err != nil && ctx.Err() != nil {
		return Page{}, err
	}
	if result.StatusCode >= http.StatusBadRequest {
		return result, fmt.Errorf("open %s: %w: %d", rawURL, ErrHTTPStatus, result.StatusCode)
	}
	if err != nil {
		return result, err
	}
	s.mu.Lock()
	s.last = result
	s.mu.Unlock()
	s.logger.Debug("page fetched", zap.String("url", rawURL), zap.Int("status", result.StatusCode))
	return result, nil
}

func (s *staticSession) configureHooks(hooks collectorHooks, rawURL string, result *Page, fetchErr *error) {
	headers := s.cfg.Headers()
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Set(key, v)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		*result = Page{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			HTML:       string(r.Body),
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*result = Page{
				URL:        rawURL,
				FinalURL:   r.Request.URL.String(),
				StatusCode: r.StatusCode,
				HTML:       string(r.Body),
			}
		}
		*fetchErr = err
	})
}

func (s *staticSession) visit(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("open %s canceled: %w", rawURL, ctx.Err())
	case err := <-done:
		if err != nil && *fetchErr == nil {
			return fmt.Errorf("open %s: %w", rawURL, err)
		}
		if *fetchErr != nil {
			if isTimeout(*fetchErr) {
				return fmt.Errorf("open %s: %w", rawURL, ErrNavigationTimeout)
			}
			return fmt.Errorf("open %s: %w", rawURL, *fetchErr)
		}
		return nil
	}
}

func (s *staticSession) Content(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.URL == "" {
		return Page{}, fmt.Errorf("read content: no page opened")
	}
	return s.last, nil
}

func (s *staticSession) Release() {
	s.mu.Lock()
	s.released = true
	s.last = Page{}
	s.mu.Unlock()
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
