// Package browser hands out page-loading sessions for the acquisition pipeline.
//
// A session is acquired per navigation unit (one listing page or one detail page)
// and must be released on every exit path. WithSession enforces that.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNavigationTimeout is returned when a page does not settle within the navigation timeout.
	ErrNavigationTimeout = errors.New("navigation timed out")
	// ErrHTTPStatus is returned when the document response carries an error status.
	ErrHTTPStatus = errors.New("document returned error status")
)

// DefaultUserAgent is a current desktop Chrome user agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Page is the rendered state of one navigation.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       string
}

// Session is one isolated browsing context.
type Session interface {
	// Open navigates to rawURL and returns the page once it has settled.
	Open(ctx context.Context, rawURL string) (Page, error)
	// Content re-reads the current document, e.g. after a reading delay.
	Content(ctx context.Context) (Page, error)
	// Release frees the underlying resources. It is safe to call more than once.
	Release()
}

// Manager produces sessions.
type Manager interface {
	Acquire(ctx context.Context) (Session, error)
	Close() error
}

// WithSession acquires a session, runs fn, and releases the session whether fn
// returns, fails, or panics.
func WithSession(ctx context.Context, m Manager, fn func(Session) error) error {
	sess, err := m.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire browser session: %w", err)
	}
	defer sess.Release()
	return fn(sess)
}

// Config carries the browser profile shared by every manager.
type Config struct {
	Mode              string        `mapstructure:"mode"`
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	AcceptLanguage    string        `mapstructure:"accept_language"`
	Locale            string        `mapstructure:"locale"`
	Timezone          string        `mapstructure:"timezone"`
	ViewportWidth     int           `mapstructure:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	IdleSettle        time.Duration `mapstructure:"idle_settle"`
}

// WithDefaults fills zero values with the desktop zh-CN profile.
func (c Config) WithDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = "zh-CN,zh;q=0.9,en;q=0.8"
	}
	if c.Locale == "" {
		c.Locale = "zh-CN"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Shanghai"
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1920
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 1080
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 60 * time.Second
	}
	if c.IdleSettle <= 0 {
		c.IdleSettle = 10 * time.Second
	}
	return c
}

// Headers returns the browser-like request headers for plain HTTP clients.
func (c Config) Headers() http.Header {
	c = c.WithDefaults()
	h := http.Header{}
	h.Set("User-Agent", c.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", c.AcceptLanguage)
	h.Set("Cache-Control", "no-cache")
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}

// NewManager picks the implementation named by cfg.Mode ("chrome" or "static").
func NewManager(cfg Config, opts ...Option) (Manager, error) {
	switch cfg.Mode {
	case "", "chrome":
		return NewChrome(cfg, opts...), nil
	case "static":
		return NewStatic(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("unknown browser mode %q", cfg.Mode)
	}
}
