package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// hideWebdriver masks the automation flag before any page script runs.
const hideWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
window.chrome = window.chrome || {runtime: {}};
Object.defineProperty(navigator, 'languages', {get: () => ['zh-CN', 'zh', 'en']});`

// Idle means at most idleMaxInflight requests outstanding for idleQuiet.
const (
	idleMaxInflight = 2
	idleQuiet       = 500 * time.Millisecond
	idlePoll        = 100 * time.Millisecond
)

// ChromeManager launches an isolated headless Chrome per session.
type ChromeManager struct {
	cfg    Config
	logger *zap.Logger
}

// NewChrome builds a ChromeManager.
func NewChrome(cfg Config, opts ...Option) *ChromeManager {
	o := buildOptions(opts)
	return &ChromeManager{
		cfg:    cfg.WithDefaults(),
		logger: o.logger.Named("chrome"),
	}
}

// Close is a no-op; every session owns its own browser process.
func (m *ChromeManager) Close() error {
	return nil
}

func (m *ChromeManager) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("lang", m.cfg.Locale),
		chromedp.UserAgent(m.cfg.UserAgent),
		chromedp.WindowSize(m.cfg.ViewportWidth, m.cfg.ViewportHeight),
	)
	if m.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}
	return opts
}

// Acquire starts a browser, opens a tab and applies the stealth profile.
func (m *ChromeManager) Acquire(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire canceled: %w", err)
	}
	// The allocator is rooted in Background so the browser outlives the
	// acquiring request's context; Release tears it down.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), m.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		cfg:         m.cfg,
		logger:      m.logger,
		tab:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		meta:        newResponseMeta(),
		idle:        newIdleTracker(),
	}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		s.meta.captureEvent(ev)
		s.idle.captureEvent(ev)
	})

	stop := forwardCancel(ctx, tabCancel)
	err := chromedp.Run(tabCtx, stealthAction(m.cfg))
	stop()
	if err != nil {
		s.Release()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	m.logger.Debug("browser session acquired")
	return s, nil
}

func stealthAction(cfg Config) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(cfg.UserAgent).
			WithAcceptLanguage(cfg.AcceptLanguage).
			WithPlatform("Win32").
			Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if err := emulation.SetLocaleOverride().WithLocale(cfg.Locale).Do(ctx); err != nil {
			return fmt.Errorf("set locale: %w", err)
		}
		if err := emulation.SetTimezoneOverride(cfg.Timezone).Do(ctx); err != nil {
			return fmt.Errorf("set timezone: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(
			int64(cfg.ViewportWidth), int64(cfg.ViewportHeight), 1, false,
		).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriver).Do(ctx); err != nil {
			return fmt.Errorf("install init script: %w", err)
		}
		return nil
	})
}

type chromeSession struct {
	cfg         Config
	logger      *zap.Logger
	tab         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	meta        *responseMeta
	idle        *idleTracker
	once        sync.Once
}

func (s *chromeSession) Open(ctx context.Context, rawURL string) (Page, error) {
	s.meta.reset()
	var (
		html     string
		finalURL string
	)
	err := s.run(ctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		s.idle.waitAction(s.cfg.IdleSettle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return Page{}, fmt.Errorf("open %s: %w", rawURL, err)
	}
	status, docURL := s.meta.snapshot()
	pg := Page{
		URL:        rawURL,
		FinalURL:   firstNonEmpty(finalURL, docURL, rawURL),
		StatusCode: status,
		HTML:       html,
	}
	if pg.StatusCode == 0 {
		pg.StatusCode = http.StatusOK
	}
	if pg.StatusCode >= http.StatusBadRequest {
		return pg, fmt.Errorf("open %s: %w: %d", rawURL, ErrHTTPStatus, pg.StatusCode)
	}
	s.logger.Debug("page opened", zap.String("url", rawURL), zap.String("final_url", pg.FinalURL))
	return pg, nil
}

func (s *chromeSession) Content(ctx context.Context) (Page, error) {
	var (
		html     string
		finalURL string
	)
	if err := s.run(ctx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return Page{}, fmt.Errorf("read content: %w", err)
	}
	status, _ := s.meta.snapshot()
	if status == 0 {
		status = http.StatusOK
	}
	return Page{URL: finalURL, FinalURL: finalURL, StatusCode: status, HTML: html}, nil
}

// run executes actions on the tab bounded by the navigation timeout and ctx.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.tab, s.cfg.NavigationTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrNavigationTimeout, s.cfg.NavigationTimeout)
	}
	return err
}

func (s *chromeSession) Release() {
	s.once.Do(func() {
		s.tabCancel()
		s.allocCancel()
		s.logger.Debug("browser session released")
	})
}

// forwardCancel cancels the child operation when parent is done.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}

// idleTracker counts in-flight network requests for the settle wait.
type idleTracker struct {
	mu         sync.Mutex
	inflight   map[network.RequestID]struct{}
	lastChange time.Time
	now        func() time.Time
}

func newIdleTracker() *idleTracker {
	return &idleTracker{
		inflight:   make(map[network.RequestID]struct{}),
		lastChange: time.Now(),
		now:        time.Now,
	}
}

func (t *idleTracker) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.start(e.RequestID)
	case *network.EventLoadingFinished:
		t.finish(e.RequestID)
	case *network.EventLoadingFailed:
		t.finish(e.RequestID)
	}
}

func (t *idleTracker) start(id network.RequestID) {
	t.mu.Lock()
	t.inflight[id] = struct{}{}
	t.lastChange = t.now()
	t.mu.Unlock()
}

func (t *idleTracker) finish(id network.RequestID) {
	t.mu.Lock()
	if _, ok := t.inflight[id]; ok {
		delete(t.inflight, id)
		t.lastChange = t.now()
	}
	t.mu.Unlock()
}

func (t *idleTracker) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) <= idleMaxInflight && t.now().Sub(t.lastChange) >= idleQuiet
}

// waitAction blocks until the network is idle or limit elapses. Reaching the
// limit is not an error.
func (t *idleTracker) waitAction(limit time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.NewTimer(limit)
		defer deadline.Stop()
		ticker := time.NewTicker(idlePoll)
		defer ticker.Stop()
		for {
			if t.idle() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-deadline.C:
				return nil
			case <-ticker.C:
			}
		}
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
