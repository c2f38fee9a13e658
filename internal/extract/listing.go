// Package extract turns rendered pages of the target portal into candidates and documents.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-news-crawler/internal/browser"
	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
	"github.com/JakeFAU/policy-news-crawler/internal/metrics"
	"github.com/JakeFAU/policy-news-crawler/internal/pacing"
)

// ListingConfig describes where and how to read the listing page.
type ListingConfig struct {
	URL           string       `mapstructure:"listing_url"`
	BaseURL       string       `mapstructure:"base_url"`
	Source        string       `mapstructure:"source"`
	ItemSelector  string       `mapstructure:"item_selector"`
	TitleSelector string       `mapstructure:"title_selector"`
	DateSelector  string       `mapstructure:"date_selector"`
	Timezone      string       `mapstructure:"timezone"`
	ReadDelay     pacing.Range `mapstructure:"-"`
}

// WithDefaults fills the selectors used by the policy listing.
func (c ListingConfig) WithDefaults() ListingConfig {
	if c.ItemSelector == "" {
		c.ItemSelector = ".news-ul a"
	}
	if c.TitleSelector == "" {
		c.TitleSelector = ".title"
	}
	if c.DateSelector == "" {
		c.DateSelector = ".time"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Shanghai"
	}
	return c
}

// Listing reads the listing page and yields recent candidates.
type Listing struct {
	cfg     ListingConfig
	loc     *time.Location
	manager browser.Manager
	pacer   pacing.Pacer
	clock   crawler.Clock
	logger  *zap.Logger
}

// NewListing validates cfg and builds a Listing.
func NewListing(
	cfg ListingConfig,
	manager browser.Manager,
	pacer pacing.Pacer,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Listing, error) {
	cfg = cfg.WithDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("listing url is required")
	}
	if manager == nil || pacer == nil || clock == nil {
		return nil, fmt.Errorf("listing requires manager, pacer and clock")
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listing{
		cfg:     cfg,
		loc:     loc,
		manager: manager,
		pacer:   pacer,
		clock:   clock,
		logger:  logger.Named("listing"),
	}, nil
}

// Fetch opens the listing and returns candidates published within windowDays.
func (l *Listing) Fetch(ctx context.Context, windowDays int) ([]crawler.Candidate, error) {
	if windowDays < 0 {
		return nil, fmt.Errorf("window days must be >= 0, got %d", windowDays)
	}
	var pg browser.Page
	err := browser.WithSession(ctx, l.manager, func(s browser.Session) error {
		if _, err := s.Open(ctx, l.cfg.URL); err != nil {
			metrics.ObservePageLoad(l.cfg.URL, "listing", "error")
			return err
		}
		metrics.ObservePageLoad(l.cfg.URL, "listing", "ok")
		if err := l.pacer.Pause(ctx, l.cfg.ReadDelay); err != nil {
			return err
		}
		var err error
		pg, err = s.Content(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}

	base := l.cfg.BaseURL
	if base == "" {
		base = SiteRoot(firstNonEmpty(pg.FinalURL, l.cfg.URL))
	}
	cutoff := Cutoff(l.clock.Now(), windowDays, l.loc)
	candidates, err := ParseListing(pg.HTML, base, ListingRules{
		ItemSelector:  l.cfg.ItemSelector,
		TitleSelector: l.cfg.TitleSelector,
		DateSelector:  l.cfg.DateSelector,
		Source:        l.cfg.Source,
		Location:      l.loc,
		Cutoff:        cutoff,
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("listing parsed",
		zap.Int("candidates", len(candidates)),
		zap.Int("window_days", windowDays),
		zap.Time("cutoff", cutoff),
	)
	return candidates, nil
}

// Cutoff returns the start of the day windowDays before now, in loc.
func Cutoff(now time.Time, windowDays int, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()-windowDays, 0, 0, 0, 0, loc)
}

// ListingRules drive ParseListing.
type ListingRules struct {
	ItemSelector  string
	TitleSelector string
	DateSelector  string
	Source        string
	Location      *time.Location
	Cutoff        time.Time
}

// ParseListing extracts candidates dated on or after rules.Cutoff. Entries missing
// a title, a parseable date or a link are skipped. Titles are unique in the
// result; the first occurrence in document order wins. Relative links resolve
// against baseURL as a directory, so the site root yields root-relative links.
func ParseListing(html, baseURL string, rules ListingRules) ([]crawler.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse listing base url: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	loc := rules.Location
	if loc == nil {
		loc = time.UTC
	}

	candidates := []crawler.Candidate{}
	seen := make(map[string]struct{})
	doc.Find(rules.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		title := itemTitle(item, rules.TitleSelector)
		dateText := collapseSpace(item.Find(rules.DateSelector).First().Text())
		href, _ := item.Attr("href")
		if title == "" || dateText == "" || strings.TrimSpace(href) == "" {
			return
		}
		published, err := ParseDate(dateText, loc)
		if err != nil {
			return
		}
		if published.Before(rules.Cutoff) {
			return
		}
		if _, dup := seen[title]; dup {
			return
		}
		link, ok := resolve(base, href)
		if !ok {
			return
		}
		seen[title] = struct{}{}
		candidates = append(candidates, crawler.Candidate{
			Title:       title,
			URL:         link,
			DateText:    trimDate(dateText),
			PublishedAt: published,
			Source:      rules.Source,
		})
	})
	return candidates, nil
}

func itemTitle(item *goquery.Selection, titleSelector string) string {
	if title, ok := item.Attr("title"); ok {
		if t := collapseSpace(title); t != "" {
			return t
		}
	}
	return collapseSpace(item.Find(titleSelector).First().Text())
}

var dateReplacer = strings.NewReplacer("年", "-", "月", "-", "日", "", "/", "-", ".", "-")

func trimDate(s string) string {
	return strings.Trim(strings.TrimSpace(s), "[]【】()（） ")
}

// ParseDate reads a listing date such as "2026-10-16", "[2026-10-16]" or
// "2026年10月16日" as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	cleaned := dateReplacer.Replace(trimDate(s))
	t, err := dateparse.ParseIn(cleaned, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

// SiteRoot returns the scheme and host of rawURL with a "/" path.
func SiteRoot(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
