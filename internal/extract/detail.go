package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	trafilatura "github.com/markusmobius/go-trafilatura"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-news-crawler/internal/browser"
	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
	"github.com/JakeFAU/policy-news-crawler/internal/metrics"
	"github.com/JakeFAU/policy-news-crawler/internal/pacing"
)

// DefaultMinBodyLength is the rune count at which a strategy wins outright.
const DefaultMinBodyLength = 50

// DefaultBodySelectors are tried in order, most specific first.
var DefaultBodySelectors = []string{
	".detail-content",
	".article-content",
	".news-content",
	".content-detail",
	".TRS_Editor",
	".content",
	"#content",
	".article",
}

// Snapshot is a parsed page handed to body strategies.
type Snapshot struct {
	Doc  *goquery.Document
	HTML string
	URL  *url.URL
}

// Match is the text a strategy found and the element it came from. Region is
// nil when the strategy does not map onto a single element.
type Match struct {
	Strategy string
	Text     string
	Region   *goquery.Selection
}

// Strategy extracts body text from a snapshot. ok is false when it found nothing.
type Strategy struct {
	Name    string
	Extract func(*Snapshot) (Match, bool)
}

// SelectorStrategy reads the first element matching selector.
func SelectorStrategy(selector string) Strategy {
	return Strategy{
		Name: selector,
		Extract: func(s *Snapshot) (Match, bool) {
			sel := s.Doc.Find(selector).First()
			if sel.Length() == 0 {
				return Match{}, false
			}
			text := blockText(sel)
			if text == "" {
				return Match{}, false
			}
			return Match{Text: text, Region: sel}, true
		},
	}
}

// ReadabilityStrategy runs the readability heuristics over the whole page.
func ReadabilityStrategy() Strategy {
	return Strategy{
		Name: "readability",
		Extract: func(s *Snapshot) (Match, bool) {
			article, err := readability.FromReader(strings.NewReader(s.HTML), s.URL)
			if err != nil {
				return Match{}, false
			}
			text := collapseLines(article.TextContent)
			if text == "" {
				return Match{}, false
			}
			return Match{Text: text}, true
		},
	}
}

// TrafilaturaStrategy runs trafilatura's main-content extraction over the whole page.
func TrafilaturaStrategy() Strategy {
	return Strategy{
		Name: "trafilatura",
		Extract: func(s *Snapshot) (Match, bool) {
			result, err := trafilatura.Extract(strings.NewReader(s.HTML), trafilatura.Options{
				OriginalURL: s.URL,
			})
			if err != nil || result == nil {
				return Match{}, false
			}
			text := collapseLines(result.ContentText)
			if text == "" {
				return Match{}, false
			}
			return Match{Text: text}, true
		},
	}
}

// DefaultStrategies is the selector chain followed by trafilatura and readability.
func DefaultStrategies(selectors []string) []Strategy {
	if len(selectors) == 0 {
		selectors = DefaultBodySelectors
	}
	out := make([]Strategy, 0, len(selectors)+2)
	for _, sel := range selectors {
		out = append(out, SelectorStrategy(sel))
	}
	return append(out, TrafilaturaStrategy(), ReadabilityStrategy())
}

func collapseLines(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = collapseSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// ExtractBody runs strategies in order. The first match of at least minLen runes
// wins; otherwise the longest match is kept; otherwise the body is the fixed
// fallback text.
func ExtractBody(s *Snapshot, strategies []Strategy, minLen int) Match {
	var best Match
	bestLen := 0
	for _, strategy := range strategies {
		m, ok := strategy.Extract(s)
		if !ok {
			continue
		}
		m.Strategy = strategy.Name
		n := utf8.RuneCountInString(m.Text)
		if n >= minLen {
			return m
		}
		if n > bestLen {
			best, bestLen = m, n
		}
	}
	if bestLen > 0 {
		return best
	}
	return Match{Strategy: "fallback", Text: crawler.FallbackContent}
}

// DetailConfig tunes the detail extractor.
type DetailConfig struct {
	Selectors     []string     `mapstructure:"body_selectors"`
	MinBodyLength int          `mapstructure:"min_body_length"`
	ReadDelay     pacing.Range `mapstructure:"-"`
}

// Detail loads a document page and extracts its body and attachment links.
type Detail struct {
	cfg        DetailConfig
	strategies []Strategy
	manager    browser.Manager
	pacer      pacing.Pacer
	logger     *zap.Logger
}

// NewDetail builds a Detail with the default strategy chain.
func NewDetail(cfg DetailConfig, manager browser.Manager, pacer pacing.Pacer, logger *zap.Logger) (*Detail, error) {
	if manager == nil || pacer == nil {
		return nil, fmt.Errorf("detail requires manager and pacer")
	}
	if cfg.MinBodyLength <= 0 {
		cfg.MinBodyLength = DefaultMinBodyLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detail{
		cfg:        cfg,
		strategies: DefaultStrategies(cfg.Selectors),
		manager:    manager,
		pacer:      pacer,
		logger:     logger.Named("detail"),
	}, nil
}

// Fetch opens rawURL and extracts the document. Missing body text is never an
// error; navigation failures are.
func (d *Detail) Fetch(ctx context.Context, rawURL string) (crawler.Document, error) {
	var pg browser.Page
	err := browser.WithSession(ctx, d.manager, func(s browser.Session) error {
		if _, err := s.Open(ctx, rawURL); err != nil {
			metrics.ObservePageLoad(rawURL, "detail", "error")
			return err
		}
		metrics.ObservePageLoad(rawURL, "detail", "ok")
		if err := d.pacer.Pause(ctx, d.cfg.ReadDelay); err != nil {
			return err
		}
		var err error
		pg, err = s.Content(ctx)
		return err
	})
	if err != nil {
		return crawler.Document{}, fmt.Errorf("load detail: %w", err)
	}
	doc, match, err := ParseDetail(pg.HTML, firstNonEmpty(pg.FinalURL, rawURL), d.strategies, d.cfg.MinBodyLength)
	if err != nil {
		return crawler.Document{}, err
	}
	d.logger.Debug("detail extracted",
		zap.String("url", rawURL),
		zap.String("strategy", match.Strategy),
		zap.Int("body_runes", utf8.RuneCountInString(doc.Content)),
		zap.Int("attachments", len(doc.Attachments)),
	)
	return doc, nil
}

// ParseDetail extracts body and attachments from a detail page.
func ParseDetail(html, pageURL string, strategies []Strategy, minLen int) (crawler.Document, Match, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return crawler.Document{}, Match{}, fmt.Errorf("parse detail html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Document{}, Match{}, fmt.Errorf("parse detail url: %w", err)
	}
	snap := &Snapshot{Doc: doc, HTML: html, URL: base}
	match := ExtractBody(snap, strategies, minLen)
	return crawler.Document{
		Content:     match.Text,
		Attachments: FindAttachments(doc, match.Region, base),
	}, match, nil
}
