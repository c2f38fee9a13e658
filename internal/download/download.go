// Package download mirrors attachment files into a blob store.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
	"github.com/JakeFAU/policy-news-crawler/internal/extract"
	"github.com/JakeFAU/policy-news-crawler/internal/metrics"
)

var (
	// ErrDownloadTimeout is returned when a download exceeds its time budget.
	ErrDownloadTimeout = errors.New("download timed out")
	// ErrUnexpectedStatus is returned for any final status other than 200.
	ErrUnexpectedStatus = errors.New("unexpected download status")
	// ErrTooManyRedirects is returned when the redirect chain exceeds the hop limit.
	ErrTooManyRedirects = errors.New("too many redirects")
)

var illegalNameChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)

// Config controls the downloader.
type Config struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	Prefix       string        `mapstructure:"prefix"`
	PublicPrefix string        `mapstructure:"public_prefix"`
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.Prefix == "" {
		c.Prefix = "attachments"
	}
	if c.PublicPrefix == "" {
		c.PublicPrefix = "/uploads"
	}
	return c
}

// Stored describes a mirrored attachment.
type Stored struct {
	Path     string
	URI      string
	Size     int64
	Type     string
	FinalURL string
}

// Downloader fetches attachment URLs and streams them into a BlobStore.
type Downloader struct {
	cfg     Config
	client  *http.Client
	headers http.Header
	blobs   crawler.BlobStore
	clock   crawler.Clock
	logger  *zap.Logger
}

// New builds a Downloader. headers are sent on every request.
func New(cfg Config, blobs crawler.BlobStore, clock crawler.Clock, headers http.Header, logger *zap.Logger) (*Downloader, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		cfg: cfg.WithDefaults(),
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		headers: headers.Clone(),
		blobs:   blobs,
		clock:   clock,
		logger:  logger.Named("download"),
	}, nil
}

// Download fetches rawURL, following redirects by hand, and stores the body
// under a collision-safe name derived from name.
func (d *Downloader) Download(ctx context.Context, rawURL, name string) (Stored, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	stored, err := d.fetch(ctx, rawURL, name, 0)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrDownloadTimeout) {
			err = fmt.Errorf("%w: %s: %w", ErrDownloadTimeout, rawURL, err)
		}
		metrics.ObserveDownload("failed", 0)
		return Stored{}, err
	}
	metrics.ObserveDownload("stored", stored.Size)
	d.logger.Debug("attachment stored",
		zap.String("url", rawURL),
		zap.String("path", stored.Path),
		zap.Int64("bytes", stored.Size),
	)
	return stored, nil
}

func (d *Downloader) fetch(ctx context.Context, rawURL, name string, hops int) (Stored, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Stored{}, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	for key, values := range d.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "*/*")

	resp, err := d.client.Do(req)
	if err != nil {
		return Stored{}, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if hops >= d.cfg.MaxRedirects {
			return Stored{}, fmt.Errorf("%w: stopped after %d hops at %s", ErrTooManyRedirects, hops, rawURL)
		}
		next, err := resolveLocation(req.URL, resp.Header.Get("Location"))
		if err != nil {
			return Stored{}, fmt.Errorf("%w: %d from %s: %w", ErrUnexpectedStatus, resp.StatusCode, rawURL, err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return d.fetch(ctx, next, name, hops+1)
	case http.StatusOK:
	default:
		return Stored{}, fmt.Errorf("%w: %d from %s", ErrUnexpectedStatus, resp.StatusCode, rawURL)
	}

	file := fmt.Sprintf("%d_%s", d.clock.Now().UnixMilli(), SanitizeName(name))
	objectPath := path.Join(d.cfg.Prefix, file)
	body := &countingReader{r: resp.Body}
	uri, err := d.blobs.PutObject(ctx, objectPath, contentType(resp.Header.Get("Content-Type")), body)
	if err != nil {
		return Stored{}, fmt.Errorf("store %s: %w", rawURL, err)
	}
	// Stores may write under a different final name when objectPath is taken.
	if stored := path.Base(uri); stored != "" && stored != "." && stored != "/" {
		objectPath = path.Join(path.Dir(objectPath), stored)
	}
	return Stored{
		Path:     path.Join(d.cfg.PublicPrefix, objectPath),
		URI:      uri,
		Size:     body.n,
		Type:     typeTag(name, rawURL),
		FinalURL: rawURL,
	}, nil
}

func resolveLocation(base *url.URL, location string) (string, error) {
	if strings.TrimSpace(location) == "" {
		return "", fmt.Errorf("redirect without location")
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse location %q: %w", location, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// SanitizeName replaces characters that are illegal in file names with '_'.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "attachment"
	}
	return illegalNameChars.ReplaceAllString(name, "_")
}

func typeTag(name, rawURL string) string {
	if tag := extract.NameType(name); tag != "unknown" {
		return tag
	}
	return extract.TypeTag(rawURL)
}

func contentType(header string) string {
	if header == "" {
		return "application/octet-stream"
	}
	if mediaType, _, err := mime.ParseMediaType(header); err == nil {
		return mediaType
	}
	return header
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
