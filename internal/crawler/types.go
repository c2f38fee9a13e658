package crawler

import (
	"errors"
	"time"
)

// Fixed values stamped onto every record produced by the policy pipeline.
const (
	CategoryIndustry = "industry"
	BadgePolicy      = "政策"
	StatusPublished  = "published"

	// FallbackContent replaces the body when no extraction strategy produced text.
	FallbackContent = "详情请查看原文链接"

	// DefaultAuthorID is used when the author resolver finds no administrator.
	DefaultAuthorID int64 = 1

	// CrawlerKeyHeader carries the shared secret on machine-to-machine calls.
	CrawlerKeyHeader = "x-crawler-key"
)

// ErrNotFound is returned by stores when a record addressed by title or id is absent.
var ErrNotFound = errors.New("record not found")

// Candidate is a listing entry discovered but not yet fetched in detail.
type Candidate struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	DateText    string    `json:"dateText"`
	PublishedAt time.Time `json:"publishDate"`
	Source      string    `json:"source"`
}

// Attachment describes a file linked from a document. IsExternal marks entries
// that point at the remote site instead of a mirrored local copy.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	Type        string `json:"type"`
	IsExternal  bool   `json:"isExternal"`
	OriginalURL string `json:"originalUrl,omitempty"`
}

// External returns a copy of a pointing at its source URL with no local size.
func (a Attachment) External() Attachment {
	src := a.URL
	if a.OriginalURL != "" {
		src = a.OriginalURL
	}
	if a.Type == "" {
		a.Type = "unknown"
	}
	return Attachment{
		Name:       a.Name,
		URL:        src,
		Size:       0,
		Type:       a.Type,
		IsExternal: true,
	}
}

// Document is the extracted body of one detail page.
type Document struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
}

// NewsRecord is the unit persisted to the record store.
type NewsRecord struct {
	ID          int64        `json:"id,omitempty"`
	Title       string       `json:"title"`
	Category    string       `json:"category"`
	Excerpt     string       `json:"excerpt"`
	Content     string       `json:"content"`
	Badge       string       `json:"badge"`
	Status      string       `json:"status"`
	PublishDate time.Time    `json:"publish_date"`
	AuthorID    int64        `json:"author_id,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// ItemStatus is the per-candidate outcome of a sync run.
type ItemStatus string

// Outcomes recorded in the run detail log.
const (
	ItemAdded   ItemStatus = "added"
	ItemUpdated ItemStatus = "updated"
	ItemSkipped ItemStatus = "skipped"
	ItemError   ItemStatus = "error"
)

// ItemOutcome is one line of the ordered run detail log.
type ItemOutcome struct {
	Title  string     `json:"title"`
	Status ItemStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

// CrawlResult aggregates the outcome of one sync run.
type CrawlResult struct {
	RunID    string        `json:"runId"`
	Total    int           `json:"total"`
	Added    int           `json:"added"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Errors   int           `json:"errors"`
	Stopped  bool          `json:"stopped"`
	Started  time.Time     `json:"startedAt"`
	Finished time.Time     `json:"finishedAt"`
	Details  []ItemOutcome `json:"details"`
}

// Summary is the trimmed result returned to schedulers.
type Summary struct {
	Total   int  `json:"total"`
	Added   int  `json:"added"`
	Skipped int  `json:"skipped"`
	Errors  int  `json:"errors"`
	Stopped bool `json:"stopped"`
}

// Summary trims the result down to its counters.
func (r CrawlResult) Summary() Summary {
	return Summary{
		Total:   r.Total,
		Added:   r.Added,
		Skipped: r.Skipped,
		Errors:  r.Errors,
		Stopped: r.Stopped,
	}
}
