package crawler

import (
	"fmt"
	"strings"
)

// NewRecord assembles the persisted record for a candidate and its extracted document.
func NewRecord(c Candidate, doc Document, attachments []Attachment, authorID int64) NewsRecord {
	body := strings.TrimSpace(doc.Content)
	if body == "" {
		body = FallbackContent
	}
	if attachments == nil {
		attachments = []Attachment{}
	}
	return NewsRecord{
		Title:       c.Title,
		Category:    CategoryIndustry,
		Excerpt:     fmt.Sprintf("来源：%s，发布日期：%s", c.Source, c.DateText),
		Content:     fmt.Sprintf("%s\n\n原文链接：%s", body, c.URL),
		Badge:       BadgePolicy,
		Status:      StatusPublished,
		PublishDate: c.PublishedAt,
		AuthorID:    authorID,
		Attachments: attachments,
	}
}

// ApplyDefaults fills the fixed pipeline fields on a record received from a remote crawler.
func (r NewsRecord) ApplyDefaults() NewsRecord {
	if r.Category == "" {
		r.Category = CategoryIndustry
	}
	if r.Badge == "" {
		r.Badge = BadgePolicy
	}
	if r.Status == "" {
		r.Status = StatusPublished
	}
	if r.Attachments == nil {
		r.Attachments = []Attachment{}
	}
	return r
}
