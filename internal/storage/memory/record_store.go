// Package memory keeps records and attachment blobs in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
)

// RecordStore is an in-memory crawler.RecordStore keyed by title.
type RecordStore struct {
	mu      sync.RWMutex
	nextID  int64
	byTitle map[string]crawler.NewsRecord
	adminID int64
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		nextID:  1,
		byTitle: make(map[string]crawler.NewsRecord),
	}
}

// SetAdmin makes DefaultAuthor report id. Zero clears it.
func (s *RecordStore) SetAdmin(id int64) {
	s.mu.Lock()
	s.adminID = id
	s.mu.Unlock()
}

// ExistsByTitle reports whether a record with title exists.
func (s *RecordStore) ExistsByTitle(_ context.Context, title string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byTitle[title]
	return ok, nil
}

// Create stores record and assigns it an id.
func (s *RecordStore) Create(_ context.Context, record crawler.NewsRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byTitle[record.Title]; exists {
		return 0, fmt.Errorf("record %q already exists", record.Title)
	}
	record.ID = s.nextID
	s.nextID++
	s.byTitle[record.Title] = cloneRecord(record)
	return record.ID, nil
}

// UpdateByTitle replaces the record with the same title, keeping its id.
func (s *RecordStore) UpdateByTitle(_ context.Context, record crawler.NewsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byTitle[record.Title]
	if !ok {
		return fmt.Errorf("update %q: %w", record.Title, crawler.ErrNotFound)
	}
	record.ID = existing.ID
	s.byTitle[record.Title] = cloneRecord(record)
	return nil
}

// DeleteByIDs removes the records with the given ids and returns how many existed.
func (s *RecordStore) DeleteByIDs(_ context.Context, ids []int64) (int, error) {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for title, rec := range s.byTitle {
		if _, ok := want[rec.ID]; ok {
			delete(s.byTitle, title)
			deleted++
		}
	}
	return deleted, nil
}

// ExistingTitles returns the subset of titles already stored, in input order.
func (s *RecordStore) ExistingTitles(_ context.Context, titles []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []string{}
	for _, t := range titles {
		if _, ok := s.byTitle[t]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// DefaultAuthor implements crawler.AuthorResolver.
func (s *RecordStore) DefaultAuthor(context.Context) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adminID, s.adminID != 0, nil
}

// Get returns the record stored under title.
func (s *RecordStore) Get(title string) (crawler.NewsRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byTitle[title]
	return cloneRecord(rec), ok
}

// List returns every record ordered by id.
func (s *RecordStore) List() []crawler.NewsRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.NewsRecord, 0, len(s.byTitle))
	for _, rec := range s.byTitle {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneRecord(r crawler.NewsRecord) crawler.NewsRecord {
	if r.Attachments != nil {
		r.Attachments = append([]crawler.Attachment(nil), r.Attachments...)
	}
	return r
}
