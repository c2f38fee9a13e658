package orchestrator

import (
	"context"
	"fmt"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
)

// Sink is where a run persists records.
type Sink interface {
	Exists(ctx context.Context, title string) (bool, error)
	// Save persists record. existing is true when Exists reported the title
	// and the run is a resync.
	Save(ctx context.Context, record crawler.NewsRecord, existing bool) (crawler.ItemStatus, error)
	// MirrorsAttachments is false for sinks that only accept external links.
	MirrorsAttachments() bool
}

// StoreSink persists into a crawler.RecordStore.
type StoreSink struct {
	store crawler.RecordStore
}

// NewStoreSink wraps store.
func NewStoreSink(store crawler.RecordStore) *StoreSink {
	return &StoreSink{store: store}
}

// Exists implements Sink.
func (s *StoreSink) Exists(ctx context.Context, title string) (bool, error) {
	ok, err := s.store.ExistsByTitle(ctx, title)
	if err != nil {
		return false, fmt.Errorf("check title: %w", err)
	}
	return ok, nil
}

// Save creates the record, or overwrites it by title when existing is set.
func (s *StoreSink) Save(ctx context.Context, record crawler.NewsRecord, existing bool) (crawler.ItemStatus, error) {
	if existing {
		if err := s.store.UpdateByTitle(ctx, record); err != nil {
			return "", err
		}
		return crawler.ItemUpdated, nil
	}
	if _, err := s.store.Create(ctx, record); err != nil {
		return "", err
	}
	return crawler.ItemAdded, nil
}

// MirrorsAttachments implements Sink.
func (*StoreSink) MirrorsAttachments() bool { return true }
