package crawler

import (
	"context"
	"io"
	"time"
)

// RecordStore persists news records. Title is the natural key.
type RecordStore interface {
	ExistsByTitle(ctx context.Context, title string) (bool, error)
	Create(ctx context.Context, record NewsRecord) (int64, error)
	UpdateByTitle(ctx context.Context, record NewsRecord) error
	DeleteByIDs(ctx context.Context, ids []int64) (int, error)
	ExistingTitles(ctx context.Context, titles []string) ([]string, error)
}

// AuthorResolver looks up the identity that owns crawled records.
// ok is false when no suitable author exists.
type AuthorResolver interface {
	DefaultAuthor(ctx context.Context) (id int64, ok bool, err error)
}

// BlobStore writes attachment bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
