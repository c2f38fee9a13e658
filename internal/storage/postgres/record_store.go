package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
)

// RecordStore implements crawler.RecordStore and crawler.AuthorResolver on Postgres.
type RecordStore struct {
	db    dbtx
	news  string
	users string
}

// NewRecordStore builds a RecordStore over db (a *pgxpool.Pool in production).
func NewRecordStore(db dbtx, cfg Config) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	cfg = cfg.WithDefaults()
	for _, table := range []string{cfg.NewsTable, cfg.UsersTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &RecordStore{db: db, news: cfg.NewsTable, users: cfg.UsersTable}, nil
}

// ExistsByTitle reports whether a record with title exists.
func (s *RecordStore) ExistsByTitle(ctx context.Context, title string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE title = $1)`, s.news)
	var exists bool
	if err := s.db.QueryRow(ctx, query, title).Scan(&exists); err != nil {
		return false, fmt.Errorf("check title: %w", err)
	}
	return exists, nil
}

// Create inserts record and returns its id.
func (s *RecordStore) Create(ctx context.Context, record crawler.NewsRecord) (int64, error) {
	attachments, err := marshalAttachments(record.Attachments)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	title,
	category,
	excerpt,
	content,
	badge,
	status,
	publish_date,
	author_id,
	attachments
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
) RETURNING id`, s.news)

	var id int64
	err = s.db.QueryRow(ctx, query,
		record.Title,
		record.Category,
		record.Excerpt,
		record.Content,
		record.Badge,
		record.Status,
		record.PublishDate,
		record.AuthorID,
		attachments,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert news: %w", err)
	}
	return id, nil
}

// UpdateByTitle overwrites every field of the record with the same title.
func (s *RecordStore) UpdateByTitle(ctx context.Context, record crawler.NewsRecord) error {
	attachments, err := marshalAttachments(record.Attachments)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	category = $2,
	excerpt = $3,
	content = $4,
	badge = $5,
	status = $6,
	publish_date = $7,
	author_id = $8,
	attachments = $9,
	updated_at = now()
WHERE title = $1`, s.news)

	tag, err := s.db.Exec(ctx, query,
		record.Title,
		record.Category,
		record.Excerpt,
		record.Content,
		record.Badge,
		record.Status,
		record.PublishDate,
		record.AuthorID,
		attachments,
	)
	if err != nil {
		return fmt.Errorf("update news: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %q: %w", record.Title, crawler.ErrNotFound)
	}
	return nil
}

// DeleteByIDs removes records by id and returns how many rows went away.
func (s *RecordStore) DeleteByIDs(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, s.news)
	tag, err := s.db.Exec(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("delete news: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ExistingTitles returns the subset of titles already stored, in input order.
func (s *RecordStore) ExistingTitles(ctx context.Context, titles []string) ([]string, error) {
	if len(titles) == 0 {
		return []string{}, nil
	}
	query := fmt.Sprintf(`SELECT title FROM %s WHERE title = ANY($1)`, s.news)
	rows, err := s.db.Query(ctx, query, titles)
	if err != nil {
		return nil, fmt.Errorf("query titles: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan titles: %w", err)
	}
	present := make(map[string]struct{}, len(found))
	for _, t := range found {
		present[t] = struct{}{}
	}
	out := []string{}
	for _, t := range titles {
		if _, ok := present[t]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// DefaultAuthor returns the lowest-id administrator.
func (s *RecordStore) DefaultAuthor(ctx context.Context) (int64, bool, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE role = 'admin' ORDER BY id LIMIT 1`, s.users)
	var id int64
	err := s.db.QueryRow(ctx, query).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup admin: %w", err)
	}
	return id, true, nil
}

func marshalAttachments(list []crawler.Attachment) ([]byte, error) {
	if list == nil {
		list = []crawler.Attachment{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}
	return b, nil
}
