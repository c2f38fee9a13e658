package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
)

func newMockStore(t *testing.T) (*RecordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewRecordStore(mock, Config{})
	require.NoError(t, err)
	return store, mock
}

func sampleRecord() crawler.NewsRecord {
	return crawler.NewsRecord{
		Title:       "关于发布造价指标的通知",
		Category:    crawler.CategoryIndustry,
		Excerpt:     "来源：浙江造价网，发布日期：2026-10-16",
		Content:     "正文\n\n原文链接：https://www.zjzj.net/policy/1.html",
		Badge:       crawler.BadgePolicy,
		Status:      crawler.StatusPublished,
		PublishDate: time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
		AuthorID:    3,
		Attachments: []crawler.Attachment{{Name: "a.pdf", URL: "https://www.zjzj.net/a.pdf", Type: "pdf", IsExternal: true}},
	}
}

const sampleAttachmentsJSON = `[{"name":"a.pdf","url":"https://www.zjzj.net/a.pdf","size":0,"type":"pdf","isExternal":true}]`

func TestExistsByTitle(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM news WHERE title = \$1\)`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := store.ExistsByTitle(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleRecord()
	mock.ExpectQuery("INSERT INTO news").
		WithArgs(
			rec.Title,
			rec.Category,
			rec.Excerpt,
			rec.Content,
			rec.Badge,
			rec.Status,
			rec.PublishDate,
			rec.AuthorID,
			[]byte(sampleAttachmentsJSON),
		).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := store.Create(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateNilAttachmentsStoredAsEmptyArray(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleRecord()
	rec.Attachments = nil
	mock.ExpectQuery("INSERT INTO news").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), []byte(`[]`)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))

	_, err := store.Create(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateByTitle(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleRecord()
	mock.ExpectExec("UPDATE news SET").
		WithArgs(
			rec.Title,
			rec.Category,
			rec.Excerpt,
			rec.Content,
			rec.Badge,
			rec.Status,
			rec.PublishDate,
			rec.AuthorID,
			[]byte(sampleAttachmentsJSON),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateByTitle(context.Background(), rec))

	mock.ExpectExec("UPDATE news SET").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := store.UpdateByTitle(context.Background(), rec)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByIDs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM news WHERE id = ANY\(\$1\)`).
		WithArgs([]int64{1, 2, 3}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := store.DeleteByIDs(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.DeleteByIDs(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingTitlesKeepsInputOrder(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT title FROM news WHERE title = ANY\(\$1\)`).
		WithArgs([]string{"c", "a", "b"}).
		WillReturnRows(pgxmock.NewRows([]string{"title"}).AddRow("a").AddRow("c"))

	got, err := store.ExistingTitles(context.Background(), []string{"c", "a", "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a"}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDefaultAuthor(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id FROM users WHERE role = 'admin'`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))
	id, ok, err := store.DefaultAuthor(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), id)

	mock.ExpectQuery(`SELECT id FROM users WHERE role = 'admin'`).
		WillReturnError(pgx.ErrNoRows)
	_, ok, err = store.DefaultAuthor(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectQuery(`SELECT id FROM users WHERE role = 'admin'`).
		WillReturnError(errors.New("connection reset"))
	_, _, err = store.DefaultAuthor(context.Background())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRecordStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStore(nil, Config{})
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewRecordStore(mock, Config{NewsTable: "news; DROP TABLE users"})
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.Error(t, Config{}.WithDefaults().Validate())
	require.NoError(t, Config{DSN: "postgres://localhost/news"}.WithDefaults().Validate())
	require.Error(t, Config{DSN: "postgres://localhost/news", RunsTable: "1runs"}.WithDefaults().Validate())
}
