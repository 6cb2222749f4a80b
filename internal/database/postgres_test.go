package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempshare/internal/config"
	"tempshare/internal/models"
)

func newPostgresWithMock(t *testing.T) (*PostgresDB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newPostgresDB(db, &config.DatabaseConfig{}), mock
}

var recordColumns = []string{
	"id", "storage_path", "original_name", "size_bytes", "content_hash", "content_type",
	"share_token", "created_at", "expires_at", "download_count", "max_downloads", "is_active",
	"uploader_ip", "uploader_agent",
}

func recordRow(now time.Time, count int) *sqlmock.Rows {
	return sqlmock.NewRows(recordColumns).AddRow(
		"rec-1", "2026/10/18/x.txt", "a.txt", int64(10), "hash", "text/plain",
		"tok", now, now.Add(5*time.Minute), count, 2, true, "1.2.3.4", "ua",
	)
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", rebindDollar("SELECT 1 WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1", rebindDollar("SELECT 1"))
}

func TestPostgresCreateShareRecord(t *testing.T) {
	p, mock := newPostgresWithMock(t)
	now := time.Now().UTC()

	rec := &models.ShareRecord{ID: "rec-1", OriginalName: "a.TXT", ShareToken: "tok", CreatedAt: now, ExpiresAt: now.Add(time.Minute), MaxDownloads: 1, IsActive: true}

	q := `(?s)^\s*INSERT\s+INTO\s+share_records\s*\(.*\)\s*VALUES\s*\(\$1,.*\$15\)\s*$`
	mock.ExpectExec(q).
		WithArgs("rec-1", "", "a.TXT", ".txt", int64(0), "", "", "tok", sqlmock.AnyArg(), sqlmock.AnyArg(), 0, 1, true, "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.CreateShareRecord(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateShareRecordUniqueViolation(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectExec(`INSERT\s+INTO\s+share_records`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	err := p.CreateShareRecord(context.Background(), &models.ShareRecord{ID: "x", MaxDownloads: 1})
	assert.ErrorIs(t, err, ErrDuplicateToken)
}

func TestPostgresCreateShareRecordDBError(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectExec(`INSERT\s+INTO\s+share_records`).WillReturnError(errors.New("db down"))

	err := p.CreateShareRecord(context.Background(), &models.ShareRecord{ID: "x", MaxDownloads: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateToken)
	assert.Contains(t, err.Error(), "db down")
}

func TestPostgresGetShareRecordByToken(t *testing.T) {
	p, mock := newPostgresWithMock(t)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	q := `(?s)^\s*SELECT\s+id,.*FROM\s+share_records\s+WHERE\s+share_token\s*=\s*\$1\s*$`
	mock.ExpectQuery(q).WithArgs("tok").WillReturnRows(recordRow(now, 0))
	mock.ExpectQuery(q).WithArgs("none").WillReturnError(sql.ErrNoRows)

	got, err := p.GetShareRecordByToken(context.Background(), "tok")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rec-1", got.ID)
	assert.Equal(t, 2, got.MaxDownloads)

	got, err = p.GetShareRecordByToken(context.Background(), "none")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIncrementDownloadCount(t *testing.T) {
	p, mock := newPostgresWithMock(t)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	update := `(?s)^\s*UPDATE\s+share_records\s+SET\s+download_count\s*=\s*download_count\s*\+\s*1\s+WHERE\s+share_token\s*=\s*\$1\s+AND\s+is_active\s*=\s*\$2\s+AND\s+expires_at\s*>=\s*\$3\s+AND\s+download_count\s*<\s*max_downloads\s*$`

	mock.ExpectBegin()
	mock.ExpectExec(update).WithArgs("tok", true, now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT\s+id,.*FROM\s+share_records`).WithArgs("tok").WillReturnRows(recordRow(now, 1))
	mock.ExpectCommit()

	got, err := p.IncrementDownloadCount(context.Background(), "tok", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.DownloadCount)

	mock.ExpectBegin()
	mock.ExpectExec(update).WithArgs("tok", true, now).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	got, err = p.IncrementDownloadCount(context.Background(), "tok", now)
	require.NoError(t, err)
	assert.Nil(t, got)

	mock.ExpectBegin()
	mock.ExpectExec(update).WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback()

	_, err = p.IncrementDownloadCount(context.Background(), "tok", now)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeactivateShareRecord(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	q := `(?s)^\s*UPDATE\s+share_records\s+SET\s+is_active\s*=\s*\$1\s+WHERE\s+id\s*=\s*\$2\s+AND\s+is_active\s*=\s*\$3\s*$`
	mock.ExpectExec(q).WithArgs(false, "rec-1", true).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs(false, "rec-1", true).WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := p.DeactivateShareRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = p.DeactivateShareRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteShareRecord(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE\s+FROM\s+download_attempts\s+WHERE\s+share_record_id\s*=\s*\$1`).
		WithArgs("rec-1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE\s+FROM\s+share_records\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs("rec-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deleted, err := p.DeleteShareRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordDownloadAttempt(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`(?s)INSERT\s+INTO\s+download_attempts.*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6\)\s*RETURNING\s+id`).
		WithArgs("rec-1", sqlmock.AnyArg(), "1.2.3.4", "ua", false, models.OutcomeExpired).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	a := &models.DownloadAttempt{ShareRecordID: "rec-1", ClientIP: "1.2.3.4", ClientAgent: "ua", Outcome: models.OutcomeExpired}
	require.NoError(t, p.RecordDownloadAttempt(context.Background(), a))
	assert.Equal(t, int64(7), a.ID)
	assert.False(t, a.At.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDailyUsageUsesUTCDay(t *testing.T) {
	p, mock := newPostgresWithMock(t)
	since := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`to_char\(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD'\)`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"day", "count"}).AddRow("2026-10-02", 4).AddRow("2026-10-01", 1))
	mock.ExpectQuery(`to_char\(at AT TIME ZONE 'UTC', 'YYYY-MM-DD'\)`).
		WithArgs(since, true).
		WillReturnRows(sqlmock.NewRows([]string{"day", "count"}).AddRow("2026-10-02", 9))

	days, err := p.DailyUsage(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, []models.DailyUsage{
		{Day: "2026-10-01", Uploads: 1},
		{Day: "2026-10-02", Uploads: 4, Downloads: 9},
	}, days)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrateUsesGoose(t *testing.T) {
	p, _ := newPostgresWithMock(t)

	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })

	var gotDir string
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}

	require.NoError(t, p.Migrate(context.Background()))
	assert.Equal(t, "migrations", gotDir)

	entries, err := postgresMigrations.ReadDir("migrations")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
