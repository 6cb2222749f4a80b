package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"tempshare/internal/models"
)

// ErrDuplicateToken is returned when an insert collides with an existing share token.
var ErrDuplicateToken = errors.New("share token already exists")

// Store is the persistent state of share records and their download audit trail.
type Store interface {
	CreateShareRecord(ctx context.Context, r *models.ShareRecord) error
	GetShareRecordByToken(ctx context.Context, token string) (*models.ShareRecord, error)
	IncrementDownloadCount(ctx context.Context, token string, now time.Time) (*models.ShareRecord, error)
	RecordDownloadAttempt(ctx context.Context, a *models.DownloadAttempt) error
	ListExpiredActive(ctx context.Context, now time.Time, includeExhausted bool) ([]*models.ShareRecord, error)
	DeactivateShareRecord(ctx context.Context, id string) (bool, error)
	ListStaleInactive(ctx context.Context, cutoff time.Time) ([]*models.ShareRecord, error)
	DeleteShareRecord(ctx context.Context, id string) (bool, error)
	ListShareRecords(ctx context.Context, limit, offset int) ([]*models.ShareRecord, int, error)
	CountActiveShareRecords(ctx context.Context, now time.Time) (int, error)
	GetDownloadAttempts(ctx context.Context, recordID string, limit, offset int) ([]*models.DownloadAttempt, error)
	UsageStats(ctx context.Context, since time.Time) (*models.UsageStats, error)
	DailyUsage(ctx context.Context, since time.Time) ([]models.DailyUsage, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// dialect captures the few places SQLite and PostgreSQL differ.
type dialect struct {
	name              string
	rebind            func(query string) string
	dayOf             func(column string) string
	isUniqueViolation func(err error) bool
}

// rebindDollar rewrites ? placeholders to $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// queries implements Store over database/sql for any supported dialect.
type queries struct {
	db      *sql.DB
	dialect dialect
}

func newQueries(db *sql.DB, d dialect) *queries {
	return &queries{db: db, dialect: d}
}

const shareRecordColumns = `id, storage_path, original_name, size_bytes, content_hash, content_type,
	share_token, created_at, expires_at, download_count, max_downloads, is_active,
	uploader_ip, uploader_agent`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShareRecord(row rowScanner) (*models.ShareRecord, error) {
	r := &models.ShareRecord{}
	err := row.Scan(
		&r.ID, &r.StoragePath, &r.OriginalName, &r.SizeBytes, &r.ContentHash, &r.ContentType,
		&r.ShareToken, &r.CreatedAt, &r.ExpiresAt, &r.DownloadCount, &r.MaxDownloads, &r.IsActive,
		&r.UploaderIP, &r.UploaderAgent,
	)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	return r, nil
}

func (q *queries) queryShareRecords(ctx context.Context, query string, args ...any) ([]*models.ShareRecord, error) {
	rows, err := q.db.QueryContext(ctx, q.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ShareRecord
	for rows.Next() {
		r, err := scanShareRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CreateShareRecord inserts a new share record.
func (q *queries) CreateShareRecord(ctx context.Context, r *models.ShareRecord) error {
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()

	_, err := q.db.ExecContext(ctx, q.dialect.rebind(`
		INSERT INTO share_records (id, storage_path, original_name, extension, size_bytes, content_hash,
			content_type, share_token, created_at, expires_at, download_count, max_downloads, is_active,
			uploader_ip, uploader_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.StoragePath, r.OriginalName, r.Extension(), r.SizeBytes, r.ContentHash,
		r.ContentType, r.ShareToken, r.CreatedAt, r.ExpiresAt, r.DownloadCount, r.MaxDownloads, r.IsActive,
		r.UploaderIP, r.UploaderAgent)
	if err != nil {
		if q.dialect.isUniqueViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("failed to create share record: %w", err)
	}
	return nil
}

// GetShareRecordByToken retrieves a share record by its token. Returns nil if none exists.
func (q *queries) GetShareRecordByToken(ctx context.Context, token string) (*models.ShareRecord, error) {
	row := q.db.QueryRowContext(ctx, q.dialect.rebind(`
		SELECT `+shareRecordColumns+`
		FROM share_records
		WHERE share_token = ?
	`), token)

	r, err := scanShareRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get share record: %w", err)
	}
	return r, nil
}

// IncrementDownloadCount consumes one download slot. The guard and the increment
// are a single UPDATE, so concurrent callers can never push the count past the cap.
// Returns nil when the record is missing, inactive, expired at now, or exhausted.
func (q *queries) IncrementDownloadCount(ctx context.Context, token string, now time.Time) (*models.ShareRecord, error) {
	var record *models.ShareRecord

	err := q.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q.dialect.rebind(`
			UPDATE share_records
			SET download_count = download_count + 1
			WHERE share_token = ?
			  AND is_active = ?
			  AND expires_at >= ?
			  AND download_count < max_downloads
		`), token, true, now.UTC())
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		row := tx.QueryRowContext(ctx, q.dialect.rebind(`
			SELECT `+shareRecordColumns+`
			FROM share_records
			WHERE share_token = ?
		`), token)
		record, err = scanShareRecord(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to increment download count: %w", err)
	}
	return record, nil
}

// RecordDownloadAttempt appends an audit entry.
func (q *queries) RecordDownloadAttempt(ctx context.Context, a *models.DownloadAttempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	a.At = a.At.UTC()

	err := q.db.QueryRowContext(ctx, q.dialect.rebind(`
		INSERT INTO download_attempts (share_record_id, at, client_ip, client_agent, succeeded, outcome)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`), a.ShareRecordID, a.At, a.ClientIP, a.ClientAgent, a.Succeeded, a.Outcome).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to record download attempt: %w", err)
	}
	return nil
}

// ListExpiredActive returns active records whose expiry is before now. With
// includeExhausted, active records that used up their download cap are included too.
func (q *queries) ListExpiredActive(ctx context.Context, now time.Time, includeExhausted bool) ([]*models.ShareRecord, error) {
	cond := "expires_at < ?"
	if includeExhausted {
		cond = "(expires_at < ? OR download_count >= max_downloads)"
	}

	records, err := q.queryShareRecords(ctx, `
		SELECT `+shareRecordColumns+`
		FROM share_records
		WHERE is_active = ? AND `+cond+`
		ORDER BY expires_at
	`, true, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired share records: %w", err)
	}
	return records, nil
}

// DeactivateShareRecord flips is_active to false. Reports whether this call made the change.
func (q *queries) DeactivateShareRecord(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.rebind(`
		UPDATE share_records SET is_active = ? WHERE id = ? AND is_active = ?
	`), false, id, true)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate share record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to deactivate share record: %w", err)
	}
	return n > 0, nil
}

// ListStaleInactive returns inactive records created before cutoff.
func (q *queries) ListStaleInactive(ctx context.Context, cutoff time.Time) ([]*models.ShareRecord, error) {
	records, err := q.queryShareRecords(ctx, `
		SELECT `+shareRecordColumns+`
		FROM share_records
		WHERE is_active = ? AND created_at < ?
		ORDER BY created_at
	`, false, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale share records: %w", err)
	}
	return records, nil
}

// DeleteShareRecord removes a record and its download attempts.
// Reports whether the record existed.
func (q *queries) DeleteShareRecord(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := q.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, q.dialect.rebind(
			`DELETE FROM download_attempts WHERE share_record_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, q.dialect.rebind(`DELETE FROM share_records WHERE id = ?`), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete share record: %w", err)
	}
	return deleted, nil
}

// ListShareRecords returns records newest first, with the total count.
func (q *queries) ListShareRecords(ctx context.Context, limit, offset int) ([]*models.ShareRecord, int, error) {
	var total int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM share_records`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count share records: %w", err)
	}

	records, err := q.queryShareRecords(ctx, `
		SELECT `+shareRecordColumns+`
		FROM share_records
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list share records: %w", err)
	}
	return records, total, nil
}

// CountActiveShareRecords counts records that are active and unexpired at now.
func (q *queries) CountActiveShareRecords(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, q.dialect.rebind(`
		SELECT COUNT(*) FROM share_records WHERE is_active = ? AND expires_at >= ?
	`), true, now.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active share records: %w", err)
	}
	return n, nil
}

// GetDownloadAttempts lists a record's attempts, newest first.
func (q *queries) GetDownloadAttempts(ctx context.Context, recordID string, limit, offset int) ([]*models.DownloadAttempt, error) {
	rows, err := q.db.QueryContext(ctx, q.dialect.rebind(`
		SELECT id, share_record_id, at, client_ip, client_agent, succeeded, outcome
		FROM download_attempts
		WHERE share_record_id = ?
		ORDER BY at DESC, id DESC
		LIMIT ? OFFSET ?
	`), recordID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get download attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.DownloadAttempt
	for rows.Next() {
		a := &models.DownloadAttempt{}
		if err := rows.Scan(&a.ID, &a.ShareRecordID, &a.At, &a.ClientIP, &a.ClientAgent, &a.Succeeded, &a.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan download attempt: %w", err)
		}
		a.At = a.At.UTC()
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// UsageStats aggregates uploads and download attempts since the given time.
func (q *queries) UsageStats(ctx context.Context, since time.Time) (*models.UsageStats, error) {
	since = since.UTC()
	stats := &models.UsageStats{Since: since, PopularExtensions: make(map[string]int)}

	err := q.db.QueryRowContext(ctx, q.dialect.rebind(`
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(AVG(size_bytes), 0), COALESCE(MAX(size_bytes), 0)
		FROM share_records
		WHERE created_at >= ?
	`), since).Scan(&stats.TotalFiles, &stats.TotalSizeBytes, &stats.AvgSizeBytes, &stats.MaxSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate share records: %w", err)
	}

	err = q.db.QueryRowContext(ctx, q.dialect.rebind(`
		SELECT COUNT(*) FROM share_records WHERE created_at >= ? AND is_active = ?
	`), since, true).Scan(&stats.ActiveFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to count active share records: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, q.dialect.rebind(`
		SELECT succeeded, COUNT(*) FROM download_attempts WHERE at >= ? GROUP BY succeeded
	`), since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate download attempts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ok bool
		var n int
		if err := rows.Scan(&ok, &n); err != nil {
			return nil, fmt.Errorf("failed to scan attempt totals: %w", err)
		}
		if ok {
			stats.SuccessfulDownloads = n
		} else {
			stats.FailedDownloads = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	extRows, err := q.db.QueryContext(ctx, q.dialect.rebind(`
		SELECT extension, COUNT(*) AS uploads
		FROM share_records
		WHERE created_at >= ?
		GROUP BY extension
		ORDER BY uploads DESC
		LIMIT 10
	`), since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate extensions: %w", err)
	}
	defer extRows.Close()
	for extRows.Next() {
		var ext string
		var n int
		if err := extRows.Scan(&ext, &n); err != nil {
			return nil, fmt.Errorf("failed to scan extension totals: %w", err)
		}
		stats.PopularExtensions[ext] = n
	}

	return stats, extRows.Err()
}

// DailyUsage returns per-day upload and successful download counts since the given time.
// Days without activity are omitted.
func (q *queries) DailyUsage(ctx context.Context, since time.Time) ([]models.DailyUsage, error) {
	since = since.UTC()
	byDay := make(map[string]*models.DailyUsage)
	var order []string

	collect := func(query string, args []any, set func(*models.DailyUsage, int)) error {
		rows, err := q.db.QueryContext(ctx, q.dialect.rebind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var day string
			var n int
			if err := rows.Scan(&day, &n); err != nil {
				return err
			}
			d, ok := byDay[day]
			if !ok {
				d = &models.DailyUsage{Day: day}
				byDay[day] = d
				order = append(order, day)
			}
			set(d, n)
		}
		return rows.Err()
	}

	uploadDay := q.dialect.dayOf("created_at")
	if err := collect(`
		SELECT `+uploadDay+` AS day, COUNT(*) FROM share_records
		WHERE created_at >= ? GROUP BY day
	`, []any{since}, func(d *models.DailyUsage, n int) { d.Uploads = n }); err != nil {
		return nil, fmt.Errorf("failed to aggregate daily uploads: %w", err)
	}

	attemptDay := q.dialect.dayOf("at")
	if err := collect(`
		SELECT `+attemptDay+` AS day, COUNT(*) FROM download_attempts
		WHERE at >= ? AND succeeded = ? GROUP BY day
	`, []any{since, true}, func(d *models.DailyUsage, n int) { d.Downloads = n }); err != nil {
		return nil, fmt.Errorf("failed to aggregate daily downloads: %w", err)
	}

	days := make([]models.DailyUsage, 0, len(order))
	for _, day := range order {
		days = append(days, *byDay[day])
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Day < days[j].Day })
	return days, nil
}
