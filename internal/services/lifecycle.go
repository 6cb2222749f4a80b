package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempshare/internal/cache"
	"tempshare/internal/config"
	"tempshare/internal/database"
	"tempshare/internal/models"
	"tempshare/internal/storage"
)

const (
	maxTokenAttempts = 5
	maxFilenameLen   = 255
)

// UploadInput describes a file to share.
type UploadInput struct {
	Filename      string
	Size          int64 // declared size, -1 if unknown
	Body          io.ReadSeeker
	Expiry        time.Duration
	MaxDownloads  int // 0 selects the configured default
	UploaderIP    string
	UploaderAgent string
}

// ClientInfo identifies the requester of a download.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// Admission is the result of a read-only admission check.
type Admission struct {
	Reason DenialReason
	Record *models.ShareRecord
}

// Allowed reports whether a download would currently be admitted.
func (a Admission) Allowed() bool {
	return a.Reason == DenyNone
}

// Download is the result of RecordDownload. On success Payload is open and
// must be closed by the caller; on denial Reason is set and Payload is nil.
type Download struct {
	Reason      DenialReason
	Record      *models.ShareRecord
	Payload     io.ReadCloser
	ContentType string
}

// Allowed reports whether the download succeeded.
func (d *Download) Allowed() bool {
	return d.Reason == DenyNone
}

// SweepResult summarises one sweep run.
type SweepResult struct {
	Candidates int `json:"candidates"`
	Affected   int `json:"affected"`
	Failed     int `json:"failed"`
}

// LifecycleManager owns creation, admission, download counting and removal of share records.
type LifecycleManager struct {
	store     database.Store
	blobs     storage.BlobStore
	cache     cache.Cache
	scanner   *ContentScanner
	upload    config.UploadConfig
	lifecycle config.LifecycleConfig
	logger    *zap.Logger

	now      func() time.Time
	newToken func() (string, error)
}

// NewLifecycleManager wires the manager to its stores.
func NewLifecycleManager(
	store database.Store,
	blobs storage.BlobStore,
	c cache.Cache,
	cfg *config.Config,
	logger *zap.Logger,
) *LifecycleManager {
	if c == nil {
		c = cache.Nop{}
	}
	return &LifecycleManager{
		store:     store,
		blobs:     blobs,
		cache:     c,
		scanner:   NewContentScanner(cfg.Upload.ScanMode),
		upload:    cfg.Upload,
		lifecycle: cfg.Lifecycle,
		logger:    logger.Named("lifecycle"),
		now:       time.Now,
		newToken:  GenerateShareToken,
	}
}

// ExpiryChoices returns the allowed expiry durations.
func (m *LifecycleManager) ExpiryChoices() []time.Duration {
	return m.upload.ExpiryChoices
}

// UploadLimits returns the configured maximum size and download cap bound.
func (m *LifecycleManager) UploadLimits() (maxSize int64, defaultDownloads, maxDownloads int) {
	return m.upload.MaxSize, m.upload.DefaultMaxDownloads, m.upload.MaxDownloadsLimit
}

// Create validates and stores an upload. The payload is written before the
// record is committed, and removed again if the commit fails.
func (m *LifecycleManager) Create(ctx context.Context, in UploadInput) (*models.ShareRecord, error) {
	name, err := m.validate(&in)
	if err != nil {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	header := make([]byte, ScanWindow)
	n, err := io.ReadFull(in.Body, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to read upload: %w", ErrStorage, err)
	}
	header = header[:n]

	if pattern, found := m.scanner.Scan(header); found {
		m.logger.Warn("suspicious upload content",
			zap.String("filename", name),
			zap.String("pattern", pattern),
			zap.String("uploader_ip", in.UploaderIP),
		)
		if m.scanner.Mode() == ScanReject {
			uploadsTotal.WithLabelValues("rejected").Inc()
			return nil, invalid("file", "file content is not allowed")
		}
	}

	if _, err := in.Body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: failed to rewind upload: %w", ErrStorage, err)
	}
	hash := sha256.New()
	size, err := io.Copy(hash, io.LimitReader(in.Body, m.upload.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read upload: %w", ErrStorage, err)
	}
	if size == 0 {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return nil, invalid("file", "file is empty")
	}
	if size > m.upload.MaxSize {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return nil, invalid("file", fmt.Sprintf("file exceeds the %s limit", models.FormatSize(m.upload.MaxSize)))
	}
	if _, err := in.Body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: failed to rewind upload: %w", ErrStorage, err)
	}

	now := m.now().UTC()
	key := storage.NewKey(name, now)
	if err := m.blobs.Put(ctx, key, in.Body, size); err != nil {
		uploadsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	record := &models.ShareRecord{
		ID:            uuid.NewString(),
		StoragePath:   key,
		OriginalName:  name,
		SizeBytes:     size,
		ContentHash:   hex.EncodeToString(hash.Sum(nil)),
		ContentType:   http.DetectContentType(header),
		CreatedAt:     now,
		ExpiresAt:     now.Add(in.Expiry),
		DownloadCount: 0,
		MaxDownloads:  in.MaxDownloads,
		IsActive:      true,
		UploaderIP:    in.UploaderIP,
		UploaderAgent: truncate(in.UploaderAgent, 500),
	}

	if err := m.commit(ctx, record); err != nil {
		if delErr := m.blobs.Delete(ctx, key); delErr != nil && !errors.Is(delErr, storage.ErrNotFound) {
			m.logger.Error("failed to remove orphaned payload", zap.String("key", key), zap.Error(delErr))
		}
		uploadsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	m.cache.Set(record.ShareToken, record, record.TimeRemaining(now))
	uploadsTotal.WithLabelValues("ok").Inc()
	m.logger.Info("share created",
		zap.String("id", record.ID),
		zap.Int64("size", record.SizeBytes),
		zap.Duration("expiry", in.Expiry),
		zap.Int("max_downloads", record.MaxDownloads),
	)
	return record, nil
}

// commit inserts the record, drawing a fresh token on collision.
func (m *LifecycleManager) commit(ctx context.Context, record *models.ShareRecord) error {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := m.newToken()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		record.ShareToken = token

		err = m.store.CreateShareRecord(ctx, record)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrDuplicateToken) {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		m.logger.Warn("share token collision, regenerating", zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("%w: could not allocate a unique share token", ErrStorage)
}

func (m *LifecycleManager) validate(in *UploadInput) (string, error) {
	name := cleanFilename(in.Filename)
	if name == "" {
		return "", invalid("file", "a file name is required")
	}
	if in.Body == nil {
		return "", invalid("file", "no file uploaded")
	}
	if in.Size > m.upload.MaxSize {
		return "", invalid("file", fmt.Sprintf("file exceeds the %s limit", models.FormatSize(m.upload.MaxSize)))
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !m.isAllowedExtension(ext) {
		if ext == "" {
			ext = "(none)"
		}
		return "", invalid("file", "file extension not allowed: "+ext)
	}

	if !m.isExpiryChoice(in.Expiry) {
		return "", invalid("expiry", "expiry must be one of the offered durations")
	}

	if in.MaxDownloads == 0 {
		in.MaxDownloads = m.upload.DefaultMaxDownloads
	}
	if in.MaxDownloads < 1 || in.MaxDownloads > m.upload.MaxDownloadsLimit {
		return "", invalid("max_downloads", fmt.Sprintf("max downloads must be between 1 and %d", m.upload.MaxDownloadsLimit))
	}
	return name, nil
}

func (m *LifecycleManager) isAllowedExtension(ext string) bool {
	for _, allowed := range m.upload.AllowedExtens {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (m *LifecycleManager) isExpiryChoice(d time.Duration) bool {
	for _, choice := range m.upload.ExpiryChoices {
		if d == choice {
			return true
		}
	}
	return false
}

// classify applies the admission rules in order: existence and activity, expiry, cap.
func classify(r *models.ShareRecord, now time.Time) DenialReason {
	switch {
	case r == nil || !r.IsActive:
		return DenyNotFound
	case r.IsExpiredAt(now):
		return DenyExpired
	case r.IsLimitReached():
		return DenyLimitReached
	}
	return DenyNone
}

// CheckAdmission evaluates whether a download would be admitted now. It never mutates state.
func (m *LifecycleManager) CheckAdmission(ctx context.Context, token string) (Admission, error) {
	record, err := m.store.GetShareRecordByToken(ctx, token)
	if err != nil {
		return Admission{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return Admission{Reason: classify(record, m.now()), Record: record}, nil
}

// RecordDownload admits and counts one download. The counter increment is the
// authoritative check: a request that passed admission can still lose the last
// slot to a concurrent one and is then denied with DenyLimitReached.
func (m *LifecycleManager) RecordDownload(ctx context.Context, token string, client ClientInfo) (*Download, error) {
	now := m.now()

	record, err := m.store.GetShareRecordByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if reason := classify(record, now); reason != DenyNone {
		m.audit(ctx, record, token, client, now, outcomeFor(reason))
		return &Download{Reason: reason, Record: record}, nil
	}

	payload, err := m.blobs.Open(ctx, record.StoragePath)
	if err != nil {
		m.audit(ctx, record, token, client, now, models.OutcomeStorageError)
		m.logger.Error("payload unavailable for admitted download",
			zap.String("id", record.ID), zap.String("key", record.StoragePath), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	updated, err := m.store.IncrementDownloadCount(ctx, token, now)
	if err != nil {
		payload.Close()
		m.audit(ctx, record, token, client, now, models.OutcomeStorageError)
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if updated == nil {
		payload.Close()
		reason := DenyLimitReached
		if fresh, err := m.store.GetShareRecordByToken(ctx, token); err == nil && fresh != nil {
			record = fresh
			if r := classify(fresh, now); r != DenyNone {
				reason = r
			}
		}
		m.audit(ctx, record, token, client, now, outcomeFor(reason))
		return &Download{Reason: reason, Record: record}, nil
	}

	m.audit(ctx, updated, token, client, now, models.OutcomeOK)
	m.cache.Invalidate(token)

	return &Download{
		Record:      updated,
		Payload:     payload,
		ContentType: contentTypeFor(updated),
	}, nil
}

func outcomeFor(r DenialReason) string {
	switch r {
	case DenyExpired:
		return models.OutcomeExpired
	case DenyLimitReached:
		return models.OutcomeLimitReached
	case DenyNone:
		return models.OutcomeOK
	}
	return models.OutcomeNotFound
}

// audit writes a DownloadAttempt. Unknown tokens have no record to attach to and are only logged.
func (m *LifecycleManager) audit(ctx context.Context, record *models.ShareRecord, token string, client ClientInfo, at time.Time, outcome string) {
	downloadAttemptsTotal.WithLabelValues(outcome).Inc()

	if record == nil {
		m.logger.Info("download attempt for unknown token",
			zap.String("token_prefix", truncate(token, 8)),
			zap.String("client_ip", client.IP),
		)
		return
	}

	attempt := &models.DownloadAttempt{
		ShareRecordID: record.ID,
		At:            at,
		ClientIP:      client.IP,
		ClientAgent:   truncate(client.UserAgent, 500),
		Succeeded:     outcome == models.OutcomeOK,
		Outcome:       outcome,
	}
	if err := m.store.RecordDownloadAttempt(ctx, attempt); err != nil {
		m.logger.Error("failed to record download attempt",
			zap.String("id", record.ID), zap.String("outcome", outcome), zap.Error(err))
	}
}

// SweepExpired deactivates active records past their expiry and deletes their
// payloads. With SweepExhausted set, records that used up their cap are included.
// A record whose payload cannot be removed is left active for the next run.
func (m *LifecycleManager) SweepExpired(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { sweepDuration.WithLabelValues("expired").Observe(time.Since(start).Seconds()) }()

	var result SweepResult
	records, err := m.store.ListExpiredActive(ctx, m.now(), m.lifecycle.SweepExhausted)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	result.Candidates = len(records)

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := m.blobs.Delete(ctx, r.StoragePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
			result.Failed++
			m.logger.Warn("expired sweep: payload delete failed", zap.String("id", r.ID), zap.Error(err))
			continue
		}

		changed, err := m.store.DeactivateShareRecord(ctx, r.ID)
		if err != nil {
			result.Failed++
			m.logger.Warn("expired sweep: deactivate failed", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		if changed {
			result.Affected++
		}
		m.cache.Invalidate(r.ShareToken)
	}

	sweepRecordsTotal.WithLabelValues("expired", "deactivated").Add(float64(result.Affected))
	sweepRecordsTotal.WithLabelValues("expired", "failed").Add(float64(result.Failed))
	m.logger.Info("expired sweep finished",
		zap.Int("candidates", result.Candidates),
		zap.Int("deactivated", result.Affected),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// SweepStale hard-deletes inactive records created before now-retention, with
// their payloads and download attempts. Zero retention uses the configured value.
func (m *LifecycleManager) SweepStale(ctx context.Context, retention time.Duration) (SweepResult, error) {
	start := time.Now()
	defer func() { sweepDuration.WithLabelValues("stale").Observe(time.Since(start).Seconds()) }()

	if retention <= 0 {
		retention = m.lifecycle.Retention
	}

	var result SweepResult
	records, err := m.store.ListStaleInactive(ctx, m.now().Add(-retention))
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	result.Candidates = len(records)

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := m.blobs.Delete(ctx, r.StoragePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
			result.Failed++
			m.logger.Warn("stale sweep: payload delete failed", zap.String("id", r.ID), zap.Error(err))
			continue
		}

		deleted, err := m.store.DeleteShareRecord(ctx, r.ID)
		if err != nil {
			result.Failed++
			m.logger.Warn("stale sweep: delete failed", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		if deleted {
			result.Affected++
		}
		m.cache.Invalidate(r.ShareToken)
	}

	sweepRecordsTotal.WithLabelValues("stale", "deleted").Add(float64(result.Affected))
	sweepRecordsTotal.WithLabelValues("stale", "failed").Add(float64(result.Failed))
	m.logger.Info("stale sweep finished",
		zap.Duration("retention", retention),
		zap.Int("candidates", result.Candidates),
		zap.Int("deleted", result.Affected),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// Lookup returns an active record by token through the cache.
// Inactive and unknown tokens yield ErrNotFound.
func (m *LifecycleManager) Lookup(ctx context.Context, token string) (*models.ShareRecord, error) {
	if record, ok := m.cache.Get(token); ok {
		return record, nil
	}

	record, err := m.store.GetShareRecordByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if record == nil || !record.IsActive {
		return nil, ErrNotFound
	}

	// A sweep may deactivate an exhausted record at any moment, so it is not cached.
	if !record.IsLimitReached() {
		m.cache.Set(token, record, record.TimeRemaining(m.now()))
	}
	return record, nil
}

// Status is the read-only projection of an active record.
func (m *LifecycleManager) Status(ctx context.Context, token string) (*models.StatusView, error) {
	record, err := m.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	return models.NewStatusView(record, m.now()), nil
}

// ActiveCount counts shares that can currently be downloaded or are awaiting the sweep.
func (m *LifecycleManager) ActiveCount(ctx context.Context) (int, error) {
	n, err := m.store.CountActiveShareRecords(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return n, nil
}

// List returns records newest first for the admin API.
func (m *LifecycleManager) List(ctx context.Context, limit, offset int) ([]*models.ShareRecord, int, error) {
	records, total, err := m.store.ListShareRecords(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return records, total, nil
}

// Attempts returns the audit trail of any record, active or not.
func (m *LifecycleManager) Attempts(ctx context.Context, token string, limit, offset int) (*models.ShareRecord, []*models.DownloadAttempt, error) {
	record, err := m.store.GetShareRecordByToken(ctx, token)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if record == nil {
		return nil, nil, ErrNotFound
	}
	attempts, err := m.store.GetDownloadAttempts(ctx, record.ID, limit, offset)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return record, attempts, nil
}

// contentTypeFor picks a MIME type from the original name, then the sniffed type.
func contentTypeFor(r *models.ShareRecord) string {
	if ct := mime.TypeByExtension(r.Extension()); ct != "" {
		return ct
	}
	if r.ContentType != "" {
		return r.ContentType
	}
	return "application/octet-stream"
}

// cleanFilename keeps the base name of an uploaded file and strips control characters.
func cleanFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if len(name) <= maxFilenameLen {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) > 16 {
		ext = ""
	}
	stem := name[:len(name)-len(ext)]
	for len(stem)+len(ext) > maxFilenameLen {
		_, size := utf8.DecodeLastRuneInString(stem)
		stem = stem[:len(stem)-size]
	}
	return stem + ext
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
