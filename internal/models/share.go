package models

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ShareRecord is an uploaded file together with its share policy.
type ShareRecord struct {
	ID            string
	StoragePath   string // key in the payload store
	OriginalName  string
	SizeBytes     int64
	ContentHash   string // hex SHA-256 of the payload
	ContentType   string
	ShareToken    string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	DownloadCount int
	MaxDownloads  int
	IsActive      bool
	UploaderIP    string
	UploaderAgent string
}

// IsExpiredAt reports whether the record's expiry has passed at now.
// A record is still valid at exactly ExpiresAt.
func (r *ShareRecord) IsExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// IsLimitReached checks if the download cap has been used up.
func (r *ShareRecord) IsLimitReached() bool {
	return r.DownloadCount >= r.MaxDownloads
}

// RemainingDownloads returns how many downloads are left, never negative.
func (r *ShareRecord) RemainingDownloads() int {
	if n := r.MaxDownloads - r.DownloadCount; n > 0 {
		return n
	}
	return 0
}

// TimeRemaining returns the time left until expiry, zero once expired.
func (r *ShareRecord) TimeRemaining(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// DownloadPercentage is the share of the cap already consumed, 0-100.
func (r *ShareRecord) DownloadPercentage() float64 {
	if r.MaxDownloads <= 0 {
		return 0
	}
	return float64(r.DownloadCount) / float64(r.MaxDownloads) * 100
}

// Extension returns the lower-cased extension of the original file name, including the dot.
func (r *ShareRecord) Extension() string {
	return strings.ToLower(filepath.Ext(r.OriginalName))
}

// HumanSize formats the payload size for display.
func (r *ShareRecord) HumanSize() string {
	return FormatSize(r.SizeBytes)
}

// FormatSize renders a byte count with one decimal, B through TB.
func FormatSize(size int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	value := float64(size)
	for _, unit := range units[:len(units)-1] {
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.1f %s", value, units[len(units)-1])
}

// Attempt outcome labels stored with each DownloadAttempt.
const (
	OutcomeOK           = "ok"
	OutcomeNotFound     = "not_found"
	OutcomeExpired      = "expired"
	OutcomeLimitReached = "limit_reached"
	OutcomeStorageError = "storage_error"
)

// DownloadAttempt is one audit entry for a download request.
type DownloadAttempt struct {
	ID            int64
	ShareRecordID string
	At            time.Time
	ClientIP      string
	ClientAgent   string
	Succeeded     bool
	Outcome       string
}

// StatusView is the read-only projection returned by status queries.
type StatusView struct {
	Token              string    `json:"token"`
	Filename           string    `json:"filename"`
	Size               int64     `json:"size"`
	SizeHuman          string    `json:"size_human"`
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	DownloadCount      int       `json:"download_count"`
	MaxDownloads       int       `json:"max_downloads"`
	DownloadsRemaining int       `json:"downloads_remaining"`
	IsActive           bool      `json:"is_active"`
	IsExpired          bool      `json:"is_expired"`
}

// NewStatusView projects a record as seen at now.
func NewStatusView(r *ShareRecord, now time.Time) *StatusView {
	return &StatusView{
		Token:              r.ShareToken,
		Filename:           r.OriginalName,
		Size:               r.SizeBytes,
		SizeHuman:          r.HumanSize(),
		CreatedAt:          r.CreatedAt,
		ExpiresAt:          r.ExpiresAt,
		DownloadCount:      r.DownloadCount,
		MaxDownloads:       r.MaxDownloads,
		DownloadsRemaining: r.RemainingDownloads(),
		IsActive:           r.IsActive,
		IsExpired:          r.IsExpiredAt(now),
	}
}

// UsageStats aggregates upload and download activity over a period.
type UsageStats struct {
	Since               time.Time      `json:"since"`
	TotalFiles          int            `json:"total_files"`
	ActiveFiles         int            `json:"active_files"`
	SuccessfulDownloads int            `json:"successful_downloads"`
	FailedDownloads     int            `json:"failed_downloads"`
	TotalSizeBytes      int64          `json:"total_size_bytes"`
	AvgSizeBytes        float64        `json:"avg_size_bytes"`
	MaxSizeBytes        int64          `json:"max_size_bytes"`
	PopularExtensions   map[string]int `json:"popular_extensions"`
}

// ErrorRate is the share of failed attempts among all attempts, 0-100.
func (s *UsageStats) ErrorRate() float64 {
	total := s.SuccessfulDownloads + s.FailedDownloads
	if total == 0 {
		return 0
	}
	return float64(s.FailedDownloads) / float64(total) * 100
}

// DailyUsage is one day of upload and download counts.
type DailyUsage struct {
	Day       string `json:"day"` // YYYY-MM-DD, UTC
	Uploads   int    `json:"uploads"`
	Downloads int    `json:"downloads"`
}
