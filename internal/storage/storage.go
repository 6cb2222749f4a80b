// Package storage holds uploaded payloads, separately from their metadata.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"tempshare/internal/config"
)

// ErrNotFound is returned when a payload does not exist in the store.
var ErrNotFound = errors.New("payload not found")

// BlobStore persists payload bytes under opaque keys.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
}

// NewKey builds a date partitioned storage key for an upload, e.g. 2026/10/18/<uuid>.pdf.
func NewKey(originalName string, now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%s%s", now.Year(), now.Month(), now.Day(), uuid.New(), safeExt(originalName))
}

func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 10 {
		return ""
	}
	for _, r := range strings.TrimPrefix(ext, ".") {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}

// Open builds the configured payload store.
func Open(ctx context.Context, cfg config.StorageConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return NewLocalStore(cfg.Path)
	}
}
