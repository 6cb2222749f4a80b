package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore keeps payloads as files below a root directory.
type LocalStore struct {
	root       string
	createTemp func(dir, pattern string) (*os.File, error)
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage path: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStore{root: root, createTemp: os.CreateTemp}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put writes the payload to a temp file and renames it into place.
func (s *LocalStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	dest, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := s.tempFile(filepath.Dir(dest))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, readerWithContext(ctx, body))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("short payload write: wrote %d of %d bytes", n, size)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to store payload: %w", err)
	}
	return nil
}

// tempFile creates a temp file in dir, creating dir first. A concurrent
// Delete may prune dir between the two steps, so that case is retried once.
func (s *LocalStore) tempFile(dir string) (*os.File, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create payload directory: %w", err)
		}
		var tmp *os.File
		if tmp, err = s.createTemp(dir, ".upload-*"); err == nil {
			return tmp, nil
		}
		if !os.IsNotExist(err) {
			break
		}
	}
	return nil, fmt.Errorf("failed to create temp file: %w", err)
}

// Open returns a reader for the payload, or ErrNotFound.
func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	return f, nil
}

// Delete removes the payload and prunes empty date directories.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	s.cleanEmptyDirs(filepath.Dir(p))
	return nil
}

// HealthCheck verifies the root directory is writable.
func (s *LocalStore) HealthCheck(_ context.Context) error {
	f, err := os.CreateTemp(s.root, ".health-*")
	if err != nil {
		return fmt.Errorf("storage not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// cleanEmptyDirs removes empty directories up to the storage root.
func (s *LocalStore) cleanEmptyDirs(dirPath string) {
	for dirPath != s.root && len(dirPath) > len(s.root) {
		entries, err := os.ReadDir(dirPath)
		if err != nil || len(entries) > 0 {
			break
		}
		os.Remove(dirPath)
		dirPath = filepath.Dir(dirPath)
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
