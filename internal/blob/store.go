// Package blob stores proof artifacts on the local filesystem, addressed by
// the blake3 hash of their content. Identical uploads share one file.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// RefPrefix marks references produced by FileStore.
const RefPrefix = "blake3:"

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrInvalidRef = errors.New("invalid artifact reference")
	ErrTooLarge   = errors.New("artifact too large")
)

// FileStore is a content-addressed artifact store rooted at a directory.
type FileStore struct {
	root     string
	maxBytes int64
}

// NewFileStore creates root if needed. maxBytes <= 0 disables the size limit.
func NewFileStore(root string, maxBytes int64) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("blob root required")
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FileStore{root: root, maxBytes: maxBytes}, nil
}

// Put streams r into the store and returns its reference and size. Empty
// input stores nothing and returns an empty reference.
func (s *FileStore) Put(ctx context.Context, r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "upload.tmp.*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	hasher := blake3.New()
	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if s.maxBytes > 0 {
		src = io.LimitReader(src, s.maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	if err != nil {
		return "", 0, fmt.Errorf("write artifact: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return "", 0, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}
	if n == 0 {
		return "", 0, nil
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	final := s.path(sum)
	if _, err := os.Stat(final); err == nil {
		return RefPrefix + sum, n, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", 0, fmt.Errorf("create artifact dir: %w", err)
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", 0, fmt.Errorf("commit artifact: %w", err)
	}
	return RefPrefix + sum, n, nil
}

// Open returns a reader for ref and its size.
func (s *FileStore) Open(ref string) (io.ReadCloser, int64, error) {
	sum, err := parseRef(ref)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(s.path(sum))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, 0, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat artifact: %w", err)
	}
	return f, info.Size(), nil
}

// IsRef reports whether s looks like a reference produced by FileStore.
func IsRef(s string) bool {
	_, err := parseRef(s)
	return err == nil
}

func parseRef(ref string) (string, error) {
	sum, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok || len(sum) != 64 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return strings.ToLower(sum), nil
}

func (s *FileStore) path(sum string) string {
	return filepath.Join(s.root, sum[:2], sum)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
