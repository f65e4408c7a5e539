package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newStore(t *testing.T, max int64) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "artifacts"), max)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestPutOpenRoundTrip(t *testing.T) {
	s := newStore(t, 0)
	ref, n, err := s.Put(context.Background(), strings.NewReader("signed acceptance sheet"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(ref, RefPrefix) || len(ref) != len(RefPrefix)+64 {
		t.Fatalf("unexpected ref %q", ref)
	}
	if n != int64(len("signed acceptance sheet")) {
		t.Fatalf("unexpected size %d", n)
	}
	if !IsRef(ref) {
		t.Fatalf("IsRef(%q) = false", ref)
	}

	rc, size, err := s.Open(ref)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "signed acceptance sheet" || size != n {
		t.Fatalf("round trip mismatch: %q (%d)", body, size)
	}
}

func TestPut_SameContentSameRef(t *testing.T) {
	s := newStore(t, 0)
	a, _, err := s.Put(context.Background(), strings.NewReader("same"))
	if err != nil {
		t.Fatalf("put a: %v", err)
	}
	b, _, err := s.Put(context.Background(), strings.NewReader("same"))
	if err != nil {
		t.Fatalf("put b: %v", err)
	}
	c, _, _ := s.Put(context.Background(), strings.NewReader("different"))
	if a != b {
		t.Fatalf("expected dedup, got %q vs %q", a, b)
	}
	if a == c {
		t.Fatal("different content produced the same ref")
	}
}

func TestPut_EmptyStoresNothing(t *testing.T) {
	s := newStore(t, 0)
	ref, n, err := s.Put(context.Background(), bytes.NewReader(nil))
	if err != nil || ref != "" || n != 0 {
		t.Fatalf("expected empty result, got %q %d %v", ref, n, err)
	}
	entries, _ := os.ReadDir(filepath.Join(s.root, "tmp"))
	if len(entries) != 0 {
		t.Fatalf("temp file leaked: %d entries", len(entries))
	}
}

func TestPut_TooLarge(t *testing.T) {
	s := newStore(t, 4)
	_, _, err := s.Put(context.Background(), strings.NewReader("12345"))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if _, _, err := s.Put(context.Background(), strings.NewReader("1234")); err != nil {
		t.Fatalf("artifact at the limit rejected: %v", err)
	}
}

func TestPut_CanceledContext(t *testing.T) {
	s := newStore(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.Put(ctx, strings.NewReader("late"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOpen_Errors(t *testing.T) {
	s := newStore(t, 0)
	if _, _, err := s.Open("sha256:abc"); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected ErrInvalidRef, got %v", err)
	}
	if _, _, err := s.Open(RefPrefix + "../../etc/passwd"); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected ErrInvalidRef for traversal, got %v", err)
	}
	missing := RefPrefix + strings.Repeat("ab", 32)
	if _, _, err := s.Open(missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
