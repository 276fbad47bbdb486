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

	"github.com/minio/minio-go/v7"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	ok, err := s.Exists(ctx, "images/abc")
	if err != nil || ok {
		t.Fatalf("Exists before Put = %v, %v", ok, err)
	}
	if _, err := s.Get(ctx, "images/abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}

	if err := s.Put(ctx, "images/abc", []byte("jpeg")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = s.Exists(ctx, "images/abc")
	if err != nil || !ok {
		t.Fatalf("Exists after Put = %v, %v", ok, err)
	}
	data, err := s.Get(ctx, "images/abc")
	if err != nil || string(data) != "jpeg" {
		t.Fatalf("Get = %q, %v", data, err)
	}

	if err := s.Put(ctx, "images/abc", []byte("png")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if data, _ := s.Get(ctx, "images/abc"); string(data) != "png" {
		t.Errorf("after overwrite Get = %q", data)
	}

	if err := s.Delete(ctx, "images/abc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "images/abc"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestLocalStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if err := s.Put(context.Background(), "models/tfidf.json.zst", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "models"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "tfidf.json.zst" {
		t.Errorf("models dir holds %v", entries)
	}
}

func TestLocalStoreRejectsEscapes(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	for _, name := range []string{"../outside", "/etc/passwd", ".", ""} {
		if err := s.Put(context.Background(), name, []byte("x")); err == nil {
			t.Errorf("Put(%q) succeeded", name)
		}
	}
}

func TestCopyLimit(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	n, err := Copy(ctx, s, "a", strings.NewReader("12345"), 5)
	if err != nil || n != 5 {
		t.Fatalf("Copy = %d, %v", n, err)
	}
	if _, err := Copy(ctx, s, "b", bytes.NewReader(make([]byte, 6)), 5); !errors.Is(err, io.ErrShortBuffer) {
		t.Fatalf("oversized Copy = %v, want io.ErrShortBuffer", err)
	}
	if ok, _ := s.Exists(ctx, "b"); ok {
		t.Error("oversized blob was stored")
	}
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open local: %v", err)
	}
	if _, ok := s.(*LocalStore); !ok {
		t.Errorf("default backend is %T, want *LocalStore", s)
	}
	if _, err := Open(ctx, Options{Backend: BackendMinIO}); err == nil {
		t.Error("minio backend without endpoint succeeded")
	}
	if _, err := Open(ctx, Options{Backend: "ftp"}); err == nil {
		t.Error("unknown backend succeeded")
	}
}

func TestMinIOKeyAndNotFound(t *testing.T) {
	s := &MinIOStore{bucket: "catalog", prefix: "catalogd"}
	if got := s.key("images/abc"); got != "catalogd/images/abc" {
		t.Errorf("key = %q", got)
	}
	if !isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}) {
		t.Error("NoSuchKey not treated as missing")
	}
	if isNotFound(minio.ErrorResponse{Code: "AccessDenied"}) {
		t.Error("AccessDenied treated as missing")
	}
}
