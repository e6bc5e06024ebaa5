package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"localmind/internal/transfer"
)

func fastFetcher(dir string) *Fetcher {
	return NewFetcher(FetcherConfig{
		Dir:   dir,
		Retry: transfer.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	})
}

func TestFetchInstallsExecutable(t *testing.T) {
	body := []byte("#!/bin/sh\necho fake runtime\n")
	sum := sha256.Sum256(body)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := fastFetcher(dir)
	spec := BinarySpec{Name: "llama-server", URL: srv.URL + "/llama-server", Size: int64(len(body)), SHA256: hex.EncodeToString(sum[:])}
	path, err := f.Fetch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if path != filepath.Join(dir, "llama-server") {
		t.Fatalf("unexpected path %q", path)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if runtime.GOOS != "windows" && fi.Mode().Perm()&0o100 == 0 {
		t.Fatalf("expected executable bit, mode=%v", fi.Mode())
	}
	if _, err := os.Stat(path + ".download"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected one retry, got %d requests", got)
	}

	// Already installed: no request.
	if _, err := f.Fetch(context.Background(), spec); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected no new request, got %d", got)
	}
}

func TestFetchRejectsWrongSizeAndDigest(t *testing.T) {
	body := []byte("binary")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()
	dir := t.TempDir()
	f := fastFetcher(dir)

	_, err := f.Fetch(context.Background(), BinarySpec{Name: "rt", URL: srv.URL, Size: 99})
	if !transfer.Is(err, transfer.KindSizeMismatch) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
	_, err = f.Fetch(context.Background(), BinarySpec{Name: "rt", URL: srv.URL, SHA256: "00000000000000000000000000000000000000000000000000000000000000ff"})
	if !transfer.Is(err, transfer.KindHashMismatch) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "rt")); !os.IsNotExist(err) {
		t.Fatalf("rejected binary must not be installed")
	}
}

func TestSupervisorFetchesMissingBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	s := New(Config{
		Runtime: &BinarySpec{Name: "rt", URL: srv.URL},
		Fetcher: fastFetcher(t.TempDir()),
	})
	_, err := s.Start(context.Background())
	if !transfer.Is(err, transfer.KindHTTPStatus) {
		t.Fatalf("expected the fetch error, got %v", err)
	}
}
