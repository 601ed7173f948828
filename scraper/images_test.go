package scraper

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-scrape-shop/retry"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{title: "Mouth Mirror", want: "Mouth_Mirror"},
		{title: "Probe & Explorer (Set of 3)", want: "Probe__Explorer_Set_of_3"},
		{title: "  GIC-2 Restorative_Kit  ", want: "GIC-2_Restorative_Kit"},
		{title: "../../etc/passwd", want: "etcpasswd"},
		{title: "दंत दर्पण", want: "दत_दरपण"},
		{title: "***", want: "product"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			if got := SanitizeFilename(tt.title); got != tt.want {
				t.Fatalf("SanitizeFilename(%q) = %q, want %q", tt.title, got, tt.want)
			}
		})
	}
}

func TestImageExt(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{url: "https://cdn.test/a.png", want: ".png"},
		{url: "https://cdn.test/a.JPEG?ver=2", want: ".jpeg"},
		{url: "https://cdn.test/a.webp#frag", want: ".webp"},
		{url: "https://cdn.test/image", want: ".jpg"},
		{url: "https://cdn.test/a.php", want: ".jpg"},
		{url: "://bad", want: ".jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := imageExt(tt.url); got != tt.want {
				t.Fatalf("imageExt(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestImageDownloaderWritesFile(t *testing.T) {
	f, transport := newTestFetcher(t, context.Background())
	dir := filepath.Join(t.TempDir(), "nested", "images")
	transport.RegisterResponder(http.MethodGet, "https://cdn.test/a.png", httpmock.NewBytesResponder(http.StatusOK, []byte("png-bytes")))

	d := NewImageDownloader(f, dir, nil)
	path, err := d.Download(context.Background(), "https://cdn.test/a.png", "Curing Light")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if want := filepath.Join(dir, "Curing_Light.png"); path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("content = %q", data)
	}
}

func TestImageDownloaderFailureLeavesNoFile(t *testing.T) {
	f, transport := newTestFetcher(t, context.Background())
	dir := t.TempDir()
	transport.RegisterResponder(http.MethodGet, "https://cdn.test/missing.jpg", httpmock.NewStringResponder(http.StatusNotFound, ""))

	d := NewImageDownloader(f, dir, nil)
	if _, err := d.Download(context.Background(), "https://cdn.test/missing.jpg", "Missing"); err == nil {
		t.Fatalf("expected error for 404 image")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("unexpected files: %v", entries)
	}
}

func TestImageDownloaderConcurrentSameTitle(t *testing.T) {
	f, transport := newTestFetcher(t, context.Background())
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("0123456789"), 64*1024)
	transport.RegisterResponder(http.MethodGet, "https://cdn.test/big.jpg", httpmock.NewBytesResponder(http.StatusOK, payload))

	d := NewImageDownloader(f, dir, nil)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Download(context.Background(), "https://cdn.test/big.jpg", "Same Title"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("download: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "Same_Title.jpg"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("file corrupted: got %d bytes, want %d", len(data), len(payload))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func newImageTestDownloader(t *testing.T, maxBody int) (*ImageDownloader, *httpmock.MockTransport, string) {
	t.Helper()
	cfg := testConfig(t)
	cfg.MaxBodySize = maxBody
	transport := httpmock.NewMockTransport()
	f, err := NewFetcher(context.Background(), cfg, "", transport, nil, nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return NewImageDownloader(f, cfg.ImageDir, nil), transport, cfg.ImageDir
}

func TestImageDownloaderRejectsOversizedBody(t *testing.T) {
	d, transport, dir := newImageTestDownloader(t, 1024)
	transport.RegisterResponder(http.MethodGet, "https://cdn.test/exact.png", httpmock.NewBytesResponder(http.StatusOK, bytes.Repeat([]byte("a"), 1024)))
	transport.RegisterResponder(http.MethodGet, "https://cdn.test/huge.png", httpmock.NewBytesResponder(http.StatusOK, bytes.Repeat([]byte("b"), 4096)))

	if _, err := d.Download(context.Background(), "https://cdn.test/exact.png", "Exact"); err != nil {
		t.Fatalf("body at the limit: %v", err)
	}

	_, err := d.Download(context.Background(), "https://cdn.test/huge.png", "Huge")
	var tooLarge ErrBodyTooLarge
	if !errors.As(err, &tooLarge) || tooLarge.Limit != 1024 {
		t.Fatalf("err = %v, want ErrBodyTooLarge", err)
	}
	var failed retry.FetchFailedError
	if !errors.As(err, &failed) || failed.Attempts != 1 {
		t.Fatalf("oversized body retried: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "Huge.png")); !os.IsNotExist(statErr) {
		t.Fatalf("truncated image written: %v", statErr)
	}
}

func TestImageDownloaderUnlimitedKeepsLargeBody(t *testing.T) {
	d, transport, dir := newImageTestDownloader(t, 0)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 12<<16) // 12 MiB, above colly's default cap
	transport.RegisterResponder(http.MethodGet, "https://cdn.test/poster.png", httpmock.NewBytesResponder(http.StatusOK, payload))

	path, err := d.Download(context.Background(), "https://cdn.test/poster.png", "Poster")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if path != filepath.Join(dir, "Poster.png") {
		t.Fatalf("path = %q", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", info.Size(), len(payload))
	}
}
