package scraper

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

const defaultImageExt = ".jpg"

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".webp": {},
	".avif": {},
	".svg":  {},
}

// ImageDownloader stores product images under a directory, one file per title.
type ImageDownloader struct {
	fetcher *Fetcher
	dir     string
	metrics *Metrics
}

// NewImageDownloader returns a downloader writing into dir through fetcher.
func NewImageDownloader(fetcher *Fetcher, dir string, metrics *Metrics) *ImageDownloader {
	return &ImageDownloader{fetcher: fetcher, dir: dir, metrics: metrics}
}

// Download fetches imageURL and writes it as <sanitized title><ext>. The
// returned path is relative to the working directory when dir is.
func (d *ImageDownloader) Download(ctx context.Context, imageURL, title string) (string, error) {
	body, err := d.fetcher.Fetch(ctx, PhaseImage, imageURL)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}

	target := filepath.Join(d.dir, SanitizeFilename(title)+imageExt(imageURL))
	if err := writeAtomic(target, body); err != nil {
		return "", fmt.Errorf("write image %s: %w", target, err)
	}
	d.metrics.IncImages()
	return target, nil
}

// SanitizeFilename keeps letters, digits, '-' and '_' and turns whitespace
// into '_'. Titles with nothing usable become "product".
func SanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "product"
	}
	return b.String()
}

func imageExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultImageExt
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if _, ok := imageExts[ext]; ok {
		return ext
	}
	return defaultImageExt
}

// writeAtomic writes data to a temp file next to target and renames it over
// target, so concurrent writers never leave a partial file behind.
func writeAtomic(target string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
