package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/go-scrape-shop/models"
)

// FlatStore keeps the dataset as a pretty-printed JSON array in one file.
// Every write replaces the file atomically.
type FlatStore struct {
	path string
	mu   sync.Mutex
}

// NewFlatStore prepares the parent directory of path.
func NewFlatStore(path string) (*FlatStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, StorageError{Op: "init", Destination: path, Err: err}
	}
	return &FlatStore{path: path}, nil
}

func (s *FlatStore) Destination() string {
	return s.path
}

// Load returns the persisted products. A missing or blank file is an empty
// dataset; an undecodable file is an error so it is never overwritten.
func (s *FlatStore) Load(_ context.Context) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FlatStore) Merge(ctx context.Context, products []models.Product) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load()
	if err != nil {
		return 0, err
	}
	merged, changed := MergeProducts(existing, products)
	if changed == 0 {
		return 0, nil
	}
	if err := s.save(merged); err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *FlatStore) Close() error {
	return nil
}

func (s *FlatStore) load() ([]models.Product, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []models.Product{}, nil
	}
	if err != nil {
		return nil, StorageError{Op: "read", Destination: s.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []models.Product{}, nil
	}

	var products []models.Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, StorageError{Op: "decode", Destination: s.path, Err: err}
	}
	if products == nil {
		products = []models.Product{}
	}
	return products, nil
}

func (s *FlatStore) save(products []models.Product) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(products); err != nil {
		return StorageError{Op: "encode", Destination: s.path, Err: err}
	}

	if err := writeFileAtomic(s.path, buf.Bytes()); err != nil {
		return StorageError{Op: "write", Destination: s.path, Err: err}
	}
	return nil
}

// writeFileAtomic writes to a temp file next to path and renames it over path.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
