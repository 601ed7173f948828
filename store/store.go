// Package store merges scrape results into a durable product dataset keyed by title.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aluiziolira/go-scrape-shop/models"
)

// Store persists products with upsert-by-title semantics. Backends are
// interchangeable: the contract is the same for files and tables.
type Store interface {
	// Merge upserts products and returns how many records were added or changed.
	Merge(ctx context.Context, products []models.Product) (int, error)
	// Load returns every persisted product.
	Load(ctx context.Context) ([]models.Product, error)
	// Destination identifies where records are written.
	Destination() string
	Close() error
}

// StorageError reports a failed read or write against a backend.
type StorageError struct {
	Op          string
	Destination string
	Err         error
}

func (e StorageError) Error() string {
	return fmt.Errorf("storage %s %s: %w", e.Op, e.Destination, e.Err).Error()
}

func (e StorageError) Unwrap() error {
	return e.Err
}

// MergeProducts upserts incoming into existing by title. Existing order is
// kept and new titles are appended in arrival order. When a title occurs more
// than once in incoming the last one wins. changed counts titles whose record
// was added or differs from before. With nothing to merge, existing is
// returned as is.
func MergeProducts(existing, incoming []models.Product) ([]models.Product, int) {
	if len(incoming) == 0 {
		return existing, 0
	}

	merged := make([]models.Product, len(existing), len(existing)+len(incoming))
	copy(merged, existing)

	index := make(map[string]int, len(merged))
	for i, p := range merged {
		index[p.Title] = i
	}

	touched := make(map[string]struct{})
	for _, p := range incoming {
		i, ok := index[p.Title]
		if !ok {
			index[p.Title] = len(merged)
			merged = append(merged, p)
			touched[p.Title] = struct{}{}
			continue
		}
		if merged[i] != p {
			merged[i] = p
			touched[p.Title] = struct{}{}
		}
	}
	return merged, len(touched)
}

// Notify reports how many records a run added or updated and where they went.
func Notify(logger *slog.Logger, count int, destination string) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("scraping completed",
		slog.Int("products_updated", count),
		slog.String("destination", destination),
	)
}
