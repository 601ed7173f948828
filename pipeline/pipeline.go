// Package pipeline persists kept products through a store in arrival order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-shop/config"
	"github.com/aluiziolira/go-scrape-shop/models"
	"github.com/aluiziolira/go-scrape-shop/parser"
	"github.com/aluiziolira/go-scrape-shop/store"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when pending batches are not
	// written within drainTimeout.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

var drainTimeout = 30 * time.Second

// Pipeline validates products and merges them into a store in batches. A
// single writer goroutine keeps merges in the order products were submitted.
type Pipeline struct {
	ctx       context.Context
	store     store.Store
	productCh chan models.Product
	batchSize int
	logger    *slog.Logger

	metrics metrics

	mu      sync.Mutex // guards closed/err/started
	closed  bool
	started bool
	err     error

	done         chan struct{}
	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline writing to st. Merges run under ctx. A nil
// logger falls back to slog.Default().
func NewPipeline(ctx context.Context, st store.Store, cfg *config.Config, logger *slog.Logger) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	bufferSize := cfg.PipelineBufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Pipeline{
		ctx:       ctx,
		store:     st,
		productCh: make(chan models.Product, bufferSize),
		batchSize: batchSize,
		logger:    logger,
		metrics:   newMetrics(),
		done:      make(chan struct{}),
		shutdown:  make(chan struct{}),
	}
}

// Start launches the writer goroutine. Calling it more than once is a no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.closed || p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.worker()
}

// Process enqueues products for persistence. It returns the first write
// error once one has occurred.
func (p *Pipeline) Process(products ...models.Product) error {
	if len(products) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, product := range products {
		if err := p.enqueue(product); err != nil {
			if writeErr := p.Err(); writeErr != nil {
				return writeErr
			}
			return err
		}
	}
	return nil
}

// Close stops accepting products, flushes what is pending and waits for the
// writer for at most drainTimeout.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	started := p.started
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.productCh)
	})

	if !started {
		return p.Err()
	}

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		return ErrPipelineCloseTimeout
	}
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Updated returns how many records the store reported as added or changed.
func (p *Pipeline) Updated() int {
	return int(p.metrics.snapshotUpdated())
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs until Close.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				p.logger.Info("pipeline progress",
					slog.Int64("processed", metrics["processed_products"].(int64)),
					slog.Int64("updated", metrics["updated_records"].(int64)),
					slog.Int64("batches", metrics["batches"].(int64)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer close(p.done)

	batch := make([]models.Product, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		changed, err := p.store.Merge(p.ctx, batch)
		if err != nil {
			return err
		}
		p.metrics.addBatch(changed)
		p.logger.Debug("batch merged",
			slog.Int("size", len(batch)),
			slog.Int("changed", changed),
			slog.String("destination", p.store.Destination()),
		)
		batch = batch[:0]
		return nil
	}

	for product := range p.productCh {
		if !p.prepare(&product) {
			continue
		}
		batch = append(batch, product)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pipeline) prepare(product *models.Product) bool {
	if err := parser.ValidateProduct(product); err != nil {
		p.metrics.addValidation("invalid_record")
		p.logger.Warn("dropping invalid product",
			slog.String("title", product.Title),
			slog.Any("error", err),
		)
		return false
	}
	p.metrics.incrementProcessed()
	return true
}

func (p *Pipeline) enqueue(product models.Product) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.productCh <- product:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.productCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	updated    int64
	batches    int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) addBatch(changed int) {
	m.mu.Lock()
	m.batches++
	m.updated += int64(changed)
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshotUpdated() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updated
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_products": m.processed,
		"updated_records":    m.updated,
		"batches":            m.batches,
		"validation_errors":  copyValidation,
	}
}
