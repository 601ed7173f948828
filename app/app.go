// Package app wires the crawler, price cache, persistence pipeline and product
// store behind a single scrape operation.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-scrape-shop/cache"
	"github.com/aluiziolira/go-scrape-shop/config"
	"github.com/aluiziolira/go-scrape-shop/models"
	"github.com/aluiziolira/go-scrape-shop/pipeline"
	"github.com/aluiziolira/go-scrape-shop/scraper"
	"github.com/aluiziolira/go-scrape-shop/store"
)

// Request carries the parameters of one scrape. A nil PageLimit uses the
// configured default and an empty BaseURL the configured base URL. A
// PageLimit of zero performs no fetches.
type Request struct {
	BaseURL   string
	PageLimit *int
	Proxy     string
}

// Pages returns a page limit for Request.
func Pages(n int) *int {
	return &n
}

// App owns the long-lived collaborators shared by every scrape: the price
// cache and the product store.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	prices  *cache.PriceCache
	store   store.Store
	scraper *scraper.Scraper

	priceStore cache.Store
	metrics    *scraper.Metrics
	transport  http.RoundTripper
}

// Option customises an App.
type Option func(*App)

// WithLogger sets the logger used by the app and the crawler.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithMetrics shares an existing metrics registry.
func WithMetrics(m *scraper.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTransport replaces the HTTP transport of every crawl.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *App) { a.transport = rt }
}

// WithPriceStore replaces the cache backend selected by configuration.
func WithPriceStore(s cache.Store) Option {
	return func(a *App) { a.priceStore = s }
}

// WithStore replaces the product store selected by configuration.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// New validates cfg and opens the configured cache and store backends.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}

	if a.priceStore == nil {
		priceStore, err := openPriceStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.priceStore = priceStore
	}
	a.prices = cache.New(a.priceStore)

	if a.store == nil {
		st, err := openStore(ctx, cfg)
		if err != nil {
			a.prices.Close()
			return nil, err
		}
		a.store = st
	}

	s, err := scraper.NewScraper(cfg, a.prices, a.metrics, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.transport != nil {
		s.WithTransport(a.transport)
	}
	a.scraper = s
	return a, nil
}

func openPriceStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.CacheType {
	case config.CacheRedis:
		return cache.NewRedisStore(ctx, cache.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.CacheKeyPrefix,
		})
	default:
		return cache.NewMemoryStore(), nil
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StorageType {
	case config.StorageTable:
		return store.NewTableStore(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	default:
		return store.NewFlatStore(cfg.OutputFile)
	}
}

// InitiateScrape runs one crawl and returns the kept products. On failure the
// error is a scraper.StageError naming the failing stage, and the products
// kept before it are returned alongside.
func (a *App) InitiateScrape(ctx context.Context, req Request) ([]models.Product, error) {
	result, err := a.Scrape(ctx, req)
	if result == nil {
		return nil, err
	}
	return result.Products, err
}

// Scrape is InitiateScrape returning the full run statistics.
func (a *App) Scrape(ctx context.Context, req Request) (*models.ScrapeResult, error) {
	job := models.CrawlJob{
		ID:        uuid.NewString(),
		BaseURL:   req.BaseURL,
		PageLimit: a.cfg.PageLimit,
		Proxy:     req.Proxy,
	}
	if req.PageLimit != nil {
		if *req.PageLimit < 0 {
			return nil, fmt.Errorf("page limit cannot be negative, got %d", *req.PageLimit)
		}
		job.PageLimit = *req.PageLimit
	}
	if job.BaseURL == "" {
		job.BaseURL = a.cfg.BaseURL
	}

	logger := a.logger.With(slog.String("job_id", job.ID))

	// merges already handed to the pipeline finish even if ctx is cancelled
	p := pipeline.NewPipeline(context.WithoutCancel(ctx), a.store, a.cfg, logger)
	p.Start()
	if a.cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	result, runErr := a.scraper.Run(ctx, job, p)
	closeErr := p.Close()

	switch {
	case runErr != nil:
		if closeErr != nil {
			logger.Error("persisting partial results failed", slog.Any("error", closeErr))
		} else {
			logger.Warn("scrape aborted, partial results persisted",
				slog.Int("products_updated", p.Updated()),
				slog.String("destination", a.store.Destination()),
			)
		}
		return result, fmt.Errorf("scrape %s: %w", job.BaseURL, runErr)
	case closeErr != nil:
		return result, scraper.StageError{Stage: scraper.StageStorage, URL: a.store.Destination(), Err: closeErr}
	}

	store.Notify(logger, p.Updated(), a.store.Destination())
	return result, nil
}

// Metrics returns the crawler metrics.
func (a *App) Metrics() *scraper.Metrics {
	return a.scraper.Metrics
}

// Store returns the product store.
func (a *App) Store() store.Store {
	return a.store
}

// Close releases the store and the price cache.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.prices != nil {
		if err := a.prices.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close price cache: %w", err))
		}
	}
	return errors.Join(errs...)
}
