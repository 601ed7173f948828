package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-shop/cache"
	"github.com/aluiziolira/go-scrape-shop/config"
	"github.com/aluiziolira/go-scrape-shop/models"
	"github.com/aluiziolira/go-scrape-shop/parser"
)

// Sink receives the kept products of each listing page once the page is
// fully resolved. Pages arrive in ascending order.
type Sink interface {
	Process(products ...models.Product) error
}

// Scraper crawls listing pages, fans out detail fetches and filters the
// parsed products through the price cache.
type Scraper struct {
	cfg       *config.Config
	prices    *cache.PriceCache
	logger    *slog.Logger
	transport http.RoundTripper
	Metrics   *Metrics
}

// NewScraper builds a scraper. metrics and logger may be nil.
func NewScraper(cfg *config.Config, prices *cache.PriceCache, metrics *Metrics, logger *slog.Logger) (*Scraper, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if prices == nil {
		return nil, errors.New("price cache is required")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{cfg: cfg, prices: prices, logger: logger, Metrics: metrics}, nil
}

// WithTransport replaces the HTTP transport used by every job.
func (s *Scraper) WithTransport(rt http.RoundTripper) {
	s.transport = rt
}

// Run executes one crawl job. Kept products are handed to sink page by page
// and also returned in the result. On failure the result still carries the
// products kept before the failing stage.
func (s *Scraper) Run(ctx context.Context, job models.CrawlJob, sink Sink) (*models.ScrapeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	result := &models.ScrapeResult{
		JobID:        job.ID,
		Products:     []models.Product{},
		StartTime:    time.Now(),
		ErrorsByType: map[string]int{},
	}
	if job.PageLimit < 0 {
		return nil, fmt.Errorf("page limit cannot be negative: %d", job.PageLimit)
	}
	if job.PageLimit == 0 {
		result.EndTime = time.Now()
		return result, nil
	}

	base, err := url.Parse(job.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	fetcher, err := NewFetcher(ctx, s.cfg, job.Proxy, s.transport, s.Metrics, s.logger.With(slog.String("job_id", job.ID)))
	if err != nil {
		return nil, err
	}
	defer fetcher.Close()

	visited, err := lru.New[string, struct{}](s.cfg.DedupeMaxSize)
	if err != nil {
		return nil, fmt.Errorf("create visited set: %w", err)
	}

	c := &crawl{
		Scraper:    s,
		logger:     s.logger.With(slog.String("job_id", job.ID)),
		base:       base,
		fetcher:    fetcher,
		images:     NewImageDownloader(fetcher, s.cfg.ImageDir, s.Metrics),
		visited:    visited,
		result:     result,
		itemErrors: map[string]int{},
	}
	c.logger.Info("crawl started",
		slog.String("base_url", job.BaseURL),
		slog.Int("page_limit", job.PageLimit),
		slog.Bool("proxy", job.Proxy != ""),
	)

	var runErr error
	for page := 1; page <= job.PageLimit; page++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		more, err := c.crawlPage(ctx, page, sink)
		if err != nil {
			runErr = err
			break
		}
		if !more {
			break
		}
	}

	result.EndTime = time.Now()
	result.DetailCount = int(atomic.LoadInt64(&c.detailCount))
	result.RequestCount = fetcher.RequestCount()
	result.RetryCount = fetcher.RetryCount()
	result.ErrorsByType = fetcher.snapshotErrors()
	for k, v := range c.itemErrors {
		result.ErrorsByType[k] += v
	}
	for _, v := range result.ErrorsByType {
		result.ErrorCount += v
	}

	c.logger.Info("crawl finished",
		slog.Int("pages", result.PageCount),
		slog.Int("details", result.DetailCount),
		slog.Int("kept", len(result.Products)),
		slog.Int("unchanged", result.UnchangedCount),
		slog.Int("failed", len(result.FailedURLs)),
		slog.Int("requests", result.RequestCount),
		slog.Int("retries", result.RetryCount),
		slog.Duration("elapsed", result.EndTime.Sub(result.StartTime)),
	)
	return result, runErr
}

// crawl is the state of one job.
type crawl struct {
	*Scraper
	logger  *slog.Logger
	base    *url.URL
	fetcher *Fetcher
	images  *ImageDownloader
	visited *lru.Cache[string, struct{}]
	result  *models.ScrapeResult

	detailCount int64
	itemErrors  map[string]int
}

type detailOutcome struct {
	url     string
	product models.Product
	// imageDeferred is set when the download was skipped because the cached
	// price already matched.
	imageDeferred bool
	err           error
}

// crawlPage runs FetchingPage → ParsingPage → FetchingDetails →
// FilteringResults for page n. It reports whether the next page should be
// fetched.
func (c *crawl) crawlPage(ctx context.Context, n int, sink Sink) (bool, error) {
	pageURL := listingURL(c.base, n)
	logger := c.logger.With(slog.Int("page", n))

	body, err := c.fetcher.Fetch(ctx, PhaseListing, pageURL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		var notFound ErrNotFound
		if n > 1 && errors.As(err, &notFound) {
			logger.Info("no more listing pages", slog.String("url", pageURL))
			return false, nil
		}
		return false, StageError{Stage: StagePageFetch, Page: n, URL: pageURL, Err: err}
	}
	c.result.PageCount++

	pageBase, err := url.Parse(pageURL)
	if err != nil {
		pageBase = c.base
	}
	links, err := parser.ParseListing(bytes.NewReader(body), pageBase)
	if err != nil {
		return false, StageError{Stage: StagePageParse, Page: n, URL: pageURL, Err: err}
	}
	if len(links) == 0 {
		logger.Info("listing page has no products, stopping", slog.String("url", pageURL))
		return false, nil
	}

	fresh := make([]string, 0, len(links))
	for _, link := range links {
		if seen, _ := c.visited.ContainsOrAdd(link, struct{}{}); seen {
			logger.Debug("detail already visited", slog.String("url", link))
			continue
		}
		fresh = append(fresh, link)
	}

	outcomes := c.fetchDetails(ctx, fresh)
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var kept []models.Product
	for _, o := range outcomes {
		if o.err != nil {
			c.recordFailure(logger, n, o)
			continue
		}
		keep, err := c.prices.ShouldKeep(ctx, o.product)
		if err != nil {
			return false, StageError{Stage: StagePriceCache, Page: n, URL: o.url, Err: err}
		}
		if !keep {
			c.result.UnchangedCount++
			c.Metrics.IncProduct("unchanged")
			logger.Debug("price unchanged", slog.String("title", o.product.Title))
			continue
		}
		if o.imageDeferred {
			o.product.ImagePath = c.deferredImage(ctx, logger, o.product)
		}
		c.Metrics.IncProduct("kept")
		kept = append(kept, o.product)
	}

	if len(kept) > 0 {
		c.result.Products = append(c.result.Products, kept...)
		if sink != nil {
			if err := sink.Process(kept...); err != nil {
				return false, StageError{Stage: StageStorage, Page: n, URL: pageURL, Err: err}
			}
		}
	}

	logger.Info("listing page done",
		slog.Int("links", len(links)),
		slog.Int("kept", len(kept)),
	)
	return true, nil
}

// fetchDetails resolves every link with at most cfg.Parallelism tasks in
// flight. Outcomes keep the listing order.
func (c *crawl) fetchDetails(ctx context.Context, links []string) []detailOutcome {
	outcomes := make([]detailOutcome, len(links))
	sem := make(chan struct{}, c.cfg.Parallelism)
	var wg sync.WaitGroup

schedule:
	for i, link := range links {
		outcomes[i].url = link
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(links); j++ {
				outcomes[j] = detailOutcome{url: links[j], err: ctx.Err()}
			}
			break schedule
		}

		wg.Add(1)
		go func(i int, link string) {
			defer wg.Done()
			defer func() { <-sem }()
			product, deferred, err := c.scrapeDetail(ctx, link)
			outcomes[i] = detailOutcome{url: link, product: product, imageDeferred: deferred, err: err}
		}(i, link)
	}

	wg.Wait()
	return outcomes
}

// scrapeDetail fetches and parses one product. The image download is deferred
// when the cache already holds the same price, since the product is then
// normally dropped.
func (c *crawl) scrapeDetail(ctx context.Context, link string) (models.Product, bool, error) {
	body, err := c.fetcher.Fetch(ctx, PhaseDetail, link)
	if err != nil {
		return models.Product{}, false, err
	}

	detailBase, err := url.Parse(link)
	if err != nil {
		detailBase = c.base
	}
	detail, err := parser.ParseDetail(bytes.NewReader(body), detailBase)
	if err != nil {
		return models.Product{}, false, err
	}
	atomic.AddInt64(&c.detailCount, 1)

	product := models.Product{Title: detail.Title, Price: detail.Price, ImagePath: detail.ImageURL}
	if unchanged, err := c.prices.Unchanged(ctx, detail.Title, detail.Price); err == nil && unchanged {
		return product, true, nil
	}

	path, err := c.images.Download(ctx, detail.ImageURL, detail.Title)
	if err != nil {
		return models.Product{}, false, fmt.Errorf("image for %q: %w", detail.Title, err)
	}
	product.ImagePath = path
	return product, false, nil
}

// deferredImage downloads the image of a product kept after its download was
// skipped. The cache already holds the new price, so a failed download keeps
// the remote URL instead of dropping the product.
func (c *crawl) deferredImage(ctx context.Context, logger *slog.Logger, p models.Product) string {
	path, err := c.images.Download(ctx, p.ImagePath, p.Title)
	if err != nil {
		logger.Warn("image download failed, keeping remote url",
			slog.String("title", p.Title),
			slog.String("url", p.ImagePath),
			slog.Any("error", err),
		)
		return p.ImagePath
	}
	return path
}

func (c *crawl) recordFailure(logger *slog.Logger, page int, o detailOutcome) {
	c.result.FailedURLs = append(c.result.FailedURLs, o.url)

	var parseErr parser.ParseError
	if errors.As(o.err, &parseErr) {
		c.itemErrors[errorTypeLabel(parseErr)]++
		c.Metrics.IncError(errorTypeLabel(parseErr))
	}

	logger.Warn("skipping product",
		slog.String("stage", StageDetailFetch),
		slog.String("url", o.url),
		slog.Any("error", StageError{Stage: StageDetailFetch, Page: page, URL: o.url, Err: o.err}),
	)
}

func listingURL(base *url.URL, n int) string {
	return fmt.Sprintf("%s/page/%d/", strings.TrimRight(base.String(), "/"), n)
}
