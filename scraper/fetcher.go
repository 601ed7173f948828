package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-scrape-shop/config"
	"github.com/aluiziolira/go-scrape-shop/retry"
)

// Request phases used for metrics and logs.
const (
	PhaseListing = "listing"
	PhaseDetail  = "detail"
	PhaseImage   = "image"
)

const (
	ctxKeyStatus = "status"
	ctxKeyBody   = "body"
)

// Fetcher issues GET requests through a colly collector and applies the
// retry policy to every call. One Fetcher serves one crawl job; its context
// is bound to the transport so cancelling the job aborts in-flight requests.
type Fetcher struct {
	collector *colly.Collector
	transport http.RoundTripper
	policy    retry.Policy
	limiter   *rate.Limiter
	metrics   *Metrics
	logger    *slog.Logger
	maxBody   int

	requestCount int64
	retryCount   int64

	mu           sync.Mutex
	errorsByType map[string]int
}

// NewFetcher builds a fetcher for one job. proxy overrides cfg.Proxy when set.
// base replaces the default HTTP transport, which is mostly useful in tests.
// A nil logger falls back to slog.Default().
func NewFetcher(ctx context.Context, cfg *config.Config, proxy string, base http.RoundTripper, metrics *Metrics, logger *slog.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if proxy == "" {
		proxy = cfg.Proxy
	}
	if base == nil {
		transport, err := newTransport(cfg.Timeout, proxy)
		if err != nil {
			return nil, err
		}
		base = transport
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.ParseHTTPErrorResponse = true
	// colly truncates silently at MaxBodySize; read one byte past the limit
	// so an oversized body is detected instead of returned short.
	collector.MaxBodySize = 0
	if cfg.MaxBodySize > 0 {
		collector.MaxBodySize = cfg.MaxBodySize + 1
	}
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&contextTransport{ctx: ctx, base: base})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxKeyStatus, r.StatusCode)
		r.Ctx.Put(ctxKeyBody, r.Body)
	})

	f := &Fetcher{
		collector:    collector,
		transport:    base,
		metrics:      metrics,
		logger:       logger,
		maxBody:      cfg.MaxBodySize,
		errorsByType: make(map[string]int),
	}
	if cfg.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	f.policy = retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Delay:       cfg.RetryDelay,
		Retryable:   isTransient,
		Logger:      logger,
		OnRetry: func(int, error) {
			atomic.AddInt64(&f.retryCount, 1)
			f.metrics.IncRetries()
		},
	}
	return f, nil
}

// Fetch returns the body of target. Transient failures are retried per the
// policy; the final failure is a retry.FetchFailedError.
func (f *Fetcher) Fetch(ctx context.Context, phase, target string) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, f.policy, target, func(ctx context.Context) error {
		b, err := f.fetchOnce(ctx, phase, target)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, phase, target string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	atomic.AddInt64(&f.requestCount, 1)
	f.metrics.IncRequest(phase)

	reqCtx := colly.NewContext()
	start := time.Now()
	err := f.collector.Request(http.MethodGet, target, nil, reqCtx, nil)
	f.metrics.ObserveDuration(time.Since(start))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		classified := classifyError(err, 0)
		f.recordError(phase, target, classified)
		return nil, classified
	}

	status, _ := reqCtx.GetAny(ctxKeyStatus).(int)
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		classified := classifyError(HTTPError{URL: target, StatusCode: status}, status)
		f.recordError(phase, target, classified)
		return nil, classified
	}

	body, _ := reqCtx.GetAny(ctxKeyBody).([]byte)
	if f.maxBody > 0 && len(body) > f.maxBody {
		tooLarge := ErrBodyTooLarge{URL: target, Limit: f.maxBody}
		f.recordError(phase, target, tooLarge)
		return nil, tooLarge
	}
	return body, nil
}

func (f *Fetcher) recordError(phase, target string, err error) {
	category := errorTypeLabel(err)
	f.mu.Lock()
	f.errorsByType[category]++
	f.mu.Unlock()
	f.metrics.IncError(category)

	f.logger.Debug("request error",
		slog.String("phase", phase),
		slog.String("url", target),
		slog.String("category", category),
		slog.Any("error", err),
	)
}

// RequestCount returns the number of HTTP attempts made.
func (f *Fetcher) RequestCount() int {
	return int(atomic.LoadInt64(&f.requestCount))
}

// RetryCount returns the number of retries scheduled.
func (f *Fetcher) RetryCount() int {
	return int(atomic.LoadInt64(&f.retryCount))
}

func (f *Fetcher) snapshotErrors() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.errorsByType))
	for k, v := range f.errorsByType {
		out[k] = v
	}
	return out
}

// Close releases idle connections held by the default transport.
func (f *Fetcher) Close() {
	if t, ok := f.transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

func newTransport(timeout time.Duration, proxy string) (*http.Transport, error) {
	proxyFunc := http.ProxyFromEnvironment
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid proxy URL %q", proxy)
		}
		proxyFunc = http.ProxyURL(proxyURL)
	}

	return &http.Transport{
		Proxy: proxyFunc,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}, nil
}

// contextTransport cancels outgoing requests when the job context is done.
// The request keeps its own context so the client timeout still applies.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.ctx == nil {
		return t.base.RoundTrip(req)
	}
	ctx, cancel := context.WithCancelCause(req.Context())
	stop := context.AfterFunc(t.ctx, func() {
		cancel(context.Cause(t.ctx))
	})

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil || resp.Body == nil {
		stop()
		cancel(nil)
		return resp, err
	}
	resp.Body = &releaseOnClose{ReadCloser: resp.Body, stop: stop, cancel: cancel}
	return resp, nil
}

// releaseOnClose keeps the request context alive until the body is closed.
type releaseOnClose struct {
	io.ReadCloser
	stop   func() bool
	cancel context.CancelCauseFunc
}

func (b *releaseOnClose) Close() error {
	b.stop()
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
