package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-scrape-shop/app"
	"github.com/aluiziolira/go-scrape-shop/config"
	"github.com/aluiziolira/go-scrape-shop/models"
	"github.com/aluiziolira/go-scrape-shop/scraper"
)

type cliFlags struct {
	configPath    *string
	baseURL       *string
	pages         *int
	proxy         *string
	parallelism   *int
	delayMs       *int
	randomDelayMs *int
	timeoutMs     *int
	maxAttempts   *int
	maxBodySize   *int
	retryDelayMs  *int
	rps           *float64
	respectRobots *bool
	imageDir      *string
	storage       *string
	output        *string
	dbDriver      *string
	dbDSN         *string
	cacheType     *string
	redisAddr     *string
	redisPassword *string
	redisDB       *int
	metricsAddr   *string
	verbose       *bool
}

func main() {
	d := config.DefaultConfig()
	configDefault, _ := config.EnvString("SCRAPER_CONFIG")

	f := cliFlags{
		configPath:    flag.String("config", configDefault, "YAML configuration file applied before env and flags"),
		baseURL:       flag.String("base-url", d.BaseURL, "Catalog base URL"),
		pages:         flag.Int("pages", d.PageLimit, "Maximum listing pages to scrape"),
		proxy:         flag.String("proxy", d.Proxy, "Proxy URL for every request"),
		parallelism:   flag.Int("parallel", d.Parallelism, "Maximum concurrent requests"),
		delayMs:       flag.Int("delay", int(d.Delay/time.Millisecond), "Delay between requests (milliseconds)"),
		randomDelayMs: flag.Int("random-delay", int(d.RandomDelay/time.Millisecond), "Random jitter added to delay (milliseconds)"),
		timeoutMs:     flag.Int("timeout", int(d.Timeout/time.Millisecond), "Request timeout (milliseconds)"),
		maxAttempts:   flag.Int("max-attempts", d.MaxAttempts, "Attempts per URL before giving up"),
		maxBodySize:   flag.Int("max-body-size", d.MaxBodySize, "Maximum response body in bytes (0 = unlimited)"),
		retryDelayMs:  flag.Int("retry-delay", int(d.RetryDelay/time.Millisecond), "Fixed delay between attempts (milliseconds)"),
		rps:           flag.Float64("rps", d.RequestsPerSecond, "Requests per second cap, 0 disables it"),
		respectRobots: flag.Bool("respect-robots", d.RespectRobotsTxt, "Respect robots.txt directives"),
		imageDir:      flag.String("image-dir", d.ImageDir, "Directory for downloaded product images"),
		storage:       flag.String("storage", d.StorageType, "Storage backend: flat or table"),
		output:        flag.String("output", d.OutputFile, "Flat storage output file"),
		dbDriver:      flag.String("db-driver", d.DatabaseDriver, "Table storage driver: sqlite or postgres"),
		dbDSN:         flag.String("db-dsn", d.DatabaseDSN, "Table storage DSN"),
		cacheType:     flag.String("cache", d.CacheType, "Price cache backend: memory or redis"),
		redisAddr:     flag.String("redis-addr", d.RedisAddr, "Redis address for the price cache"),
		redisPassword: flag.String("redis-password", d.RedisPassword, "Redis password"),
		redisDB:       flag.Int("redis-db", d.RedisDB, "Redis database number"),
		metricsAddr:   flag.String("metrics-addr", d.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)"),
		verbose:       flag.Bool("v", false, "Enable verbose logging"),
	}
	flag.Parse()

	cfg, err := buildConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	metrics := scraper.NewMetrics()
	a, err := app.New(ctx, cfg, app.WithLogger(logger), app.WithMetrics(metrics))
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("close", slog.Any("error", err))
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	slog.Info("starting scrape",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("pages", cfg.PageLimit),
		slog.Int("workers", cfg.Parallelism),
		slog.String("storage", cfg.StorageType),
		slog.String("cache", cfg.CacheType),
	)

	startTime := time.Now()
	result, scrapeErr := a.Scrape(ctx, app.Request{
		BaseURL:   cfg.BaseURL,
		PageLimit: app.Pages(cfg.PageLimit),
		Proxy:     cfg.Proxy,
	})

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if result != nil {
		printSummary(result, time.Since(startTime), a.Store().Destination())
	}
	if scrapeErr != nil {
		slog.Error("scraping failed", slog.Any("error", scrapeErr))
		a.Close()
		os.Exit(1)
	}
}

// buildConfig layers defaults, the optional YAML file, SCRAPER_* environment
// variables and explicitly set flags, in that order.
func buildConfig(f cliFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if *f.configPath != "" {
		loaded, err := config.Load(*f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	set := map[string]bool{}
	flag.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	if set["base-url"] {
		cfg.BaseURL = *f.baseURL
	}
	if set["pages"] {
		cfg.PageLimit = *f.pages
	}
	if set["proxy"] {
		cfg.Proxy = *f.proxy
	}
	if set["parallel"] {
		cfg.Parallelism = *f.parallelism
	}
	if set["delay"] {
		cfg.Delay = time.Duration(*f.delayMs) * time.Millisecond
	}
	if set["random-delay"] {
		cfg.RandomDelay = time.Duration(*f.randomDelayMs) * time.Millisecond
	}
	if set["timeout"] {
		cfg.Timeout = time.Duration(*f.timeoutMs) * time.Millisecond
	}
	if set["max-attempts"] {
		cfg.MaxAttempts = *f.maxAttempts
	}
	if set["max-body-size"] {
		cfg.MaxBodySize = *f.maxBodySize
	}
	if set["retry-delay"] {
		cfg.RetryDelay = time.Duration(*f.retryDelayMs) * time.Millisecond
	}
	if set["rps"] {
		cfg.RequestsPerSecond = *f.rps
	}
	if set["respect-robots"] {
		cfg.RespectRobotsTxt = *f.respectRobots
	}
	if set["image-dir"] {
		cfg.ImageDir = *f.imageDir
	}
	if set["storage"] {
		cfg.StorageType = strings.ToLower(*f.storage)
	}
	if set["output"] {
		cfg.OutputFile = *f.output
	}
	if set["db-driver"] {
		cfg.DatabaseDriver = strings.ToLower(*f.dbDriver)
	}
	if set["db-dsn"] {
		cfg.DatabaseDSN = *f.dbDSN
	}
	if set["cache"] {
		cfg.CacheType = strings.ToLower(*f.cacheType)
	}
	if set["redis-addr"] {
		cfg.RedisAddr = *f.redisAddr
	}
	if set["redis-password"] {
		cfg.RedisPassword = *f.redisPassword
	}
	if set["redis-db"] {
		cfg.RedisDB = *f.redisDB
	}
	if set["metrics-addr"] {
		cfg.MetricsAddr = *f.metricsAddr
	}
	if set["v"] {
		cfg.Verbose = *f.verbose
	}
	return cfg, nil
}

func applyEnv(cfg *config.Config) error {
	stringVars := map[string]*string{
		"SCRAPER_BASE_URL":       &cfg.BaseURL,
		"SCRAPER_PROXY":          &cfg.Proxy,
		"SCRAPER_IMAGE_DIR":      &cfg.ImageDir,
		"SCRAPER_STORAGE":        &cfg.StorageType,
		"SCRAPER_OUTPUT":         &cfg.OutputFile,
		"SCRAPER_DB_DRIVER":      &cfg.DatabaseDriver,
		"SCRAPER_DB_DSN":         &cfg.DatabaseDSN,
		"SCRAPER_CACHE":          &cfg.CacheType,
		"SCRAPER_REDIS_ADDR":     &cfg.RedisAddr,
		"SCRAPER_REDIS_PASSWORD": &cfg.RedisPassword,
		"SCRAPER_METRICS_ADDR":   &cfg.MetricsAddr,
	}
	for key, target := range stringVars {
		if value, ok := config.EnvString(key); ok {
			*target = value
		}
	}

	intVars := map[string]*int{
		"SCRAPER_PAGES":        &cfg.PageLimit,
		"SCRAPER_PARALLEL":     &cfg.Parallelism,
		"SCRAPER_MAX_ATTEMPTS": &cfg.MaxAttempts,
		"SCRAPER_MAX_BODY":     &cfg.MaxBodySize,
		"SCRAPER_REDIS_DB":     &cfg.RedisDB,
	}
	for key, target := range intVars {
		value, ok, err := config.EnvInt(key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if ok {
			*target = value
		}
	}
	return nil
}

func printSummary(result *models.ScrapeResult, duration time.Duration, destination string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")

	fmt.Printf("  Job:           %s\n", result.JobID)
	fmt.Printf("  Pages:         %d\n", result.PageCount)
	fmt.Printf("  Products:      %d parsed, %d kept, %d unchanged\n", result.DetailCount, len(result.Products), result.UnchangedCount)
	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.RequestCount-result.ErrorCount) / float64(result.RequestCount) * 100
	}
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Failed URLs:   %d\n", len(result.FailedURLs))
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Destination:   %s\n", destination)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
