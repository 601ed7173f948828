// Package models defines data structures for the scraper.
package models

import "time"

// Product is a catalog item scraped from a detail page. Title is the identity key.
type Product struct {
	Title     string  `json:"product_title"`
	Price     float64 `json:"product_price"`
	ImagePath string  `json:"path_to_image"`
}

// CrawlJob describes a single scrape invocation.
type CrawlJob struct {
	ID        string
	BaseURL   string
	PageLimit int
	Proxy     string
}

// ScrapeResult holds the overall result of a crawl job.
type ScrapeResult struct {
	JobID          string
	Products       []Product
	StartTime      time.Time
	EndTime        time.Time
	PageCount      int
	DetailCount    int
	UnchangedCount int
	RequestCount   int
	RetryCount     int
	ErrorCount     int
	FailedURLs     []string
	ErrorsByType   map[string]int
}
