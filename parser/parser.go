package parser

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-shop/models"
)

// Fields reported by ParseError.
const (
	FieldTitle = "title"
	FieldPrice = "price"
	FieldImage = "image"
	FieldLink  = "link"
)

var (
	// ErrMissingNode is wrapped by ParseError when a required node is absent.
	ErrMissingNode = errors.New("required node not found")
	// ErrInvalidPrice is wrapped by ParseError when price text has no number in it.
	ErrInvalidPrice = errors.New("no numeric price")
)

// ParseError reports a required field that could not be extracted for one product.
type ParseError struct {
	Field string
	Err   error
}

func (e ParseError) Error() string {
	return fmt.Errorf("parse %s: %w", e.Field, e.Err).Error()
}

func (e ParseError) Unwrap() error {
	return e.Err
}

// priceRegex matches the first grouped decimal in a price label like "₹1,299.00".
var priceRegex = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// ParsePrice strips currency symbols and comma grouping and returns the decimal value.
func ParsePrice(text string) (float64, error) {
	found := priceRegex.FindString(text)
	if found == "" {
		return 0, ErrInvalidPrice
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(found, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", found, err)
	}
	return value, nil
}

// NormalizeImageURL turns protocol-relative, scheme-less and relative image
// references into absolute URLs. Scheme-less references default to https.
func NormalizeImageURL(raw string, base *url.URL) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingNode
	}

	switch {
	case strings.HasPrefix(raw, "//"):
		raw = "https:" + raw
	case strings.HasPrefix(raw, "/"), strings.HasPrefix(raw, "."):
		// site-relative, resolved below
	case !strings.Contains(raw, "://") && looksLikeHost(raw):
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid image url %q: %w", raw, err)
	}
	if !parsed.IsAbs() {
		if base == nil {
			return "", fmt.Errorf("relative image url %q without base", raw)
		}
		parsed = base.ResolveReference(parsed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported image url scheme %q", parsed.Scheme)
	}
	return parsed.String(), nil
}

// looksLikeHost reports whether the first path segment reads as a hostname,
// e.g. "cdn.example.com/x.jpg" as opposed to "images/x.jpg".
func looksLikeHost(ref string) bool {
	first := ref
	if i := strings.IndexAny(ref, "/?#"); i >= 0 {
		first = ref[:i]
	}
	if i := strings.LastIndex(first, "."); i <= 0 || i == len(first)-1 {
		return false
	}
	// a bare filename like "photo.jpg" has no slash after it
	return strings.Contains(ref, "/")
}

// ValidateProduct ensures a product carries the fields the stores rely on.
func ValidateProduct(p *models.Product) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("product missing title")
	}
	if p.Price < 0 || math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
		return fmt.Errorf("product %s has invalid price %v", p.Title, p.Price)
	}
	return nil
}
