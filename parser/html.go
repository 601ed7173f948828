// Package parser extracts catalog links and product fields from storefront HTML.
package parser

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	productCardSelector = "div.product-inner"
	titleSelector       = "h1.product_title"
	productImgSelector  = "img.wp-post-image"
	amountSelector      = ".woocommerce-Price-amount"
)

// lazy-load attributes come before the direct source
var imageAttrs = []string{"data-src", "data-lazy-src", "src"}

// Detail holds the fields read from a product detail page.
type Detail struct {
	Title    string
	Price    float64
	ImageURL string
}

// ParseListing returns the detail-page links of every product card on a
// listing page, in document order. Cards without a resolvable link are skipped.
func ParseListing(r io.Reader, base *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("read listing html: %w", err)
	}

	var links []string
	doc.Find(productCardSelector).Each(func(_ int, card *goquery.Selection) {
		href, ok := card.Find("a[href]").First().Attr("href")
		if !ok {
			return
		}
		link, err := resolveLink(href, base)
		if err != nil {
			return
		}
		links = append(links, link)
	})
	return links, nil
}

// ParseDetail extracts title, price and image URL from a product page. A
// missing or unusable field yields a ParseError naming it.
func ParseDetail(r io.Reader, base *url.URL) (*Detail, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("read detail html: %w", err)
	}

	title := strings.TrimSpace(doc.Find(titleSelector).First().Text())
	if title == "" {
		return nil, ParseError{Field: FieldTitle, Err: ErrMissingNode}
	}

	priceText := selectPriceText(doc)
	if priceText == "" {
		return nil, ParseError{Field: FieldPrice, Err: ErrMissingNode}
	}
	price, err := ParsePrice(priceText)
	if err != nil {
		return nil, ParseError{Field: FieldPrice, Err: err}
	}

	rawImage := selectImageSource(doc.Find(productImgSelector).First())
	if rawImage == "" {
		return nil, ParseError{Field: FieldImage, Err: ErrMissingNode}
	}
	imageURL, err := NormalizeImageURL(rawImage, base)
	if err != nil {
		return nil, ParseError{Field: FieldImage, Err: err}
	}

	return &Detail{Title: title, Price: price, ImageURL: imageURL}, nil
}

// selectPriceText prefers the sale amount, then the regular amount, then the
// first generic amount node. The product summary is searched before the whole
// page so header widgets such as the mini cart do not win.
func selectPriceText(doc *goquery.Document) string {
	scopes := []*goquery.Selection{doc.Find(".summary").First(), doc.Selection}
	for _, scope := range scopes {
		if scope.Length() == 0 {
			continue
		}
		candidates := []string{
			"p.price ins " + amountSelector,
			"p.price del " + amountSelector,
			amountSelector,
			"bdi",
		}
		for _, sel := range candidates {
			if text := strings.TrimSpace(scope.Find(sel).First().Text()); text != "" {
				return text
			}
		}
	}
	return ""
}

func selectImageSource(img *goquery.Selection) string {
	if img.Length() == 0 {
		return ""
	}
	for _, attr := range imageAttrs {
		value, ok := img.Attr(attr)
		value = strings.TrimSpace(value)
		if !ok || value == "" || strings.HasPrefix(value, "data:") {
			continue
		}
		return value
	}
	return ""
}

func resolveLink(href string, base *url.URL) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return "", ParseError{Field: FieldLink, Err: ErrMissingNode}
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return "", ParseError{Field: FieldLink, Err: err}
	}
	if !parsed.IsAbs() {
		if base == nil {
			return "", ParseError{Field: FieldLink, Err: fmt.Errorf("relative link %q without base", href)}
		}
		parsed = base.ResolveReference(parsed)
	}
	return parsed.String(), nil
}
