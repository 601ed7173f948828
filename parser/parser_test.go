package parser

import (
	"errors"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"github.com/aluiziolira/go-scrape-shop/models"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %q: %v", raw, err)
	}
	return u
}

func TestValidateProduct(t *testing.T) {
	tests := []struct {
		name    string
		product *models.Product
		wantErr bool
	}{
		{
			name:    "valid product",
			product: &models.Product{Title: "Dental Mirror", Price: 100, ImagePath: "images/Dental_Mirror.jpg"},
			wantErr: false,
		},
		{
			name:    "free product",
			product: &models.Product{Title: "Sample", Price: 0},
			wantErr: false,
		},
		{
			name:    "missing title",
			product: &models.Product{Title: "  ", Price: 10},
			wantErr: true,
		},
		{
			name:    "negative price",
			product: &models.Product{Title: "Broken", Price: -1},
			wantErr: true,
		},
		{
			name:    "nil product",
			product: nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProduct(tt.product)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateProduct() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected float64
		wantErr  bool
	}{
		{name: "rupee prefix", input: "₹100", expected: 100},
		{name: "comma grouping", input: "₹1,299.00", expected: 1299},
		{name: "mojibake prefix", input: "â‚¹2,550.50", expected: 2550.50},
		{name: "whitespace", input: "  ₹ 45.75  ", expected: 45.75},
		{name: "plain", input: "25.99", expected: 25.99},
		{name: "empty", input: "", wantErr: true},
		{name: "no digits", input: "Call for price", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePrice(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePrice(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePrice(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ParsePrice(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalizeImageURL(t *testing.T) {
	base := mustURL(t, "https://shop.example.com/product/mirror/")

	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "protocol relative", input: "//cdn.example.com/x.jpg", expected: "https://cdn.example.com/x.jpg"},
		{name: "scheme-less host", input: "cdn.example.com/img/x.png", expected: "https://cdn.example.com/img/x.png"},
		{name: "absolute https", input: "https://cdn.example.com/x.jpg", expected: "https://cdn.example.com/x.jpg"},
		{name: "absolute http kept", input: "http://cdn.example.com/x.jpg", expected: "http://cdn.example.com/x.jpg"},
		{name: "site relative", input: "/wp-content/uploads/x.jpg", expected: "https://shop.example.com/wp-content/uploads/x.jpg"},
		{name: "path relative", input: "images/x.jpg", expected: "https://shop.example.com/product/mirror/images/x.jpg"},
		{name: "empty", input: "", wantErr: true},
		{name: "unsupported scheme", input: "ftp://cdn.example.com/x.jpg", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeImageURL(tt.input, base)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeImageURL(%q) expected error, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeImageURL(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("NormalizeImageURL(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseListing(t *testing.T) {
	html := `<html><body><ul class="products">
		<li><div class="product-inner"><a href="https://shop.example.com/product/a/"><img src="a.jpg"></a></div></li>
		<li><div class="product-inner"><span>no link here</span></div></li>
		<li><div class="product-inner"><a>anchor without href</a><a href="/product/b/">B</a></div></li>
		<li><div class="product-inner"><a href="#">fragment only</a></div></li>
	</ul></body></html>`

	links, err := ParseListing(strings.NewReader(html), mustURL(t, "https://shop.example.com/shop/page/1/"))
	if err != nil {
		t.Fatalf("ParseListing: %v", err)
	}

	want := []string{
		"https://shop.example.com/product/a/",
		"https://shop.example.com/product/b/",
	}
	if !reflect.DeepEqual(links, want) {
		t.Fatalf("links = %v, want %v", links, want)
	}
}

func TestParseListingEmptyPage(t *testing.T) {
	links, err := ParseListing(strings.NewReader(`<html><body><p class="woocommerce-info">No products were found.</p></body></html>`), nil)
	if err != nil {
		t.Fatalf("ParseListing: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("links = %v, want none", links)
	}
}

func TestParseDetail(t *testing.T) {
	base := mustURL(t, "https://shop.example.com/product/mirror/")

	tests := []struct {
		name      string
		html      string
		want      *Detail
		wantField string
	}{
		{
			name: "sale price preferred over regular",
			html: `<div class="summary"><h1 class="product_title entry-title">Mouth Mirror</h1>
				<p class="price"><del><span class="woocommerce-Price-amount amount"><bdi>₹1,500.00</bdi></span></del>
				<ins><span class="woocommerce-Price-amount amount"><bdi>₹1,299.00</bdi></span></ins></p></div>
				<img class="wp-post-image" src="https://cdn.example.com/mirror.jpg">`,
			want: &Detail{Title: "Mouth Mirror", Price: 1299, ImageURL: "https://cdn.example.com/mirror.jpg"},
		},
		{
			name: "single generic price",
			html: `<h1 class="product_title entry-title">Probe</h1>
				<p class="price"><span class="woocommerce-Price-amount amount"><bdi>₹100</bdi></span></p>
				<img class="wp-post-image" src="//cdn.example.com/probe.jpg">`,
			want: &Detail{Title: "Probe", Price: 100, ImageURL: "https://cdn.example.com/probe.jpg"},
		},
		{
			name: "summary price wins over mini cart",
			html: `<div class="header-cart"><span class="woocommerce-Price-amount amount"><bdi>₹0.00</bdi></span></div>
				<div class="summary"><h1 class="product_title">Forceps</h1>
				<p class="price"><span class="woocommerce-Price-amount amount"><bdi>₹450.00</bdi></span></p></div>
				<img class="wp-post-image" src="/uploads/forceps.png">`,
			want: &Detail{Title: "Forceps", Price: 450, ImageURL: "https://shop.example.com/uploads/forceps.png"},
		},
		{
			name: "lazy image attribute preferred",
			html: `<h1 class="product_title">Scaler</h1><bdi>₹200</bdi>
				<img class="wp-post-image" src="data:image/gif;base64,R0lGOD" data-src="https://cdn.example.com/scaler.webp">`,
			want: &Detail{Title: "Scaler", Price: 200, ImageURL: "https://cdn.example.com/scaler.webp"},
		},
		{
			name:      "missing title",
			html:      `<p class="price"><bdi>₹10</bdi></p><img class="wp-post-image" src="x.jpg">`,
			wantField: FieldTitle,
		},
		{
			name:      "missing price",
			html:      `<h1 class="product_title">Gloves</h1><img class="wp-post-image" src="x.jpg">`,
			wantField: FieldPrice,
		},
		{
			name:      "non numeric price",
			html:      `<h1 class="product_title">Gloves</h1><bdi>Out of stock</bdi><img class="wp-post-image" src="x.jpg">`,
			wantField: FieldPrice,
		},
		{
			name:      "missing image",
			html:      `<h1 class="product_title">Gloves</h1><bdi>₹10</bdi>`,
			wantField: FieldImage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDetail(strings.NewReader(tt.html), base)
			if tt.wantField != "" {
				var parseErr ParseError
				if !errors.As(err, &parseErr) {
					t.Fatalf("expected ParseError, got %v", err)
				}
				if parseErr.Field != tt.wantField {
					t.Fatalf("field = %q, want %q", parseErr.Field, tt.wantField)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDetail: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("detail = %+v, want %+v", got, tt.want)
			}
		})
	}
}
