// Package searchapi delegates scraping to an external search service that
// accepts {url, sitename, options} and answers with extracted listings.
package searchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jonathan/price-tracker/internal/logger"
	schemavalidate "github.com/jonathan/price-tracker/internal/schemas"
	"github.com/jonathan/price-tracker/internal/sites"
	"github.com/jonathan/price-tracker/internal/types"
	"github.com/jonathan/price-tracker/schemas"
)

// SearchPath is appended to the service base URL.
const SearchPath = "search/"

// DefaultTimeout bounds one search request.
const DefaultTimeout = 15 * time.Second

// Request is the body posted to the search service.
type Request struct {
	URL           string         `json:"url"`
	SearchKeyword *string        `json:"search_keyword"`
	Sitename      string         `json:"sitename"`
	Options       map[string]any `json:"options"`
}

// Result is one listing returned by the search service.
type Result struct {
	Title          *string        `json:"title"`
	Price          *int           `json:"price"`
	TaxIn          bool           `json:"taxin"`
	Condition      *string        `json:"condition"`
	OnSale         bool           `json:"on_sale"`
	SaleName       *string        `json:"salename"`
	IsSuccess      bool           `json:"is_success"`
	URL            *string        `json:"url"`
	Sitename       *string        `json:"sitename"`
	ImageURL       *string        `json:"image_url"`
	StockMsg       *string        `json:"stock_msg"`
	StockQuantity  *int           `json:"stock_quantity"`
	SubURLs        []string       `json:"sub_urls"`
	ShopsWithStock *string        `json:"shops_with_stock"`
	Others         map[string]any `json:"others"`
}

// Response is the search service reply.
type Response struct {
	Results  []Result `json:"results"`
	ErrorMsg string   `json:"error_msg"`
}

// Adapter sends pages for one sitename to the search service.
type Adapter struct {
	name    string
	hosts   sites.HostSet
	baseURL string
	client  *http.Client
	log     logger.Logger
}

// Config configures an Adapter.
type Config struct {
	// Sitename is both the adapter name and the sitename sent to the service.
	Sitename string
	// Hosts is the static domain table. Empty means the adapter is only
	// reachable through a per-URL override.
	Hosts   []string
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
	Logger  logger.Logger
}

// New creates a search service adapter.
func New(cfg Config) *Adapter {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Adapter{
		name:    cfg.Sitename,
		hosts:   sites.NewHostSet(cfg.Hosts...),
		baseURL: cfg.BaseURL,
		client:  client,
		log:     log,
	}
}

// Name implements sites.Adapter.
func (a *Adapter) Name() string { return a.name }

// Matches implements sites.Adapter.
func (a *Adapter) Matches(u *url.URL) bool { return a.hosts.Contains(u) }

// Scrape posts rawURL to the search service and converts its results.
func (a *Adapter) Scrape(ctx context.Context, rawURL string, opts sites.Options) ([]types.RawListing, error) {
	endpoint, err := url.JoinPath(a.baseURL, SearchPath)
	if err != nil {
		return nil, a.fail(rawURL, "invalid search api url", err)
	}

	options := map[string]any(opts)
	if options == nil {
		options = map[string]any{}
	}
	body, err := json.Marshal(Request{URL: rawURL, Sitename: a.name, Options: options})
	if err != nil {
		return nil, a.fail(rawURL, "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, a.fail(rawURL, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, a.fail(rawURL, "failed to call search api", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, a.fail(rawURL, "failed to read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, a.fail(rawURL, fmt.Sprintf("search api returned HTTP %d", resp.StatusCode), nil)
	}
	if err := schemavalidate.Validate(schemas.SearchResponse, data); err != nil {
		return nil, a.fail(rawURL, "invalid response", err)
	}

	var parsed Response
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, a.fail(rawURL, "failed to decode response", err)
	}
	if parsed.ErrorMsg != "" {
		return nil, a.fail(rawURL, parsed.ErrorMsg, nil)
	}

	listings := make([]types.RawListing, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		listings = append(listings, a.toListing(r, rawURL))
	}
	a.log.Debug("search api returned listings",
		logger.String("url", rawURL),
		logger.String("sitename", a.name),
		logger.Int("listings", len(listings)))
	return listings, nil
}

func (a *Adapter) fail(rawURL, msg string, cause error) error {
	return &sites.AdapterError{Adapter: a.name, URL: rawURL, Message: msg, Cause: cause}
}

func (a *Adapter) toListing(r Result, rawURL string) types.RawListing {
	l := types.NewRawListing()
	l.Title = deref(r.Title)
	if r.Price != nil {
		l.Price = *r.Price
	}
	l.Condition = deref(r.Condition)
	l.OnSale = r.OnSale
	l.SaleName = deref(r.SaleName)
	l.IsSuccess = r.IsSuccess
	l.URL = deref(r.URL)
	if l.URL == "" {
		l.URL = rawURL
	}
	l.Sitename = deref(r.Sitename)
	if l.Sitename == "" {
		l.Sitename = a.name
	}
	l.ImageURL = deref(r.ImageURL)
	l.StockMsg = deref(r.StockMsg)
	if r.StockQuantity != nil {
		l.StockQuantity = *r.StockQuantity
	}
	l.ShopsWithStock = deref(r.ShopsWithStock)
	if len(r.SubURLs) > 0 {
		l.ShopsURL = r.SubURLs[0]
	}
	if n, ok := intValue(r.Others["point"]); ok && n != 0 {
		l.Point = n
	}
	if n, ok := intValue(r.Others["sub_price"]); ok && n != 0 {
		l.SubPrice = n
	}
	return l
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// intValue accepts the float64 that encoding/json produces for numbers.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
