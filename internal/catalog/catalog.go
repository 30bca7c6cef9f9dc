// Package catalog is the client for the external catalog service that
// receives observed prices.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	schemavalidate "github.com/jonathan/price-tracker/internal/schemas"
	"github.com/jonathan/price-tracker/internal/types"
	"github.com/jonathan/price-tracker/schemas"
)

// PricePath is appended to the catalog base URL.
const PricePath = "price/"

// DefaultTimeout bounds one request to the catalog.
const DefaultTimeout = 7 * time.Second

// Info is one price observation in the catalog's wire format.
type Info struct {
	URL       string    `json:"url"`
	Name      string    `json:"name"`
	Price     int       `json:"price"`
	Condition string    `json:"condition"`
	TaxIn     bool      `json:"taxin"`
	OnSale    bool      `json:"on_sale"`
	SaleName  string    `json:"salename"`
	Timestamp time.Time `json:"timestamp"`
	IsSuccess bool      `json:"is_success"`
	StoreName string    `json:"storename"`
}

// PriceUpdate is the request body.
type PriceUpdate struct {
	Infos []Info `json:"infos"`
}

// PriceUpdateResponse is the catalog's reply.
type PriceUpdateResponse struct {
	OK       bool   `json:"ok"`
	ErrorMsg string `json:"error_msg"`
}

// RemoteAPIError reports a failed or rejected catalog call.
type RemoteAPIError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *RemoteAPIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("catalog api error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("catalog api error: %s", e.Message)
}

func (e *RemoteAPIError) Unwrap() error {
	return e.Cause
}

// Client posts price batches to the catalog.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New creates a catalog client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromPriceLogs maps stored price logs to catalog records. Prices are
// always reported tax-inclusive.
func FromPriceLogs(logs []types.PriceLog) []Info {
	infos := make([]Info, 0, len(logs))
	for _, p := range logs {
		infos = append(infos, Info{
			URL:       p.URL,
			Name:      p.Title,
			Price:     p.Price,
			Condition: p.Condition,
			TaxIn:     true,
			OnSale:    p.OnSale,
			SaleName:  p.SaleName,
			Timestamp: p.CreatedAt,
			IsSuccess: p.IsSuccess,
			StoreName: p.ShopName,
		})
	}
	return infos
}

// SendPrices posts infos as one batch. A response with ok=false is returned
// as a *RemoteAPIError carrying the catalog's error message.
func (c *Client) SendPrices(ctx context.Context, infos []Info) error {
	endpoint, err := url.JoinPath(c.baseURL, PricePath)
	if err != nil {
		return &RemoteAPIError{Message: "invalid catalog url", Cause: err}
	}
	body, err := json.Marshal(PriceUpdate{Infos: infos})
	if err != nil {
		return &RemoteAPIError{Message: "failed to encode request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &RemoteAPIError{Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &RemoteAPIError{Message: "request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RemoteAPIError{StatusCode: resp.StatusCode, Message: "failed to read response", Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RemoteAPIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}

	result, err := decodeResponse(data)
	if err != nil {
		return &RemoteAPIError{StatusCode: resp.StatusCode, Message: "unsupported response", Cause: err}
	}
	if !result.OK {
		msg := result.ErrorMsg
		if msg == "" {
			msg = "rejected without message"
		}
		return &RemoteAPIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return nil
}

// decodeResponse accepts an object or a list holding exactly one object.
func decodeResponse(data []byte) (*PriceUpdateResponse, error) {
	if err := schemavalidate.Validate(schemas.CatalogResponse, data); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []PriceUpdateResponse
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return &list[0], nil
	}
	var single PriceUpdateResponse
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return &single, nil
}
