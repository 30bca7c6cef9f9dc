// Package types provides the domain types shared across the price tracker.
//
//nolint:revive // types is a standard Go package name pattern
package types

import "time"

// Sentinel values used by site adapters when a field is absent on the page.
const (
	NonePrice    = -1
	NonePoint    = 0
	NoneStockNum = 0
)

// URL is a tracked product page.
type URL struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// Shop is the store a listing was observed at.
type Shop struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// PriceLog is one observed listing occurrence. Rows are never updated.
type PriceLog struct {
	ID            int64     `json:"id"`
	URLID         int64     `json:"url_id"`
	ShopID        int64     `json:"shop_id"`
	Title         string    `json:"title"`
	Price         int       `json:"price"`
	Condition     string    `json:"condition"`
	OnSale        bool      `json:"on_sale"`
	SaleName      string    `json:"salename"`
	IsSuccess     bool      `json:"is_success"`
	ImageURL      string    `json:"image_url"`
	StockMsg      string    `json:"stock_msg"`
	Point         int       `json:"point"`
	StockQuantity int       `json:"stock_quantity"`
	ShopsURL      string    `json:"shops_url"`
	SubPrice      int       `json:"sub_price"`
	CreatedAt     time.Time `json:"created_at"`

	// Natural keys. On write they resolve URLID/ShopID by lookup; on read
	// they are filled from the joined rows.
	URL      string `json:"url"`
	ShopName string `json:"shop_name"`
}

// PriceLogFilter selects price logs by url string and created_at range (inclusive).
type PriceLogFilter struct {
	URL   string
	Start *time.Time
	End   *time.Time
}

// Matches reports whether p satisfies the filter.
func (f PriceLogFilter) Matches(p *PriceLog) bool {
	if f.URL != "" && p.URL != f.URL {
		return false
	}
	if f.Start != nil && p.CreatedAt.Before(*f.Start) {
		return false
	}
	if f.End != nil && p.CreatedAt.After(*f.End) {
		return false
	}
	return true
}

// URLNotification marks a URL as part of the currently tracked set.
type URLNotification struct {
	ID       int64 `json:"id"`
	URLID    int64 `json:"url_id"`
	IsActive bool  `json:"is_active"`
}

// URLUpdateParameter overrides adapter selection for one URL.
type URLUpdateParameter struct {
	ID       int64          `json:"id"`
	URLID    int64          `json:"url_id"`
	Sitename string         `json:"sitename"`
	Options  map[string]any `json:"options"`
}

// RawListing is unreconciled adapter output for one listing on a page.
type RawListing struct {
	Title         string `json:"title"`
	Price         int    `json:"price"`
	Condition     string `json:"condition"`
	OnSale        bool   `json:"on_sale"`
	SaleName      string `json:"salename"`
	IsSuccess     bool   `json:"is_success"`
	URL           string `json:"url"`
	Sitename      string `json:"sitename"`
	ImageURL      string `json:"image_url"`
	StockMsg      string `json:"stock_msg"`
	Point         int    `json:"point"`
	StockQuantity int    `json:"stock_quantity"`
	ShopsURL      string `json:"shops_url"`
	SubPrice      int    `json:"sub_price"`

	// ShopsWithStock is display text that differs between duplicate entries
	// of the same listing. It is never part of a listing's identity.
	ShopsWithStock string `json:"shops_with_stock"`
}

// NewRawListing returns a listing with the "absent" sentinels set.
func NewRawListing() RawListing {
	return RawListing{
		Price:         NonePrice,
		Point:         NonePoint,
		StockQuantity: NoneStockNum,
		SubPrice:      NonePrice,
	}
}
