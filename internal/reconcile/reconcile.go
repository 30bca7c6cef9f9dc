// Package reconcile collapses duplicate listings from one adapter call into
// canonical records and maps them to persistable price logs.
package reconcile

import (
	"github.com/jonathan/price-tracker/internal/types"
)

// listingKey is a RawListing without ShopsWithStock. Two listings with equal
// keys are the same product offer shown in different stock sections.
type listingKey struct {
	Title         string
	Price         int
	Condition     string
	OnSale        bool
	SaleName      string
	IsSuccess     bool
	URL           string
	Sitename      string
	ImageURL      string
	StockMsg      string
	Point         int
	StockQuantity int
	ShopsURL      string
	SubPrice      int
}

func keyOf(l types.RawListing) listingKey {
	return listingKey{
		Title:         l.Title,
		Price:         l.Price,
		Condition:     l.Condition,
		OnSale:        l.OnSale,
		SaleName:      l.SaleName,
		IsSuccess:     l.IsSuccess,
		URL:           l.URL,
		Sitename:      l.Sitename,
		ImageURL:      l.ImageURL,
		StockMsg:      l.StockMsg,
		Point:         l.Point,
		StockQuantity: l.StockQuantity,
		ShopsURL:      l.ShopsURL,
		SubPrice:      l.SubPrice,
	}
}

// Reconcile returns one listing per canonical key in first-seen order.
//
// With inferStock, each duplicate of a listing whose page-provided
// StockQuantity is zero counts as one more unit in stock: the first duplicate
// seeds the count to 1 and then increments, so two copies yield 2. Listings
// with a nonzero page-provided count are never changed.
func Reconcile(listings []types.RawListing, inferStock bool) []types.RawListing {
	if len(listings) == 0 {
		return nil
	}

	out := make([]types.RawListing, 0, len(listings))
	index := make(map[listingKey]int, len(listings))
	// inferring tracks keys whose quantity is being counted from duplicates.
	inferring := make(map[listingKey]bool)

	for _, l := range listings {
		key := keyOf(l)
		pos, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, l)
			continue
		}
		if !inferStock {
			continue
		}
		retained := &out[pos]
		if retained.StockQuantity == types.NoneStockNum && !inferring[key] {
			retained.StockQuantity = 1
			inferring[key] = true
		}
		if inferring[key] {
			retained.StockQuantity++
		}
	}
	return out
}

// ToPriceLogs maps reconciled listings to price log rows. URL and shop are
// carried as natural keys and resolved by the repository on save.
func ToPriceLogs(listings []types.RawListing) []types.PriceLog {
	out := make([]types.PriceLog, 0, len(listings))
	for _, l := range listings {
		out = append(out, types.PriceLog{
			Title:         l.Title,
			Price:         l.Price,
			Condition:     l.Condition,
			OnSale:        l.OnSale,
			SaleName:      l.SaleName,
			IsSuccess:     l.IsSuccess,
			ImageURL:      l.ImageURL,
			StockMsg:      l.StockMsg,
			Point:         l.Point,
			StockQuantity: l.StockQuantity,
			ShopsURL:      l.ShopsURL,
			SubPrice:      l.SubPrice,
			URL:           l.URL,
			ShopName:      l.Sitename,
		})
	}
	return out
}
