package sofmap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/price-tracker/internal/fetch"
	"github.com/jonathan/price-tracker/internal/logger"
	"github.com/jonathan/price-tracker/internal/sites"
	"github.com/jonathan/price-tracker/internal/types"
)

const pageURL = "https://a.sofmap.com/search_result.aspx?keyword=rtx"

func loadFixture(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "akiba_search.html"))
	require.NoError(t, err)
	return string(data)
}

func TestParse_Fixture(t *testing.T) {
	listings, err := Parse(loadFixture(t), pageURL)
	require.NoError(t, err)
	require.Len(t, listings, 3)

	first := listings[0]
	assert.Equal(t, "GeForce RTX 4070      12GB", first.Title)
	assert.Equal(t, 89800, first.Price)
	assert.Equal(t, 898, first.Point)
	assert.Equal(t, "RankB", first.Condition)
	assert.Equal(t, "在庫あり", first.StockMsg)
	assert.True(t, first.IsSuccess)
	assert.Equal(t, "/images/100.jpg", first.ImageURL)
	assert.Equal(t, "/used_shops.aspx?sku=100", first.ShopsURL)
	assert.Equal(t, 3, first.StockQuantity)
	assert.Equal(t, 84800, first.SubPrice)
	assert.Equal(t, AkibaName, first.Sitename)
	assert.Equal(t, pageURL, first.URL)

	second := listings[1]
	assert.Equal(t, "中古", second.Condition)
	assert.False(t, second.IsSuccess)
	assert.Equal(t, "/images/200.jpg", second.ImageURL)
	assert.Equal(t, types.NonePoint, second.Point)
	assert.Equal(t, types.NoneStockNum, second.StockQuantity)
	assert.Equal(t, types.NonePrice, second.SubPrice)
	assert.Equal(t, "", second.ShopsURL)

	third := listings[2]
	assert.Equal(t, types.NonePrice, third.Price)
	assert.Equal(t, "", third.Condition)
	assert.Equal(t, "", third.ImageURL)
	assert.Equal(t, "/used_shops.aspx?sku=300", third.ShopsURL)
	assert.Equal(t, types.NoneStockNum, third.StockQuantity)
	assert.True(t, third.IsSuccess)
}

func TestParse_NoProductList(t *testing.T) {
	listings, err := Parse(`<html><head><title>x</title></head><body><p>maintenance</p></body></html>`, pageURL)
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestParse_Sitename(t *testing.T) {
	page := func(title string) string {
		return `<html><head><title>` + title + `</title></head><body><ul id="change_style_list"><li><a class="product_name">x</a></li></ul></body></html>`
	}
	tests := []struct {
		title string
		want  string
	}{
		{"商品｜ソフマップ[sofmap]", Name},
		{"商品｜アキバ☆ソフマップ[sofmap]", AkibaName},
		{"アキバ特集｜ソフマップ[sofmap]", Name},
	}
	for _, tt := range tests {
		listings, err := Parse(page(tt.title), pageURL)
		require.NoError(t, err)
		require.Len(t, listings, 1)
		assert.Equal(t, tt.want, listings[0].Sitename, tt.title)
	}

	listings, err := Parse(`<ul id="change_style_list"><li></li></ul>`, pageURL)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, Name, listings[0].Sitename)
}

func TestAdapter_Matches(t *testing.T) {
	a := New()
	for raw, want := range map[string]bool{
		"https://www.sofmap.com/product_detail.aspx?sku=1": true,
		"https://a.sofmap.com/product_detail.aspx?sku=1":   true,
		"https://sofmap.com/":                              false,
		"https://iosys.co.jp/items/1":                      false,
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, want, a.Matches(u), raw)
	}
	assert.Equal(t, Name, a.Name())
}

func TestAdapter_ScrapeOverHTTP(t *testing.T) {
	html := loadFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(html))
	}))
	defer server.Close()

	a := New(WithHTTPClient(server.Client()))
	listings, err := a.Scrape(context.Background(), server.URL+"/search", sites.Options{})
	require.NoError(t, err)
	require.Len(t, listings, 3)
	assert.Equal(t, server.URL+"/search", listings[0].URL)
}

func TestAdapter_ScrapeHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := New().Scrape(context.Background(), server.URL, nil)
	var adapterErr *sites.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, Name, adapterErr.Adapter)

	var fetchErr *fetch.Error
	assert.ErrorAs(t, err, &fetchErr)
}

func TestAdapter_ScrapeWithBrowser(t *testing.T) {
	var gotOpts fetch.RenderOptions
	render := func(_ context.Context, pageURL string, opts fetch.RenderOptions, _ logger.Logger) (string, error) {
		gotOpts = opts
		return loadFixture(t), nil
	}

	a := New(WithRenderer(render))
	listings, err := a.Scrape(context.Background(), pageURL, sites.Options{OptUseBrowser: true, OptUsedOnly: true})
	require.NoError(t, err)
	assert.Len(t, listings, 3)
	assert.Equal(t, listWaitSelector, gotOpts.WaitSelector)
	require.Len(t, gotOpts.Cookies, 1)
	assert.Equal(t, "UCAA", gotOpts.Cookies[0].Name)
}

func TestAdapter_ScrapeRenderFailure(t *testing.T) {
	boom := errors.New("chrome not found")
	render := func(context.Context, string, fetch.RenderOptions, logger.Logger) (string, error) {
		return "", boom
	}
	_, err := New(WithRenderer(render)).Scrape(context.Background(), pageURL, sites.Options{OptUseBrowser: true})
	assert.ErrorIs(t, err, boom)
}

func TestCookiesFor(t *testing.T) {
	akiba, _ := url.Parse("https://a.sofmap.com/x")
	main, _ := url.Parse("https://www.sofmap.com/x")

	assert.Len(t, cookiesFor(akiba, true), 1)
	assert.Empty(t, cookiesFor(akiba, false))
	assert.Empty(t, cookiesFor(main, true))
}
