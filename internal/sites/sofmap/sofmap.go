// Package sofmap extracts listings from sofmap.com product and search pages.
package sofmap

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonathan/price-tracker/internal/fetch"
	"github.com/jonathan/price-tracker/internal/logger"
	"github.com/jonathan/price-tracker/internal/sites"
	"github.com/jonathan/price-tracker/internal/types"
)

// Name is the adapter and default shop name.
const Name = "sofmap"

// AkibaName is the shop name used for pages served by the Akiba store.
const AkibaName = "akiba sofmap"

// Supported hosts.
const (
	Host      = "www.sofmap.com"
	AkibaHost = "a.sofmap.com"
)

// Option keys understood by Scrape.
const (
	// OptUseBrowser renders the page in headless Chrome instead of a plain GET.
	OptUseBrowser = "use_browser"
	// OptUsedOnly sets the Akiba "used items only" cookie.
	OptUsedOnly = "ucaa"
)

// listWaitSelector is visible once the product list has rendered.
const listWaitSelector = ".product_list.flexcartbtn.ftbtn"

// soldOutMsg marks a listing whose limited stock has run out.
const soldOutMsg = "限定数終了"

var (
	nonDigits   = regexp.MustCompile(`\D`)
	usedRankRe  = regexp.MustCompile(`usedrank_([A-Z])\.svg`)
	defaultHost = sites.NewHostSet(Host, AkibaHost)
)

// RenderFunc renders a page in a browser and returns its HTML.
type RenderFunc func(ctx context.Context, pageURL string, opts fetch.RenderOptions, log logger.Logger) (string, error)

// Adapter scrapes sofmap pages.
type Adapter struct {
	client  *http.Client
	render  RenderFunc
	timeout time.Duration
	log     logger.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient sets the client used for plain fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithRenderer replaces the headless browser renderer.
func WithRenderer(r RenderFunc) Option {
	return func(a *Adapter) { a.render = r }
}

// WithTimeout sets the fetch and render timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// New creates a sofmap adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		render:  fetch.WithBrowser,
		timeout: fetch.DefaultTimeout,
		log:     logger.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements sites.Adapter.
func (a *Adapter) Name() string { return Name }

// Matches implements sites.Adapter.
func (a *Adapter) Matches(u *url.URL) bool { return defaultHost.Contains(u) }

// Scrape fetches rawURL and parses every listing on it.
func (a *Adapter) Scrape(ctx context.Context, rawURL string, opts sites.Options) ([]types.RawListing, error) {
	u, err := fetch.ParseURL(rawURL)
	if err != nil {
		return nil, &sites.AdapterError{Adapter: Name, URL: rawURL, Message: "invalid url", Cause: err}
	}
	cookies := cookiesFor(u, opts.Bool(OptUsedOnly))

	var html string
	if opts.Bool(OptUseBrowser) {
		html, err = a.render(ctx, rawURL, fetch.RenderOptions{
			Timeout:      a.timeout,
			WaitSelector: listWaitSelector,
			Cookies:      cookies,
		}, a.log)
	} else {
		var res *fetch.Result
		res, err = fetch.URL(ctx, rawURL, &fetch.Options{
			Timeout: a.timeout,
			Cookies: cookies,
			Client:  a.client,
		})
		if res != nil {
			html = res.HTML
		}
	}
	if err != nil {
		return nil, &sites.AdapterError{Adapter: Name, URL: rawURL, Message: "download failed", Cause: err}
	}

	listings, err := Parse(html, rawURL)
	if err != nil {
		return nil, &sites.AdapterError{Adapter: Name, URL: rawURL, Message: "parse failed", Cause: err}
	}
	a.log.Debug("parsed sofmap page", logger.String("url", rawURL), logger.Int("listings", len(listings)))
	return listings, nil
}

// cookiesFor returns the cookies the Akiba store needs for used-only listings.
func cookiesFor(u *url.URL, usedOnly bool) []fetch.Cookie {
	if !usedOnly || !strings.EqualFold(u.Host, AkibaHost) {
		return nil
	}
	return []fetch.Cookie{{Name: "UCAA", Value: "on", Domain: AkibaHost, Path: "/"}}
}

// Parse extracts listings from a sofmap page. A page without a product list
// yields no listings and no error.
func Parse(html, pageURL string) ([]types.RawListing, error) {
	doc, err := fetch.Document(html)
	if err != nil {
		return nil, err
	}
	items := doc.Find("#change_style_list li")
	if items.Length() == 0 {
		return nil, nil
	}

	sitename := sitenameOf(doc)
	listings := make([]types.RawListing, 0, items.Length())
	items.Each(func(_ int, item *goquery.Selection) {
		l := types.NewRawListing()
		l.URL = pageURL
		l.Sitename = sitename
		l.ImageURL = imageURL(item)
		l.Title = fetch.CleanText(item.Find("a.product_name").First().Text())
		l.Price = intOr(item.Find("span.price").First(), types.NonePrice)
		l.StockMsg = fetch.CleanText(item.Find(".stock_review-box").First().Text())
		l.IsSuccess = !strings.Contains(l.StockMsg, soldOutMsg)
		l.Point = intOr(item.Find(".point").First(), types.NonePoint)
		l.Condition = condition(item)
		l.ShopsURL, l.StockQuantity, l.SubPrice = stock(item)
		listings = append(listings, l)
	})
	return listings, nil
}

func sitenameOf(doc *goquery.Document) string {
	title := doc.Find("title").First()
	if title.Length() == 0 {
		return Name
	}
	parts := strings.Split(title.Text(), "｜")
	if strings.Contains(parts[len(parts)-1], "アキバ") {
		return AkibaName
	}
	return Name
}

// imageURL prefers the second image when the thumbnail link holds several.
func imageURL(item *goquery.Selection) string {
	imgs := item.Find("a.itemimg img")
	switch imgs.Length() {
	case 0:
		return ""
	case 1:
		return imgs.AttrOr("src", "")
	default:
		return imgs.Eq(1).AttrOr("src", "")
	}
}

func condition(item *goquery.Selection) string {
	tag := item.Find(".ic.item-type.used").First()
	if tag.Length() == 0 {
		return ""
	}
	cond := fetch.CleanText(tag.Text())
	src, ok := item.Find("img.ic.usedrank").First().Attr("src")
	if !ok {
		return cond
	}
	if m := usedRankRe.FindStringSubmatch(src); m != nil {
		return "Rank" + m[1]
	}
	return cond
}

// stock reads the used-stock link: shops url, quantity and the used price.
func stock(item *goquery.Selection) (string, int, int) {
	link := item.Find(".used_box.txt a").First()
	if link.Length() == 0 {
		return "", types.NoneStockNum, types.NonePrice
	}
	shopsURL := link.AttrOr("href", "")

	quantity, ok := digits(firstText(link))
	if !ok {
		return shopsURL, types.NoneStockNum, types.NonePrice
	}
	subPrice, ok := digits(link.Find(".price-txt").First().Text())
	if !ok {
		return shopsURL, quantity, types.NonePrice
	}
	return shopsURL, quantity, subPrice
}

// firstText returns the first non-empty text node under sel.
func firstText(sel *goquery.Selection) string {
	var text string
	var walk func(*goquery.Selection) bool
	walk = func(s *goquery.Selection) bool {
		found := false
		s.Contents().EachWithBreak(func(_ int, c *goquery.Selection) bool {
			if goquery.NodeName(c) == "#text" {
				if t := strings.TrimSpace(c.Text()); t != "" {
					text = t
					found = true
					return false
				}
				return true
			}
			if walk(c) {
				found = true
				return false
			}
			return true
		})
		return found
	}
	walk(sel)
	return text
}

func intOr(sel *goquery.Selection, fallback int) int {
	if sel.Length() == 0 {
		return fallback
	}
	n, ok := digits(sel.Text())
	if !ok {
		return fallback
	}
	return n
}

// digits keeps only the ASCII digits of s and parses them.
func digits(s string) (int, bool) {
	d := nonDigits.ReplaceAllString(s, "")
	if d == "" {
		return 0, false
	}
	n, err := strconv.Atoi(d)
	if err != nil {
		return 0, false
	}
	return n, true
}
