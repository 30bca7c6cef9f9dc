package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/jonathan/price-tracker/internal/logger"
)

// RenderOptions configures headless rendering.
type RenderOptions struct {
	Timeout time.Duration
	// WaitSelector is a CSS selector that must become visible before the
	// HTML is captured. Empty waits for body only.
	WaitSelector string
	// Cookies are set on the site's origin before navigating to the page.
	Cookies []Cookie
}

// WithBrowser renders a page in a headless browser and returns the rendered
// HTML. Requires Chrome/Chromium to be installed on the system.
func WithBrowser(ctx context.Context, pageURL string, opts RenderOptions, log logger.Logger) (string, error) {
	if log == nil {
		log = logger.NewNop()
	}
	parsed, err := ParseURL(pageURL)
	if err != nil {
		return "", err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log.Debug("starting headless browser", logger.String("url", pageURL))

	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, timeout)
	defer cancel()

	var actions []chromedp.Action
	if len(opts.Cookies) > 0 {
		origin := (&url.URL{Scheme: parsed.Scheme, Host: parsed.Host}).String()
		actions = append(actions, chromedp.Navigate(origin))
		for _, c := range opts.Cookies {
			var set string
			actions = append(actions, chromedp.Evaluate(cookieScript(c), &set))
		}
	}

	waitSelector := opts.WaitSelector
	if waitSelector == "" {
		waitSelector = "body"
	}
	var html string
	actions = append(actions,
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible(waitSelector, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html),
	)

	if err := chromedp.Run(browserCtx, actions...); err != nil {
		return "", &Error{URL: pageURL, Message: "browser rendering failed", Cause: err}
	}

	log.Debug("rendered page", logger.String("url", pageURL), logger.Int("bytes", len(html)))
	return html, nil
}

// cookieScript builds a document.cookie assignment for c.
func cookieScript(c Cookie) string {
	path := c.Path
	if path == "" {
		path = "/"
	}
	parts := []string{fmt.Sprintf("%s=%s", c.Name, c.Value), "path=" + path}
	if c.Domain != "" {
		parts = append(parts, "domain="+c.Domain)
	}
	return fmt.Sprintf("document.cookie = %q", strings.Join(parts, "; "))
}
