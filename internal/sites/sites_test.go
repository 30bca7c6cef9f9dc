package sites

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/price-tracker/internal/types"
)

type stubAdapter struct {
	name  string
	hosts HostSet
}

func (s stubAdapter) Name() string            { return s.name }
func (s stubAdapter) Matches(u *url.URL) bool { return s.hosts.Contains(u) }
func (s stubAdapter) Scrape(context.Context, string, Options) ([]types.RawListing, error) {
	return nil, nil
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newTestRegistry() *Registry {
	return NewRegistry(
		stubAdapter{name: "sofmap", hosts: NewHostSet("www.sofmap.com", "a.sofmap.com")},
		stubAdapter{name: "geo", hosts: NewHostSet("ec.geo-online.co.jp")},
		stubAdapter{name: "gemini"},
	)
}

func TestOptions_Merge(t *testing.T) {
	base := Options{"a": 1, "b": true}
	merged := base.Merge(Options{"b": false, "c": "x"})

	assert.Equal(t, Options{"a": 1, "b": false, "c": "x"}, merged)
	assert.Equal(t, Options{"a": 1, "b": true}, base, "receiver is not modified")
	assert.NotNil(t, Options(nil).Merge(nil))
}

func TestOptions_Accessors(t *testing.T) {
	o := Options{"use_browser": true, "mode": "direct", "n": 1}
	assert.True(t, o.Bool("use_browser"))
	assert.False(t, o.Bool("mode"))
	assert.False(t, o.Bool("missing"))
	assert.Equal(t, "direct", o.String("mode"))
	assert.Equal(t, "", o.String("n"))
}

func TestHostSet_ExactMatch(t *testing.T) {
	s := NewHostSet("www.sofmap.com")
	assert.True(t, s.Contains(mustParse(t, "https://www.sofmap.com/product_detail.aspx?sku=1")))
	assert.True(t, s.Contains(mustParse(t, "https://WWW.SOFMAP.COM/")))
	assert.False(t, s.Contains(mustParse(t, "https://sofmap.com/")))
	assert.False(t, s.Contains(mustParse(t, "https://www.sofmap.com.evil.example/")))
	assert.False(t, s.Contains(nil))
}

func TestRegistry_LookupAndNames(t *testing.T) {
	r := newTestRegistry()
	a, ok := r.Lookup("geo")
	require.True(t, ok)
	assert.Equal(t, "geo", a.Name())

	_, ok = r.Lookup("iosys")
	assert.False(t, ok)
	assert.Equal(t, []string{"gemini", "geo", "sofmap"}, r.Names())
}

func TestRegistry_RegisterReplacesByName(t *testing.T) {
	r := newTestRegistry()
	r.Register(stubAdapter{name: "geo", hosts: NewHostSet("geo.example")})

	assert.Len(t, r.Names(), 3)
	a, ok := r.ForURL(mustParse(t, "https://geo.example/item"))
	require.True(t, ok)
	assert.Equal(t, "geo", a.Name())
	_, ok = r.ForURL(mustParse(t, "https://ec.geo-online.co.jp/item"))
	assert.False(t, ok)
}

func TestRegistry_Resolve(t *testing.T) {
	r := newTestRegistry()
	defaults := Options{"remove_duplicates": true}

	t.Run("domain match uses defaults", func(t *testing.T) {
		override := &types.URLUpdateParameter{Sitename: "gemini", Options: map[string]any{"x": 1}}
		a, opts, err := r.Resolve(mustParse(t, "https://a.sofmap.com/p"), override, defaults)
		require.NoError(t, err)
		assert.Equal(t, "sofmap", a.Name())
		assert.Equal(t, Options{"remove_duplicates": true}, opts)
	})

	t.Run("override by sitename merges options", func(t *testing.T) {
		override := &types.URLUpdateParameter{
			Sitename: "gemini",
			Options:  map[string]any{"remove_duplicates": false, "prompt": "price"},
		}
		a, opts, err := r.Resolve(mustParse(t, "https://shop.example/p"), override, defaults)
		require.NoError(t, err)
		assert.Equal(t, "gemini", a.Name())
		assert.Equal(t, Options{"remove_duplicates": false, "prompt": "price"}, opts)
	})

	t.Run("no override", func(t *testing.T) {
		_, _, err := r.Resolve(mustParse(t, "https://shop.example/p"), nil, defaults)
		var unsupported *UnsupportedError
		require.ErrorAs(t, err, &unsupported)
		assert.Equal(t, "shop.example", unsupported.Host)
		assert.Contains(t, err.Error(), "unsupported domain")
	})

	t.Run("override names unknown adapter", func(t *testing.T) {
		override := &types.URLUpdateParameter{Sitename: "nope"}
		_, _, err := r.Resolve(mustParse(t, "https://shop.example/p"), override, defaults)
		var unsupported *UnsupportedError
		require.ErrorAs(t, err, &unsupported)
		assert.Equal(t, "nope", unsupported.Sitename)
	})
}

func TestAdapterError(t *testing.T) {
	cause := errors.New("timeout")
	err := &AdapterError{Adapter: "sofmap", URL: "https://www.sofmap.com/x", Message: "fetch failed", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "sofmap adapter error for https://www.sofmap.com/x: fetch failed: timeout", err.Error())

	noCause := &AdapterError{Adapter: "geo", URL: "u", Message: "empty"}
	assert.Equal(t, "geo adapter error for u: empty", noCause.Error())
}
