package main

import (
	"fmt"
	"strings"

	"github.com/jonathan/price-tracker/internal/config"
	"github.com/jonathan/price-tracker/internal/logger"
	"github.com/jonathan/price-tracker/internal/sites"
	"github.com/jonathan/price-tracker/internal/sites/searchapi"
	"github.com/jonathan/price-tracker/internal/sites/sofmap"
)

// searchSites are served by the search service. A site without hosts is only
// used through a per-URL sitename override.
var searchSites = []struct {
	name  string
	hosts []string
}{
	{name: "geo", hosts: []string{"ec.geo-online.co.jp"}},
	{name: "iosys", hosts: []string{"iosys.co.jp"}},
	{name: "gemini"},
}

// buildRegistry returns the adapters available for cfg. Search service sites
// are registered only when search_api_url is set.
func buildRegistry(cfg *config.Config, log logger.Logger) *sites.Registry {
	registry := sites.NewRegistry(sofmap.New(
		sofmap.WithTimeout(cfg.AdapterTimeout.Std()),
		sofmap.WithLogger(log),
	))
	if cfg.SearchAPIURL == "" {
		return registry
	}
	for _, site := range searchSites {
		registry.Register(searchapi.New(searchapi.Config{
			Sitename: site.name,
			Hosts:    site.hosts,
			BaseURL:  cfg.SearchAPIURL,
			Timeout:  cfg.AdapterTimeout.Std(),
			Logger:   log,
		}))
	}
	return registry
}

// checkSitename rejects an override naming an adapter that is not registered.
func checkSitename(registry *sites.Registry, name string) error {
	if name == "" {
		return nil
	}
	if _, ok := registry.Lookup(name); ok {
		return nil
	}
	return fmt.Errorf("unknown sitename %q (available: %s)", name, strings.Join(registry.Names(), ", "))
}
