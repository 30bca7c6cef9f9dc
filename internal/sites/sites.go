// Package sites defines the adapter contract for extracting listings from a
// product page and the registry that picks an adapter for a URL.
package sites

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/jonathan/price-tracker/internal/types"
)

// Options are adapter-specific settings. Global request options from config
// are merged with per-URL overrides before each call.
type Options map[string]any

// Merge returns a copy of o with every key of patch applied on top.
func (o Options) Merge(patch Options) Options {
	out := make(Options, len(o)+len(patch))
	for k, v := range o {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Bool reports the boolean stored under key. Missing or non-bool values are false.
func (o Options) Bool(key string) bool {
	v, ok := o[key].(bool)
	return ok && v
}

// String returns the string stored under key, or "".
func (o Options) String(key string) string {
	v, _ := o[key].(string)
	return v
}

// Adapter extracts raw listings from one product page.
type Adapter interface {
	Name() string
	Matches(u *url.URL) bool
	Scrape(ctx context.Context, rawURL string, opts Options) ([]types.RawListing, error)
}

// AdapterError reports a failed adapter call.
type AdapterError struct {
	Adapter string
	URL     string
	Message string
	Cause   error
}

func (e *AdapterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s adapter error for %s: %s: %v", e.Adapter, e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s adapter error for %s: %s", e.Adapter, e.URL, e.Message)
}

func (e *AdapterError) Unwrap() error {
	return e.Cause
}

// UnsupportedError reports a URL that no adapter handles and that carries no
// usable override.
type UnsupportedError struct {
	Host     string
	Sitename string
}

func (e *UnsupportedError) Error() string {
	if e.Sitename != "" {
		return fmt.Sprintf("unsupported domain: %s (no adapter named %q)", e.Host, e.Sitename)
	}
	return fmt.Sprintf("unsupported domain: %s", e.Host)
}

// HostSet is a static domain table matched by exact host.
type HostSet map[string]struct{}

// NewHostSet builds a HostSet from host names.
func NewHostSet(hosts ...string) HostSet {
	s := make(HostSet, len(hosts))
	for _, h := range hosts {
		s[strings.ToLower(h)] = struct{}{}
	}
	return s
}

// Contains reports whether u's host is in the set.
func (s HostSet) Contains(u *url.URL) bool {
	if u == nil {
		return false
	}
	_, ok := s[strings.ToLower(u.Host)]
	return ok
}

// Registry holds the available adapters in registration order.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	byName   map[string]Adapter
}

// NewRegistry creates a registry with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{byName: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds a, replacing any adapter with the same name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[a.Name()]; exists {
		for i, existing := range r.adapters {
			if existing.Name() == a.Name() {
				r.adapters[i] = a
			}
		}
	} else {
		r.adapters = append(r.adapters, a)
	}
	r.byName[a.Name()] = a
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForURL returns the first adapter whose domain table contains u's host.
func (r *Registry) ForURL(u *url.URL) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.Matches(u) {
			return a, true
		}
	}
	return nil, false
}

// Resolve selects the adapter and options for u.
//
// A domain match wins and uses defaults. Otherwise the per-URL override names
// the adapter and its options are merged over defaults. Anything else is an
// *UnsupportedError.
func (r *Registry) Resolve(u *url.URL, override *types.URLUpdateParameter, defaults Options) (Adapter, Options, error) {
	if a, ok := r.ForURL(u); ok {
		return a, defaults.Merge(nil), nil
	}
	if override == nil || override.Sitename == "" {
		return nil, nil, &UnsupportedError{Host: u.Host}
	}
	a, ok := r.Lookup(override.Sitename)
	if !ok {
		return nil, nil, &UnsupportedError{Host: u.Host, Sitename: override.Sitename}
	}
	return a, defaults.Merge(Options(override.Options)), nil
}
