// Package memstore is an in-memory implementation of the price tracker
// repositories. It backs dry runs and the unit tests of the pipelines.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonathan/price-tracker/internal/activitylog"
	"github.com/jonathan/price-tracker/internal/types"
)

// Store holds every entity in maps guarded by one mutex.
type Store struct {
	mu    sync.Mutex
	clock func() time.Time

	nextID int64

	urls          map[int64]*types.URL
	shops         map[int64]*types.Shop
	priceLogs     []*types.PriceLog
	notifications map[int64]*types.URLNotification // by url id
	parameters    map[int64]*types.URLUpdateParameter
	activityLogs  map[int64]*types.ActivityLog
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created_at/updated_at.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:         time.Now,
		urls:          make(map[int64]*types.URL),
		shops:         make(map[int64]*types.Shop),
		notifications: make(map[int64]*types.URLNotification),
		parameters:    make(map[int64]*types.URLUpdateParameter),
		activityLogs:  make(map[int64]*types.ActivityLog),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// now truncates to microseconds, the resolution of a Postgres timestamptz.
func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// -----------------------------------------------------------------------------
// URLs and shops
// -----------------------------------------------------------------------------

// GetURL returns the URL with id, or nil.
func (s *Store) GetURL(_ context.Context, id int64) (*types.URL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.urls[id]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

// GetURLByString returns the URL with the given canonical string, or nil.
func (s *Store) GetURLByString(_ context.Context, rawURL string) (*types.URL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.findURL(rawURL); u != nil {
		out := *u
		return &out, nil
	}
	return nil, nil
}

// ListURLs returns every URL ordered by id.
func (s *Store) ListURLs(_ context.Context) ([]types.URL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.URL, 0, len(s.urls))
	for _, u := range s.urls {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveURLs inserts URLs whose string is not yet known and fills their ids.
func (s *Store) SaveURLs(_ context.Context, urls []types.URL) ([]types.URL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.URL, len(urls))
	for i, u := range urls {
		out[i] = *s.upsertURL(u.URL)
	}
	return out, nil
}

func (s *Store) findURL(rawURL string) *types.URL {
	for _, u := range s.urls {
		if u.URL == rawURL {
			return u
		}
	}
	return nil
}

func (s *Store) upsertURL(rawURL string) *types.URL {
	if u := s.findURL(rawURL); u != nil {
		return u
	}
	u := &types.URL{ID: s.id(), URL: rawURL}
	s.urls[u.ID] = u
	return u
}

func (s *Store) upsertShop(name string) *types.Shop {
	for _, sh := range s.shops {
		if sh.Name == name {
			return sh
		}
	}
	sh := &types.Shop{ID: s.id(), Name: name}
	s.shops[sh.ID] = sh
	return sh
}

// -----------------------------------------------------------------------------
// Price logs
// -----------------------------------------------------------------------------

// SavePriceLogs appends rows, resolving URL and shop by natural key.
// The batch is all-or-nothing.
func (s *Store) SavePriceLogs(_ context.Context, logs []types.PriceLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range logs {
		if p.URLID == 0 && p.URL == "" {
			return fmt.Errorf("price log %q has no url", p.Title)
		}
		if p.ShopID == 0 && p.ShopName == "" {
			return fmt.Errorf("price log %q has no shop", p.Title)
		}
	}
	now := s.now()
	for _, p := range logs {
		row := p
		if row.URLID == 0 {
			row.URLID = s.upsertURL(row.URL).ID
		}
		if row.ShopID == 0 {
			row.ShopID = s.upsertShop(row.ShopName).ID
		}
		row.ID = s.id()
		row.CreatedAt = now
		s.priceLogs = append(s.priceLogs, &row)
	}
	return nil
}

// ListPriceLogs returns rows matching filter ordered by created_at then id,
// with URL and ShopName filled from the referenced rows.
func (s *Store) ListPriceLogs(_ context.Context, filter types.PriceLogFilter) ([]types.PriceLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.PriceLog
	for _, p := range s.priceLogs {
		row := *p
		if u, ok := s.urls[row.URLID]; ok {
			row.URL = u.URL
		}
		if sh, ok := s.shops[row.ShopID]; ok {
			row.ShopName = sh.Name
		}
		if filter.Matches(&row) {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// -----------------------------------------------------------------------------
// Notifications and update parameters
// -----------------------------------------------------------------------------

// ListURLNotifications returns rows with the given active flag ordered by url id.
func (s *Store) ListURLNotifications(_ context.Context, isActive bool) ([]types.URLNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.URLNotification
	for _, n := range s.notifications {
		if n.IsActive == isActive {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URLID < out[j].URLID })
	return out, nil
}

// GetURLNotification returns the row for urlID, or nil.
func (s *Store) GetURLNotification(_ context.Context, urlID int64) (*types.URLNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[urlID]
	if !ok {
		return nil, nil
	}
	out := *n
	return &out, nil
}

// SaveURLNotifications inserts or updates rows keyed by url id.
func (s *Store) SaveURLNotifications(_ context.Context, notis []types.URLNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range notis {
		if existing, ok := s.notifications[n.URLID]; ok {
			existing.IsActive = n.IsActive
			continue
		}
		row := n
		row.ID = s.id()
		s.notifications[n.URLID] = &row
	}
	return nil
}

// GetURLUpdateParameter returns the override for urlID, or nil.
func (s *Store) GetURLUpdateParameter(_ context.Context, urlID int64) (*types.URLUpdateParameter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parameters[urlID]
	if !ok {
		return nil, nil
	}
	out := *p
	return &out, nil
}

// SaveURLUpdateParameter inserts or replaces the override for param.URLID.
func (s *Store) SaveURLUpdateParameter(_ context.Context, param types.URLUpdateParameter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.parameters[param.URLID]; ok {
		param.ID = existing.ID
	} else {
		param.ID = s.id()
	}
	s.parameters[param.URLID] = &param
	return nil
}

// -----------------------------------------------------------------------------
// Activity logs
// -----------------------------------------------------------------------------

var _ activitylog.Store = (*Store)(nil)

// InsertActivityLog stores a new row and assigns its id and timestamps.
func (s *Store) InsertActivityLog(_ context.Context, log *types.ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	log.ID = s.id()
	log.CreatedAt = now
	log.UpdatedAt = now
	row := *log
	row.Meta = log.Meta.Clone()
	s.activityLogs[row.ID] = &row
	return nil
}

// UpdateActivityLog overwrites a row and refreshes updated_at.
func (s *Store) UpdateActivityLog(_ context.Context, log *types.ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.activityLogs[log.ID]
	if !ok {
		return &activitylog.ConsistencyError{ID: log.ID, Message: "not found on update"}
	}
	log.CreatedAt = existing.CreatedAt
	log.UpdatedAt = s.now()
	row := *log
	row.Meta = log.Meta.Clone()
	s.activityLogs[row.ID] = &row
	return nil
}

// GetActivityLog returns the row with id, or nil.
func (s *Store) GetActivityLog(_ context.Context, id int64) (*types.ActivityLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.activityLogs[id]
	if !ok {
		return nil, nil
	}
	out := *row
	out.Meta = row.Meta.Clone()
	return &out, nil
}

// ListActivityLogs returns matching rows ordered by id, or newest first.
func (s *Store) ListActivityLogs(_ context.Context, filter types.ActivityLogFilter) ([]types.ActivityLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ActivityLog
	for _, row := range s.activityLogs {
		if filter.Matches(row) {
			cp := *row
			cp.Meta = row.Meta.Clone()
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if filter.NewestFirst {
			if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
				return out[i].UpdatedAt.After(out[j].UpdatedAt)
			}
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
