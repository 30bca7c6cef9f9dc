// Package registration manages which URLs are tracked: it creates URL rows,
// toggles their notification flag and stores per-URL adapter overrides.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jonathan/price-tracker/internal/fetch"
	"github.com/jonathan/price-tracker/internal/logger"
	"github.com/jonathan/price-tracker/internal/types"
)

// ErrURLNotFound is returned when an operation names a URL that is not stored.
var ErrURLNotFound = errors.New("url not found")

// UpdateType tells whether a Result activated or deactivated URLs.
type UpdateType string

// UpdateType values
const (
	UpdateAdd    UpdateType = "ADD"
	UpdateRemove UpdateType = "REMOVE"
)

// Result lists what an update changed.
type Result struct {
	UpdateType UpdateType  `json:"update_type"`
	Updated    []types.URL `json:"updated_list"`
	Added      []types.URL `json:"added_list"`
	// Unregistered holds targets that could not be resolved, as "url:<u>" or
	// "url_id:<id>".
	Unregistered []string `json:"unregistered_list"`
}

// Target names a URL by string or by id. A URL string that is not stored yet
// is created on Register; an id must already exist.
type Target struct {
	URL      string
	URLID    int64
	Sitename string
	Options  map[string]any
}

func (t Target) label() string {
	if t.URL != "" {
		return "url:" + t.URL
	}
	return "url_id:" + strconv.FormatInt(t.URLID, 10)
}

// Repository is the persistence registration needs.
type Repository interface {
	GetURL(ctx context.Context, id int64) (*types.URL, error)
	GetURLByString(ctx context.Context, rawURL string) (*types.URL, error)
	ListURLs(ctx context.Context) ([]types.URL, error)
	SaveURLs(ctx context.Context, urls []types.URL) ([]types.URL, error)
	GetURLNotification(ctx context.Context, urlID int64) (*types.URLNotification, error)
	ListURLNotifications(ctx context.Context, isActive bool) ([]types.URLNotification, error)
	SaveURLNotifications(ctx context.Context, notis []types.URLNotification) error
	SaveURLUpdateParameter(ctx context.Context, param types.URLUpdateParameter) error
}

// Service applies registration changes.
type Service struct {
	repo Repository
	log  logger.Logger
}

// New creates a Service. A nil logger disables logging.
func New(repo Repository, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{repo: repo, log: log}
}

// Register activates every target. URL strings that are not stored yet are
// created and reported in Added; a target with a sitename or options also
// gets its update parameter replaced.
func (s *Service) Register(ctx context.Context, targets []Target) (*Result, error) {
	res := &Result{UpdateType: UpdateAdd}
	for _, t := range targets {
		u, created, err := s.resolve(ctx, t, true)
		if err != nil {
			return nil, err
		}
		if u == nil {
			res.Unregistered = append(res.Unregistered, t.label())
			continue
		}
		if created {
			res.Added = append(res.Added, *u)
		}

		changed, err := s.setActive(ctx, u.ID, true)
		if err != nil {
			return nil, err
		}
		if changed {
			res.Updated = append(res.Updated, *u)
		}
		if t.Sitename != "" || len(t.Options) > 0 {
			if err := s.saveParameter(ctx, u.ID, t.Sitename, t.Options); err != nil {
				return nil, err
			}
		}
	}
	s.log.Info("registered urls",
		logger.Int("updated", len(res.Updated)),
		logger.Int("added", len(res.Added)),
		logger.Int("unregistered", len(res.Unregistered)),
	)
	return res, nil
}

// RegisterURLs registers plain URL strings.
func (s *Service) RegisterURLs(ctx context.Context, urls []string) (*Result, error) {
	targets := make([]Target, len(urls))
	for i, u := range urls {
		targets[i] = Target{URL: u}
	}
	return s.Register(ctx, targets)
}

// RegisterAll activates every stored URL.
func (s *Service) RegisterAll(ctx context.Context) (*Result, error) {
	urls, err := s.repo.ListURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list urls: %w", err)
	}
	if err := s.saveFlags(ctx, urls, true); err != nil {
		return nil, err
	}
	return &Result{UpdateType: UpdateAdd, Updated: urls}, nil
}

// RegisterNew activates stored URLs that have never had a notification row.
func (s *Service) RegisterNew(ctx context.Context) (*Result, error) {
	urls, err := s.repo.ListURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list urls: %w", err)
	}
	var fresh []types.URL
	for _, u := range urls {
		n, err := s.repo.GetURLNotification(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get notification for url %d: %w", u.ID, err)
		}
		if n == nil {
			fresh = append(fresh, u)
		}
	}
	if err := s.saveFlags(ctx, fresh, true); err != nil {
		return nil, err
	}
	return &Result{UpdateType: UpdateAdd, Updated: fresh}, nil
}

// Deactivate stops tracking every target. Targets that are not stored are
// reported in Unregistered; already inactive URLs are left out of Updated.
func (s *Service) Deactivate(ctx context.Context, targets []Target) (*Result, error) {
	res := &Result{UpdateType: UpdateRemove}
	for _, t := range targets {
		u, _, err := s.resolve(ctx, t, false)
		if err != nil {
			return nil, err
		}
		if u == nil {
			res.Unregistered = append(res.Unregistered, t.label())
			continue
		}
		n, err := s.repo.GetURLNotification(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get notification for url %d: %w", u.ID, err)
		}
		if n == nil || !n.IsActive {
			continue
		}
		if err := s.repo.SaveURLNotifications(ctx, []types.URLNotification{{URLID: u.ID, IsActive: false}}); err != nil {
			return nil, fmt.Errorf("failed to deactivate url %d: %w", u.ID, err)
		}
		res.Updated = append(res.Updated, *u)
	}
	return res, nil
}

// DeactivateURLs deactivates plain URL strings.
func (s *Service) DeactivateURLs(ctx context.Context, urls []string) (*Result, error) {
	targets := make([]Target, len(urls))
	for i, u := range urls {
		targets[i] = Target{URL: u}
	}
	return s.Deactivate(ctx, targets)
}

// DeactivateAll deactivates every stored URL.
func (s *Service) DeactivateAll(ctx context.Context) (*Result, error) {
	urls, err := s.repo.ListURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list urls: %w", err)
	}
	if err := s.saveFlags(ctx, urls, false); err != nil {
		return nil, err
	}
	return &Result{UpdateType: UpdateRemove, Updated: urls}, nil
}

// SetParameter replaces the adapter override of a stored URL.
func (s *Service) SetParameter(ctx context.Context, urlID int64, sitename string, options map[string]any) error {
	u, err := s.repo.GetURL(ctx, urlID)
	if err != nil {
		return fmt.Errorf("failed to get url %d: %w", urlID, err)
	}
	if u == nil {
		return fmt.Errorf("url_id %d: %w", urlID, ErrURLNotFound)
	}
	return s.saveParameter(ctx, urlID, sitename, options)
}

// ViewTarget selects URLs by tracking status.
type ViewTarget string

// ViewTarget values
const (
	ViewAll      ViewTarget = "all"
	ViewActive   ViewTarget = "active"
	ViewInactive ViewTarget = "inactive"
)

// URLStatus is one stored URL with its tracking flag. URLs without a
// notification row are inactive.
type URLStatus struct {
	ID       int64  `json:"id"`
	URL      string `json:"url"`
	IsActive bool   `json:"is_active"`
}

// View lists stored URLs matching target, ordered by id.
func (s *Service) View(ctx context.Context, target ViewTarget) ([]URLStatus, error) {
	switch target {
	case ViewAll, ViewActive, ViewInactive:
	default:
		return nil, fmt.Errorf("unknown view target %q", target)
	}
	urls, err := s.repo.ListURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list urls: %w", err)
	}
	active, err := s.repo.ListURLNotifications(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list active urls: %w", err)
	}
	isActive := make(map[int64]bool, len(active))
	for _, n := range active {
		isActive[n.URLID] = true
	}

	out := make([]URLStatus, 0, len(urls))
	for _, u := range urls {
		st := URLStatus{ID: u.ID, URL: u.URL, IsActive: isActive[u.ID]}
		if (target == ViewActive && !st.IsActive) || (target == ViewInactive && st.IsActive) {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// resolve finds the target's URL row, creating it from a valid URL string
// when create is set. It returns nil for an unresolvable target.
func (s *Service) resolve(ctx context.Context, t Target, create bool) (*types.URL, bool, error) {
	if t.URL == "" {
		u, err := s.repo.GetURL(ctx, t.URLID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to get url %d: %w", t.URLID, err)
		}
		return u, false, nil
	}

	u, err := s.repo.GetURLByString(ctx, t.URL)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get url %s: %w", t.URL, err)
	}
	if u != nil || !create {
		return u, false, nil
	}
	if _, err := fetch.ParseURL(t.URL); err != nil {
		s.log.Warn("skipping invalid url", logger.String("url", t.URL))
		return nil, false, nil
	}
	saved, err := s.repo.SaveURLs(ctx, []types.URL{{URL: t.URL}})
	if err != nil {
		return nil, false, fmt.Errorf("failed to save url %s: %w", t.URL, err)
	}
	return &saved[0], true, nil
}

// setActive sets the notification flag and reports whether it changed.
func (s *Service) setActive(ctx context.Context, urlID int64, active bool) (bool, error) {
	n, err := s.repo.GetURLNotification(ctx, urlID)
	if err != nil {
		return false, fmt.Errorf("failed to get notification for url %d: %w", urlID, err)
	}
	if n != nil && n.IsActive == active {
		return false, nil
	}
	if err := s.repo.SaveURLNotifications(ctx, []types.URLNotification{{URLID: urlID, IsActive: active}}); err != nil {
		return false, fmt.Errorf("failed to save notification for url %d: %w", urlID, err)
	}
	return true, nil
}

func (s *Service) saveFlags(ctx context.Context, urls []types.URL, active bool) error {
	if len(urls) == 0 {
		return nil
	}
	notis := make([]types.URLNotification, len(urls))
	for i, u := range urls {
		notis[i] = types.URLNotification{URLID: u.ID, IsActive: active}
	}
	if err := s.repo.SaveURLNotifications(ctx, notis); err != nil {
		return fmt.Errorf("failed to save notifications: %w", err)
	}
	return nil
}

func (s *Service) saveParameter(ctx context.Context, urlID int64, sitename string, options map[string]any) error {
	if options == nil {
		options = map[string]any{}
	}
	err := s.repo.SaveURLUpdateParameter(ctx, types.URLUpdateParameter{URLID: urlID, Sitename: sitename, Options: options})
	if err != nil {
		return fmt.Errorf("failed to save update parameter for url %d: %w", urlID, err)
	}
	return nil
}
