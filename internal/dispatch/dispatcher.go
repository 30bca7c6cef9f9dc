// Package dispatch runs one scrape-and-persist unit per active URL and rolls
// the per-URL outcomes up into a single run in the activity ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/price-tracker/internal/activitylog"
	"github.com/jonathan/price-tracker/internal/fanout"
	"github.com/jonathan/price-tracker/internal/fetch"
	"github.com/jonathan/price-tracker/internal/logger"
	"github.com/jonathan/price-tracker/internal/reconcile"
	"github.com/jonathan/price-tracker/internal/sites"
	"github.com/jonathan/price-tracker/internal/types"
)

// Messages recorded on a run that had nothing to do.
const (
	msgLocked    = "cancelled due to updating urls or sending to api"
	msgNoTargets = "No target urls"
)

// Repository is the persistence the dispatcher reads and writes.
type Repository interface {
	GetURL(ctx context.Context, id int64) (*types.URL, error)
	ListURLNotifications(ctx context.Context, isActive bool) ([]types.URLNotification, error)
	GetURLUpdateParameter(ctx context.Context, urlID int64) (*types.URLUpdateParameter, error)
	SavePriceLogs(ctx context.Context, logs []types.PriceLog) error
}

// Config holds the dispatcher settings.
type Config struct {
	Mode        fanout.Mode
	MaxParallel int
	// OKWait and NGWait are slept after a URL whose adapter was called,
	// depending on its outcome.
	OKWait         time.Duration
	NGWait         time.Duration
	AdapterTimeout time.Duration
	InferStock     bool
	// RequestOptions are passed to every adapter; per-URL overrides win.
	RequestOptions sites.Options
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Mode:           fanout.Sequential,
		OKWait:         time.Second,
		NGWait:         3 * time.Second,
		AdapterTimeout: 60 * time.Second,
		InferStock:     true,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration)

// Dispatcher scrapes the active URL set.
type Dispatcher struct {
	repo     Repository
	ledger   *activitylog.Ledger
	registry *sites.Registry
	cfg      Config
	log      logger.Logger
	sleep    SleepFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithSleep replaces the post-step delay.
func WithSleep(s SleepFunc) Option {
	return func(d *Dispatcher) { d.sleep = s }
}

// New creates a Dispatcher.
func New(repo Repository, ledger *activitylog.Ledger, registry *sites.Registry, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:     repo,
		ledger:   ledger,
		registry: registry,
		cfg:      cfg,
		log:      logger.NewNop(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// urlOutcome is the result of one URL's unit of work.
type urlOutcome struct {
	urlID int64
	err   error
}

// ScrapeAndSaveTargetURLs scrapes every active URL, or only urlID when given.
//
// A held lock returns a CANCELED result without writing anything. Per-URL
// failures are recorded in the ledger and never returned; only ledger and
// active-set read failures are.
func (d *Dispatcher) ScrapeAndSaveTargetURLs(ctx context.Context, callerType string, urlID *int64) (*types.RunResult, error) {
	locked, err := d.ledger.IsLocked(ctx, activitylog.RunTypes)
	if err != nil {
		return nil, err
	}
	if locked {
		d.log.Warn(msgLocked, logger.String("caller_type", callerType))
		return &types.RunResult{State: types.StateCanceled, Locked: true, ErrorMsg: msgLocked}, nil
	}

	meta := types.NewMetadata()
	if urlID != nil {
		meta.Set("url_id", *urlID)
	}
	run, err := d.ledger.Create(ctx, activitylog.CreateInput{
		TargetID:     uuid.New().String(),
		TargetTable:  activitylog.TableRun,
		ActivityType: activitylog.TypeScrapeURLs,
		CallerType:   callerType,
		Meta:         meta,
	})
	if err != nil {
		return nil, err
	}
	if _, err := d.ledger.MarkInProgress(ctx, run.ID); err != nil {
		return nil, err
	}
	result := &types.RunResult{ActivityLogID: run.ID, TargetID: run.TargetID}

	targets, err := d.targetURLIDs(ctx, urlID)
	if err != nil {
		d.abort(ctx, run.ID, err)
		return nil, err
	}
	if len(targets) == 0 {
		msg := msgNoTargets
		if urlID != nil {
			msg = fmt.Sprintf("No active target url for url_id: %d", *urlID)
		}
		d.log.Warn(msg, logger.Int64("activity_log_id", run.ID))
		if _, err := d.ledger.Canceled(context.WithoutCancel(ctx), run.ID, msg, nil); err != nil {
			return nil, err
		}
		result.State = types.StateCanceled
		result.ErrorMsg = msg
		return result, nil
	}

	outcomes := make([]urlOutcome, len(targets))
	var mu sync.Mutex
	err = fanout.Run(ctx, d.cfg.Mode, len(targets), d.cfg.MaxParallel, func(ctx context.Context, i int) error {
		out, err := d.scrapeOne(ctx, callerType, targets[i])
		if err != nil {
			return err
		}
		mu.Lock()
		outcomes[i] = out
		mu.Unlock()
		return nil
	})
	if err != nil {
		d.abort(ctx, run.ID, err)
		return nil, err
	}

	targetResults := make(map[string]any, len(outcomes))
	var errMsgs []string
	for _, out := range outcomes {
		key := strconv.FormatInt(out.urlID, 10)
		if out.err == nil {
			targetResults[key] = map[string]any{}
			continue
		}
		targetResults[key] = map[string]any{"error": out.err.Error()}
		errMsgs = append(errMsgs, fmt.Sprintf("{%d:%s}", out.urlID, out.err.Error()))
	}

	result.Total = len(outcomes)
	result.Failed = len(errMsgs)
	result.State = activitylog.Outcome(result.Total, result.Failed)
	result.ErrorMsg = strings.Join(errMsgs, ",")
	patch := types.NewMetadata(
		"target_results", targetResults,
		"total", result.Total,
		"failed", result.Failed,
	)
	if _, err := d.ledger.MarkTerminal(context.WithoutCancel(ctx), run.ID, result.State, result.ErrorMsg, patch); err != nil {
		return nil, err
	}
	d.log.Info("scrape run finished",
		logger.Int64("activity_log_id", run.ID),
		logger.String("state", string(result.State)),
		logger.Int("total", result.Total),
		logger.Int("failed", result.Failed),
	)
	return result, nil
}

func (d *Dispatcher) targetURLIDs(ctx context.Context, only *int64) ([]int64, error) {
	notis, err := d.repo.ListURLNotifications(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list active urls: %w", err)
	}
	ids := make([]int64, 0, len(notis))
	for _, n := range notis {
		if only != nil && n.URLID != *only {
			continue
		}
		ids = append(ids, n.URLID)
	}
	return ids, nil
}

// abort closes a run that could not finish so it does not hold the lock.
func (d *Dispatcher) abort(ctx context.Context, runID int64, cause error) {
	if _, err := d.ledger.Failed(context.WithoutCancel(ctx), runID, cause.Error(), nil); err != nil {
		d.log.Error("failed to close aborted run", logger.Int64("activity_log_id", runID), logger.Error(err))
	}
}

// abortChild closes a child row that could not be started.
func (d *Dispatcher) abortChild(ctx context.Context, childID int64, cause error) {
	if _, err := d.ledger.Failed(ctx, childID, cause.Error(), nil); err != nil {
		d.log.Warn("failed to close child row", logger.Int64("activity_log_id", childID), logger.Error(err))
	}
}

// scrapeOne runs one URL under its own child row. The returned error is
// reserved for ledger failures; the URL's own failure is in the outcome.
func (d *Dispatcher) scrapeOne(ctx context.Context, callerType string, urlID int64) (urlOutcome, error) {
	out := urlOutcome{urlID: urlID}
	child, err := d.ledger.Create(ctx, activitylog.CreateInput{
		TargetID:     strconv.FormatInt(urlID, 10),
		TargetTable:  activitylog.TableURL,
		ActivityType: activitylog.TypeScrapeURL,
		CallerType:   callerType,
	})
	if err != nil {
		return out, err
	}
	// Closing writes must land even if ctx is canceled mid-scrape.
	closeCtx := context.WithoutCancel(ctx)
	if _, err := d.ledger.MarkInProgress(ctx, child.ID); err != nil {
		d.abortChild(closeCtx, child.ID, err)
		return out, err
	}

	meta := types.NewMetadata()
	saved, called, err := d.scrape(ctx, urlID, meta)
	log := d.log.With(logger.Int64("url_id", urlID))
	if err != nil {
		out.err = err
		log.Error("update and save ... ng", logger.Error(err))
		if _, lerr := d.ledger.Failed(closeCtx, child.ID, err.Error(), meta); lerr != nil {
			return out, lerr
		}
		if called {
			d.sleep(ctx, d.cfg.NGWait)
		}
		return out, nil
	}

	meta.Set("saved", saved)
	log.Info("update and save ... ok", logger.Int("saved", saved))
	if _, err := d.ledger.Completed(closeCtx, child.ID, meta); err != nil {
		return out, err
	}
	d.sleep(ctx, d.cfg.OKWait)
	return out, nil
}

// scrape resolves, scrapes, reconciles and saves one URL. called reports
// whether an adapter was invoked.
func (d *Dispatcher) scrape(ctx context.Context, urlID int64, meta *types.Metadata) (saved int, called bool, err error) {
	target, err := d.repo.GetURL(ctx, urlID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to load url: %w", err)
	}
	if target == nil {
		return 0, false, &NotFoundError{Entity: "url", ID: urlID}
	}
	meta.Set("url", target.URL)

	u, err := fetch.ParseURL(target.URL)
	if err != nil {
		return 0, false, &ValidationError{URLID: urlID, Message: "Invalid URL", Cause: err}
	}
	override, err := d.repo.GetURLUpdateParameter(ctx, urlID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to load update parameter: %w", err)
	}
	adapter, opts, err := d.registry.Resolve(u, override, d.cfg.RequestOptions)
	if err != nil {
		return 0, false, &ValidationError{URLID: urlID, Message: "cannot select adapter", Cause: err}
	}
	meta.Set("sitename", adapter.Name())

	scrapeCtx := ctx
	if d.cfg.AdapterTimeout > 0 {
		var cancel context.CancelFunc
		scrapeCtx, cancel = context.WithTimeout(ctx, d.cfg.AdapterTimeout)
		defer cancel()
	}
	listings, err := adapter.Scrape(scrapeCtx, target.URL, opts)
	if err != nil {
		var adapterErr *sites.AdapterError
		if !errors.As(err, &adapterErr) {
			err = &sites.AdapterError{Adapter: adapter.Name(), URL: target.URL, Message: "scrape failed", Cause: err}
		}
		return 0, true, err
	}

	for i := range listings {
		if listings[i].URL == "" {
			listings[i].URL = target.URL
		}
		if listings[i].Sitename == "" {
			listings[i].Sitename = adapter.Name()
		}
	}
	logs := reconcile.ToPriceLogs(reconcile.Reconcile(listings, d.cfg.InferStock))
	if err := d.repo.SavePriceLogs(ctx, logs); err != nil {
		return 0, true, fmt.Errorf("failed to save price logs: %w", err)
	}
	return len(logs), true, nil
}
