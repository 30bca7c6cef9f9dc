// Package notify pushes price logs the catalog has not seen yet, one batch
// per active URL, using the last successful sync run as the cursor.
package notify

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
	"github.com/jonathan/price-tracker/internal/catalog"
	"github.com/jonathan/price-tracker/internal/fanout"
	"github.com/jonathan/price-tracker/internal/logger"
	"github.com/jonathan/price-tracker/internal/types"
)

// Child outcomes that are recorded as CANCELED.
const (
	MsgURLNotFound = "URL is not found"
	MsgNoPriceLog  = "PriceLog is None"
)

const (
	msgLocked    = "cancelled due to updating urls or sending to api"
	msgNoTargets = "No target urls"
)

// WatermarkStates are the run states that advance the cursor. A run that
// failed outright or had nothing to send leaves it where it was.
var WatermarkStates = []types.ActivityState{
	types.StateCompleted,
	types.StateCompletedWithErrors,
}

// DefaultRange decides the window of the very first sync.
type DefaultRange string

// DefaultRange values
const (
	RangeAll   DefaultRange = "all"
	RangeToday DefaultRange = "today"
)

// ParseDefaultRange parses a configured range. Empty means RangeAll.
func ParseDefaultRange(s string) (DefaultRange, error) {
	switch DefaultRange(strings.ToLower(s)) {
	case "", RangeAll:
		return RangeAll, nil
	case RangeToday:
		return RangeToday, nil
	default:
		return "", fmt.Errorf("unknown default range %q", s)
	}
}

// Window bounds the created_at of the price logs to send. Nil sides are open.
type Window struct {
	Start *time.Time
	End   *time.Time
}

// Repository is the persistence the syncer reads.
type Repository interface {
	GetURL(ctx context.Context, id int64) (*types.URL, error)
	ListURLNotifications(ctx context.Context, isActive bool) ([]types.URLNotification, error)
	ListPriceLogs(ctx context.Context, filter types.PriceLogFilter) ([]types.PriceLog, error)
}

// Sender delivers one batch to the catalog.
type Sender interface {
	SendPrices(ctx context.Context, infos []catalog.Info) error
}

// Config holds the syncer settings.
type Config struct {
	Mode         fanout.Mode
	MaxParallel  int
	DefaultRange DefaultRange
	// Location defines "today" for RangeToday. Nil means UTC.
	Location *time.Location
}

// Syncer sends new price logs to the catalog.
type Syncer struct {
	repo   Repository
	ledger *activitylog.Ledger
	sender Sender
	cfg    Config
	log    logger.Logger
	now    func() time.Time
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Syncer) { s.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New creates a Syncer.
func New(repo Repository, ledger *activitylog.Ledger, sender Sender, cfg Config, opts ...Option) *Syncer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Syncer{
		repo:   repo,
		ledger: ledger,
		sender: sender,
		cfg:    cfg,
		log:    logger.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type urlOutcome struct {
	urlID   int64
	details map[string]any
	err     error
	skipped bool
}

// SendTargetURLsToAPI sends every active URL's price logs within the window.
//
// An explicit window is used as given. An empty window starts right after the
// last successful sync run, or at DefaultRange when there is none, and is open
// at the end. URLs with nothing to send are skipped and do not count toward
// the run outcome.
func (s *Syncer) SendTargetURLsToAPI(ctx context.Context, w Window, callerType string) (*types.RunResult, error) {
	locked, err := s.ledger.IsLocked(ctx, activitylog.RunTypes)
	if err != nil {
		return nil, err
	}
	if locked {
		s.log.Warn(msgLocked, logger.String("caller_type", callerType))
		return &types.RunResult{State: types.StateCanceled, Locked: true, ErrorMsg: msgLocked}, nil
	}

	window, meta, err := s.resolveWindow(ctx, w)
	if err != nil {
		return nil, err
	}
	run, err := s.ledger.Create(ctx, activitylog.CreateInput{
		TargetID:     uuid.New().String(),
		TargetTable:  activitylog.TableRun,
		ActivityType: activitylog.TypeSendToAPI,
		CallerType:   callerType,
		Meta:         meta,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.MarkInProgress(ctx, run.ID); err != nil {
		return nil, err
	}
	result := &types.RunResult{ActivityLogID: run.ID, TargetID: run.TargetID}

	notis, err := s.repo.ListURLNotifications(ctx, true)
	if err != nil {
		err = fmt.Errorf("failed to list active urls: %w", err)
		s.abort(ctx, run.ID, err)
		return nil, err
	}
	if len(notis) == 0 {
		s.log.Warn(msgNoTargets, logger.Int64("activity_log_id", run.ID))
		if _, err := s.ledger.Canceled(context.WithoutCancel(ctx), run.ID, msgNoTargets, nil); err != nil {
			return nil, err
		}
		result.State = types.StateCanceled
		result.ErrorMsg = msgNoTargets
		return result, nil
	}

	outcomes := make([]urlOutcome, len(notis))
	var mu sync.Mutex
	err = fanout.Run(ctx, s.cfg.Mode, len(notis), s.cfg.MaxParallel, func(ctx context.Context, i int) error {
		out, err := s.sendOne(ctx, callerType, notis[i].URLID, window, meta)
		if err != nil {
			return err
		}
		mu.Lock()
		outcomes[i] = out
		mu.Unlock()
		return nil
	})
	if err != nil {
		s.abort(ctx, run.ID, err)
		return nil, err
	}

	targetResults := make(map[string]any, len(outcomes))
	var errMsgs []string
	for _, out := range outcomes {
		targetResults[strconv.FormatInt(out.urlID, 10)] = out.details
		switch {
		case out.skipped:
			result.Skipped++
		case out.err != nil:
			errMsgs = append(errMsgs, fmt.Sprintf("{%d:%s}", out.urlID, out.err.Error()))
		}
	}
	result.Total = len(outcomes) - result.Skipped
	result.Failed = len(errMsgs)
	result.State = activitylog.Outcome(result.Total, result.Failed)
	result.ErrorMsg = strings.Join(errMsgs, ",")

	patch := types.NewMetadata(
		"target_results", targetResults,
		"total", result.Total,
		"failed", result.Failed,
		"skipped", result.Skipped,
	)
	if _, err := s.ledger.MarkTerminal(context.WithoutCancel(ctx), run.ID, result.State, result.ErrorMsg, patch); err != nil {
		return nil, err
	}
	s.log.Info("send run finished",
		logger.Int64("activity_log_id", run.ID),
		logger.String("state", string(result.State)),
		logger.Int("total", result.Total),
		logger.Int("failed", result.Failed),
		logger.Int("skipped", result.Skipped),
	)
	return result, nil
}

// resolveWindow returns the window to query and the run's initial metadata.
func (s *Syncer) resolveWindow(ctx context.Context, w Window) (Window, *types.Metadata, error) {
	now := s.now().UTC()
	meta := types.NewMetadata("start", w.Start, "end", w.End, "now", now)
	if w.Start != nil || w.End != nil {
		return utcWindow(w), meta, nil
	}

	latest, err := s.ledger.Latest(ctx, []string{activitylog.TypeSendToAPI}, WatermarkStates)
	if err != nil {
		return Window{}, nil, err
	}
	var start *time.Time
	switch {
	case latest != nil:
		wm := activitylog.Watermark(latest)
		start = &wm
		meta.Set("watermark_from", latest.ID)
	case s.cfg.DefaultRange == RangeToday:
		local := now.In(s.cfg.Location)
		today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location).UTC()
		start = &today
	}
	meta.Set("start", start)
	return Window{Start: start}, meta, nil
}

func utcWindow(w Window) Window {
	var out Window
	if w.Start != nil {
		t := w.Start.UTC()
		out.Start = &t
	}
	if w.End != nil {
		t := w.End.UTC()
		out.End = &t
	}
	return out
}

func (s *Syncer) abort(ctx context.Context, runID int64, cause error) {
	if _, err := s.ledger.Failed(context.WithoutCancel(ctx), runID, cause.Error(), nil); err != nil {
		s.log.Error("failed to close aborted run", logger.Int64("activity_log_id", runID), logger.Error(err))
	}
}

// sendOne pushes one URL under its own child row. The returned error is
// reserved for ledger failures.
func (s *Syncer) sendOne(ctx context.Context, callerType string, urlID int64, w Window, runMeta *types.Metadata) (urlOutcome, error) {
	out := urlOutcome{urlID: urlID}
	child, err := s.ledger.Create(ctx, activitylog.CreateInput{
		TargetID:     strconv.FormatInt(urlID, 10),
		TargetTable:  activitylog.TableURL,
		ActivityType: activitylog.TypeSendURLToAPI,
		CallerType:   callerType,
		Meta:         runMeta,
	})
	if err != nil {
		return out, err
	}
	// Closing writes must land even if ctx is canceled mid-send.
	closeCtx := context.WithoutCancel(ctx)
	if _, err := s.ledger.MarkInProgress(ctx, child.ID); err != nil {
		if _, lerr := s.ledger.Failed(closeCtx, child.ID, err.Error(), nil); lerr != nil {
			s.log.Warn("failed to close child row", logger.Int64("activity_log_id", child.ID), logger.Error(lerr))
		}
		return out, err
	}
	log := s.log.With(logger.Int64("url_id", urlID))

	// fail records err on the child row. ids, when set, go into both the
	// child's metadata and its target_results entry.
	fail := func(err error, ids []any) (urlOutcome, error) {
		out.err = err
		out.details = map[string]any{"error": err.Error()}
		var patch *types.Metadata
		if ids != nil {
			out.details["update_pricelog_ids"] = ids
			patch = types.NewMetadata("update_pricelog_ids", ids)
		}
		log.Error("send to api ... ng", logger.Error(err))
		_, lerr := s.ledger.Failed(closeCtx, child.ID, err.Error(), patch)
		return out, lerr
	}

	target, err := s.repo.GetURL(ctx, urlID)
	if err != nil {
		return fail(fmt.Errorf("failed to load url: %w", err), nil)
	}
	if target == nil {
		out.err = errors.New(MsgURLNotFound)
		out.details = map[string]any{"error": MsgURLNotFound}
		log.Warn(MsgURLNotFound)
		_, err := s.ledger.Canceled(closeCtx, child.ID, MsgURLNotFound, nil)
		return out, err
	}

	logs, err := s.repo.ListPriceLogs(ctx, types.PriceLogFilter{URL: target.URL, Start: w.Start, End: w.End})
	if err != nil {
		return fail(fmt.Errorf("failed to list price logs: %w", err), nil)
	}
	if len(logs) == 0 {
		out.skipped = true
		out.details = map[string]any{"skipped": MsgNoPriceLog}
		log.Debug("no price logs in window, skip")
		_, err := s.ledger.Canceled(closeCtx, child.ID, MsgNoPriceLog, nil)
		return out, err
	}

	ids := make([]any, len(logs))
	for i, p := range logs {
		ids[i] = p.ID
	}
	if err := s.sender.SendPrices(ctx, catalog.FromPriceLogs(logs)); err != nil {
		return fail(err, ids)
	}

	out.details = map[string]any{"update_pricelog_ids": ids}
	log.Info("send to api ... ok", logger.Int("sent", len(logs)))
	_, err = s.ledger.Completed(closeCtx, child.ID, types.NewMetadata("update_pricelog_ids", ids))
	return out, err
}
