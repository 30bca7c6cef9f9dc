package activitylog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/price-tracker/internal/activitylog"
	"github.com/jonathan/price-tracker/internal/memstore"
	"github.com/jonathan/price-tracker/internal/types"
)

// stepClock advances by one second on every call so UpdatedAt is strictly increasing.
type stepClock struct {
	t time.Time
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newLedger(t *testing.T, opts ...activitylog.Option) (*activitylog.Ledger, *memstore.Store) {
	t.Helper()
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := memstore.New(memstore.WithClock(clock.Now))
	return activitylog.New(store, opts...), store
}

func TestCreate_StartsPending(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	log, err := ledger.Create(ctx, activitylog.CreateInput{
		TargetID:     "run-1",
		ActivityType: "scrape_urls",
		CallerType:   "cron",
		Meta:         types.NewMetadata("k", "v"),
	})
	require.NoError(t, err)
	assert.NotZero(t, log.ID)
	assert.Equal(t, types.StatePending, log.CurrentState)
	assert.Equal(t, "None", log.TargetTable)
	assert.Equal(t, []string{"k"}, log.Meta.Keys())
	assert.Equal(t, log.CreatedAt, log.UpdatedAt)
}

func TestLifecycle_InProgressThenTerminal(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	created, err := ledger.Create(ctx, activitylog.CreateInput{TargetID: "1", ActivityType: "scrape_url"})
	require.NoError(t, err)

	started, err := ledger.MarkInProgress(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateInProgress, started.CurrentState)
	assert.True(t, started.UpdatedAt.After(created.UpdatedAt))

	done, err := ledger.Completed(ctx, created.ID, types.NewMetadata("saved", 3))
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, done.CurrentState)
	v, ok := done.Meta.Get("saved")
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.True(t, done.UpdatedAt.After(started.UpdatedAt))
}

func TestTerminalStates_AreClosed(t *testing.T) {
	ctx := context.Background()
	all := []types.ActivityState{
		types.StatePending,
		types.StateInProgress,
		types.StateCompleted,
		types.StateCompletedWithErrors,
		types.StateFailed,
		types.StateCanceled,
	}

	for _, terminal := range types.TerminalStates {
		t.Run(string(terminal), func(t *testing.T) {
			ledger, _ := newLedger(t)
			log, err := ledger.Create(ctx, activitylog.CreateInput{TargetID: "x"})
			require.NoError(t, err)
			_, err = ledger.MarkInProgress(ctx, log.ID)
			require.NoError(t, err)
			_, err = ledger.MarkTerminal(ctx, log.ID, terminal, "", nil)
			require.NoError(t, err)

			for _, next := range all {
				var err error
				if next == types.StateInProgress {
					_, err = ledger.MarkInProgress(ctx, log.ID)
				} else if next.IsTerminal() {
					_, err = ledger.MarkTerminal(ctx, log.ID, next, "", nil)
				} else {
					assert.False(t, activitylog.CanTransition(terminal, next))
					continue
				}
				var transitionErr *activitylog.TransitionError
				assert.ErrorAs(t, err, &transitionErr, "%s -> %s", terminal, next)
			}

			stored, err := ledger.Get(ctx, log.ID)
			require.NoError(t, err)
			assert.Equal(t, terminal, stored.CurrentState)
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, activitylog.CanTransition(types.StatePending, types.StateInProgress))
	assert.True(t, activitylog.CanTransition(types.StatePending, types.StateCanceled))
	assert.True(t, activitylog.CanTransition(types.StatePending, types.StateFailed))
	assert.False(t, activitylog.CanTransition(types.StatePending, types.StateCompleted))
	assert.False(t, activitylog.CanTransition(types.StateInProgress, types.StatePending))
	assert.False(t, activitylog.CanTransition(types.StateInProgress, types.StateInProgress))
	assert.True(t, activitylog.CanTransition(types.StateInProgress, types.StateCompletedWithErrors))
}

func TestMarkTerminal_RejectsNonTerminal(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()
	log, err := ledger.Create(ctx, activitylog.CreateInput{TargetID: "x"})
	require.NoError(t, err)

	_, err = ledger.MarkTerminal(ctx, log.ID, types.StateInProgress, "", nil)
	assert.Error(t, err)
}

func TestUnknownID_IsConsistencyError(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	_, err := ledger.MarkInProgress(ctx, 999)
	var consistencyErr *activitylog.ConsistencyError
	require.ErrorAs(t, err, &consistencyErr)
	assert.Equal(t, int64(999), consistencyErr.ID)

	_, err = ledger.Failed(ctx, 999, "x", nil)
	assert.ErrorAs(t, err, &consistencyErr)
}

func TestErrorMessages_Append(t *testing.T) {
	ledger, store := newLedger(t)
	ctx := context.Background()
	log, err := ledger.Create(ctx, activitylog.CreateInput{TargetID: "x"})
	require.NoError(t, err)

	// Seed an existing message as if a prior writer had recorded one.
	log.ErrorMsg = "first"
	require.NoError(t, store.UpdateActivityLog(ctx, log))

	_, err = ledger.MarkInProgress(ctx, log.ID)
	require.NoError(t, err)
	failed, err := ledger.Failed(ctx, log.ID, "second", nil)
	require.NoError(t, err)
	assert.Equal(t, "first; second", failed.ErrorMsg)
}

func TestAppendError(t *testing.T) {
	assert.Equal(t, "", activitylog.AppendError("", ""))
	assert.Equal(t, "a", activitylog.AppendError("", "a"))
	assert.Equal(t, "a", activitylog.AppendError("a", ""))
	assert.Equal(t, "a; b", activitylog.AppendError("a", "b"))
}

func TestMetadataMerge_OnTerminal(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()
	log, err := ledger.Create(ctx, activitylog.CreateInput{
		TargetID: "x",
		Meta:     types.NewMetadata("a", 1, "b", 2),
	})
	require.NoError(t, err)
	_, err = ledger.MarkInProgress(ctx, log.ID)
	require.NoError(t, err)

	done, err := ledger.Completed(ctx, log.ID, types.NewMetadata("b", "new", "c", 3))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, done.Meta.Keys())
	v, _ := done.Meta.Get("b")
	assert.Equal(t, "new", v)
}

func TestLatest_PicksMaxUpdatedAtAndFiltersStates(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	first, err := ledger.Create(ctx, activitylog.CreateInput{TargetID: "a", ActivityType: "send_to_api"})
	require.NoError(t, err)
	second, err := ledger.Create(ctx, activitylog.CreateInput{TargetID: "b", ActivityType: "send_to_api"})
	require.NoError(t, err)
	_, err = ledger.Create(ctx, activitylog.CreateInput{TargetID: "c", ActivityType: "scrape_urls"})
	require.NoError(t, err)

	_, err = ledger.MarkInProgress(ctx, second.ID)
	require.NoError(t, err)
	_, err = ledger.Completed(ctx, second.ID, nil)
	require.NoError(t, err)
	// first updated last, but stays non-terminal
	_, err = ledger.MarkInProgress(ctx, first.ID)
	require.NoError(t, err)

	latest, err := ledger.Latest(ctx, []string{"send_to_api"}, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	latest, err = ledger.Latest(ctx, []string{"send_to_api"}, types.TerminalStates)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	none, err := ledger.Latest(ctx, []string{"unknown"}, nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLatest_TieBrokenByID(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memstore.New(memstore.WithClock(func() time.Time { return fixed }))
	ledger := activitylog.New(store)
	ctx := context.Background()

	var last *types.ActivityLog
	for i := 0; i < 5; i++ {
		log, err := ledger.Create(ctx, activitylog.CreateInput{TargetID: "t", ActivityType: "send_to_api"})
		require.NoError(t, err)
		last = log
	}

	for i := 0; i < 3; i++ {
		latest, err := ledger.Latest(ctx, []string{"send_to_api"}, nil)
		require.NoError(t, err)
		assert.Equal(t, last.ID, latest.ID)
	}
}

func TestIsLocked(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()
	types2 := []string{"scrape_urls", "send_to_api"}

	locked, err := ledger.IsLocked(ctx, types2)
	require.NoError(t, err)
	assert.False(t, locked)

	log, err := ledger.Create(ctx, activitylog.CreateInput{TargetID: "r", ActivityType: "send_to_api"})
	require.NoError(t, err)
	locked, err = ledger.IsLocked(ctx, types2)
	require.NoError(t, err)
	assert.False(t, locked, "pending rows do not lock")

	_, err = ledger.MarkInProgress(ctx, log.ID)
	require.NoError(t, err)
	locked, err = ledger.IsLocked(ctx, types2)
	require.NoError(t, err)
	assert.True(t, locked)

	locked, err = ledger.IsLocked(ctx, []string{"other"})
	require.NoError(t, err)
	assert.False(t, locked)

	_, err = ledger.Canceled(ctx, log.ID, "", nil)
	require.NoError(t, err)
	locked, err = ledger.IsLocked(ctx, types2)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		total, failed int
		want          types.ActivityState
	}{
		{0, 0, types.StateCanceled},
		{1, 0, types.StateCompleted},
		{5, 0, types.StateCompleted},
		{1, 1, types.StateFailed},
		{5, 5, types.StateFailed},
		{5, 1, types.StateCompletedWithErrors},
		{5, 4, types.StateCompletedWithErrors},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, activitylog.Outcome(tt.total, tt.failed), "N=%d k=%d", tt.total, tt.failed)
	}
}

func TestWatermark(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	log := &types.ActivityLog{UpdatedAt: time.Date(2024, 1, 1, 9, 0, 0, 0, jst)}
	wm := activitylog.Watermark(log)
	assert.Equal(t, time.UTC, wm.Location())
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 1000, time.UTC), wm)
}

func TestObserver_ReceivesTransitions(t *testing.T) {
	var events []activitylog.Event
	ledger, _ := newLedger(t, activitylog.WithObserver(func(e activitylog.Event) {
		events = append(events, e)
	}))
	ctx := context.Background()

	log, err := ledger.Create(ctx, activitylog.CreateInput{TargetID: "x", ActivityType: "scrape_url"})
	require.NoError(t, err)
	_, err = ledger.MarkInProgress(ctx, log.ID)
	require.NoError(t, err)
	_, err = ledger.Failed(ctx, log.ID, "boom", nil)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, types.StatePending, events[0].To)
	assert.Equal(t, types.StatePending, events[1].From)
	assert.Equal(t, types.StateInProgress, events[1].To)
	assert.Equal(t, types.StateFailed, events[2].To)
	assert.Equal(t, "boom", events[2].ErrorMsg)
	assert.Equal(t, "scrape_url", events[2].ActivityType)
}

// filterRecorder captures the filters the ledger sends to its store.
type filterRecorder struct {
	*memstore.Store
	filters []types.ActivityLogFilter
}

func (r *filterRecorder) ListActivityLogs(ctx context.Context, filter types.ActivityLogFilter) ([]types.ActivityLog, error) {
	r.filters = append(r.filters, filter)
	return r.Store.ListActivityLogs(ctx, filter)
}

func TestLatest_AsksStoreForOneNewestRow(t *testing.T) {
	store := &filterRecorder{Store: memstore.New()}
	ledger := activitylog.New(store)
	ctx := context.Background()
	_, err := ledger.Create(ctx, activitylog.CreateInput{ActivityType: "send_to_api"})
	require.NoError(t, err)

	_, err = ledger.Latest(ctx, []string{"send_to_api"}, []types.ActivityState{types.StateCompleted})
	require.NoError(t, err)

	require.Len(t, store.filters, 1)
	assert.True(t, store.filters[0].NewestFirst)
	assert.Equal(t, 1, store.filters[0].Limit)
	assert.Equal(t, []string{"send_to_api"}, store.filters[0].ActivityTypes)
}
