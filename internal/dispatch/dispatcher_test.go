package dispatch_test

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/price-tracker/internal/activitylog"
	"github.com/jonathan/price-tracker/internal/dispatch"
	"github.com/jonathan/price-tracker/internal/fanout"
	"github.com/jonathan/price-tracker/internal/memstore"
	"github.com/jonathan/price-tracker/internal/sites"
	"github.com/jonathan/price-tracker/internal/types"
)

type fakeAdapter struct {
	name   string
	hosts  sites.HostSet
	scrape func(ctx context.Context, rawURL string, opts sites.Options) ([]types.RawListing, error)
}

func (a *fakeAdapter) Name() string            { return a.name }
func (a *fakeAdapter) Matches(u *url.URL) bool { return a.hosts.Contains(u) }
func (a *fakeAdapter) Scrape(ctx context.Context, rawURL string, opts sites.Options) ([]types.RawListing, error) {
	return a.scrape(ctx, rawURL, opts)
}

func listing(title string, price, stock int, shops string) types.RawListing {
	l := types.NewRawListing()
	l.Title = title
	l.Price = price
	l.StockQuantity = stock
	l.ShopsWithStock = shops
	return l
}

// duplicatePage returns the listings of a page that shows A twice.
func duplicatePage(context.Context, string, sites.Options) ([]types.RawListing, error) {
	return []types.RawListing{
		listing("A", 100, 0, "shop 1"),
		listing("A", 100, 0, "shop 2"),
		listing("B", 50, 3, ""),
	}, nil
}

type fixture struct {
	store  *memstore.Store
	ledger *activitylog.Ledger

	mu     sync.Mutex
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	return &fixture{store: store, ledger: activitylog.New(store)}
}

func (f *fixture) dispatcher(cfg dispatch.Config, adapters ...sites.Adapter) *dispatch.Dispatcher {
	return dispatch.New(f.store, f.ledger, sites.NewRegistry(adapters...), cfg,
		dispatch.WithSleep(func(_ context.Context, d time.Duration) {
			f.mu.Lock()
			f.sleeps = append(f.sleeps, d)
			f.mu.Unlock()
		}),
	)
}

func (f *fixture) addURL(t *testing.T, raw string, active bool) int64 {
	t.Helper()
	ctx := context.Background()
	saved, err := f.store.SaveURLs(ctx, []types.URL{{URL: raw}})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveURLNotifications(ctx, []types.URLNotification{{URLID: saved[0].ID, IsActive: active}}))
	return saved[0].ID
}

func (f *fixture) logs(t *testing.T, activityType string) []types.ActivityLog {
	t.Helper()
	logs, err := f.ledger.List(context.Background(), types.ActivityLogFilter{ActivityTypes: []string{activityType}})
	require.NoError(t, err)
	return logs
}

func testConfig() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.OKWait = time.Second
	cfg.NGWait = 5 * time.Second
	return cfg
}

func goodAdapter() *fakeAdapter {
	return &fakeAdapter{name: "good", hosts: sites.NewHostSet("good.example"), scrape: duplicatePage}
}

func TestScrape_LockedByRunningSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addURL(t, "https://good.example/1", true)

	running, err := f.ledger.Create(ctx, activitylog.CreateInput{ActivityType: activitylog.TypeSendToAPI})
	require.NoError(t, err)
	_, err = f.ledger.MarkInProgress(ctx, running.ID)
	require.NoError(t, err)

	res, err := f.dispatcher(testConfig(), goodAdapter()).ScrapeAndSaveTargetURLs(ctx, "test", nil)
	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.Equal(t, types.StateCanceled, res.State)
	assert.Zero(t, res.ActivityLogID)
	assert.Empty(t, f.logs(t, activitylog.TypeScrapeURLs))
	assert.Empty(t, f.logs(t, activitylog.TypeScrapeURL))
}

func TestScrape_EmptyActiveSet(t *testing.T) {
	f := newFixture(t)
	f.addURL(t, "https://good.example/1", false)

	res, err := f.dispatcher(testConfig(), goodAdapter()).ScrapeAndSaveTargetURLs(context.Background(), "test", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateCanceled, res.State)
	assert.False(t, res.Locked)

	runs := f.logs(t, activitylog.TypeScrapeURLs)
	require.Len(t, runs, 1)
	assert.Equal(t, types.StateCanceled, runs[0].CurrentState)
	assert.Equal(t, "No target urls", runs[0].ErrorMsg)
	assert.Equal(t, activitylog.TableRun, runs[0].TargetTable)
	assert.Empty(t, f.logs(t, activitylog.TypeScrapeURL))
}

func TestScrape_NarrowedToInactiveURL(t *testing.T) {
	f := newFixture(t)
	f.addURL(t, "https://good.example/1", true)
	id := f.addURL(t, "https://good.example/2", false)

	res, err := f.dispatcher(testConfig(), goodAdapter()).ScrapeAndSaveTargetURLs(context.Background(), "test", &id)
	require.NoError(t, err)
	assert.Equal(t, types.StateCanceled, res.State)
	assert.Contains(t, res.ErrorMsg, "No active target url for url_id:")
}

func TestScrape_NarrowedToOneURL(t *testing.T) {
	f := newFixture(t)
	f.addURL(t, "https://good.example/1", true)
	id := f.addURL(t, "https://good.example/2", true)

	res, err := f.dispatcher(testConfig(), goodAdapter()).ScrapeAndSaveTargetURLs(context.Background(), "test", &id)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, res.State)
	assert.Equal(t, 1, res.Total)

	children := f.logs(t, activitylog.TypeScrapeURL)
	require.Len(t, children, 1)
	assert.Equal(t, itoa(id), children[0].TargetID)
}

func TestScrape_SavesReconciledListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addURL(t, "https://good.example/1", true)

	res, err := f.dispatcher(testConfig(), goodAdapter()).ScrapeAndSaveTargetURLs(ctx, "cron", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, res.State)

	logs, err := f.store.ListPriceLogs(ctx, types.PriceLogFilter{URL: "https://good.example/1"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "A", logs[0].Title)
	assert.Equal(t, 2, logs[0].StockQuantity)
	assert.Equal(t, "good", logs[0].ShopName)
	assert.Equal(t, 3, logs[1].StockQuantity)
	assert.Equal(t, id, logs[0].URLID)

	children := f.logs(t, activitylog.TypeScrapeURL)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, types.StateCompleted, child.CurrentState)
	assert.Equal(t, activitylog.TableURL, child.TargetTable)
	assert.Equal(t, "cron", child.CallerType)
	assert.Equal(t, []string{"url", "sitename", "saved"}, child.Meta.Keys())
	saved, _ := child.Meta.Get("saved")
	assert.Equal(t, 2, saved)

	assert.Equal(t, []time.Duration{time.Second}, f.sleeps)
}

func TestScrape_MixedOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := &fakeAdapter{
		name:  "bad",
		hosts: sites.NewHostSet("bad.example"),
		scrape: func(context.Context, string, sites.Options) ([]types.RawListing, error) {
			return nil, errors.New("blocked")
		},
	}
	goodID := f.addURL(t, "https://good.example/1", true)
	badID := f.addURL(t, "https://bad.example/1", true)
	unsupportedID := f.addURL(t, "https://unknown.example/1", true)
	invalidID := f.addURL(t, "not a url", true)
	require.NoError(t, f.store.SaveURLNotifications(ctx, []types.URLNotification{{URLID: 999, IsActive: true}}))

	res, err := f.dispatcher(testConfig(), goodAdapter(), bad).ScrapeAndSaveTargetURLs(ctx, "test", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompletedWithErrors, res.State)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 4, res.Failed)

	run, err := f.ledger.Get(ctx, res.ActivityLogID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompletedWithErrors, run.CurrentState)
	assert.Contains(t, run.ErrorMsg, "bad adapter error")
	assert.Contains(t, run.ErrorMsg, "url not found: 999")
	assert.Contains(t, run.ErrorMsg, "unsupported domain: unknown.example")

	results, ok := run.Meta.Get("target_results")
	require.True(t, ok)
	byID := results.(map[string]any)
	assert.Len(t, byID, 5)
	assert.Equal(t, map[string]any{}, byID[itoa(goodID)])
	for _, id := range []int64{badID, unsupportedID, invalidID, 999} {
		entry, ok := byID[itoa(id)].(map[string]any)
		require.True(t, ok, "url %d", id)
		assert.NotEmpty(t, entry["error"])
	}

	children := f.logs(t, activitylog.TypeScrapeURL)
	require.Len(t, children, 5)
	failed := 0
	for _, c := range children {
		assert.True(t, c.CurrentState.IsTerminal())
		if c.CurrentState == types.StateFailed {
			failed++
		}
	}
	assert.Equal(t, 4, failed)

	// Only URLs that reached an adapter are delayed.
	assert.ElementsMatch(t, []time.Duration{time.Second, 5 * time.Second}, f.sleeps)
}

func TestScrape_AllFailed(t *testing.T) {
	f := newFixture(t)
	f.addURL(t, "https://unknown.example/1", true)
	f.addURL(t, "https://unknown.example/2", true)

	res, err := f.dispatcher(testConfig(), goodAdapter()).ScrapeAndSaveTargetURLs(context.Background(), "test", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, res.State)
	assert.Equal(t, 2, res.Failed)
}

func TestScrape_OverrideSelectsAdapterWithMergedOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var got sites.Options
	gemini := &fakeAdapter{
		name:  "gemini",
		hosts: sites.NewHostSet(),
		scrape: func(ctx context.Context, raw string, opts sites.Options) ([]types.RawListing, error) {
			got = opts
			return duplicatePage(ctx, raw, opts)
		},
	}
	id := f.addURL(t, "https://shop.example/item", true)
	require.NoError(t, f.store.SaveURLUpdateParameter(ctx, types.URLUpdateParameter{
		URLID:    id,
		Sitename: "gemini",
		Options:  map[string]any{"prompt": "price", "remove_duplicates": false},
	}))

	cfg := testConfig()
	cfg.RequestOptions = sites.Options{"remove_duplicates": true, "convert_to_direct_search": true}
	res, err := f.dispatcher(cfg, goodAdapter(), gemini).ScrapeAndSaveTargetURLs(ctx, "test", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, res.State)
	assert.Equal(t, sites.Options{
		"remove_duplicates":        false,
		"convert_to_direct_search": true,
		"prompt":                   "price",
	}, got)

	logs, err := f.store.ListPriceLogs(ctx, types.PriceLogFilter{URL: "https://shop.example/item"})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	assert.Equal(t, "gemini", logs[0].ShopName)
}

func TestScrape_AdapterTimeoutIsPerURLFailure(t *testing.T) {
	f := newFixture(t)
	slow := &fakeAdapter{
		name:  "slow",
		hosts: sites.NewHostSet("slow.example"),
		scrape: func(ctx context.Context, _ string, _ sites.Options) ([]types.RawListing, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f.addURL(t, "https://slow.example/1", true)
	f.addURL(t, "https://good.example/1", true)

	cfg := testConfig()
	cfg.AdapterTimeout = 10 * time.Millisecond
	res, err := f.dispatcher(cfg, goodAdapter(), slow).ScrapeAndSaveTargetURLs(context.Background(), "test", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompletedWithErrors, res.State)
	assert.Contains(t, res.ErrorMsg, "context deadline exceeded")
}

func TestScrape_SequentialKeepsInputOrder(t *testing.T) {
	f := newFixture(t)
	var (
		mu    sync.Mutex
		order []string
	)
	recording := &fakeAdapter{
		name:  "rec",
		hosts: sites.NewHostSet("rec.example"),
		scrape: func(_ context.Context, raw string, _ sites.Options) ([]types.RawListing, error) {
			mu.Lock()
			order = append(order, raw)
			mu.Unlock()
			return nil, nil
		},
	}
	for _, p := range []string{"a", "b", "c"} {
		f.addURL(t, "https://rec.example/"+p, true)
	}

	_, err := f.dispatcher(testConfig(), recording).ScrapeAndSaveTargetURLs(context.Background(), "test", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://rec.example/a", "https://rec.example/b", "https://rec.example/c"}, order)
}

func TestScrape_ParallelRunsURLsConcurrently(t *testing.T) {
	f := newFixture(t)
	const n = 3
	var inFlight, maxInFlight int32
	release := make(chan struct{})
	arrived := make(chan struct{}, n)

	concurrent := &fakeAdapter{
		name:  "par",
		hosts: sites.NewHostSet("par.example"),
		scrape: func(ctx context.Context, raw string, opts sites.Options) ([]types.RawListing, error) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				prev := atomic.LoadInt32(&maxInFlight)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
					break
				}
			}
			arrived <- struct{}{}
			<-release
			atomic.AddInt32(&inFlight, -1)
			return duplicatePage(ctx, raw, opts)
		},
	}
	for _, p := range []string{"a", "b", "c"} {
		f.addURL(t, "https://par.example/"+p, true)
	}

	go func() {
		for i := 0; i < n; i++ {
			select {
			case <-arrived:
			case <-time.After(5 * time.Second):
			}
		}
		close(release)
	}()

	cfg := testConfig()
	cfg.Mode = fanout.Parallel
	res, err := f.dispatcher(cfg, concurrent).ScrapeAndSaveTargetURLs(context.Background(), "test", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, res.State)
	assert.Equal(t, int32(n), atomic.LoadInt32(&maxInFlight))
	assert.Len(t, f.logs(t, activitylog.TypeScrapeURL), n)
}

func TestScrape_SecondRunAfterFirstFinishes(t *testing.T) {
	f := newFixture(t)
	f.addURL(t, "https://good.example/1", true)
	d := f.dispatcher(testConfig(), goodAdapter())

	first, err := d.ScrapeAndSaveTargetURLs(context.Background(), "test", nil)
	require.NoError(t, err)
	second, err := d.ScrapeAndSaveTargetURLs(context.Background(), "test", nil)
	require.NoError(t, err)

	assert.False(t, second.Locked)
	assert.NotEqual(t, first.TargetID, second.TargetID)
	assert.Len(t, f.logs(t, activitylog.TypeScrapeURLs), 2)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ctxStore rejects ledger writes on a done context, the way a database
// driver does. Inserting the child row of failTarget fails and closes failed.
type ctxStore struct {
	*memstore.Store
	failTarget string
	failed     chan struct{}
	once       sync.Once
}

func newCtxStore() *ctxStore {
	return &ctxStore{Store: memstore.New(), failed: make(chan struct{})}
}

func (s *ctxStore) InsertActivityLog(ctx context.Context, log *types.ActivityLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if log.ActivityType == activitylog.TypeScrapeURL && log.TargetID == s.failTarget {
		s.once.Do(func() { close(s.failed) })
		return errors.New("insert rejected")
	}
	return s.Store.InsertActivityLog(ctx, log)
}

func (s *ctxStore) UpdateActivityLog(ctx context.Context, log *types.ActivityLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.UpdateActivityLog(ctx, log)
}

func (s *ctxStore) addURL(t *testing.T, raw string) int64 {
	t.Helper()
	ctx := context.Background()
	saved, err := s.SaveURLs(ctx, []types.URL{{URL: raw}})
	require.NoError(t, err)
	require.NoError(t, s.SaveURLNotifications(ctx, []types.URLNotification{{URLID: saved[0].ID, IsActive: true}}))
	return saved[0].ID
}

func allLogs(t *testing.T, ledger *activitylog.Ledger, activityType string) []types.ActivityLog {
	t.Helper()
	logs, err := ledger.List(context.Background(), types.ActivityLogFilter{ActivityTypes: []string{activityType}})
	require.NoError(t, err)
	return logs
}

func TestScrape_ParallelLedgerFailureLeavesSiblingsRunning(t *testing.T) {
	store := newCtxStore()
	ledger := activitylog.New(store)
	store.addURL(t, "https://wait.example/1")
	store.addURL(t, "https://wait.example/2")
	store.failTarget = itoa(store.addURL(t, "https://wait.example/3"))

	waiting := &fakeAdapter{
		name:  "wait",
		hosts: sites.NewHostSet("wait.example"),
		scrape: func(ctx context.Context, raw string, opts sites.Options) ([]types.RawListing, error) {
			select {
			case <-store.failed:
			case <-time.After(5 * time.Second):
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return duplicatePage(ctx, raw, opts)
		},
	}
	cfg := testConfig()
	cfg.Mode = fanout.Parallel
	cfg.MaxParallel = 0
	d := dispatch.New(store, ledger, sites.NewRegistry(waiting), cfg,
		dispatch.WithSleep(func(context.Context, time.Duration) {}))

	res, err := d.ScrapeAndSaveTargetURLs(context.Background(), "test", nil)
	require.Error(t, err)
	assert.Nil(t, res)

	runs := allLogs(t, ledger, activitylog.TypeScrapeURLs)
	require.Len(t, runs, 1)
	assert.Equal(t, types.StateFailed, runs[0].CurrentState)
	assert.Contains(t, runs[0].ErrorMsg, "insert rejected")

	children := allLogs(t, ledger, activitylog.TypeScrapeURL)
	require.Len(t, children, 2)
	for _, c := range children {
		assert.Equal(t, types.StateCompleted, c.CurrentState, "child for url %s", c.TargetID)
	}
}

func TestScrape_CanceledMidScrapeStillClosesRows(t *testing.T) {
	store := newCtxStore()
	ledger := activitylog.New(store)
	store.addURL(t, "https://cancel.example/1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	canceling := &fakeAdapter{
		name:  "cancel",
		hosts: sites.NewHostSet("cancel.example"),
		scrape: func(ctx context.Context, _ string, _ sites.Options) ([]types.RawListing, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	d := dispatch.New(store, ledger, sites.NewRegistry(canceling), testConfig(),
		dispatch.WithSleep(func(context.Context, time.Duration) {}))

	res, err := d.ScrapeAndSaveTargetURLs(ctx, "test", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, res.State)

	runs := allLogs(t, ledger, activitylog.TypeScrapeURLs)
	require.Len(t, runs, 1)
	assert.Equal(t, types.StateFailed, runs[0].CurrentState)
	children := allLogs(t, ledger, activitylog.TypeScrapeURL)
	require.Len(t, children, 1)
	assert.Equal(t, types.StateFailed, children[0].CurrentState)
}
