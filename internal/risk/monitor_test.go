package risk_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrader/internal/domain"
	"papertrader/internal/marketfeed"
	"papertrader/internal/notify"
	"papertrader/internal/risk"
	"papertrader/internal/store/storetest"
	"papertrader/internal/symbols"
	"papertrader/internal/trading"
	"papertrader/internal/wallet"
)

const user = "trader-1"

var (
	relianceKey = domain.InstrumentKey{Exchange: "NSE", Token: "2885"}
	niftyKey    = domain.InstrumentKey{Exchange: "NFO", Token: "43650"}
	expiry      = time.Date(2026, 3, 26, 15, 30, 0, 0, time.UTC)
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func nd(v int64) decimal.NullDecimal { return decimal.NewNullDecimal(decimal.NewFromInt(v)) }

// fakeFeed serves cached prices, quotes and waits from maps.
type fakeFeed struct {
	mu      sync.Mutex
	cached  map[domain.InstrumentKey]decimal.Decimal
	quotes  map[domain.InstrumentKey]decimal.Decimal
	waited  map[domain.InstrumentKey]decimal.Decimal
	ensured []domain.InstrumentKey
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		cached: make(map[domain.InstrumentKey]decimal.Decimal),
		quotes: make(map[domain.InstrumentKey]decimal.Decimal),
		waited: make(map[domain.InstrumentKey]decimal.Decimal),
	}
}

func (f *fakeFeed) setCached(key domain.InstrumentKey, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached[key] = d(v)
}

func (f *fakeFeed) LatestPrice(key domain.InstrumentKey) (domain.PriceTick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.cached[key]
	return domain.PriceTick{Exchange: key.Exchange, Token: key.Token, LastPrice: p}, ok
}

func (f *fakeFeed) WaitForPrice(_ context.Context, key domain.InstrumentKey, _ time.Duration) (domain.PriceTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.waited[key]
	if !ok {
		return domain.PriceTick{}, marketfeed.ErrPriceUnavailable
	}
	return domain.PriceTick{Exchange: key.Exchange, Token: key.Token, LastPrice: p}, nil
}

func (f *fakeFeed) FetchQuote(_ context.Context, key domain.InstrumentKey) (domain.PriceTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.quotes[key]
	if !ok {
		return domain.PriceTick{}, errors.New("quote unavailable")
	}
	return domain.PriceTick{Exchange: key.Exchange, Token: key.Token, LastPrice: p}, nil
}

func (f *fakeFeed) EnsureSubscribed(keys []domain.InstrumentKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append([]domain.InstrumentKey(nil), keys...)
}

func (f *fakeFeed) ensuredKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.ensured))
	for _, k := range f.ensured {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

// recordingNotifier captures operator events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	engine   *trading.Engine
	monitor  *risk.Monitor
	mirror   *risk.MemoryMirror
	feed     *fakeFeed
	notifier *recordingNotifier
	ledger   *wallet.Ledger
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()

	db := storetest.Open(t)
	dir := symbols.NewDirectory(db, nil)
	require.NoError(t, dir.Save(context.Background(), []domain.Instrument{
		{Exchange: "NSE", Token: "2885", TradingSymbol: "RELIANCE-EQ", Tradable: true, LotSize: 1},
		{Exchange: "NFO", Token: "43650", TradingSymbol: "NIFTY26MARFUT", ExpirationDate: &expiry, Tradable: true, LotSize: 75},
	}))

	ledger := wallet.NewLedger(db, nil)
	_, err := ledger.Credit(context.Background(), user, wallet.Entry{Amount: d(2_000_000), Description: "opening balance"})
	require.NoError(t, err)

	feed := newFakeFeed()
	mirror := risk.NewMemoryMirror()
	notifier := &recordingNotifier{}

	engine := trading.NewEngine(trading.Config{DB: db, Symbols: dir, Prices: feed, Ledger: ledger})
	monitor := risk.NewMonitor(risk.Config{
		Engine:   engine,
		Feed:     feed,
		Mirror:   mirror,
		Notifier: notifier,
		Now:      func() time.Time { return now },
	})
	engine.SetObserver(monitor)

	return &fixture{engine: engine, monitor: monitor, mirror: mirror, feed: feed, notifier: notifier, ledger: ledger}
}

func (f *fixture) open(t *testing.T, req trading.PlaceOrderRequest) domain.Position {
	t.Helper()
	order, err := f.engine.PlaceOrder(context.Background(), user, req)
	require.NoError(t, err)
	pos, err := f.engine.GetPosition(context.Background(), user, order.Trades[0].PositionID)
	require.NoError(t, err)
	return *pos
}

func (f *fixture) mirrored(t *testing.T) []domain.Position {
	t.Helper()
	all, err := f.mirror.All(context.Background())
	require.NoError(t, err)
	return all
}

func longReliance() trading.PlaceOrderRequest {
	return trading.PlaceOrderRequest{
		Symbol:      "RELIANCE-EQ",
		Side:        domain.SideBuy,
		Quantity:    d(10),
		Price:       nd(500),
		TargetPrice: nd(550),
		StopLoss:    nd(480),
	}
}

func TestMonitor_SweepTriggers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		price  int64
		reason string
		pnl    int64
	}{
		{name: "target reached", price: 560, reason: domain.CloseReasonTarget, pnl: 600},
		{name: "target touched", price: 550, reason: domain.CloseReasonTarget, pnl: 500},
		{name: "stop-loss crossed", price: 470, reason: domain.CloseReasonStopLoss, pnl: -300},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, time.Now())
			ctx := context.Background()
			pos := f.open(t, longReliance())
			require.Len(t, f.mirrored(t), 1)

			f.feed.setCached(relianceKey, tt.price)
			f.monitor.Sweep(ctx)

			closed, err := f.engine.GetPosition(ctx, user, pos.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.PositionStatusClosed, closed.Status)
			assert.Equal(t, tt.reason, closed.CloseReason)
			assert.True(t, d(tt.price).Equal(closed.CurrentPrice.Decimal))
			assert.True(t, d(tt.pnl).Equal(closed.RealizedPnl.Decimal))
			assert.Empty(t, f.mirrored(t))
			assert.Equal(t, []notify.Kind{notify.KindSquareOff}, f.notifier.kinds())
		})
	}
}

func TestMonitor_SweepShortPosition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now())
	ctx := context.Background()
	pos := f.open(t, trading.PlaceOrderRequest{
		Symbol: "RELIANCE-EQ", Side: domain.SideSell, Quantity: d(10), Price: nd(500),
		TargetPrice: nd(450), StopLoss: nd(520),
	})

	f.feed.setCached(relianceKey, 449)
	f.monitor.Sweep(ctx)

	closed, err := f.engine.GetPosition(ctx, user, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReasonTarget, closed.CloseReason)
	assert.True(t, d(510).Equal(closed.RealizedPnl.Decimal))
}

func TestMonitor_SweepLeavesUntriggeredPositions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now())
	ctx := context.Background()
	pos := f.open(t, longReliance())

	// No tick yet.
	f.monitor.Sweep(ctx)
	assert.Len(t, f.mirrored(t), 1)

	f.feed.setCached(relianceKey, 520)
	f.monitor.Sweep(ctx)

	still, err := f.engine.GetPosition(ctx, user, pos.ID)
	require.NoError(t, err)
	assert.True(t, still.IsOpen())
	assert.Len(t, f.mirrored(t), 1)
	assert.Empty(t, f.notifier.kinds())
}

func TestMonitor_SweepDropsStaleMirrorEntries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now())
	ctx := context.Background()
	pos := f.open(t, longReliance())

	_, err := f.engine.ClosePosition(ctx, user, pos.ID, d(505), "")
	require.NoError(t, err)

	// A stale snapshot survives in the mirror until the next resync.
	require.NoError(t, f.mirror.Put(ctx, pos))

	f.feed.setCached(relianceKey, 600)
	f.monitor.Sweep(ctx)

	assert.Empty(t, f.mirrored(t))
	assert.Empty(t, f.notifier.kinds())

	balance, err := f.ledger.Balance(ctx, user)
	require.NoError(t, err)
	assert.True(t, d(2_000_050).Equal(balance), balance.String())
}

// flakyCloser fails closes for one position id.
type flakyCloser struct {
	failID string
	mu     sync.Mutex
	closed []string
}

func (c *flakyCloser) ClosePosition(_ context.Context, _, positionID string, price decimal.Decimal, _ string) (*trading.CloseResult, error) {
	if positionID == c.failID {
		return nil, errors.New("database is locked")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, positionID)
	return &trading.CloseResult{PnL: price}, nil
}

func (c *flakyCloser) AllOpenPositions(context.Context) ([]domain.Position, error) {
	return nil, nil
}

func TestMonitor_SweepIsolatesFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	feed := newFakeFeed()
	feed.setCached(relianceKey, 600)
	mirror := risk.NewMemoryMirror()
	notifier := &recordingNotifier{}
	closer := &flakyCloser{failID: "bad"}

	for _, id := range []string{"bad", "good"} {
		require.NoError(t, mirror.Put(ctx, domain.Position{
			ID: id, UserID: user, Symbol: "RELIANCE-EQ", Exchange: "NSE", InstrumentToken: "2885",
			Side: domain.SideBuy, Quantity: d(1), AvgPrice: d(500), TargetPrice: nd(550),
			Status: domain.PositionStatusOpen,
		}))
	}

	monitor := risk.NewMonitor(risk.Config{Engine: closer, Feed: feed, Mirror: mirror, Notifier: notifier})
	monitor.Sweep(ctx)

	assert.Equal(t, []string{"good"}, closer.closed)

	left, err := mirror.All(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "bad", left[0].ID)
	assert.ElementsMatch(t, []notify.Kind{notify.KindFailure, notify.KindSquareOff}, notifier.kinds())
}

func TestMonitor_ResyncReplacesMirror(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now())
	ctx := context.Background()
	pos := f.open(t, longReliance())

	require.NoError(t, f.mirror.Put(ctx, domain.Position{ID: "ghost", Exchange: "NSE", InstrumentToken: "1"}))
	require.Len(t, f.mirrored(t), 2)

	f.monitor.Resync(ctx)

	mirrored := f.mirrored(t)
	require.Len(t, mirrored, 1)
	assert.Equal(t, pos.ID, mirrored[0].ID)
	assert.Equal(t, []string{"NSE|2885"}, f.feed.ensuredKeys())
}

func TestMonitor_PositionChangedWarmsChannel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now())

	f.open(t, longReliance())
	assert.Equal(t, []string{"NSE|2885"}, f.feed.ensuredKeys())

	f.open(t, trading.PlaceOrderRequest{Symbol: "NIFTY26MARFUT", Side: domain.SideBuy, Quantity: d(75), Price: nd(12_000)})
	assert.Equal(t, []string{"NFO|43650", "NSE|2885"}, f.feed.ensuredKeys())
}

func TestMonitor_ExpirySweep(t *testing.T) {
	t.Parallel()

	afterExpiry := expiry.Add(24 * time.Hour)
	future := trading.PlaceOrderRequest{Symbol: "NIFTY26MARFUT", Side: domain.SideBuy, Quantity: d(75), Price: nd(12_000)}

	t.Run("closes at quote", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, afterExpiry)
		ctx := context.Background()
		pos := f.open(t, future)
		equity := f.open(t, longReliance())

		f.feed.cached[niftyKey] = d(99_999)
		f.feed.quotes[niftyKey] = d(12_100)
		f.monitor.ExpirySweep(ctx)

		closed, err := f.engine.GetPosition(ctx, user, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PositionStatusClosed, closed.Status)
		assert.Equal(t, domain.CloseReasonExpirySquareOff, closed.CloseReason)
		assert.True(t, d(7_500).Equal(closed.RealizedPnl.Decimal))

		other, err := f.engine.GetPosition(ctx, user, equity.ID)
		require.NoError(t, err)
		assert.True(t, other.IsOpen())
	})

	t.Run("falls back to fresh tick", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, afterExpiry)
		ctx := context.Background()
		pos := f.open(t, future)

		f.feed.waited[niftyKey] = d(11_900)
		f.monitor.ExpirySweep(ctx)

		closed, err := f.engine.GetPosition(ctx, user, pos.ID)
		require.NoError(t, err)
		assert.True(t, d(-7_500).Equal(closed.RealizedPnl.Decimal))
	})

	t.Run("skips without price", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, afterExpiry)
		ctx := context.Background()
		pos := f.open(t, future)

		f.feed.cached[niftyKey] = d(12_500)
		f.monitor.ExpirySweep(ctx)

		still, err := f.engine.GetPosition(ctx, user, pos.ID)
		require.NoError(t, err)
		assert.True(t, still.IsOpen())
	})

	t.Run("ignores unexpired contracts", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, expiry.Add(-time.Hour))
		ctx := context.Background()
		pos := f.open(t, future)

		f.feed.quotes[niftyKey] = d(12_100)
		f.monitor.ExpirySweep(ctx)

		still, err := f.engine.GetPosition(ctx, user, pos.ID)
		require.NoError(t, err)
		assert.True(t, still.IsOpen())
	})
}

func TestMonitor_StartStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now())
	ctx := context.Background()
	pos := f.open(t, longReliance())
	require.NoError(t, f.mirror.Replace(ctx, nil))

	require.NoError(t, f.monitor.Start(ctx))
	require.NoError(t, f.monitor.Start(ctx))
	assert.True(t, f.monitor.Running())

	// The startup resync fills the mirror.
	assert.Eventually(t, func() bool {
		all, err := f.mirror.All(ctx)
		return err == nil && len(all) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, pos.ID, f.mirrored(t)[0].ID)

	f.monitor.Stop()
	f.monitor.Stop()
	assert.False(t, f.monitor.Running())
}

// gatedCloser blocks the first AllOpenPositions call until released.
type gatedCloser struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	open    []domain.Position

	mu     sync.Mutex
	closed []string
}

func (c *gatedCloser) AllOpenPositions(context.Context) ([]domain.Position, error) {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return c.open, nil
}

func (c *gatedCloser) ClosePosition(_ context.Context, _, positionID string, price decimal.Decimal, _ string) (*trading.CloseResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, positionID)
	return &trading.CloseResult{PnL: price}, nil
}

func (c *gatedCloser) closedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closed...)
}

func TestMonitor_StopWaitsForStartupRun(t *testing.T) {
	t.Parallel()

	past := time.Now().Add(-time.Hour)
	closer := &gatedCloser{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		open: []domain.Position{{
			ID: "fut-1", UserID: user, Symbol: "NIFTY26MARFUT", Exchange: "NFO", InstrumentToken: "43650",
			Side: domain.SideBuy, Quantity: d(75), AvgPrice: d(12_000), ExpiresAt: &past,
			Status: domain.PositionStatusOpen,
		}},
	}
	feed := newFakeFeed()
	feed.quotes[niftyKey] = d(12_100)

	monitor := risk.NewMonitor(risk.Config{Engine: closer, Feed: feed, Notifier: &recordingNotifier{}})
	require.NoError(t, monitor.Start(context.Background()))
	<-closer.entered

	stopped := make(chan struct{})
	go func() {
		monitor.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the startup resync was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(closer.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// The expiry pass that would have followed the resync never runs.
	assert.Empty(t, closer.closedIDs())
}
