// Package risk runs the background position risk monitor: target and
// stop-loss sweeps over a fast mirror of open positions, periodic mirror
// resync from the relational store, and contract expiry square-offs.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrader/internal/domain"
	"papertrader/internal/metrics"
	"papertrader/internal/notify"
	"papertrader/internal/trading"
)

const (
	defaultSweepInterval  = 2 * time.Second
	defaultResyncInterval = 5 * time.Minute
	defaultExpiryInterval = time.Hour
	defaultQuoteWait      = 8 * time.Second
)

// Closer is the part of the execution engine the monitor drives.
type Closer interface {
	ClosePosition(ctx context.Context, userID, positionID string, price decimal.Decimal, reason string) (*trading.CloseResult, error)
	AllOpenPositions(ctx context.Context) ([]domain.Position, error)
}

// PriceFeed is the part of the market feed the monitor reads.
type PriceFeed interface {
	LatestPrice(key domain.InstrumentKey) (domain.PriceTick, bool)
	WaitForPrice(ctx context.Context, key domain.InstrumentKey, timeout time.Duration) (domain.PriceTick, error)
	FetchQuote(ctx context.Context, key domain.InstrumentKey) (domain.PriceTick, error)
	EnsureSubscribed(keys []domain.InstrumentKey)
}

// Config holds the monitor's collaborators and timer periods.
type Config struct {
	Engine   Closer
	Feed     PriceFeed
	Mirror   Mirror
	Notifier notify.Notifier

	SweepInterval  time.Duration
	ResyncInterval time.Duration
	ExpiryInterval time.Duration
	// QuoteWait bounds the socket wait used when an expiry quote fails.
	QuoteWait time.Duration

	Metrics *metrics.Collector
	Logger  *zap.Logger
	// Now is the clock used by the expiry sweep.
	Now func() time.Time
}

// Monitor squares off positions whose target, stop-loss or expiry is reached.
type Monitor struct {
	engine   Closer
	feed     PriceFeed
	mirror   Mirror
	notifier notify.Notifier
	cfg      Config
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	stop    chan struct{}
	startup sync.WaitGroup

	warmMu sync.Mutex
	warm   map[domain.InstrumentKey]struct{}
}

// NewMonitor creates a stopped monitor.
func NewMonitor(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = defaultResyncInterval
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = defaultExpiryInterval
	}
	if cfg.QuoteWait <= 0 {
		cfg.QuoteWait = defaultQuoteWait
	}
	if cfg.Mirror == nil {
		cfg.Mirror = NewMemoryMirror()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLog(logger)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Monitor{
		engine:   cfg.Engine,
		feed:     cfg.Feed,
		mirror:   cfg.Mirror,
		notifier: cfg.Notifier,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		logger:   logger.Named("risk"),
		now:      now,
		warm:     make(map[domain.InstrumentKey]struct{}),
	}
}

// Start schedules the three timers and runs a resync and an expiry sweep
// right away. Calling Start on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return nil
	}

	// Jobs outlive the caller's request context; Stop ends them.
	jobCtx := context.WithoutCancel(ctx)
	clog := cronLogger{sugar: m.logger.Sugar()}
	chain := cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog))

	sweep := chain.Then(cron.FuncJob(func() { m.Sweep(jobCtx) }))
	resync := chain.Then(cron.FuncJob(func() { m.Resync(jobCtx) }))
	expiry := chain.Then(cron.FuncJob(func() { m.ExpirySweep(jobCtx) }))

	c := cron.New(cron.WithLogger(clog))
	c.Schedule(cron.Every(m.cfg.SweepInterval), sweep)
	c.Schedule(cron.Every(m.cfg.ResyncInterval), resync)
	c.Schedule(cron.Every(m.cfg.ExpiryInterval), expiry)

	stop := make(chan struct{})
	m.startup.Add(1)
	go func() {
		defer m.startup.Done()
		resync.Run()
		select {
		case <-stop:
			return
		default:
		}
		expiry.Run()
	}()

	c.Start()
	m.cron = c
	m.stop = stop

	m.logger.Info("risk monitor started",
		zap.Duration("sweep_interval", m.cfg.SweepInterval),
		zap.Duration("resync_interval", m.cfg.ResyncInterval),
		zap.Duration("expiry_interval", m.cfg.ExpiryInterval))
	return nil
}

// Stop cancels the timers and waits for running jobs to finish.
// A close already in flight completes.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c, stop := m.cron, m.stop
	m.cron, m.stop = nil, nil
	m.mu.Unlock()

	if c == nil {
		return
	}

	close(stop)
	<-c.Stop().Done()
	m.startup.Wait()
	m.logger.Info("risk monitor stopped")
}

// Running reports whether the timers are scheduled.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cron != nil
}

// Sweep checks every mirrored position against its latest cached price.
func (m *Monitor) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() { m.metrics.ObserveSweep(time.Since(start)) }()

	positions, err := m.mirror.All(ctx)
	if err != nil {
		m.logger.Error("read position mirror", zap.Error(err))
		return
	}

	for _, p := range positions {
		m.evaluate(ctx, p)
	}
}

func (m *Monitor) evaluate(ctx context.Context, p domain.Position) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic evaluating position",
				zap.String("position_id", p.ID),
				zap.Any("panic", r))
		}
	}()

	tick, ok := m.feed.LatestPrice(p.Key())
	if !ok || !tick.LastPrice.IsPositive() {
		return
	}
	price := tick.LastPrice

	var reason string
	switch {
	case p.TargetHit(price):
		reason = domain.CloseReasonTarget
	case p.StopHit(price):
		reason = domain.CloseReasonStopLoss
	default:
		return
	}

	m.squareOff(ctx, p, price, reason)
}

// squareOff closes p and drops it from the mirror.
func (m *Monitor) squareOff(ctx context.Context, p domain.Position, price decimal.Decimal, reason string) {
	result, err := m.engine.ClosePosition(ctx, p.UserID, p.ID, price, reason)
	if errors.Is(err, trading.ErrPositionNotFound) {
		m.logger.Debug("position already closed", zap.String("position_id", p.ID))
		m.forget(ctx, p.ID)
		return
	}
	if err != nil {
		m.logger.Error("square-off failed",
			zap.String("position_id", p.ID),
			zap.String("reason", reason),
			zap.Error(err))
		m.alert(ctx, notify.KindFailure, fmt.Sprintf("Square-off failed (%s): %s %s %s for %s: %v",
			reason, p.Side, p.Quantity, p.Symbol, p.UserID, err))
		return
	}

	m.forget(ctx, p.ID)
	m.alert(ctx, notify.KindSquareOff, fmt.Sprintf("Squared off (%s): %s %s %s for %s at %s, P&L %s",
		reason, p.Side, p.Quantity, p.Symbol, p.UserID, price, result.PnL.StringFixed(2)))
}

func (m *Monitor) forget(ctx context.Context, positionID string) {
	if err := m.mirror.Remove(ctx, positionID); err != nil {
		m.logger.Warn("remove from mirror", zap.String("position_id", positionID), zap.Error(err))
	}
}

func (m *Monitor) alert(ctx context.Context, kind notify.Kind, text string) {
	if err := m.notifier.Notify(ctx, notify.Event{Kind: kind, Text: text}); err != nil {
		m.logger.Warn("operator notification failed", zap.Error(err))
	}
}

// Resync replaces the mirror with the OPEN positions in the store and keeps
// their channels warm on the feed.
func (m *Monitor) Resync(ctx context.Context) {
	positions, err := m.engine.AllOpenPositions(ctx)
	if err != nil {
		m.logger.Error("load open positions", zap.Error(err))
		return
	}

	if err := m.mirror.Replace(ctx, positions); err != nil {
		m.logger.Error("replace position mirror", zap.Error(err))
		return
	}

	keys := make(map[domain.InstrumentKey]struct{}, len(positions))
	for _, p := range positions {
		keys[p.Key()] = struct{}{}
	}

	m.warmMu.Lock()
	m.warm = keys
	m.warmMu.Unlock()
	m.syncWarm()

	m.metrics.SetMirrored(len(positions))
	m.logger.Debug("position mirror resynced", zap.Int("positions", len(positions)), zap.Int("channels", len(keys)))
}

func (m *Monitor) syncWarm() {
	m.warmMu.Lock()
	keys := make([]domain.InstrumentKey, 0, len(m.warm))
	for k := range m.warm {
		keys = append(keys, k)
	}
	m.warmMu.Unlock()

	m.feed.EnsureSubscribed(keys)
}

// ExpirySweep closes OPEN positions whose contract has expired at a fresh
// price. Positions without a price are left for the next pass.
func (m *Monitor) ExpirySweep(ctx context.Context) {
	positions, err := m.engine.AllOpenPositions(ctx)
	if err != nil {
		m.logger.Error("load open positions", zap.Error(err))
		return
	}

	now := m.now()
	for _, p := range positions {
		if !p.Expired(now) {
			continue
		}

		price, ok := m.finalPrice(ctx, p.Key())
		if !ok {
			m.logger.Warn("no price for expired position, retrying next pass",
				zap.String("position_id", p.ID),
				zap.String("channel", p.Key().String()))
			continue
		}

		m.squareOff(ctx, p, price, domain.CloseReasonExpirySquareOff)
	}
}

// finalPrice asks for a REST quote, then for a fresh socket tick. The cache is not used.
func (m *Monitor) finalPrice(ctx context.Context, key domain.InstrumentKey) (decimal.Decimal, bool) {
	tick, err := m.feed.FetchQuote(ctx, key)
	if err == nil && tick.LastPrice.IsPositive() {
		return tick.LastPrice, true
	}
	m.logger.Debug("quote fetch failed, waiting for tick", zap.String("channel", key.String()), zap.Error(err))

	tick, err = m.feed.WaitForPrice(ctx, key, m.cfg.QuoteWait)
	if err != nil || !tick.LastPrice.IsPositive() {
		return decimal.Zero, false
	}
	return tick.LastPrice, true
}

// PositionChanged mirrors a freshly filled or edited position so the next
// sweep sees it without waiting for a resync.
func (m *Monitor) PositionChanged(ctx context.Context, p domain.Position) {
	if err := m.mirror.Put(ctx, p); err != nil {
		m.logger.Warn("mirror position", zap.String("position_id", p.ID), zap.Error(err))
	}

	m.warmMu.Lock()
	_, known := m.warm[p.Key()]
	m.warm[p.Key()] = struct{}{}
	m.warmMu.Unlock()

	if !known {
		m.syncWarm()
	}
}

// PositionClosed drops a closed position from the mirror.
func (m *Monitor) PositionClosed(ctx context.Context, p domain.Position) {
	m.forget(ctx, p.ID)
}

// cronLogger routes cron's logging through zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
