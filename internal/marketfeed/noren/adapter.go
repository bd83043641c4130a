package noren

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"papertrader/internal/domain"
	"papertrader/internal/marketfeed"
	"papertrader/internal/metrics"
)

// Adapter implements marketfeed.Feed for a Noren-protocol vendor.
type Adapter struct {
	client  *Client
	ws      *WebSocketManager
	cache   *marketfeed.PriceCache
	config  Config
	metrics *metrics.Collector
	logger  *zap.Logger

	connectGroup  singleflight.Group
	connected     atomic.Bool
	authenticated atomic.Bool
	stopped       atomic.Bool

	// warmMu serializes EnsureSubscribed so warm holds every no-op listener it registers.
	warmMu sync.Mutex

	mu             sync.Mutex
	listeners      map[domain.InstrumentKey]map[marketfeed.ListenerID]marketfeed.Handler
	warm           map[domain.InstrumentKey]marketfeed.ListenerID
	acked          map[domain.InstrumentKey]bool
	lastKnown      []domain.InstrumentKey
	nextID         marketfeed.ListenerID
	authResult     chan error
	reconnectTimer *time.Timer
}

// Config holds configuration for the vendor adapter.
type Config struct {
	// RestURL is the vendor REST endpoint.
	RestURL string
	// WebSocketURL is the vendor streaming endpoint.
	WebSocketURL string
	// UserID is the vendor user identifier.
	UserID string
	// AccountID is the vendor account identifier.
	AccountID string
	// SessionToken is the vendor session token.
	SessionToken string
	// PingInterval is the WebSocket ping interval.
	PingInterval time.Duration
	// ReconnectDelay is the fixed delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// AuthTimeout bounds the wait for the connect acknowledgment.
	AuthTimeout time.Duration
	// RequestTimeout bounds each REST call.
	RequestTimeout time.Duration
	// Metrics records ticks and reconnects (optional).
	Metrics *metrics.Collector
	// Logger is the logger instance.
	Logger *zap.Logger
}

// NewAdapter creates a new vendor adapter. It does not connect.
func NewAdapter(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}

	a := &Adapter{
		client: NewClient(ClientConfig{
			BaseURL:      cfg.RestURL,
			UserID:       cfg.UserID,
			AccountID:    cfg.AccountID,
			SessionToken: cfg.SessionToken,
			Timeout:      cfg.RequestTimeout,
			Logger:       logger,
		}),
		cache:     marketfeed.NewPriceCache(),
		config:    cfg,
		metrics:   cfg.Metrics,
		logger:    logger,
		listeners: make(map[domain.InstrumentKey]map[marketfeed.ListenerID]marketfeed.Handler),
		warm:      make(map[domain.InstrumentKey]marketfeed.ListenerID),
		acked:     make(map[domain.InstrumentKey]bool),
	}
	a.ws = NewWebSocketManager(WebSocketConfig{
		URL:          cfg.WebSocketURL,
		PingInterval: cfg.PingInterval,
		Logger:       logger,
	}, a.handleMessage, a.handleClose)

	return a
}

var _ marketfeed.Feed = (*Adapter)(nil)

// Connect runs the connect protocol. Concurrent callers share one attempt.
func (a *Adapter) Connect(ctx context.Context) error {
	a.stopped.Store(false)

	if a.authenticated.Load() {
		return nil
	}

	ch := a.connectGroup.DoChan("connect", func() (any, error) {
		return nil, a.connect(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) connect(ctx context.Context) error {
	if !a.client.HasCredentials() {
		a.logger.Warn("feed credentials missing, staying disconnected")
		return fmt.Errorf("%w: %w", marketfeed.ErrNotConnected, marketfeed.ErrMissingCredentials)
	}

	if err := a.client.ValidateSession(ctx); err != nil {
		a.logger.Warn("session token rejected", zap.Error(err))
		return fmt.Errorf("%w: %w", marketfeed.ErrInvalidSession, err)
	}

	if err := a.client.CreateWebSocketSession(ctx); err != nil {
		a.logger.Warn("websocket session creation failed", zap.Error(err))
		return fmt.Errorf("%w: %w", marketfeed.ErrSessionCreate, err)
	}

	authResult := make(chan error, 1)
	a.mu.Lock()
	a.authResult = authResult
	a.mu.Unlock()

	if err := a.ws.Dial(ctx); err != nil {
		a.logger.Warn("feed dial failed", zap.Error(err))
		return fmt.Errorf("connect feed: %w", err)
	}
	a.connected.Store(true)

	if err := a.ws.WriteJSON(newAuthFrame(a.config.UserID, a.config.AccountID, a.config.SessionToken)); err != nil {
		a.abortConnect()
		return fmt.Errorf("send auth frame: %w", err)
	}

	timer := time.NewTimer(a.config.AuthTimeout)
	defer timer.Stop()

	select {
	case err := <-authResult:
		if err != nil {
			a.abortConnect()
			return err
		}
	case <-timer.C:
		a.logger.Warn("feed authentication timed out", zap.Duration("timeout", a.config.AuthTimeout))
		a.abortConnect()
		return marketfeed.ErrAuthTimeout
	}

	a.authenticated.Store(true)
	a.logger.Info("feed authenticated")
	a.replay()
	return nil
}

// abortConnect drops a half-open connection without scheduling a reconnect.
func (a *Adapter) abortConnect() {
	a.mu.Lock()
	a.authResult = nil
	a.mu.Unlock()

	a.ws.Close()
	a.connected.Store(false)
}

// replay subscribes the channels known before the last drop plus any
// registered while disconnected.
func (a *Adapter) replay() {
	a.mu.Lock()
	seen := make(map[domain.InstrumentKey]bool, len(a.listeners))
	keys := make([]domain.InstrumentKey, 0, len(a.listeners))
	for _, key := range a.lastKnown {
		if _, live := a.listeners[key]; live && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for key := range a.listeners {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	a.lastKnown = nil
	a.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	a.logger.Info("replaying subscriptions", zap.Int("channels", len(keys)))
	a.send(newChannelFrame(frameSubscribe, keys))
}

func (a *Adapter) send(frame channelFrame) {
	if err := a.ws.WriteJSON(frame); err != nil {
		a.logger.Warn("send frame failed",
			zap.String("type", frame.Type),
			zap.String("channels", frame.Keys),
			zap.Error(err))
	}
}

// Disconnect closes the stream and cancels any pending reconnect.
func (a *Adapter) Disconnect() error {
	a.stopped.Store(true)

	a.mu.Lock()
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	a.acked = make(map[domain.InstrumentKey]bool)
	a.mu.Unlock()

	a.ws.Close()
	a.connected.Store(false)
	a.authenticated.Store(false)

	a.logger.Info("feed disconnected")
	return nil
}

// IsConnected returns true once the stream is authenticated.
func (a *Adapter) IsConnected() bool {
	return a.authenticated.Load()
}

// Subscribe registers h for key.
func (a *Adapter) Subscribe(key domain.InstrumentKey, h marketfeed.Handler) marketfeed.ListenerID {
	a.mu.Lock()
	set, exists := a.listeners[key]
	if !exists {
		set = make(map[marketfeed.ListenerID]marketfeed.Handler)
		a.listeners[key] = set
	}
	a.nextID++
	id := a.nextID
	set[id] = h
	a.mu.Unlock()

	if a.authenticated.Load() {
		if !exists {
			a.send(newChannelFrame(frameSubscribe, []domain.InstrumentKey{key}))
		}
	} else {
		a.connectAsync()
	}

	return id
}

// Unsubscribe removes one listener from key.
func (a *Adapter) Unsubscribe(key domain.InstrumentKey, id marketfeed.ListenerID) {
	a.mu.Lock()
	set, ok := a.listeners[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(set, id)
	empty := len(set) == 0
	if empty {
		delete(a.listeners, key)
		delete(a.acked, key)
		if a.warm[key] == id {
			delete(a.warm, key)
		}
	}
	a.mu.Unlock()

	if !empty {
		return
	}

	a.cache.Delete(key)
	if a.authenticated.Load() {
		a.send(newChannelFrame(frameUnsubscribe, []domain.InstrumentKey{key}))
	}
}

// EnsureSubscribed keeps keys warm with no-op listeners.
func (a *Adapter) EnsureSubscribed(keys []domain.InstrumentKey) {
	a.warmMu.Lock()
	defer a.warmMu.Unlock()

	wanted := make(map[domain.InstrumentKey]bool, len(keys))
	for _, key := range keys {
		wanted[key] = true
	}

	a.mu.Lock()
	release := make(map[domain.InstrumentKey]marketfeed.ListenerID)
	for key, id := range a.warm {
		if !wanted[key] {
			release[key] = id
		}
	}
	missing := make([]domain.InstrumentKey, 0, len(wanted))
	for key := range wanted {
		if _, ok := a.warm[key]; !ok {
			missing = append(missing, key)
		}
	}
	a.mu.Unlock()

	for _, key := range missing {
		id := a.Subscribe(key, func(domain.PriceTick) {})
		a.mu.Lock()
		a.warm[key] = id
		a.mu.Unlock()
	}

	for key, id := range release {
		a.mu.Lock()
		delete(a.warm, key)
		a.mu.Unlock()
		a.Unsubscribe(key, id)
	}
}

// LatestPrice returns the cached tick for key.
func (a *Adapter) LatestPrice(key domain.InstrumentKey) (domain.PriceTick, bool) {
	return a.cache.Get(key)
}

// WaitForPrice waits up to timeout for the next tick on key.
func (a *Adapter) WaitForPrice(ctx context.Context, key domain.InstrumentKey, timeout time.Duration) (domain.PriceTick, error) {
	ticks := make(chan domain.PriceTick, 1)
	id := a.Subscribe(key, func(tick domain.PriceTick) {
		select {
		case ticks <- tick:
		default:
		}
	})
	defer a.Unsubscribe(key, id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case tick := <-ticks:
		return tick, nil
	case <-timer.C:
		a.logger.Debug("no tick within wait", zap.String("channel", key.String()), zap.Duration("timeout", timeout))
		return domain.PriceTick{}, marketfeed.ErrPriceUnavailable
	case <-ctx.Done():
		return domain.PriceTick{}, ctx.Err()
	}
}

// FetchQuote asks the REST API for a fresh quote.
func (a *Adapter) FetchQuote(ctx context.Context, key domain.InstrumentKey) (domain.PriceTick, error) {
	tick, err := a.client.GetQuote(ctx, key)
	if err != nil {
		a.logger.Warn("quote fetch failed", zap.String("channel", key.String()), zap.Error(err))
		return domain.PriceTick{}, fmt.Errorf("fetch quote: %w", err)
	}
	return tick, nil
}

// History fetches OHLCV bars over REST.
func (a *Adapter) History(ctx context.Context, req marketfeed.HistoryRequest) ([]domain.Bar, error) {
	bars, err := a.client.TimePriceSeries(ctx, req.Key, req.From, req.To, req.Interval)
	if err != nil {
		a.logger.Warn("history fetch failed", zap.String("channel", req.Key.String()), zap.Error(err))
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return bars, nil
}

// Status reports the feed state for the admin probe.
func (a *Adapter) Status() marketfeed.Status {
	a.mu.Lock()
	channels := len(a.listeners)
	a.mu.Unlock()

	return marketfeed.Status{
		Connected:     a.connected.Load(),
		Authenticated: a.authenticated.Load(),
		Channels:      channels,
		CachedPrices:  a.cache.Len(),
	}
}

// handleMessage runs on the read loop for every inbound frame.
func (a *Adapter) handleMessage(data []byte) {
	msg, err := decodeMessage(data)
	if err != nil {
		a.logger.Warn("parse message error", zap.Error(err))
		return
	}

	if msg.Type == frameConnectAck {
		a.handleConnectAck(msg)
		return
	}

	if !msg.isTick() {
		return
	}

	key := msg.key()

	a.mu.Lock()
	set, live := a.listeners[key]
	if msg.isAck() && live {
		a.acked[key] = true
	}
	handlers := make([]marketfeed.Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()

	if !live || !msg.hasPrice() {
		return
	}

	prev, _ := a.cache.Get(key)
	tick := msg.mergeInto(prev, time.Now())
	a.cache.Set(key, tick)
	a.metrics.TickReceived()

	for _, h := range handlers {
		a.deliver(key, h, tick)
	}
}

// deliver invokes one listener, isolating its panic from the others.
func (a *Adapter) deliver(key domain.InstrumentKey, h marketfeed.Handler, tick domain.PriceTick) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("listener panicked",
				zap.String("channel", key.String()),
				zap.Any("panic", r))
		}
	}()
	h(tick)
}

func (a *Adapter) handleConnectAck(msg *feedMessage) {
	var result error
	if !strings.EqualFold(msg.Status, "OK") {
		result = fmt.Errorf("%w: status %q", marketfeed.ErrAuthRejected, msg.Status)
	}

	a.mu.Lock()
	ch := a.authResult
	a.authResult = nil
	a.mu.Unlock()

	if ch != nil {
		ch <- result
	}
}

// handleClose runs when the live connection drops.
func (a *Adapter) handleClose(err error) {
	a.connected.Store(false)
	a.authenticated.Store(false)

	a.mu.Lock()
	a.acked = make(map[domain.InstrumentKey]bool)
	a.lastKnown = make([]domain.InstrumentKey, 0, len(a.listeners))
	for key := range a.listeners {
		a.lastKnown = append(a.lastKnown, key)
	}
	demand := len(a.listeners)
	pending := a.authResult
	a.authResult = nil
	a.mu.Unlock()

	if pending != nil {
		pending <- fmt.Errorf("%w: connection closed before acknowledgment", marketfeed.ErrNotConnected)
	}

	a.logger.Warn("feed connection closed",
		zap.Int("channels", demand),
		zap.Error(err))

	a.scheduleReconnect()
}

// scheduleReconnect arms a single reconnect after the fixed delay, as long
// as someone is listening and the feed was not stopped.
func (a *Adapter) scheduleReconnect() {
	if a.stopped.Load() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.listeners) == 0 || a.reconnectTimer != nil {
		return
	}

	a.logger.Info("reconnecting in", zap.Duration("delay", a.config.ReconnectDelay))
	a.reconnectTimer = time.AfterFunc(a.config.ReconnectDelay, a.reconnect)
}

func (a *Adapter) reconnect() {
	a.mu.Lock()
	a.reconnectTimer = nil
	demand := len(a.listeners)
	a.mu.Unlock()

	if demand == 0 || a.stopped.Load() {
		return
	}

	a.metrics.FeedReconnect()
	if err := a.Connect(context.Background()); err != nil {
		a.logger.Warn("reconnect failed", zap.Error(err))
		if !errors.Is(err, marketfeed.ErrMissingCredentials) {
			a.scheduleReconnect()
		}
	}
}

// connectAsync starts a background connect for a new subscriber.
func (a *Adapter) connectAsync() {
	if a.stopped.Load() || !a.client.HasCredentials() {
		return
	}

	go func() {
		if err := a.Connect(context.Background()); err != nil {
			a.logger.Warn("background connect failed", zap.Error(err))
			a.scheduleReconnect()
		}
	}()
}
