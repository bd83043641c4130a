// Package marketfeed defines the market data surface used by the trading core.
// It declares the Feed interface implemented by vendor adapters, the shared
// sentinel errors, and the in-memory PriceCache that adapters keep fresh.
package marketfeed

import (
	"context"
	"errors"
	"time"

	"papertrader/internal/domain"
)

// Sentinel errors for feed operations.
var (
	// ErrNotConnected is returned when an operation requires a live, authenticated feed.
	ErrNotConnected = errors.New("feed not connected")
	// ErrMissingCredentials is returned when no vendor credentials are configured.
	ErrMissingCredentials = errors.New("feed credentials missing")
	// ErrInvalidSession is returned when the vendor rejects the session token.
	ErrInvalidSession = errors.New("feed session token invalid")
	// ErrSessionCreate is returned when the vendor refuses to create a streaming session.
	ErrSessionCreate = errors.New("feed session creation failed")
	// ErrAuthTimeout is returned when the socket is not acknowledged in time.
	ErrAuthTimeout = errors.New("feed authentication timed out")
	// ErrAuthRejected is returned when the vendor answers the auth frame with a failure.
	ErrAuthRejected = errors.New("feed authentication rejected")
	// ErrPriceUnavailable is returned when no tick arrived within the wait.
	ErrPriceUnavailable = errors.New("price unavailable")
)

// Handler receives ticks for one channel. Handlers run on the feed's read
// loop and must not block.
type Handler func(tick domain.PriceTick)

// ListenerID identifies one registration made with Subscribe.
type ListenerID uint64

// HistoryRequest selects OHLCV bars for an instrument.
type HistoryRequest struct {
	// Key is the instrument to fetch.
	Key domain.InstrumentKey
	// From is the inclusive start of the range.
	From time.Time
	// To is the inclusive end of the range.
	To time.Time
	// Interval is the bar size in minutes. Zero requests daily bars where supported.
	Interval int
}

// Status is a point-in-time view of the feed for the admin probe.
type Status struct {
	Connected     bool `json:"connected"`
	Authenticated bool `json:"authenticated"`
	Channels      int  `json:"channels"`
	CachedPrices  int  `json:"cached_prices"`
}

// Feed is the market data client owned by the composition root.
// Implementations must be safe for concurrent use.
type Feed interface {
	// Connect validates credentials, authenticates the stream and replays known channels.
	// Concurrent callers share the outcome of the attempt already in flight.
	Connect(ctx context.Context) error

	// Disconnect closes the stream and suppresses automatic reconnection.
	// Safe to call multiple times.
	Disconnect() error

	// IsConnected returns true once the stream is authenticated.
	IsConnected() bool

	// Subscribe registers h for the channel. The same channel may have many listeners.
	// When the feed is down, a connect attempt is started in the background.
	Subscribe(key domain.InstrumentKey, h Handler) ListenerID

	// Unsubscribe removes one listener. Removing the last listener of a channel
	// unsubscribes it upstream and evicts its cached price.
	Unsubscribe(key domain.InstrumentKey, id ListenerID)

	// EnsureSubscribed keeps the given channels warm without a callback.
	// Warm channels not listed in keys are released.
	EnsureSubscribed(keys []domain.InstrumentKey)

	// LatestPrice returns the cached tick for the channel, if any.
	LatestPrice(key domain.InstrumentKey) (domain.PriceTick, bool)

	// WaitForPrice subscribes and waits up to timeout for the next tick.
	// Returns ErrPriceUnavailable when nothing arrives.
	WaitForPrice(ctx context.Context, key domain.InstrumentKey, timeout time.Duration) (domain.PriceTick, error)

	// FetchQuote asks the vendor REST API for a quote, bypassing the cache.
	FetchQuote(ctx context.Context, key domain.InstrumentKey) (domain.PriceTick, error)

	// History fetches OHLCV bars over REST.
	History(ctx context.Context, req HistoryRequest) ([]domain.Bar, error)

	// Status reports connection state, channel count and cache size.
	Status() Status
}
