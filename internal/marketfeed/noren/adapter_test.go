package noren_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrader/internal/domain"
	"papertrader/internal/marketfeed"
	"papertrader/internal/marketfeed/noren"
	"papertrader/pkg/config"
)

var reliance = domain.InstrumentKey{Exchange: "NSE", Token: "22"}

func TestAdapter_Connect(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)

	err := adapter.Connect(context.Background())

	require.NoError(t, err)
	assert.True(t, adapter.IsConnected())
	assert.Equal(t, int32(1), vendor.sessionCalls.Load())
	assert.Equal(t, int32(1), vendor.connections.Load())

	status := adapter.Status()
	assert.True(t, status.Connected)
	assert.True(t, status.Authenticated)
}

func TestAdapter_Connect_MissingCredentials(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, func(cfg *noren.Config) {
		cfg.SessionToken = ""
	})

	err := adapter.Connect(context.Background())

	require.ErrorIs(t, err, marketfeed.ErrNotConnected)
	require.ErrorIs(t, err, marketfeed.ErrMissingCredentials)
	assert.False(t, adapter.IsConnected())
	assert.Equal(t, int32(0), vendor.connections.Load())
}

func TestAdapter_Connect_InvalidToken(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	vendor.rejectToken.Store(true)
	adapter := newTestAdapter(t, vendor, nil)

	err := adapter.Connect(context.Background())

	require.ErrorIs(t, err, marketfeed.ErrInvalidSession)
	var apiErr *noren.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "Invalid Session Key")
	assert.Equal(t, int32(0), vendor.sessionCalls.Load())
	assert.False(t, adapter.Status().Connected)
}

func TestAdapter_Connect_AuthTimeout(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	vendor.withholdAck.Store(true)
	adapter := newTestAdapter(t, vendor, func(cfg *noren.Config) {
		cfg.AuthTimeout = 150 * time.Millisecond
	})

	err := adapter.Connect(context.Background())

	require.ErrorIs(t, err, marketfeed.ErrAuthTimeout)
	assert.False(t, adapter.IsConnected())
	assert.False(t, adapter.Status().Connected)
}

func TestAdapter_Connect_ConcurrentCallersShareAttempt(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- adapter.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), vendor.sessionCalls.Load())
	assert.Equal(t, int32(1), vendor.connections.Load())
}

func TestAdapter_SubscribeCachesAndMergesTicks(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)
	require.NoError(t, adapter.Connect(context.Background()))

	ticks := make(chan domain.PriceTick, 10)
	adapter.Subscribe(reliance, func(tick domain.PriceTick) { ticks <- tick })
	vendor.expectFrame(t, "t", "NSE|22")

	vendor.sendTick(map[string]string{"t": "tk", "e": "NSE", "tk": "22", "lp": "500.00", "pc": "1.20", "h": "505.00"})
	first := <-ticks
	assert.True(t, decimal.NewFromInt(500).Equal(first.LastPrice))

	// Partial update carries only the new last price.
	vendor.sendTick(map[string]string{"t": "tf", "e": "NSE", "tk": "22", "lp": "501.50"})
	second := <-ticks
	assert.True(t, decimal.RequireFromString("501.5").Equal(second.LastPrice))
	assert.True(t, decimal.RequireFromString("1.2").Equal(second.PercentChange))
	assert.True(t, decimal.NewFromInt(505).Equal(second.High))

	cached, ok := adapter.LatestPrice(reliance)
	require.True(t, ok)
	assert.True(t, second.LastPrice.Equal(cached.LastPrice))
	assert.Equal(t, 1, adapter.Status().CachedPrices)
}

func TestAdapter_TickWithoutLastPriceUsesMid(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)
	require.NoError(t, adapter.Connect(context.Background()))

	ticks := make(chan domain.PriceTick, 3)
	adapter.Subscribe(reliance, func(tick domain.PriceTick) { ticks <- tick })
	vendor.expectFrame(t, "t", "NSE|22")

	vendor.sendTick(map[string]string{"t": "df", "e": "NSE", "tk": "22", "bp1": "99.00", "sp1": "101.00"})
	tick := <-ticks
	assert.True(t, decimal.NewFromInt(100).Equal(tick.LastPrice))
	assert.False(t, tick.Traded)

	// The mid follows the quote until a trade prints.
	vendor.sendTick(map[string]string{"t": "df", "e": "NSE", "tk": "22", "bp1": "149.00", "sp1": "151.00"})
	tick = <-ticks
	assert.True(t, decimal.NewFromInt(150).Equal(tick.LastPrice))

	vendor.sendTick(map[string]string{"t": "df", "e": "NSE", "tk": "22", "bp1": "159.00"})
	tick = <-ticks
	assert.True(t, decimal.NewFromInt(155).Equal(tick.LastPrice))

	cached, ok := adapter.LatestPrice(reliance)
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(155).Equal(cached.LastPrice))
}

func TestAdapter_ListenerPanicDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)
	require.NoError(t, adapter.Connect(context.Background()))

	received := make(chan domain.PriceTick, 1)
	adapter.Subscribe(reliance, func(domain.PriceTick) { panic("listener bug") })
	adapter.Subscribe(reliance, func(tick domain.PriceTick) { received <- tick })
	vendor.expectFrame(t, "t", "NSE|22")

	vendor.sendTick(map[string]string{"t": "tk", "e": "NSE", "tk": "22", "lp": "42"})

	select {
	case tick := <-received:
		assert.True(t, decimal.NewFromInt(42).Equal(tick.LastPrice))
	case <-time.After(3 * time.Second):
		t.Fatal("second listener did not receive the tick")
	}
}

func TestAdapter_UnsubscribeLastListenerEvicts(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)
	require.NoError(t, adapter.Connect(context.Background()))

	ticks := make(chan domain.PriceTick, 10)
	first := adapter.Subscribe(reliance, func(tick domain.PriceTick) { ticks <- tick })
	second := adapter.Subscribe(reliance, func(domain.PriceTick) {})
	vendor.expectFrame(t, "t", "NSE|22")

	vendor.sendTick(map[string]string{"t": "tk", "e": "NSE", "tk": "22", "lp": "10"})
	<-ticks

	adapter.Unsubscribe(reliance, first)
	_, ok := adapter.LatestPrice(reliance)
	assert.True(t, ok, "cache kept while a listener remains")
	assert.Equal(t, 1, adapter.Status().Channels)

	adapter.Unsubscribe(reliance, second)
	vendor.expectFrame(t, "u", "NSE|22")

	_, ok = adapter.LatestPrice(reliance)
	assert.False(t, ok)
	assert.Equal(t, 0, adapter.Status().Channels)
	assert.Equal(t, 0, adapter.Status().CachedPrices)
}

func TestAdapter_ReconnectReplaysChannels(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)
	require.NoError(t, adapter.Connect(context.Background()))

	adapter.Subscribe(reliance, func(domain.PriceTick) {})
	vendor.expectFrame(t, "t", "NSE|22")

	vendor.dropLatest()

	frame := vendor.expectFrame(t, "t", "NSE|22")
	assert.Equal(t, 2, frame.Conn)
	assert.Eventually(t, adapter.IsConnected, 3*time.Second, 20*time.Millisecond)

	// No further attempts once the feed is back.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, int32(2), vendor.connections.Load())
	assert.Equal(t, int32(2), vendor.sessionCalls.Load())
}

func TestAdapter_NoReconnectWithoutListeners(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)
	require.NoError(t, adapter.Connect(context.Background()))

	vendor.dropLatest()

	assert.Eventually(t, func() bool { return !adapter.IsConnected() }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, int32(1), vendor.connections.Load())
}

func TestAdapter_SubscribeWhileDisconnectedConnects(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)

	adapter.Subscribe(reliance, func(domain.PriceTick) {})

	vendor.expectFrame(t, "t", "NSE|22")
	assert.Eventually(t, adapter.IsConnected, 3*time.Second, 20*time.Millisecond)
}

func TestAdapter_DisconnectStopsReconnect(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)
	require.NoError(t, adapter.Connect(context.Background()))

	adapter.Subscribe(reliance, func(domain.PriceTick) {})
	vendor.expectFrame(t, "t", "NSE|22")

	require.NoError(t, adapter.Disconnect())
	assert.False(t, adapter.IsConnected())

	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, int32(1), vendor.connections.Load())
}

func TestAdapter_WaitForPrice(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)
	require.NoError(t, adapter.Connect(context.Background()))

	go func() {
		vendor.expectFrame(t, "t", "NSE|22")
		vendor.sendTick(map[string]string{"t": "tk", "e": "NSE", "tk": "22", "lp": "612.35"})
	}()

	tick, err := adapter.WaitForPrice(context.Background(), reliance, 3*time.Second)

	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("612.35").Equal(tick.LastPrice))
	assert.Equal(t, 0, adapter.Status().Channels)
}

func TestAdapter_WaitForPrice_Timeout(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)
	require.NoError(t, adapter.Connect(context.Background()))

	_, err := adapter.WaitForPrice(context.Background(), reliance, 100*time.Millisecond)

	assert.ErrorIs(t, err, marketfeed.ErrPriceUnavailable)
}

func TestAdapter_EnsureSubscribed(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)
	require.NoError(t, adapter.Connect(context.Background()))

	future := domain.InstrumentKey{Exchange: "NFO", Token: "43650"}

	adapter.EnsureSubscribed([]domain.InstrumentKey{reliance, future})
	assert.Equal(t, 2, adapter.Status().Channels)

	// Repeating the call does not add listeners.
	adapter.EnsureSubscribed([]domain.InstrumentKey{reliance, future})
	assert.Equal(t, 2, adapter.Status().Channels)

	adapter.EnsureSubscribed([]domain.InstrumentKey{future})
	vendor.expectFrame(t, "u", "NSE|22")
	assert.Equal(t, 1, adapter.Status().Channels)
}

func TestAdapter_EnsureSubscribed_ConcurrentCallers(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)
	require.NoError(t, adapter.Connect(context.Background()))

	keys := make([]domain.InstrumentKey, 0, 20)
	for i := 0; i < 20; i++ {
		keys = append(keys, domain.InstrumentKey{Exchange: "NSE", Token: fmt.Sprintf("%d", 1000+i)})
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adapter.EnsureSubscribed(keys)
		}()
	}
	wg.Wait()
	assert.Equal(t, len(keys), adapter.Status().Channels)

	// Releasing the warm set leaves no listener behind.
	adapter.EnsureSubscribed(nil)
	assert.Equal(t, 0, adapter.Status().Channels)
}

func TestAdapter_FetchQuote(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)

	tick, err := adapter.FetchQuote(context.Background(), reliance)

	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("612.35").Equal(tick.LastPrice))
	assert.True(t, decimal.RequireFromString("-0.4").Equal(tick.PercentChange))
	assert.Equal(t, int64(183420), tick.Volume)

	payload := vendor.jData(t)
	assert.Equal(t, "NSE", payload["exch"])
	assert.Equal(t, "22", payload["token"])
}

func TestAdapter_History(t *testing.T) {
	t.Parallel()

	vendor := newMockVendor(t)
	adapter := newTestAdapter(t, vendor, nil)

	from := time.Date(2026, 3, 27, 9, 15, 0, 0, time.UTC)
	bars, err := adapter.History(context.Background(), marketfeed.HistoryRequest{
		Key:      reliance,
		From:     from,
		To:       from.Add(time.Hour),
		Interval: 5,
	})

	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Time.Before(bars[1].Time), "bars are oldest first")
	assert.True(t, decimal.NewFromInt(100).Equal(bars[0].Open))
	assert.True(t, decimal.NewFromInt(103).Equal(bars[1].Close))
	assert.Equal(t, int64(1200), bars[1].Volume)

	payload := vendor.jData(t)
	assert.Equal(t, "5", payload["intrv"])
	assert.Equal(t, "1774602900", payload["st"])
}

func TestNewFromConfig_ReadsCredentialsFromEnv(t *testing.T) {
	vendor := newMockVendor(t)
	t.Setenv(noren.EnvUserID, testUserID)
	t.Setenv(noren.EnvAccountID, "")
	t.Setenv(noren.EnvSessionToken, testToken)

	adapter := noren.NewFromConfig(config.FeedConfig{
		RestURL:        vendor.restURL(),
		WebSocketURL:   vendor.wsURL(),
		ReconnectDelay: 200 * time.Millisecond,
		AuthTimeout:    2 * time.Second,
	}, nil, nil)
	t.Cleanup(func() { _ = adapter.Disconnect() })

	require.NoError(t, adapter.Connect(context.Background()))
	assert.True(t, adapter.IsConnected())
}
