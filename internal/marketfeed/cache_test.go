package marketfeed_test

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"papertrader/internal/domain"
	"papertrader/internal/marketfeed"
)

func TestPriceCache_LastWriteWins(t *testing.T) {
	t.Parallel()

	cache := marketfeed.NewPriceCache()
	key := domain.InstrumentKey{Exchange: "NSE", Token: "22"}

	_, ok := cache.Get(key)
	assert.False(t, ok)

	cache.Set(key, domain.PriceTick{Exchange: "NSE", Token: "22", LastPrice: decimal.NewFromInt(100)})
	cache.Set(key, domain.PriceTick{Exchange: "NSE", Token: "22", LastPrice: decimal.NewFromInt(101)})

	tick, ok := cache.Get(key)
	assert.True(t, ok)
	assert.True(t, decimal.NewFromInt(101).Equal(tick.LastPrice))
	assert.Equal(t, 1, cache.Len())

	cache.Delete(key)
	assert.Equal(t, 0, cache.Len())
}

func TestPriceCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	cache := marketfeed.NewPriceCache()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := domain.InstrumentKey{Exchange: "NSE", Token: decimal.NewFromInt(int64(i % 5)).String()}
			cache.Set(key, domain.PriceTick{LastPrice: decimal.NewFromInt(int64(i))})
			cache.Get(key)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, cache.Len())
}
