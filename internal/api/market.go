package api

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"papertrader/internal/domain"
	"papertrader/internal/marketfeed"
	"papertrader/pkg/response"
)

const (
	streamBuffer      = 32
	defaultHistory    = 24 * time.Hour
	defaultBarMinutes = 5
)

// instrumentKey accepts "EXCHANGE|TOKEN" or anything the directory resolves.
func (h *Handlers) instrumentKey(c *gin.Context) (domain.InstrumentKey, error) {
	ref := c.Param("instrument")
	if key, err := domain.ParseInstrumentKey(ref); err == nil {
		return key, nil
	}

	inst, err := h.instruments.Resolve(c.Request.Context(), ref)
	if err != nil {
		return domain.InstrumentKey{}, err
	}
	return inst.Key(), nil
}

func (h *Handlers) searchInstruments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	found, err := h.instruments.Search(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, found)
}

// price returns the cached tick, or a REST quote when nothing is cached.
func (h *Handlers) price(c *gin.Context) {
	key, err := h.instrumentKey(c)
	if err != nil {
		fail(c, err)
		return
	}

	if tick, ok := h.feed.LatestPrice(key); ok {
		response.OK(c, tick)
		return
	}

	tick, err := h.feed.FetchQuote(c.Request.Context(), key)
	if err != nil {
		h.logger.Warn("quote fetch failed", zap.String("channel", key.String()), zap.Error(err))
		fail(c, fmt.Errorf("%w: %s", marketfeed.ErrPriceUnavailable, key))
		return
	}
	response.OK(c, tick)
}

// stream pushes ticks as server-sent events until the client goes away.
func (h *Handlers) stream(c *gin.Context) {
	key, err := h.instrumentKey(c)
	if err != nil {
		fail(c, err)
		return
	}

	ticks := make(chan domain.PriceTick, streamBuffer)
	id := h.feed.Subscribe(key, func(t domain.PriceTick) {
		select {
		case ticks <- t:
		default:
		}
	})
	defer h.feed.Unsubscribe(key, id)

	if tick, ok := h.feed.LatestPrice(key); ok {
		ticks <- tick
	}

	done := c.Request.Context().Done()
	c.Stream(func(io.Writer) bool {
		select {
		case <-done:
			return false
		case t := <-ticks:
			c.SSEvent("tick", t)
			return true
		}
	})
}

func (h *Handlers) history(c *gin.Context) {
	key, err := h.instrumentKey(c)
	if err != nil {
		fail(c, err)
		return
	}

	var query struct {
		From     time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
		To       time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
		Interval int       `form:"interval"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if query.To.IsZero() {
		query.To = time.Now()
	}
	if query.From.IsZero() {
		query.From = query.To.Add(-defaultHistory)
	}
	if query.Interval == 0 {
		query.Interval = defaultBarMinutes
	}
	if !query.From.Before(query.To) {
		response.BadRequest(c, "from must be before to")
		return
	}

	bars, err := h.feed.History(c.Request.Context(), marketfeed.HistoryRequest{
		Key:      key,
		From:     query.From,
		To:       query.To,
		Interval: query.Interval,
	})
	if err != nil {
		h.logger.Warn("history fetch failed", zap.String("channel", key.String()), zap.Error(err))
		response.Unavailable(c, fmt.Sprintf("history unavailable: %v", err))
		return
	}
	response.OK(c, bars)
}
