package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrader/internal/domain"
	"papertrader/internal/marketfeed"
	"papertrader/internal/trading"
	"papertrader/pkg/response"
)

func (h *Handlers) placeOrder(c *gin.Context) {
	var req trading.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	order, err := h.engine.PlaceOrder(c.Request.Context(), userID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, order)
}

func (h *Handlers) listOrders(c *gin.Context) {
	var filter trading.OrderFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	orders, total, err := h.engine.ListOrders(c.Request.Context(), userID(c), filter)
	if err != nil {
		fail(c, err)
		return
	}
	page := filter.Page.Normalize()
	response.List(c, orders, total, page.Limit, page.Offset)
}

func (h *Handlers) getOrder(c *gin.Context) {
	order, err := h.engine.GetOrder(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, order)
}

func (h *Handlers) cancelOrder(c *gin.Context) {
	order, err := h.engine.CancelOrder(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, order)
}

func (h *Handlers) openPositions(c *gin.Context) {
	positions, err := h.engine.GetOpenPositions(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, positions)
}

func (h *Handlers) getPosition(c *gin.Context) {
	pos, err := h.engine.GetPosition(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, pos)
}

type closePositionRequest struct {
	// Price overrides the market price.
	Price decimal.NullDecimal `json:"price"`
}

// closePosition closes at the requested price, the cached price or a fresh quote.
func (h *Handlers) closePosition(c *gin.Context) {
	var req closePositionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	ctx := c.Request.Context()
	pos, err := h.engine.GetPosition(ctx, userID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if !pos.IsOpen() {
		fail(c, trading.ErrPositionNotFound)
		return
	}

	price := req.Price
	if !price.Valid {
		price, err = h.marketPrice(c, pos.Key())
		if err != nil {
			fail(c, err)
			return
		}
	}

	result, err := h.engine.ClosePosition(ctx, userID(c), pos.ID, price.Decimal, domain.CloseReasonManual)
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, result)
}

func (h *Handlers) marketPrice(c *gin.Context, key domain.InstrumentKey) (decimal.NullDecimal, error) {
	if tick, ok := h.feed.LatestPrice(key); ok && tick.LastPrice.IsPositive() {
		return decimal.NewNullDecimal(tick.LastPrice), nil
	}

	tick, err := h.feed.FetchQuote(c.Request.Context(), key)
	if err != nil || !tick.LastPrice.IsPositive() {
		h.logger.Warn("no price to close at", zap.String("channel", key.String()), zap.Error(err))
		return decimal.NullDecimal{}, fmt.Errorf("%w: %s", marketfeed.ErrPriceUnavailable, key)
	}
	return decimal.NewNullDecimal(tick.LastPrice), nil
}

type riskLevelsRequest struct {
	TargetPrice decimal.NullDecimal `json:"target_price"`
	StopLoss    decimal.NullDecimal `json:"stop_loss"`
}

func (h *Handlers) setRiskLevels(c *gin.Context) {
	var req riskLevelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	pos, err := h.engine.SetRiskLevels(c.Request.Context(), userID(c), c.Param("id"), req.TargetPrice, req.StopLoss)
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, pos)
}

func (h *Handlers) portfolio(c *gin.Context) {
	summary, err := h.engine.GetPortfolioSummary(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, summary)
}

func (h *Handlers) trades(c *gin.Context) {
	var filter trading.TradeFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	trades, total, err := h.engine.GetTradeHistory(c.Request.Context(), userID(c), filter)
	if err != nil {
		fail(c, err)
		return
	}
	page := filter.Page.Normalize()
	response.List(c, trades, total, page.Limit, page.Offset)
}
