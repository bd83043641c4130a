package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"papertrader/internal/marketfeed"
	"papertrader/internal/trading"
	"papertrader/internal/wallet"
	"papertrader/pkg/response"
)

// fail maps core errors to HTTP responses.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)

	switch {
	case errors.Is(err, trading.ErrInvalidSymbol),
		errors.Is(err, trading.ErrInvalidQuantity),
		errors.Is(err, trading.ErrInvalidSide),
		errors.Is(err, trading.ErrInvalidOrderType),
		errors.Is(err, trading.ErrInvalidPrice),
		errors.Is(err, wallet.ErrInvalidAmount):
		response.ValidationFailed(c, err.Error())
	case errors.Is(err, trading.ErrPositionNotFound),
		errors.Is(err, trading.ErrOrderNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, wallet.ErrInsufficientFunds):
		response.Conflict(c, response.ErrCodeInsufficientFunds, err.Error())
	case errors.Is(err, trading.ErrOrderNotCancellable):
		response.Conflict(c, response.ErrCodeConflict, err.Error())
	case errors.Is(err, marketfeed.ErrPriceUnavailable),
		errors.Is(err, marketfeed.ErrNotConnected),
		errors.Is(err, marketfeed.ErrInvalidSession),
		errors.Is(err, marketfeed.ErrSessionCreate),
		errors.Is(err, marketfeed.ErrAuthTimeout),
		errors.Is(err, marketfeed.ErrAuthRejected):
		response.Unavailable(c, err.Error())
	default:
		response.InternalError(c, "An unexpected error occurred")
	}
}
