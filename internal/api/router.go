// Package api exposes the trading core over HTTP with gin.
// Caller identity comes from the X-User-ID header set by the upstream gateway.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"papertrader/internal/domain"
	"papertrader/internal/marketfeed"
	"papertrader/internal/trading"
	"papertrader/internal/wallet"
	"papertrader/pkg/response"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-User-ID"

const userKey = "user_id"

// Instruments resolves and searches the symbol directory.
type Instruments interface {
	Resolve(ctx context.Context, ref string) (*domain.Instrument, error)
	Search(ctx context.Context, prefix string, limit int) ([]domain.Instrument, error)
}

// Config holds the handlers' collaborators.
type Config struct {
	Engine      *trading.Engine
	Ledger      *wallet.Ledger
	Feed        marketfeed.Feed
	Instruments Instruments
	// MetricsPath mounts Metrics when both are set.
	MetricsPath string
	Metrics     http.Handler
	Logger      *zap.Logger
}

// Handlers serves the HTTP surface.
type Handlers struct {
	engine      *trading.Engine
	ledger      *wallet.Ledger
	feed        marketfeed.Feed
	instruments Instruments
	logger      *zap.Logger
}

// NewRouter builds the gin engine with all routes mounted.
func NewRouter(cfg Config) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handlers{
		engine:      cfg.Engine,
		ledger:      cfg.Ledger,
		feed:        cfg.Feed,
		instruments: cfg.Instruments,
		logger:      logger,
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", h.health)
	if cfg.MetricsPath != "" && cfg.Metrics != nil {
		router.GET(cfg.MetricsPath, gin.WrapH(cfg.Metrics))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/instruments", h.searchInstruments)

		market := v1.Group("/market/:instrument")
		{
			market.GET("/price", h.price)
			market.GET("/stream", h.stream)
			market.GET("/history", h.history)
		}

		user := v1.Group("", requireUser())
		{
			user.POST("/orders", h.placeOrder)
			user.GET("/orders", h.listOrders)
			user.GET("/orders/:id", h.getOrder)
			user.DELETE("/orders/:id", h.cancelOrder)

			user.GET("/positions", h.openPositions)
			user.GET("/positions/:id", h.getPosition)
			user.POST("/positions/:id/close", h.closePosition)
			user.PUT("/positions/:id/risk", h.setRiskLevels)

			user.GET("/portfolio", h.portfolio)
			user.GET("/trades", h.trades)

			user.GET("/wallet", h.walletBalance)
			user.GET("/wallet/transactions", h.walletTransactions)
		}

		admin := v1.Group("/admin")
		{
			admin.POST("/feed/connect", h.feedConnect)
			admin.POST("/feed/disconnect", h.feedDisconnect)
			admin.GET("/feed/status", h.feedStatus)
			admin.POST("/wallets/:user/credit", h.adminCredit)
			admin.POST("/wallets/:user/debit", h.adminDebit)
		}
	}

	return router
}

func (h *Handlers) health(c *gin.Context) {
	response.OK(c, gin.H{
		"status": "ok",
		"feed":   h.feed.Status(),
	})
}

// requireUser rejects requests without a user id.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(UserHeader)
		if id == "" {
			response.Unauthorized(c, UserHeader+" header is required")
			return
		}
		c.Set(userKey, id)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(userKey)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
			return
		}
		logger.Debug("request", fields...)
	}
}
