package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
	"papertrader/internal/wallet"
	"papertrader/pkg/response"
)

func (h *Handlers) walletBalance(c *gin.Context) {
	w, err := h.ledger.Wallet(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, w)
}

func (h *Handlers) walletTransactions(c *gin.Context) {
	var page domain.Page
	if err := c.ShouldBindQuery(&page); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	txns, total, err := h.ledger.Transactions(c.Request.Context(), userID(c), page)
	if err != nil {
		fail(c, err)
		return
	}
	page = page.Normalize()
	response.List(c, txns, total, page.Limit, page.Offset)
}

type walletEntryRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" binding:"required"`
	Reference   string          `json:"reference"`
}

func (h *Handlers) adminCredit(c *gin.Context) {
	h.adminEntry(c, h.ledger.Credit)
}

func (h *Handlers) adminDebit(c *gin.Context) {
	h.adminEntry(c, h.ledger.Debit)
}

func (h *Handlers) adminEntry(c *gin.Context, apply func(ctx context.Context, userID string, entry wallet.Entry) (*domain.WalletTransaction, error)) {
	var req walletEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	txn, err := apply(c.Request.Context(), c.Param("user"), wallet.Entry{
		Amount:      req.Amount,
		Description: req.Description,
		Reference:   req.Reference,
	})
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, txn)
}
