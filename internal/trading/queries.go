package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"papertrader/internal/domain"
)

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Status domain.OrderStatus `form:"status"`
	Symbol string             `form:"symbol"`
	domain.Page
}

// TradeFilter narrows GetTradeHistory.
type TradeFilter struct {
	Symbol string      `form:"symbol"`
	Side   domain.Side `form:"side"`
	From   *time.Time  `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To     *time.Time  `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	domain.Page
}

// PortfolioSummary aggregates a user's wallet and open exposure.
type PortfolioSummary struct {
	Balance       decimal.Decimal   `json:"balance"`
	OpenPositions int               `json:"open_positions"`
	Invested      decimal.Decimal   `json:"invested"`
	CurrentValue  decimal.Decimal   `json:"current_value"`
	UnrealizedPnl decimal.Decimal   `json:"unrealized_pnl"`
	RealizedPnl   decimal.Decimal   `json:"realized_pnl"`
	TotalValue    decimal.Decimal   `json:"total_value"`
	Positions     []domain.Position `json:"positions"`
}

// GetOrder returns an order with its trades.
func (e *Engine) GetOrder(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := e.db.WithContext(ctx).
		Preload("Trades").
		Where("id = ? AND user_id = ?", orderID, userID).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &order, nil
}

// ListOrders returns a page of the user's orders, newest first, and the total count.
func (e *Engine) ListOrders(ctx context.Context, userID string, filter OrderFilter) ([]domain.Order, int64, error) {
	page := filter.Page.Normalize()

	q := e.db.WithContext(ctx).Model(&domain.Order{}).Where("user_id = ?", userID)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	var orders []domain.Order
	err := q.Order("created_at DESC").Limit(page.Limit).Offset(page.Offset).Find(&orders).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	return orders, total, nil
}

// GetOpenPositions returns the user's OPEN positions marked to the latest cached price.
// Marks are not persisted.
func (e *Engine) GetOpenPositions(ctx context.Context, userID string) ([]domain.Position, error) {
	var positions []domain.Position
	err := e.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, domain.PositionStatusOpen).
		Order("opened_at").
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	for i := range positions {
		e.mark(&positions[i])
	}
	return positions, nil
}

// GetPosition returns one position owned by the user, open or closed.
func (e *Engine) GetPosition(ctx context.Context, userID, positionID string) (*domain.Position, error) {
	var pos domain.Position
	err := e.db.WithContext(ctx).Where("id = ? AND user_id = ?", positionID, userID).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	if pos.IsOpen() {
		e.mark(&pos)
	}
	return &pos, nil
}

// AllOpenPositions returns every OPEN position across users.
func (e *Engine) AllOpenPositions(ctx context.Context) ([]domain.Position, error) {
	var positions []domain.Position
	if err := e.db.WithContext(ctx).Where("status = ?", domain.PositionStatusOpen).Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	return positions, nil
}

func (e *Engine) mark(p *domain.Position) {
	if e.prices == nil {
		return
	}
	tick, ok := e.prices.LatestPrice(p.Key())
	if !ok || !tick.LastPrice.IsPositive() {
		return
	}
	p.CurrentPrice = decimal.NewNullDecimal(tick.LastPrice)
	p.UnrealizedPnl = decimal.NewNullDecimal(p.PnLAt(tick.LastPrice))
}

// GetPortfolioSummary returns balance, open exposure and realized results for a user.
func (e *Engine) GetPortfolioSummary(ctx context.Context, userID string) (*PortfolioSummary, error) {
	balance, err := e.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	positions, err := e.GetOpenPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &PortfolioSummary{
		Balance:       balance,
		OpenPositions: len(positions),
		Invested:      decimal.Zero,
		UnrealizedPnl: decimal.Zero,
		RealizedPnl:   decimal.Zero,
		Positions:     positions,
	}
	for _, p := range positions {
		summary.Invested = summary.Invested.Add(p.LockedFunds)
		if p.UnrealizedPnl.Valid {
			summary.UnrealizedPnl = summary.UnrealizedPnl.Add(p.UnrealizedPnl.Decimal)
		}
	}
	summary.CurrentValue = summary.Invested.Add(summary.UnrealizedPnl)
	summary.TotalValue = balance.Add(summary.CurrentValue)

	var pnls []decimal.NullDecimal
	err = e.db.WithContext(ctx).Model(&domain.Trade{}).
		Where("user_id = ? AND pnl IS NOT NULL", userID).
		Pluck("pnl", &pnls).Error
	if err != nil {
		return nil, fmt.Errorf("sum realized pnl: %w", err)
	}
	for _, p := range pnls {
		if p.Valid {
			summary.RealizedPnl = summary.RealizedPnl.Add(p.Decimal)
		}
	}

	return summary, nil
}

// GetTradeHistory returns a page of the user's trades, newest first, and the total count.
func (e *Engine) GetTradeHistory(ctx context.Context, userID string, filter TradeFilter) ([]domain.Trade, int64, error) {
	page := filter.Page.Normalize()

	q := e.db.WithContext(ctx).Model(&domain.Trade{}).Where("user_id = ?", userID)
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	if filter.Side != "" {
		q = q.Where("side = ?", filter.Side)
	}
	if filter.From != nil {
		q = q.Where("executed_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("executed_at < ?", filter.To.UTC())
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count trades: %w", err)
	}

	var trades []domain.Trade
	err := q.Order("executed_at DESC").Limit(page.Limit).Offset(page.Offset).Find(&trades).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list trades: %w", err)
	}
	return trades, total, nil
}
