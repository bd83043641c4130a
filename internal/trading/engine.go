// Package trading implements the simulated order execution engine: price
// discovery, fund locking, fills, position aggregation and settlement.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"papertrader/internal/domain"
	"papertrader/internal/marketfeed"
	"papertrader/internal/metrics"
	"papertrader/internal/symbols"
	"papertrader/internal/wallet"
)

const defaultPriceWait = 8 * time.Second

// Sentinel errors for trading operations.
var (
	ErrInvalidSymbol       = symbols.ErrInvalidSymbol
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidSide         = errors.New("side must be BUY or SELL")
	ErrInvalidOrderType    = errors.New("order type must be MARKET or LIMIT")
	ErrInvalidPrice        = errors.New("price must be positive")
	ErrPriceUnavailable    = marketfeed.ErrPriceUnavailable
	ErrInsufficientFunds   = wallet.ErrInsufficientFunds
	ErrPositionNotFound    = errors.New("position not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order cannot be cancelled")
)

// PriceSource supplies prices for execution.
type PriceSource interface {
	LatestPrice(key domain.InstrumentKey) (domain.PriceTick, bool)
	WaitForPrice(ctx context.Context, key domain.InstrumentKey, timeout time.Duration) (domain.PriceTick, error)
}

// InstrumentResolver maps caller references to instruments.
type InstrumentResolver interface {
	Resolve(ctx context.Context, ref string) (*domain.Instrument, error)
}

// PositionObserver is told about committed position changes.
type PositionObserver interface {
	// PositionChanged is called after a fill or risk-level edit commits.
	PositionChanged(ctx context.Context, p domain.Position)
	// PositionClosed is called after a close commits.
	PositionClosed(ctx context.Context, p domain.Position)
}

// Config holds the engine's collaborators.
type Config struct {
	DB       *gorm.DB
	Symbols  InstrumentResolver
	Prices   PriceSource
	Ledger   *wallet.Ledger
	Observer PositionObserver
	// PriceWait bounds the wait for a first tick when nothing is cached.
	PriceWait time.Duration
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Engine executes simulated orders against feed prices.
type Engine struct {
	db        *gorm.DB
	symbols   InstrumentResolver
	prices    PriceSource
	ledger    *wallet.Ledger
	observer  PositionObserver
	priceWait time.Duration
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PriceWait == 0 {
		cfg.PriceWait = defaultPriceWait
	}

	return &Engine{
		db:        cfg.DB,
		symbols:   cfg.Symbols,
		prices:    cfg.Prices,
		ledger:    cfg.Ledger,
		observer:  cfg.Observer,
		priceWait: cfg.PriceWait,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// SetObserver replaces the position observer. Call before serving traffic.
func (e *Engine) SetObserver(o PositionObserver) {
	e.observer = o
}

// PlaceOrderRequest describes an order to execute.
type PlaceOrderRequest struct {
	// Symbol is a trading symbol, an "EXCHANGE|TOKEN" key or a numeric instrument id.
	Symbol string `json:"symbol"`
	// Side is BUY or SELL.
	Side domain.Side `json:"side"`
	// Quantity must be positive.
	Quantity decimal.Decimal `json:"quantity"`
	// Price overrides price discovery for MARKET orders and is the limit for LIMIT orders.
	Price decimal.NullDecimal `json:"price"`
	// OrderType defaults to MARKET.
	OrderType domain.OrderType `json:"order_type"`
	// TargetPrice is stored on the resulting position.
	TargetPrice decimal.NullDecimal `json:"target_price"`
	// StopLoss is stored on the resulting position.
	StopLoss decimal.NullDecimal `json:"stop_loss"`
}

// PlaceOrder validates, prices and fills an order.
// MARKET orders fill in full or not at all. LIMIT orders are stored PENDING.
func (e *Engine) PlaceOrder(ctx context.Context, userID string, req PlaceOrderRequest) (*domain.Order, error) {
	if req.OrderType == "" {
		req.OrderType = domain.OrderTypeMarket
	}

	inst, err := e.validate(ctx, req)
	if err != nil {
		e.metrics.OrderRejected(rejectReason(err))
		return nil, err
	}

	if req.OrderType == domain.OrderTypeLimit {
		return e.placeLimit(ctx, userID, inst, req)
	}

	price, err := e.discoverPrice(ctx, inst.Key(), req.Price)
	if err != nil {
		e.metrics.OrderRejected(rejectReason(err))
		return nil, err
	}

	cost := req.Quantity.Mul(price)
	balance, err := e.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(cost) {
		e.metrics.OrderRejected(rejectReason(ErrInsufficientFunds))
		return nil, &wallet.InsufficientFundsError{Required: cost, Available: balance}
	}

	order, position, err := e.fill(ctx, userID, inst, req, price, cost)
	if err != nil {
		e.metrics.OrderRejected(rejectReason(err))
		return nil, err
	}

	e.logger.Info("order filled",
		zap.String("order_id", order.ID),
		zap.String("user_id", userID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("quantity", order.Quantity.String()),
		zap.String("price", price.String()))
	e.metrics.OrderPlaced(string(order.Side), string(order.OrderType), string(order.Status))

	if e.observer != nil {
		e.observer.PositionChanged(ctx, *position)
	}
	return order, nil
}

func (e *Engine) validate(ctx context.Context, req PlaceOrderRequest) (*domain.Instrument, error) {
	if !req.Side.Valid() {
		return nil, ErrInvalidSide
	}
	if !req.OrderType.Valid() {
		return nil, ErrInvalidOrderType
	}

	inst, err := e.symbols.Resolve(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	if !req.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if req.Price.Valid && !req.Price.Decimal.IsPositive() {
		return nil, ErrInvalidPrice
	}
	if req.OrderType == domain.OrderTypeLimit && !req.Price.Valid {
		return nil, fmt.Errorf("%w: limit orders need a price", ErrInvalidPrice)
	}
	for _, level := range []decimal.NullDecimal{req.TargetPrice, req.StopLoss} {
		if level.Valid && !level.Decimal.IsPositive() {
			return nil, fmt.Errorf("%w: risk levels must be positive", ErrInvalidPrice)
		}
	}
	return inst, nil
}

// discoverPrice uses the caller's price, then the cache, then a fresh tick.
func (e *Engine) discoverPrice(ctx context.Context, key domain.InstrumentKey, requested decimal.NullDecimal) (decimal.Decimal, error) {
	if requested.Valid {
		return requested.Decimal, nil
	}

	if tick, ok := e.prices.LatestPrice(key); ok && tick.LastPrice.IsPositive() {
		return tick.LastPrice, nil
	}

	tick, err := e.prices.WaitForPrice(ctx, key, e.priceWait)
	if err != nil || !tick.LastPrice.IsPositive() {
		e.logger.Warn("no price for market order", zap.String("channel", key.String()), zap.Error(err))
		return decimal.Zero, ErrPriceUnavailable
	}
	return tick.LastPrice, nil
}

func (e *Engine) placeLimit(ctx context.Context, userID string, inst *domain.Instrument, req PlaceOrderRequest) (*domain.Order, error) {
	order := newOrder(userID, inst, req.Side, req.Quantity, req.Price, domain.OrderTypeLimit, time.Now().UTC())

	if err := e.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	e.logger.Info("limit order stored",
		zap.String("order_id", order.ID),
		zap.String("user_id", userID),
		zap.String("symbol", order.Symbol))
	e.metrics.OrderPlaced(string(order.Side), string(order.OrderType), string(order.Status))
	return order, nil
}

// fill runs order creation, fund lock, position upsert, trade insert and
// the FILLED transition in one transaction.
func (e *Engine) fill(ctx context.Context, userID string, inst *domain.Instrument, req PlaceOrderRequest, price, cost decimal.Decimal) (*domain.Order, *domain.Position, error) {
	now := time.Now().UTC()
	order := newOrder(userID, inst, req.Side, req.Quantity, req.Price, domain.OrderTypeMarket, now)
	var position *domain.Position

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		_, err := e.ledger.DebitTx(tx, userID, wallet.Entry{
			Amount:      cost,
			Description: fmt.Sprintf("Funds locked: %s %s %s @ %s", req.Side, req.Quantity, inst.TradingSymbol, price),
			Reference:   order.ID,
		})
		if err != nil {
			return err
		}

		position, err = e.upsertPosition(tx, userID, inst, req, price, cost, now)
		if err != nil {
			return err
		}

		trade := domain.Trade{
			ID:         uuid.NewString(),
			OrderID:    order.ID,
			UserID:     userID,
			PositionID: position.ID,
			Symbol:     inst.TradingSymbol,
			Side:       req.Side,
			Quantity:   req.Quantity,
			Price:      price,
			ExecutedAt: now,
		}
		if err := tx.Create(&trade).Error; err != nil {
			return fmt.Errorf("create trade: %w", err)
		}

		err = tx.Model(&domain.Order{}).Where("id = ?", order.ID).Updates(map[string]any{
			"status":          domain.OrderStatusFilled,
			"filled_quantity": req.Quantity,
			"updated_at":      now,
		}).Error
		if err != nil {
			return fmt.Errorf("mark order filled: %w", err)
		}

		order.Status = domain.OrderStatusFilled
		order.FilledQuantity = req.Quantity
		order.Trades = []domain.Trade{trade}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return order, position, nil
}

// upsertPosition averages the fill into the OPEN position for the same
// user, symbol and side, or opens a new one.
func (e *Engine) upsertPosition(tx *gorm.DB, userID string, inst *domain.Instrument, req PlaceOrderRequest, price, cost decimal.Decimal, now time.Time) (*domain.Position, error) {
	var pos domain.Position
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND symbol = ? AND side = ? AND status = ?",
			userID, inst.TradingSymbol, req.Side, domain.PositionStatusOpen).
		First(&pos).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		pos = domain.Position{
			ID:              uuid.NewString(),
			UserID:          userID,
			Symbol:          inst.TradingSymbol,
			Exchange:        inst.Exchange,
			InstrumentToken: inst.Token,
			Side:            req.Side,
			Quantity:        req.Quantity,
			AvgPrice:        price,
			LockedFunds:     cost,
			Status:          domain.PositionStatusOpen,
			TargetPrice:     req.TargetPrice,
			StopLoss:        req.StopLoss,
			CurrentPrice:    decimal.NewNullDecimal(price),
			UnrealizedPnl:   decimal.NewNullDecimal(decimal.Zero),
			ExpiresAt:       inst.ExpirationDate,
			OpenedAt:        now,
			UpdatedAt:       now,
		}
		if err := tx.Create(&pos).Error; err != nil {
			return nil, fmt.Errorf("create position: %w", err)
		}
		return &pos, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}

	pos.Quantity = pos.Quantity.Add(req.Quantity)
	pos.LockedFunds = pos.LockedFunds.Add(cost)
	pos.AvgPrice = pos.LockedFunds.DivRound(pos.Quantity, domain.PriceScale)
	pos.CurrentPrice = decimal.NewNullDecimal(price)
	pos.UnrealizedPnl = decimal.NewNullDecimal(pos.PnLAt(price))
	pos.UpdatedAt = now

	updates := map[string]any{
		"quantity":       pos.Quantity,
		"avg_price":      pos.AvgPrice,
		"locked_funds":   pos.LockedFunds,
		"current_price":  pos.CurrentPrice,
		"unrealized_pnl": pos.UnrealizedPnl,
		"updated_at":     now,
	}
	if req.TargetPrice.Valid {
		pos.TargetPrice = req.TargetPrice
		updates["target_price"] = req.TargetPrice
	}
	if req.StopLoss.Valid {
		pos.StopLoss = req.StopLoss
		updates["stop_loss"] = req.StopLoss
	}

	if err := tx.Model(&domain.Position{}).Where("id = ?", pos.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update position: %w", err)
	}
	return &pos, nil
}

// CloseResult is returned by ClosePosition.
type CloseResult struct {
	Message  string           `json:"message"`
	PnL      decimal.Decimal  `json:"pnl"`
	Position *domain.Position `json:"position"`
	Order    *domain.Order    `json:"order"`
}

// ClosePosition closes an OPEN position owned by userID at closePrice and
// settles lockedFunds + pnl to the wallet. A concurrent second close of the
// same position fails with ErrPositionNotFound.
func (e *Engine) ClosePosition(ctx context.Context, userID, positionID string, closePrice decimal.Decimal, reason string) (*CloseResult, error) {
	if !closePrice.IsPositive() {
		return nil, ErrInvalidPrice
	}
	if reason == "" {
		reason = domain.CloseReasonManual
	}

	var result *CloseResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos domain.Position
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ? AND status = ?", positionID, userID, domain.PositionStatusOpen).
			First(&pos).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPositionNotFound
		}
		if err != nil {
			return fmt.Errorf("load position: %w", err)
		}

		now := time.Now().UTC()
		pnl := pos.PnLAt(closePrice)
		closedQty := pos.Quantity

		res := tx.Model(&domain.Position{}).
			Where("id = ? AND status = ?", pos.ID, domain.PositionStatusOpen).
			Updates(map[string]any{
				"status":         domain.PositionStatusClosed,
				"quantity":       decimal.Zero,
				"current_price":  closePrice,
				"unrealized_pnl": pnl,
				"realized_pnl":   pnl,
				"close_reason":   reason,
				"closed_at":      now,
				"updated_at":     now,
			})
		if res.Error != nil {
			return fmt.Errorf("close position: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return ErrPositionNotFound
		}

		order := newOrder(userID, &domain.Instrument{
			Exchange:      pos.Exchange,
			Token:         pos.InstrumentToken,
			TradingSymbol: pos.Symbol,
		}, pos.Side.Opposite(), closedQty, decimal.NewNullDecimal(closePrice), domain.OrderTypeMarket, now)
		order.Status = domain.OrderStatusFilled
		order.FilledQuantity = closedQty
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("create closing order: %w", err)
		}

		trade := domain.Trade{
			ID:         uuid.NewString(),
			OrderID:    order.ID,
			UserID:     userID,
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Side:       order.Side,
			Quantity:   closedQty,
			Price:      closePrice,
			Pnl:        decimal.NewNullDecimal(pnl),
			ExecutedAt: now,
		}
		if err := tx.Create(&trade).Error; err != nil {
			return fmt.Errorf("create closing trade: %w", err)
		}
		order.Trades = []domain.Trade{trade}

		_, err = e.ledger.SettleTx(tx, userID, wallet.Entry{
			Amount: pos.LockedFunds.Add(pnl),
			Description: fmt.Sprintf("Position closed (%s): %s %s %s @ %s, P&L %s",
				reason, pos.Side, closedQty, pos.Symbol, closePrice, pnl.StringFixed(2)),
			Reference: pos.ID,
		})
		if err != nil {
			return err
		}

		pos.Status = domain.PositionStatusClosed
		pos.Quantity = decimal.Zero
		pos.CurrentPrice = decimal.NewNullDecimal(closePrice)
		pos.UnrealizedPnl = decimal.NewNullDecimal(pnl)
		pos.RealizedPnl = decimal.NewNullDecimal(pnl)
		pos.CloseReason = reason
		pos.ClosedAt = &now
		pos.UpdatedAt = now

		result = &CloseResult{
			Message:  fmt.Sprintf("Position closed with P&L of %s", pnl.StringFixed(2)),
			PnL:      pnl,
			Position: &pos,
			Order:    order,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("position closed",
		zap.String("position_id", positionID),
		zap.String("user_id", userID),
		zap.String("reason", reason),
		zap.String("price", closePrice.String()),
		zap.String("pnl", result.PnL.String()))
	e.metrics.PositionClosed(reason)

	if e.observer != nil {
		e.observer.PositionClosed(ctx, *result.Position)
	}
	return result, nil
}

// SetRiskLevels replaces the target and stop-loss of an OPEN position.
// An invalid NullDecimal clears the level.
func (e *Engine) SetRiskLevels(ctx context.Context, userID, positionID string, target, stop decimal.NullDecimal) (*domain.Position, error) {
	for _, level := range []decimal.NullDecimal{target, stop} {
		if level.Valid && !level.Decimal.IsPositive() {
			return nil, ErrInvalidPrice
		}
	}

	var pos domain.Position
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Position{}).
			Where("id = ? AND user_id = ? AND status = ?", positionID, userID, domain.PositionStatusOpen).
			Updates(map[string]any{
				"target_price": target,
				"stop_loss":    stop,
				"updated_at":   time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("update risk levels: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return ErrPositionNotFound
		}
		return tx.Where("id = ?", positionID).First(&pos).Error
	})
	if err != nil {
		return nil, err
	}

	if e.observer != nil {
		e.observer.PositionChanged(ctx, pos)
	}
	return &pos, nil
}

// CancelOrder cancels a PENDING order owned by userID.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", orderID, userID).
			First(&order).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: status is %s", ErrOrderNotCancellable, order.Status)
		}

		order.Status = domain.OrderStatusCancelled
		order.UpdatedAt = time.Now().UTC()
		return tx.Model(&domain.Order{}).Where("id = ?", order.ID).Updates(map[string]any{
			"status":     order.Status,
			"updated_at": order.UpdatedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("order cancelled", zap.String("order_id", orderID), zap.String("user_id", userID))
	return &order, nil
}

func newOrder(userID string, inst *domain.Instrument, side domain.Side, qty decimal.Decimal, price decimal.NullDecimal, orderType domain.OrderType, now time.Time) *domain.Order {
	return &domain.Order{
		ID:              uuid.NewString(),
		UserID:          userID,
		Symbol:          inst.TradingSymbol,
		Exchange:        inst.Exchange,
		InstrumentToken: inst.Token,
		Side:            side,
		Quantity:        qty,
		RequestedPrice:  price,
		OrderType:       orderType,
		Status:          domain.OrderStatusPending,
		FilledQuantity:  decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// rejectReason maps an error to a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSymbol):
		return "invalid_symbol"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidSide), errors.Is(err, ErrInvalidOrderType), errors.Is(err, ErrInvalidPrice):
		return "invalid_request"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "internal"
	}
}
