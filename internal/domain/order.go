// Package domain contains core business entities and value objects.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order, trade or position.
type Side string

const (
	// SideBuy opens or adds to a long position.
	SideBuy Side = "BUY"
	// SideSell opens or adds to a short position.
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that closes exposure opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents the type of order execution.
type OrderType string

const (
	// OrderTypeMarket fills immediately at the current feed price.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit is persisted and stays pending until cancelled.
	OrderTypeLimit OrderType = "LIMIT"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderStatus represents the current state of an order.
type OrderStatus string

const (
	// OrderStatusPending indicates the order is persisted but not filled.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusFilled indicates the order has been completely filled.
	OrderStatusFilled OrderStatus = "FILLED"
	// OrderStatusCancelled indicates the order was cancelled before being filled.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRejected indicates the order was refused during execution.
	OrderStatusRejected OrderStatus = "REJECTED"
)

// IsTerminal returns true if the order can no longer change state.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Order represents a simulated trading order placed by a user.
type Order struct {
	// ID is the unique identifier of the order.
	ID string `gorm:"primaryKey;size:36" json:"id"`
	// UserID identifies the owner of the order.
	UserID string `gorm:"size:64;not null;index" json:"user_id"`
	// Symbol is the canonical trading symbol of the instrument.
	Symbol string `gorm:"size:64;not null;index" json:"symbol"`
	// Exchange is the exchange segment of the instrument.
	Exchange string `gorm:"size:16;not null" json:"exchange"`
	// InstrumentToken is the vendor-assigned instrument token.
	InstrumentToken string `gorm:"size:32;not null" json:"instrument_token"`
	// Side indicates whether this is a buy or sell order.
	Side Side `gorm:"size:4;not null" json:"side"`
	// Quantity is the number of units requested.
	Quantity decimal.Decimal `gorm:"type:decimal(28,8);not null" json:"quantity"`
	// RequestedPrice is the caller-supplied price, if any.
	RequestedPrice decimal.NullDecimal `gorm:"type:decimal(28,8)" json:"requested_price"`
	// OrderType indicates limit or market order.
	OrderType OrderType `gorm:"size:8;not null" json:"order_type"`
	// Status is the current order status.
	Status OrderStatus `gorm:"size:10;not null;index" json:"status"`
	// FilledQuantity is the quantity that has been filled so far.
	FilledQuantity decimal.Decimal `gorm:"type:decimal(28,8);not null" json:"filled_quantity"`
	// Trades are the executions recorded against this order.
	Trades []Trade `gorm:"foreignKey:OrderID" json:"trades,omitempty"`
	// CreatedAt is when the order was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the order was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFilled returns true if the order has been completely filled.
func (o *Order) IsFilled() bool {
	return o.Status == OrderStatusFilled
}

// Notional returns quantity multiplied by the given price.
func (o *Order) Notional(price decimal.Decimal) decimal.Decimal {
	return o.Quantity.Mul(price)
}

// Trade is an immutable execution record. One is created per fill and per close.
type Trade struct {
	ID         string              `gorm:"primaryKey;size:36" json:"id"`
	OrderID    string              `gorm:"size:36;not null;index" json:"order_id"`
	UserID     string              `gorm:"size:64;not null;index" json:"user_id"`
	PositionID string              `gorm:"size:36;not null;index" json:"position_id"`
	Symbol     string              `gorm:"size:64;not null;index" json:"symbol"`
	Side       Side                `gorm:"size:4;not null" json:"side"`
	Quantity   decimal.Decimal     `gorm:"type:decimal(28,8);not null" json:"quantity"`
	Price      decimal.Decimal     `gorm:"type:decimal(28,8);not null" json:"price"`
	Pnl        decimal.NullDecimal `gorm:"type:decimal(28,8)" json:"pnl"`
	ExecutedAt time.Time           `gorm:"not null;index" json:"executed_at"`
}
