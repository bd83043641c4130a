package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus represents the lifecycle state of a position.
type PositionStatus string

const (
	// PositionStatusOpen marks live exposure watched by the risk monitor.
	PositionStatusOpen PositionStatus = "OPEN"
	// PositionStatusClosed marks a settled position. Closed rows are kept for history.
	PositionStatusClosed PositionStatus = "CLOSED"
)

// PriceScale is the number of decimal places kept for stored prices and amounts.
const PriceScale = 8

// Close reasons recorded on positions and in the wallet journal.
const (
	CloseReasonManual          = "manual close"
	CloseReasonTarget          = "target hit"
	CloseReasonStopLoss        = "stop-loss hit"
	CloseReasonExpirySquareOff = "expiry square-off"
)

// Position is a user's open exposure in one symbol and side.
// At most one OPEN position exists per (UserID, Symbol, Side).
type Position struct {
	// ID is the unique identifier of the position.
	ID string `gorm:"primaryKey;size:36" json:"id"`
	// UserID identifies the owner of the position.
	UserID string `gorm:"size:64;not null;index" json:"user_id"`
	// Symbol is the canonical trading symbol.
	Symbol string `gorm:"size:64;not null" json:"symbol"`
	// Exchange is the exchange segment of the instrument.
	Exchange string `gorm:"size:16;not null" json:"exchange"`
	// InstrumentToken is the vendor-assigned instrument token.
	InstrumentToken string `gorm:"size:32;not null" json:"instrument_token"`
	// Side is the direction of the exposure.
	Side Side `gorm:"size:4;not null" json:"side"`
	// Quantity is the open quantity. Zero once closed.
	Quantity decimal.Decimal `gorm:"type:decimal(28,8);not null" json:"quantity"`
	// AvgPrice is the quantity-weighted average entry price, rounded to PriceScale.
	AvgPrice decimal.Decimal `gorm:"type:decimal(28,8);not null" json:"avg_price"`
	// LockedFunds is the total cost debited from the wallet for this position.
	LockedFunds decimal.Decimal `gorm:"type:decimal(28,8);not null" json:"locked_funds"`
	// Status is OPEN or CLOSED.
	Status PositionStatus `gorm:"size:8;not null;index" json:"status"`
	// TargetPrice triggers a favorable auto square-off when reached.
	TargetPrice decimal.NullDecimal `gorm:"type:decimal(28,8)" json:"target_price"`
	// StopLoss triggers an unfavorable auto square-off when reached.
	StopLoss decimal.NullDecimal `gorm:"type:decimal(28,8)" json:"stop_loss"`
	// CurrentPrice is the last price seen for the position.
	CurrentPrice decimal.NullDecimal `gorm:"type:decimal(28,8)" json:"current_price"`
	// UnrealizedPnl is the mark-to-market result at CurrentPrice.
	UnrealizedPnl decimal.NullDecimal `gorm:"type:decimal(28,8)" json:"unrealized_pnl"`
	// RealizedPnl is set when the position is closed.
	RealizedPnl decimal.NullDecimal `gorm:"type:decimal(28,8)" json:"realized_pnl"`
	// CloseReason describes why the position was closed.
	CloseReason string `gorm:"size:64" json:"close_reason,omitempty"`
	// ExpiresAt is the contract expiry copied from the instrument, if any.
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
	// OpenedAt is when the first fill opened the position.
	OpenedAt time.Time `gorm:"not null" json:"opened_at"`
	// ClosedAt is when the position was closed.
	ClosedAt *time.Time `json:"closed_at,omitempty"`
	// UpdatedAt is when the row was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the feed channel key of the position's instrument.
func (p *Position) Key() InstrumentKey {
	return InstrumentKey{Exchange: p.Exchange, Token: p.InstrumentToken}
}

// IsOpen returns true if the position is still live.
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// PnLAt returns the result of closing the whole position at price. It is
// measured against LockedFunds, the exact cost basis, rather than the
// rounded AvgPrice.
func (p *Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	value := price.Mul(p.Quantity)
	if p.Side == SideSell {
		return p.LockedFunds.Sub(value)
	}
	return value.Sub(p.LockedFunds)
}

// TargetHit reports whether price has reached the target favorably.
func (p *Position) TargetHit(price decimal.Decimal) bool {
	if !p.TargetPrice.Valid {
		return false
	}
	if p.Side == SideBuy {
		return price.GreaterThanOrEqual(p.TargetPrice.Decimal)
	}
	return price.LessThanOrEqual(p.TargetPrice.Decimal)
}

// StopHit reports whether price has reached the stop-loss unfavorably.
func (p *Position) StopHit(price decimal.Decimal) bool {
	if !p.StopLoss.Valid {
		return false
	}
	if p.Side == SideBuy {
		return price.LessThanOrEqual(p.StopLoss.Decimal)
	}
	return price.GreaterThanOrEqual(p.StopLoss.Decimal)
}

// Expired reports whether the instrument's contract expired before now.
func (p *Position) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}
