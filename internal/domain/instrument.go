package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKey identifies an instrument on the vendor feed.
type InstrumentKey struct {
	Exchange string `json:"exchange"`
	Token    string `json:"token"`
}

// String returns the feed channel key in "EXCHANGE|TOKEN" form.
func (k InstrumentKey) String() string {
	return k.Exchange + "|" + k.Token
}

// IsZero returns true if neither part of the key is set.
func (k InstrumentKey) IsZero() bool {
	return k.Exchange == "" && k.Token == ""
}

// ParseInstrumentKey parses a channel key in "EXCHANGE|TOKEN" form.
func ParseInstrumentKey(s string) (InstrumentKey, error) {
	exchange, token, ok := strings.Cut(s, "|")
	if !ok || exchange == "" || token == "" {
		return InstrumentKey{}, fmt.Errorf("invalid instrument key %q", s)
	}
	return InstrumentKey{Exchange: strings.ToUpper(exchange), Token: token}, nil
}

// Instrument is read-only reference data ingested from the vendor contract master.
type Instrument struct {
	// ID is the numeric identifier callers may use instead of the symbol.
	ID uint `gorm:"primaryKey" json:"id"`
	// Exchange is the exchange segment, e.g. "NSE" or "NFO".
	Exchange string `gorm:"size:16;not null;uniqueIndex:idx_instruments_key" json:"exchange"`
	// Token is the vendor-assigned instrument token.
	Token string `gorm:"size:32;not null;uniqueIndex:idx_instruments_key" json:"token"`
	// TradingSymbol is the human alias, e.g. "RELIANCE-EQ".
	TradingSymbol string `gorm:"size:64;not null;index" json:"trading_symbol"`
	// ExpirationDate is set for derivatives.
	ExpirationDate *time.Time `gorm:"index" json:"expiration_date,omitempty"`
	// Tradable is false for instruments that may be quoted but not traded.
	Tradable bool `gorm:"not null" json:"tradable"`
	// LotSize is the contract lot size.
	LotSize int `json:"lot_size"`
}

// Key returns the feed channel key of the instrument.
func (i *Instrument) Key() InstrumentKey {
	return InstrumentKey{Exchange: i.Exchange, Token: i.Token}
}

// Expired reports whether the instrument's contract expired before now.
func (i *Instrument) Expired(now time.Time) bool {
	return i.ExpirationDate != nil && i.ExpirationDate.Before(now)
}

// PriceTick is the latest known quote for an instrument. Only the most
// recent tick per instrument is retained.
type PriceTick struct {
	Exchange      string          `json:"exchange"`
	Token         string          `json:"token"`
	LastPrice     decimal.Decimal `json:"last_price"`
	PercentChange decimal.Decimal `json:"percent_change"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Open          decimal.Decimal `json:"open"`
	Close         decimal.Decimal `json:"close"`
	BidPrice      decimal.Decimal `json:"bid_price"`
	AskPrice      decimal.Decimal `json:"ask_price"`
	Volume        int64           `json:"volume"`
	// Traded is false while LastPrice is derived from the bid/offer.
	Traded        bool            `json:"traded"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Key returns the feed channel key of the tick.
func (t *PriceTick) Key() InstrumentKey {
	return InstrumentKey{Exchange: t.Exchange, Token: t.Token}
}

// Bar is one OHLCV candle returned by the history endpoint.
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}
