package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a wallet journal row.
type TransactionType string

const (
	// TransactionCredit is an operator or system credit.
	TransactionCredit TransactionType = "CREDIT"
	// TransactionDebit is an operator debit or a trading fund lock.
	TransactionDebit TransactionType = "DEBIT"
	// TransactionTradePnl is the settlement of a closed position.
	TransactionTradePnl TransactionType = "TRADE_PNL"
)

// Wallet holds a user's cash balance.
type Wallet struct {
	ID        string          `gorm:"primaryKey;size:36" json:"id"`
	UserID    string          `gorm:"size:64;not null;uniqueIndex" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(28,8);not null" json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WalletTransaction is an immutable journal row. BalanceAfter of the most
// recent row always equals the wallet's Balance.
type WalletTransaction struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	WalletID     string          `gorm:"size:36;not null;index" json:"wallet_id"`
	UserID       string          `gorm:"size:64;not null;index" json:"user_id"`
	Type         TransactionType `gorm:"size:10;not null" json:"type"`
	Amount       decimal.Decimal `gorm:"type:decimal(28,8);not null" json:"amount"`
	BalanceAfter decimal.Decimal `gorm:"type:decimal(28,8);not null" json:"balance_after"`
	Reference    string          `gorm:"size:64;index" json:"reference,omitempty"`
	Description  string          `gorm:"size:255;not null" json:"description"`
	CreatedAt    time.Time       `gorm:"not null;index" json:"created_at"`
}
