// Package wallet implements the per-user cash ledger. Every balance change
// is paired with exactly one journal row in the same transaction.
package wallet

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
)

// Sentinel errors for ledger operations.
var (
	// ErrInsufficientFunds is returned when a debit would drive the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned when a credit or debit amount is not positive.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// InsufficientFundsError carries the amounts behind a refused debit.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s",
		e.Required.StringFixed(2), e.Available.StringFixed(2))
}

// Is matches ErrInsufficientFunds.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Entry describes one ledger movement.
type Entry struct {
	// Amount is the magnitude for Credit and Debit, and the signed delta for Settle.
	Amount decimal.Decimal
	// Description is stored on the journal row.
	Description string
	// Reference links the row to an order, position or external id.
	Reference string
}

// Ledger mutates wallets and their journal.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewLedger creates a ledger backed by db.
func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: db, logger: logger}
}

// Credit adds a positive amount to the user's wallet.
func (l *Ledger) Credit(ctx context.Context, userID string, entry Entry) (*domain.WalletTransaction, error) {
	return l.inTx(ctx, func(tx *gorm.DB) (*domain.WalletTransaction, error) {
		return l.CreditTx(tx, userID, entry)
	})
}

// Debit removes a positive amount from the user's wallet.
// Returns *InsufficientFundsError if the balance would go negative.
func (l *Ledger) Debit(ctx context.Context, userID string, entry Entry) (*domain.WalletTransaction, error) {
	return l.inTx(ctx, func(tx *gorm.DB) (*domain.WalletTransaction, error) {
		return l.DebitTx(tx, userID, entry)
	})
}

// CreditTx is Credit inside the caller's transaction.
func (l *Ledger) CreditTx(tx *gorm.DB, userID string, entry Entry) (*domain.WalletTransaction, error) {
	if !entry.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.apply(tx, userID, domain.TransactionCredit, entry.Amount, entry, false)
}

// DebitTx is Debit inside the caller's transaction.
func (l *Ledger) DebitTx(tx *gorm.DB, userID string, entry Entry) (*domain.WalletTransaction, error) {
	if !entry.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.apply(tx, userID, domain.TransactionDebit, entry.Amount.Neg(), entry, false)
}

// SettleTx journals a signed trade settlement inside the caller's
// transaction. The resulting balance may be negative.
func (l *Ledger) SettleTx(tx *gorm.DB, userID string, entry Entry) (*domain.WalletTransaction, error) {
	return l.apply(tx, userID, domain.TransactionTradePnl, entry.Amount, entry, true)
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *gorm.DB) (*domain.WalletTransaction, error)) (*domain.WalletTransaction, error) {
	var txn *domain.WalletTransaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (l *Ledger) apply(tx *gorm.DB, userID string, typ domain.TransactionType, delta decimal.Decimal, entry Entry, allowNegative bool) (*domain.WalletTransaction, error) {
	w, err := l.lockWallet(tx, userID)
	if err != nil {
		return nil, err
	}

	balance := w.Balance.Add(delta)
	if !allowNegative && balance.IsNegative() {
		return nil, &InsufficientFundsError{Required: delta.Neg(), Available: w.Balance}
	}

	now := time.Now().UTC()
	err = tx.Model(&domain.Wallet{}).
		Where("id = ?", w.ID).
		Updates(map[string]any{"balance": balance, "updated_at": now}).Error
	if err != nil {
		return nil, fmt.Errorf("update wallet: %w", err)
	}

	txn := &domain.WalletTransaction{
		ID:           uuid.NewString(),
		WalletID:     w.ID,
		UserID:       userID,
		Type:         typ,
		Amount:       delta,
		BalanceAfter: balance,
		Reference:    entry.Reference,
		Description:  entry.Description,
		CreatedAt:    now,
	}
	if err := tx.Create(txn).Error; err != nil {
		return nil, fmt.Errorf("journal wallet transaction: %w", err)
	}

	l.logger.Debug("wallet updated",
		zap.String("user_id", userID),
		zap.String("type", string(typ)),
		zap.String("amount", delta.String()),
		zap.String("balance", balance.String()))

	return txn, nil
}

// lockWallet loads the user's wallet for update, creating an empty one on first use.
func (l *Ledger) lockWallet(tx *gorm.DB, userID string) (*domain.Wallet, error) {
	var w domain.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load wallet: %w", err)
	}

	w = domain.Wallet{ID: uuid.NewString(), UserID: userID, Balance: decimal.Zero}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&w).Error; err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}

	// Another transaction may have won the insert.
	w = domain.Wallet{}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return &w, nil
}

// Balance returns the user's balance, zero when no wallet exists yet.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return l.BalanceTx(l.db.WithContext(ctx), userID)
}

// BalanceTx is Balance inside the caller's transaction.
func (l *Ledger) BalanceTx(tx *gorm.DB, userID string) (decimal.Decimal, error) {
	var w domain.Wallet
	err := tx.Where("user_id = ?", userID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load wallet: %w", err)
	}
	return w.Balance, nil
}

// Wallet returns the user's wallet, or an unsaved zero-balance wallet when none exists yet.
func (l *Ledger) Wallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	var w domain.Wallet
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.Wallet{UserID: userID, Balance: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return &w, nil
}

// Transactions returns the user's journal, newest first, and the total row count.
func (l *Ledger) Transactions(ctx context.Context, userID string, page domain.Page) ([]domain.WalletTransaction, int64, error) {
	page = page.Normalize()
	q := l.db.WithContext(ctx).Model(&domain.WalletTransaction{}).Where("user_id = ?", userID).Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count wallet transactions: %w", err)
	}

	var out []domain.WalletTransaction
	err := q.Order("created_at DESC").Limit(page.Limit).Offset(page.Offset).Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list wallet transactions: %w", err)
	}
	return out, total, nil
}
