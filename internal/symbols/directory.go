// Package symbols resolves caller-supplied instrument references against the
// contract master ingested from the vendor.
package symbols

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"papertrader/internal/domain"
)

// ErrInvalidSymbol is returned when a reference does not resolve to a tradable instrument.
var ErrInvalidSymbol = errors.New("invalid symbol")

// Directory is a read-mostly catalog of instruments.
type Directory struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDirectory creates a directory backed by db.
func NewDirectory(db *gorm.DB, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{db: db, logger: logger}
}

// Resolve finds a tradable instrument by numeric id, "EXCHANGE|TOKEN" key or
// trading symbol, in that order.
func (d *Directory) Resolve(ctx context.Context, ref string) (*domain.Instrument, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrInvalidSymbol
	}

	inst, err := d.lookup(ctx, ref)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve symbol: %w", err)
	}

	if !inst.Tradable {
		return nil, fmt.Errorf("%w: %s is not tradable", ErrInvalidSymbol, inst.TradingSymbol)
	}
	return inst, nil
}

func (d *Directory) lookup(ctx context.Context, ref string) (*domain.Instrument, error) {
	var inst domain.Instrument
	db := d.db.WithContext(ctx)

	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return &inst, db.First(&inst, id).Error
	}

	if key, err := domain.ParseInstrumentKey(ref); err == nil {
		return &inst, db.Where("exchange = ? AND token = ?", key.Exchange, key.Token).First(&inst).Error
	}

	// Several segments may list the same alias; prefer the plain equity listing.
	err := db.Where("trading_symbol = ?", strings.ToUpper(ref)).
		Order("expiration_date IS NOT NULL, id").
		First(&inst).Error
	return &inst, err
}

// ByKey returns the instrument for a feed key, tradable or not.
func (d *Directory) ByKey(ctx context.Context, key domain.InstrumentKey) (*domain.Instrument, error) {
	var inst domain.Instrument
	err := d.db.WithContext(ctx).Where("exchange = ? AND token = ?", key.Exchange, key.Token).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, key)
	}
	if err != nil {
		return nil, fmt.Errorf("find instrument: %w", err)
	}
	return &inst, nil
}

// Search returns instruments whose trading symbol starts with prefix.
func (d *Directory) Search(ctx context.Context, prefix string, limit int) ([]domain.Instrument, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var out []domain.Instrument
	err := d.db.WithContext(ctx).
		Where("trading_symbol LIKE ?", strings.ToUpper(prefix)+"%").
		Order("trading_symbol").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("search instruments: %w", err)
	}
	return out, nil
}

// Expired returns instruments whose contract expired before now.
func (d *Directory) Expired(ctx context.Context, now time.Time) ([]domain.Instrument, error) {
	var out []domain.Instrument
	err := d.db.WithContext(ctx).
		Where("expiration_date IS NOT NULL AND expiration_date < ?", now).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list expired instruments: %w", err)
	}
	return out, nil
}

// Save upserts instruments by (exchange, token). Used by the contract master ingest.
func (d *Directory) Save(ctx context.Context, instruments []domain.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}

	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "exchange"}, {Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"trading_symbol", "expiration_date", "tradable", "lot_size"}),
	}).Create(&instruments).Error
	if err != nil {
		return fmt.Errorf("save instruments: %w", err)
	}

	d.logger.Info("instruments saved", zap.Int("count", len(instruments)))
	return nil
}
