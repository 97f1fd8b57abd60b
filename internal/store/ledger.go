package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stock_reservation/internal/ledger"
	"stock_reservation/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	tokenHeld      = "held"
	tokenConfirmed = "confirmed"
	tokenReleased  = "released"
)

// tokenRow 记录每次占用；state 只能从 held 走一次到终态，这就是结算的幂等保护。
type tokenRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	ProductID string `gorm:"size:64;not null;index"`
	Quantity  int64  `gorm:"not null"`
	State     string `gorm:"size:16;not null;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (tokenRow) TableName() string { return "ledger_tokens" }

// Ledger 是 ledger.Ledger 的 SQL 实现：所有计数变化都是带条件的 UPDATE，
// 检查与扣减在同一条语句里完成，跨进程同样不会超卖。
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

func (l *Ledger) TryReserve(ctx context.Context, productID string, quantity int64) (ledger.Token, error) {
	if quantity <= 0 {
		return ledger.Token{}, ledger.ErrInvalidQuantity
	}
	tok := ledger.Token{ID: uuid.New().String(), ProductID: productID, Quantity: quantity}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.StockRecord{}).
			Where("product_id = ? AND available >= ?", productID, quantity).
			Updates(map[string]any{
				"available":  gorm.Expr("available - ?", quantity),
				"reserved":   gorm.Expr("reserved + ?", quantity),
				"updated_at": l.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			rec, err := snapshot(tx, productID)
			if err != nil {
				return err
			}
			return &ledger.InsufficientStockError{ProductID: productID, Requested: quantity, Available: rec.Available}
		}
		return tx.Create(&tokenRow{ID: tok.ID, ProductID: productID, Quantity: quantity, State: tokenHeld}).Error
	})
	if err != nil {
		return ledger.Token{}, err
	}
	return tok, nil
}

func (l *Ledger) Confirm(ctx context.Context, token ledger.Token) error {
	return l.settle(ctx, token, tokenConfirmed)
}

func (l *Ledger) Release(ctx context.Context, token ledger.Token) error {
	return l.settle(ctx, token, tokenReleased)
}

// settle 先把 token 从 held 改为终态（条件更新），成功后再调整计数。
// 数量以库里记录的为准，调用方传入的 Quantity 不参与计算。
func (l *Ledger) settle(ctx context.Context, token ledger.Token, to string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row tokenRow
		err := tx.Where("id = ? AND product_id = ? AND state = ?", token.ID, token.ProductID, tokenHeld).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrUnknownToken
		}
		if err != nil {
			return err
		}

		res := tx.Model(&tokenRow{}).
			Where("id = ? AND state = ?", row.ID, tokenHeld).
			Update("state", to)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ledger.ErrUnknownToken
		}

		updates := map[string]any{
			"reserved":   gorm.Expr("reserved - ?", row.Quantity),
			"updated_at": l.now(),
		}
		if to == tokenConfirmed {
			updates["sold"] = gorm.Expr("sold + ?", row.Quantity)
		} else {
			updates["available"] = gorm.Expr("available + ?", row.Quantity)
		}
		res = tx.Model(&model.StockRecord{}).
			Where("product_id = ? AND reserved >= ?", row.ProductID, row.Quantity).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("settle token %s: stock record %s out of sync", row.ID, row.ProductID)
		}
		return nil
	})
}

func (l *Ledger) Restock(ctx context.Context, productID string, quantity int64) error {
	if quantity <= 0 {
		return ledger.ErrInvalidQuantity
	}
	now := l.now()
	rec := model.StockRecord{ProductID: productID, Available: quantity, UpdatedAt: now}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"available":  gorm.Expr("available + ?", quantity),
			"updated_at": now,
		}),
	}).Create(&rec).Error
}

func (l *Ledger) Snapshot(ctx context.Context, productID string) (model.StockRecord, error) {
	return snapshot(l.db.WithContext(ctx), productID)
}

func snapshot(db *gorm.DB, productID string) (model.StockRecord, error) {
	var rec model.StockRecord
	err := db.Where("product_id = ?", productID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.StockRecord{}, ledger.ErrUnknownProduct
	}
	return rec, err
}
