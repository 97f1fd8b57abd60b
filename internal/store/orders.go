package store

import (
	"context"
	"errors"
	"fmt"

	"stock_reservation/internal/model"
	"stock_reservation/internal/order"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderStore 用 gorm 持久化订单聚合，实现 order.Store。
type OrderStore struct {
	db *gorm.DB
}

func NewOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{db: db}
}

// Save 在一个事务内 upsert 订单头与全部订单行。
func (s *OrderStore) Save(ctx context.Context, o *model.Order) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).
			Omit(clause.Associations).
			Create(o).Error; err != nil {
			return fmt.Errorf("upsert order: %w", err)
		}
		if len(o.Lines) == 0 {
			return nil
		}
		// 新行与已有行分开写，避免批量插入时混用零值主键。
		for i := range o.Lines {
			line := &o.Lines[i]
			line.OrderID = o.ID
			q := tx
			if line.ID != 0 {
				q = tx.Clauses(clause.OnConflict{UpdateAll: true})
			}
			if err := q.Create(line).Error; err != nil {
				return fmt.Errorf("upsert order line %s: %w", line.ProductID, err)
			}
		}
		return nil
	})
}

func (s *OrderStore) Get(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	err := s.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&o, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, order.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (s *OrderStore) NeedsReconciliation(ctx context.Context) ([]*model.Order, error) {
	var list []*model.Order
	err := s.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("needs_reconciliation = ?", true).
		Order("created_at").
		Find(&list).Error
	return list, err
}
