// Package ledger 维护每个商品的权威库存计数（可售 / 预占 / 已售）。
// 只有 Ledger 实现可以修改这些数字。
package ledger

import (
	"context"
	"errors"
	"fmt"

	"stock_reservation/internal/model"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownToken      = errors.New("unknown or already settled token")
	ErrUnknownProduct    = errors.New("unknown product")
	ErrInvalidQuantity   = errors.New("quantity must be > 0")
)

// InsufficientStockError 携带失败商品的明细，errors.Is(err, ErrInsufficientStock) 为 true。
type InsufficientStockError struct {
	ProductID string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// Token 标识一次成功的库存占用，confirm/release 各只能生效一次。
type Token struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Ledger 所有操作对同一 productID 线性化。
type Ledger interface {
	// TryReserve 原子地检查 available >= quantity 并把数量从可售移到预占。
	TryReserve(ctx context.Context, productID string, quantity int64) (Token, error)
	// Confirm reserved -> sold. 重复调用返回 ErrUnknownToken，不会重复扣减。
	Confirm(ctx context.Context, token Token) error
	// Release reserved -> available. 与 Confirm 共享同一个幂等保护。
	Release(ctx context.Context, token Token) error
	// Restock 增加可售库存，商品不存在时创建。
	Restock(ctx context.Context, productID string, quantity int64) error
	// Snapshot 读取当前账本。
	Snapshot(ctx context.Context, productID string) (model.StockRecord, error)
}
