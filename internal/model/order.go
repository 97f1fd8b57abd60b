package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus 订单状态机：
// pending -> confirmed | cancelled; confirmed -> fulfilled; fulfilled -> returned
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderCancelled OrderStatus = "cancelled"
	OrderFulfilled OrderStatus = "fulfilled"
	OrderReturned  OrderStatus = "returned"
)

var orderTransitions = map[OrderStatus]OrderStatus{
	OrderConfirmed: OrderPending,
	OrderCancelled: OrderPending,
	OrderFulfilled: OrderConfirmed,
	OrderReturned:  OrderFulfilled,
}

// CanTransition 判断 from -> to 是否为相邻状态。
func CanTransition(from, to OrderStatus) bool {
	src, ok := orderTransitions[to]
	return ok && src == from
}

// Order 订单聚合，Lines 按下单顺序保存。
type Order struct {
	ID        string    `gorm:"primaryKey;size:64" json:"order_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Status OrderStatus `gorm:"size:16;not null;index" json:"status"`
	// 部分确认失败后需要人工对账。
	NeedsReconciliation bool        `gorm:"not null;default:false;index" json:"needs_reconciliation"`
	Lines               []OrderLine `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"lines"`
	// 已入库的退货单号（退货信号的 signal_id），重复投递时跳过。
	AppliedReturns []string `gorm:"type:text;serializer:json" json:"-"`
}

func (Order) TableName() string { return "orders" }

// Total 订单总额 = Σ 数量 × 单价。
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// Line 按商品查找订单行。
func (o *Order) Line(productID string) (*OrderLine, bool) {
	for i := range o.Lines {
		if o.Lines[i].ProductID == productID {
			return &o.Lines[i], true
		}
	}
	return nil, false
}

// FullyReturned 所有行都已全部退回。
func (o *Order) FullyReturned() bool {
	for _, l := range o.Lines {
		if l.Returned < l.Quantity {
			return false
		}
	}
	return true
}

// OrderLine 订单行；ReservationID 是对预占单的非拥有引用。
type OrderLine struct {
	ID            uint            `gorm:"primarykey" json:"-"`
	OrderID       string          `gorm:"size:64;not null;index" json:"-"`
	Position      int             `gorm:"not null" json:"-"`
	ProductID     string          `gorm:"size:64;not null" json:"product_id"`
	Quantity      int64           `gorm:"not null" json:"quantity"`
	UnitPrice     decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"unit_price"`
	ReservationID string          `gorm:"size:64" json:"reservation_id"`
	Returned      int64           `gorm:"not null;default:0" json:"returned"`
}

func (OrderLine) TableName() string { return "order_lines" }

// Subtotal 行小计。
func (l OrderLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}
