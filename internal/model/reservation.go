package model

import "time"

// ReservationState 描述预占单的生命周期。
type ReservationState string

const (
	ReservationPending   ReservationState = "pending"   // 已占库存，等待支付
	ReservationConfirmed ReservationState = "confirmed" // 支付成功，已转为销售
	ReservationReleased  ReservationState = "released"  // 取消/失败，库存已归还
	ReservationExpired   ReservationState = "expired"   // 超时未确认，由清扫任务归还
)

// Terminal 表示该状态不会再变化。
func (s ReservationState) Terminal() bool {
	return s != ReservationPending
}

// Reservation 是订单行在待支付期间对库存的一次占用。
type Reservation struct {
	ID        string           `json:"reservation_id"`
	OrderID   string           `json:"order_id"`
	ProductID string           `json:"product_id"`
	Quantity  int64            `json:"quantity"`
	State     ReservationState `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ExpiredAt reports whether the hold is past its deadline at t.
func (r *Reservation) ExpiredAt(t time.Time) bool {
	return t.After(r.ExpiresAt)
}
