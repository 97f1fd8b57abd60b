package model

import "time"

// CompensationAction 补偿日志的动作类型。
type CompensationAction string

const (
	ActionReserve CompensationAction = "reserve"
	ActionConfirm CompensationAction = "confirm"
	ActionRelease CompensationAction = "release"
)

// Release reasons.
const (
	ReasonCancel   = "cancel"
	ReasonExpired  = "expired"
	ReasonRollback = "rollback"
)

// CompensationEntry 是只追加的审计记录，写入后不再修改。
// Seq 在同一时间戳下打破并列，保证回放顺序确定。
type CompensationEntry struct {
	Seq           uint64             `json:"seq"`
	ReservationID string             `json:"reservation_id"`
	Action        CompensationAction `json:"action"`
	Timestamp     time.Time          `json:"timestamp"`
	QuantityDelta int64              `json:"quantity_delta"`

	OrderID   string    `json:"order_id,omitempty"`
	ProductID string    `json:"product_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Reason    string    `json:"reason,omitempty"`
}
