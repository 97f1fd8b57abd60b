package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types published by the reservation engine.
const (
	EventReservationCreated   = "reservation.created"
	EventReservationConfirmed = "reservation.confirmed"
	EventReservationReleased  = "reservation.released"
	EventReservationExpired   = "reservation.expired"

	EventOrderPlaced    = "order.placed"
	EventOrderConfirmed = "order.confirmed"
	EventOrderCancelled = "order.cancelled"
	EventOrderFulfilled = "order.fulfilled"
	EventOrderReturned  = "order.returned"

	EventStockRestocked = "stock.restocked"
)

// Event 是发给缓存、搜索索引等观察者的领域事件，通过显式 Publish 投递。
type Event struct {
	ID            string    `json:"event_id"`
	Type          string    `json:"type"`
	OrderID       string    `json:"order_id,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	ProductID     string    `json:"product_id,omitempty"`
	Quantity      int64     `json:"quantity,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewEvent 生成带唯一 ID 的事件。
func NewEvent(typ string, at time.Time) Event {
	return Event{ID: uuid.New().String(), Type: typ, OccurredAt: at.UTC()}
}

// Key 作为 Kafka 分区键：同一订单的事件落到同一分区。
func (e Event) Key() string {
	if e.OrderID != "" {
		return e.OrderID
	}
	if e.ProductID != "" {
		return e.ProductID
	}
	return e.ID
}

// Validate 做最小字段校验，防止下游处理脏消息。
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}

// Publisher 事件发布端口。发布失败不影响已提交的库存操作，只记录日志。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
