package queue

import (
	"context"
	"fmt"
	"time"
)

// 外部系统发来的订单信号。
const (
	SignalPaymentSucceeded = "payment.succeeded"
	SignalPaymentFailed    = "payment.failed"
	SignalReturnApproved   = "return.approved"
)

// SignalLine 退货信号中的一行。
type SignalLine struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Signal 是支付、售后等系统写入 signal topic 的消息，投递语义为至少一次。
type Signal struct {
	ID         string       `json:"signal_id"`
	Type       string       `json:"type"`
	OrderID    string       `json:"order_id"`
	Lines      []SignalLine `json:"lines,omitempty"` // 仅 return.approved；为空表示整单退货
	OccurredAt time.Time    `json:"occurred_at"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (s Signal) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("signal_id is required")
	}
	if s.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	switch s.Type {
	case SignalPaymentSucceeded, SignalPaymentFailed:
		if len(s.Lines) > 0 {
			return fmt.Errorf("%s must not carry lines", s.Type)
		}
	case SignalReturnApproved:
		for i, l := range s.Lines {
			if l.ProductID == "" {
				return fmt.Errorf("lines[%d].product_id is required", i)
			}
			if l.Quantity <= 0 {
				return fmt.Errorf("lines[%d].quantity must be > 0", i)
			}
		}
	default:
		return fmt.Errorf("unknown signal type %q", s.Type)
	}
	return nil
}

// SignalHandler 处理一条信号。返回错误表示可重试的失败。
type SignalHandler interface {
	HandleSignal(ctx context.Context, s Signal) error
}

type SignalHandlerFunc func(ctx context.Context, s Signal) error

func (f SignalHandlerFunc) HandleSignal(ctx context.Context, s Signal) error { return f(ctx, s) }
