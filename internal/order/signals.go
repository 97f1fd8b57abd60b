package order

import (
	"context"
	"errors"

	"stock_reservation/internal/queue"
	"stock_reservation/internal/reservation"
)

// HandleSignal 把外部信号映射到订单操作，实现 queue.SignalHandler。
// 重试也不会成功的业务错误只记录日志，返回 nil 让消费者提交 offset。
func (c *Coordinator) HandleSignal(ctx context.Context, s queue.Signal) error {
	var err error
	switch s.Type {
	case queue.SignalPaymentSucceeded:
		err = c.ConfirmOrder(ctx, s.OrderID)
	case queue.SignalPaymentFailed:
		err = c.CancelOrder(ctx, s.OrderID)
	case queue.SignalReturnApproved:
		lines := make([]ReturnLine, len(s.Lines))
		for i, l := range s.Lines {
			lines[i] = ReturnLine{ProductID: l.ProductID, Quantity: l.Quantity}
		}
		err = c.ApplyReturn(ctx, s.OrderID, s.ID, lines)
	default:
		c.logger.Warn().Str("signal_id", s.ID).Str("type", s.Type).Msg("ignore unknown signal")
		return nil
	}
	if err == nil {
		return nil
	}
	if permanent(err) {
		c.logger.Error().Err(err).Str("signal_id", s.ID).Str("type", s.Type).
			Str("order_id", s.OrderID).Msg("signal rejected")
		return nil
	}
	return err
}

func permanent(err error) bool {
	for _, target := range []error{
		ErrNotFound,
		ErrInvalidTransition,
		ErrInvalidLines,
		ErrPartialConfirmation,
		reservation.ErrExpired,
		reservation.ErrAlreadyTerminal,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
