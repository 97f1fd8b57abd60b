package order

import (
	"errors"
	"fmt"

	"stock_reservation/internal/model"
)

var (
	ErrNotFound            = errors.New("order not found")
	ErrInvalidTransition   = errors.New("invalid order transition")
	ErrPartialConfirmation = errors.New("partial confirmation failure")
	ErrInvalidLines        = errors.New("invalid order lines")
)

// TransitionError 订单状态保持不变。
type TransitionError struct {
	OrderID string
	From    model.OrderStatus
	To      model.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot transition %s -> %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// AdmissionError 指出下单时第一个失败的订单行；此时已占用的库存已全部归还。
type AdmissionError struct {
	LineIndex int
	ProductID string
	Err       error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("line %d (product %s) rejected: %v", e.LineIndex, e.ProductID, e.Err)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// PartialConfirmationError 部分订单行已经转为销售，需要人工对账，不会自动重试。
type PartialConfirmationError struct {
	OrderID           string
	Confirmed         []string // reservation ids
	FailedReservation string
	Err               error
}

func (e *PartialConfirmationError) Error() string {
	return fmt.Sprintf("order %s: %d line(s) confirmed, reservation %s failed: %v",
		e.OrderID, len(e.Confirmed), e.FailedReservation, e.Err)
}

func (e *PartialConfirmationError) Is(target error) bool { return target == ErrPartialConfirmation }

func (e *PartialConfirmationError) Unwrap() error { return e.Err }
