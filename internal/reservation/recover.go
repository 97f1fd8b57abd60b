package reservation

import (
	"context"
	"fmt"
	"time"

	"stock_reservation/internal/model"
)

// Recover 从补偿日志回放预占单状态。已经反映在当前状态中的条目会被跳过，
// 因此可以对同一段日志重复调用。返回实际生效的条目数。
func (m *Manager) Recover(ctx context.Context, from time.Time) (int, error) {
	applied := 0
	for e, err := range m.log.Replay(ctx, from) {
		if err != nil {
			return applied, fmt.Errorf("recover reservations: %w", err)
		}
		if m.apply(e) {
			applied++
		}
	}
	m.logger.Info().Int("applied", applied).Time("from", from).Msg("reservations recovered")
	return applied, nil
}

func (m *Manager) apply(e model.CompensationEntry) bool {
	productID := e.ProductID
	if productID == "" {
		if r, ok := m.lookup(e.ReservationID); ok {
			productID = r.ProductID
		}
	}
	unlock := m.locks.Lock(productID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	r, exists := m.reservations[e.ReservationID]

	switch e.Action {
	case model.ActionReserve:
		if exists {
			return false
		}
		m.reservations[e.ReservationID] = &model.Reservation{
			ID:        e.ReservationID,
			OrderID:   e.OrderID,
			ProductID: e.ProductID,
			Quantity:  e.QuantityDelta,
			State:     model.ReservationPending,
			CreatedAt: e.Timestamp,
			ExpiresAt: e.ExpiresAt,
			UpdatedAt: e.Timestamp,
		}
		return true
	case model.ActionConfirm:
		if !exists || r.State != model.ReservationPending {
			return false
		}
		r.State = model.ReservationConfirmed
	case model.ActionRelease:
		if !exists || r.State != model.ReservationPending {
			return false
		}
		r.State = model.ReservationReleased
		if e.Reason == model.ReasonExpired {
			r.State = model.ReservationExpired
		}
	default:
		m.logger.Warn().Str("action", string(e.Action)).Uint64("seq", e.Seq).Msg("unknown compensation action")
		return false
	}
	r.UpdatedAt = e.Timestamp
	return true
}
