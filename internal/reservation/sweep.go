package reservation

import (
	"context"
	"errors"
	"time"

	"stock_reservation/internal/model"
)

// Sweep 释放所有已过期的 pending 预占，返回本轮过期数量。
// 单条失败不影响其它条目，错误合并返回。
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()

	m.mu.RLock()
	var candidates []*model.Reservation
	for _, r := range m.reservations {
		if r.State == model.ReservationPending && r.ExpiredAt(now) {
			candidates = append(candidates, r)
		}
	}
	m.mu.RUnlock()

	var errs []error
	expired := 0
	for _, r := range candidates {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := m.sweepOne(ctx, r, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (m *Manager) sweepOne(ctx context.Context, r *model.Reservation, now time.Time) (bool, error) {
	unlock := m.locks.Lock(r.ProductID)
	defer unlock()
	// 拿锁之后重新检查：confirm 可能已经抢先完成。
	if r.State != model.ReservationPending || !r.ExpiredAt(now) {
		return false, nil
	}
	// 账本已结算、只差日志的预占按原动作补写，不改成过期。
	if e, ok := m.unauditedEntry(r.ID); ok {
		if err := m.finishLocked(ctx, r, e); err != nil {
			return false, err
		}
		return r.State == model.ReservationExpired, nil
	}
	if err := m.expireLocked(ctx, r); err != nil {
		return false, err
	}
	return true, nil
}

// Run 按 interval 周期性清扫，直到 ctx 取消。
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("expiry sweep started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("expiry sweep stopped")
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Int("expired", n).Msg("expiry sweep")
				continue
			}
			if n > 0 {
				m.logger.Info().Int("expired", n).Msg("expired reservations released")
			}
		}
	}
}
