// Package reservation 把订单行的购买数量转换为对库存账本的预占，
// 并负责预占单的状态流转、超时清扫与崩溃恢复。
package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stock_reservation/internal/compensation"
	"stock_reservation/internal/ledger"
	"stock_reservation/internal/metrics"
	"stock_reservation/internal/model"
	"stock_reservation/internal/queue"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound        = errors.New("reservation not found")
	ErrAlreadyTerminal = errors.New("reservation already terminal")
	ErrExpired         = errors.New("reservation expired")
	ErrInvalidTTL      = errors.New("ttl must be > 0")
)

const cleanupTimeout = 5 * time.Second

type Options struct {
	Publisher queue.Publisher
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Manager 是预占单状态的唯一写入者。
// 所有状态判断与账本调用都在同一把商品锁内完成，所以 confirm 与超时释放只会有一个生效。
type Manager struct {
	ledger ledger.Ledger
	log    compensation.Log
	pub    queue.Publisher
	m      *metrics.Metrics
	logger zerolog.Logger
	now    func() time.Time

	locks *ledger.KeyedMutex // productID

	mu           sync.RWMutex
	reservations map[string]*model.Reservation
	// unaudited 账本已结算但补偿日志未写成功的条目，按 reservationID 索引。
	// 状态仍为 pending，下一次对该预占的调用只补写日志。
	unaudited map[string]*model.CompensationEntry
}

func NewManager(l ledger.Ledger, log compensation.Log, opts Options) *Manager {
	if opts.Publisher == nil {
		opts.Publisher = queue.NopPublisher{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		ledger:       l,
		log:          log,
		pub:          opts.Publisher,
		m:            opts.Metrics,
		logger:       opts.Logger.With().Str("component", "reservation").Logger(),
		now:          opts.Now,
		locks:        ledger.NewKeyedMutex(),
		reservations: make(map[string]*model.Reservation),
		unaudited:    make(map[string]*model.CompensationEntry),
	}
}

// ReserveLine 占用库存并创建 pending 预占单。补偿日志写失败时归还库存并返回错误。
func (m *Manager) ReserveLine(ctx context.Context, orderID, productID string, quantity int64, ttl time.Duration) (model.Reservation, error) {
	if ttl <= 0 {
		return model.Reservation{}, ErrInvalidTTL
	}
	unlock := m.locks.Lock(productID)
	defer unlock()

	tok, err := m.ledger.TryReserve(ctx, productID, quantity)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientStock) {
			m.m.Reservation(metrics.OutcomeInsufficient)
		}
		return model.Reservation{}, err
	}

	now := m.now()
	r := &model.Reservation{
		ID:        tok.ID,
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  quantity,
		State:     model.ReservationPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	}
	entry := &model.CompensationEntry{
		ReservationID: r.ID,
		Action:        model.ActionReserve,
		QuantityDelta: quantity,
		OrderID:       orderID,
		ProductID:     productID,
		ExpiresAt:     r.ExpiresAt,
	}
	if err := m.append(ctx, entry); err != nil {
		// 没有审计记录的占用不能对外可见，立即归还。调用方的 ctx 可能已经取消。
		cctx, cancel := CleanupContext(ctx)
		defer cancel()
		if relErr := m.ledger.Release(cctx, tok); relErr != nil {
			m.logger.Error().Err(relErr).Str("reservation_id", r.ID).Msg("release after failed compensation append")
			// 归还失败时交给超时清扫回收
			m.mu.Lock()
			m.reservations[r.ID] = r
			m.mu.Unlock()
		}
		return model.Reservation{}, err
	}

	m.mu.Lock()
	m.reservations[r.ID] = r
	snapshot := *r
	m.mu.Unlock()

	m.m.Reservation(metrics.OutcomeReserved)
	m.logger.Debug().Str("reservation_id", r.ID).Str("order_id", orderID).
		Str("product_id", productID).Int64("quantity", quantity).Msg("reservation created")
	m.publish(ctx, queue.EventReservationCreated, snapshot)
	return snapshot, nil
}

// ConfirmLine 把 pending 预占转为销售。已过期的预占在报告 ErrExpired 前先归还库存。
// 补偿日志写失败时状态保持 pending，重试只补写日志，不会再次结算账本。
func (m *Manager) ConfirmLine(ctx context.Context, reservationID string) error {
	r, ok := m.lookup(reservationID)
	if !ok {
		return ErrNotFound
	}
	unlock := m.locks.Lock(r.ProductID)
	defer unlock()

	switch r.State {
	case model.ReservationPending:
	case model.ReservationExpired:
		return ErrExpired
	default:
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, r.ID, r.State)
	}

	if e, ok := m.unauditedEntry(r.ID); ok {
		if err := m.finishLocked(ctx, r, e); err != nil {
			return err
		}
		return terminalErr(r)
	}

	if r.ExpiredAt(m.now()) {
		if err := m.expireLocked(ctx, r); err != nil {
			return errors.Join(ErrExpired, err)
		}
		return ErrExpired
	}

	if err := m.ledger.Confirm(ctx, tokenOf(r)); err != nil {
		return fmt.Errorf("confirm reservation %s: %w", r.ID, err)
	}
	return m.finishLocked(ctx, r, &model.CompensationEntry{
		ReservationID: r.ID,
		Action:        model.ActionConfirm,
		QuantityDelta: -r.Quantity,
		OrderID:       r.OrderID,
		ProductID:     r.ProductID,
	})
}

// ReleaseLine 取消预占。对已释放/已过期的预占是无操作成功，便于部分失败后重试。
func (m *Manager) ReleaseLine(ctx context.Context, reservationID string) error {
	return m.ReleaseLineFor(ctx, reservationID, model.ReasonCancel)
}

// ReleaseLineFor 同 ReleaseLine，reason 写入补偿日志。
func (m *Manager) ReleaseLineFor(ctx context.Context, reservationID, reason string) error {
	r, ok := m.lookup(reservationID)
	if !ok {
		return ErrNotFound
	}
	unlock := m.locks.Lock(r.ProductID)
	defer unlock()

	switch r.State {
	case model.ReservationReleased, model.ReservationExpired:
		return nil
	case model.ReservationConfirmed:
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, r.ID, r.State)
	}

	if e, ok := m.unauditedEntry(r.ID); ok {
		if err := m.finishLocked(ctx, r, e); err != nil {
			return err
		}
		if r.State == model.ReservationConfirmed {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, r.ID, r.State)
		}
		return nil
	}

	if err := m.ledger.Release(ctx, tokenOf(r)); err != nil {
		return fmt.Errorf("release reservation %s: %w", r.ID, err)
	}
	return m.finishLocked(ctx, r, &model.CompensationEntry{
		ReservationID: r.ID,
		Action:        model.ActionRelease,
		QuantityDelta: -r.Quantity,
		OrderID:       r.OrderID,
		ProductID:     r.ProductID,
		Reason:        reason,
	})
}

// expireLocked 调用方必须持有 r.ProductID 的锁且 r 处于 pending。
func (m *Manager) expireLocked(ctx context.Context, r *model.Reservation) error {
	if err := m.ledger.Release(ctx, tokenOf(r)); err != nil && !errors.Is(err, ledger.ErrUnknownToken) {
		return fmt.Errorf("expire reservation %s: %w", r.ID, err)
	}
	return m.finishLocked(ctx, r, &model.CompensationEntry{
		ReservationID: r.ID,
		Action:        model.ActionRelease,
		QuantityDelta: -r.Quantity,
		OrderID:       r.OrderID,
		ProductID:     r.ProductID,
		Reason:        model.ReasonExpired,
	})
}

// finishLocked 在账本结算之后写补偿日志。写成功才更新状态、计数并发布事件；
// 写失败时记入 unaudited，保持 pending。调用方必须持有 r.ProductID 的锁。
func (m *Manager) finishLocked(ctx context.Context, r *model.Reservation, e *model.CompensationEntry) error {
	if err := m.append(ctx, e); err != nil {
		m.mu.Lock()
		m.unaudited[r.ID] = e
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	delete(m.unaudited, r.ID)
	m.mu.Unlock()

	switch to := entryState(e); to {
	case model.ReservationConfirmed:
		m.m.Reservation(metrics.OutcomeConfirmed)
		m.publish(ctx, queue.EventReservationConfirmed, m.setState(r, to))
	case model.ReservationExpired:
		m.m.ExpiredReservation()
		m.publish(ctx, queue.EventReservationExpired, m.setState(r, to))
	default:
		m.m.Reservation(metrics.OutcomeReleased)
		m.publish(ctx, queue.EventReservationReleased, m.setState(r, to))
	}
	return nil
}

func (m *Manager) unauditedEntry(id string) (*model.CompensationEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.unaudited[id]
	return e, ok
}

// entryState 补偿条目对应的预占终态。
func entryState(e *model.CompensationEntry) model.ReservationState {
	switch {
	case e.Action == model.ActionConfirm:
		return model.ReservationConfirmed
	case e.Reason == model.ReasonExpired:
		return model.ReservationExpired
	default:
		return model.ReservationReleased
	}
}

// terminalErr ConfirmLine 在补写日志后按实际终态给出结果。
func terminalErr(r *model.Reservation) error {
	switch r.State {
	case model.ReservationConfirmed:
		return nil
	case model.ReservationExpired:
		return ErrExpired
	default:
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, r.ID, r.State)
	}
}

// CleanupContext 用于补偿步骤：保留 ctx 的值（trace 等），但不随调用方取消。
func CleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// Get 返回预占单快照。
func (m *Manager) Get(reservationID string) (model.Reservation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[reservationID]
	if !ok {
		return model.Reservation{}, false
	}
	return *r, true
}

func (m *Manager) lookup(id string) (*model.Reservation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	return r, ok
}

// setState 状态写入同时持有商品锁和 m.mu，读者只需要 m.mu。
func (m *Manager) setState(r *model.Reservation, s model.ReservationState) model.Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.State = s
	r.UpdatedAt = m.now()
	return *r
}

func (m *Manager) append(ctx context.Context, e *model.CompensationEntry) error {
	if err := m.log.Append(ctx, e); err != nil {
		m.m.CompensationFailure()
		m.logger.Error().Err(err).Str("reservation_id", e.ReservationID).
			Str("action", string(e.Action)).Msg("compensation append failed")
		if errors.Is(err, compensation.ErrWriteFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", compensation.ErrWriteFailed, err)
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, typ string, r model.Reservation) {
	ev := queue.NewEvent(typ, m.now())
	ev.OrderID = r.OrderID
	ev.ReservationID = r.ID
	ev.ProductID = r.ProductID
	ev.Quantity = r.Quantity
	if err := m.pub.Publish(ctx, ev); err != nil {
		m.logger.Warn().Err(err).Str("event", typ).Str("reservation_id", r.ID).Msg("publish event")
	}
}

func tokenOf(r *model.Reservation) ledger.Token {
	return ledger.Token{ID: r.ID, ProductID: r.ProductID, Quantity: r.Quantity}
}
