// Package order 编排订单生命周期：预占 -> 支付确认 -> 取消/履约/退货，
// 下单阶段保证全有或全无。
package order

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"stock_reservation/internal/ledger"
	"stock_reservation/internal/metrics"
	"stock_reservation/internal/model"
	"stock_reservation/internal/queue"
	"stock_reservation/internal/reservation"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultReservationTTL = 15 * time.Minute

// Reservations 是协调器依赖的预占能力，由 reservation.Manager 实现。
type Reservations interface {
	ReserveLine(ctx context.Context, orderID, productID string, quantity int64, ttl time.Duration) (model.Reservation, error)
	ConfirmLine(ctx context.Context, reservationID string) error
	ReleaseLineFor(ctx context.Context, reservationID, reason string) error
	Get(reservationID string) (model.Reservation, bool)
}

// LineRequest 下单请求中的一行，价格由上游校验。
type LineRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ReturnLine 退货数量。
type ReturnLine struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type Options struct {
	ReservationTTL time.Duration
	Publisher      queue.Publisher
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
	Tracer         trace.Tracer
	Now            func() time.Time
}

type Coordinator struct {
	res    Reservations
	ledger ledger.Ledger
	store  Store
	ttl    time.Duration
	pub    queue.Publisher
	m      *metrics.Metrics
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time

	locks *ledger.KeyedMutex // orderID
}

func NewCoordinator(res Reservations, l ledger.Ledger, store Store, opts Options) *Coordinator {
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}
	if opts.Publisher == nil {
		opts.Publisher = queue.NopPublisher{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("stock_reservation/order")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		res:    res,
		ledger: l,
		store:  store,
		ttl:    opts.ReservationTTL,
		pub:    opts.Publisher,
		m:      opts.Metrics,
		logger: opts.Logger.With().Str("component", "order").Logger(),
		tracer: opts.Tracer,
		now:    opts.Now,
		locks:  ledger.NewKeyedMutex(),
	}
}

// PlaceOrder 按 productID 升序逐行预占。任何一行失败都会归还本次已占用的库存，
// 调用方不会看到部分预占的订单。
func (c *Coordinator) PlaceOrder(ctx context.Context, lines []LineRequest) (_ *model.Order, err error) {
	ctx, span := c.tracer.Start(ctx, "order.PlaceOrder")
	defer func() { endSpan(span, err) }()

	normalized, origin, err := normalizeLines(lines)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("order.lines", len(normalized)))

	now := c.now()
	o := &model.Order{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    model.OrderPending,
		Lines:     make([]model.OrderLine, len(normalized)),
	}
	for i, l := range normalized {
		o.Lines[i] = model.OrderLine{
			OrderID:   o.ID,
			Position:  i,
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		}
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	var held []string
	// 回滚不随调用方取消：客户端断开时占用的库存也必须归还。
	rollback := func() {
		cctx, cancel := reservation.CleanupContext(ctx)
		defer cancel()
		for _, id := range held {
			if relErr := c.res.ReleaseLineFor(cctx, id, model.ReasonRollback); relErr != nil {
				c.logger.Error().Err(relErr).Str("order_id", o.ID).Str("reservation_id", id).Msg("rollback reservation")
			}
		}
	}

	for _, idx := range sortedByProduct(o.Lines) {
		line := &o.Lines[idx]
		r, err := c.res.ReserveLine(ctx, o.ID, line.ProductID, line.Quantity, c.ttl)
		if err != nil {
			rollback()
			return nil, &AdmissionError{LineIndex: origin[idx], ProductID: line.ProductID, Err: err}
		}
		line.ReservationID = r.ID
		held = append(held, r.ID)
	}

	if err := c.store.Save(ctx, o); err != nil {
		rollback()
		return nil, fmt.Errorf("save order %s: %w", o.ID, err)
	}

	c.m.OrderTransition(string(model.OrderPending))
	c.logger.Info().Str("order_id", o.ID).Int("lines", len(o.Lines)).Str("total", o.Total().String()).Msg("order placed")
	c.publish(ctx, queue.EventOrderPlaced, o.ID)
	return o, nil
}

// ConfirmOrder 在支付成功后确认所有订单行。确认是只进不退的销售事件：
// 中途失败时已确认的行不会回滚，而是返回 PartialConfirmationError 并标记待对账。
func (c *Coordinator) ConfirmOrder(ctx context.Context, orderID string) (err error) {
	ctx, span := c.tracer.Start(ctx, "order.ConfirmOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	unlock := c.locks.Lock(orderID)
	defer unlock()

	o, err := c.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == model.OrderConfirmed {
		return nil
	}
	if !model.CanTransition(o.Status, model.OrderConfirmed) {
		return &TransitionError{OrderID: orderID, From: o.Status, To: model.OrderConfirmed}
	}

	var confirmed []string
	for _, idx := range sortedByProduct(o.Lines) {
		id := o.Lines[idx].ReservationID
		// 上一次部分失败时已经确认的行直接计入。
		if r, ok := c.res.Get(id); ok && r.State == model.ReservationConfirmed {
			confirmed = append(confirmed, id)
			continue
		}
		lineErr := c.res.ConfirmLine(ctx, id)
		if lineErr == nil {
			confirmed = append(confirmed, id)
			continue
		}
		if len(confirmed) == 0 {
			return fmt.Errorf("confirm order %s: %w", orderID, lineErr)
		}

		o.NeedsReconciliation = true
		o.UpdatedAt = c.now()
		cctx, cancel := reservation.CleanupContext(ctx)
		saveErr := c.store.Save(cctx, o)
		cancel()
		if saveErr != nil {
			c.logger.Error().Err(saveErr).Str("order_id", orderID).Msg("save reconciliation flag")
		}
		c.logger.Error().Err(lineErr).Str("order_id", orderID).Strs("confirmed", confirmed).
			Str("failed_reservation", id).Msg("partial confirmation, needs reconciliation")
		return &PartialConfirmationError{OrderID: orderID, Confirmed: confirmed, FailedReservation: id, Err: lineErr}
	}

	o.NeedsReconciliation = false
	return c.transition(ctx, o, model.OrderConfirmed, queue.EventOrderConfirmed)
}

// CancelOrder 归还所有订单行的预占，只允许从 pending 取消。
func (c *Coordinator) CancelOrder(ctx context.Context, orderID string) (err error) {
	ctx, span := c.tracer.Start(ctx, "order.CancelOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	unlock := c.locks.Lock(orderID)
	defer unlock()

	o, err := c.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == model.OrderCancelled {
		return nil
	}
	if !model.CanTransition(o.Status, model.OrderCancelled) {
		return &TransitionError{OrderID: orderID, From: o.Status, To: model.OrderCancelled}
	}

	var errs []error
	for _, idx := range sortedByProduct(o.Lines) {
		if err := c.res.ReleaseLineFor(ctx, o.Lines[idx].ReservationID, model.ReasonCancel); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		// 释放是幂等的，保持 pending 以便重试。
		return fmt.Errorf("cancel order %s: %w", orderID, errors.Join(errs...))
	}
	return c.transition(ctx, o, model.OrderCancelled, queue.EventOrderCancelled)
}

// FulfillOrder confirmed -> fulfilled.
func (c *Coordinator) FulfillOrder(ctx context.Context, orderID string) (err error) {
	ctx, span := c.tracer.Start(ctx, "order.FulfillOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	unlock := c.locks.Lock(orderID)
	defer unlock()

	o, err := c.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == model.OrderFulfilled {
		return nil
	}
	if !model.CanTransition(o.Status, model.OrderFulfilled) {
		return &TransitionError{OrderID: orderID, From: o.Status, To: model.OrderFulfilled}
	}
	return c.transition(ctx, o, model.OrderFulfilled, queue.EventOrderFulfilled)
}

// ReturnOrder 只允许从 fulfilled 退货。退回数量重新入库为可售，sold 作为历史累计量保持不变。
// lines 为空表示退回剩余的全部数量。部分退货后订单保持 fulfilled，全部行退完才进入 returned。
func (c *Coordinator) ReturnOrder(ctx context.Context, orderID string, lines []ReturnLine) error {
	return c.ApplyReturn(ctx, orderID, "", lines)
}

// ApplyReturn 同 ReturnOrder。returnID 非空时同一退货单只入库一次，用于至少一次投递的退货信号。
func (c *Coordinator) ApplyReturn(ctx context.Context, orderID, returnID string, lines []ReturnLine) (err error) {
	ctx, span := c.tracer.Start(ctx, "order.ReturnOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	unlock := c.locks.Lock(orderID)
	defer unlock()

	o, err := c.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if returnID != "" && slices.Contains(o.AppliedReturns, returnID) {
		return nil
	}
	switch {
	case o.Status == model.OrderFulfilled:
	case o.Status == model.OrderReturned && len(lines) == 0:
		return nil
	default:
		// returned 之后已经没有可退数量，带行的请求不能静默成功。
		return &TransitionError{OrderID: orderID, From: o.Status, To: model.OrderReturned}
	}

	qty, err := returnQuantities(o, lines)
	if err != nil {
		return err
	}
	products := make([]string, 0, len(qty))
	for p := range qty {
		products = append(products, p)
	}
	sort.Strings(products)

	for _, p := range products {
		if err := c.ledger.Restock(ctx, p, qty[p]); err != nil {
			o.UpdatedAt = c.now()
			cctx, cancel := reservation.CleanupContext(ctx)
			saveErr := c.store.Save(cctx, o)
			cancel()
			if saveErr != nil {
				c.logger.Error().Err(saveErr).Str("order_id", orderID).Msg("save partial return progress")
			}
			return fmt.Errorf("restock %s for order %s: %w", p, orderID, err)
		}
		line, _ := o.Line(p)
		line.Returned += qty[p]

		ev := queue.NewEvent(queue.EventStockRestocked, c.now())
		ev.OrderID, ev.ProductID, ev.Quantity = orderID, p, qty[p]
		c.emit(ctx, ev)
	}
	if returnID != "" {
		o.AppliedReturns = append(o.AppliedReturns, returnID)
	}
	if o.FullyReturned() {
		return c.transition(ctx, o, model.OrderReturned, queue.EventOrderReturned)
	}

	o.UpdatedAt = c.now()
	if err := c.store.Save(ctx, o); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	c.logger.Info().Str("order_id", orderID).Strs("products", products).Msg("partial return")
	return nil
}

// GetOrder 读取订单。
func (c *Coordinator) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return c.store.Get(ctx, orderID)
}

// PendingReconciliation 列出需要人工对账的订单。
func (c *Coordinator) PendingReconciliation(ctx context.Context) ([]*model.Order, error) {
	return c.store.NeedsReconciliation(ctx)
}

func (c *Coordinator) transition(ctx context.Context, o *model.Order, to model.OrderStatus, event string) error {
	from := o.Status
	o.Status = to
	o.UpdatedAt = c.now()
	if err := c.store.Save(ctx, o); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	c.m.OrderTransition(string(to))
	c.logger.Info().Str("order_id", o.ID).Str("from", string(from)).Str("to", string(to)).Msg("order transition")
	c.publish(ctx, event, o.ID)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, typ, orderID string) {
	ev := queue.NewEvent(typ, c.now())
	ev.OrderID = orderID
	c.emit(ctx, ev)
}

func (c *Coordinator) emit(ctx context.Context, ev queue.Event) {
	if err := c.pub.Publish(ctx, ev); err != nil {
		c.logger.Warn().Err(err).Str("event", ev.Type).Str("order_id", ev.OrderID).Msg("publish event")
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// normalizeLines 校验并合并同一商品的多行（数量相加，保留首行单价与位置）。
// origin[i] 是合并后第 i 行在请求中首次出现的下标。
func normalizeLines(lines []LineRequest) (out []LineRequest, origin []int, err error) {
	if len(lines) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one line is required", ErrInvalidLines)
	}
	out = make([]LineRequest, 0, len(lines))
	origin = make([]int, 0, len(lines))
	pos := make(map[string]int, len(lines))
	for i, l := range lines {
		if l.ProductID == "" {
			return nil, nil, fmt.Errorf("%w: line %d: product_id is required", ErrInvalidLines, i)
		}
		if l.Quantity <= 0 {
			return nil, nil, fmt.Errorf("%w: line %d: quantity must be > 0", ErrInvalidLines, i)
		}
		if l.UnitPrice.IsNegative() {
			return nil, nil, fmt.Errorf("%w: line %d: unit_price must be >= 0", ErrInvalidLines, i)
		}
		if j, ok := pos[l.ProductID]; ok {
			out[j].Quantity += l.Quantity
			continue
		}
		pos[l.ProductID] = len(out)
		out = append(out, l)
		origin = append(origin, i)
	}
	return out, origin, nil
}

// sortedByProduct 返回按 productID 升序的行下标，所有跨商品操作都按这个全局顺序进行。
func sortedByProduct(lines []model.OrderLine) []int {
	idx := make([]int, len(lines))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return lines[idx[a]].ProductID < lines[idx[b]].ProductID
	})
	return idx
}

func returnQuantities(o *model.Order, lines []ReturnLine) (map[string]int64, error) {
	out := make(map[string]int64)
	if len(lines) == 0 {
		for _, l := range o.Lines {
			if rest := l.Quantity - l.Returned; rest > 0 {
				out[l.ProductID] = rest
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: nothing left to return", ErrInvalidLines)
		}
		return out, nil
	}
	for i, rl := range lines {
		if rl.Quantity <= 0 {
			return nil, fmt.Errorf("%w: return line %d: quantity must be > 0", ErrInvalidLines, i)
		}
		line, ok := o.Line(rl.ProductID)
		if !ok {
			return nil, fmt.Errorf("%w: return line %d: product %s not in order", ErrInvalidLines, i, rl.ProductID)
		}
		out[rl.ProductID] += rl.Quantity
		if out[rl.ProductID] > line.Quantity-line.Returned {
			return nil, fmt.Errorf("%w: return line %d: quantity exceeds ordered %d", ErrInvalidLines, i, line.Quantity-line.Returned)
		}
	}
	return out, nil
}
