package router

import (
	"context"
	"errors"
	"io"
	"net/http"

	"stock_reservation/internal/compensation"
	"stock_reservation/internal/ledger"
	"stock_reservation/internal/model"
	"stock_reservation/internal/order"
	"stock_reservation/internal/reservation"
	rediskey "stock_reservation/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// IdempotencyHeader 客户端为下单请求生成的幂等键。
const IdempotencyHeader = "Idempotency-Key"

// Orders 是路由依赖的订单用例，由 order.Coordinator 实现。
type Orders interface {
	PlaceOrder(ctx context.Context, lines []order.LineRequest) (*model.Order, error)
	ConfirmOrder(ctx context.Context, orderID string) error
	CancelOrder(ctx context.Context, orderID string) error
	FulfillOrder(ctx context.Context, orderID string) error
	ReturnOrder(ctx context.Context, orderID string, lines []order.ReturnLine) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	PendingReconciliation(ctx context.Context) ([]*model.Order, error)
}

type Reservations interface {
	Get(reservationID string) (model.Reservation, bool)
}

// Idempotency 由 pkg/redis.Idempotency 实现。
type Idempotency interface {
	Claim(ctx context.Context, key string) (value string, claimed bool, err error)
	Complete(ctx context.Context, key, orderID string) error
	Abandon(ctx context.Context, key string) error
}

// Deps 路由依赖。Idempotency、RateLimit、Metrics 可以为 nil。
type Deps struct {
	Orders       Orders
	Ledger       ledger.Ledger
	Reservations Reservations
	Idempotency  Idempotency
	RateLimit    gin.HandlerFunc
	Metrics      http.Handler
	AdminToken   string
	Logger       zerolog.Logger
}

type handlers struct {
	Deps
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	h := &handlers{Deps: d}

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	api := r.Group("/api")
	place := []gin.HandlerFunc{h.placeOrder}
	if d.RateLimit != nil {
		place = append([]gin.HandlerFunc{d.RateLimit}, place...)
	}
	api.POST("/orders", place...)
	api.GET("/orders/:id", h.getOrder)
	api.POST("/orders/:id/confirm", h.orderAction(Orders.ConfirmOrder))
	api.POST("/orders/:id/cancel", h.orderAction(Orders.CancelOrder))
	api.POST("/orders/:id/fulfill", h.orderAction(Orders.FulfillOrder))
	api.POST("/orders/:id/return", h.returnOrder)
	api.GET("/reservations/:id", h.getReservation)
	api.GET("/stock/:product_id", h.getStock)

	admin := api.Group("/admin", adminOnly(d.AdminToken))
	admin.POST("/stock/:product_id/restock", h.restock)
	admin.GET("/reconciliation", h.reconciliation)
}

// orderView 在订单上附带总额。
type orderView struct {
	*model.Order
	Total decimal.Decimal `json:"total"`
}

func view(o *model.Order) orderView { return orderView{Order: o, Total: o.Total()} }

// placeOrder 下单入口：
// 1. 认领幂等键（重复请求直接返回已有订单）
// 2. 全有或全无地预占所有行
// 3. 记录幂等键 -> 订单号
func (h *handlers) placeOrder(c *gin.Context) {
	var req struct {
		Lines []order.LineRequest `json:"lines" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
		return
	}
	ctx := c.Request.Context()

	key := c.GetHeader(IdempotencyHeader)
	if key != "" && h.Idempotency != nil {
		existing, claimed, err := h.Idempotency.Claim(ctx, key)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "idempotency store: " + err.Error()})
			return
		}
		if !claimed {
			if existing == rediskey.IdemPending {
				c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": "request with this idempotency key is in progress"})
				return
			}
			o, err := h.Orders.GetOrder(ctx, existing)
			if err != nil {
				h.writeError(c, err)
				return
			}
			c.Header("Idempotent-Replayed", "true")
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": view(o)})
			return
		}
	}

	o, err := h.Orders.PlaceOrder(ctx, req.Lines)
	// 客户端断开也要释放或落定幂等键，否则它会一直停在 pending 直到过期。
	cctx, cancel := reservation.CleanupContext(ctx)
	defer cancel()
	if err != nil {
		if key != "" && h.Idempotency != nil {
			if abErr := h.Idempotency.Abandon(cctx, key); abErr != nil {
				h.Logger.Warn().Err(abErr).Str("idempotency_key", key).Msg("abandon idempotency key")
			}
		}
		h.writeError(c, err)
		return
	}
	if key != "" && h.Idempotency != nil {
		if err := h.Idempotency.Complete(cctx, key, o.ID); err != nil {
			h.Logger.Error().Err(err).Str("idempotency_key", key).Str("order_id", o.ID).Msg("complete idempotency key")
		}
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": view(o)})
}

func (h *handlers) getOrder(c *gin.Context) {
	o, err := h.Orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": view(o)})
}

// orderAction 包装无请求体的状态流转接口，成功后返回最新订单。
func (h *handlers) orderAction(op func(o Orders, ctx context.Context, orderID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(h.Orders, c.Request.Context(), c.Param("id")); err != nil {
			h.writeError(c, err)
			return
		}
		h.getOrder(c)
	}
}

// returnOrder 请求体可省略，省略时整单退货。
func (h *handlers) returnOrder(c *gin.Context) {
	var req struct {
		Lines []order.ReturnLine `json:"lines"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
		return
	}
	if err := h.Orders.ReturnOrder(c.Request.Context(), c.Param("id"), req.Lines); err != nil {
		h.writeError(c, err)
		return
	}
	h.getOrder(c)
}

func (h *handlers) getReservation(c *gin.Context) {
	r, ok := h.Reservations.Get(c.Param("id"))
	if !ok {
		h.writeError(c, reservation.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": r})
}

func (h *handlers) getStock(c *gin.Context) {
	rec, err := h.Ledger.Snapshot(c.Request.Context(), c.Param("product_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": rec})
}

// restock 补货；商品不存在时创建。
func (h *handlers) restock(c *gin.Context) {
	var req struct {
		Quantity int64 `json:"quantity" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
		return
	}
	productID := c.Param("product_id")
	if err := h.Ledger.Restock(c.Request.Context(), productID, req.Quantity); err != nil {
		h.writeError(c, err)
		return
	}
	h.Logger.Info().Str("product_id", productID).Int64("quantity", req.Quantity).Msg("restocked")
	h.getStock(c)
}

func (h *handlers) reconciliation(c *gin.Context) {
	list, err := h.Orders.PendingReconciliation(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]orderView, len(list))
	for i, o := range list {
		out[i] = view(o)
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
}

func adminOnly(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.GetHeader("X-Admin-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid admin token"})
			return
		}
		c.Next()
	}
}

// writeError 把领域错误映射为 HTTP 状态码。
func (h *handlers) writeError(c *gin.Context, err error) {
	var (
		partial      *order.PartialConfirmationError
		insufficient *ledger.InsufficientStockError
		admission    *order.AdmissionError
	)
	switch {
	case errors.As(err, &partial):
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error(), "data": gin.H{
			"reconcile":          true,
			"order_id":           partial.OrderID,
			"confirmed":          partial.Confirmed,
			"failed_reservation": partial.FailedReservation,
		}})
	case errors.As(err, &insufficient):
		data := gin.H{
			"product_id": insufficient.ProductID,
			"requested":  insufficient.Requested,
			"available":  insufficient.Available,
		}
		if errors.As(err, &admission) {
			data["line_index"] = admission.LineIndex
		}
		c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": err.Error(), "data": data})
	case errors.Is(err, reservation.ErrExpired),
		errors.Is(err, reservation.ErrAlreadyTerminal),
		errors.Is(err, order.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": err.Error()})
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, reservation.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownProduct):
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": err.Error()})
	case errors.Is(err, order.ErrInvalidLines),
		errors.Is(err, ledger.ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
	default:
		if errors.Is(err, compensation.ErrWriteFailed) {
			h.Logger.Error().Err(err).Str("path", c.FullPath()).Msg("compensation log write failed")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
	}
}
