// Package redis 放 Redis 相关的键约定与 Lua 原子操作：库存账本、幂等键。
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"stock_reservation/internal/ledger"
	"stock_reservation/internal/model"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

const (
	tokenHeld      = "held"
	tokenConfirmed = "confirmed"
	tokenReleased  = "released"

	// 已结算 token 的保留时间，期间重复结算都会被拒绝。
	settledTokenTTL = 7 * 24 * time.Hour
)

// luaReserve：原子「商品存在 → available ≥ 数量 → 可售转预占 → 记录 token」
// KEYS[1]=库存key KEYS[2]=token key；ARGV[1]=数量 ARGV[2]=productID ARGV[3]=now(ns)
// 返回 {code, available}：1 成功，0 库存不足，-1 商品不存在
var luaReserve = rd.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, 0}
end
local q = tonumber(ARGV[1])
local avail = tonumber(redis.call('HGET', KEYS[1], 'available') or '0')
if avail < q then
  return {0, avail}
end
redis.call('HINCRBY', KEYS[1], 'available', -q)
redis.call('HINCRBY', KEYS[1], 'reserved', q)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
redis.call('HSET', KEYS[2], 'product_id', ARGV[2], 'quantity', q, 'state', 'held')
return {1, avail - q}
`)

// luaSettle：token 只能从 held 结算一次，数量以 token 内记录为准。
// KEYS[1]=token key KEYS[2]=库存key；ARGV[1]=productID ARGV[2]=目标字段(sold|available)
// ARGV[3]=token 终态 ARGV[4]=now(ns) ARGV[5]=token 保留秒数
var luaSettle = rd.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'held' then
  return 0
end
if redis.call('HGET', KEYS[1], 'product_id') ~= ARGV[1] then
  return 0
end
local q = tonumber(redis.call('HGET', KEYS[1], 'quantity'))
redis.call('HSET', KEYS[1], 'state', ARGV[3])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
redis.call('HINCRBY', KEYS[2], 'reserved', -q)
redis.call('HINCRBY', KEYS[2], ARGV[2], q)
redis.call('HSET', KEYS[2], 'updated_at', ARGV[4])
return 1
`)

// Ledger 是 ledger.Ledger 的 Redis 实现，每个操作是一段 Lua 脚本，
// 在 Redis 内对同一商品天然串行。
type Ledger struct {
	rdb *rd.Client
	now func() time.Time
}

func NewLedger(rdb *rd.Client) *Ledger {
	return &Ledger{rdb: rdb, now: time.Now}
}

func (l *Ledger) TryReserve(ctx context.Context, productID string, quantity int64) (ledger.Token, error) {
	if quantity <= 0 {
		return ledger.Token{}, ledger.ErrInvalidQuantity
	}
	tok := ledger.Token{ID: uuid.New().String(), ProductID: productID, Quantity: quantity}

	res, err := luaReserve.Run(ctx, l.rdb,
		[]string{StockKey(productID), TokenKey(tok.ID)},
		quantity, productID, l.now().UnixNano()).Int64Slice()
	if err != nil {
		return ledger.Token{}, err
	}
	if len(res) != 2 {
		return ledger.Token{}, errors.New("reserve script: unexpected reply")
	}
	switch res[0] {
	case 1:
		return tok, nil
	case 0:
		return ledger.Token{}, &ledger.InsufficientStockError{ProductID: productID, Requested: quantity, Available: res[1]}
	default:
		return ledger.Token{}, ledger.ErrUnknownProduct
	}
}

func (l *Ledger) Confirm(ctx context.Context, token ledger.Token) error {
	return l.settle(ctx, token, "sold", tokenConfirmed)
}

func (l *Ledger) Release(ctx context.Context, token ledger.Token) error {
	return l.settle(ctx, token, "available", tokenReleased)
}

func (l *Ledger) settle(ctx context.Context, token ledger.Token, field, state string) error {
	n, err := luaSettle.Run(ctx, l.rdb,
		[]string{TokenKey(token.ID), StockKey(token.ProductID)},
		token.ProductID, field, state, l.now().UnixNano(), int64(settledTokenTTL/time.Second)).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrUnknownToken
	}
	return nil
}

// Restock 增加可售库存，键不存在时 HINCRBY 会创建。
func (l *Ledger) Restock(ctx context.Context, productID string, quantity int64) error {
	if quantity <= 0 {
		return ledger.ErrInvalidQuantity
	}
	key := StockKey(productID)
	pipe := l.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "available", quantity)
	pipe.HSet(ctx, key, "updated_at", l.now().UnixNano())
	_, err := pipe.Exec(ctx)
	return err
}

func (l *Ledger) Snapshot(ctx context.Context, productID string) (model.StockRecord, error) {
	m, err := l.rdb.HGetAll(ctx, StockKey(productID)).Result()
	if err != nil {
		return model.StockRecord{}, err
	}
	if len(m) == 0 {
		return model.StockRecord{}, ledger.ErrUnknownProduct
	}
	rec := model.StockRecord{ProductID: productID}
	for field, dst := range map[string]*int64{
		"available": &rec.Available,
		"reserved":  &rec.Reserved,
		"sold":      &rec.Sold,
	} {
		if *dst, err = parseInt(m[field]); err != nil {
			return model.StockRecord{}, err
		}
	}
	ns, err := parseInt(m["updated_at"])
	if err != nil {
		return model.StockRecord{}, err
	}
	if ns > 0 {
		rec.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return rec, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
