package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// IdemPending 占位值：请求已被某个处理者认领但还没有订单号。
const IdemPending = "pending"

// luaReleaseIfPending 仅当值仍是占位时才删除，避免误删已完成请求的订单号。
const luaReleaseIfPending = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Idempotency 基于 SETNX 的客户端幂等键存储。
type Idempotency struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewIdempotency(rdb *rd.Client, ttl time.Duration) *Idempotency {
	return &Idempotency{rdb: rdb, ttl: ttl}
}

// Claim 尝试认领 key。claimed=false 时 value 为已有的值（IdemPending 或订单号）。
func (s *Idempotency) Claim(ctx context.Context, key string) (value string, claimed bool, err error) {
	k := IdempotencyKey(key)
	ok, err := s.rdb.SetNX(ctx, k, IdemPending, s.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	v, err := s.rdb.Get(ctx, k).Result()
	if errors.Is(err, rd.Nil) {
		// 认领者刚好放弃，视为仍在处理，由客户端重试。
		return IdemPending, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, false, nil
}

// Complete 记录 key 对应的订单号并刷新 TTL。
func (s *Idempotency) Complete(ctx context.Context, key, orderID string) error {
	return s.rdb.Set(ctx, IdempotencyKey(key), orderID, s.ttl).Err()
}

// Abandon 下单失败时释放占位，允许客户端用同一 key 重试。
func (s *Idempotency) Abandon(ctx context.Context, key string) error {
	return s.rdb.Eval(ctx, luaReleaseIfPending, []string{IdempotencyKey(key)}, IdemPending).Err()
}
