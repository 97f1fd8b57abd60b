package redis

import "fmt"

// StockKey 商品库存账本 hash：available / reserved / sold / updated_at。
func StockKey(productID string) string {
	return fmt.Sprintf("stock_reservation:stock:%s", productID)
}

// TokenKey 一次库存占用的 hash：product_id / quantity / state。
func TokenKey(tokenID string) string {
	return fmt.Sprintf("stock_reservation:token:%s", tokenID)
}

// IdempotencyKey 将客户端 Idempotency-Key 映射到订单号。
func IdempotencyKey(idemKey string) string {
	return fmt.Sprintf("stock_reservation:idem:%s", idemKey)
}

// RateLimitKey 下单限流窗口，subject 为 user:<id> 或 ip:<addr>。
func RateLimitKey(subject string) string {
	return fmt.Sprintf("stock_reservation:rate_limit:%s", subject)
}
