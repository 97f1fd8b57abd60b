package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// StreamPublisher 把事件写入 Redis Stream（outbox），由 Relay 异步转发到 Kafka。
// 请求路径上只有一次 XADD，Kafka 抖动不会拖慢库存操作。
type StreamPublisher struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(rdb *rd.Client, stream string) *StreamPublisher {
	return &StreamPublisher{rdb: rdb, stream: stream, maxLen: 100000}
}

func (p *StreamPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return p.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: streamValues(ev),
	}).Err()
}

func streamValues(ev Event) map[string]any {
	return map[string]any{
		"event_id":       ev.ID,
		"type":           ev.Type,
		"order_id":       ev.OrderID,
		"reservation_id": ev.ReservationID,
		"product_id":     ev.ProductID,
		"quantity":       ev.Quantity,
		"occurred_at":    ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

func parseStreamEvent(values map[string]any) (Event, error) {
	var ev Event
	var err error
	if ev.ID, err = getStreamString(values, "event_id"); err != nil {
		return Event{}, err
	}
	if ev.Type, err = getStreamString(values, "type"); err != nil {
		return Event{}, err
	}
	// 以下字段按事件类型可为空
	ev.OrderID, _ = getStreamString(values, "order_id")
	ev.ReservationID, _ = getStreamString(values, "reservation_id")
	ev.ProductID, _ = getStreamString(values, "product_id")

	if q, _ := getStreamString(values, "quantity"); q != "" {
		if ev.Quantity, err = strconv.ParseInt(q, 10, 64); err != nil {
			return Event{}, fmt.Errorf("invalid quantity %q", q)
		}
	}
	at, err := getStreamString(values, "occurred_at")
	if err != nil {
		return Event{}, err
	}
	if ev.OccurredAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return Event{}, fmt.Errorf("invalid occurred_at %q", at)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func getStreamString(values map[string]any, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
