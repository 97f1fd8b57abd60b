package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// messageReader 是 kafka.Reader 中消费者用到的部分。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费 signal topic 并驱动订单状态流转。
// 处理成功（或消息本身无法解析）后才提交 offset；处理失败一直退避重试同一条消息。
type Consumer struct {
	r          messageReader
	h          SignalHandler
	logger     zerolog.Logger
	alertAfter int
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, h SignalHandler, logger zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1e3,
		MaxBytes: 1e6,
	})
	return newConsumer(r, h, logger)
}

func newConsumer(r messageReader, h SignalHandler, logger zerolog.Logger) *Consumer {
	return &Consumer{
		r:          r,
		h:          h,
		logger:     logger.With().Str("component", "signal-consumer").Logger(),
		alertAfter: 3,
		backoff:    500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 阻塞直到 ctx 取消。
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Msg("fetch message, retrying")
			sleep(ctx, time.Second)
			continue
		}

		carrier := headerCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)
		if err := c.process(msgCtx, m); err != nil {
			if ctx.Err() != nil {
				// 未处理完的消息不提交，重启后重新投递
				return nil
			}
			c.logger.Error().Err(err).Int64("offset", m.Offset).Msg("drop malformed signal")
		}

		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Int64("offset", m.Offset).Msg("commit message")
		}
	}
}

// process 解析失败直接返回错误（消息会被丢弃）；处理失败按指数退避重试同一条信号，
// 直到成功或 ctx 取消。业务上无法执行的信号由 handler 返回 nil。
func (c *Consumer) process(ctx context.Context, m kafka.Message) error {
	var s Signal
	if err := json.Unmarshal(m.Value, &s); err != nil {
		return fmt.Errorf("unmarshal signal: %w", err)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid signal: %w", err)
	}

	backoff := c.backoff
	for attempt := 1; ; attempt++ {
		err := c.h.HandleSignal(ctx, s)
		if err == nil {
			return nil
		}
		ev := c.logger.Warn()
		if attempt >= c.alertAfter {
			ev = c.logger.Error()
		}
		ev.Err(err).Str("signal_id", s.ID).Str("type", s.Type).Int64("offset", m.Offset).
			Int("attempt", attempt).Dur("backoff", backoff).Msg("handle signal, retrying")

		sleep(ctx, backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}
