// Package compensation 实现只追加的补偿日志，用于崩溃恢复时回放预占单状态。
package compensation

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"stock_reservation/internal/model"
)

// ErrWriteFailed 包装所有持久化失败；调用方必须把它当作致命错误处理。
var ErrWriteFailed = errors.New("compensation log write failed")

// Log 补偿日志。Append 为条目分配 Seq 与 Timestamp；
// Replay 按 (Timestamp, Seq) 顺序惰性产出 from 之后（含）的条目，可重复调用。
type Log interface {
	Append(ctx context.Context, entry *model.CompensationEntry) error
	Replay(ctx context.Context, from time.Time) iter.Seq2[model.CompensationEntry, error]
}

// clock 保证时间戳单调不减，序号严格递增。
type clock struct {
	mu      sync.Mutex
	now     func() time.Time
	lastTS  time.Time
	lastSeq uint64
}

func (c *clock) stamp(e *model.CompensationEntry) {
	ts := c.now().UTC()
	if ts.Before(c.lastTS) {
		ts = c.lastTS
	}
	c.lastTS = ts
	c.lastSeq++
	e.Timestamp = ts
	e.Seq = c.lastSeq
}

// MemoryLog 进程内实现，主要用于测试和单机演示。
type MemoryLog struct {
	clock   clock
	entries []model.CompensationEntry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{clock: clock{now: time.Now}}
}

func (m *MemoryLog) Append(_ context.Context, entry *model.CompensationEntry) error {
	m.clock.mu.Lock()
	defer m.clock.mu.Unlock()
	m.clock.stamp(entry)
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *MemoryLog) Replay(ctx context.Context, from time.Time) iter.Seq2[model.CompensationEntry, error] {
	return func(yield func(model.CompensationEntry, error) bool) {
		for i := 0; ; i++ {
			if err := ctx.Err(); err != nil {
				yield(model.CompensationEntry{}, err)
				return
			}
			m.clock.mu.Lock()
			if i >= len(m.entries) {
				m.clock.mu.Unlock()
				return
			}
			e := m.entries[i]
			m.clock.mu.Unlock()
			if e.Timestamp.Before(from) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Len 返回已写入条目数。
func (m *MemoryLog) Len() int {
	m.clock.mu.Lock()
	defer m.clock.mu.Unlock()
	return len(m.entries)
}
