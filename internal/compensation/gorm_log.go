package compensation

import (
	"context"
	"fmt"
	"iter"
	"time"

	"stock_reservation/internal/model"

	"gorm.io/gorm"
)

const replayBatchSize = 256

// entryRow 是补偿条目的持久化形态；时间戳存为纳秒整数，便于范围查询。
type entryRow struct {
	Seq           uint64 `gorm:"primaryKey;autoIncrement:false"`
	ReservationID string `gorm:"size:64;not null;index"`
	Action        string `gorm:"size:16;not null"`
	TimestampNs   int64  `gorm:"not null;index"`
	QuantityDelta int64  `gorm:"not null"`
	OrderID       string `gorm:"size:64"`
	ProductID     string `gorm:"size:64"`
	ExpiresAtNs   int64
	Reason        string `gorm:"size:32"`
}

func (entryRow) TableName() string { return "compensation_entries" }

func toRow(e *model.CompensationEntry) entryRow {
	r := entryRow{
		Seq:           e.Seq,
		ReservationID: e.ReservationID,
		Action:        string(e.Action),
		TimestampNs:   e.Timestamp.UnixNano(),
		QuantityDelta: e.QuantityDelta,
		OrderID:       e.OrderID,
		ProductID:     e.ProductID,
		Reason:        e.Reason,
	}
	if !e.ExpiresAt.IsZero() {
		r.ExpiresAtNs = e.ExpiresAt.UnixNano()
	}
	return r
}

func (r entryRow) toEntry() model.CompensationEntry {
	e := model.CompensationEntry{
		Seq:           r.Seq,
		ReservationID: r.ReservationID,
		Action:        model.CompensationAction(r.Action),
		Timestamp:     time.Unix(0, r.TimestampNs).UTC(),
		QuantityDelta: r.QuantityDelta,
		OrderID:       r.OrderID,
		ProductID:     r.ProductID,
		Reason:        r.Reason,
	}
	if r.ExpiresAtNs != 0 {
		e.ExpiresAt = time.Unix(0, r.ExpiresAtNs).UTC()
	}
	return e
}

// GormLog 基于 gorm 的持久化补偿日志。
type GormLog struct {
	db    *gorm.DB
	clock clock
}

// NewGormLog 建表并从已有的最大序号继续编号。
func NewGormLog(ctx context.Context, db *gorm.DB) (*GormLog, error) {
	if err := db.WithContext(ctx).AutoMigrate(&entryRow{}); err != nil {
		return nil, fmt.Errorf("migrate compensation_entries: %w", err)
	}
	var last entryRow
	err := db.WithContext(ctx).Order("seq DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("load last compensation seq: %w", err)
	}
	l := &GormLog{db: db, clock: clock{now: time.Now, lastSeq: last.Seq}}
	if last.Seq > 0 {
		l.clock.lastTS = time.Unix(0, last.TimestampNs).UTC()
	}
	return l, nil
}

func (l *GormLog) Append(ctx context.Context, entry *model.CompensationEntry) error {
	l.clock.mu.Lock()
	defer l.clock.mu.Unlock()

	stamped := *entry
	prevTS, prevSeq := l.clock.lastTS, l.clock.lastSeq
	l.clock.stamp(&stamped)

	row := toRow(&stamped)
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		// 写失败时回退时钟，序号保持连续。
		l.clock.lastTS, l.clock.lastSeq = prevTS, prevSeq
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	*entry = stamped
	return nil
}

// Replay 以 seq 做游标分批读取，避免一次性加载整张表。
func (l *GormLog) Replay(ctx context.Context, from time.Time) iter.Seq2[model.CompensationEntry, error] {
	return func(yield func(model.CompensationEntry, error) bool) {
		var cursor uint64
		fromNs := from.UnixNano()
		if from.IsZero() {
			fromNs = 0
		}
		for {
			var rows []entryRow
			err := l.db.WithContext(ctx).
				Where("seq > ? AND timestamp_ns >= ?", cursor, fromNs).
				Order("seq ASC").
				Limit(replayBatchSize).
				Find(&rows).Error
			if err != nil {
				yield(model.CompensationEntry{}, fmt.Errorf("replay compensation entries: %w", err))
				return
			}
			for _, r := range rows {
				if !yield(r.toEntry(), nil) {
					return
				}
				cursor = r.Seq
			}
			if len(rows) < replayBatchSize {
				return
			}
		}
	}
}
