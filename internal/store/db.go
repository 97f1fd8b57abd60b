// Package store 提供基于 gorm + SQLite 的持久化实现：订单、SQL 库存账本。
package store

import (
	"fmt"
	"strings"

	"stock_reservation/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 连接 SQLite 并自动建表。SQLite 只允许单写者，连接池固定为 1。
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate 建立订单与账本相关的表。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.StockRecord{}, &tokenRow{}, &model.Order{}, &model.OrderLine{}); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	return nil
}
