package model

import "time"

// StockRecord 单个商品的库存账本：可售 / 预占 / 已售。
// 不变量：Available + Reserved + Sold 只会因补货而增加，且任何计数都不为负。
type StockRecord struct {
	ProductID string    `gorm:"primaryKey;size:64" json:"product_id"`
	Available int64     `gorm:"not null;default:0" json:"available"`
	Reserved  int64     `gorm:"not null;default:0" json:"reserved"`
	Sold      int64     `gorm:"not null;default:0" json:"sold"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (StockRecord) TableName() string { return "stock_records" }

// Total 返回累计入库总量。
func (s StockRecord) Total() int64 { return s.Available + s.Reserved + s.Sold }
