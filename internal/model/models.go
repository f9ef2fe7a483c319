package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Platform 表示一个电商平台（如 Momo、PChome）。
type Platform struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"type:varchar(50);uniqueIndex;not null"` // 平台名称
	URL  string `gorm:"type:varchar(255)"`                      // 平台首页
}

// ProductModel 是标准化后的商品型号，用于跨平台聚合同一商品。
type ProductModel struct {
	ID       uint   `gorm:"primaryKey"`
	Name     string `gorm:"type:varchar(100);uniqueIndex;not null"`
	Category string `gorm:"type:varchar(50);index"` // 手机 / 平板 ...

	Items []Product `gorm:"foreignKey:ModelID"`
}

// Product 表示某个平台上的一个卖场链接。
//
// (PlatformID, NativeID) 唯一；NativeID 是平台自身的商品编号
// （Momo 的 i_code、PChome 的商品 ID）。
type Product struct {
	ID      uint  `gorm:"primaryKey"`
	ModelID *uint `gorm:"index"` // 所属标准型号（可空）

	PlatformID uint   `gorm:"not null;uniqueIndex:_platform_product_uc"`
	NativeID   string `gorm:"column:product_id_on_platform;type:varchar(100);not null;uniqueIndex:_platform_product_uc"`

	Name      string    `gorm:"type:varchar(255);not null"`  // 商品名称
	URL       string    `gorm:"type:varchar(1024);not null"` // 卖场链接
	CreatedAt time.Time // 创建时间

	Platform Platform      `gorm:"foreignKey:PlatformID"`
	Model    *ProductModel `gorm:"foreignKey:ModelID"`
}

// Price 是商品当前的挂牌价，每个商品最多一行。
type Price struct {
	ID         uint            `gorm:"primaryKey"`
	ProductID  uint            `gorm:"not null;uniqueIndex:uq_price_product_instance"` // upsert 目标
	PlatformID uint            `gorm:"not null"`
	Amount     decimal.Decimal `gorm:"column:price;type:decimal(12,2);not null"`
	URL        string          `gorm:"type:varchar(1024)"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime:false"` // 最后一次观测时间，由 PriceStore 显式写入
}

// PriceHistory 是只追加的价格时间序列。
type PriceHistory struct {
	ID         uint            `gorm:"primaryKey"`
	ProductID  uint            `gorm:"not null;index:idx_history_product_time,priority:1"`
	PlatformID uint            `gorm:"not null"`
	Amount     decimal.Decimal `gorm:"column:price;type:decimal(12,2);not null"`
	RecordedAt time.Time       `gorm:"index:idx_history_product_time,priority:2"`
}

// TableName 固定表名为 price_history。
func (PriceHistory) TableName() string {
	return "price_history"
}
