package models

import (
	"time"

	"github.com/google/uuid"
)

// FillRecord is one execution. ID is derived from the batch that produced it so
// replays of the same event collapse onto the same row.
type FillRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	MarketID      string    `gorm:"column:market_id;type:varchar(128);index:idx_clob_fills_market" json:"market_id"`
	Outcome       string    `gorm:"column:outcome;type:varchar(3)" json:"outcome"`
	BatchSequence uint64    `gorm:"column:batch_sequence" json:"batch_sequence"`
	MakerOrderID  string    `gorm:"column:maker_order_id;type:varchar(64);index" json:"maker_order_id"`
	TakerOrderID  string    `gorm:"column:taker_order_id;type:varchar(64);index" json:"taker_order_id"`
	MakerUserID   string    `gorm:"column:maker_user_id;type:varchar(128);index" json:"maker_user_id"`
	TakerUserID   string    `gorm:"column:taker_user_id;type:varchar(128);index" json:"taker_user_id"`
	TakerSide     string    `gorm:"column:taker_side;type:varchar(4)" json:"taker_side"`
	Price         string    `gorm:"column:price;type:decimal(10,6)" json:"price"`
	Size          uint64    `gorm:"column:size" json:"size"`
	Fee           uint64    `gorm:"column:fee" json:"fee"`
	MakerRebate   uint64    `gorm:"column:maker_rebate" json:"maker_rebate"`
	FeeAsset      string    `gorm:"column:fee_asset;type:varchar(4)" json:"fee_asset"`
	ExecutedAt    time.Time `gorm:"column:executed_at;index" json:"executed_at"`
}

// TableName overrides the table name used by FillRecord to `clob_fills`
func (FillRecord) TableName() string {
	return "clob_fills"
}
