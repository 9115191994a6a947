/**
 * @description
 * Order history model.
 * Maps to the 'clob_orders' table in PostgreSQL.
 * Written behind the engine by the history worker; never read for matching.
 *
 * @dependencies
 * - gorm.io/gorm
 * - github.com/google/uuid
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderRecord is the last known state of an engine order
type OrderRecord struct {
	ID             uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	OrderID        string    `gorm:"column:order_id;type:varchar(64);uniqueIndex" json:"order_id"`
	ClientOrderID  string    `gorm:"column:client_order_id;type:varchar(128);index:idx_clob_orders_client" json:"client_order_id"`
	UserID         string    `gorm:"column:user_id;type:varchar(128);not null;index:idx_clob_orders_user" json:"user_id"`
	WalletAddress  string    `gorm:"column:wallet_address;type:varchar(64)" json:"wallet_address"`
	MarketID       string    `gorm:"column:market_id;type:varchar(128);index:idx_clob_orders_market" json:"market_id"`
	Outcome        string    `gorm:"column:outcome;type:varchar(3)" json:"outcome"`
	Side           string    `gorm:"column:side;type:varchar(4)" json:"side"`
	OrderType      string    `gorm:"column:order_type;type:varchar(8)" json:"order_type"`
	TimeInForce    string    `gorm:"column:time_in_force;type:varchar(3)" json:"time_in_force"`
	Price          string    `gorm:"column:price;type:decimal(10,6)" json:"price"`
	OriginalAmount uint64    `gorm:"column:original_amount" json:"original_amount"`
	FilledAmount   uint64    `gorm:"column:filled_amount" json:"filled_amount"`
	Status         string    `gorm:"column:status;type:varchar(16);index:idx_clob_orders_status" json:"status"`
	Sequence       uint64    `gorm:"column:sequence" json:"sequence"`
	BatchSequence  uint64    `gorm:"column:batch_sequence" json:"batch_sequence"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the table name used by OrderRecord to `clob_orders`
func (OrderRecord) TableName() string {
	return "clob_orders"
}

// BeforeCreate ensures UUID is generated if not present
func (o *OrderRecord) BeforeCreate(tx *gorm.DB) (err error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return
}
