package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bid is a vendor offer made inside a buyer conversation. Payments point at
// the bid they settle for commission attribution.
type Bid struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	VendorID       uint            `gorm:"index;not null" json:"vendor_id"`
	ConversationID uint            `gorm:"index;not null" json:"conversation_id"`
	Price          decimal.Decimal `gorm:"type:decimal(12,2)" json:"price"`
	Status         string          `gorm:"type:varchar(20)" json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
