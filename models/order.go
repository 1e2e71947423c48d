package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Status order
const (
	OrderStatusCreated   = "created"
	OrderStatusPaid      = "paid"
	OrderStatusPreparing = "preparing"
	OrderStatusShipping  = "shipping"
	OrderStatusDelivered = "delivered"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// Order is owned by the storefront; the payment subsystem only reads it and
// moves its status on cancellation.
type Order struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	OrderID        string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_id"`
	VendorID       uint            `gorm:"index;not null" json:"vendor_id"`
	BuyerID        uint            `gorm:"index;not null" json:"buyer_id"`
	ConversationID *uint           `gorm:"index" json:"conversation_id,omitempty"`
	Price          decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Status         string          `gorm:"type:varchar(20);not null;default:'created'" json:"status"`
	PaymentInfo    datatypes.JSON  `json:"payment_info,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// OrderPaymentInfo is the blob the checkout page stores next to the order.
// Only the gateway payment id is relevant here; the rest is kept for display.
type OrderPaymentInfo struct {
	PaymentID string `json:"paymentId,omitempty"`
	Method    string `json:"method,omitempty"`
	StoreID   string `json:"storeId,omitempty"`
}

// GatewayPaymentID returns the payment id captured at order creation, or ""
// when the blob is empty or unreadable.
func (o *Order) GatewayPaymentID() string {
	if len(o.PaymentInfo) == 0 {
		return ""
	}
	var info OrderPaymentInfo
	if err := json.Unmarshal(o.PaymentInfo, &info); err != nil {
		return ""
	}
	return info.PaymentID
}
