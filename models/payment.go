package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status pembayaran
const (
	PaymentStatusReady     = "READY"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusCancelled = "CANCELLED"
	PaymentStatusFailed    = "FAILED"
)

// Payment is the local record of a gateway payment, one per order.
// PaymentKey always holds a canonical gateway id (pay_ + 22 alphanumerics).
type Payment struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	OrderID      string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_id"`
	UserID       uint            `gorm:"index" json:"user_id"`
	BidID        *uint           `gorm:"index" json:"bid_id,omitempty"`
	Amount       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	PaymentKey   string          `gorm:"type:varchar(26);index;not null" json:"payment_key"`
	Status       string          `gorm:"type:varchar(20);not null;default:'READY'" json:"status"`
	MerchantID   string          `gorm:"type:varchar(64)" json:"merchant_id,omitempty"`
	ReceiptURL   string          `gorm:"type:varchar(512)" json:"receipt_url,omitempty"`
	CancelReason string          `gorm:"type:varchar(255)" json:"cancel_reason,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
	ApprovedAt   *time.Time      `json:"approved_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsPlaceholder reports whether the row was written at checkout and has not
// been confirmed against the gateway yet.
func (p *Payment) IsPlaceholder() bool {
	return p.Status == PaymentStatusReady
}
