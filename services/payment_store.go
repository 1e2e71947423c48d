package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yeremiapane/plant-market/models"
)

// PaymentStore is the persistence the payment flows depend on. Lookups
// return ErrPaymentNotFound, ErrOrderNotFound or ErrBidNotFound when the row
// does not exist.
type PaymentStore interface {
	GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error)
	// CreatePayment inserts the row unless one already exists for the order.
	// created is false when another writer got there first.
	CreatePayment(ctx context.Context, payment *models.Payment) (created bool, err error)
	UpdatePayment(ctx context.Context, id uint, updates map[string]interface{}) (*models.Payment, error)
	UpdatePaymentByOrderID(ctx context.Context, orderID string, updates map[string]interface{}) (*models.Payment, error)
	// CancelPaymentByOrderID moves a payment to CANCELLED only if it is not
	// CANCELLED yet, and returns ErrAlreadyCancelled otherwise.
	CancelPaymentByOrderID(ctx context.Context, orderID, reason string, at time.Time) (*models.Payment, error)
	UpdateOrderStatusByOrderID(ctx context.Context, orderID, status string) (*models.Order, error)
	GetBidsForVendor(ctx context.Context, vendorID uint) ([]models.Bid, error)
	GetBidByVendorAndConversation(ctx context.Context, vendorID, conversationID uint) (*models.Bid, error)
	ListPlaceholderPayments(ctx context.Context, createdBefore time.Time, limit int) ([]models.Payment, error)
}

// GormPaymentStore implements PaymentStore on gorm. The unique index on
// payments.order_id is what keeps one row per order.
type GormPaymentStore struct {
	db *gorm.DB
}

func NewGormPaymentStore(db *gorm.DB) *GormPaymentStore {
	return &GormPaymentStore{db: db}
}

func (s *GormPaymentStore) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	return &payment, nil
}

func (s *GormPaymentStore) GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	return &order, nil
}

func (s *GormPaymentStore) CreatePayment(ctx context.Context, payment *models.Payment) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoNothing: true,
		}).
		Create(payment)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create payment: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormPaymentStore) UpdatePayment(ctx context.Context, id uint, updates map[string]interface{}) (*models.Payment, error) {
	result := s.db.WithContext(ctx).Model(&models.Payment{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update payment: %w", result.Error)
	}

	var payment models.Payment
	if err := s.db.WithContext(ctx).First(&payment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to reload payment: %w", err)
	}
	return &payment, nil
}

func (s *GormPaymentStore) UpdatePaymentByOrderID(ctx context.Context, orderID string, updates map[string]interface{}) (*models.Payment, error) {
	result := s.db.WithContext(ctx).Model(&models.Payment{}).Where("order_id = ?", orderID).Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update payment: %w", result.Error)
	}
	return s.GetPaymentByOrderID(ctx, orderID)
}

func (s *GormPaymentStore) CancelPaymentByOrderID(ctx context.Context, orderID, reason string, at time.Time) (*models.Payment, error) {
	result := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("order_id = ? AND status <> ?", orderID, models.PaymentStatusCancelled).
		Updates(map[string]interface{}{
			"status":        models.PaymentStatusCancelled,
			"cancel_reason": reason,
			"cancelled_at":  at,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to cancel payment: %w", result.Error)
	}

	payment, err := s.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return payment, ErrAlreadyCancelled
	}
	return payment, nil
}

func (s *GormPaymentStore) UpdateOrderStatusByOrderID(ctx context.Context, orderID, status string) (*models.Order, error) {
	result := s.db.WithContext(ctx).Model(&models.Order{}).Where("order_id = ?", orderID).Update("status", status)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update order status: %w", result.Error)
	}
	return s.GetOrderByOrderID(ctx, orderID)
}

// GetBidsForVendor returns the vendor's bids, newest first.
func (s *GormPaymentStore) GetBidsForVendor(ctx context.Context, vendorID uint) ([]models.Bid, error) {
	var bids []models.Bid
	err := s.db.WithContext(ctx).
		Where("vendor_id = ?", vendorID).
		Order("created_at DESC").Order("id DESC").
		Find(&bids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	return bids, nil
}

func (s *GormPaymentStore) GetBidByVendorAndConversation(ctx context.Context, vendorID, conversationID uint) (*models.Bid, error) {
	var bid models.Bid
	err := s.db.WithContext(ctx).
		Where("vendor_id = ? AND conversation_id = ?", vendorID, conversationID).
		Order("created_at DESC").Order("id DESC").
		First(&bid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBidNotFound
		}
		return nil, fmt.Errorf("failed to find bid: %w", err)
	}
	return &bid, nil
}

// ListPlaceholderPayments returns READY rows created before the cutoff,
// oldest first.
func (s *GormPaymentStore) ListPlaceholderPayments(ctx context.Context, createdBefore time.Time, limit int) ([]models.Payment, error) {
	payments := make([]models.Payment, 0)
	q := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.PaymentStatusReady, createdBefore).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to list placeholder payments: %w", err)
	}
	return payments, nil
}
