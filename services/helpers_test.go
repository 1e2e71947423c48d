package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yeremiapane/plant-market/config"
	"github.com/yeremiapane/plant-market/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Order{}, &models.Payment{}, &models.Bid{}))
	return db
}

func seedOrder(t *testing.T, db *gorm.DB, orderID string, price int64, opts ...func(*models.Order)) *models.Order {
	t.Helper()
	order := &models.Order{
		OrderID:  orderID,
		VendorID: 7,
		BuyerID:  42,
		Price:    decimal.NewFromInt(price),
		Status:   models.OrderStatusCreated,
	}
	for _, opt := range opts {
		opt(order)
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func withConversation(id uint) func(*models.Order) {
	return func(o *models.Order) { o.ConversationID = &id }
}

func withPaymentInfo(raw string) func(*models.Order) {
	return func(o *models.Order) { o.PaymentInfo = []byte(raw) }
}

func seedPayment(t *testing.T, db *gorm.DB, orderID, status string, amount int64) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		OrderID:    orderID,
		UserID:     42,
		Amount:     decimal.NewFromInt(amount),
		PaymentKey: NormalizePaymentID(orderID),
		Status:     status,
	}
	require.NoError(t, db.Create(payment).Error)
	return payment
}

func testReconcileConfig() config.ReconcileConfig {
	return config.ReconcileConfig{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		FallbackWindow: 24 * time.Hour,
		FallbackLimit:  100,
		SentinelBidID:  1,
	}
}

// fakeGateway is an in-memory PaymentGateway. Nil hooks answer "not found"
// or an empty result.
type fakeGateway struct {
	mu sync.Mutex

	getPayment func(id string) (*PaymentDetail, error)
	search     func(c SearchCriteria) ([]PaymentDetail, error)
	cancel     func(req CancelRequest) (*CancelResult, error)

	gets     []string
	searches []SearchCriteria
	cancels  []CancelRequest
}

func (f *fakeGateway) GetPayment(ctx context.Context, id string) (*PaymentDetail, error) {
	f.mu.Lock()
	f.gets = append(f.gets, id)
	hook := f.getPayment
	f.mu.Unlock()

	if hook == nil {
		return nil, ErrGatewayPaymentNotFound
	}
	return hook(id)
}

func (f *fakeGateway) SearchPayments(ctx context.Context, c SearchCriteria) ([]PaymentDetail, error) {
	f.mu.Lock()
	f.searches = append(f.searches, c)
	hook := f.search
	f.mu.Unlock()

	if hook == nil {
		return nil, nil
	}
	return hook(c)
}

func (f *fakeGateway) CancelPayment(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	f.mu.Lock()
	f.cancels = append(f.cancels, req)
	hook := f.cancel
	f.mu.Unlock()

	if hook == nil {
		return &CancelResult{Status: "SUCCEEDED", PaymentID: req.PaymentID, IdempotencyKey: uuid.NewString()}, nil
	}
	return hook(req)
}

func (f *fakeGateway) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gets) + len(f.searches) + len(f.cancels)
}

func (f *fakeGateway) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

func (f *fakeGateway) cancelRequests() []CancelRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CancelRequest(nil), f.cancels...)
}

func (f *fakeGateway) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets, f.searches, f.cancels = nil, nil, nil
}

// recordingBroadcaster collects broadcast event names.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingBroadcaster) BroadcastEvent(event string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingBroadcaster) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func paidDetail(id, orderID string, amount int64) PaymentDetail {
	return PaymentDetail{
		ID:          id,
		OrderID:     orderID,
		Status:      GatewayStatusPaid,
		TotalAmount: decimal.NewFromInt(amount),
	}
}
