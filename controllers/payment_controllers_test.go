package controllers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yeremiapane/plant-market/config"
	"github.com/yeremiapane/plant-market/models"
	"github.com/yeremiapane/plant-market/services"
)

const testWebhookSecret = "whsec_Y29udHJvbGxlci10ZXN0LWtleQ=="

type stubGateway struct {
	mu      sync.Mutex
	paid    map[string]services.PaymentDetail // keyed by order id
	cancels []services.CancelRequest
	failing bool
}

func (g *stubGateway) GetPayment(ctx context.Context, id string) (*services.PaymentDetail, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range g.paid {
		if d.ID == id {
			d := d
			return &d, nil
		}
	}
	return nil, services.ErrGatewayPaymentNotFound
}

func (g *stubGateway) SearchPayments(ctx context.Context, c services.SearchCriteria) ([]services.PaymentDetail, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.paid[c.OrderID]; ok {
		return []services.PaymentDetail{d}, nil
	}
	return nil, nil
}

func (g *stubGateway) CancelPayment(ctx context.Context, req services.CancelRequest) (*services.CancelResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, req)
	if g.failing {
		return nil, &services.GatewayError{Op: "cancelPayment", StatusCode: http.StatusBadGateway}
	}
	return &services.CancelResult{Status: "SUCCEEDED", PaymentID: req.PaymentID}, nil
}

type testEnv struct {
	db      *gorm.DB
	gateway *stubGateway
	router  *gin.Engine
}

func setupPaymentRouter(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.Order{}, &models.Payment{}, &models.Bid{}))

	gw := &stubGateway{paid: map[string]services.PaymentDetail{}}
	store := services.NewGormPaymentStore(db)
	monitor := services.NewPaymentMonitor()
	reconciler := services.NewReconcileService(store, gw, config.ReconcileConfig{
		MaxAttempts:    2,
		BaseDelay:      time.Millisecond,
		FallbackWindow: time.Hour,
		FallbackLimit:  10,
		SentinelBidID:  1,
	}, monitor, nil)
	canceller := services.NewCancelService(store, gw, monitor, nil)
	webhooks := services.NewWebhookService(testWebhookSecret, reconciler, canceller)
	pc := NewPaymentController(store, reconciler, canceller, webhooks, monitor)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/payments/sync", pc.SyncPayment)
	router.POST("/payments/prepare", pc.PreparePayment)
	router.POST("/payments/cancel", pc.CancelPayment)
	router.POST("/payments/reconcile", pc.ReconcilePaymentKey)
	router.POST("/payments/webhook", pc.HandleWebhook)
	router.GET("/payments/order/:orderId", pc.GetPaymentByOrder)
	router.GET("/payments/status/:orderId", pc.GetPaymentStatus)
	router.GET("/payments/metrics", pc.GetMetrics)

	return &testEnv{db: db, gateway: gw, router: router}
}

func (e *testEnv) seedOrder(t *testing.T, orderID string, price int64) {
	t.Helper()
	require.NoError(t, e.db.Create(&models.Order{
		OrderID:  orderID,
		VendorID: 3,
		BuyerID:  9,
		Price:    decimal.NewFromInt(price),
		Status:   models.OrderStatusCreated,
	}).Error)
}

func (e *testEnv) markPaid(orderID string, amount int64) {
	e.gateway.mu.Lock()
	defer e.gateway.mu.Unlock()
	e.gateway.paid[orderID] = services.PaymentDetail{
		ID:          services.NormalizePaymentID(orderID),
		OrderID:     orderID,
		Status:      services.GatewayStatusPaid,
		TotalAmount: decimal.NewFromInt(amount),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestSyncPayment(t *testing.T) {
	env := setupPaymentRouter(t)
	env.seedOrder(t, "ord_sync", 15000)
	env.markPaid("ord_sync", 15000)

	w, resp := env.do(t, http.MethodPost, "/payments/sync", gin.H{"orderId": "ord_sync"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])

	data := resp["data"].(map[string]interface{})
	assert.Equal(t, models.PaymentStatusCompleted, data["status"])
	assert.Equal(t, services.NormalizePaymentID("ord_sync"), data["payment_key"])
}

func TestSyncPayment_NotFoundYet(t *testing.T) {
	env := setupPaymentRouter(t)
	env.seedOrder(t, "ord_pending", 15000)

	w, resp := env.do(t, http.MethodPost, "/payments/sync", gin.H{"orderId": "ord_pending"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, resp["success"])
}

func TestSyncPayment_MissingOrderID(t *testing.T) {
	env := setupPaymentRouter(t)

	w, _ := env.do(t, http.MethodPost, "/payments/sync", gin.H{"orderId": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodPost, "/payments/sync", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncPayment_UnknownOrder(t *testing.T) {
	env := setupPaymentRouter(t)

	w, resp := env.do(t, http.MethodPost, "/payments/sync", gin.H{"orderId": "ord_ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Order not found", resp["message"])
}

func TestGetPaymentByOrder_ReconcilesOnce(t *testing.T) {
	env := setupPaymentRouter(t)
	env.seedOrder(t, "ord_get", 900)
	env.markPaid("ord_get", 900)

	w, _ := env.do(t, http.MethodGet, "/payments/order/ord_get", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// the stored row now answers without the gateway
	env.gateway.mu.Lock()
	env.gateway.paid = map[string]services.PaymentDetail{}
	env.gateway.mu.Unlock()

	w, resp := env.do(t, http.MethodGet, "/payments/order/ord_get", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.PaymentStatusCompleted, resp["data"].(map[string]interface{})["status"])
}

func TestGetPaymentStatus_LocalOnly(t *testing.T) {
	env := setupPaymentRouter(t)
	env.seedOrder(t, "ord_local", 900)
	env.markPaid("ord_local", 900)

	w, _ := env.do(t, http.MethodGet, "/payments/status/ord_local", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.do(t, http.MethodPost, "/payments/sync", gin.H{"orderId": "ord_local"})
	w, _ = env.do(t, http.MethodGet, "/payments/status/ord_local", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCancelPayment(t *testing.T) {
	env := setupPaymentRouter(t)
	env.seedOrder(t, "ord_cancel", 5000)
	env.markPaid("ord_cancel", 5000)
	env.do(t, http.MethodPost, "/payments/sync", gin.H{"orderId": "ord_cancel"})

	w, resp := env.do(t, http.MethodPost, "/payments/cancel", gin.H{"orderId": "ord_cancel", "reason": "plant arrived damaged"})
	require.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, true, data["remote_cancelled"])

	w, resp = env.do(t, http.MethodPost, "/payments/cancel", gin.H{"orderId": "ord_cancel", "reason": "again"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, resp["success"])
	assert.Len(t, env.gateway.cancels, 1)
}

func TestCancelPayment_GatewayDownStillSucceeds(t *testing.T) {
	env := setupPaymentRouter(t)
	env.seedOrder(t, "ord_down", 5000)
	env.markPaid("ord_down", 5000)
	env.do(t, http.MethodPost, "/payments/sync", gin.H{"orderId": "ord_down"})
	env.gateway.failing = true

	w, resp := env.do(t, http.MethodPost, "/payments/cancel", gin.H{"orderId": "ord_down", "reason": "out of stock"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["data"].(map[string]interface{})["remote_cancelled"])

	var payment models.Payment
	require.NoError(t, env.db.Where("order_id = ?", "ord_down").First(&payment).Error)
	assert.Equal(t, models.PaymentStatusCancelled, payment.Status)
}

func TestCancelPayment_Validation(t *testing.T) {
	env := setupPaymentRouter(t)

	w, _ := env.do(t, http.MethodPost, "/payments/cancel", gin.H{"orderId": "ord_x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodPost, "/payments/cancel", gin.H{"reason": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodPost, "/payments/cancel", gin.H{"orderId": "ord_none", "reason": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPreparePayment(t *testing.T) {
	env := setupPaymentRouter(t)
	env.seedOrder(t, "ord_prep", 700)

	w, resp := env.do(t, http.MethodPost, "/payments/prepare", gin.H{"orderId": "ord_prep"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, models.PaymentStatusReady, resp["data"].(map[string]interface{})["status"])

	w, _ = env.do(t, http.MethodPost, "/payments/prepare", gin.H{"orderId": "ord_prep"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReconcilePaymentKey(t *testing.T) {
	env := setupPaymentRouter(t)
	env.seedOrder(t, "ord_fix", 700)
	env.do(t, http.MethodPost, "/payments/prepare", gin.H{"orderId": "ord_fix"})
	env.db.Model(&models.Payment{}).Where("order_id = ?", "ord_fix").UpdateColumn("payment_key", "legacy-key")

	w, _ := env.do(t, http.MethodPost, "/payments/reconcile", gin.H{"orderId": "ord_fix"})
	assert.Equal(t, http.StatusOK, w.Code)

	var payment models.Payment
	require.NoError(t, env.db.Where("order_id = ?", "ord_fix").First(&payment).Error)
	assert.Equal(t, services.NormalizePaymentID("ord_fix"), payment.PaymentKey)
}

func signedRequest(body []byte) *http.Request {
	key, _ := base64.StdEncoding.DecodeString("Y29udHJvbGxlci10ZXN0LWtleQ==")
	id := "msg_" + uuid.NewString()
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(body))
	req.Header.Set("webhook-id", id)
	req.Header.Set("webhook-timestamp", ts)
	req.Header.Set("webhook-signature", "v1,"+services.SignWebhook(key, id, ts, body))
	return req
}

func TestHandleWebhook(t *testing.T) {
	env := setupPaymentRouter(t)
	env.seedOrder(t, "ord_hook", 1200)
	env.markPaid("ord_hook", 1200)

	body := []byte(`{"type":"Transaction.Paid","data":{"paymentId":"ord_hook"}}`)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, signedRequest(body))
	assert.Equal(t, http.StatusOK, w.Code)

	var payment models.Payment
	require.NoError(t, env.db.Where("order_id = ?", "ord_hook").First(&payment).Error)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	env := setupPaymentRouter(t)

	body := []byte(`{"type":"Transaction.Paid","data":{"paymentId":"ord_hook"}}`)
	req := signedRequest(body)
	req.Header.Set("webhook-signature", "v1,AAAA")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleWebhook_Malformed(t *testing.T) {
	env := setupPaymentRouter(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, signedRequest([]byte(`{"type":"Transaction.Paid","data":{}}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetMetrics(t *testing.T) {
	env := setupPaymentRouter(t)
	env.seedOrder(t, "ord_m", 100)
	env.markPaid("ord_m", 100)
	env.do(t, http.MethodPost, "/payments/sync", gin.H{"orderId": "ord_m"})

	w, resp := env.do(t, http.MethodGet, "/payments/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]interface{})
	assert.EqualValues(t, 1, data["reconcile_requests"])
	assert.EqualValues(t, 1, data["reconcile_matched"])
}

func TestPaymentErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{services.ErrAlreadyCancelled, http.StatusBadRequest},
		{services.ErrPaymentNotFound, http.StatusNotFound},
		{services.ErrOrderNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, msg := paymentErrorStatus(tt.err)
		assert.Equal(t, tt.want, code, tt.err.Error())
		assert.NotContains(t, msg, tt.err.Error())
	}
}
