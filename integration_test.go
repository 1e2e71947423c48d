package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yeremiapane/plant-market/config"
	"github.com/yeremiapane/plant-market/models"
	"github.com/yeremiapane/plant-market/services"
	"github.com/yeremiapane/plant-market/utils"
)

const (
	integrationJWTSecret = "integration-jwt-secret"
	integrationHookKey   = "integration-webhook-key"
)

func TestMain(m *testing.M) {
	utils.InitLogger("text")
	utils.InfoLogger.SetLevel(logrus.WarnLevel)
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// fakePortOne serves the subset of the PortOne API the service calls.
type fakePortOne struct {
	mu       sync.Mutex
	payments map[string]map[string]interface{} // canonical id -> payment
	cancels  []string
}

func (f *fakePortOne) pay(orderID string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := services.NormalizePaymentID(orderID)
	f.payments[id] = map[string]interface{}{
		"id":           id,
		"order_id":     orderID,
		"status":       "PAID",
		"total_amount": amount,
	}
}

func (f *fakePortOne) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	path := strings.TrimPrefix(r.URL.Path, "/payments")
	switch {
	case r.Method == http.MethodGet && path == "":
		found := []map[string]interface{}{}
		for _, p := range f.payments {
			if orderID := r.URL.Query().Get("orderId"); orderID == "" || p["order_id"] == orderID {
				found = append(found, p)
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"payments": found})

	case r.Method == http.MethodGet:
		p, ok := f.payments[strings.TrimPrefix(path, "/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"type":"PAYMENT_NOT_FOUND"}`))
			return
		}
		json.NewEncoder(w).Encode(p)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/cancel"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/cancel")
		f.cancels = append(f.cancels, id)
		if p, ok := f.payments[id]; ok {
			p["status"] = "CANCELLED"
		}
		w.Write([]byte(`{"status":"SUCCEEDED","cancellation_id":"cx_1"}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type integrationEnv struct {
	db      *gorm.DB
	portone *fakePortOne
	engine  *gin.Engine
}

func setupIntegration(t *testing.T) *integrationEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	autoMigrate(db)

	portone := &fakePortOne{payments: map[string]map[string]interface{}{}}
	server := httptest.NewServer(portone)
	t.Cleanup(server.Close)

	cfg := &config.Config{
		PortOne: config.PortOneConfig{
			APIURL:        server.URL,
			APISecret:     "test",
			StoreID:       "store-test",
			WebhookSecret: "whsec_" + base64.StdEncoding.EncodeToString([]byte(integrationHookKey)),
			Timeout:       2 * time.Second,
		},
		Reconcile: config.ReconcileConfig{
			MaxAttempts:    2,
			BaseDelay:      time.Millisecond,
			FallbackWindow: time.Hour,
			FallbackLimit:  10,
			SentinelBidID:  1,
		},
		JWTSecret:        integrationJWTSecret,
		CORSOrigin:       "http://localhost:5173",
		RateLimitBackend: "memory",
		RateLimitRPS:     100,
		RateLimitBurst:   100,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	engine, cleanup := buildServer(ctx, cfg, db, services.NewPortOneService(cfg.PortOne))
	t.Cleanup(cleanup)

	return &integrationEnv{db: db, portone: portone, engine: engine}
}

func token(t *testing.T, userID uint, role string) string {
	t.Helper()
	tok, err := utils.GenerateToken([]byte(integrationJWTSecret), userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *integrationEnv) call(t *testing.T, method, path, tok string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func (e *integrationEnv) webhook(t *testing.T, body []byte) int {
	t.Helper()
	id := "msg_" + uuid.NewString()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(body))
	req.Header.Set("webhook-id", id)
	req.Header.Set("webhook-timestamp", ts)
	req.Header.Set("webhook-signature", "v1,"+services.SignWebhook([]byte(integrationHookKey), id, ts, body))
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w.Code
}

// TestPaymentLifecycle walks checkout, the paid webhook, a status check,
// cancellation and the admin metrics.
func TestPaymentLifecycle(t *testing.T) {
	env := setupIntegration(t)
	orderID := "0196ae8c-5856-6faf-9053-88714a044a7d"
	require.NoError(t, env.db.Create(&models.Order{
		OrderID:  orderID,
		VendorID: 11,
		BuyerID:  5,
		Price:    decimal.NewFromInt(32000),
		Status:   models.OrderStatusCreated,
	}).Error)
	require.NoError(t, env.db.Create(&models.Bid{VendorID: 11, Price: decimal.NewFromInt(32000)}).Error)

	buyer := token(t, 5, "buyer")
	admin := token(t, 1, "admin")

	code, resp := env.call(t, http.MethodPost, "/payments/prepare", "", gin.H{"orderId": orderID})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "pay_0196ae8c58566f4a044a7d", resp["data"].(map[string]interface{})["payment_key"])

	env.portone.pay(orderID, 32000)
	require.Equal(t, http.StatusOK, env.webhook(t, []byte(`{"type":"Transaction.Paid","data":{"paymentId":"`+orderID+`"}}`)))

	code, resp = env.call(t, http.MethodGet, "/payments/status/"+orderID, "", nil)
	require.Equal(t, http.StatusOK, code)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, models.PaymentStatusCompleted, data["status"])
	assert.NotNil(t, data["bid_id"])

	code, resp = env.call(t, http.MethodPost, "/payments/cancel", "", gin.H{"orderId": orderID, "reason": "changed my mind"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp["data"].(map[string]interface{})["remote_cancelled"])
	assert.Equal(t, []string{"pay_0196ae8c58566f4a044a7d"}, env.portone.cancels)

	// gateway echoes the cancellation back
	require.Equal(t, http.StatusOK, env.webhook(t, []byte(`{"type":"Transaction.Cancelled","data":{"paymentId":"`+orderID+`"}}`)))

	code, _ = env.call(t, http.MethodGet, "/admin/payments/metrics", buyer, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp = env.call(t, http.MethodGet, "/admin/payments/metrics", admin, nil)
	require.Equal(t, http.StatusOK, code)
	metrics := resp["data"].(map[string]interface{})
	assert.EqualValues(t, 1, metrics["cancellations"])
	assert.EqualValues(t, 0, metrics["remote_cancel_failures"])
}

func TestManualCorrectionIsAdminOnly(t *testing.T) {
	env := setupIntegration(t)
	require.NoError(t, env.db.Create(&models.Order{
		OrderID: "ord_legacy",
		Price:   decimal.NewFromInt(100),
		Status:  models.OrderStatusCreated,
	}).Error)
	code, _ := env.call(t, http.MethodPost, "/payments/prepare", "", gin.H{"orderId": "ord_legacy"})
	require.Equal(t, http.StatusCreated, code)

	code, _ = env.call(t, http.MethodPost, "/payments/reconcile", "", gin.H{"orderId": "ord_legacy"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = env.call(t, http.MethodPost, "/payments/reconcile", token(t, 5, "buyer"), gin.H{"orderId": "ord_legacy"})
	assert.Equal(t, http.StatusForbidden, code)

	code, resp := env.call(t, http.MethodPost, "/payments/reconcile", token(t, 1, "admin"), gin.H{"orderId": "ord_legacy", "paymentId": "ord_legacy"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, services.NormalizePaymentID("ord_legacy"), resp["data"].(map[string]interface{})["payment_key"])

	code, _ = env.call(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestWebhookRejectsUnsigned(t *testing.T) {
	env := setupIntegration(t)

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(`{"type":"Transaction.Paid","data":{"paymentId":"ord_1"}}`))
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
