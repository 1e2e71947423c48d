package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/yeremiapane/plant-market/config"
	"github.com/yeremiapane/plant-market/models"
	"github.com/yeremiapane/plant-market/utils"
)

// DefaultCancelReason is sent when the caller gives no reason; the gateway
// rejects empty reasons.
const DefaultCancelReason = "Cancelled at customer request"

// ErrGatewayPaymentNotFound means the gateway answered but has no such payment.
var ErrGatewayPaymentNotFound = errors.New("payment not found at gateway")

// GatewayError is any transport or non-2xx failure talking to the gateway.
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("portone %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("portone %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("portone %s failed", e.Op)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// GatewayStatus is the payment status reported by the gateway.
type GatewayStatus string

const (
	GatewayStatusReady                GatewayStatus = "READY"
	GatewayStatusPayPending           GatewayStatus = "PAY_PENDING"
	GatewayStatusVirtualAccountIssued GatewayStatus = "VIRTUAL_ACCOUNT_ISSUED"
	GatewayStatusPaid                 GatewayStatus = "PAID"
	GatewayStatusDone                 GatewayStatus = "DONE"
	GatewayStatusFailed               GatewayStatus = "FAILED"
	GatewayStatusCancelled            GatewayStatus = "CANCELLED"
	GatewayStatusPartialCancelled     GatewayStatus = "PARTIAL_CANCELLED"
)

// IsPaid reports whether the status is a settled, terminal paid state.
// Unknown statuses are never treated as paid.
func (s GatewayStatus) IsPaid() bool {
	switch s {
	case GatewayStatusPaid, GatewayStatusDone:
		return true
	case GatewayStatusReady, GatewayStatusPayPending, GatewayStatusVirtualAccountIssued,
		GatewayStatusFailed, GatewayStatusCancelled, GatewayStatusPartialCancelled:
		return false
	default:
		return false
	}
}

// LocalStatus maps the gateway status onto the local payment lifecycle.
func (s GatewayStatus) LocalStatus() string {
	switch s {
	case GatewayStatusPaid, GatewayStatusDone:
		return models.PaymentStatusCompleted
	case GatewayStatusCancelled, GatewayStatusPartialCancelled:
		return models.PaymentStatusCancelled
	case GatewayStatusFailed:
		return models.PaymentStatusFailed
	default:
		return models.PaymentStatusReady
	}
}

// PaymentDetail is a gateway payment record.
type PaymentDetail struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	Status        GatewayStatus   `json:"status"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	ReceiptURL    string          `json:"receipt_url,omitempty"`
	MerchantID    string          `json:"merchant_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
}

// SearchCriteria filters a payment search. Zero values are left out of the query.
type SearchCriteria struct {
	OrderID   string
	Status    GatewayStatus
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	Limit     int
}

type CancelRequest struct {
	PaymentID  string
	Reason     string
	Amount     *decimal.Decimal
	TaxFree    *decimal.Decimal
	MerchantID string
}

type CancelResult struct {
	Status          string          `json:"status"`
	CancellationID  string          `json:"cancellation_id,omitempty"`
	CancelledAmount decimal.Decimal `json:"cancelled_amount"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	PaymentID       string          `json:"-"`
	IdempotencyKey  string          `json:"-"`
}

// PaymentGateway is what the reconcile and cancel flows need from the gateway.
type PaymentGateway interface {
	GetPayment(ctx context.Context, id string) (*PaymentDetail, error)
	SearchPayments(ctx context.Context, criteria SearchCriteria) ([]PaymentDetail, error)
	CancelPayment(ctx context.Context, req CancelRequest) (*CancelResult, error)
}

// PortOneService talks to the PortOne REST API. It never retries; retry
// policy belongs to the callers.
type PortOneService struct {
	config     config.PortOneConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewPortOneService creates a client with a per-call timeout taken from the
// config (10s when unset).
func NewPortOneService(cfg config.PortOneConfig) *PortOneService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PortOneService{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    newGatewayBreaker("portone"),
	}
}

func newGatewayBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// 4xx answers mean the gateway is up; only transport errors and
		// 5xx count against it.
		IsSuccessful: func(err error) bool {
			var gwErr *GatewayError
			if errors.As(err, &gwErr) && gwErr.StatusCode > 0 && gwErr.StatusCode < 500 {
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			utils.ErrorLogger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("gateway circuit breaker changed state")
		},
	})
}

// ValidateConfig validates PortOne configuration
func (ps *PortOneService) ValidateConfig() error {
	if ps.config.APIURL == "" {
		return fmt.Errorf("PORTONE_API_URL is not set")
	}
	if ps.config.APISecret == "" {
		return fmt.Errorf("PORTONE_API_SECRET is not set")
	}
	return nil
}

// GetPayment fetches a payment by canonical id. Anything that does not look
// canonical is treated as a merchant order number and resolved through the
// search endpoint instead, returning the first match.
func (ps *PortOneService) GetPayment(ctx context.Context, id string) (*PaymentDetail, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty id", ErrGatewayPaymentNotFound)
	}

	if !IsCanonicalPaymentID(id) {
		utils.InfoLogger.WithField("order_id", id).Info("getPayment: non-canonical id, searching by order id")
		results, err := ps.SearchPayments(ctx, SearchCriteria{OrderID: id, Limit: 10})
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return nil, fmt.Errorf("%w: order %s", ErrGatewayPaymentNotFound, id)
		}
		return &results[0], nil
	}

	var detail PaymentDetail
	err := ps.doJSON(ctx, "getPayment", http.MethodGet, "/payments/"+url.PathEscape(id), nil, nil, "", &detail)
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrGatewayPaymentNotFound, id)
		}
		return nil, err
	}
	if detail.ID == "" {
		detail.ID = id
	}
	return &detail, nil
}

// SearchPayments lists gateway payments matching the criteria.
func (ps *PortOneService) SearchPayments(ctx context.Context, criteria SearchCriteria) ([]PaymentDetail, error) {
	query := url.Values{}
	if criteria.OrderID != "" {
		query.Set("orderId", criteria.OrderID)
	}
	if criteria.Status != "" {
		query.Set("status", string(criteria.Status))
	}
	if criteria.StartDate != nil {
		query.Set("startDate", criteria.StartDate.UTC().Format(time.RFC3339))
	}
	if criteria.EndDate != nil {
		query.Set("endDate", criteria.EndDate.UTC().Format(time.RFC3339))
	}
	if criteria.Page > 0 {
		query.Set("page", strconv.Itoa(criteria.Page))
	}
	if criteria.Limit > 0 {
		query.Set("limit", strconv.Itoa(criteria.Limit))
	}

	var resp struct {
		Payments []PaymentDetail `json:"payments"`
	}
	if err := ps.doJSON(ctx, "searchPayments", http.MethodGet, "/payments", query, nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Payments, nil
}

// CancelPayment cancels a payment. The id is normalized unconditionally and
// every call carries a fresh idempotency key.
func (ps *PortOneService) CancelPayment(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	paymentID := NormalizePaymentID(req.PaymentID)
	if paymentID != req.PaymentID {
		utils.InfoLogger.WithFields(logrus.Fields{
			"raw_id":        req.PaymentID,
			"normalized_id": paymentID,
		}).Info("cancelPayment: normalized payment id")
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = DefaultCancelReason
	}

	body := map[string]interface{}{
		"reason": reason,
	}
	if req.Amount != nil {
		body["amount"] = json.Number(req.Amount.String())
	}
	if req.TaxFree != nil {
		body["taxFree"] = json.Number(req.TaxFree.String())
	}

	query := url.Values{}
	storeID := req.MerchantID
	if storeID == "" {
		storeID = ps.config.StoreID
	}
	if storeID != "" {
		query.Set("storeId", storeID)
	}

	idempotencyKey := uuid.NewString()

	var result CancelResult
	path := "/payments/" + url.PathEscape(paymentID) + "/cancel"
	if err := ps.doJSON(ctx, "cancelPayment", http.MethodPost, path, query, body, idempotencyKey, &result); err != nil {
		return nil, err
	}
	result.PaymentID = paymentID
	result.IdempotencyKey = idempotencyKey
	return &result, nil
}

func (ps *PortOneService) doJSON(ctx context.Context, op, method, path string, query url.Values, body interface{}, idempotencyKey string, out interface{}) error {
	endpoint := strings.TrimRight(ps.config.APIURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return &GatewayError{Op: op, Err: fmt.Errorf("error marshaling request: %w", err)}
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &GatewayError{Op: op, Err: fmt.Errorf("error creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "PortOne "+ps.config.APISecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	raw, err := ps.breaker.Execute(func() (interface{}, error) {
		resp, err := ps.httpClient.Do(req)
		if err != nil {
			return nil, &GatewayError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("error reading response: %w", err)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		return respBody, nil
	})
	if err != nil {
		var gwErr *GatewayError
		if !errors.As(err, &gwErr) {
			// open or half-open breaker rejecting the call
			err = &GatewayError{Op: op, Err: err}
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw.([]byte), out); err != nil {
		return &GatewayError{Op: op, Err: fmt.Errorf("error unmarshaling response: %w", err)}
	}
	return nil
}
