package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/plant-market/utils"
)

// Webhook event types
const (
	WebhookTransactionPaid             = "Transaction.Paid"
	WebhookTransactionCancelled        = "Transaction.Cancelled"
	WebhookTransactionPartialCancelled = "Transaction.PartialCancelled"
)

const (
	webhookTolerance    = 5 * time.Minute
	webhookCancelReason = "cancelled at gateway"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidWebhook   = errors.New("invalid webhook payload")
)

type WebhookEvent struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Data      WebhookData `json:"data"`
}

type WebhookData struct {
	PaymentID      string `json:"paymentId"`
	TransactionID  string `json:"transactionId,omitempty"`
	StoreID        string `json:"storeId,omitempty"`
	CancellationID string `json:"cancellationId,omitempty"`
}

// WebhookResult says what a delivery led to: reconciled, cancelled or ignored.
type WebhookResult struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id,omitempty"`
	Action  string `json:"action"`
}

// WebhookService verifies and dispatches gateway webhooks. The merchant
// payment id carried by the webhook is the local order id.
type WebhookService struct {
	secret     []byte
	reconciler *ReconcileService
	canceller  *CancelService
	now        func() time.Time
}

// NewWebhookService builds the handler. An empty secret turns signature
// checks off, which is only meant for local development.
func NewWebhookService(secret string, reconciler *ReconcileService, canceller *CancelService) *WebhookService {
	return &WebhookService{
		secret:     webhookKey(secret),
		reconciler: reconciler,
		canceller:  canceller,
		now:        time.Now,
	}
}

// webhookKey decodes "whsec_<base64>" secrets and uses anything else as raw
// bytes.
func webhookKey(secret string) []byte {
	if secret == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(secret, "whsec_"); ok {
		if key, err := base64.StdEncoding.DecodeString(rest); err == nil {
			return key
		}
	}
	return []byte(secret)
}

// VerifySignature checks Standard Webhooks headers: webhook-id,
// webhook-timestamp and webhook-signature ("v1,<base64>" entries separated
// by spaces).
func (w *WebhookService) VerifySignature(header http.Header, body []byte) error {
	if len(w.secret) == 0 {
		return nil
	}

	id := header.Get("webhook-id")
	ts := header.Get("webhook-timestamp")
	sigHeader := header.Get("webhook-signature")
	if id == "" || ts == "" || sigHeader == "" {
		return fmt.Errorf("%w: missing headers", ErrInvalidSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	sent := time.Unix(unix, 0)
	if d := w.now().Sub(sent); d > webhookTolerance || d < -webhookTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := SignWebhook(w.secret, id, ts, body)
	for _, entry := range strings.Fields(sigHeader) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignWebhook returns the base64 HMAC-SHA256 of "id.timestamp.body".
func SignWebhook(key []byte, id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + timestamp + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Handle verifies and dispatches one delivery. A paid event that still finds
// no gateway payment returns ErrPaymentNotFound so the gateway redelivers.
func (w *WebhookService) Handle(ctx context.Context, header http.Header, body []byte) (*WebhookResult, error) {
	if err := w.VerifySignature(header, body); err != nil {
		return nil, err
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidWebhook)
	}

	orderID := strings.TrimSpace(event.Data.PaymentID)
	result := &WebhookResult{Type: event.Type, OrderID: orderID, Action: "ignored"}

	log := utils.InfoLogger.WithFields(logrus.Fields{
		"type":           event.Type,
		"order_id":       orderID,
		"transaction_id": event.Data.TransactionID,
	})

	switch event.Type {
	case WebhookTransactionPaid:
		if orderID == "" {
			return nil, fmt.Errorf("%w: missing paymentId", ErrInvalidWebhook)
		}
		if _, err := w.reconciler.Reconcile(ctx, orderID); err != nil {
			return nil, err
		}
		result.Action = "reconciled"

	case WebhookTransactionCancelled, WebhookTransactionPartialCancelled:
		if orderID == "" {
			return nil, fmt.Errorf("%w: missing paymentId", ErrInvalidWebhook)
		}
		_, err := w.canceller.CancelLocal(ctx, orderID, webhookCancelReason)
		switch {
		case err == nil:
			result.Action = "cancelled"
		case errors.Is(err, ErrAlreadyCancelled), errors.Is(err, ErrPaymentNotFound):
			log.WithError(err).Info("webhook: nothing to cancel locally")
		default:
			return nil, err
		}
	}

	log.WithField("action", result.Action).Info("webhook handled")
	return result, nil
}
