package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/plant-market/hub"
	"github.com/yeremiapane/plant-market/models"
	"github.com/yeremiapane/plant-market/utils"
)

// CancelOutcome is returned for every accepted cancellation, whether or not
// the gateway call went through.
type CancelOutcome struct {
	Payment          *models.Payment `json:"payment"`
	Order            *models.Order   `json:"order,omitempty"`
	GatewayPaymentID string          `json:"gateway_payment_id,omitempty"`
	RemoteCancelled  bool            `json:"remote_cancelled"`
	RemoteResult     *CancelResult   `json:"remote_result,omitempty"`
	RemoteErr        error           `json:"-"`
}

// CancelService cancels payments. The local state is authoritative: a failed
// gateway call is logged and the local rows are cancelled anyway.
type CancelService struct {
	store   PaymentStore
	gateway PaymentGateway
	monitor *PaymentMonitor
	events  EventBroadcaster
	now     func() time.Time
}

func NewCancelService(store PaymentStore, gateway PaymentGateway, monitor *PaymentMonitor, events EventBroadcaster) *CancelService {
	return &CancelService{
		store:   store,
		gateway: gateway,
		monitor: monitor,
		events:  events,
		now:     time.Now,
	}
}

// Cancel cancels the order's payment at the gateway and locally. It fails only
// with ErrPaymentNotFound or ErrAlreadyCancelled, or on a storage error.
func (s *CancelService) Cancel(ctx context.Context, orderID, reason string) (*CancelOutcome, error) {
	payment, err := s.store.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if payment.Status == models.PaymentStatusCancelled {
		return nil, ErrAlreadyCancelled
	}

	reason = cancelReason(reason)
	// the order id was fixed at checkout; the stored key may be stale
	gatewayID := NormalizePaymentID(orderID)

	log := utils.InfoLogger.WithFields(logrus.Fields{
		"order_id":      orderID,
		"payment_key":   payment.PaymentKey,
		"normalized_id": gatewayID,
	})
	log.Info("cancel: requesting gateway cancellation")

	outcome := &CancelOutcome{GatewayPaymentID: gatewayID}
	result, err := s.gateway.CancelPayment(ctx, CancelRequest{
		PaymentID: gatewayID,
		Reason:    reason,
	})
	if err != nil {
		outcome.RemoteErr = err
		entry := utils.ErrorLogger.WithFields(logrus.Fields{
			"order_id":      orderID,
			"normalized_id": gatewayID,
		})
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.StatusCode != 0 {
			entry = entry.WithFields(logrus.Fields{
				"upstream_status": gwErr.StatusCode,
				"upstream_body":   gwErr.Body,
			})
		}
		entry.WithError(err).Warn("cancel: gateway cancellation failed, cancelling locally")
	} else {
		outcome.RemoteCancelled = true
		outcome.RemoteResult = result
	}

	// local writes must not depend on the caller still waiting
	if err := s.cancelLocally(context.WithoutCancel(ctx), orderID, reason, outcome); err != nil {
		return nil, err
	}

	s.monitor.RecordCancel(!outcome.RemoteCancelled)
	if s.events != nil {
		s.events.BroadcastEvent(hub.EventPaymentCancelled, outcome)
		if !outcome.RemoteCancelled {
			s.events.BroadcastEvent(hub.EventPaymentCancelRemoteFailed, map[string]string{
				"order_id":           orderID,
				"gateway_payment_id": gatewayID,
			})
		}
	}
	log.WithField("remote_cancelled", outcome.RemoteCancelled).Info("cancel: payment cancelled")
	return outcome, nil
}

// CancelLocal records a cancellation that already happened at the gateway,
// for example one reported by webhook. No gateway call is made.
func (s *CancelService) CancelLocal(ctx context.Context, orderID, reason string) (*CancelOutcome, error) {
	outcome := &CancelOutcome{
		GatewayPaymentID: NormalizePaymentID(orderID),
		RemoteCancelled:  true,
	}
	if err := s.cancelLocally(ctx, orderID, cancelReason(reason), outcome); err != nil {
		return nil, err
	}

	s.monitor.RecordCancel(false)
	if s.events != nil {
		s.events.BroadcastEvent(hub.EventPaymentCancelled, outcome)
	}
	return outcome, nil
}

func (s *CancelService) cancelLocally(ctx context.Context, orderID, reason string, outcome *CancelOutcome) error {
	payment, err := s.store.CancelPaymentByOrderID(ctx, orderID, reason, s.now())
	if err != nil {
		return err
	}
	outcome.Payment = payment

	order, err := s.store.UpdateOrderStatusByOrderID(ctx, orderID, models.OrderStatusCancelled)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			utils.ErrorLogger.WithField("order_id", orderID).Warn("cancel: payment has no order row")
			return nil
		}
		return err
	}
	outcome.Order = order
	return nil
}

func cancelReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return DefaultCancelReason
	}
	return reason
}
