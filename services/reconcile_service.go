package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/yeremiapane/plant-market/config"
	"github.com/yeremiapane/plant-market/hub"
	"github.com/yeremiapane/plant-market/models"
	"github.com/yeremiapane/plant-market/utils"
)

// EventBroadcaster receives payment events for operator consoles.
type EventBroadcaster interface {
	BroadcastEvent(event string, data interface{})
}

// KeyCorrection is the result of a manual payment key fix.
type KeyCorrection struct {
	OrderID     string          `json:"order_id"`
	PreviousKey string          `json:"previous_key"`
	PaymentKey  string          `json:"payment_key"`
	Payment     *models.Payment `json:"payment"`
}

// ReconcileService matches local orders to gateway-confirmed payments.
type ReconcileService struct {
	store     PaymentStore
	gateway   PaymentGateway
	config    config.ReconcileConfig
	policy    RetryPolicy
	resolvers []BidResolver
	monitor   *PaymentMonitor
	events    EventBroadcaster
	flights   singleflight.Group
	now       func() time.Time

	mu      sync.Mutex
	waiters map[string]*flight
}

// flight is the context a shared search runs on. It outlives any single
// caller and is cancelled once every caller waiting on it has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

const defaultReconcileTimeout = 2 * time.Minute

func NewReconcileService(store PaymentStore, gateway PaymentGateway, cfg config.ReconcileConfig, monitor *PaymentMonitor, events EventBroadcaster) *ReconcileService {
	if cfg.FallbackWindow <= 0 {
		cfg.FallbackWindow = 24 * time.Hour
	}
	if cfg.FallbackLimit <= 0 {
		cfg.FallbackLimit = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultReconcileTimeout
	}
	return &ReconcileService{
		store:     store,
		gateway:   gateway,
		config:    cfg,
		policy:    LinearBackoff(cfg.MaxAttempts, cfg.BaseDelay),
		resolvers: AttributionChain(store, cfg.SentinelBidID),
		monitor:   monitor,
		events:    events,
		now:       time.Now,
		waiters:   make(map[string]*flight),
	}
}

// Reconcile returns the confirmed payment for orderID, searching the gateway
// when no trusted local row exists. A row in any status other than READY is
// returned as is without touching the network. Concurrent calls for the same
// order share one search. A caller whose ctx ends gets ctx.Err() back while
// the search carries on for the callers still waiting.
func (s *ReconcileService) Reconcile(ctx context.Context, orderID string) (*models.Payment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: empty order id", ErrOrderNotFound)
	}

	f := s.join(ctx, orderID)
	defer s.leave(orderID, f)

	ch := s.flights.DoChan(orderID, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(f.ctx, s.config.Timeout)
		defer cancel()
		return s.reconcile(runCtx, orderID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			utils.InfoLogger.WithField("order_id", orderID).Debug("reconcile: joined in-flight search")
		}
		payment := *res.Val.(*models.Payment)
		return &payment, nil
	}
}

func (s *ReconcileService) join(ctx context.Context, orderID string) *flight {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.waiters[orderID]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		s.waiters[orderID] = f
	}
	f.waiters++
	return f
}

func (s *ReconcileService) leave(orderID string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if s.waiters[orderID] == f {
		delete(s.waiters, orderID)
		// a caller arriving now must not join the search being cancelled
		s.flights.Forget(orderID)
	}
}

func (s *ReconcileService) reconcile(ctx context.Context, orderID string) (payment *models.Payment, err error) {
	start := s.now()
	fromNetwork := false
	defer func() {
		s.monitor.RecordReconcile(err, s.now().Sub(start), fromNetwork)
	}()

	existing, err := s.store.GetPaymentByOrderID(ctx, orderID)
	switch {
	case err == nil && !existing.IsPlaceholder():
		return existing, nil
	case err != nil && !errors.Is(err, ErrPaymentNotFound):
		return nil, err
	case err != nil:
		existing = nil
	}

	order, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	fromNetwork = true
	searchID := order.GatewayPaymentID()
	if searchID == "" {
		searchID = orderID
	}

	log := utils.InfoLogger.WithFields(logrus.Fields{
		"order_id":  orderID,
		"search_id": searchID,
	})
	if existing != nil {
		log = log.WithField("placeholder_key", existing.PaymentKey)
	}
	log.Info("reconcile: searching gateway")

	detail, err := s.findGatewayPayment(ctx, order, searchID)
	if err != nil {
		return nil, err
	}

	// the gateway has confirmed the payment; record it even if the callers left
	writeCtx := context.WithoutCancel(ctx)
	bidID := ResolveBid(writeCtx, s.resolvers, order)
	payment, err = s.persist(writeCtx, order, existing, detail, bidID)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"payment_key": payment.PaymentKey,
		"gateway_id":  detail.ID,
	}).Info("reconcile: payment confirmed")
	if s.events != nil {
		s.events.BroadcastEvent(hub.EventPaymentReconciled, payment)
	}
	return payment, nil
}

// findGatewayPayment runs direct lookup, bounded search and the recent
// window scan in order. Strategy failures are logged and fall through; only
// context cancellation or total exhaustion is returned.
func (s *ReconcileService) findGatewayPayment(ctx context.Context, order *models.Order, searchID string) (*PaymentDetail, error) {
	found := func(d *PaymentDetail) bool { return d != nil }

	if IsCanonicalPaymentID(searchID) {
		detail, err := Retry(ctx, Once(), func(ctx context.Context, _ int) (*PaymentDetail, error) {
			return s.directLookup(ctx, order, searchID)
		}, found)
		if err == nil {
			return detail, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logStrategyMiss(order, searchID, "direct", err)
	}

	detail, err := Retry(ctx, s.policy, func(ctx context.Context, attempt int) (*PaymentDetail, error) {
		return s.searchAttempt(ctx, order, searchID, attempt)
	}, found)
	if err == nil {
		return detail, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	s.logStrategyMiss(order, searchID, "search", err)

	detail, err = Retry(ctx, Once(), func(ctx context.Context, _ int) (*PaymentDetail, error) {
		return s.recentWindowScan(ctx, order, searchID)
	}, found)
	if err == nil {
		return detail, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	s.logStrategyMiss(order, searchID, "fallback", err)

	return nil, fmt.Errorf("%w: order %s", ErrPaymentNotFound, order.OrderID)
}

func (s *ReconcileService) directLookup(ctx context.Context, order *models.Order, searchID string) (*PaymentDetail, error) {
	detail, err := s.gateway.GetPayment(ctx, searchID)
	if err != nil {
		return nil, err
	}
	if err := validateCandidate(detail, order, searchID); err != nil {
		s.discard(order, detail, "direct", err)
		return nil, nil
	}
	return detail, nil
}

// searchAttempt is one round of the bounded search: search by the search id
// and the raw order id in parallel, pick a candidate, confirm it.
func (s *ReconcileService) searchAttempt(ctx context.Context, order *models.Order, searchID string, attempt int) (*PaymentDetail, error) {
	ids := []string{searchID}
	if order.OrderID != searchID {
		ids = append(ids, order.OrderID)
	}

	results := make([][]PaymentDetail, len(ids))
	errs := make([]error, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i], errs[i] = s.gateway.SearchPayments(ctx, SearchCriteria{OrderID: id})
			return nil
		})
	}
	g.Wait()

	var merged []PaymentDetail
	seen := make(map[string]bool)
	failed := 0
	for i := range ids {
		if errs[i] != nil {
			failed++
			continue
		}
		for _, d := range results[i] {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			merged = append(merged, d)
		}
	}
	if failed == len(ids) {
		return nil, errors.Join(errs...)
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"order_id": order.OrderID,
		"attempt":  attempt,
		"results":  len(merged),
	}).Info("reconcile: search attempt")

	if len(merged) == 0 {
		return nil, nil
	}

	candidate := merged[0]
	for _, d := range merged {
		if orderIDMatches(d.OrderID, order, searchID) {
			candidate = d
			break
		}
	}

	confirmed, err := s.gateway.GetPayment(ctx, candidate.ID)
	if err != nil {
		return nil, err
	}
	if !orderIDMatches(confirmed.OrderID, order, searchID) {
		s.discard(order, confirmed, "search", fmt.Errorf("%w: confirmation returned order %q", ErrValidationMismatch, confirmed.OrderID))
		return nil, nil
	}
	if err := validateCandidate(confirmed, order, searchID); err != nil {
		s.discard(order, confirmed, "search", err)
		return nil, nil
	}
	if confirmed.ReceiptURL == "" {
		confirmed.ReceiptURL = candidate.ReceiptURL
	}
	return confirmed, nil
}

// recentWindowScan lists the last FallbackWindow of payments and keeps the
// first exact order id match that validates.
func (s *ReconcileService) recentWindowScan(ctx context.Context, order *models.Order, searchID string) (*PaymentDetail, error) {
	end := s.now()
	start := end.Add(-s.config.FallbackWindow)
	results, err := s.gateway.SearchPayments(ctx, SearchCriteria{
		StartDate: &start,
		EndDate:   &end,
		Limit:     s.config.FallbackLimit,
	})
	if err != nil {
		return nil, err
	}

	for i := range results {
		d := &results[i]
		if !orderIDMatches(d.OrderID, order, searchID) {
			continue
		}
		if err := validateCandidate(d, order, searchID); err != nil {
			s.discard(order, d, "fallback", err)
			continue
		}
		return d, nil
	}
	return nil, nil
}

func (s *ReconcileService) persist(ctx context.Context, order *models.Order, existing *models.Payment, detail *PaymentDetail, bidID *uint) (*models.Payment, error) {
	approvedAt := s.now()
	if detail.PaidAt != nil {
		approvedAt = *detail.PaidAt
	}
	paymentKey := NormalizePaymentID(detail.ID)

	if existing == nil {
		payment := &models.Payment{
			OrderID:    order.OrderID,
			UserID:     order.BuyerID,
			BidID:      bidID,
			Amount:     detail.TotalAmount,
			PaymentKey: paymentKey,
			Status:     detail.Status.LocalStatus(),
			MerchantID: detail.MerchantID,
			ReceiptURL: detail.ReceiptURL,
			ApprovedAt: &approvedAt,
		}
		created, err := s.store.CreatePayment(ctx, payment)
		if err != nil {
			return nil, err
		}
		if created {
			return payment, nil
		}

		// lost the insert race; take whatever the winner wrote
		existing, err = s.store.GetPaymentByOrderID(ctx, order.OrderID)
		if err != nil {
			return nil, err
		}
		if !existing.IsPlaceholder() {
			return existing, nil
		}
	}

	return s.store.UpdatePayment(ctx, existing.ID, map[string]interface{}{
		"user_id":     order.BuyerID,
		"bid_id":      bidID,
		"amount":      detail.TotalAmount,
		"payment_key": paymentKey,
		"status":      detail.Status.LocalStatus(),
		"merchant_id": detail.MerchantID,
		"receipt_url": detail.ReceiptURL,
		"approved_at": approvedAt,
	})
}

// PreparePayment writes the READY placeholder for a freshly created order.
// An existing row is returned untouched.
func (s *ReconcileService) PreparePayment(ctx context.Context, orderID string) (*models.Payment, bool, error) {
	order, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.store.GetPaymentByOrderID(ctx, orderID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return nil, false, err
	}

	payment := &models.Payment{
		OrderID:    order.OrderID,
		UserID:     order.BuyerID,
		Amount:     order.Price,
		PaymentKey: NormalizePaymentID(order.OrderID),
		Status:     models.PaymentStatusReady,
	}
	created, err := s.store.CreatePayment(ctx, payment)
	if err != nil {
		return nil, false, err
	}
	if !created {
		payment, err = s.store.GetPaymentByOrderID(ctx, orderID)
		if err != nil {
			return nil, false, err
		}
	}
	return payment, created, nil
}

// CorrectPaymentKey re-normalizes rawPaymentID (the order id when empty) and
// stores it as the payment key.
func (s *ReconcileService) CorrectPaymentKey(ctx context.Context, orderID, rawPaymentID string) (*KeyCorrection, error) {
	payment, err := s.store.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(rawPaymentID)
	if raw == "" {
		raw = orderID
	}
	corrected := NormalizePaymentID(raw)

	utils.InfoLogger.WithFields(logrus.Fields{
		"order_id":      orderID,
		"raw_id":        raw,
		"previous_key":  payment.PaymentKey,
		"normalized_id": corrected,
	}).Info("correcting payment key")

	updated := payment
	if corrected != payment.PaymentKey {
		updated, err = s.store.UpdatePayment(ctx, payment.ID, map[string]interface{}{"payment_key": corrected})
		if err != nil {
			return nil, err
		}
	}

	return &KeyCorrection{
		OrderID:     orderID,
		PreviousKey: payment.PaymentKey,
		PaymentKey:  corrected,
		Payment:     updated,
	}, nil
}

func (s *ReconcileService) discard(order *models.Order, detail *PaymentDetail, strategy string, reason error) {
	s.monitor.RecordDiscard()
	utils.InfoLogger.WithFields(logrus.Fields{
		"order_id":         order.OrderID,
		"strategy":         strategy,
		"gateway_id":       detail.ID,
		"gateway_order_id": detail.OrderID,
		"gateway_status":   detail.Status,
		"gateway_amount":   detail.TotalAmount.String(),
		"expected_amount":  order.Price.String(),
	}).WithError(reason).Warn("reconcile: discarding gateway candidate")
}

func (s *ReconcileService) logStrategyMiss(order *models.Order, searchID, strategy string, err error) {
	entry := utils.ErrorLogger.WithFields(logrus.Fields{
		"order_id":  order.OrderID,
		"search_id": searchID,
		"strategy":  strategy,
	})
	var gwErr *GatewayError
	if errors.As(err, &gwErr) && gwErr.StatusCode != 0 {
		entry = entry.WithField("upstream_status", gwErr.StatusCode)
	}
	entry.WithError(err).Warn("reconcile: strategy found no payment")
}

// validateCandidate checks amount, order id and paid status.
func validateCandidate(detail *PaymentDetail, order *models.Order, searchID string) error {
	if !orderIDMatches(detail.OrderID, order, searchID) {
		return fmt.Errorf("%w: order id %q", ErrValidationMismatch, detail.OrderID)
	}
	if !detail.TotalAmount.Equal(order.Price) {
		return fmt.Errorf("%w: amount %s, expected %s", ErrValidationMismatch, detail.TotalAmount, order.Price)
	}
	if !detail.Status.IsPaid() {
		return fmt.Errorf("%w: status %s", ErrValidationMismatch, detail.Status)
	}
	return nil
}

func orderIDMatches(gatewayOrderID string, order *models.Order, searchID string) bool {
	return gatewayOrderID != "" && (gatewayOrderID == order.OrderID || gatewayOrderID == searchID)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrOrderNotFound)
}
