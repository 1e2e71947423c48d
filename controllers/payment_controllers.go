package controllers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/plant-market/services"
	"github.com/yeremiapane/plant-market/utils"
)

const maxWebhookBody = 1 << 20

type PaymentController struct {
	store      services.PaymentStore
	reconciler *services.ReconcileService
	canceller  *services.CancelService
	webhooks   *services.WebhookService
	monitor    *services.PaymentMonitor
}

func NewPaymentController(store services.PaymentStore, reconciler *services.ReconcileService, canceller *services.CancelService, webhooks *services.WebhookService, monitor *services.PaymentMonitor) *PaymentController {
	return &PaymentController{
		store:      store,
		reconciler: reconciler,
		canceller:  canceller,
		webhooks:   webhooks,
		monitor:    monitor,
	}
}

type orderRequest struct {
	OrderID string `json:"orderId" binding:"required"`
}

type cancelRequest struct {
	OrderID string `json:"orderId" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

type correctionRequest struct {
	OrderID   string `json:"orderId" binding:"required"`
	PaymentID string `json:"paymentId"`
}

// SyncPayment -> reconcile an order against the gateway
func (pc *PaymentController) SyncPayment(c *gin.Context) {
	var body orderRequest
	if !bindOrderRequest(c, &body, &body.OrderID) {
		return
	}

	payment, err := pc.reconciler.Reconcile(c.Request.Context(), body.OrderID)
	if err != nil {
		respondPaymentError(c, body.OrderID, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Payment synchronized", payment)
}

// GetPaymentByOrder -> local payment, reconciling first when there is none
func (pc *PaymentController) GetPaymentByOrder(c *gin.Context) {
	orderID := strings.TrimSpace(c.Param("orderId"))
	if orderID == "" {
		utils.RespondError(c, http.StatusBadRequest, "orderId is required")
		return
	}

	payment, err := pc.reconciler.Reconcile(c.Request.Context(), orderID)
	if err != nil {
		respondPaymentError(c, orderID, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Payment detail", payment)
}

// GetPaymentStatus -> local payment row only, never calls the gateway
func (pc *PaymentController) GetPaymentStatus(c *gin.Context) {
	orderID := strings.TrimSpace(c.Param("orderId"))

	payment, err := pc.store.GetPaymentByOrderID(c.Request.Context(), orderID)
	if err != nil {
		respondPaymentError(c, orderID, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Payment status", payment)
}

func (pc *PaymentController) CancelPayment(c *gin.Context) {
	var body cancelRequest
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.OrderID) == "" || strings.TrimSpace(body.Reason) == "" {
		utils.RespondError(c, http.StatusBadRequest, "orderId and reason are required")
		return
	}
	body.OrderID = strings.TrimSpace(body.OrderID)
	c.Set("order_id", body.OrderID)

	outcome, err := pc.canceller.Cancel(c.Request.Context(), body.OrderID, body.Reason)
	if err != nil {
		respondPaymentError(c, body.OrderID, err)
		return
	}

	message := "Payment cancelled"
	if !outcome.RemoteCancelled {
		message = "Payment cancelled; the payment provider will be reconciled later"
	}
	utils.RespondJSON(c, http.StatusOK, message, outcome)
}

// ReconcilePaymentKey -> manual correction of a stored payment key
func (pc *PaymentController) ReconcilePaymentKey(c *gin.Context) {
	var body correctionRequest
	if !bindOrderRequest(c, &body, &body.OrderID) {
		return
	}

	fix, err := pc.reconciler.CorrectPaymentKey(c.Request.Context(), body.OrderID, body.PaymentID)
	if err != nil {
		respondPaymentError(c, body.OrderID, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Payment key corrected", fix)
}

// PreparePayment -> placeholder payment written at checkout
func (pc *PaymentController) PreparePayment(c *gin.Context) {
	var body orderRequest
	if !bindOrderRequest(c, &body, &body.OrderID) {
		return
	}

	payment, created, err := pc.reconciler.PreparePayment(c.Request.Context(), body.OrderID)
	if err != nil {
		respondPaymentError(c, body.OrderID, err)
		return
	}
	if created {
		utils.RespondJSON(c, http.StatusCreated, "Payment prepared", payment)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Payment already exists", payment)
}

func (pc *PaymentController) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		utils.RespondError(c, http.StatusBadRequest, "Unreadable body")
		return
	}

	result, err := pc.webhooks.Handle(c.Request.Context(), c.Request.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidSignature):
			utils.InfoLogger.WithError(err).WithField("client", c.ClientIP()).Warn("webhook rejected")
			utils.RespondError(c, http.StatusUnauthorized, "Invalid signature")
		case errors.Is(err, services.ErrInvalidWebhook):
			utils.RespondError(c, http.StatusBadRequest, "Invalid webhook payload")
		default:
			respondPaymentError(c, "", err)
		}
		return
	}
	c.Set("order_id", result.OrderID)
	utils.RespondJSON(c, http.StatusOK, "Webhook processed", result)
}

func (pc *PaymentController) GetMetrics(c *gin.Context) {
	utils.RespondJSON(c, http.StatusOK, "Payment metrics", pc.monitor.GetMetrics())
}

func bindOrderRequest(c *gin.Context, body interface{}, orderID *string) bool {
	if err := c.ShouldBindJSON(body); err != nil || strings.TrimSpace(*orderID) == "" {
		utils.RespondError(c, http.StatusBadRequest, "orderId is required")
		return false
	}
	*orderID = strings.TrimSpace(*orderID)
	c.Set("order_id", *orderID)
	return true
}

// paymentErrorStatus maps service errors to a status and a message that is
// safe to show to customers.
func paymentErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrAlreadyCancelled):
		return http.StatusBadRequest, "Payment is already cancelled"
	case errors.Is(err, services.ErrPaymentNotFound):
		return http.StatusNotFound, "Payment not found yet, please try again shortly"
	case errors.Is(err, services.ErrOrderNotFound):
		return http.StatusNotFound, "Order not found"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "Payment check timed out, please try again"
	default:
		return http.StatusInternalServerError, "Something went wrong, please try again later"
	}
}

func respondPaymentError(c *gin.Context, orderID string, err error) {
	code, message := paymentErrorStatus(err)
	entry := utils.ErrorLogger.WithFields(logrus.Fields{
		"order_id": orderID,
		"status":   code,
	}).WithError(err)
	if code >= http.StatusInternalServerError {
		entry.Error("payment request failed")
	} else {
		entry.Warn("payment request rejected")
	}
	utils.RespondError(c, code, message)
}
