package middlewares

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/plant-market/utils"
)

// PaymentSecurityHeaders keeps payment responses out of shared caches.
func PaymentSecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// LogPaymentRequest logs payment calls with the order id they touched.
func LogPaymentRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		orderID := c.Param("orderId")
		if orderID == "" {
			orderID = c.GetString("order_id")
		}
		fields := logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}
		if orderID != "" {
			fields["order_id"] = orderID
		}

		if c.Writer.Status() >= 500 {
			utils.ErrorLogger.WithFields(fields).Error("payment request failed")
			return
		}
		utils.InfoLogger.WithFields(fields).Info("payment request")
	}
}
