package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/plant-market/controllers"
	"github.com/yeremiapane/plant-market/hub"
	"github.com/yeremiapane/plant-market/middlewares"
)

type Options struct {
	Payments   *controllers.PaymentController
	Hub        *hub.Hub
	Limiter    middlewares.Limiter
	JWTSecret  []byte
	CORSOrigin string
}

func SetupRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.CORSMiddlewares(opts.CORSOrigin))
	r.Use(middlewares.LoggerMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	pc := opts.Payments

	// gateway callbacks are authenticated by signature, not by token
	r.POST("/payments/webhook", middlewares.PaymentSecurityHeaders(), middlewares.LogPaymentRequest(), pc.HandleWebhook)

	payments := r.Group("/payments")
	payments.Use(middlewares.PaymentSecurityHeaders())
	if opts.Limiter != nil {
		payments.Use(middlewares.RateLimit(opts.Limiter))
	}
	payments.Use(middlewares.LogPaymentRequest())
	{
		payments.POST("/sync", pc.SyncPayment)
		payments.POST("/prepare", pc.PreparePayment)
		payments.POST("/cancel", pc.CancelPayment)
		payments.GET("/order/:orderId", pc.GetPaymentByOrder)
		payments.GET("/status/:orderId", pc.GetPaymentStatus)
	}

	adminOnly := []gin.HandlerFunc{middlewares.AuthMiddleware(opts.JWTSecret), middlewares.RoleCheck("admin")}

	// manual key correction rewrites stored payments
	payments.POST("/reconcile", append(adminOnly, pc.ReconcilePaymentKey)...)

	admin := r.Group("/admin")
	admin.Use(adminOnly...)
	{
		admin.GET("/payments/metrics", pc.GetMetrics)
		admin.GET("/payments/events", controllers.PaymentEventsHandler(opts.Hub))
	}

	return r
}
