package httpapi

import (
	"context"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"fulfillment/internal/fulfillment"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/tenancy"

	"github.com/gin-gonic/gin"
)

const (
	HeaderTenantID       = "X-Tenant-ID"
	HeaderUserID         = "X-User-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// OrderService defines the behavior needed by the HTTP adapter.
type OrderService interface {
	CreateOrderIdempotent(ctx context.Context, req orders.CreateRequest, clientToken string) (saga.Outcome, error)
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
	GetSaga(ctx context.Context, orderID string) (*saga.State, error)
	ReplayOrderEvents(ctx context.Context, orderID string) (fulfillment.Job, error)
	ReplayByDateRange(ctx context.Context, start, end time.Time) (fulfillment.Job, error)
	ReplayByStatus(ctx context.Context, status orders.Status) (fulfillment.Job, error)
	RecoverMissingEvents(ctx context.Context, orderID string) (fulfillment.Job, error)
	InspectOrder(ctx context.Context, orderID string) ([]string, error)
	Job(ctx context.Context, id string) (fulfillment.Job, error)
}

// RouterOptions carries the optional endpoints mounted next to the API.
type RouterOptions struct {
	Metrics *observability.Metrics
	// Events serves the live order update stream when set.
	Events http.Handler
	Ready  func() bool
	Logf   func(format string, args ...any)
}

// NewRouter builds the HTTP API.
func NewRouter(svc OrderService, opts RouterOptions) *gin.Engine {
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	router := gin.New()
	router.Use(recovery(logf))
	router.Use(requestMetrics(opts.Metrics))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", gin.WrapH(observability.ReadyHandler(opts.Ready)))
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(observability.Handler(opts.Metrics)))
	}
	if opts.Events != nil {
		router.GET("/ws/events", gin.WrapH(opts.Events))
	}

	h := &handler{service: svc}
	v1 := router.Group("/v1", requireCaller())
	{
		ordersGroup := v1.Group("/orders")
		ordersGroup.POST("", h.createOrder)
		ordersGroup.GET("/:id", h.getOrder)
		ordersGroup.GET("/:id/saga", h.getSaga)
		ordersGroup.GET("/:id/consistency", h.consistency)
		ordersGroup.POST("/:id/replay", h.replayOrder)
		ordersGroup.POST("/:id/recover", h.recoverEvents)

		replayGroup := v1.Group("/replay")
		replayGroup.POST("/range", h.replayRange)
		replayGroup.POST("/status", h.replayStatus)
		replayGroup.GET("/jobs/:id", h.getJob)
	}
	return router
}

func recovery(logf func(format string, args ...any)) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logf("http: panic recovered: %v\n%s", err, debug.Stack())
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal server error"})
			}
		}()
		c.Next()
	}
}

func requestMetrics(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if metrics == nil || route == "" || !strings.HasPrefix(route, "/v1/") {
			c.Next()
			return
		}
		span := metrics.Start(c.Request.Method + " " + route)
		c.Next()
		var err error
		if c.Writer.Status() >= http.StatusInternalServerError {
			err = errServerFailure
		}
		span.End(err)
	}
}

// requireCaller attaches the tenant and user headers to the request context.
func requireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := tenancy.Caller{
			TenantID: strings.TrimSpace(c.GetHeader(HeaderTenantID)),
			UserID:   strings.TrimSpace(c.GetHeader(HeaderUserID)),
		}
		if err := caller.Validate(); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{
				Error:   "missing_caller",
				Message: HeaderTenantID + " and " + HeaderUserID + " headers are required",
			})
			return
		}
		c.Request = c.Request.WithContext(tenancy.WithCaller(c.Request.Context(), caller))
		c.Next()
	}
}
