package routes

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"stock_tracker_backend/controllers"
	"stock_tracker_backend/middleware"
)

// Handlers groups everything the router needs
type Handlers struct {
	Subscriptions *controllers.SubscriptionController
	Assets        *controllers.AssetController
	Admin         *controllers.AdminController
	Realtime      *controllers.RealtimeController

	JWTSecret      string
	RateLimiter    *middleware.RateLimiter
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates the engine with logging, recovery and CORS middleware
func NewRouter(h Handlers) *gin.Engine {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     h.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	SetupRoutes(router, h)
	return router
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, h Handlers) {
	// Liveness probe
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	gatherer := h.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	auth := middleware.JWTAuthMiddleware(h.JWTSecret)

	if h.Realtime != nil {
		router.GET("/ws", auth, h.Realtime.Connect)
	}

	// API v1 group
	api := router.Group("/api/v1")
	{
		// Public catalog and price reads
		api.GET("/assets/:type", h.Assets.List)
		api.GET("/prices/:type/:id", h.Assets.GetPrice)
		api.GET("/prices/:type/:id/history", h.Assets.GetHistory)

		// Subscription routes
		subs := api.Group("/subscriptions", auth)
		if h.RateLimiter != nil {
			subs.Use(middleware.SubscriptionRateLimitMiddleware(h.RateLimiter))
		}
		{
			subs.GET("", h.Subscriptions.List)
			subs.POST("", h.Subscriptions.Create)
			subs.DELETE("/:type/:id", h.Subscriptions.Delete)
		}

		// Admin routes
		admin := api.Group("/admin", auth, middleware.AdminRoleMiddleware())
		{
			admin.POST("/tracking/:type/refresh", h.Admin.RefreshTracking)
			admin.GET("/tracking/metrics", h.Admin.TrackingMetrics)
			admin.POST("/assets", h.Admin.AddAsset)
			admin.DELETE("/users/:id/subscriptions", h.Admin.RemoveUserSubscriptions)
		}
	}
}
