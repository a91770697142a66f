package router

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"settlement-backend/internal/app"
	"settlement-backend/internal/config"
	"settlement-backend/internal/handlers"
	"settlement-backend/internal/middleware"
)

// corsMiddleware CORS from the cors config section; no origins means any origin.
func corsMiddleware(cfg *config.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		cc := cfg.Get().CORS
		origin := c.GetHeader("Origin")

		if len(cc.AllowedOrigins) == 0 {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := false
			for _, o := range cc.AllowedOrigins {
				if strings.TrimSpace(o) == origin {
					allowed = true
					break
				}
			}
			if allowed {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			} else {
				logrus.WithFields(logrus.Fields{
					"request_origin": origin,
					"path":           c.Request.URL.Path,
					"method":         c.Request.Method,
				}).Warn("🚫 CORS: Origin not in whitelist")
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept")
		if cc.AllowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Max-Age", strconv.Itoa(cc.MaxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger access log through logrus
func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/health" {
			return
		}
		log.WithFields(logrus.Fields{
			"path":      c.Request.URL.Path,
			"method":    c.Request.Method,
			"status":    c.Writer.Status(),
			"client_ip": c.ClientIP(),
		}).Debug("request")
	}
}

// SetupRouter builds the HTTP surface over the container's services.
func SetupRouter(sc *app.ServiceContainer) *gin.Engine {
	log := sc.Logger
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log), corsMiddleware(sc.Config))

	localhostOnly := middleware.NewLocalhostOnly(sc.Config, log)
	auth := middleware.NewAuthMiddleware(sc.Config, log)

	health := handlers.NewHealthHandler(sc.DB)
	wallet := handlers.NewWalletHandler(sc.WalletService, log)
	wager := handlers.NewWagerHandler(sc.SettlementQueue, log)
	withdrawal := handlers.NewWithdrawalHandler(sc.PayoutEngine, sc.WithdrawalRepo, log)
	admin := handlers.NewAdminHandler(sc.PayoutEngine, sc.WithdrawalRepo, sc.SweepEngine, sc.CustodyMonitor, sc.Config, log)
	adminAuth := handlers.NewAdminAuthHandler(sc.Config, log)

	// ============ Health / metrics ============
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/health", health.HealthCheckHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ============ User API ============
	v1 := r.Group("/api/v1")
	{
		// signup hook from the account service
		v1.POST("/wallets", localhostOnly.Restrict(), wallet.ProvisionHandler)

		user := v1.Group("", auth.RequireAuth())
		user.GET("/wallet", wallet.GetWalletHandler)
		user.POST("/wagers", wager.PlaceWagerHandler)
		user.POST("/withdrawals", withdrawal.CreateWithdrawalHandler)
		user.GET("/withdrawals", withdrawal.ListWithdrawalsHandler)
	}

	// ============ Admin API ============
	adminGroup := r.Group("/admin", localhostOnly.Restrict())
	{
		adminGroup.POST("/login", adminAuth.AdminLoginHandler)
		adminGroup.POST("/config/reload", admin.ReloadConfigHandler)

		reviewed := adminGroup.Group("", auth.RequireAuth(), auth.RequireAdmin())
		reviewed.GET("/withdrawals", admin.ListWithdrawalsHandler)
		reviewed.POST("/withdrawals/:id/approve", admin.ApproveWithdrawalHandler)
		reviewed.POST("/withdrawals/:id/reject", admin.RejectWithdrawalHandler)
		reviewed.POST("/sweep", admin.TriggerSweepHandler)
		reviewed.GET("/custody", admin.CustodyHandler)
	}

	// ============ Event stream ============
	r.GET("/ws/events", sc.EventHub.HandleWebSocket)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Endpoint not found",
			"code":    "NOT_FOUND",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}
