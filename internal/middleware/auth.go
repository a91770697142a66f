package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"settlement-backend/internal/config"
	"settlement-backend/internal/handlers"
)

// AuthMiddleware JWT
type AuthMiddleware struct {
	cfg    *config.Store
	logger *logrus.Logger
}

// NewAuthMiddleware the secret is read from cfg on every request so a
// config reload rotates it.
func NewAuthMiddleware(cfg *config.Store, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		cfg:    cfg,
		logger: logger,
	}
}

func abortUnauthorized(c *gin.Context, message, code string) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   message,
		"code":    code,
	})
	c.Abort()
}

// RequireAuth JWT
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		fields := logrus.Fields{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			a.logger.WithFields(fields).Warn("JWT auth failed - missing Authorization header")
			abortUnauthorized(c, "Authentication required", "MISSING_AUTH_HEADER")
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			a.logger.WithFields(fields).Warn("JWT auth failed - invalid Authorization format")
			abortUnauthorized(c, "Authorization header must be in format: Bearer <token>", "INVALID_AUTH_FORMAT")
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if tokenString == "" {
			a.logger.WithFields(fields).Warn("JWT auth failed - empty token")
			abortUnauthorized(c, "Token cannot be empty", "EMPTY_TOKEN")
			return
		}

		claims, err := handlers.ValidateJWTToken(a.cfg.Get().Auth, tokenString)
		if err != nil {
			fields["error"] = err.Error()
			a.logger.WithFields(fields).Warn("JWT auth failed - token verification failed")
			abortUnauthorized(c, "Invalid or expired token", "INVALID_TOKEN")
			return
		}

		c.Set(handlers.ContextUserID, claims.UserID)
		c.Set(handlers.ContextClaims, claims)

		fields["user_id"] = claims.UserID
		a.logger.WithFields(fields).Debug("JWT auth success")
		c.Next()
	}
}

// RequireAdmin must run after RequireAuth.
func (a *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, _ := c.Get(handlers.ContextClaims)
		claims, ok := v.(*handlers.Claims)
		if !ok || !claims.IsAdmin() {
			a.logger.WithFields(logrus.Fields{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			}).Warn("Admin auth failed - insufficient role")

			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "Admin role required",
				"code":    "FORBIDDEN",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
