package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"settlement-backend/internal/config"
)

// placeholder hash compared against when the username is unknown, so both
// paths cost one bcrypt comparison
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("operator-placeholder"), bcrypt.DefaultCost)

// AdminAuthHandler operator login. Operators are listed in admin.operators
// and receive an admin-role token for the reviewer endpoints.
type AdminAuthHandler struct {
	cfg *config.Store
	log *logrus.Entry
}

func NewAdminAuthHandler(cfg *config.Store, log *logrus.Logger) *AdminAuthHandler {
	return &AdminAuthHandler{cfg: cfg, log: log.WithField("handler", "admin_auth")}
}

// AdminLoginRequest totp_code is required when the operator has a secret
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code"`
}

type AdminLoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

func findOperator(ops []config.OperatorConfig, username string) *config.OperatorConfig {
	for i := range ops {
		if subtle.ConstantTimeCompare([]byte(ops[i].Username), []byte(username)) == 1 {
			return &ops[i]
		}
	}
	return nil
}

// AdminLoginHandler
// POST /admin/login
func (h *AdminAuthHandler) AdminLoginHandler(c *gin.Context) {
	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	cfg := h.cfg.Get()
	op := findOperator(cfg.Admin.Operators, req.Username)

	hash := dummyHash
	if op != nil {
		hash = []byte(op.PasswordHash)
	}
	passwordOK := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) == nil
	if op == nil || !passwordOK {
		h.log.WithFields(logrus.Fields{
			"username":  req.Username,
			"client_ip": c.ClientIP(),
		}).Warn("⚠️ Admin login failed")
		respondWithError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials")
		return
	}
	if op.TOTPSecret != "" && !totp.Validate(req.TOTPCode, op.TOTPSecret) {
		h.log.WithField("username", req.Username).Warn("⚠️ Admin login failed - invalid TOTP code")
		respondWithError(c, http.StatusUnauthorized, "INVALID_TOTP", "Invalid TOTP code")
		return
	}

	token, err := GenerateJWTToken(cfg.Auth, op.ID, RoleAdmin, cfg.Admin.TokenTTL)
	if err != nil {
		h.log.WithError(err).Error("❌ Failed to generate admin token")
		respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate token")
		return
	}

	h.log.WithFields(logrus.Fields{
		"username":    op.Username,
		"operator_id": op.ID,
	}).Info("🔐 Admin logged in")
	respondOK(c, http.StatusOK, AdminLoginResponse{
		Token:     token,
		ExpiresIn: int64(cfg.Admin.TokenTTL.Seconds()),
	})
}
