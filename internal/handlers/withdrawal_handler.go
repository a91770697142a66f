package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-backend/internal/repository"
	"settlement-backend/internal/services"
)

const maxListLimit = 100

type WithdrawalHandler struct {
	payouts     *services.PayoutEngine
	withdrawals repository.WithdrawalRepository
	log         *logrus.Entry
}

func NewWithdrawalHandler(payouts *services.PayoutEngine, withdrawals repository.WithdrawalRepository, log *logrus.Logger) *WithdrawalHandler {
	return &WithdrawalHandler{
		payouts:     payouts,
		withdrawals: withdrawals,
		log:         log.WithField("handler", "withdrawal"),
	}
}

type CreateWithdrawalRequest struct {
	Address  string          `json:"address" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Password string          `json:"password"`
	OTP      string          `json:"otp"`
}

// CreateWithdrawalHandler debit and queue a payout
// POST /api/v1/withdrawals
func (h *WithdrawalHandler) CreateWithdrawalHandler(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req CreateWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	w, err := h.payouts.RequestPayout(c.Request.Context(), services.PayoutRequest{
		UserID:   uid,
		Amount:   req.Amount,
		Address:  req.Address,
		Password: req.Password,
		OTP:      req.OTP,
	})
	if err != nil {
		respondWithServiceError(c, h.log, err)
		return
	}
	respondOK(c, http.StatusCreated, w)
}

// ListWithdrawalsHandler caller's recent withdrawals
// GET /api/v1/withdrawals?limit=20
func (h *WithdrawalHandler) ListWithdrawalsHandler(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > maxListLimit {
		respondWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 100")
		return
	}

	ws, err := h.withdrawals.ListByUser(c.Request.Context(), uid, limit)
	if err != nil {
		respondWithServiceError(c, h.log, err)
		return
	}
	respondOK(c, http.StatusOK, ws)
}
