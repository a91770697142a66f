package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"settlement-backend/internal/config"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/services"
)

// AdminHandler reviewer and operator endpoints. Mounted behind the IP
// allow-list and the admin role check.
type AdminHandler struct {
	payouts     *services.PayoutEngine
	withdrawals repository.WithdrawalRepository
	sweep       *services.SweepEngine
	custody     *services.CustodyMonitor
	cfg         *config.Store
	log         *logrus.Entry
}

func NewAdminHandler(
	payouts *services.PayoutEngine,
	withdrawals repository.WithdrawalRepository,
	sweep *services.SweepEngine,
	custody *services.CustodyMonitor,
	cfg *config.Store,
	log *logrus.Logger,
) *AdminHandler {
	return &AdminHandler{
		payouts:     payouts,
		withdrawals: withdrawals,
		sweep:       sweep,
		custody:     custody,
		cfg:         cfg,
		log:         log.WithField("handler", "admin"),
	}
}

// reviewer id of the admin making the call
func reviewer(c *gin.Context) uint64 {
	if cl := claims(c); cl != nil {
		return cl.UserID
	}
	return 0
}

func withdrawalID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid withdrawal id")
		return 0, false
	}
	return id, true
}

// ListWithdrawalsHandler review queue
// GET /admin/withdrawals?status=pending
func (h *AdminHandler) ListWithdrawalsHandler(c *gin.Context) {
	status := models.WithdrawalStatus(c.DefaultQuery("status", string(models.WithdrawalStatusPending)))
	switch status {
	case models.WithdrawalStatusPending, models.WithdrawalStatusProcessing,
		models.WithdrawalStatusCompleted, models.WithdrawalStatusRejected:
	default:
		respondWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "unknown status")
		return
	}

	ws, err := h.withdrawals.ListByStatus(c.Request.Context(), status, maxListLimit)
	if err != nil {
		respondWithServiceError(c, h.log, err)
		return
	}
	respondOK(c, http.StatusOK, ws)
}

// ApproveWithdrawalHandler
// POST /admin/withdrawals/:id/approve
func (h *AdminHandler) ApproveWithdrawalHandler(c *gin.Context) {
	id, ok := withdrawalID(c)
	if !ok {
		return
	}
	w, err := h.payouts.Approve(c.Request.Context(), id, reviewer(c))
	if err != nil {
		respondWithServiceError(c, h.log, err)
		return
	}
	h.log.WithFields(logrus.Fields{"withdrawal_id": id, "reviewer_id": reviewer(c)}).Info("✅ Withdrawal approved")
	respondOK(c, http.StatusOK, w)
}

type RejectWithdrawalRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RejectWithdrawalHandler refunds the debit
// POST /admin/withdrawals/:id/reject
func (h *AdminHandler) RejectWithdrawalHandler(c *gin.Context) {
	id, ok := withdrawalID(c)
	if !ok {
		return
	}
	var req RejectWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	w, err := h.payouts.Reject(c.Request.Context(), id, reviewer(c), req.Reason)
	if err != nil {
		respondWithServiceError(c, h.log, err)
		return
	}
	respondOK(c, http.StatusOK, w)
}

type SweepRequest struct {
	UserID uint64 `json:"user_id"`
}

// TriggerSweepHandler runs a sweep now, for every wallet or a single user.
// POST /admin/sweep
func (h *AdminHandler) TriggerSweepHandler(c *gin.Context) {
	var req SweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}
	// a half-finished sweep is not abandoned when the caller goes away
	ctx := context.WithoutCancel(c.Request.Context())

	if req.UserID != 0 {
		rec, err := h.sweep.SweepUser(ctx, req.UserID)
		if err != nil {
			respondWithServiceError(c, h.log, err)
			return
		}
		respondOK(c, http.StatusOK, rec)
		return
	}

	report, err := h.sweep.Run(ctx)
	if err != nil {
		respondWithServiceError(c, h.log, err)
		return
	}
	respondOK(c, http.StatusOK, report)
}

// ReloadConfigHandler re-reads the config file; the old config stays on error.
// POST /admin/config/reload
func (h *AdminHandler) ReloadConfigHandler(c *gin.Context) {
	if err := h.cfg.Reload(); err != nil {
		h.log.WithError(err).Error("config reload failed")
		respondWithError(c, http.StatusUnprocessableEntity, "CONFIG_INVALID", err.Error())
		return
	}
	h.log.Info("🔄 Configuration reloaded")
	respondOK(c, http.StatusOK, gin.H{"reloaded": true})
}

// CustodyHandler latest custody balances, checked now if never sampled.
// GET /admin/custody
func (h *AdminHandler) CustodyHandler(c *gin.Context) {
	snap := h.custody.Last()
	if snap == nil {
		var err error
		if snap, err = h.custody.Check(c.Request.Context()); err != nil {
			respondWithServiceError(c, h.log, err)
			return
		}
	}
	respondOK(c, http.StatusOK, snap)
}
