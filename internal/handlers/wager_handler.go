package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-backend/internal/models"
	"settlement-backend/internal/services"
)

// settleWait how long a request waits for its wager to settle before
// answering 202 with the pending wager.
const settleWait = 30 * time.Second

type WagerHandler struct {
	queue *services.SettlementQueue
	log   *logrus.Entry
}

func NewWagerHandler(queue *services.SettlementQueue, log *logrus.Logger) *WagerHandler {
	return &WagerHandler{queue: queue, log: log.WithField("handler", "wager")}
}

type PlaceWagerRequest struct {
	Mode   models.GameMode    `json:"mode"`
	Choice models.WagerChoice `json:"choice" binding:"required"`
	Amount decimal.Decimal    `json:"amount"`
}

// PlaceWagerHandler debit, trigger and settle one wager
// POST /api/v1/wagers
func (h *WagerHandler) PlaceWagerHandler(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req PlaceWagerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.Mode == "" {
		req.Mode = models.GameModeClassic
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), settleWait)
	defer cancel()

	w, err := h.queue.PlaceWager(ctx, services.WagerRequest{
		UserID: uid,
		Mode:   req.Mode,
		Choice: req.Choice,
		Amount: req.Amount,
	})
	if err != nil && w != nil && w.ID != 0 && pendingOutcome(err) {
		// debited and recorded; recovery finishes it
		h.log.WithError(err).WithField("wager_id", w.PublicID).Warn("wager accepted without settlement")
		respondOK(c, http.StatusAccepted, w)
		return
	}
	if err != nil {
		respondWithServiceError(c, h.log, err)
		return
	}
	respondOK(c, http.StatusOK, w)
}

func pendingOutcome(err error) bool {
	return errors.Is(err, services.ErrQueueStopped) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
