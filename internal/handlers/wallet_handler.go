package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-backend/internal/models"
	"settlement-backend/internal/services"
)

// WalletHandler deposit wallets and balances
type WalletHandler struct {
	wallets *services.WalletService
	log     *logrus.Entry
}

func NewWalletHandler(wallets *services.WalletService, log *logrus.Logger) *WalletHandler {
	return &WalletHandler{wallets: wallets, log: log.WithField("handler", "wallet")}
}

type ProvisionRequest struct {
	UserID uint64 `json:"user_id" binding:"required"`
}

type WalletResponse struct {
	UserID      uint64                     `json:"user_id"`
	TronAddress string                     `json:"tron_address"`
	EVMAddress  string                     `json:"evm_address"`
	Balances    map[string]decimal.Decimal `json:"balances,omitempty"`
}

func walletResponse(w *models.UserWallet, accounts []models.LedgerAccount) WalletResponse {
	resp := WalletResponse{
		UserID:      w.UserID,
		TronAddress: w.TronAddress,
		EVMAddress:  w.EVMAddress,
	}
	if len(accounts) > 0 {
		resp.Balances = make(map[string]decimal.Decimal, len(accounts))
		for _, a := range accounts {
			resp.Balances[a.Asset] = a.Balance
		}
	}
	return resp
}

// ProvisionHandler signup hook
// POST /api/v1/wallets
func (h *WalletHandler) ProvisionHandler(c *gin.Context) {
	var req ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	w, err := h.wallets.Provision(c.Request.Context(), req.UserID)
	if err != nil {
		respondWithServiceError(c, h.log, err)
		return
	}
	respondOK(c, http.StatusCreated, walletResponse(w, nil))
}

// GetWalletHandler addresses and balances of the caller
// GET /api/v1/wallet
func (h *WalletHandler) GetWalletHandler(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}

	w, accounts, err := h.wallets.Overview(c.Request.Context(), uid)
	if err != nil {
		respondWithServiceError(c, h.log, err)
		return
	}
	respondOK(c, http.StatusOK, walletResponse(w, accounts))
}
