package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"settlement-backend/internal/clients"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/services"
)

// context keys set by the auth middleware
const (
	ContextUserID = "user_id"
	ContextClaims = "claims"
)

// respondWithError unified error response
func respondWithError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

func respondOK(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, gin.H{
		"success": true,
		"data":    data,
	})
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{repository.ErrInsufficientFunds, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"},
	{repository.ErrAccountDisabled, http.StatusForbidden, "ACCOUNT_DISABLED"},
	{repository.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
	{repository.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{repository.ErrStaleState, http.StatusConflict, "INVALID_STATE"},
	{repository.ErrDuplicate, http.StatusConflict, "DUPLICATE"},
	{services.ErrWithdrawalNotFound, http.StatusNotFound, "WITHDRAWAL_NOT_FOUND"},
	{services.ErrWithdrawalState, http.StatusConflict, "INVALID_STATE"},
	{services.ErrSendOutcomePending, http.StatusConflict, "SEND_PENDING"},
	{services.ErrInvalidCredential, http.StatusForbidden, "INVALID_CREDENTIAL"},
	{services.ErrInvalidAddress, http.StatusBadRequest, "INVALID_ADDRESS"},
	{services.ErrInvalidStake, http.StatusBadRequest, "INVALID_STAKE"},
	{services.ErrInvalidChoice, http.StatusBadRequest, "INVALID_CHOICE"},
	{services.ErrInvalidMode, http.StatusBadRequest, "INVALID_MODE"},
	{services.ErrUnsupportedAsset, http.StatusBadRequest, "UNSUPPORTED_ASSET"},
	{services.ErrSweepRunning, http.StatusConflict, "SWEEP_RUNNING"},
	{services.ErrQueueStopped, http.StatusServiceUnavailable, "QUEUE_STOPPED"},
	{services.ErrIndexAllocationExhausted, http.StatusServiceUnavailable, "ALLOCATION_EXHAUSTED"},
	{services.ErrNoEnergyProvider, http.StatusServiceUnavailable, "NO_ENERGY_PROVIDER"},
	{services.ErrCustodyNotReady, http.StatusServiceUnavailable, "CUSTODY_NOT_READY"},
	{clients.ErrResourceExhausted, http.StatusServiceUnavailable, "RESOURCE_EXHAUSTED"},
}

// respondWithServiceError maps domain sentinels onto HTTP status codes.
// Anything unmapped is logged and reported as an internal error.
func respondWithServiceError(c *gin.Context, log *logrus.Entry, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			respondWithError(c, m.status, m.code, err.Error())
			return
		}
	}
	log.WithFields(logrus.Fields{
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
		"error":  err.Error(),
	}).Error("❌ request failed")
	respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}

// userID caller identity set by the auth middleware.
func userID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok && id != 0
}

func claims(c *gin.Context) *Claims {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return nil
	}
	cl, _ := v.(*Claims)
	return cl
}

// requireUser aborts with 401 when the request carries no identity.
func requireUser(c *gin.Context) (uint64, bool) {
	id, ok := userID(c)
	if !ok {
		respondWithError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
	}
	return id, ok
}
