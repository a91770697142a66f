package services

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredential        = errors.New("invalid funds credential")
	ErrInvalidAddress           = errors.New("invalid destination address")
	ErrIndexAllocationExhausted = errors.New("could not allocate a unique derivation index")
	ErrNoEnergyProvider         = errors.New("no energy provider with sufficient capacity")

	ErrInvalidStake  = errors.New("stake outside the allowed range")
	ErrInvalidChoice = errors.New("invalid wager choice")
	ErrInvalidMode   = errors.New("invalid game mode")
	ErrQueueStopped  = errors.New("settlement queue is not running")

	ErrSweepRunning       = errors.New("sweep already running")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrWithdrawalState    = errors.New("withdrawal is not in a state that allows this action")
	ErrCustodyNotReady    = errors.New("custody wallet not ready")
	ErrSendOutcomePending = errors.New("previous send not yet visible on-chain")
	ErrUnsupportedAsset   = errors.New("unsupported asset")
)

// NoProviderError returned by EnergyMarket.Lease when no provider can cover
// the request. Matches ErrNoEnergyProvider.
type NoProviderError struct {
	Requested     int64
	BestAvailable int64
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("%s: requested %d energy, best provider has %d",
		ErrNoEnergyProvider, e.Requested, e.BestAvailable)
}

func (e *NoProviderError) Is(target error) bool {
	return target == ErrNoEnergyProvider
}
