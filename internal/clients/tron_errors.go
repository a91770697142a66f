package clients

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"strings"
)

var (
	// ErrResourceExhausted not enough energy/bandwidth and not enough TRX to burn for it
	ErrResourceExhausted = errors.New("account resource exhausted")
	// ErrTxNotFound transaction not (yet) known to the node
	ErrTxNotFound = errors.New("transaction not found")
	// ErrUnknownOutcome a broadcast timed out; the transaction may still land
	ErrUnknownOutcome = errors.New("broadcast outcome unknown")
	// ErrBroadcastRejected the node refused the transaction
	ErrBroadcastRejected = errors.New("broadcast rejected")
	ErrTxIDMismatch      = errors.New("node returned a transaction whose id does not match its raw data")
)

var resourceMarkers = []string{
	"BANDWITH_ERROR",
	"BANDWIDTH_ERROR",
	"OUT_OF_ENERGY",
	"account resource insufficient",
	"balance is not sufficient",
}

func isResourceMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range resourceMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// decodeNodeMessage node messages are usually hex encoded UTF-8.
func decodeNodeMessage(msg string) string {
	if raw, err := hex.DecodeString(msg); err == nil && len(raw) > 0 {
		return string(raw)
	}
	return msg
}

// isTimeout reports errors after which a request may or may not have been processed.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
