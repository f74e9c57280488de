package settlement

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Settlement errors
var (
	ErrInsufficientBalance         = fmt.Errorf("insufficient balance for transfer")
	ErrInsufficientBalanceForFee   = fmt.Errorf("insufficient balance for transfer plus network fee")
	ErrNetworkUnavailable          = fmt.Errorf("network unavailable")
	ErrContractVerification        = fmt.Errorf("contract verification failed")
	ErrTransactionSubmissionFailed = fmt.Errorf("transaction submission failed")
	ErrTransactionReverted         = fmt.Errorf("transaction reverted on chain")
	ErrPaymentMismatch             = fmt.Errorf("on-chain transaction does not match recorded payment")
	ErrTimeout                     = fmt.Errorf("call exceeded its deadline")
	ErrGasPriceTooHigh             = fmt.Errorf("gas price would exceed the configured ceiling")
	ErrResubmissionLimit           = fmt.Errorf("resubmission limit reached")
)

// Request and lifecycle errors
var (
	ErrInvalidAmount     = fmt.Errorf("amount must be a positive native token amount")
	ErrInvalidUserID     = fmt.Errorf("user id cannot be empty")
	ErrInvalidRecipient  = fmt.Errorf("recipient cannot be the zero address")
	ErrUnknownNetwork    = fmt.Errorf("unknown network")
	ErrDuplicatePayment  = fmt.Errorf("duplicate payment")
	ErrPaymentNotFound   = fmt.Errorf("payment not found")
	ErrEngineNotStarted  = fmt.Errorf("engine not started")
	ErrEngineClosed      = fmt.Errorf("engine closed")
	ErrInvalidConfig     = fmt.Errorf("invalid settlement config")
	ErrSignerAddressDiff = fmt.Errorf("signed transaction sender differs from signer address")
)

// ErrorCode maps err to a stable machine-readable code
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientBalanceForFee):
		return "insufficient_balance_for_fee"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidUserID):
		return "invalid_user_id"
	case errors.Is(err, ErrInvalidRecipient):
		return "invalid_recipient"
	case errors.Is(err, ErrUnknownNetwork):
		return "unknown_network"
	case errors.Is(err, ErrDuplicatePayment):
		return "duplicate_payment"
	case errors.Is(err, ErrPaymentNotFound):
		return "payment_not_found"
	case errors.Is(err, ErrPaymentMismatch):
		return "payment_mismatch"
	case errors.Is(err, ErrTransactionReverted):
		return "transaction_reverted"
	case errors.Is(err, ErrGasPriceTooHigh):
		return "gas_price_too_high"
	case errors.Is(err, ErrResubmissionLimit):
		return "resubmission_limit"
	case errors.Is(err, ErrContractVerification):
		return "contract_verification_failed"
	case errors.Is(err, ErrTransactionSubmissionFailed):
		return "transaction_submission_failed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNetworkUnavailable):
		return "network_unavailable"
	case errors.Is(err, ErrEngineNotStarted):
		return "engine_not_started"
	case errors.Is(err, ErrEngineClosed):
		return "engine_closed"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	default:
		return "internal"
	}
}

// rpcError tags a failed read call so callers can tell a deadline from an
// unreachable network
func rpcError(op string, err error) error {
	if isTimeout(err) {
		return errors.Join(ErrTimeout, fmt.Errorf("%s: %w", op, err))
	}
	return errors.Join(ErrNetworkUnavailable, fmt.Errorf("%s: %w", op, err))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// broadcastErrorKind classifies a SendTransaction failure
type broadcastErrorKind int

const (
	broadcastRejected broadcastErrorKind = iota
	broadcastNonceTooLow
	broadcastUnderpriced
	broadcastConnectionRefused
	broadcastTimeout
	// the node already holds this exact transaction
	broadcastKnown
)

func (k broadcastErrorKind) String() string {
	switch k {
	case broadcastNonceTooLow:
		return "nonce_too_low"
	case broadcastUnderpriced:
		return "underpriced"
	case broadcastConnectionRefused:
		return "connection_refused"
	case broadcastTimeout:
		return "timeout"
	case broadcastKnown:
		return "known"
	default:
		return "rejected"
	}
}

// transient reports whether a broadcast failing this way may be retried
func (k broadcastErrorKind) transient() bool {
	return k != broadcastRejected && k != broadcastKnown
}

// classifyBroadcastError maps node error messages to retry classes. Nodes
// return these as JSON-RPC error strings, so matching is textual.
func classifyBroadcastError(err error) broadcastErrorKind {
	if err == nil {
		return broadcastRejected
	}
	if isTimeout(err) {
		return broadcastTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return broadcastConnectionRefused
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return broadcastKnown
	case strings.Contains(msg, "nonce too low"):
		return broadcastNonceTooLow
	case strings.Contains(msg, "underpriced"):
		return broadcastUnderpriced
	case strings.Contains(msg, "connection refused"):
		return broadcastConnectionRefused
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline exceeded"):
		return broadcastTimeout
	default:
		return broadcastRejected
	}
}
