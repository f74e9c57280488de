package settlement

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sappystick/SpatialMesh-AR-sub001/internal/fee"
)

// Constants for transaction submission
const (
	// GasBufferPercent is added on top of the raw gas estimate
	GasBufferPercent = 20
	// UnderpricedBumpPercent is applied to the gas price when a node rejects
	// a transaction as underpriced
	UnderpricedBumpPercent = 120

	// nativeDecimals is the number of decimals of the native token of every
	// supported network
	nativeDecimals = 18
)

// Metadata keys written by the engine
const (
	MetaReplaces       = "replaces"
	MetaResubmitReason = "resubmit_reason"
	MetaChainPaymentID = "chain_payment_id"
	MetaFailureCode    = "failure_code"
	MetaFailureReason  = "failure_reason"
)

// Network is a supported ledger network
type Network int

const (
	NetworkUnknown Network = iota
	Ethereum
	Sepolia
	Polygon
	Arbitrum
	Base
)

// AllNetworks lists every supported network
var AllNetworks = []Network{Ethereum, Sepolia, Polygon, Arbitrum, Base}

func (n Network) String() string {
	switch n {
	case Ethereum:
		return "ethereum"
	case Sepolia:
		return "sepolia"
	case Polygon:
		return "polygon"
	case Arbitrum:
		return "arbitrum"
	case Base:
		return "base"
	default:
		return "unknown"
	}
}

// ChainID returns the EIP-155 chain id of the network
func (n Network) ChainID() uint64 {
	switch n {
	case Ethereum:
		return 1
	case Sepolia:
		return 11155111
	case Polygon:
		return 137
	case Arbitrum:
		return 42161
	case Base:
		return 8453
	default:
		return 0
	}
}

// DefaultConfirmations is the number of blocks that must be mined on top of
// a payment's block before it is considered final on this network
func (n Network) DefaultConfirmations() uint64 {
	switch n {
	case Ethereum:
		return 12
	case Sepolia:
		return 3
	case Polygon:
		return 64
	case Arbitrum:
		return 20
	case Base:
		return 10
	default:
		return 0
	}
}

// Valid reports whether n is a supported network
func (n Network) Valid() bool {
	return n.ChainID() != 0
}

// ParseNetwork parses a network name as used in configuration
func ParseNetwork(s string) (Network, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, n := range AllNetworks {
		if n.String() == name {
			return n, nil
		}
	}
	return NetworkUnknown, fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
}

// Status is the lifecycle state of a payment
type Status int

const (
	StatusNotFound Status = iota
	StatusPending
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "notFound"
	}
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Priority controls how aggressively a payment is priced
type Priority = fee.Priority

const (
	PriorityLow    = fee.PriorityLow
	PriorityMedium = fee.PriorityMedium
	PriorityHigh   = fee.PriorityHigh
	PriorityUrgent = fee.PriorityUrgent
)

// ParsePriority parses a priority name, empty meaning medium
func ParsePriority(s string) (Priority, error) {
	return fee.ParsePriority(strings.ToLower(strings.TrimSpace(s)))
}

// Payment is one value transfer tracked by the engine. Values handed out by
// the engine are snapshots; mutating them has no effect on the ledger.
type Payment struct {
	ID     string
	UserID string
	// Amount is in native token units (ether, matic, ...)
	Amount  decimal.Decimal
	Network Network
	Sender  common.Address

	// TxHash is nil until the transaction was accepted by the network
	TxHash   *common.Hash
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	Priority Priority
	// SupersededTxs are earlier transactions of the same network and nonce
	// that this payment's transaction replaces. At most one of them and
	// TxHash can be mined.
	SupersededTxs []common.Hash

	Status     Status
	RetryCount int
	CreatedAt  time.Time
	Metadata   map[string]string

	// consecutive polls in which the transaction was absent from the mempool
	missingPolls int
}

// Clone returns a deep copy of p
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	cp := *p
	if p.TxHash != nil {
		h := *p.TxHash
		cp.TxHash = &h
	}
	if p.GasPrice != nil {
		cp.GasPrice = new(big.Int).Set(p.GasPrice)
	}
	if p.SupersededTxs != nil {
		cp.SupersededTxs = append([]common.Hash(nil), p.SupersededTxs...)
	}
	cp.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// PaymentRequest is the input of Engine.CreatePaymentRequest
type PaymentRequest struct {
	UserID   string
	Amount   decimal.Decimal
	Priority Priority
	Metadata map[string]string
	// IdempotencyKey makes retried requests return the original payment id
	IdempotencyKey string
}

// WithdrawalRequest is the input of Engine.Withdraw
type WithdrawalRequest struct {
	UserID    string
	Recipient common.Address
	Amount    decimal.Decimal
}

// ToWei converts a native token amount to wei. Amounts with more precision
// than the token supports are rejected rather than rounded.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s is not positive", ErrInvalidAmount, amount)
	}
	wei := amount.Shift(nativeDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, amount, nativeDecimals)
	}
	return wei.BigInt(), nil
}

// FromWei converts wei to native token units
func FromWei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -nativeDecimals)
}
