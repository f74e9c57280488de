// Package contract encodes and decodes calls to the settlement contract
// deployed on each network.
package contract

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const settlementABI = `[
  {"type":"function","name":"createPayment","stateMutability":"payable",
   "inputs":[{"name":"userId","type":"string"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"paymentId","type":"string"}]},
  {"type":"function","name":"confirmPayment","stateMutability":"nonpayable",
   "inputs":[{"name":"paymentId","type":"string"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable",
   "inputs":[{"name":"userId","type":"string"},{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"supportsInterface","stateMutability":"view",
   "inputs":[{"name":"interfaceId","type":"bytes4"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"PaymentCreated","anonymous":false,
   "inputs":[{"name":"paymentId","type":"string","indexed":false},{"name":"userId","type":"string","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentConfirmed","anonymous":false,
   "inputs":[{"name":"paymentId","type":"string","indexed":false}]}
]`

const (
	MethodCreatePayment  = "createPayment"
	MethodConfirmPayment = "confirmPayment"
	MethodWithdraw       = "withdraw"

	EventPaymentCreated = "PaymentCreated"
)

var (
	ErrShortCallData    = fmt.Errorf("call data shorter than a method selector")
	ErrUnexpectedMethod = fmt.Errorf("call data targets an unexpected method")
)

// Settlement is the parsed settlement contract ABI
type Settlement struct {
	abi         abi.ABI
	interfaceID [4]byte
}

// New parses the settlement ABI
func New() (*Settlement, error) {
	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("couldn't parse settlement abi: %w", err)
	}

	s := &Settlement{abi: parsed}
	// ERC-165 style id: xor of the selectors the engine relies on
	for _, name := range []string{MethodCreatePayment, MethodConfirmPayment, MethodWithdraw} {
		id := parsed.Methods[name].ID
		for i := range s.interfaceID {
			s.interfaceID[i] ^= id[i]
		}
	}
	return s, nil
}

// MustNew is New that panics on error. The ABI is a compile-time constant.
func MustNew() *Settlement {
	s, err := New()
	if err != nil {
		panic(err)
	}
	return s
}

// ABI returns the parsed contract ABI
func (s *Settlement) ABI() abi.ABI {
	return s.abi
}

// InterfaceID is the capability id probed at startup
func (s *Settlement) InterfaceID() [4]byte {
	return s.interfaceID
}

func (s *Settlement) PackCreatePayment(userID string, amount *big.Int) ([]byte, error) {
	return s.abi.Pack(MethodCreatePayment, userID, amount)
}

func (s *Settlement) PackWithdraw(userID string, recipient common.Address, amount *big.Int) ([]byte, error) {
	return s.abi.Pack(MethodWithdraw, userID, recipient, amount)
}

// PackSupportsInterface encodes the capability probe call
func (s *Settlement) PackSupportsInterface() ([]byte, error) {
	return s.abi.Pack("supportsInterface", s.interfaceID)
}

// UnpackSupportsInterface decodes the capability probe result
func (s *Settlement) UnpackSupportsInterface(out []byte) (bool, error) {
	vals, err := s.abi.Unpack("supportsInterface", out)
	if err != nil {
		return false, err
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("unexpected supportsInterface result length %d", len(vals))
	}
	ok, isBool := vals[0].(bool)
	if !isBool {
		return false, fmt.Errorf("unexpected supportsInterface result type %T", vals[0])
	}
	return ok, nil
}

// CreatePaymentCall holds the decoded arguments of a createPayment call
type CreatePaymentCall struct {
	UserID string
	Amount *big.Int
}

// DecodeCreatePayment decodes transaction input data of a createPayment call
func (s *Settlement) DecodeCreatePayment(data []byte) (*CreatePaymentCall, error) {
	if len(data) < 4 {
		return nil, ErrShortCallData
	}
	method, err := s.abi.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	if method.Name != MethodCreatePayment {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMethod, method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("couldn't unpack createPayment args: %w", err)
	}
	userID, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected userId type %T", args[0])
	}
	amount, ok := args[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected amount type %T", args[1])
	}
	return &CreatePaymentCall{UserID: userID, Amount: amount}, nil
}

// PaymentCreated is the decoded PaymentCreated event
type PaymentCreated struct {
	PaymentID string
	UserID    string
	Amount    *big.Int
}

// FindPaymentCreated returns the first PaymentCreated event emitted by
// contractAddr in logs
func (s *Settlement) FindPaymentCreated(logs []*types.Log, contractAddr common.Address) (*PaymentCreated, bool, error) {
	ev := s.abi.Events[EventPaymentCreated]
	for _, l := range logs {
		if l == nil || l.Address != contractAddr || len(l.Topics) == 0 || l.Topics[0] != ev.ID {
			continue
		}
		vals, err := ev.Inputs.Unpack(l.Data)
		if err != nil {
			return nil, false, fmt.Errorf("couldn't unpack PaymentCreated: %w", err)
		}
		out := &PaymentCreated{}
		out.PaymentID, _ = vals[0].(string)
		out.UserID, _ = vals[1].(string)
		out.Amount, _ = vals[2].(*big.Int)
		return out, true, nil
	}
	return nil, false, nil
}

// PaymentCreatedLog builds a PaymentCreated log as the contract would emit it
func (s *Settlement) PaymentCreatedLog(contractAddr common.Address, paymentID, userID string, amount *big.Int) (*types.Log, error) {
	ev := s.abi.Events[EventPaymentCreated]
	data, err := ev.Inputs.Pack(paymentID, userID, amount)
	if err != nil {
		return nil, err
	}
	return &types.Log{
		Address: contractAddr,
		Topics:  []common.Hash{ev.ID},
		Data:    data,
	}, nil
}
