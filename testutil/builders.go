package testutil

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ============================================================
// Transaction Builders
// ============================================================

// NewLegacyTx creates an unsigned legacy transaction for testing
func NewLegacyTx(nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, data []byte) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})
}

// NewSignedLegacyTx creates a legacy transaction signed by key for chainID
func NewSignedLegacyTx(t testing.TB, key *ecdsa.PrivateKey, chainID *big.Int, nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, data []byte) *types.Transaction {
	t.Helper()
	tx, err := types.SignTx(NewLegacyTx(nonce, to, value, gasLimit, gasPrice, data), types.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("couldn't sign test transaction: %v", err)
	}
	return tx
}

// ============================================================
// Receipt Builders
// ============================================================

// NewReceipt creates a test receipt for a transaction with a specific status
func NewReceipt(tx *types.Transaction, status uint64) *types.Receipt {
	return &types.Receipt{
		Status:            status,
		TxHash:            tx.Hash(),
		BlockNumber:       big.NewInt(12345678),
		BlockHash:         common.HexToHash("0xabcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890"),
		TransactionIndex:  0,
		GasUsed:           tx.Gas(),
		CumulativeGasUsed: tx.Gas(),
	}
}

// NewReceiptInBlock creates a receipt mined in blockNumber
func NewReceiptInBlock(tx *types.Transaction, status uint64, blockNumber uint64, logs ...*types.Log) *types.Receipt {
	receipt := NewReceipt(tx, status)
	receipt.BlockNumber = new(big.Int).SetUint64(blockNumber)
	receipt.Logs = logs
	return receipt
}

// ============================================================
// Header Builders
// ============================================================

// NewHeader creates a block header whose gas used is utilisationPercent of
// a 30M gas limit
func NewHeader(number uint64, utilisationPercent uint64) *types.Header {
	const gasLimit = 30_000_000
	return &types.Header{
		Number:   new(big.Int).SetUint64(number),
		GasLimit: gasLimit,
		GasUsed:  gasLimit * utilisationPercent / 100,
	}
}
