package settlement

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sappystick/SpatialMesh-AR-sub001/internal/contract"
	"github.com/sappystick/SpatialMesh-AR-sub001/testutil"
)

func TestMonitor_ConfirmationThreshold(t *testing.T) {
	env := newTestEnv(t, nil)
	chain := env.chains[Ethereum]
	sub := env.engine.Subscribe(16)

	id := env.pay("user-1", "1")
	p := env.payment(id)
	receipt := chain.mine(*p.TxHash, types.ReceiptStatusSuccessful)
	require.NotNil(t, receipt)
	mined := receipt.BlockNumber.Uint64()

	// one block short of the 12 required on ethereum
	chain.setHead(mined + 11)
	env.sweep()
	assert.Equal(t, StatusPending, env.engine.CheckPayment(id))
	assert.Empty(t, eventsOfType(drain(sub), EventPaymentConfirmed))

	chain.setHead(mined + 12)
	env.sweep()
	assert.Equal(t, StatusConfirmed, env.engine.CheckPayment(id))
	assert.Equal(t, 0, env.engine.PendingCount())

	confirmed := eventsOfType(drain(sub), EventPaymentConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, id, confirmed[0].Payment.ID)
	assert.Equal(t, StatusConfirmed, confirmed[0].Payment.Status)

	final := env.payment(id)
	assert.Equal(t, "chain-"+receipt.BlockNumber.String(), final.Metadata[MetaChainPaymentID])
}

func TestMonitor_ConfirmedIsFinal(t *testing.T) {
	env := newTestEnv(t, nil)
	chain := env.chains[Ethereum]
	sub := env.engine.Subscribe(16)

	id := env.pay("user-1", "1")
	receipt := chain.mine(*env.payment(id).TxHash, types.ReceiptStatusSuccessful)
	chain.setHead(receipt.BlockNumber.Uint64() + 20)
	env.sweep()
	drain(sub)

	for i := 0; i < 3; i++ {
		assert.Equal(t, StatusConfirmed, env.engine.CheckPayment(id))
		env.sweep()
	}
	assert.Empty(t, drain(sub), "checking a final payment again must not emit events")
}

func TestMonitor_ConfirmationsPerNetworkOverride(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Confirmations = map[Network]uint64{Ethereum: 2}
	})
	chain := env.chains[Ethereum]

	id := env.pay("user-1", "1")
	receipt := chain.mine(*env.payment(id).TxHash, types.ReceiptStatusSuccessful)
	chain.setHead(receipt.BlockNumber.Uint64() + 2)
	env.sweep()
	assert.Equal(t, StatusConfirmed, env.engine.CheckPayment(id))
}

func TestMonitor_Reverted(t *testing.T) {
	env := newTestEnv(t, nil)
	chain := env.chains[Ethereum]
	sub := env.engine.Subscribe(16)

	id := env.pay("user-1", "1")
	receipt := chain.mine(*env.payment(id).TxHash, types.ReceiptStatusFailed)
	chain.setHead(receipt.BlockNumber.Uint64() + 12)
	env.sweep()

	assert.Equal(t, StatusFailed, env.engine.CheckPayment(id))
	failed := eventsOfType(drain(sub), EventPaymentFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Err, ErrTransactionReverted.Error())
	assert.Equal(t, "transaction_reverted", env.payment(id).Metadata[MetaFailureCode])
}

func TestMonitor_MismatchRaisesSecurityAlert(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		amount   *big.Int
		to       common.Address
		sameKey  bool
		mismatch string
	}{
		{"different user", "attacker", testutil.OneEth, testutil.TestContractAddr, true, "user_id"},
		{"different amount", "user-1", testutil.Eth(2), testutil.TestContractAddr, true, "value"},
		{"different contract", "user-1", testutil.OneEth, testutil.TestAddr3, true, "recipient"},
		{"different sender", "user-1", testutil.OneEth, testutil.TestContractAddr, false, "sender"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			chain := env.chains[Ethereum]
			sub := env.engine.Subscribe(16)

			id := env.pay("user-1", "1")
			p := env.payment(id)

			key := testutil.TestPrivateKey1
			if !tt.sameKey {
				other, err := crypto.GenerateKey()
				require.NoError(t, err)
				key = other
			}
			data, err := contract.MustNew().PackCreatePayment(tt.userID, tt.amount)
			require.NoError(t, err)
			forged := testutil.NewSignedLegacyTx(t, key, testutil.ChainIDMainnet, p.Nonce, tt.to, tt.amount, p.GasLimit, p.GasPrice, data)
			chain.mineAs(*p.TxHash, forged)
			chain.advance(12)

			env.sweep()

			assert.Equal(t, StatusFailed, env.engine.CheckPayment(id))
			final := env.payment(id)
			assert.Equal(t, "payment_mismatch", final.Metadata[MetaFailureCode])
			assert.Contains(t, final.Metadata[MetaFailureReason], tt.mismatch)

			events := drain(sub)
			alerts := eventsOfType(events, EventSecurityAlert)
			require.Len(t, alerts, 1)
			assert.Equal(t, id, alerts[0].Payment.ID)
			assert.Len(t, eventsOfType(events, EventPaymentFailed), 1)
			assert.Empty(t, eventsOfType(events, EventPaymentConfirmed))
		})
	}
}

func TestMonitor_StalledDroppedIsResubmitted(t *testing.T) {
	env := newTestEnv(t, nil)
	chain := env.chains[Ethereum]
	sub := env.engine.Subscribe(16)

	id := env.pay("user-1", "1")
	original := env.payment(id)
	drain(sub)

	chain.drop(*original.TxHash)
	env.clock.Advance(61 * time.Minute)
	env.sweep()

	events := eventsOfType(drain(sub), EventPaymentResubmitted)
	require.Len(t, events, 1)
	next := events[0].Payment
	assert.Equal(t, id, events[0].PreviousPaymentID)
	assert.NotEqual(t, id, next.ID)
	assert.Equal(t, id, next.Metadata[MetaReplaces])
	assert.Equal(t, ResubmitDropped, next.Metadata[MetaResubmitReason])
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, "user-1", next.UserID)
	assert.True(t, original.Amount.Equal(next.Amount))

	// 20 gwei bumped by 1.5
	assert.Equal(t, "30000000000", next.GasPrice.String())
	assert.Equal(t, 1, next.GasPrice.Cmp(original.GasPrice))

	// the replacement takes over the dropped transaction's nonce
	sent := chain.sentTxs()
	require.Len(t, sent, 2)
	assert.Equal(t, *next.TxHash, sent[1].Hash())
	assert.Equal(t, uint64(0), sent[1].Nonce())
	assert.Equal(t, []common.Hash{*original.TxHash}, next.SupersededTxs)

	// only the replacement is pending and the old id follows it
	pending := env.engine.ledger.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, next.ID, pending[0].ID)
	assert.Equal(t, StatusPending, env.engine.CheckPayment(id))
	successor, ok := env.engine.ledger.Successor(id)
	require.True(t, ok)
	assert.Equal(t, next.ID, successor)

	receipt := chain.mine(*next.TxHash, types.ReceiptStatusSuccessful)
	chain.setHead(receipt.BlockNumber.Uint64() + 12)
	env.sweep()
	assert.Equal(t, StatusConfirmed, env.engine.CheckPayment(next.ID))
	assert.Equal(t, StatusConfirmed, env.engine.CheckPayment(id))
}

func TestMonitor_StalledPendingIsResubmitted(t *testing.T) {
	env := newTestEnv(t, nil)
	chain := env.chains[Ethereum]
	sub := env.engine.Subscribe(16)

	id := env.pay("user-1", "1")
	original := env.payment(id)
	drain(sub)

	env.clock.Advance(2 * time.Hour)
	env.sweep()

	events := eventsOfType(drain(sub), EventPaymentResubmitted)
	require.Len(t, events, 1)
	next := events[0].Payment
	assert.Equal(t, ResubmitStalled, next.Metadata[MetaResubmitReason])
	assert.Equal(t, id, events[0].PreviousPaymentID)

	// a fee bump of the same nonce, which evicts the original
	assert.Equal(t, original.Nonce, next.Nonce)
	assert.Equal(t, "30000000000", next.GasPrice.String())
	assert.Equal(t, []common.Hash{*original.TxHash}, next.SupersededTxs)
	_, _, err := env.transports[testutil.PrimaryRPC].TransactionByHash(context.Background(), *original.TxHash)
	assert.ErrorIs(t, err, ethereum.NotFound)

	// a node that never saw the replacement mines the original
	receipt := chain.mine(*original.TxHash, types.ReceiptStatusSuccessful)
	require.NotNil(t, receipt)
	chain.setHead(receipt.BlockNumber.Uint64() + 12)
	env.sweep()

	assert.Equal(t, StatusConfirmed, env.engine.CheckPayment(next.ID))
	assert.Equal(t, StatusConfirmed, env.engine.CheckPayment(id))
	assert.Equal(t, *original.TxHash, *env.payment(next.ID).TxHash)

	// one transfer on chain, nothing resent
	mined := chain.minedTxs()
	require.Len(t, mined, 1)
	assert.Equal(t, *original.TxHash, mined[0].Hash())
	events = drain(sub)
	assert.Len(t, eventsOfType(events, EventPaymentConfirmed), 1)
	assert.Empty(t, eventsOfType(events, EventPaymentResubmitted))
	assert.Len(t, chain.sentTxs(), 2)
}

func TestMonitor_ReplacementMinedInstead(t *testing.T) {
	env := newTestEnv(t, nil)
	chain := env.chains[Ethereum]

	id := env.pay("user-1", "1")
	original := env.payment(id)
	env.clock.Advance(2 * time.Hour)
	env.sweep()

	nextID, ok := env.engine.ledger.Successor(id)
	require.True(t, ok)
	next := env.payment(nextID)

	receipt := chain.mine(*next.TxHash, types.ReceiptStatusSuccessful)
	require.NotNil(t, receipt)
	chain.setHead(receipt.BlockNumber.Uint64() + 12)
	env.sweep()

	assert.Equal(t, StatusConfirmed, env.engine.CheckPayment(id))
	mined := chain.minedTxs()
	require.Len(t, mined, 1)
	assert.NotEqual(t, *original.TxHash, mined[0].Hash())

	// its nonce is spent, so the evicted original can never be mined
	assert.Nil(t, chain.mine(*original.TxHash, types.ReceiptStatusSuccessful))
}

func TestMonitor_LostTransactionMovesToActiveNetwork(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := env.engine.Subscribe(16)

	id := env.pay("user-1", "1")
	original := env.payment(id)

	env.transports[testutil.PrimaryRPC].setDown(true)
	changed, err := env.engine.CheckHealth(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	env.transports[testutil.PrimaryRPC].setDown(false)
	drain(sub)

	env.chains[Ethereum].drop(*original.TxHash)
	env.sweep()
	env.sweep()
	env.sweep()

	events := eventsOfType(drain(sub), EventPaymentResubmitted)
	require.Len(t, events, 1)
	next := events[0].Payment
	assert.Equal(t, Polygon, next.Network)
	assert.Empty(t, next.SupersededTxs)
	// priced afresh on the new network
	assert.Equal(t, "20000000000", next.GasPrice.String())

	sent := env.chains[Polygon].sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(0), sent[0].Nonce())
	assert.Equal(t, *next.TxHash, sent[0].Hash())
}

func TestMonitor_StalledButMinedIsConfirmed(t *testing.T) {
	env := newTestEnv(t, nil)
	chain := env.chains[Ethereum]
	sub := env.engine.Subscribe(16)

	id := env.pay("user-1", "1")
	receipt := chain.mine(*env.payment(id).TxHash, types.ReceiptStatusSuccessful)
	chain.setHead(receipt.BlockNumber.Uint64() + 12)
	drain(sub)

	env.clock.Advance(2 * time.Hour)
	env.sweep()

	assert.Equal(t, StatusConfirmed, env.engine.CheckPayment(id))
	events := drain(sub)
	assert.Len(t, eventsOfType(events, EventPaymentConfirmed), 1)
	assert.Empty(t, eventsOfType(events, EventPaymentResubmitted))
}

func TestMonitor_MissingFromMempool(t *testing.T) {
	env := newTestEnv(t, nil)
	chain := env.chains[Ethereum]
	sub := env.engine.Subscribe(16)

	id := env.pay("user-1", "1")
	chain.drop(*env.payment(id).TxHash)
	drain(sub)

	// below the limit the payment is kept
	env.sweep()
	env.sweep()
	assert.Equal(t, 1, env.engine.PendingCount())
	_, ok := env.engine.ledger.Successor(id)
	assert.False(t, ok)
	assert.Empty(t, drain(sub))

	env.sweep()
	events := eventsOfType(drain(sub), EventPaymentResubmitted)
	require.Len(t, events, 1)
	assert.Equal(t, ResubmitMissing, events[0].Payment.Metadata[MetaResubmitReason])
}

func TestMonitor_MempoolSightingResetsCounter(t *testing.T) {
	env := newTestEnv(t, nil)
	chain := env.chains[Ethereum]

	id := env.pay("user-1", "1")
	p := env.payment(id)
	tx := chain.sentTxs()[0]

	chain.drop(*p.TxHash)
	env.sweep()
	env.sweep()

	// back in the mempool
	chain.mu.Lock()
	chain.mempool[tx.Hash()] = tx
	chain.mu.Unlock()
	env.sweep()

	chain.drop(*p.TxHash)
	env.sweep()
	env.sweep()
	_, ok := env.engine.ledger.Successor(id)
	assert.False(t, ok, "the counter restarts after the transaction was seen again")
}

func TestMonitor_BumpAboveCeilingFails(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.MaxGasPrice = big.NewInt(25_000_000_000)
	})
	chain := env.chains[Ethereum]
	sub := env.engine.Subscribe(16)

	id := env.pay("user-1", "1")
	chain.drop(*env.payment(id).TxHash)
	drain(sub)

	env.clock.Advance(2 * time.Hour)
	env.sweep()

	assert.Equal(t, StatusFailed, env.engine.CheckPayment(id))
	assert.Equal(t, "gas_price_too_high", env.payment(id).Metadata[MetaFailureCode])
	events := drain(sub)
	assert.Len(t, eventsOfType(events, EventPaymentFailed), 1)
	assert.Empty(t, eventsOfType(events, EventPaymentResubmitted))
	assert.Len(t, chain.sentTxs(), 1)
}

func TestMonitor_ResubmissionLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.MaxResubmissions = 1
	})
	sub := env.engine.Subscribe(16)

	id := env.pay("user-1", "1")
	env.clock.Advance(2 * time.Hour)
	env.sweep()

	next, ok := env.engine.ledger.Successor(id)
	require.True(t, ok)

	env.clock.Advance(2 * time.Hour)
	env.sweep()

	assert.Equal(t, StatusFailed, env.engine.CheckPayment(next))
	assert.Equal(t, StatusFailed, env.engine.CheckPayment(id))
	assert.Equal(t, "resubmission_limit", env.payment(next).Metadata[MetaFailureCode])
	assert.Len(t, eventsOfType(drain(sub), EventPaymentFailed), 1)
}

func TestMonitor_ResubmitOnlyOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	chain := env.chains[Ethereum]
	sub := env.engine.Subscribe(16)

	id := env.pay("user-1", "1")
	drain(sub)
	snapshot := env.payment(id)

	env.engine.monitor.resubmit(context.Background(), snapshot, ResubmitStalled)
	env.engine.monitor.resubmit(context.Background(), snapshot, ResubmitStalled)

	assert.Len(t, chain.sentTxs(), 2)
	assert.Len(t, eventsOfType(drain(sub), EventPaymentResubmitted), 1)
	assert.Equal(t, 1, env.engine.PendingCount())
}

func TestMonitor_SkipsPaymentsWithoutHash(t *testing.T) {
	env := newTestEnv(t, nil)

	p := &Payment{
		ID:        uuid.NewString(),
		UserID:    "user-1",
		Amount:    decimal.NewFromInt(1),
		Network:   Ethereum,
		Status:    StatusPending,
		CreatedAt: env.clock.Now(),
	}
	require.NoError(t, env.engine.ledger.Insert(p))
	env.clock.Advance(2 * time.Hour)
	env.sweep()

	assert.Equal(t, StatusPending, env.engine.CheckPayment(p.ID))
	assert.Len(t, env.chains[Ethereum].sentTxs(), 0)
}

func TestMonitor_UnreachableNetworkLeavesPending(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := env.engine.Subscribe(16)

	id := env.pay("user-1", "1")
	drain(sub)
	env.transports[testutil.PrimaryRPC].setDown(true)

	env.sweep()
	assert.Equal(t, StatusPending, env.engine.CheckPayment(id))
	assert.Empty(t, drain(sub))
}

func TestMonitor_PrunesResolvedPayments(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Retention = time.Hour
	})
	chain := env.chains[Ethereum]

	id := env.pay("user-1", "1")
	receipt := chain.mine(*env.payment(id).TxHash, types.ReceiptStatusSuccessful)
	chain.setHead(receipt.BlockNumber.Uint64() + 12)
	env.sweep()
	require.Equal(t, StatusConfirmed, env.engine.CheckPayment(id))

	env.clock.Advance(2 * time.Hour)
	env.sweep()
	assert.Equal(t, StatusNotFound, env.engine.CheckPayment(id))
}
