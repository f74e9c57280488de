package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sappystick/SpatialMesh-AR-sub001/internal/contract"
	"github.com/sappystick/SpatialMesh-AR-sub001/internal/fee"
	"github.com/sappystick/SpatialMesh-AR-sub001/internal/metrics"
)

// Resubmission reasons recorded in metadata
const (
	ResubmitDropped = "dropped"
	ResubmitStalled = "stalled"
	ResubmitMissing = "missing_from_mempool"
)

// sweepConcurrency bounds how many payments one sweep checks at a time
const sweepConcurrency = 8

// Monitor reconciles pending payments against chain state
type Monitor struct {
	ledger   *Ledger
	pool     *ClientPool
	gateway  *Gateway
	fees     *fee.Estimator
	contract *contract.Settlement
	bus      *EventBus
	metrics  *metrics.Recorder
	active   func() Network
	now      func() time.Time

	contracts        map[Network]common.Address
	confirmations    func(Network) uint64
	stallAfter       time.Duration
	missingPollLimit int
	maxResubmissions int
	callTimeout      time.Duration
	retention        time.Duration

	// sweeps never overlap
	sweepMu sync.Mutex
}

// MonitorConfig holds the monitor dependencies
type MonitorConfig struct {
	Ledger        *Ledger
	Pool          *ClientPool
	Gateway       *Gateway
	Fees          *fee.Estimator
	Contract      *contract.Settlement
	Bus           *EventBus
	Metrics       *metrics.Recorder
	ActiveNetwork func() Network
	Now           func() time.Time

	Contracts        map[Network]common.Address
	Confirmations    func(Network) uint64
	StallAfter       time.Duration
	MissingPollLimit int
	MaxResubmissions int
	CallTimeout      time.Duration
	Retention        time.Duration
}

func NewMonitor(c MonitorConfig) *Monitor {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop()
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return &Monitor{
		ledger:           c.Ledger,
		pool:             c.Pool,
		gateway:          c.Gateway,
		fees:             c.Fees,
		contract:         c.Contract,
		bus:              c.Bus,
		metrics:          c.Metrics,
		active:           c.ActiveNetwork,
		now:              c.Now,
		contracts:        c.Contracts,
		confirmations:    c.Confirmations,
		stallAfter:       c.StallAfter,
		missingPollLimit: c.MissingPollLimit,
		maxResubmissions: c.MaxResubmissions,
		callTimeout:      c.CallTimeout,
		retention:        c.Retention,
	}
}

// Sweep checks every pending payment once. Problems with individual
// payments are resolved into ledger state and events, never returned.
func (m *Monitor) Sweep(ctx context.Context) error {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	pending := m.ledger.Pending()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, p := range pending {
		p := p
		g.Go(func() error {
			m.check(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	if pruned := m.ledger.Prune(m.retention); pruned > 0 {
		logger.WithFields(logger.Fields{
			"pruned": pruned,
		}).Debug("pruned resolved payments")
	}

	logger.WithFields(logger.Fields{
		"checked": len(pending),
		"pending": m.ledger.Len(),
	}).Debug("confirmation sweep finished")
	return ctx.Err()
}

func (m *Monitor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.callTimeout)
}

func (m *Monitor) check(ctx context.Context, p *Payment) {
	if p.TxHash == nil {
		// still submitting
		return
	}

	client, err := m.pool.Client(p.Network)
	if err != nil {
		logger.WithFields(logger.Fields{
			"payment_id": p.ID,
			"network":    p.Network.String(),
			"error":      err,
		}).Warn("network unavailable, payment left pending")
		return
	}

	if m.now().Sub(p.CreatedAt) > m.stallAfter {
		m.checkStalled(ctx, client, p)
		return
	}

	cctx, cancel := m.callCtx(ctx)
	receipt, err := client.TransactionReceipt(cctx, *p.TxHash)
	cancel()
	switch {
	case errors.Is(err, ethereum.NotFound):
		if adopted, receipt := m.minedSuperseded(ctx, client, p); adopted != nil {
			m.checkReceipt(ctx, client, adopted, receipt)
			return
		}
		m.checkMempool(ctx, client, p)
	case err != nil:
		logger.WithFields(logger.Fields{
			"payment_id": p.ID,
			"tx_hash":    p.TxHash.Hex(),
			"error":      err,
		}).Debug("couldn't fetch receipt")
	default:
		m.checkReceipt(ctx, client, p, receipt)
	}
}

// checkStalled handles payments older than the stall threshold
func (m *Monitor) checkStalled(ctx context.Context, client Transport, p *Payment) {
	cctx, cancel := m.callCtx(ctx)
	_, isPending, err := client.TransactionByHash(cctx, *p.TxHash)
	cancel()

	switch {
	case errors.Is(err, ethereum.NotFound):
		if adopted, receipt := m.minedSuperseded(ctx, client, p); adopted != nil {
			m.checkReceipt(ctx, client, adopted, receipt)
			return
		}
		m.resubmit(ctx, p, ResubmitDropped)
	case err != nil:
		logger.WithFields(logger.Fields{
			"payment_id": p.ID,
			"tx_hash":    p.TxHash.Hex(),
			"error":      err,
		}).Debug("couldn't look up stalled transaction")
	case isPending:
		m.resubmit(ctx, p, ResubmitStalled)
	default:
		// mined after all
		cctx, cancel := m.callCtx(ctx)
		receipt, err := client.TransactionReceipt(cctx, *p.TxHash)
		cancel()
		if err != nil {
			logger.WithFields(logger.Fields{
				"payment_id": p.ID,
				"tx_hash":    p.TxHash.Hex(),
				"error":      err,
			}).Debug("couldn't fetch receipt of mined transaction")
			return
		}
		m.checkReceipt(ctx, client, p, receipt)
	}
}

// minedSuperseded looks for a receipt of a transaction p replaced. Only one
// transaction of a nonce can be mined, so when a superseded one was, p is
// switched to track it.
func (m *Monitor) minedSuperseded(ctx context.Context, client Transport, p *Payment) (*Payment, *types.Receipt) {
	for _, hash := range p.SupersededTxs {
		cctx, cancel := m.callCtx(ctx)
		receipt, err := client.TransactionReceipt(cctx, hash)
		cancel()
		if err != nil {
			continue
		}

		mined := hash
		updated, err := m.ledger.Update(p.ID, func(lp *Payment) error {
			rest := make([]common.Hash, 0, len(lp.SupersededTxs))
			for _, h := range lp.SupersededTxs {
				if h != mined {
					rest = append(rest, h)
				}
			}
			if lp.TxHash != nil {
				rest = append(rest, *lp.TxHash)
			}
			lp.SupersededTxs = rest
			lp.TxHash = &mined
			lp.missingPolls = 0
			return nil
		})
		if err != nil {
			return nil, nil
		}
		logger.WithFields(logger.Fields{
			"payment_id":  p.ID,
			"tx_hash":     mined.Hex(),
			"replaced_by": p.TxHash.Hex(),
		}).Info("superseded transaction was mined, tracking it instead")
		return updated, receipt
	}
	return nil, nil
}

// checkMempool counts consecutive polls in which a receipt-less transaction
// is also absent from the mempool
func (m *Monitor) checkMempool(ctx context.Context, client Transport, p *Payment) {
	cctx, cancel := m.callCtx(ctx)
	_, _, err := client.TransactionByHash(cctx, *p.TxHash)
	cancel()

	switch {
	case errors.Is(err, ethereum.NotFound):
		updated, uerr := m.ledger.Update(p.ID, func(p *Payment) error {
			p.missingPolls++
			return nil
		})
		if uerr != nil {
			return
		}
		logger.WithFields(logger.Fields{
			"payment_id":    p.ID,
			"tx_hash":       p.TxHash.Hex(),
			"missing_polls": updated.missingPolls,
		}).Debug("transaction missing from mempool")
		if updated.missingPolls >= m.missingPollLimit {
			m.resubmit(ctx, updated, ResubmitMissing)
		}
	case err != nil:
		return
	case p.missingPolls > 0:
		_, _ = m.ledger.Update(p.ID, func(p *Payment) error {
			p.missingPolls = 0
			return nil
		})
	}
}

func (m *Monitor) checkReceipt(ctx context.Context, client Transport, p *Payment, receipt *types.Receipt) {
	if receipt == nil || receipt.BlockNumber == nil {
		return
	}

	cctx, cancel := m.callCtx(ctx)
	head, err := client.BlockNumber(cctx)
	cancel()
	if err != nil {
		logger.WithFields(logger.Fields{
			"payment_id": p.ID,
			"error":      err,
		}).Debug("couldn't read block number")
		return
	}

	mined := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head > mined {
		confirmations = head - mined
	}
	required := m.confirmations(p.Network)
	if confirmations < required {
		logger.WithFields(logger.Fields{
			"payment_id":    p.ID,
			"confirmations": confirmations,
			"required":      required,
		}).Debug("waiting for confirmations")
		return
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		m.fail(ctx, p, fmt.Errorf("%w: tx %s in block %d", ErrTransactionReverted, p.TxHash.Hex(), mined))
		return
	}

	cctx, cancel = m.callCtx(ctx)
	tx, _, err := client.TransactionByHash(cctx, *p.TxHash)
	cancel()
	if err != nil {
		logger.WithFields(logger.Fields{
			"payment_id": p.ID,
			"error":      err,
		}).Debug("couldn't fetch transaction for validation")
		return
	}

	chainPaymentID, err := m.validate(p, tx, receipt)
	if err != nil {
		failed := m.fail(ctx, p, err)
		if failed != nil {
			m.metrics.SecurityAlert(ctx, p.Network.String())
			m.bus.Publish(ctx, Event{
				Type:    EventSecurityAlert,
				Payment: failed,
				Network: p.Network,
				Err:     err.Error(),
			})
			logger.WithFields(logger.Fields{
				"payment_id": p.ID,
				"tx_hash":    p.TxHash.Hex(),
				"error":      err,
			}).Warn("security alert: receipt does not match payment")
		}
		return
	}

	annotations := map[string]string{}
	if chainPaymentID != "" {
		annotations[MetaChainPaymentID] = chainPaymentID
	}
	confirmed, ok := m.ledger.Resolve(p.ID, StatusConfirmed, annotations)
	if !ok {
		return
	}
	m.metrics.Confirmed(ctx, p.Network.String())
	m.bus.Publish(ctx, Event{Type: EventPaymentConfirmed, Payment: confirmed, Network: p.Network})
	logger.WithFields(logger.Fields{
		"payment_id":    p.ID,
		"tx_hash":       p.TxHash.Hex(),
		"network":       p.Network.String(),
		"confirmations": confirmations,
	}).Info("payment confirmed")
}

// validate compares the mined call with the recorded payment and returns the
// on-chain payment id when the contract emitted one
func (m *Monitor) validate(p *Payment, tx *types.Transaction, receipt *types.Receipt) (string, error) {
	var mismatches []string
	contractAddr := m.contracts[p.Network]
	value, err := ToWei(p.Amount)
	if err != nil {
		return "", errors.Join(ErrPaymentMismatch, err)
	}

	if tx.To() == nil || *tx.To() != contractAddr {
		mismatches = append(mismatches, "recipient")
	}
	if tx.Value() == nil || tx.Value().Cmp(value) != 0 {
		mismatches = append(mismatches, "value")
	}
	if p.Sender != (common.Address{}) {
		from, err := types.Sender(types.LatestSignerForChainID(new(big.Int).SetUint64(p.Network.ChainID())), tx)
		if err != nil || from != p.Sender {
			mismatches = append(mismatches, "sender")
		}
	}

	call, err := m.contract.DecodeCreatePayment(tx.Data())
	if err != nil {
		mismatches = append(mismatches, "payload")
	} else {
		if call.UserID != p.UserID {
			mismatches = append(mismatches, "user_id")
		}
		if call.Amount == nil || call.Amount.Cmp(value) != 0 {
			mismatches = append(mismatches, "amount")
		}
	}

	var chainPaymentID string
	created, found, err := m.contract.FindPaymentCreated(receipt.Logs, contractAddr)
	switch {
	case err != nil:
		mismatches = append(mismatches, "event")
	case found:
		if created.UserID != p.UserID || created.Amount == nil || created.Amount.Cmp(value) != 0 {
			mismatches = append(mismatches, "event")
		}
		chainPaymentID = created.PaymentID
	}

	if len(mismatches) > 0 {
		return "", fmt.Errorf("%w: %s differ", ErrPaymentMismatch, strings.Join(mismatches, ", "))
	}
	return chainPaymentID, nil
}

// fail resolves p as failed and emits paymentFailed. It returns nil when the
// payment had already left the ledger.
func (m *Monitor) fail(ctx context.Context, p *Payment, cause error) *Payment {
	failed, ok := m.ledger.Resolve(p.ID, StatusFailed, map[string]string{
		MetaFailureCode:   ErrorCode(cause),
		MetaFailureReason: cause.Error(),
	})
	if !ok {
		return nil
	}
	m.metrics.Failed(ctx, p.Network.String(), ErrorCode(cause))
	m.bus.Publish(ctx, Event{
		Type:    EventPaymentFailed,
		Payment: failed,
		Network: p.Network,
		Err:     cause.Error(),
	})
	logger.WithFields(logger.Fields{
		"payment_id": p.ID,
		"network":    p.Network.String(),
		"error":      cause,
	}).Info("payment failed")
	return failed
}

// resubmit replaces p by a new payment with a new id and a bumped gas price.
// A transaction still in the mempool is replaced on its own network; a lost
// one is resent on the currently active network. On the same network the
// successor reuses p's nonce so that at most one of the two is mined. Only
// the first resubmission of a payment takes effect.
func (m *Monitor) resubmit(ctx context.Context, p *Payment, reason string) {
	if p.RetryCount >= m.maxResubmissions {
		m.fail(ctx, p, fmt.Errorf("%w: %d resubmissions, last reason %s", ErrResubmissionLimit, p.RetryCount, reason))
		return
	}

	network := m.active()
	if reason == ResubmitStalled {
		network = p.Network
	}
	sameNetwork := network == p.Network && p.TxHash != nil

	var gasPrice *big.Int
	if p.GasPrice != nil {
		bumped, err := m.fees.Bump(p.GasPrice)
		if err != nil {
			m.fail(ctx, p, errors.Join(ErrGasPriceTooHigh, err))
			return
		}
		// a price sampled on another network means nothing here
		if sameNetwork {
			gasPrice = bumped
		}
	}

	var nonce uint64
	var supersededTxs []common.Hash
	if sameNetwork {
		nonce = p.Nonce
		supersededTxs = append(append(supersededTxs, p.SupersededTxs...), *p.TxHash)
	}

	metadata := make(map[string]string, len(p.Metadata)+2)
	for k, v := range p.Metadata {
		if k == MetaFailureCode || k == MetaFailureReason {
			continue
		}
		metadata[k] = v
	}
	metadata[MetaReplaces] = p.ID
	metadata[MetaResubmitReason] = reason

	next := &Payment{
		ID:         uuid.NewString(),
		UserID:     p.UserID,
		Amount:     p.Amount,
		Network:    network,
		Sender:     p.Sender,
		Nonce:      nonce,
		GasPrice:   gasPrice,
		Priority:   p.Priority,
		Status:     StatusPending,
		RetryCount: p.RetryCount + 1,
		CreatedAt:  m.now(),
		Metadata:   metadata,

		SupersededTxs: supersededTxs,
	}
	if _, err := m.ledger.Replace(p.ID, next); err != nil {
		logger.WithFields(logger.Fields{
			"payment_id": p.ID,
			"error":      err,
		}).Debug("payment already resolved or resubmitted")
		return
	}

	sub, err := m.gateway.Submit(ctx, next)
	if err != nil {
		m.fail(ctx, next, err)
		return
	}
	submitted, err := m.ledger.Update(next.ID, func(np *Payment) error {
		np.TxHash = &sub.TxHash
		np.Nonce = sub.Nonce
		np.GasPrice = sub.GasPrice
		np.GasLimit = sub.GasLimit
		np.Sender = sub.Sender
		return nil
	})
	if err != nil {
		logger.WithFields(logger.Fields{
			"payment_id": next.ID,
			"error":      err,
		}).Error("couldn't record resubmitted transaction")
		return
	}

	m.metrics.Resubmitted(ctx, network.String(), reason)
	m.bus.Publish(ctx, Event{
		Type:              EventPaymentResubmitted,
		Payment:           submitted,
		PreviousPaymentID: p.ID,
		Network:           network,
	})
	logger.WithFields(logger.Fields{
		"payment_id":          next.ID,
		"previous_payment_id": p.ID,
		"reason":              reason,
		"network":             network.String(),
		"tx_hash":             sub.TxHash.Hex(),
		"gas_price":           sub.GasPrice.String(),
	}).Info("payment resubmitted")
}
