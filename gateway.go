package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/sappystick/SpatialMesh-AR-sub001/internal/contract"
	"github.com/sappystick/SpatialMesh-AR-sub001/internal/fee"
	"github.com/sappystick/SpatialMesh-AR-sub001/internal/nonce"
)

// Submission describes a transaction accepted by the network
type Submission struct {
	TxHash   common.Hash
	Sender   common.Address
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
}

// Gateway encodes, signs and sends settlement contract calls
type Gateway struct {
	pool      *ClientPool
	fees      *fee.Estimator
	nonces    *nonce.Sequencer
	contract  *contract.Settlement
	signer    Signer
	contracts map[Network]common.Address

	retryAttempts int
	retryBackoff  time.Duration
	callTimeout   time.Duration
}

// GatewayConfig holds the gateway dependencies
type GatewayConfig struct {
	Pool          *ClientPool
	Fees          *fee.Estimator
	Nonces        *nonce.Sequencer
	Contract      *contract.Settlement
	Signer        Signer
	Contracts     map[Network]common.Address
	RetryAttempts int
	RetryBackoff  time.Duration
	CallTimeout   time.Duration
}

func NewGateway(c GatewayConfig) *Gateway {
	if c.RetryAttempts < 1 {
		c.RetryAttempts = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return &Gateway{
		pool:          c.Pool,
		fees:          c.Fees,
		nonces:        c.Nonces,
		contract:      c.Contract,
		signer:        c.Signer,
		contracts:     c.Contracts,
		retryAttempts: c.RetryAttempts,
		retryBackoff:  c.RetryBackoff,
		callTimeout:   c.CallTimeout,
	}
}

func (g *Gateway) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.callTimeout)
}

func (g *Gateway) balance(ctx context.Context, client Transport) (*big.Int, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	balance, err := client.BalanceAt(cctx, g.signer.Address(), nil)
	if err != nil {
		return nil, rpcError("couldn't read sender balance", err)
	}
	return balance, nil
}

func (g *Gateway) estimateGas(ctx context.Context, client Transport, msg ethereum.CallMsg) (uint64, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	estimated, err := client.EstimateGas(cctx, msg)
	if err != nil {
		if isTimeout(err) {
			return 0, rpcError("couldn't estimate gas", err)
		}
		return 0, errors.Join(ErrTransactionSubmissionFailed, fmt.Errorf("couldn't estimate gas. The call is meant to revert or network error. Detail: %w", err))
	}
	return estimated + estimated*GasBufferPercent/100, nil
}

// gasPrice returns the preset price of a resubmitted payment, or the optimal
// price for its priority
func (g *Gateway) gasPrice(ctx context.Context, client Transport, network Network, preset *big.Int, priority Priority) (*big.Int, error) {
	if preset != nil {
		if preset.Cmp(g.fees.Ceiling()) > 0 {
			return nil, fmt.Errorf("%w: %s > %s", ErrGasPriceTooHigh, preset, g.fees.Ceiling())
		}
		return new(big.Int).Set(preset), nil
	}
	price, err := g.fees.OptimalGasPrice(ctx, network.ChainID(), client, priority)
	if err != nil {
		return nil, rpcError("couldn't get gas price", err)
	}
	return price, nil
}

// Submit sends the createPayment call for p. The sender balance is checked
// against the amount before anything else is asked from the network, and
// against amount plus fee once the fee is known.
func (g *Gateway) Submit(ctx context.Context, p *Payment) (*Submission, error) {
	client, err := g.pool.Client(p.Network)
	if err != nil {
		return nil, err
	}
	to, ok := g.contracts[p.Network]
	if !ok {
		return nil, fmt.Errorf("%w: no contract configured for %s", ErrNetworkUnavailable, p.Network)
	}
	value, err := ToWei(p.Amount)
	if err != nil {
		return nil, err
	}

	balance, err := g.balance(ctx, client)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(value) < 0 {
		return nil, fmt.Errorf("%w: balance %s wei, amount %s wei", ErrInsufficientBalance, balance, value)
	}

	gasPrice, err := g.gasPrice(ctx, client, p.Network, p.GasPrice, p.Priority)
	if err != nil {
		return nil, err
	}

	data, err := g.contract.PackCreatePayment(p.UserID, value)
	if err != nil {
		return nil, fmt.Errorf("couldn't encode createPayment: %w", err)
	}
	gasLimit, err := g.estimateGas(ctx, client, ethereum.CallMsg{
		From:     g.signer.Address(),
		To:       &to,
		GasPrice: gasPrice,
		Value:    value,
		Data:     data,
	})
	if err != nil {
		return nil, err
	}

	networkFee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	total := new(big.Int).Add(value, networkFee)
	if balance.Cmp(total) < 0 {
		return nil, fmt.Errorf("%w: balance %s wei, amount %s wei, fee %s wei", ErrInsufficientBalanceForFee, balance, value, networkFee)
	}

	var prior *superseded
	if len(p.SupersededTxs) > 0 {
		prior = &superseded{nonce: p.Nonce, txs: p.SupersededTxs}
	}
	return g.send(ctx, client, p.Network, to, value, data, gasPrice, gasLimit, prior)
}

// Withdraw sends the withdraw call. The contract pays out, so the sender
// only has to cover the fee.
func (g *Gateway) Withdraw(ctx context.Context, network Network, req WithdrawalRequest) (*Submission, error) {
	client, err := g.pool.Client(network)
	if err != nil {
		return nil, err
	}
	to, ok := g.contracts[network]
	if !ok {
		return nil, fmt.Errorf("%w: no contract configured for %s", ErrNetworkUnavailable, network)
	}
	amount, err := ToWei(req.Amount)
	if err != nil {
		return nil, err
	}
	data, err := g.contract.PackWithdraw(req.UserID, req.Recipient, amount)
	if err != nil {
		return nil, fmt.Errorf("couldn't encode withdraw: %w", err)
	}

	gasPrice, err := g.gasPrice(ctx, client, network, nil, PriorityMedium)
	if err != nil {
		return nil, err
	}
	gasLimit, err := g.estimateGas(ctx, client, ethereum.CallMsg{
		From:     g.signer.Address(),
		To:       &to,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return nil, err
	}
	balance, err := g.balance(ctx, client)
	if err != nil {
		return nil, err
	}
	networkFee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if balance.Cmp(networkFee) < 0 {
		return nil, fmt.Errorf("%w: balance %s wei, fee %s wei", ErrInsufficientBalanceForFee, balance, networkFee)
	}

	return g.send(ctx, client, network, to, big.NewInt(0), data, gasPrice, gasLimit, nil)
}

// superseded pins a resubmission to the nonce of the transactions it
// replaces
type superseded struct {
	nonce uint64
	txs   []common.Hash
}

// send reserves a nonce, then signs and broadcasts with bounded retry.
// Only transient broadcast errors are retried; anything else aborts at once
// so a logically rejected transaction is never sent twice. A failed call may
// still have reached the node, so before the nonce moves on every earlier
// transaction of this send is looked up. The nonce is only consumed when the
// network holds one of them.
func (g *Gateway) send(
	ctx context.Context,
	client Transport,
	network Network,
	to common.Address,
	value *big.Int,
	data []byte,
	gasPrice *big.Int,
	gasLimit uint64,
	prior *superseded,
) (*Submission, error) {
	sender := g.signer.Address()
	chainID := g.pool.ChainID(network)
	key := nonce.Key{ChainID: network.ChainID(), Sender: sender}

	pendingNonce := func(ctx context.Context) (uint64, error) {
		cctx, cancel := g.callCtx(ctx)
		defer cancel()
		return client.PendingNonceAt(cctx, sender)
	}

	reservation, err := g.nonces.Reserve(ctx, key, network.String(), pendingNonce)
	if err != nil {
		return nil, rpcError("couldn't reserve nonce", err)
	}

	var attempted []common.Hash
	if prior != nil {
		reservation.Reuse(prior.nonce)
		attempted = append(attempted, prior.txs...)
	}

	accepted := func(tx *types.Transaction, attempt int) *Submission {
		if cerr := reservation.Commit(); cerr != nil {
			logger.WithFields(logger.Fields{
				"tx_hash": tx.Hash().Hex(),
				"error":   cerr,
			}).Error("couldn't commit nonce reservation")
		}
		logger.WithFields(logger.Fields{
			"network":   network.String(),
			"tx_hash":   tx.Hash().Hex(),
			"nonce":     tx.Nonce(),
			"gas_price": tx.GasPrice().String(),
			"gas_limit": tx.Gas(),
			"attempt":   attempt,
		}).Info("Signed and broadcasted transaction")
		return &Submission{
			TxHash:   tx.Hash(),
			Sender:   sender,
			Nonce:    tx.Nonce(),
			GasPrice: new(big.Int).Set(tx.GasPrice()),
			GasLimit: tx.Gas(),
		}
	}

	gasPrice = new(big.Int).Set(gasPrice)
	var lastErr error
	for attempt := 1; attempt <= g.retryAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, time.Duration(attempt-1)*g.retryBackoff); err != nil {
				_ = reservation.Release()
				return nil, errors.Join(ErrTransactionSubmissionFailed, ErrTimeout, err)
			}
		}

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    reservation.Nonce(),
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
			Data:     data,
		})
		signedTx, err := g.signer.SignTx(ctx, tx, chainID)
		if err != nil {
			_ = reservation.Release()
			return nil, errors.Join(ErrTransactionSubmissionFailed, fmt.Errorf("failed to sign transaction: %w", err))
		}
		if from, err := types.Sender(types.LatestSignerForChainID(chainID), signedTx); err != nil || from != sender {
			_ = reservation.Release()
			return nil, errors.Join(ErrTransactionSubmissionFailed, ErrSignerAddressDiff)
		}

		cctx, cancel := g.callCtx(ctx)
		err = client.SendTransaction(cctx, signedTx)
		cancel()
		if err == nil {
			return accepted(signedTx, attempt), nil
		}

		lastErr = err
		kind := classifyBroadcastError(err)
		logger.WithFields(logger.Fields{
			"network":    network.String(),
			"tx_hash":    signedTx.Hash().Hex(),
			"nonce":      signedTx.Nonce(),
			"gas_price":  gasPrice.String(),
			"attempt":    attempt,
			"error_kind": kind.String(),
			"error":      err,
		}).Debug("Unsuccessful broadcasting transaction")

		if kind == broadcastKnown {
			return accepted(signedTx, attempt), nil
		}
		if !kind.transient() {
			_ = reservation.Release()
			return nil, errors.Join(ErrTransactionSubmissionFailed, fmt.Errorf("broadcast rejected: %w", err))
		}
		attempted = append(attempted, signedTx.Hash())

		switch kind {
		case broadcastNonceTooLow:
			if earlier := g.findSent(ctx, client, attempted); earlier != nil {
				return accepted(earlier, attempt), nil
			}
			if prior != nil {
				// the nonce belongs to the superseded transactions and one
				// of them may still surface
				_ = reservation.Release()
				return nil, errors.Join(ErrTransactionSubmissionFailed, fmt.Errorf("nonce %d of the replaced transaction is used: %w", prior.nonce, err))
			}
			current := reservation.Nonce()
			if n, nerr := pendingNonce(ctx); nerr == nil && n > current {
				reservation.Raise(n)
			} else {
				reservation.Raise(current + 1)
			}
		case broadcastUnderpriced:
			gasPrice = g.fees.Clamp(new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(UnderpricedBumpPercent)), big.NewInt(100)))
		}
	}

	_ = reservation.Release()
	return nil, errors.Join(ErrTransactionSubmissionFailed, fmt.Errorf("broadcast failed after %d attempts: %w", g.retryAttempts, lastErr))
}

// findSent returns the first of hashes the network knows, pending or mined
func (g *Gateway) findSent(ctx context.Context, client Transport, hashes []common.Hash) *types.Transaction {
	for _, hash := range hashes {
		cctx, cancel := g.callCtx(ctx)
		tx, _, err := client.TransactionByHash(cctx, hash)
		cancel()
		if err == nil && tx != nil {
			logger.WithFields(logger.Fields{
				"tx_hash": hash.Hex(),
				"nonce":   tx.Nonce(),
			}).Info("earlier broadcast was accepted by the network")
			return tx
		}
	}
	return nil
}

// VerifyDeployment checks that the settlement contract is deployed on network
// and answers the capability probe. A network that fails is excluded.
func (g *Gateway) VerifyDeployment(ctx context.Context, network Network) (err error) {
	defer func() {
		if err != nil {
			g.pool.Exclude(network, err)
		}
	}()

	client, err := g.pool.Client(network)
	if err != nil {
		return err
	}
	addr, ok := g.contracts[network]
	if !ok || addr == (common.Address{}) {
		return fmt.Errorf("%w: no contract configured for %s", ErrContractVerification, network)
	}

	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	code, err := client.CodeAt(cctx, addr, nil)
	if err != nil {
		return errors.Join(ErrContractVerification, rpcError("couldn't fetch contract code", err))
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: no code at %s on %s", ErrContractVerification, addr.Hex(), network)
	}

	probe, err := g.contract.PackSupportsInterface()
	if err != nil {
		return errors.Join(ErrContractVerification, err)
	}
	out, err := client.CallContract(cctx, ethereum.CallMsg{To: &addr, Data: probe}, nil)
	if err != nil {
		return errors.Join(ErrContractVerification, fmt.Errorf("capability probe failed: %w", err))
	}
	supported, err := g.contract.UnpackSupportsInterface(out)
	if err != nil {
		return errors.Join(ErrContractVerification, fmt.Errorf("couldn't decode capability probe: %w", err))
	}
	if !supported {
		return fmt.Errorf("%w: contract at %s does not support the settlement interface", ErrContractVerification, addr.Hex())
	}

	logger.WithFields(logger.Fields{
		"network":  network.String(),
		"contract": addr.Hex(),
	}).Info("settlement contract verified")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
