// Package settlement submits, tracks and reconciles payments against
// redundant ledger networks. An Engine owns one client per configured
// network, prices and sequences transactions, monitors them until they are
// final and fails over to a fallback network when the active one stops
// responding.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/sappystick/SpatialMesh-AR-sub001/idempotency"
	"github.com/sappystick/SpatialMesh-AR-sub001/internal/contract"
	"github.com/sappystick/SpatialMesh-AR-sub001/internal/fee"
	"github.com/sappystick/SpatialMesh-AR-sub001/internal/health"
	"github.com/sappystick/SpatialMesh-AR-sub001/internal/metrics"
	"github.com/sappystick/SpatialMesh-AR-sub001/internal/nonce"
)

type engineState int

const (
	engineNew engineState = iota
	engineStarted
	engineClosed
)

// Engine is the settlement API consumed by the rest of the application
type Engine struct {
	config Config
	signer Signer

	dial      Dialer
	now       func() time.Time
	metrics   *metrics.Recorder
	idem      idempotency.Store
	ownedIdem *idempotency.InMemoryStore

	pool     *ClientPool
	fees     *fee.Estimator
	nonces   *nonce.Sequencer
	contract *contract.Settlement
	gateway  *Gateway
	ledger   *Ledger
	monitor  *Monitor
	failover *FailoverController
	bus      *EventBus

	mu     sync.Mutex
	state  engineState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine
type Option func(*Engine)

// WithDialer replaces the RPC dialer
func WithDialer(dial Dialer) Option {
	return func(e *Engine) {
		e.dial = dial
	}
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMeter records engine metrics on meter. If the meter cannot create the
// engine counters, the engine keeps its current recorder.
func WithMeter(meter metric.Meter) Option {
	return func(e *Engine) {
		r, err := metrics.New(meter)
		if err != nil {
			logger.WithFields(logger.Fields{
				"error": err,
			}).Warn("cannot create metrics on the given meter, keeping the current recorder")
			return
		}
		e.metrics = r
	}
}

// WithIdempotencyStore sets a custom idempotency store
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(e *Engine) {
		e.idem = store
	}
}

// WithDefaultIdempotencyStore sets up an in-memory idempotency store with the given TTL
func WithDefaultIdempotencyStore(ttl time.Duration) Option {
	return func(e *Engine) {
		store := idempotency.NewInMemoryStore(ttl)
		e.idem = store
		e.ownedIdem = store
	}
}

// New creates an engine. Nothing touches the network until Start.
func New(config Config, signer Signer, opts ...Option) (*Engine, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: signer cannot be nil", ErrInvalidConfig)
	}
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config:  config,
		signer:  signer,
		dial:    DialEthClient,
		now:     time.Now,
		metrics: metrics.NewDefault(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.idem == nil {
		WithDefaultIdempotencyStore(config.Retention)(e)
	}

	settlementABI, err := contract.New()
	if err != nil {
		return nil, err
	}
	e.contract = settlementABI

	e.pool = NewClientPool(e.dial, config.ProbeTimeout, health.Config{
		FailureThreshold: 1,
		FreshWindow:      config.HealthyWindow,
		Now:              e.now,
		OnStateChange: func(url string, from, to health.State) {
			logger.WithFields(logger.Fields{
				"endpoint": url,
				"from":     from.String(),
				"to":       to.String(),
			}).Debug("endpoint health changed")
		},
	})
	e.fees = fee.New(fee.Config{
		Ceiling:          config.MaxGasPrice,
		CacheTTL:         config.GasCacheTTL,
		CongestionBlocks: config.CongestionBlocks,
		Now:              e.now,
	})
	e.nonces = nonce.NewSequencer()
	e.ledger = NewLedger(e.now)
	e.bus = NewEventBus(config.EventBuffer, e.metrics, e.now)
	e.gateway = NewGateway(GatewayConfig{
		Pool:          e.pool,
		Fees:          e.fees,
		Nonces:        e.nonces,
		Contract:      e.contract,
		Signer:        signer,
		Contracts:     config.Contracts,
		RetryAttempts: config.RetryAttempts,
		RetryBackoff:  config.RetryBackoff,
		CallTimeout:   config.CallTimeout,
	})
	e.failover = NewFailoverController(e.pool, config.Networks(), config.Primary, e.bus, e.metrics)
	e.monitor = NewMonitor(MonitorConfig{
		Ledger:           e.ledger,
		Pool:             e.pool,
		Gateway:          e.gateway,
		Fees:             e.fees,
		Contract:         e.contract,
		Bus:              e.bus,
		Metrics:          e.metrics,
		ActiveNetwork:    e.failover.Current,
		Now:              e.now,
		Contracts:        config.Contracts,
		Confirmations:    config.RequiredConfirmations,
		StallAfter:       config.StallAfter,
		MissingPollLimit: config.MissingPollLimit,
		MaxResubmissions: config.MaxResubmissions,
		CallTimeout:      config.CallTimeout,
		Retention:        config.Retention,
	})
	return e, nil
}

// Start connects to every configured network, verifies the contract
// deployments and starts the confirmation sweep and health check loops.
// Failing to connect to any network is fatal; a network whose contract fails
// verification is excluded and Start only fails when none is left.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case engineStarted:
		return nil
	case engineClosed:
		return ErrEngineClosed
	}

	networks := e.config.Networks()
	if err := e.pool.Initialize(ctx, e.config.Endpoints, networks); err != nil {
		return err
	}

	var (
		usable     []Network
		verifyErrs []error
	)
	for _, n := range networks {
		if err := e.gateway.VerifyDeployment(ctx, n); err != nil {
			verifyErrs = append(verifyErrs, fmt.Errorf("%s: %w", n, err))
			continue
		}
		usable = append(usable, n)
	}
	if len(usable) == 0 {
		e.pool.Close()
		return errors.Join(append([]error{ErrContractVerification}, verifyErrs...)...)
	}
	if !e.pool.Usable(e.config.Primary) {
		logger.WithFields(logger.Fields{
			"primary": e.config.Primary.String(),
			"active":  usable[0].String(),
		}).Warn("primary network unusable, starting on fallback")
		e.failover.current.Store(int32(usable[0]))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(2)
	go e.runLoop(loopCtx, "confirmation_sweep", e.config.SweepInterval, e.monitor.Sweep)
	go e.runLoop(loopCtx, "health_check", e.config.HealthInterval, func(ctx context.Context) error {
		_, err := e.failover.Check(ctx)
		return err
	})
	e.state = engineStarted

	logger.WithFields(logger.Fields{
		"active_network": e.failover.Current().String(),
		"networks":       len(usable),
		"sender":         e.signer.Address().Hex(),
	}).Info("settlement engine started")
	return nil
}

func (e *Engine) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.WithFields(logger.Fields{
					"loop":  name,
					"error": err,
				}).Warn("background task failed")
			}
		}
	}
}

// Close stops both background loops, waits for them and releases every
// network client. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == engineClosed {
		e.mu.Unlock()
		return nil
	}
	wasStarted := e.state == engineStarted
	e.state = engineClosed
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.bus.Close()
	if wasStarted {
		e.pool.Close()
	}
	if e.ownedIdem != nil {
		e.ownedIdem.Stop()
	}

	logger.WithFields(logger.Fields{
		"pending": e.ledger.Len(),
	}).Info("settlement engine closed")
	return nil
}

func (e *Engine) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case engineNew:
		return ErrEngineNotStarted
	case engineClosed:
		return ErrEngineClosed
	}
	return nil
}

// CreatePaymentRequest submits a payment on the active network and returns
// its id once the network accepted the transaction. Balance problems and
// exhausted retries are returned here; everything after the broadcast is
// reported through events.
func (e *Engine) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return "", ErrInvalidUserID
	}
	if _, err := ToWei(req.Amount); err != nil {
		return "", err
	}

	if req.IdempotencyKey != "" {
		record, err := e.idem.Claim(ctx, req.IdempotencyKey)
		if errors.Is(err, idempotency.ErrDuplicateKey) {
			if record != nil && record.Status == idempotency.StatusCompleted {
				logger.WithFields(logger.Fields{
					"idempotency_key": req.IdempotencyKey,
					"payment_id":      record.PaymentID,
				}).Debug("returning payment of repeated request")
				return record.PaymentID, nil
			}
			return "", fmt.Errorf("%w: request %s is still being processed", ErrDuplicatePayment, req.IdempotencyKey)
		}
		if err != nil {
			return "", fmt.Errorf("couldn't claim idempotency key: %w", err)
		}
	}

	priority := req.Priority
	if priority == 0 {
		priority = PriorityMedium
	}
	metadata := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	p := &Payment{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    req.Amount,
		Network:   e.failover.Current(),
		Sender:    e.signer.Address(),
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: e.now(),
		Metadata:  metadata,
	}
	if err := e.ledger.Insert(p); err != nil {
		e.releaseKey(ctx, req.IdempotencyKey)
		return "", err
	}

	sub, err := e.gateway.Submit(ctx, p)
	if err != nil {
		e.ledger.Resolve(p.ID, StatusFailed, map[string]string{
			MetaFailureCode:   ErrorCode(err),
			MetaFailureReason: err.Error(),
		})
		e.metrics.Failed(ctx, p.Network.String(), ErrorCode(err))
		e.releaseKey(ctx, req.IdempotencyKey)
		logger.WithFields(logger.Fields{
			"payment_id": p.ID,
			"user_id":    p.UserID,
			"network":    p.Network.String(),
			"error":      err,
		}).Info("payment submission failed")
		return "", err
	}

	submitted, err := e.ledger.Update(p.ID, func(p *Payment) error {
		p.TxHash = &sub.TxHash
		p.Nonce = sub.Nonce
		p.GasPrice = sub.GasPrice
		p.GasLimit = sub.GasLimit
		return nil
	})
	if err != nil {
		return "", err
	}
	if req.IdempotencyKey != "" {
		if err := e.idem.Complete(ctx, req.IdempotencyKey, p.ID); err != nil {
			logger.WithFields(logger.Fields{
				"idempotency_key": req.IdempotencyKey,
				"payment_id":      p.ID,
				"error":           err,
			}).Warn("couldn't complete idempotency key")
		}
	}

	e.metrics.Submitted(ctx, p.Network.String())
	e.bus.Publish(ctx, Event{Type: EventPaymentReceived, Payment: submitted, Network: p.Network})
	logger.WithFields(logger.Fields{
		"payment_id": p.ID,
		"user_id":    p.UserID,
		"amount":     p.Amount.String(),
		"network":    p.Network.String(),
		"tx_hash":    sub.TxHash.Hex(),
	}).Info("payment submitted")
	return p.ID, nil
}

func (e *Engine) releaseKey(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := e.idem.Release(ctx, key); err != nil {
		logger.WithFields(logger.Fields{
			"idempotency_key": key,
			"error":           err,
		}).Warn("couldn't release idempotency key")
	}
}

// CheckPayment returns the status of a payment. A resubmitted payment
// reports the status of its replacement. It has no side effects.
func (e *Engine) CheckPayment(paymentID string) Status {
	return e.ledger.Status(paymentID)
}

// Payment returns a snapshot of a live or recently resolved payment
func (e *Engine) Payment(paymentID string) (*Payment, bool) {
	return e.ledger.Get(paymentID)
}

// Withdraw asks the contract on the active network to pay amount of userID's
// balance out to recipient
func (e *Engine) Withdraw(ctx context.Context, req WithdrawalRequest) (common.Hash, error) {
	if err := e.ready(); err != nil {
		return common.Hash{}, err
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return common.Hash{}, ErrInvalidUserID
	}
	if req.Recipient == (common.Address{}) {
		return common.Hash{}, ErrInvalidRecipient
	}

	network := e.failover.Current()
	sub, err := e.gateway.Withdraw(ctx, network, req)
	if err != nil {
		return common.Hash{}, err
	}
	logger.WithFields(logger.Fields{
		"user_id":   req.UserID,
		"recipient": req.Recipient.Hex(),
		"amount":    req.Amount.String(),
		"network":   network.String(),
		"tx_hash":   sub.TxHash.Hex(),
	}).Info("withdrawal submitted")
	return sub.TxHash, nil
}

// Subscribe returns a new event subscription. buffer <= 0 uses the
// configured default.
func (e *Engine) Subscribe(buffer int) *Subscription {
	return e.bus.Subscribe(buffer)
}

// ActiveNetwork returns the network new payments are submitted on
func (e *Engine) ActiveNetwork() Network {
	return e.failover.Current()
}

// PendingCount returns the number of payments awaiting a terminal status
func (e *Engine) PendingCount() int {
	return e.ledger.Len()
}

// Sweep runs one confirmation sweep now
func (e *Engine) Sweep(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.monitor.Sweep(ctx)
}

// CheckHealth runs one health check now and reports whether the active
// network changed
func (e *Engine) CheckHealth(ctx context.Context) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	return e.failover.Check(ctx)
}
