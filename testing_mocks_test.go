package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sappystick/SpatialMesh-AR-sub001/internal/contract"
	"github.com/sappystick/SpatialMesh-AR-sub001/testutil"
)

// ============================================================
// Mock ledger node
// ============================================================

var errConnectionRefused = errors.New("dial tcp 10.0.0.1:8545: connect: connection refused")

// mockChain is the shared state of one simulated network
type mockChain struct {
	mu sync.Mutex

	chainID     *big.Int
	head        uint64
	utilisation uint64
	gasPrice    *big.Int
	gasEstimate uint64
	estimateErr error

	balances      map[common.Address]*big.Int
	pendingNonces map[common.Address]uint64
	stateNonces   map[common.Address]uint64 // next nonce in the latest block
	code          map[common.Address][]byte
	supported     bool

	mempool  map[common.Hash]*types.Transaction
	evicted  map[common.Hash]*types.Transaction
	mined    map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	sendPlan []sendOutcome

	calls map[string]int
	abi   *contract.Settlement
}

func newMockChain(chainID uint64) *mockChain {
	return &mockChain{
		chainID:       new(big.Int).SetUint64(chainID),
		head:          100,
		utilisation:   40,
		gasPrice:      new(big.Int).Set(testutil.TwentyGwei),
		gasEstimate:   100_000,
		balances:      make(map[common.Address]*big.Int),
		pendingNonces: make(map[common.Address]uint64),
		stateNonces:   make(map[common.Address]uint64),
		code:          map[common.Address][]byte{testutil.TestContractAddr: {0x60, 0x80, 0x60, 0x40}},
		supported:     true,
		mempool:       make(map[common.Hash]*types.Transaction),
		evicted:       make(map[common.Hash]*types.Transaction),
		mined:         make(map[common.Hash]*types.Transaction),
		receipts:      make(map[common.Hash]*types.Receipt),
		calls:         make(map[string]int),
		abi:           contract.MustNew(),
	}
}

func (c *mockChain) setBalance(addr common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(wei)
}

// sendOutcome scripts one SendTransaction call. An accepted transaction
// still enters the mempool when err is set, as when the response is lost.
type sendOutcome struct {
	accept bool
	err    error
}

// queueSendErrors makes the next calls fail without touching the mempool
func (c *mockChain) queueSendErrors(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, err := range errs {
		c.sendPlan = append(c.sendPlan, sendOutcome{err: err})
	}
}

// queueAcceptedErrors makes the next calls take the transaction and still
// answer with an error
func (c *mockChain) queueAcceptedErrors(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, err := range errs {
		c.sendPlan = append(c.sendPlan, sendOutcome{accept: true, err: err})
	}
}

// minedTxs returns the transactions included in a block
func (c *mockChain) minedTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	txs := make([]*types.Transaction, 0, len(c.mined))
	for _, tx := range c.mined {
		txs = append(txs, tx)
	}
	return txs
}

func (c *mockChain) sender(tx *types.Transaction) common.Address {
	from, _ := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	return from
}

// accept puts tx in the mempool, evicting a pending transaction of the same
// sender and nonce. Callers hold mu.
func (c *mockChain) accept(tx *types.Transaction) error {
	from := c.sender(tx)
	if _, ok := c.mempool[tx.Hash()]; ok {
		return errors.New("already known")
	}
	if _, ok := c.mined[tx.Hash()]; ok {
		return errors.New("already known")
	}
	if tx.Nonce() < c.stateNonces[from] {
		return fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", c.stateNonces[from], tx.Nonce())
	}
	for hash, queued := range c.mempool {
		if queued.Nonce() != tx.Nonce() || c.sender(queued) != from {
			continue
		}
		// replacements must pay at least 10% more
		floor := new(big.Int).Div(new(big.Int).Mul(queued.GasPrice(), big.NewInt(110)), big.NewInt(100))
		if tx.GasPrice().Cmp(floor) < 0 {
			return errors.New("replacement transaction underpriced")
		}
		delete(c.mempool, hash)
		c.evicted[hash] = queued
	}
	if tx.Nonce()+1 > c.pendingNonces[from] {
		c.pendingNonces[from] = tx.Nonce() + 1
	}
	c.mempool[tx.Hash()] = tx
	c.sent = append(c.sent, tx)
	return nil
}

func (c *mockChain) callCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *mockChain) sentTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

func (c *mockChain) setHead(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

func (c *mockChain) advance(blocks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head += blocks
}

// mine moves a mempool transaction into a new block. Successful
// createPayment calls emit PaymentCreated like the contract does.
func (c *mockChain) mine(hash common.Hash, status uint64) *types.Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.mempool[hash]
	if !ok {
		// a replaced transaction can still be mined by a node that never saw
		// its replacement
		if tx, ok = c.evicted[hash]; !ok {
			return nil
		}
	}
	from := c.sender(tx)
	if tx.Nonce() < c.stateNonces[from] {
		return nil
	}
	delete(c.mempool, hash)
	delete(c.evicted, hash)
	for other, queued := range c.mempool {
		if queued.Nonce() == tx.Nonce() && c.sender(queued) == from {
			delete(c.mempool, other)
			c.evicted[other] = queued
		}
	}
	if tx.Nonce()+1 > c.stateNonces[from] {
		c.stateNonces[from] = tx.Nonce() + 1
	}
	c.head++
	c.mined[hash] = tx

	var logs []*types.Log
	if status == types.ReceiptStatusSuccessful {
		if call, err := c.abi.DecodeCreatePayment(tx.Data()); err == nil {
			l, err := c.abi.PaymentCreatedLog(*tx.To(), fmt.Sprintf("chain-%d", c.head), call.UserID, call.Amount)
			if err == nil {
				logs = append(logs, l)
			}
		}
	}
	receipt := testutil.NewReceiptInBlock(tx, status, c.head, logs...)
	c.receipts[hash] = receipt
	return receipt
}

// mineAs records forged as what was mined under hash, as a buggy or
// malicious node would report it
func (c *mockChain) mineAs(hash common.Hash, forged *types.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.mempool, hash)
	c.head++
	c.mined[hash] = forged
	receipt := testutil.NewReceiptInBlock(forged, types.ReceiptStatusSuccessful, c.head)
	receipt.TxHash = hash
	c.receipts[hash] = receipt
}

// drop removes a transaction from the mempool without mining it
func (c *mockChain) drop(hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mempool, hash)
}

func (c *mockChain) header(number uint64) *types.Header {
	return testutil.NewHeader(number, c.utilisation)
}

// mockTransport is one RPC endpoint of a mockChain
type mockTransport struct {
	chain *mockChain

	mu     sync.Mutex
	down   bool
	closed bool
}

func newMockTransport(chain *mockChain) *mockTransport {
	return &mockTransport{chain: chain}
}

func (m *mockTransport) setDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// enter counts the call and reports an outage. The chain lock is held on
// return and must be released by the caller.
func (m *mockTransport) enter(method string) error {
	m.mu.Lock()
	down := m.down
	m.mu.Unlock()

	m.chain.mu.Lock()
	m.chain.calls[method]++
	if down {
		m.chain.mu.Unlock()
		return errConnectionRefused
	}
	return nil
}

func (m *mockTransport) ChainID(ctx context.Context) (*big.Int, error) {
	if err := m.enter("ChainID"); err != nil {
		return nil, err
	}
	defer m.chain.mu.Unlock()
	return new(big.Int).Set(m.chain.chainID), nil
}

func (m *mockTransport) BlockNumber(ctx context.Context) (uint64, error) {
	if err := m.enter("BlockNumber"); err != nil {
		return 0, err
	}
	defer m.chain.mu.Unlock()
	return m.chain.head, nil
}

func (m *mockTransport) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := m.enter("HeaderByNumber"); err != nil {
		return nil, err
	}
	defer m.chain.mu.Unlock()
	if number == nil {
		return m.chain.header(m.chain.head), nil
	}
	if number.Uint64() > m.chain.head {
		return nil, ethereum.NotFound
	}
	return m.chain.header(number.Uint64()), nil
}

func (m *mockTransport) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if err := m.enter("BalanceAt"); err != nil {
		return nil, err
	}
	defer m.chain.mu.Unlock()
	if b, ok := m.chain.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (m *mockTransport) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := m.enter("PendingNonceAt"); err != nil {
		return 0, err
	}
	defer m.chain.mu.Unlock()
	return m.chain.pendingNonces[account], nil
}

func (m *mockTransport) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := m.enter("SuggestGasPrice"); err != nil {
		return nil, err
	}
	defer m.chain.mu.Unlock()
	return new(big.Int).Set(m.chain.gasPrice), nil
}

func (m *mockTransport) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := m.enter("EstimateGas"); err != nil {
		return 0, err
	}
	defer m.chain.mu.Unlock()
	if m.chain.estimateErr != nil {
		return 0, m.chain.estimateErr
	}
	return m.chain.gasEstimate, nil
}

func (m *mockTransport) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := m.enter("SendTransaction"); err != nil {
		return err
	}
	defer m.chain.mu.Unlock()

	if _, err := types.Sender(types.LatestSignerForChainID(m.chain.chainID), tx); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if len(m.chain.sendPlan) > 0 {
		outcome := m.chain.sendPlan[0]
		m.chain.sendPlan = m.chain.sendPlan[1:]
		if !outcome.accept {
			return outcome.err
		}
		if err := m.chain.accept(tx); err != nil {
			return err
		}
		return outcome.err
	}
	return m.chain.accept(tx)
}

func (m *mockTransport) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := m.enter("TransactionByHash"); err != nil {
		return nil, false, err
	}
	defer m.chain.mu.Unlock()
	if tx, ok := m.chain.mempool[hash]; ok {
		return tx, true, nil
	}
	if tx, ok := m.chain.mined[hash]; ok {
		return tx, false, nil
	}
	return nil, false, ethereum.NotFound
}

func (m *mockTransport) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := m.enter("TransactionReceipt"); err != nil {
		return nil, err
	}
	defer m.chain.mu.Unlock()
	if r, ok := m.chain.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (m *mockTransport) CodeAt(ctx context.Context, addr common.Address, blockNumber *big.Int) ([]byte, error) {
	if err := m.enter("CodeAt"); err != nil {
		return nil, err
	}
	defer m.chain.mu.Unlock()
	return m.chain.code[addr], nil
}

func (m *mockTransport) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := m.enter("CallContract"); err != nil {
		return nil, err
	}
	defer m.chain.mu.Unlock()
	return m.chain.abi.ABI().Methods["supportsInterface"].Outputs.Pack(m.chain.supported)
}

func (m *mockTransport) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// ============================================================
// Signers and clock
// ============================================================

type failingSigner struct {
	*KeySigner
	err error
}

func (s *failingSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return nil, s.err
}

// foreignSigner claims an address it does not hold the key of
type foreignSigner struct {
	*KeySigner
	claimed common.Address
}

func (s *foreignSigner) Address() common.Address {
	return s.claimed
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ============================================================
// Engine harness
// ============================================================

type testEnv struct {
	t          *testing.T
	engine     *Engine
	signer     *KeySigner
	clock      *fakeClock
	chains     map[Network]*mockChain
	transports map[string]*mockTransport
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Primary = Ethereum
	cfg.Fallbacks = []Network{Polygon}
	cfg.Endpoints = map[Network][]string{
		Ethereum: {testutil.PrimaryRPC},
		Polygon:  {testutil.FallbackRPC},
	}
	cfg.Contracts = map[Network]common.Address{
		Ethereum: testutil.TestContractAddr,
		Polygon:  testutil.TestContractAddr,
	}
	cfg.RetryBackoff = time.Millisecond
	cfg.CallTimeout = time.Second
	cfg.ProbeTimeout = time.Second
	// background loops stay idle; tests drive sweeps and checks directly
	cfg.SweepInterval = time.Hour
	cfg.HealthInterval = time.Hour
	return cfg
}

// newUnstartedEnv builds an engine on mock networks without starting it
func newUnstartedEnv(t *testing.T, mutate func(*Config), opts ...Option) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		t:          t,
		signer:     NewKeySigner(testutil.TestPrivateKey1),
		clock:      newFakeClock(),
		chains:     make(map[Network]*mockChain),
		transports: make(map[string]*mockTransport),
	}
	for _, n := range cfg.Networks() {
		chain := newMockChain(n.ChainID())
		chain.setBalance(env.signer.Address(), testutil.Eth(100))
		env.chains[n] = chain
		for _, url := range cfg.Endpoints[n] {
			env.transports[url] = newMockTransport(chain)
		}
	}

	dial := func(ctx context.Context, url string) (Transport, error) {
		tr, ok := env.transports[url]
		if !ok {
			return nil, fmt.Errorf("no such endpoint %s", url)
		}
		return tr, nil
	}

	allOpts := append([]Option{WithDialer(dial), WithClock(env.clock.Now)}, opts...)
	engine, err := New(cfg, env.signer, allOpts...)
	require.NoError(t, err)
	env.engine = engine
	t.Cleanup(func() { _ = engine.Close() })
	return env
}

// newTestEnv builds and starts an engine on mock networks
func newTestEnv(t *testing.T, mutate func(*Config), opts ...Option) *testEnv {
	t.Helper()
	env := newUnstartedEnv(t, mutate, opts...)
	require.NoError(t, env.engine.Start(context.Background()))
	return env
}

func (env *testEnv) pay(userID string, amount string) string {
	env.t.Helper()
	id, err := env.engine.CreatePaymentRequest(context.Background(), PaymentRequest{
		UserID: userID,
		Amount: decimal.RequireFromString(amount),
	})
	require.NoError(env.t, err)
	return id
}

func (env *testEnv) payment(id string) *Payment {
	env.t.Helper()
	p, ok := env.engine.Payment(id)
	require.True(env.t, ok, "payment %s not found", id)
	return p
}

func (env *testEnv) sweep() {
	env.t.Helper()
	require.NoError(env.t, env.engine.Sweep(context.Background()))
}

// drain returns every event currently buffered on sub
func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
