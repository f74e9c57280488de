package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"golang.org/x/sync/errgroup"

	"github.com/sappystick/SpatialMesh-AR-sub001/internal/health"
)

// networkClient is the per-network handle: one transport per endpoint plus
// the endpoint health cache
type networkClient struct {
	network Network
	chainID *big.Int
	health  *health.Tracker
	conns   map[string]Transport // url => transport
}

func (c *networkClient) selected() (string, Transport, error) {
	url := c.health.Select()
	conn, ok := c.conns[url]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s has no connected endpoint", ErrNetworkUnavailable, c.network)
	}
	return url, conn, nil
}

// ClientPool maintains the network clients for all configured networks.
// Clients are created by Initialize and disposed together by Close.
type ClientPool struct {
	mu       sync.RWMutex
	clients  map[Network]*networkClient
	excluded map[Network]error

	dial         Dialer
	probeTimeout time.Duration
	healthConfig health.Config
}

// NewClientPool creates an empty pool
func NewClientPool(dial Dialer, probeTimeout time.Duration, healthConfig health.Config) *ClientPool {
	if dial == nil {
		dial = DialEthClient
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &ClientPool{
		clients:      make(map[Network]*networkClient),
		excluded:     make(map[Network]error),
		dial:         dial,
		probeTimeout: probeTimeout,
		healthConfig: healthConfig,
	}
}

// Initialize opens a client for every network and verifies connectivity,
// each endpoint within the probe timeout. Endpoints that fail are recorded
// unhealthy; a network with no working endpoint fails the whole call and
// every opened transport is closed again.
func (p *ClientPool) Initialize(ctx context.Context, endpoints map[Network][]string, networks []Network) error {
	clients := make(map[Network]*networkClient, len(networks))
	var errs []error

	for _, network := range networks {
		nc := &networkClient{
			network: network,
			chainID: new(big.Int).SetUint64(network.ChainID()),
			health:  health.NewTracker(endpoints[network], p.healthConfig),
			conns:   make(map[string]Transport),
		}
		clients[network] = nc

		for _, url := range endpoints[network] {
			conn, err := p.connect(ctx, network, url)
			if err != nil {
				nc.health.RecordFailure(url)
				logger.WithFields(logger.Fields{
					"network":  network.String(),
					"endpoint": url,
					"error":    err,
				}).Warn("couldn't connect to endpoint")
				continue
			}
			nc.conns[url] = conn
			nc.health.RecordSuccess(url)
		}

		if len(nc.conns) == 0 {
			errs = append(errs, fmt.Errorf("%w: no endpoint of %s is reachable", ErrNetworkUnavailable, network))
		}
	}

	if len(errs) > 0 {
		for _, nc := range clients {
			for _, conn := range nc.conns {
				conn.Close()
			}
		}
		return errors.Join(errs...)
	}

	p.mu.Lock()
	p.clients = clients
	p.excluded = make(map[Network]error)
	p.mu.Unlock()

	logger.WithFields(logger.Fields{
		"networks": len(clients),
	}).Info("network clients initialized")
	return nil
}

func (p *ClientPool) connect(ctx context.Context, network Network, url string) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	conn, err := p.dial(ctx, url)
	if err != nil {
		return nil, rpcError("dial", err)
	}
	chainID, err := conn.ChainID(ctx)
	if err != nil {
		conn.Close()
		return nil, rpcError("chain id", err)
	}
	if chainID.Uint64() != network.ChainID() {
		conn.Close()
		return nil, fmt.Errorf("%w: endpoint reports chain id %s, expected %d", ErrNetworkUnavailable, chainID, network.ChainID())
	}
	return conn, nil
}

func (p *ClientPool) client(network Network) (*networkClient, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if reason, ok := p.excluded[network]; ok {
		return nil, errors.Join(ErrNetworkUnavailable, fmt.Errorf("%s is excluded: %w", network, reason))
	}
	nc, ok := p.clients[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not initialized", ErrNetworkUnavailable, network)
	}
	return nc, nil
}

// Client returns the transport of the preferred endpoint of network
func (p *ClientPool) Client(network Network) (Transport, error) {
	nc, err := p.client(network)
	if err != nil {
		return nil, err
	}
	_, conn, err := nc.selected()
	return conn, err
}

// ChainID returns the chain id of network as used for signing
func (p *ClientPool) ChainID(network Network) *big.Int {
	return new(big.Int).SetUint64(network.ChainID())
}

// Probe checks the preferred endpoint of network within the probe timeout
// and records the outcome in the health cache
func (p *ClientPool) Probe(ctx context.Context, network Network) error {
	nc, err := p.client(network)
	if err != nil {
		return err
	}
	url, conn, err := nc.selected()
	if err != nil {
		return err
	}
	return p.probeEndpoint(ctx, nc, url, conn)
}

func (p *ClientPool) probeEndpoint(ctx context.Context, nc *networkClient, url string, conn Transport) error {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	if _, err := conn.BlockNumber(ctx); err != nil {
		nc.health.RecordFailure(url)
		return rpcError(fmt.Sprintf("probe %s", nc.network), err)
	}
	nc.health.RecordSuccess(url)
	return nil
}

// CheckEndpoints probes every connected endpoint of every network so that
// endpoint selection works on fresh data
func (p *ClientPool) CheckEndpoints(ctx context.Context) {
	p.mu.RLock()
	clients := make([]*networkClient, 0, len(p.clients))
	for _, nc := range p.clients {
		clients = append(clients, nc)
	}
	p.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, nc := range clients {
		nc := nc
		for url, conn := range nc.conns {
			url, conn := url, conn
			g.Go(func() error {
				if err := p.probeEndpoint(gctx, nc, url, conn); err != nil {
					logger.WithFields(logger.Fields{
						"network":  nc.network.String(),
						"endpoint": url,
						"error":    err,
					}).Debug("endpoint health check failed")
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// Exclude removes network from the usable set
func (p *ClientPool) Exclude(network Network, reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.excluded[network] = reason

	logger.WithFields(logger.Fields{
		"network": network.String(),
		"reason":  reason,
	}).Warn("network excluded")
}

// Usable reports whether network is initialized and not excluded
func (p *ClientPool) Usable(network Network) bool {
	_, err := p.client(network)
	return err == nil
}

// Endpoints returns the health snapshot of network's endpoints
func (p *ClientPool) Endpoints(network Network) []health.Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	nc, ok := p.clients[network]
	if !ok {
		return nil
	}
	return nc.health.Endpoints()
}

// Close releases every transport
func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, nc := range p.clients {
		for _, conn := range nc.conns {
			conn.Close()
		}
	}
	p.clients = make(map[Network]*networkClient)
}
