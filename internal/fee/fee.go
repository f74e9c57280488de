// Package fee computes gas prices for settlement transactions: a cached
// network sample scaled by payment priority and recent block congestion,
// never above a configured ceiling.
package fee

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	// BumpPercent is the gas price multiplier applied on resubmission
	BumpPercent = 150

	DefaultCacheTTL         = time.Minute
	DefaultCongestionBlocks = 5
)

var (
	// ErrAboveCeiling is returned by Bump when the bumped price exceeds the ceiling
	ErrAboveCeiling = fmt.Errorf("gas price above ceiling")
	// ErrNoGasPrice is returned when no gas price sample is available
	ErrNoGasPrice = fmt.Errorf("couldn't sample network gas price")
)

// Priority is how urgently a payment should be included
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "medium"
	}
}

// Percent returns the priority multiplier in percent. The zero value is
// treated as medium.
func (p Priority) Percent() int64 {
	switch p {
	case PriorityLow:
		return 80
	case PriorityHigh:
		return 150
	case PriorityUrgent:
		return 200
	default:
		return 100
	}
}

// ParsePriority parses a priority name. Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// CongestionPercent maps average block utilisation to a multiplier in percent
func CongestionPercent(utilisation float64) int64 {
	switch {
	case utilisation > 0.9:
		return 150
	case utilisation > 0.75:
		return 130
	case utilisation > 0.5:
		return 110
	default:
		return 100
	}
}

// Source is the part of a network client the estimator samples from
type Source interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Config holds the estimator configuration
type Config struct {
	// Ceiling is the hard maximum gas price in wei
	Ceiling *big.Int
	// CacheTTL is how long a sampled network gas price is reused
	CacheTTL time.Duration
	// CongestionBlocks is how many recent blocks are averaged
	CongestionBlocks int
	// Now is the clock used for cache ageing
	Now func() time.Time
}

type sample struct {
	price     *big.Int
	sampledAt time.Time
}

// Estimator owns the per-network gas price cache
type Estimator struct {
	mu     sync.RWMutex
	config Config
	cache  map[uint64]sample // chainID => last sample
}

// New creates an estimator. A nil or non-positive ceiling panics since every
// price the engine emits must be bounded.
func New(config Config) *Estimator {
	if config.Ceiling == nil || config.Ceiling.Sign() <= 0 {
		panic("fee: ceiling must be positive")
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.CongestionBlocks <= 0 {
		config.CongestionBlocks = DefaultCongestionBlocks
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Estimator{
		config: config,
		cache:  make(map[uint64]sample),
	}
}

// Ceiling returns a copy of the configured ceiling
func (e *Estimator) Ceiling() *big.Int {
	return new(big.Int).Set(e.config.Ceiling)
}

// Clamp returns price limited to the ceiling
func (e *Estimator) Clamp(price *big.Int) *big.Int {
	if price.Cmp(e.config.Ceiling) > 0 {
		return e.Ceiling()
	}
	return new(big.Int).Set(price)
}

// Bump returns old × 1.5. When that exceeds the ceiling it returns the
// ceiling together with ErrAboveCeiling so the caller can fail the payment.
func (e *Estimator) Bump(old *big.Int) (*big.Int, error) {
	bumped := scale(old, BumpPercent)
	if bumped.Cmp(e.config.Ceiling) > 0 {
		return e.Ceiling(), fmt.Errorf("%w: bumped %s > ceiling %s", ErrAboveCeiling, bumped, e.config.Ceiling)
	}
	return bumped, nil
}

// BasePrice returns the cached network gas price for chainID, sampling a
// fresh one when the cache entry is older than the TTL. When sampling fails a
// stale entry is still used.
func (e *Estimator) BasePrice(ctx context.Context, chainID uint64, src Source) (*big.Int, error) {
	now := e.config.Now()

	e.mu.RLock()
	cached, ok := e.cache[chainID]
	e.mu.RUnlock()
	if ok && now.Sub(cached.sampledAt) < e.config.CacheTTL {
		return new(big.Int).Set(cached.price), nil
	}

	price, err := src.SuggestGasPrice(ctx)
	if err != nil || price == nil {
		if ok {
			logger.WithFields(logger.Fields{
				"chain_id":    chainID,
				"stale_for":   now.Sub(cached.sampledAt).String(),
				"error":       err,
				"stale_price": cached.price.String(),
			}).Warn("gas price sample failed, using stale cache entry")
			return new(big.Int).Set(cached.price), nil
		}
		return nil, fmt.Errorf("%w: %v", ErrNoGasPrice, err)
	}

	e.mu.Lock()
	e.cache[chainID] = sample{price: new(big.Int).Set(price), sampledAt: now}
	e.mu.Unlock()

	logger.WithFields(logger.Fields{
		"chain_id":  chainID,
		"gas_price": price.String(),
	}).Debug("gas price cache refreshed")

	return new(big.Int).Set(price), nil
}

// Congestion returns the congestion multiplier in percent for the last
// CongestionBlocks blocks. Any sampling failure yields 100 so pricing never
// blocks a payment.
func (e *Estimator) Congestion(ctx context.Context, src Source) int64 {
	head, err := src.HeaderByNumber(ctx, nil)
	if err != nil || head == nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Warn("congestion sampling failed, using neutral multiplier")
		return 100
	}

	var (
		sum     float64
		samples int
	)
	header := head
	for i := 0; i < e.config.CongestionBlocks; i++ {
		if i > 0 {
			if header.Number == nil || header.Number.Sign() == 0 {
				break
			}
			prev := new(big.Int).Sub(header.Number, big.NewInt(1))
			header, err = src.HeaderByNumber(ctx, prev)
			if err != nil || header == nil {
				logger.WithFields(logger.Fields{
					"block": prev.String(),
					"error": err,
				}).Warn("congestion sampling failed, using neutral multiplier")
				return 100
			}
		}
		if header.GasLimit == 0 {
			continue
		}
		sum += float64(header.GasUsed) / float64(header.GasLimit)
		samples++
	}
	if samples == 0 {
		return 100
	}
	return CongestionPercent(sum / float64(samples))
}

// OptimalGasPrice returns base × priority × congestion, clamped to the ceiling
func (e *Estimator) OptimalGasPrice(ctx context.Context, chainID uint64, src Source, priority Priority) (*big.Int, error) {
	base, err := e.BasePrice(ctx, chainID, src)
	if err != nil {
		return nil, err
	}
	congestion := e.Congestion(ctx, src)

	price := scale(scale(base, priority.Percent()), congestion)
	clamped := e.Clamp(price)

	logger.WithFields(logger.Fields{
		"chain_id":           chainID,
		"base_price":         base.String(),
		"priority":           priority.String(),
		"congestion_percent": congestion,
		"gas_price":          clamped.String(),
		"clamped":            clamped.Cmp(price) != 0,
	}).Debug("gas price estimated")

	return clamped, nil
}

func scale(v *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(percent))
	return out.Quo(out, big.NewInt(100))
}
