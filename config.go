package settlement

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Defaults
const (
	DefaultRetryAttempts    = 3
	DefaultRetryBackoff     = 2 * time.Second
	DefaultMaxResubmissions = 5
	DefaultSweepInterval    = 15 * time.Second
	DefaultHealthInterval   = time.Minute
	DefaultStallAfter       = time.Hour
	DefaultMissingPollLimit = 3
	DefaultGasCacheTTL      = time.Minute
	DefaultCongestionBlocks = 5
	DefaultHealthyWindow    = 5 * time.Minute
	DefaultProbeTimeout     = 5 * time.Second
	DefaultCallTimeout      = 15 * time.Second
	DefaultEventBuffer      = 64
	DefaultRetention        = 24 * time.Hour
)

// DefaultMaxGasPrice is 500 gwei
var DefaultMaxGasPrice = big.NewInt(500_000_000_000)

// envPrefix prefixes every environment variable read by LoadConfigFromEnv
const envPrefix = "SETTLEMENT_"

// Config is resolved once at startup and never changes afterwards
type Config struct {
	Primary   Network
	Fallbacks []Network

	// Endpoints lists RPC URLs per network in preference order
	Endpoints map[Network][]string
	// Contracts is the settlement contract address per network
	Contracts map[Network]common.Address
	// Confirmations overrides Network.DefaultConfirmations
	Confirmations map[Network]uint64

	// MaxGasPrice is the hard gas price ceiling in wei
	MaxGasPrice *big.Int

	RetryAttempts    int
	RetryBackoff     time.Duration
	MaxResubmissions int

	SweepInterval    time.Duration
	HealthInterval   time.Duration
	StallAfter       time.Duration
	MissingPollLimit int

	GasCacheTTL      time.Duration
	CongestionBlocks int

	HealthyWindow time.Duration
	ProbeTimeout  time.Duration
	CallTimeout   time.Duration

	EventBuffer int
	Retention   time.Duration
}

// DefaultConfig returns a config with every tunable set to its default.
// Networks, endpoints and contracts still have to be provided.
func DefaultConfig() Config {
	return Config{
		Primary:          Ethereum,
		Endpoints:        make(map[Network][]string),
		Contracts:        make(map[Network]common.Address),
		Confirmations:    make(map[Network]uint64),
		MaxGasPrice:      new(big.Int).Set(DefaultMaxGasPrice),
		RetryAttempts:    DefaultRetryAttempts,
		RetryBackoff:     DefaultRetryBackoff,
		MaxResubmissions: DefaultMaxResubmissions,
		SweepInterval:    DefaultSweepInterval,
		HealthInterval:   DefaultHealthInterval,
		StallAfter:       DefaultStallAfter,
		MissingPollLimit: DefaultMissingPollLimit,
		GasCacheTTL:      DefaultGasCacheTTL,
		CongestionBlocks: DefaultCongestionBlocks,
		HealthyWindow:    DefaultHealthyWindow,
		ProbeTimeout:     DefaultProbeTimeout,
		CallTimeout:      DefaultCallTimeout,
		EventBuffer:      DefaultEventBuffer,
		Retention:        DefaultRetention,
	}
}

// withDefaults fills zero tunables with their defaults
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxGasPrice == nil {
		c.MaxGasPrice = d.MaxGasPrice
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.MaxResubmissions == 0 {
		c.MaxResubmissions = d.MaxResubmissions
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.StallAfter == 0 {
		c.StallAfter = d.StallAfter
	}
	if c.MissingPollLimit == 0 {
		c.MissingPollLimit = d.MissingPollLimit
	}
	if c.GasCacheTTL == 0 {
		c.GasCacheTTL = d.GasCacheTTL
	}
	if c.CongestionBlocks == 0 {
		c.CongestionBlocks = d.CongestionBlocks
	}
	if c.HealthyWindow == 0 {
		c.HealthyWindow = d.HealthyWindow
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.Retention == 0 {
		c.Retention = d.Retention
	}
	return c
}

// Networks returns the primary followed by the fallbacks in declared order,
// without duplicates
func (c Config) Networks() []Network {
	seen := make(map[Network]bool)
	out := make([]Network, 0, 1+len(c.Fallbacks))
	for _, n := range append([]Network{c.Primary}, c.Fallbacks...) {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// RequiredConfirmations returns the confirmation count for network
func (c Config) RequiredConfirmations(network Network) uint64 {
	if n, ok := c.Confirmations[network]; ok && n > 0 {
		return n
	}
	return network.DefaultConfirmations()
}

// Validate checks that the config can run an engine
func (c Config) Validate() error {
	var errs []error
	for _, n := range c.Networks() {
		if !n.Valid() {
			errs = append(errs, fmt.Errorf("network %d: %w", n, ErrUnknownNetwork))
			continue
		}
		if len(c.Endpoints[n]) == 0 {
			errs = append(errs, fmt.Errorf("network %s has no rpc endpoints", n))
		}
		if c.Contracts[n] == (common.Address{}) {
			errs = append(errs, fmt.Errorf("network %s has no contract address", n))
		}
	}
	if c.MaxGasPrice == nil || c.MaxGasPrice.Sign() <= 0 {
		errs = append(errs, fmt.Errorf("max gas price must be positive"))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry attempts must be at least 1"))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry backoff cannot be negative"))
	}
	if c.MaxResubmissions < 0 {
		errs = append(errs, fmt.Errorf("max resubmissions cannot be negative"))
	}
	for name, d := range map[string]time.Duration{
		"sweep interval":  c.SweepInterval,
		"health interval": c.HealthInterval,
		"stall after":     c.StallAfter,
		"probe timeout":   c.ProbeTimeout,
		"call timeout":    c.CallTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MissingPollLimit < 1 {
		errs = append(errs, fmt.Errorf("missing poll limit must be at least 1"))
	}
	if c.EventBuffer < 1 {
		errs = append(errs, fmt.Errorf("event buffer must be at least 1"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// LoadConfigFromEnv builds a config from SETTLEMENT_* environment variables.
// Variables from the given .env files (default ".env") are loaded first when
// the files exist; variables already set in the environment win.
//
//	SETTLEMENT_PRIMARY_NETWORK=ethereum
//	SETTLEMENT_FALLBACK_NETWORKS=polygon,arbitrum
//	SETTLEMENT_RPC_ETHEREUM=https://a.example,https://b.example
//	SETTLEMENT_CONTRACT_ETHEREUM=0x...
//	SETTLEMENT_CONFIRMATIONS_ETHEREUM=12
//	SETTLEMENT_MAX_GAS_PRICE_GWEI=500
//	SETTLEMENT_RETRY_ATTEMPTS=3
//	SETTLEMENT_RETRY_BACKOFF=2s
func LoadConfigFromEnv(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("couldn't load env file: %w", err)
	}
	return configFromLookup(os.LookupEnv)
}

func configFromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	get := func(key string) (string, bool) {
		v, ok := lookup(envPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	var errs []error

	if v, ok := get("PRIMARY_NETWORK"); ok {
		n, err := ParseNetwork(v)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Primary = n
	}
	if v, ok := get("FALLBACK_NETWORKS"); ok {
		for _, name := range strings.Split(v, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			n, err := ParseNetwork(name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			cfg.Fallbacks = append(cfg.Fallbacks, n)
		}
	}

	for _, n := range cfg.Networks() {
		suffix := strings.ToUpper(n.String())
		if v, ok := get("RPC_" + suffix); ok {
			for _, u := range strings.Split(v, ",") {
				if u = strings.TrimSpace(u); u != "" {
					cfg.Endpoints[n] = append(cfg.Endpoints[n], u)
				}
			}
		}
		if v, ok := get("CONTRACT_" + suffix); ok {
			if !common.IsHexAddress(v) {
				errs = append(errs, fmt.Errorf("%sCONTRACT_%s: invalid address %q", envPrefix, suffix, v))
			} else {
				cfg.Contracts[n] = common.HexToAddress(v)
			}
		}
		if v, ok := get("CONFIRMATIONS_" + suffix); ok {
			c, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%sCONFIRMATIONS_%s: %w", envPrefix, suffix, err))
			} else {
				cfg.Confirmations[n] = c
			}
		}
	}

	if v, ok := get("MAX_GAS_PRICE_GWEI"); ok {
		gwei, err := decimal.NewFromString(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_GAS_PRICE_GWEI: %w", envPrefix, err))
		} else {
			cfg.MaxGasPrice = gwei.Shift(9).Truncate(0).BigInt()
		}
	}

	ints := map[string]*int{
		"RETRY_ATTEMPTS":     &cfg.RetryAttempts,
		"MAX_RESUBMISSIONS":  &cfg.MaxResubmissions,
		"MISSING_POLL_LIMIT": &cfg.MissingPollLimit,
		"CONGESTION_BLOCKS":  &cfg.CongestionBlocks,
		"EVENT_BUFFER":       &cfg.EventBuffer,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				continue
			}
			*dst = i
		}
	}

	durations := map[string]*time.Duration{
		"RETRY_BACKOFF":   &cfg.RetryBackoff,
		"SWEEP_INTERVAL":  &cfg.SweepInterval,
		"HEALTH_INTERVAL": &cfg.HealthInterval,
		"STALL_AFTER":     &cfg.StallAfter,
		"GAS_CACHE_TTL":   &cfg.GasCacheTTL,
		"HEALTHY_WINDOW":  &cfg.HealthyWindow,
		"PROBE_TIMEOUT":   &cfg.ProbeTimeout,
		"CALL_TIMEOUT":    &cfg.CallTimeout,
		"RETENTION":       &cfg.Retention,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				continue
			}
			*dst = d
		}
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return cfg, cfg.Validate()
}
