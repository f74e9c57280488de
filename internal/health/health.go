// Package health tracks the reachability of the RPC endpoints configured for
// a single network and decides which endpoint calls should be routed to.
package health

import (
	"sync"
	"time"
)

// State represents the health state of an endpoint
type State int

const (
	StateUnknown   State = iota // Never checked
	StateHealthy                // Last check succeeded
	StateUnhealthy              // Failure threshold reached
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "invalid"
	}
}

// Config holds the configuration for a Tracker
type Config struct {
	// FailureThreshold is the number of consecutive failed checks before an
	// endpoint is considered unhealthy
	FailureThreshold int

	// FreshWindow is how long a successful check keeps an endpoint eligible
	// for selection
	FreshWindow time.Duration

	// Now is the clock used for check timestamps
	Now func() time.Time

	// OnStateChange is called when an endpoint changes state
	OnStateChange func(url string, from, to State)
}

// DefaultConfig returns the default tracker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 1,
		FreshWindow:      5 * time.Minute,
	}
}

// Endpoint is a point-in-time view of one endpoint
type Endpoint struct {
	URL                 string
	State               State
	Healthy             bool
	LastHealthCheck     time.Time
	ConsecutiveFailures int
}

type endpoint struct {
	url                 string
	state               State
	lastHealthCheck     time.Time
	consecutiveFailures int
}

// Tracker keeps the health cache for the endpoints of one network
type Tracker struct {
	mu sync.RWMutex

	config    Config
	endpoints []*endpoint
}

// NewTracker creates a tracker for the given endpoint URLs. The order of
// urls is the configured preference order.
func NewTracker(urls []string, config Config) *Tracker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.FreshWindow <= 0 {
		config.FreshWindow = 5 * time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	t := &Tracker{config: config}
	for _, u := range urls {
		t.endpoints = append(t.endpoints, &endpoint{url: u})
	}
	return t
}

// Select returns the first endpoint verified healthy within the fresh window.
// When none qualifies it falls back to the first configured URL, so a cold
// start still has somewhere to send calls.
func (t *Tracker) Select() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.endpoints) == 0 {
		return ""
	}
	now := t.config.Now()
	for _, e := range t.endpoints {
		if t.freshLocked(e, now) {
			return e.url
		}
	}
	return t.endpoints[0].url
}

// Healthy reports whether at least one endpoint is verified healthy within
// the fresh window
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.config.Now()
	for _, e := range t.endpoints {
		if t.freshLocked(e, now) {
			return true
		}
	}
	return false
}

func (t *Tracker) freshLocked(e *endpoint, now time.Time) bool {
	return e.state == StateHealthy && now.Sub(e.lastHealthCheck) <= t.config.FreshWindow
}

// RecordSuccess records a successful health check for url
func (t *Tracker) RecordSuccess(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.findLocked(url)
	if e == nil {
		return
	}
	e.consecutiveFailures = 0
	e.lastHealthCheck = t.config.Now()
	t.setStateLocked(e, StateHealthy)
}

// RecordFailure records a failed health check for url
func (t *Tracker) RecordFailure(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.findLocked(url)
	if e == nil {
		return
	}
	e.consecutiveFailures++
	e.lastHealthCheck = t.config.Now()
	if e.consecutiveFailures >= t.config.FailureThreshold {
		t.setStateLocked(e, StateUnhealthy)
	}
}

// Endpoints returns a snapshot of all endpoints in configured order
func (t *Tracker) Endpoints() []Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Endpoint, 0, len(t.endpoints))
	for _, e := range t.endpoints {
		out = append(out, Endpoint{
			URL:                 e.url,
			State:               e.state,
			Healthy:             e.state == StateHealthy,
			LastHealthCheck:     e.lastHealthCheck,
			ConsecutiveFailures: e.consecutiveFailures,
		})
	}
	return out
}

func (t *Tracker) findLocked(url string) *endpoint {
	for _, e := range t.endpoints {
		if e.url == url {
			return e
		}
	}
	return nil
}

func (t *Tracker) setStateLocked(e *endpoint, newState State) {
	if e.state == newState {
		return
	}
	oldState := e.state
	e.state = newState

	if t.config.OnStateChange != nil {
		go t.config.OnStateChange(e.url, oldState, newState)
	}
}
