package settlement

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/KyberNetwork/logger"

	"github.com/sappystick/SpatialMesh-AR-sub001/internal/metrics"
)

// FailoverState is the state of the failover controller
type FailoverState int32

const (
	FailoverStable FailoverState = iota
	FailoverFailingOver
)

func (s FailoverState) String() string {
	switch s {
	case FailoverStable:
		return "stable"
	case FailoverFailingOver:
		return "failing_over"
	default:
		return "unknown"
	}
}

// FailoverController health-checks the active network and switches to the
// first responsive network in declared order when it fails. The active
// network is read atomically, so a submission sees either the old or the new
// network, never a mix.
type FailoverController struct {
	pool     *ClientPool
	networks []Network
	bus      *EventBus
	metrics  *metrics.Recorder

	current atomic.Int32
	state   atomic.Int32

	// checks never overlap
	mu sync.Mutex
}

// NewFailoverController starts on initial. networks is the declared order:
// the primary followed by the fallbacks.
func NewFailoverController(pool *ClientPool, networks []Network, initial Network, bus *EventBus, recorder *metrics.Recorder) *FailoverController {
	if recorder == nil {
		recorder = metrics.Noop()
	}
	f := &FailoverController{
		pool:     pool,
		networks: networks,
		bus:      bus,
		metrics:  recorder,
	}
	f.current.Store(int32(initial))
	return f
}

// Current returns the active network
func (f *FailoverController) Current() Network {
	return Network(f.current.Load())
}

// State returns the controller state
func (f *FailoverController) State() FailoverState {
	return FailoverState(f.state.Load())
}

// Check refreshes endpoint health, probes the active network and fails over
// when the probe fails. It reports whether the active network changed.
// When no other network responds the active network is kept and the next
// scheduled check tries again.
func (f *FailoverController) Check(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pool.CheckEndpoints(ctx)

	current := f.Current()
	probeErr := f.pool.Probe(ctx, current)
	if probeErr == nil {
		return false, nil
	}

	f.state.Store(int32(FailoverFailingOver))
	defer f.state.Store(int32(FailoverStable))

	logger.WithFields(logger.Fields{
		"network": current.String(),
		"error":   probeErr,
	}).Warn("active network failed health check, failing over")

	for _, candidate := range f.networks {
		if candidate == current || !f.pool.Usable(candidate) {
			continue
		}
		if err := f.pool.Probe(ctx, candidate); err != nil {
			logger.WithFields(logger.Fields{
				"network": candidate.String(),
				"error":   err,
			}).Debug("failover candidate did not respond")
			continue
		}

		f.current.Store(int32(candidate))
		f.metrics.Failover(ctx, current.String(), candidate.String())
		f.bus.Publish(ctx, Event{
			Type:            EventNetworkChanged,
			Network:         candidate,
			PreviousNetwork: current,
		})
		logger.WithFields(logger.Fields{
			"from": current.String(),
			"to":   candidate.String(),
		}).Info("failed over to network")
		return true, nil
	}

	logger.WithFields(logger.Fields{
		"network": current.String(),
	}).Warn("no fallback network responded, staying on current network")
	return false, fmt.Errorf("%w: %s is unhealthy and no fallback responded", ErrNetworkUnavailable, current)
}
