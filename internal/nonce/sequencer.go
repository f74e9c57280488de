// Package nonce provides per-sender nonce sequencing for the settlement engine.
// This is an internal package and should not be imported directly by external code.
package nonce

import (
	"context"
	"errors"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
)

// Key identifies one nonce sequence: a sender on a chain
type Key struct {
	ChainID uint64
	Sender  common.Address
}

// RemoteNonceFunc returns the next nonce as reported by the network
type RemoteNonceFunc func(ctx context.Context) (uint64, error)

// Sequencer hands out nonces for (chain, sender) pairs. Only one reservation
// per key can be open at a time, so allocation, submission and the cache
// update happen strictly one after another for a given sender.
type Sequencer struct {
	// slots holds a one-element semaphore per key
	slots sync.Map // map[Key]chan struct{}

	mu sync.RWMutex
	// next maps key => next nonce the engine may use (one past the last
	// successfully submitted nonce)
	next map[Key]uint64
}

// NewSequencer creates an empty sequencer
func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[Key]uint64)}
}

func (s *Sequencer) slot(key Key) chan struct{} {
	ch, _ := s.slots.LoadOrStore(key, make(chan struct{}, 1))
	return ch.(chan struct{})
}

// Cached returns the next nonce recorded locally for key
func (s *Sequencer) Cached(key Key) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.next[key]
	return n, ok
}

// Reserve waits for exclusive access to key and returns a reservation for
// max(networkNonce, cachedNonce). The caller must Commit the reservation after
// the transaction was accepted by the network, or Release it otherwise.
func (s *Sequencer) Reserve(ctx context.Context, key Key, networkName string, remote RemoteNonceFunc) (*Reservation, error) {
	slot := s.slot(key)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	remoteNonce, err := remote(ctx)
	if err != nil {
		<-slot
		return nil, errors.Join(ErrRemoteNonce, err)
	}

	nextNonce := remoteNonce
	decisionReason := "using network nonce"
	cached, ok := s.Cached(key)
	if ok && cached > remoteNonce {
		nextNonce = cached
		decisionReason = "using local nonce (higher than network)"
	}

	logger.WithFields(logger.Fields{
		"sender":       key.Sender.Hex(),
		"network":      networkName,
		"chain_id":     key.ChainID,
		"nonce":        nextNonce,
		"remote_nonce": remoteNonce,
		"local_nonce":  cached,
		"local_known":  ok,
		"decision":     decisionReason,
	}).Debug("nonce reserved")

	return &Reservation{
		seq:     s,
		key:     key,
		network: networkName,
		nonce:   nextNonce,
		slot:    slot,
	}, nil
}

// advance records that nonce was used. The cache never moves backwards.
func (s *Sequencer) advance(key Key, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.next[key]; ok && cur > nonce {
		return
	}
	s.next[key] = nonce + 1
}

// Reservation is an exclusive claim on the next nonce of one sequence.
// It is owned by a single goroutine.
type Reservation struct {
	seq     *Sequencer
	key     Key
	network string
	nonce   uint64
	slot    chan struct{}
	closed  bool
}

// Nonce returns the reserved nonce
func (r *Reservation) Nonce() uint64 {
	return r.nonce
}

// Raise moves the reserved nonce up to floor if it is higher. Used when the
// network rejects the nonce as too low.
func (r *Reservation) Raise(floor uint64) {
	if floor > r.nonce {
		logger.WithFields(logger.Fields{
			"sender":    r.key.Sender.Hex(),
			"network":   r.network,
			"old_nonce": r.nonce,
			"new_nonce": floor,
		}).Debug("nonce reservation raised")
		r.nonce = floor
	}
}

// Reuse points the reservation at an already used nonce, for a transaction
// that replaces an earlier one of the same nonce. Committing it never moves
// the cache backwards.
func (r *Reservation) Reuse(used uint64) {
	logger.WithFields(logger.Fields{
		"sender":         r.key.Sender.Hex(),
		"network":        r.network,
		"reserved_nonce": r.nonce,
		"reused_nonce":   used,
	}).Debug("nonce reservation reuses a sent nonce")
	r.nonce = used
}

// Commit records the reserved nonce as used and releases the sequence
func (r *Reservation) Commit() error {
	if r.closed {
		return ErrReservationClosed
	}
	r.closed = true
	r.seq.advance(r.key, r.nonce)
	<-r.slot
	return nil
}

// Release gives up the reservation without consuming the nonce
func (r *Reservation) Release() error {
	if r.closed {
		return ErrReservationClosed
	}
	r.closed = true
	<-r.slot
	logger.WithFields(logger.Fields{
		"sender":  r.key.Sender.Hex(),
		"network": r.network,
		"nonce":   r.nonce,
	}).Debug("nonce reservation released unused")
	return nil
}
