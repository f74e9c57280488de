package settlement

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// tombstone remembers a payment that left the ledger, so its outcome stays
// answerable and its id is never reused
type tombstone struct {
	snapshot   *Payment
	replacedBy string
	resolvedAt time.Time
}

// Ledger is the authoritative in-memory record of in-flight payments.
// Every mutation happens under one lock, so concurrent operations on the
// same id never interleave.
type Ledger struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	resolved map[string]tombstone
	now      func() time.Time
}

// NewLedger creates an empty ledger
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		payments: make(map[string]*Payment),
		resolved: make(map[string]tombstone),
		now:      now,
	}
}

func (l *Ledger) existsLocked(id string) bool {
	if _, ok := l.payments[id]; ok {
		return true
	}
	_, ok := l.resolved[id]
	return ok
}

// Insert adds a pending payment
func (l *Ledger) Insert(p *Payment) error {
	if p.ID == "" {
		return fmt.Errorf("payment id cannot be empty")
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, p.Amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.existsLocked(p.ID) {
		return fmt.Errorf("%w: id %s already used", ErrDuplicatePayment, p.ID)
	}
	cp := p.Clone()
	cp.Status = StatusPending
	l.payments[p.ID] = cp
	return nil
}

// Get returns a snapshot of the payment, live or resolved. A replaced
// payment carries the status of the payment that replaced it.
func (l *Ledger) Get(id string) (*Payment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.payments[id]; ok {
		return p.Clone(), true
	}
	if t, ok := l.resolved[id]; ok {
		cp := t.snapshot.Clone()
		if t.replacedBy != "" {
			cp.Status = l.statusLocked(t.replacedBy)
		}
		return cp, true
	}
	return nil, false
}

// Update applies fn to a copy of a live payment and stores the result.
// fn cannot change the id, resolve the payment or move its status backwards.
func (l *Ledger) Update(id string, fn func(p *Payment) error) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	switch {
	case next.ID != cur.ID:
		return nil, fmt.Errorf("payment id is immutable")
	case next.Status != cur.Status:
		return nil, fmt.Errorf("status of %s can only change through Resolve", id)
	case !next.Amount.IsPositive():
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, next.Amount)
	}
	l.payments[id] = next
	return next.Clone(), nil
}

// Resolve moves a live payment to a terminal status and removes it from the
// pending set. annotations are merged into its metadata. Resolving an id that
// is no longer live is a no-op and reports false.
func (l *Ledger) Resolve(id string, status Status, annotations map[string]string) (*Payment, bool) {
	if !status.Terminal() {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.payments[id]
	if !ok {
		return nil, false
	}
	final := cur.Clone()
	final.Status = status
	for k, v := range annotations {
		final.Metadata[k] = v
	}
	delete(l.payments, id)
	l.resolved[id] = tombstone{snapshot: final, resolvedAt: l.now()}
	return final.Clone(), true
}

// Replace atomically removes the live payment oldID and inserts next in its
// place. Only the first replacement of a payment succeeds; later attempts
// get ErrPaymentNotFound.
func (l *Ledger) Replace(oldID string, next *Payment) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old, ok := l.payments[oldID]
	if !ok {
		return nil, fmt.Errorf("%w: %s is no longer pending", ErrPaymentNotFound, oldID)
	}
	if l.existsLocked(next.ID) {
		return nil, fmt.Errorf("%w: id %s already used", ErrDuplicatePayment, next.ID)
	}

	cp := next.Clone()
	cp.Status = StatusPending
	delete(l.payments, oldID)
	l.resolved[oldID] = tombstone{snapshot: old.Clone(), replacedBy: cp.ID, resolvedAt: l.now()}
	l.payments[cp.ID] = cp
	return old.Clone(), nil
}

// Status returns the status of id. A replaced payment reports the status of
// the payment that replaced it.
func (l *Ledger) Status(id string) Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.statusLocked(id)
}

func (l *Ledger) statusLocked(id string) Status {
	for hops := 0; hops <= len(l.resolved); hops++ {
		if p, ok := l.payments[id]; ok {
			return p.Status
		}
		t, ok := l.resolved[id]
		if !ok {
			return StatusNotFound
		}
		if t.replacedBy == "" {
			return t.snapshot.Status
		}
		id = t.replacedBy
	}
	return StatusNotFound
}

// Successor returns the id that replaced id, if any
func (l *Ledger) Successor(id string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.resolved[id]
	if !ok || t.replacedBy == "" {
		return "", false
	}
	return t.replacedBy, true
}

// Pending returns snapshots of all live payments, oldest first
func (l *Ledger) Pending() []*Payment {
	l.mu.RLock()
	out := make([]*Payment, 0, len(l.payments))
	for _, p := range l.payments {
		out = append(out, p.Clone())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live payments
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.payments)
}

// Prune forgets resolved payments older than retention and returns how many
// were removed
func (l *Ledger) Prune(retention time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-retention)
	removed := 0
	for id, t := range l.resolved {
		if t.resolvedAt.Before(cutoff) {
			delete(l.resolved, id)
			removed++
		}
	}
	return removed
}
