package proxy

import (
	"context"
	"sort"
	"sync"
)

// Ledger counts dispatches inside the proxy, waiting ones included.
type Ledger struct {
	mu     sync.Mutex
	nextID uint64
	open   map[uint64]string
}

// Ticket is one dispatch's entry in the ledger.
type Ticket struct {
	id     uint64
	ledger *Ledger
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{open: make(map[uint64]string)}
}

// Begin records a dispatch to app as in flight.
func (l *Ledger) Begin(app string) *Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	l.open[l.nextID] = app
	return &Ticket{id: l.nextID, ledger: l}
}

// InFlight returns the number of open tickets.
func (l *Ledger) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}

// Apps returns the applications with open tickets, one entry per ticket.
func (l *Ledger) Apps() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	apps := make([]string, 0, len(l.open))
	for _, a := range l.open {
		apps = append(apps, a)
	}
	sort.Strings(apps)
	return apps
}

// End closes the ticket. Safe to call more than once.
func (t *Ticket) End() {
	t.ledger.mu.Lock()
	defer t.ledger.mu.Unlock()
	delete(t.ledger.open, t.id)
}

// appLocks serialises dispatches per application.
type appLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newAppLocks() *appLocks {
	return &appLocks{slots: make(map[string]chan struct{})}
}

// acquire blocks until app is free or ctx ends.
func (a *appLocks) acquire(ctx context.Context, app string) (func(), error) {
	a.mu.Lock()
	slot, ok := a.slots[app]
	if !ok {
		slot = make(chan struct{}, 1)
		a.slots[app] = slot
	}
	a.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
