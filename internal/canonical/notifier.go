package canonical

import (
	"context"
	"log"
	"sync"
)

// Listener receives post-commit signals from the canonical store. The
// hosting application wires implementations (the draft layer's
// reconciliation listener) via Notifier.Subscribe.
type Listener interface {
	OnCommit(ctx context.Context, entityType, entityID string)
	OnDelete(ctx context.Context, entityType, entityID string)
}

// Notifier fans canonical commit/delete events out to listeners,
// synchronously and in subscription order. A panicking listener is
// logged and skipped so one subscriber cannot wedge the store.
type Notifier struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Subscribe(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *Notifier) commit(ctx context.Context, entityType, entityID string) {
	n.mu.RLock()
	listeners := make([]Listener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()
	for _, l := range listeners {
		safeNotify(func() { l.OnCommit(ctx, entityType, entityID) })
	}
}

func (n *Notifier) delete(ctx context.Context, entityType, entityID string) {
	n.mu.RLock()
	listeners := make([]Listener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()
	for _, l := range listeners {
		safeNotify(func() { l.OnDelete(ctx, entityType, entityID) })
	}
}

func safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("canonical: listener panic: %v", r)
		}
	}()
	fn()
}
