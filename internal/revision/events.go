package revision

import (
	"context"
	"sync"

	"github.com/kilupskalvis/revindex/internal/pathlock"
)

// EventKind classifies a branch change.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventDeleted   EventKind = "deleted"
	EventUpdated   EventKind = "updated"
	EventCommitted EventKind = "committed"
)

// BranchEvent is delivered to subscribers once per branch change.
type BranchEvent struct {
	Kind EventKind
	Path string
}

type subscriber struct {
	ch   chan BranchEvent
	done chan struct{}
	once sync.Once
}

// Registry owns the process-local state shared by everything working on one
// index: the per-path locks and the branch event subscribers.
type Registry struct {
	locks *pathlock.Cache

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

// NewRegistry creates a registry around a lock cache.
func NewRegistry(locks *pathlock.Cache) *Registry {
	if locks == nil {
		locks = pathlock.New(pathlock.Options{})
	}
	return &Registry{locks: locks, subs: make(map[int]*subscriber)}
}

// Locks returns the per-path lock cache.
func (r *Registry) Locks() *pathlock.Cache {
	return r.locks
}

// Subscribe registers a subscriber. Events are delivered in order; a
// publisher waits for a full channel to drain, so subscribers must keep
// reading until they call cancel.
func (r *Registry) Subscribe(buffer int) (<-chan BranchEvent, func()) {
	sub := &subscriber{ch: make(chan BranchEvent, buffer), done: make(chan struct{})}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = sub
	r.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			close(sub.done)
			r.mu.Lock()
			delete(r.subs, id)
			close(sub.ch)
			r.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber.
func (r *Registry) Publish(ctx context.Context, ev BranchEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return
		}
	}
}
