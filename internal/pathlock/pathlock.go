// Package pathlock serializes work per branch path. Locks are created on
// demand and forgotten after they have been idle for a while.
package pathlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kilupskalvis/revindex/internal/metrics"
	"github.com/kilupskalvis/revindex/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultWaitTimeout = time.Minute
	DefaultSize        = 10000
)

// Options configures a Cache.
type Options struct {
	IdleTimeout time.Duration
	WaitTimeout time.Duration
	Size        int
	Logger      *zap.Logger
}

type lock struct {
	ch    chan struct{}
	users int // holder plus waiters, guarded by Cache.mu
}

// Cache hands out one lock per path. Locks with users are pinned; idle locks
// live in an expiring LRU so unused paths do not accumulate.
type Cache struct {
	mu   sync.Mutex
	idle *expirable.LRU[string, *lock]
	busy map[string]*lock
	wait time.Duration
	log  *zap.Logger
}

// New creates a lock cache.
func New(opts Options) *Cache {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		idle: expirable.NewLRU[string, *lock](opts.Size, nil, opts.IdleTimeout),
		busy: make(map[string]*lock),
		wait: opts.WaitTimeout,
		log:  opts.Logger,
	}
}

// Lock acquires the lock for path and returns the function releasing it.
// It gives up with models.ErrRequestTimeout once the wait timeout elapses
// and with the context error if ctx is done first. Locks are not reentrant.
func (c *Cache) Lock(ctx context.Context, path string) (func(), error) {
	l := c.checkout(path)

	timer := time.NewTimer(c.wait)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				c.checkin(path, l)
			})
		}, nil
	case <-timer.C:
		c.checkin(path, l)
		metrics.LockTimeouts.Inc()
		c.log.Warn("branch lock timeout", zap.String("path", path), zap.Duration("wait", c.wait))
		return nil, fmt.Errorf("lock branch %q: %w", path, models.ErrRequestTimeout)
	case <-ctx.Done():
		c.checkin(path, l)
		return nil, fmt.Errorf("lock branch %q: %w", path, ctx.Err())
	}
}

// Len returns the number of locks currently tracked.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.busy) + c.idle.Len()
}

func (c *Cache) checkout(path string) *lock {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.busy[path]
	if !ok {
		if l, ok = c.idle.Get(path); ok {
			c.idle.Remove(path)
		} else {
			l = &lock{ch: make(chan struct{}, 1)}
		}
		c.busy[path] = l
	}
	l.users++
	return l
}

func (c *Cache) checkin(path string, l *lock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l.users--
	if l.users == 0 {
		delete(c.busy, path)
		c.idle.Add(path, l)
	}
}
