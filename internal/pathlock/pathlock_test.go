package pathlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/revindex/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_SerializesSamePath(t *testing.T) {
	c := New(Options{WaitTimeout: 5 * time.Second})
	ctx := context.Background()

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := c.Lock(ctx, "MAIN")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			maxInside = max(maxInside, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 1, c.Len())
}

func TestLock_UnrelatedPathsDoNotContend(t *testing.T) {
	c := New(Options{WaitTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	unlockA, err := c.Lock(ctx, "MAIN/a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := c.Lock(ctx, "MAIN/b")
	require.NoError(t, err)
	unlockB()
}

func TestLock_Timeout(t *testing.T) {
	c := New(Options{WaitTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	unlock, err := c.Lock(ctx, "MAIN")
	require.NoError(t, err)

	_, err = c.Lock(ctx, "MAIN")
	assert.ErrorIs(t, err, models.ErrRequestTimeout)

	unlock()
	unlock() // second call is a no-op

	unlock, err = c.Lock(ctx, "MAIN")
	require.NoError(t, err)
	unlock()
}

func TestLock_ContextCancelled(t *testing.T) {
	c := New(Options{WaitTimeout: time.Minute})
	unlock, err := c.Lock(context.Background(), "MAIN")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Lock(ctx, "MAIN")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLock_IdleLocksExpire(t *testing.T) {
	c := New(Options{IdleTimeout: 10 * time.Millisecond})
	unlock, err := c.Lock(context.Background(), "MAIN/a")
	require.NoError(t, err)
	unlock()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}
