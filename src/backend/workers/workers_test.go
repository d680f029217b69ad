package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDo_ReturnsResult(t *testing.T) {
	p := NewPool(2)
	got, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestDo_PropagatesError(t *testing.T) {
	p := NewPool(1)
	boom := errors.New("boom")
	err := p.Run(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(3)
	var running, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(context.Background(), func(ctx context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	p.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestDo_CancelReturnsWhileCallFinishes(t *testing.T) {
	p := NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var finished atomic.Bool

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Run(ctx, func(context.Context) error {
			<-release
			finished.Store(true)
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.False(t, finished.Load())

	close(release)
	p.Wait()
	assert.True(t, finished.Load(), "side effect of the in-flight call still completes")
}

func TestDo_AcquireHonoursContext(t *testing.T) {
	p := NewPool(1)
	block := make(chan struct{})
	go func() { _ = p.Run(context.Background(), func(context.Context) error { <-block; return nil }) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Run(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	p.Wait()
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	unlock, err := k.Lock(context.Background(), "s1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := k.Lock(context.Background(), "s1")
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			u()
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order, "waiters must block while the key is held")
	mu.Unlock()

	unlock()
	wg.Wait()
	assert.Len(t, order, 3)
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	u1, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer u1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u2, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	u2()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	k := NewKeyedMutex()
	u, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	u()
	u() // idempotent
	assert.Equal(t, 0, k.Len())
}
