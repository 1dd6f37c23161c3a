package signal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacostia-go/anacostia/internal/signal"
)

func TestLatchSetWakesWaiter(t *testing.T) {
	l := signal.NewLatch()

	done := make(chan error, 1)
	go func() {
		done <- l.Wait(context.Background())
	}()

	l.Set()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Set")
	}
}

func TestLatchSetIsIdempotent(t *testing.T) {
	l := signal.NewLatch()
	l.Set()
	l.Set() // must not panic on the closed channel
	assert.True(t, l.IsSet())
	require.NoError(t, l.Wait(context.Background()))
}

func TestLatchClearRearms(t *testing.T) {
	l := signal.NewLatch()
	l.Set()
	require.NoError(t, l.Wait(context.Background()))

	l.Clear()
	assert.False(t, l.IsSet())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)

	l.Set()
	require.NoError(t, l.Wait(context.Background()))
}

func TestLatchWaitHonorsContext(t *testing.T) {
	l := signal.NewLatch()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- l.Wait(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}

func TestLatchBroadcastsToAllWaiters(t *testing.T) {
	l := signal.NewLatch()

	const waiters = 8
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Wait(context.Background())
		}(i)
	}

	l.Set()
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "waiter %d", i)
	}
}
