package credlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	tbl := NewTable(false)
	require.NoError(t, tbl.Acquire(context.Background(), "a"))
	require.True(t, tbl.Busy("a"))
	tbl.Release("a")
	require.False(t, tbl.Busy("a"))
}

func TestFIFOOrdering(t *testing.T) {
	tbl := NewTable(false)
	require.NoError(t, tbl.Acquire(context.Background(), "a"))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	ready := make(chan struct{}, 3)

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ready <- struct{}{}
			require.NoError(t, tbl.Acquire(context.Background(), "a"))
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			tbl.Release("a")
		}(i)
		<-ready
		// Wait for the goroutine to enqueue before starting the next.
		require.Eventually(t, func() bool { return tbl.Waiters("a") == i }, time.Second, time.Millisecond)
	}

	tbl.Release("a")
	wg.Wait()
	require.Equal(t, []int{1, 2, 3}, order)
	require.False(t, tbl.Busy("a"))
}

func TestOwnershipTransfersWithoutClearingBusy(t *testing.T) {
	tbl := NewTable(false)
	require.NoError(t, tbl.Acquire(context.Background(), "a"))

	acquired := make(chan struct{})
	go func() {
		_ = tbl.Acquire(context.Background(), "a")
		close(acquired)
	}()
	require.Eventually(t, func() bool { return tbl.Waiters("a") == 1 }, time.Second, time.Millisecond)

	tbl.Release("a")
	<-acquired
	// Lock was handed over, never observed free.
	require.True(t, tbl.Busy("a"))
	tbl.Release("a")
	require.False(t, tbl.Busy("a"))
}

func TestAcquireCancellation(t *testing.T) {
	tbl := NewTable(false)
	require.NoError(t, tbl.Acquire(context.Background(), "a"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- tbl.Acquire(ctx, "a") }()
	require.Eventually(t, func() bool { return tbl.Waiters("a") == 1 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Zero(t, tbl.Waiters("a"))

	// Holder can still release and the lock frees normally.
	tbl.Release("a")
	require.False(t, tbl.Busy("a"))
}

func TestDisabledTableIsNoop(t *testing.T) {
	tbl := NewTable(true)
	for i := 0; i < 5; i++ {
		require.NoError(t, tbl.Acquire(context.Background(), "a"))
	}
	require.False(t, tbl.Busy("a"))
	require.Zero(t, tbl.Waiters("a"))
	tbl.Release("a")
}

func TestReleaseOnFreeLockIsNoop(t *testing.T) {
	tbl := NewTable(false)
	tbl.Release("never-acquired")
	require.False(t, tbl.Busy("never-acquired"))
}
