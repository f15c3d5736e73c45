package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueuePushPop(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](1)
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Pop(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	if err := q.Push(context.Background(), "item-1"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Pop() error = %v", err)
	case got := <-result:
		if got != "item-1" {
			t.Fatalf("expected item-1, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not return item")
	}
}

func TestQueueFIFOFromSingleProducer(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](0)
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Push(context.Background(), i))
	}
	require.Equal(t, 100, q.Len())
	for i := 0; i < 100; i++ {
		got, err := q.Pop(context.Background())
		require.NoError(t, err)
		require.Equal(t, i, got)
	}
	require.True(t, q.Empty())
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qPop := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qPop.Pop(ctx); err == nil ||
		err.Error() != "pop canceled: context canceled" {
		t.Fatalf("expected pop cancel error, got %v", err)
	}

	qPush := NewQueue[int](1)
	if err := qPush.Push(context.Background(), 1); err != nil {
		t.Fatalf("failed to prime bounded queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qPush.Push(ctx, 2); err == nil ||
		err.Error() != "push canceled: context canceled" {
		t.Fatalf("expected push cancel error, got %v", err)
	}
}

func TestQueueCanceledContextLeavesItems(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](0)
	require.NoError(t, q.Push(context.Background(), 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pop(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, q.Push(ctx, 2), context.Canceled)
	require.Equal(t, 1, q.Len())

	got, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, got)
}

func TestQueueCloseDrainsRemainingItems(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](0)
	require.NoError(t, q.Push(context.Background(), "a"))
	require.NoError(t, q.Push(context.Background(), "b"))
	q.Close()
	require.True(t, q.Closed())

	require.ErrorIs(t, q.Push(context.Background(), "c"), ErrClosed)

	got, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", got)
	got, err = q.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "b", got)

	_, err = q.Pop(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	// Closing twice should be safe.
	q.Close()
}

func TestQueueCloseWakesBlockedConsumers(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](0)
	const consumers = 8
	var wg sync.WaitGroup
	errs := make(chan error, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pop(context.Background())
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked consumers were not released by Close")
	}
	close(errs)
	for err := range errs {
		require.True(t, errors.Is(err, ErrClosed))
	}
}

func TestQueueBoundedPushBlocksUntilPop(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)
	require.NoError(t, q.Push(context.Background(), 1))

	pushed := make(chan error, 1)
	go func() {
		pushed <- q.Push(context.Background(), 2)
	}()

	select {
	case <-pushed:
		t.Fatal("push on a full bounded queue should block")
	case <-time.After(20 * time.Millisecond):
	}

	got, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, got)

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked push was not released after pop")
	}
}

func TestQueueIntegrityUnderContention(t *testing.T) {
	t.Parallel()

	for _, capacity := range []int{0, 4} {
		q := NewQueue[int](capacity)
		const producers, perProducer, consumers = 8, 500, 6

		var prodWG sync.WaitGroup
		for p := 0; p < producers; p++ {
			prodWG.Add(1)
			go func(p int) {
				defer prodWG.Done()
				for i := 0; i < perProducer; i++ {
					if err := q.Push(context.Background(), p*perProducer+i); err != nil {
						t.Errorf("Push() error = %v", err)
						return
					}
				}
			}(p)
		}

		var mu sync.Mutex
		seen := make(map[int]int, producers*perProducer)
		var consWG sync.WaitGroup
		for c := 0; c < consumers; c++ {
			consWG.Add(1)
			go func() {
				defer consWG.Done()
				for {
					item, err := q.Pop(context.Background())
					if err != nil {
						return
					}
					mu.Lock()
					seen[item]++
					mu.Unlock()
				}
			}()
		}

		prodWG.Wait()
		q.Close()
		consWG.Wait()

		require.Len(t, seen, producers*perProducer, "capacity %d", capacity)
		for id, n := range seen {
			require.Equal(t, 1, n, "item %d delivered %d times", id, n)
		}
	}
}
