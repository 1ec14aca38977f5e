package mcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpQueueRunsInSubmissionOrder(t *testing.T) {
	q := newOpQueue()
	defer q.Close()

	var mu sync.Mutex
	var ran []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), func() error {
				mu.Lock()
				ran = append(ran, i)
				mu.Unlock()
				return nil
			})
		}()
		// Give each submission time to enqueue before the next.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, ran)
}

func TestOpQueueDoAfterCloseReturnsError(t *testing.T) {
	q := newOpQueue()
	q.Close()

	err := q.Do(context.Background(), func() error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestOpQueueCloseIsIdempotent(t *testing.T) {
	q := newOpQueue()
	q.Close()
	q.Close()
}

func TestOpQueueDoRacingCloseDoesNotPanic(t *testing.T) {
	for i := 0; i < 50; i++ {
		q := newOpQueue()
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = q.Do(context.Background(), func() error { return nil })
			}()
		}
		q.Close()
		wg.Wait()
	}
}

func TestOpQueueContextBoundsTheWait(t *testing.T) {
	q := newOpQueue()
	defer q.Close()

	release := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), func() error {
			<-release
			return nil
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Do(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
