package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolExecutesTasks(t *testing.T) {
	p := NewPool("test", 2, 8, zap.NewNop())
	defer p.Stop(time.Second)

	var count int64
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		err := p.Submit(Task{
			ID: "task",
			Fn: func(ctx context.Context) error {
				atomic.AddInt64(&count, 1)
				wg.Done()
				return nil
			},
		})
		require.NoError(t, err)
	}

	wg.Wait()
	assert.Equal(t, int64(5), atomic.LoadInt64(&count))

	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.Submitted)
}

func TestPoolCountsFailures(t *testing.T) {
	p := NewPool("test", 1, 4, zap.NewNop())
	defer p.Stop(time.Second)

	done := make(chan struct{})
	err := p.Submit(Task{
		ID: "failing",
		Fn: func(ctx context.Context) error {
			defer close(done)
			return errors.New("boom")
		},
	})
	require.NoError(t, err)
	<-done

	// The failure counter is incremented after Fn returns.
	assert.Eventually(t, func() bool {
		return p.Stats().Failed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool("test", 1, 4, zap.NewNop())
	defer p.Stop(time.Second)

	err := p.Submit(Task{
		ID: "panicking",
		Fn: func(ctx context.Context) error {
			panic("kaboom")
		},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return p.Stats().Failed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := NewPool("test", 1, 1, zap.NewNop())
	defer p.Stop(time.Second)

	release := make(chan struct{})
	blocker := Task{ID: "blocker", Fn: func(ctx context.Context) error {
		<-release
		return nil
	}}

	// First task occupies the worker, second fills the queue.
	require.NoError(t, p.Submit(blocker))
	filled := false
	for i := 0; i < 100; i++ {
		if err := p.Submit(blocker); err != nil {
			filled = true
			break
		}
	}
	assert.True(t, filled, "queue should eventually reject")
	assert.Greater(t, p.Stats().Rejected, uint64(0))

	close(release)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := NewPool("test", 1, 4, zap.NewNop())
	require.NoError(t, p.Stop(time.Second))

	err := p.Submit(Task{ID: "late", Fn: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestSubmitWaitHonorsContext(t *testing.T) {
	p := NewPool("test", 1, 1, zap.NewNop())
	defer p.Stop(time.Second)

	release := make(chan struct{})
	blocker := Task{ID: "blocker", Fn: func(ctx context.Context) error {
		<-release
		return nil
	}}
	require.NoError(t, p.Submit(blocker))
	// Wait for the worker to pick up the blocker so the queue slot is
	// free again; otherwise the fill below races with the dequeue.
	require.Eventually(t, func() bool {
		return p.Stats().Active == 1
	}, time.Second, time.Millisecond)
	// Fill the queue so the next SubmitWait blocks.
	for i := 0; i < 100; i++ {
		if err := p.Submit(blocker); err != nil {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.SubmitWait(ctx, blocker)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}
