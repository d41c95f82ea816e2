package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dserv/metric"
)

type testWork struct {
	key  string
	seq  int
	fail bool
}

func TestNewPool_Defaults(t *testing.T) {
	processor := func(context.Context, testWork) error { return nil }

	pool := NewPool(5, 100, processor)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool = NewPool(0, 0, processor)
	assert.Equal(t, 4, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)
}

func TestNewPool_NilProcessor(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[testWork](1, 1, nil)
	})
}

func TestPool_Lifecycle(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(2, 10, func(context.Context, testWork) error {
		processed.Add(1)
		return nil
	})

	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolNotStarted)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(testWork{seq: i}))
	}

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(10), processed.Load())
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPool_SubmitKeyedPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]int)

	pool := NewPool(4, 1000, func(_ context.Context, w testWork) error {
		mu.Lock()
		seen[w.key] = append(seen[w.key], w.seq)
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	keys := []string{"ain/vals", "eventlog/events", "ess/state", "em/pos"}
	for seq := 0; seq < 100; seq++ {
		for _, k := range keys {
			require.NoError(t, pool.SubmitKeyed(k, testWork{key: k, seq: seq}))
		}
	}
	require.NoError(t, pool.Stop(5*time.Second))

	for _, k := range keys {
		got := seen[k]
		require.Len(t, got, 100, k)
		for i, v := range got {
			assert.Equal(t, i, v, "key %s out of order", k)
		}
	}
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{seq: 1}))
	var full bool
	for i := 0; i < 5; i++ {
		if err := pool.Submit(testWork{seq: i}); errors.Is(err, ErrQueueFull) {
			full = true
		}
	}
	assert.True(t, full)
	assert.Positive(t, pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_FailuresCounted(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(2, 10, func(_ context.Context, w testWork) error {
		if w.fail {
			return fmt.Errorf("publish %d", w.seq)
		}
		return nil
	}, WithMetricsRegistry[testWork](registry, "test_pool"))

	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(testWork{seq: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(6), stats.Submitted)
	assert.Equal(t, int64(6), stats.Processed)
	assert.Equal(t, int64(3), stats.Failed)
	assert.Zero(t, stats.QueueDepth)
}
