package broker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/event"
	"github.com/c360/dserv/metric"
	"github.com/c360/dserv/pkg/timestamp"
	"github.com/c360/dserv/store"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.KeysDatapoint = false
	b, err := New(cfg, Deps{Clock: timestamp.Fixed(1_000_000)})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestBroker_GetAbsent(t *testing.T) {
	b := newTestBroker(t)
	dp, ok := b.Get("never/set")
	assert.False(t, ok)
	assert.Nil(t, dp)
	assert.Empty(t, b.Keys())
}

func TestBroker_SetGetExactTuple(t *testing.T) {
	b := newTestBroker(t)

	tests := []*datapoint.Datapoint{
		datapoint.New("s", datapoint.String, 1, []byte("x")),
		datapoint.New("empty", datapoint.Byte, 2, nil),
		datapoint.New("d", datapoint.Double, 3, datapoint.Float64s(1.5, 2.5)),
		datapoint.FromTypeWord("u", 0x12345, 4, []byte{9}),
	}
	for _, want := range tests {
		require.NoError(t, b.Set(want))
		got, ok := b.Get(want.Name)
		require.True(t, ok)
		assert.True(t, got.Equal(want), "%s", want.Name)
	}

	empty, ok := b.Get("empty")
	require.True(t, ok, "a zero-length value is distinct from absent")
	assert.Empty(t, empty.Data)
}

func TestBroker_SetCopiesPayload(t *testing.T) {
	b := newTestBroker(t)
	dp := datapoint.New("a", datapoint.Byte, 1, []byte{1})
	require.NoError(t, b.Set(dp))
	dp.Data[0] = 2

	got, _ := b.Get("a")
	assert.Equal(t, []byte{1}, got.Data)
}

func TestBroker_SubscriberSeesCommits(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe(0)
	require.NoError(t, sub.Subscribe("a/*", 1))

	require.NoError(t, b.SetValue("a/1", datapoint.Int, 5, datapoint.Int32s(5)))
	require.NoError(t, b.SetValue("b/1", datapoint.Int, 6, datapoint.Int32s(6)))
	assert.True(t, b.Touch("a/1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		got, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "a/1", got.Name)
	}
	assert.Equal(t, 0, sub.Pending())
}

func TestBroker_PutEvent(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe(0)
	require.NoError(t, sub.SubscribeGroup(event.GroupAll))

	dp, err := b.PutEvent(40, 0, 0, datapoint.Int32s(1))
	require.NoError(t, err)
	assert.Equal(t, event.DatapointName, dp.Name)
	assert.Equal(t, uint64(1_000_000), dp.Timestamp, "zero timestamp is stamped")
	assert.Equal(t, datapoint.Int, dp.Event.PutType)

	stored, ok := b.Get(event.DatapointName)
	require.True(t, ok)
	assert.True(t, stored.Equal(dp))
	assert.Equal(t, 1, sub.Pending())
}

func TestBroker_RenameChangesLaterEvents(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.PutEvent(event.TypeName, 200, event.RenameField('c', event.PutDouble), []byte("Gaze"))
	require.NoError(t, err)

	dp, err := b.PutEvent(200, 0, 7, datapoint.Float64s(1))
	require.NoError(t, err)
	assert.Equal(t, datapoint.Double, dp.Event.PutType)
	assert.Equal(t, "Gaze", b.Events().Table().Lookup(200).Name)

	_, err = b.PutEvent(event.TypeName, event.SubtypeReset, 0, nil)
	require.NoError(t, err)
	dp, err = b.PutEvent(200, 0, 8, nil)
	require.NoError(t, err)
	assert.NotEqual(t, datapoint.Double, dp.Event.PutType)
}

func TestBroker_OversizeEventLeavesStateUnchanged(t *testing.T) {
	b := newTestBroker(t)
	before := b.Events().Table().Snapshot()

	_, err := b.PutEvent(event.TypeName, 50, 0, make([]byte, 257))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEventDataTooLarge)

	assert.Equal(t, before, b.Events().Table().Snapshot())
	assert.False(t, b.store.Exists(event.DatapointName))
}

func TestBroker_Clear(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.SetValue("x", datapoint.String, 1, []byte("v")))
	assert.True(t, b.Clear("x"))
	assert.False(t, b.Clear("x"))
	_, ok := b.Get("x")
	assert.False(t, ok)
}

func TestBroker_KeysDatapoint(t *testing.T) {
	b, err := New(DefaultConfig(), Deps{})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.SetValue("b", datapoint.String, 1, nil))
	require.NoError(t, b.SetValue("a", datapoint.String, 1, nil))

	keys, ok := b.Get(store.KeysName)
	require.True(t, ok)
	assert.Equal(t, "a b", string(keys.Data))
}

func TestBroker_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	b, err := New(DefaultConfig(), Deps{MetricsRegistry: registry})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.SetValue("m", datapoint.Int, 1, datapoint.Int32s(1)))
	b.Get("m")
	b.Get("missing")
	_, err = b.PutEvent(3, 0, 0, make([]byte, 300))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.gets.WithLabelValues("found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.gets.WithLabelValues("absent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.eventsRejected))
	assert.GreaterOrEqual(t, testutil.ToFloat64(b.metrics.sets), 1.0)

	_, err = New(DefaultConfig(), Deps{MetricsRegistry: registry})
	assert.True(t, errors.IsFatal(err), "duplicate registration fails startup")
}

func TestBroker_ConcurrentGetNeverTorn(t *testing.T) {
	b := newTestBroker(t)
	a := []byte(strings.Repeat("a", 512))
	z := []byte(strings.Repeat("z", 300))
	require.NoError(t, b.SetValue("t", datapoint.String, 0, a))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			payload := a
			if i%2 == 1 {
				payload = z
			}
			assert.NoError(t, b.SetValue("t", datapoint.String, uint64(i), payload))
		}
	}()

	for ctx.Err() == nil {
		got, ok := b.Get("t")
		require.True(t, ok)
		s := string(got.Data)
		assert.True(t, s == string(a) || s == string(z), "torn value of %d bytes", len(s))
	}
	wg.Wait()
}
