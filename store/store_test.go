package store

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/pkg/timestamp"
)

func strDP(name, value string, ts uint64) *datapoint.Datapoint {
	return datapoint.New(name, datapoint.String, ts, []byte(value))
}

func TestStore_SetGet(t *testing.T) {
	s := New(WithKeysDatapoint(false))

	require.NoError(t, s.Set(strDP("a", "hello", 100)))

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Name)
	assert.Equal(t, uint64(100), got.Timestamp)
	assert.Equal(t, []byte("hello"), got.Data)

	_, ok = s.Get("missing")
	assert.False(t, ok)
	assert.False(t, s.Exists("missing"), "Get must not create entries")
	assert.Equal(t, 1, s.Len())
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := New(WithKeysDatapoint(false))
	require.NoError(t, s.Set(strDP("a", "abc", 1)))

	got, _ := s.Get("a")
	got.Data[0] = 'X'

	again, _ := s.Get("a")
	assert.Equal(t, []byte("abc"), again.Data)
}

func TestStore_SetReplacesWholeValue(t *testing.T) {
	s := New(WithKeysDatapoint(false))
	require.NoError(t, s.Set(strDP("a", "long value", 1)))
	require.NoError(t, s.Set(datapoint.New("a", datapoint.Int, 2, datapoint.Int32s(7))))

	got, _ := s.Get("a")
	assert.Equal(t, datapoint.Int, got.Type)
	assert.Equal(t, uint64(2), got.Timestamp)
	assert.Equal(t, datapoint.Int32s(7), got.Data)
}

func TestStore_SetRejectsInvalidName(t *testing.T) {
	s := New()

	err := s.Set(strDP("", "x", 1))
	assert.ErrorIs(t, err, errors.ErrEmptyName)
	assert.True(t, errors.IsInvalid(err))

	err = s.Set(strDP(strings.Repeat("n", 256), "x", 1))
	assert.ErrorIs(t, err, errors.ErrNameTooLong)
	assert.Equal(t, 0, s.Len())
}

func TestStore_KeysSorted(t *testing.T) {
	s := New(WithKeysDatapoint(false))
	for _, n := range []string{"c", "a", "b/x", "b"} {
		require.NoError(t, s.Set(strDP(n, "", 0)))
	}
	assert.Equal(t, []string{"a", "b", "b/x", "c"}, s.Keys())
}

func TestStore_Delete(t *testing.T) {
	s := New(WithKeysDatapoint(false))
	require.NoError(t, s.Set(strDP("a", "", 0)))
	require.NoError(t, s.Set(strDP("b", "", 0)))

	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	assert.Equal(t, []string{"b"}, s.Keys())
	assert.Equal(t, 1, s.Len())
}

func TestStore_CommitHook(t *testing.T) {
	var got []string
	s := New(
		WithKeysDatapoint(false),
		WithCommitHook(func(dp *datapoint.Datapoint) {
			got = append(got, fmt.Sprintf("%s=%s", dp.Name, dp.Data))
		}),
	)

	require.NoError(t, s.Set(strDP("a", "1", 0)))
	require.NoError(t, s.Set(strDP("a", "2", 0)))
	assert.True(t, s.Touch("a"))
	assert.False(t, s.Touch("missing"))

	assert.Equal(t, []string{"a=1", "a=2", "a=2"}, got)
}

func TestStore_KeysDatapoint(t *testing.T) {
	var published []string
	s := New(
		WithClock(timestamp.Fixed(55)),
		WithCommitHook(func(dp *datapoint.Datapoint) {
			if dp.Name == KeysName {
				published = append(published, string(dp.Data))
			}
		}),
	)

	require.NoError(t, s.Set(strDP("b", "", 0)))
	require.NoError(t, s.Set(strDP("a", "", 0)))
	require.NoError(t, s.Set(strDP("a", "again", 0)))

	assert.Equal(t, []string{"b", "a b"}, published, "only new names republish the key list")

	keys, ok := s.Get(KeysName)
	require.True(t, ok)
	assert.Equal(t, datapoint.String, keys.Type)
	assert.Equal(t, uint64(55), keys.Timestamp)
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := New(WithShards(8), WithKeysDatapoint(false))

	const writers = 16
	const perWriter = 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				name := fmt.Sprintf("w%d/%d", w, i%10)
				assert.NoError(t, s.Set(strDP(name, fmt.Sprint(i), uint64(i))))
				s.Get(name)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, writers*10, s.Len())
	got, ok := s.Get("w3/9")
	require.True(t, ok)
	assert.Equal(t, "199", string(got.Data))
}

func TestStore_PerKeyOrderUnderConcurrency(t *testing.T) {
	seen := make(map[string]uint64)
	var mu sync.Mutex
	ordered := true

	s := New(WithKeysDatapoint(false), WithCommitHook(func(dp *datapoint.Datapoint) {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := seen[dp.Name]; ok && dp.Timestamp <= prev {
			ordered = false
		}
		seen[dp.Name] = dp.Timestamp
	}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			name := fmt.Sprintf("k%d", w)
			for i := 1; i <= 500; i++ {
				assert.NoError(t, s.Set(strDP(name, "", uint64(i))))
			}
		}(w)
	}
	wg.Wait()

	assert.True(t, ordered)
}

func TestStore_LastWriteWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("get returns the last value set per name", prop.ForAll(
		func(names []string, values []string) bool {
			s := New(WithShards(4), WithKeysDatapoint(false))
			want := make(map[string]string)
			for i, n := range names {
				if n == "" {
					continue
				}
				v := values[i%len(values)]
				if err := s.Set(strDP(n, v, uint64(i))); err != nil {
					return false
				}
				want[n] = v
			}
			if s.Len() != len(want) {
				return false
			}
			for n, v := range want {
				got, ok := s.Get(n)
				if !ok || string(got.Data) != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("a", "b", "c", "d", "e/f", "g")),
		gen.SliceOfN(3, gen.AlphaString()),
	))

	properties.TestingRun(t)
}
