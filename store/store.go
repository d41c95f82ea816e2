// Package store holds the current value of every datapoint name.
//
// Names are spread over independently locked shards chosen by murmur3 hash,
// so writers on unrelated names do not contend. Each Set replaces the whole
// value under the shard lock and then runs the commit hook while still
// holding it; hooks therefore observe updates of one name in commit order
// and must not block.
package store

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/pkg/timestamp"
)

// KeysName is the datapoint republished with the space-separated key list
// whenever a new name is created.
const KeysName = "@keys"

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 64

// CommitFunc observes committed values. It runs under the shard lock of the
// committed name and must return promptly.
type CommitFunc func(dp *datapoint.Datapoint)

type shard struct {
	mu     sync.RWMutex
	points map[string]*datapoint.Datapoint
}

// Store is a sharded name → Datapoint map.
type Store struct {
	shards   []*shard
	onCommit CommitFunc
	keysMu   sync.Mutex
	logger   *slog.Logger
	clock    timestamp.Clock
	keys     bool
}

// Option configures a Store.
type Option func(*Store)

// WithShards sets the number of shards.
func WithShards(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shards = make([]*shard, n)
		}
	}
}

// WithCommitHook registers the function run after each committed update.
func WithCommitHook(fn CommitFunc) Option {
	return func(s *Store) {
		s.onCommit = fn
	}
}

// WithKeysDatapoint enables or disables the @keys datapoint.
func WithKeysDatapoint(enabled bool) Option {
	return func(s *Store) {
		s.keys = enabled
	}
}

// WithClock sets the clock used to stamp the key list.
func WithClock(clock timestamp.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		shards: make([]*shard, DefaultShards),
		logger: slog.Default(),
		clock:  timestamp.System,
		keys:   true,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{points: make(map[string]*datapoint.Datapoint)}
	}
	s.logger = s.logger.With("component", "store")
	return s
}

func (s *Store) shardFor(name string) *shard {
	h := murmur3.Sum32([]byte(name))
	return s.shards[h%uint32(len(s.shards))]
}

// Set replaces (or creates) the value for dp.Name. The store keeps dp
// itself, so callers must not modify it afterwards.
func (s *Store) Set(dp *datapoint.Datapoint) error {
	if err := dp.Validate(); err != nil {
		return errors.WrapInvalid(err, "Store", "Set", "validate datapoint")
	}

	sh := s.shardFor(dp.Name)
	sh.mu.Lock()
	_, existed := sh.points[dp.Name]
	sh.points[dp.Name] = dp
	if s.onCommit != nil {
		s.onCommit(dp)
	}
	sh.mu.Unlock()

	if !existed && s.keys && dp.Name != KeysName {
		s.publishKeys()
	}
	return nil
}

// Get returns a copy of the current value for name. The second result is
// false when the name is absent. Get never creates an entry.
func (s *Store) Get(name string) (*datapoint.Datapoint, bool) {
	dp, ok := s.lookup(name)
	if !ok {
		return nil, false
	}
	return dp.Clone(), true
}

func (s *Store) lookup(name string) (*datapoint.Datapoint, bool) {
	sh := s.shardFor(name)
	sh.mu.RLock()
	dp, ok := sh.points[name]
	sh.mu.RUnlock()
	return dp, ok
}

// Exists reports whether name holds a value.
func (s *Store) Exists(name string) bool {
	_, ok := s.lookup(name)
	return ok
}

// Touch republishes the current value of name through the commit hook
// without changing it. It reports whether the name exists.
func (s *Store) Touch(name string) bool {
	sh := s.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	dp, ok := sh.points[name]
	if ok && s.onCommit != nil {
		s.onCommit(dp)
	}
	return ok
}

// Delete removes name. It reports whether the name existed.
func (s *Store) Delete(name string) bool {
	sh := s.shardFor(name)
	sh.mu.Lock()
	_, ok := sh.points[name]
	delete(sh.points, name)
	sh.mu.Unlock()
	return ok
}

// Keys returns all names in sorted order.
func (s *Store) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.points {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of names held.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.points)
		sh.mu.RUnlock()
	}
	return n
}

// publishKeys stores the key list under KeysName. keysMu keeps concurrent
// creations from publishing stale lists out of order.
func (s *Store) publishKeys() {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	keys := s.Keys()
	filtered := keys[:0]
	for _, k := range keys {
		if k != KeysName {
			filtered = append(filtered, k)
		}
	}

	dp := datapoint.New(KeysName, datapoint.String, s.clock(), []byte(strings.Join(filtered, " ")))
	if err := s.Set(dp); err != nil {
		s.logger.Warn("Failed to publish key list", "error", err)
	}
}
