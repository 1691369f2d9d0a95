// Package cache holds registry read results for a bounded time.
package cache

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a registry read stays fresh.
const DefaultTTL = 5 * time.Minute

type Entry struct {
	Data      any
	Timestamp time.Time
}

// Store is a TTL-bounded key/value cache safe for concurrent use. Stale
// entries are evicted lazily on the next read of their key.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
	group   singleflight.Group
}

type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{ttl: ttl, now: time.Now, entries: map[string]Entry{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.now().Sub(e.Timestamp) >= s.ttl {
		delete(s.entries, key)
		return nil, false
	}
	return e.Data, true
}

func (s *Store) Set(key string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry{Data: data, Timestamp: s.now()}
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]Entry{}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// GetOrLoad returns the cached value for key or calls load once for all
// concurrent callers of the same key and caches a successful result.
// hit reports whether the value came from the cache.
func (s *Store) GetOrLoad(key string, load func() (any, error)) (value any, hit bool, err error) {
	if v, ok := s.Get(key); ok {
		return v, true, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		if v, ok := s.Get(key); ok {
			return v, nil
		}
		v, err := load()
		if err != nil {
			return nil, err
		}
		s.Set(key, v)
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

// Key builds the cache key for an operation and its parameters. Parameter
// order does not matter and empty values are dropped.
func Key(operation string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	canon := make([][2]string, 0, len(keys))
	for _, k := range keys {
		canon = append(canon, [2]string{strings.ToLower(k), params[k]})
	}
	blob, _ := json.Marshal(canon)
	return operation + ":" + string(blob)
}
