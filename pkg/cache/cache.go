// Package cache provides the process-wide LRU+TTL cache shared by the
// registry, tracker and lifecycle manager. It is an accelerator only: every
// caller must be able to recompute a missing value.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"

	"github.com/jingkaihe/agentry/pkg/logger"
)

const (
	defaultMaxEntries = 1024
	defaultMaxMemory  = 32 << 20
	defaultTTL        = 5 * time.Minute

	// KeySeparator separates key segments; a single * in a pattern does not
	// cross it, ** does.
	KeySeparator = ':'

	fallbackSize = 64
)

var (
	// ErrClosed is returned by Set after Close.
	ErrClosed = errors.New("cache is closed")
	// ErrTooLarge is returned when a single value exceeds the memory ceiling.
	ErrTooLarge = errors.New("value exceeds cache memory ceiling")
)

// Cache is the contract components depend on. A nil Cache means "no cache".
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration) error
	Delete(key string) bool
	Invalidate(pattern string) (int, error)
	Metrics() Metrics
}

// Sizer lets values report their own memory estimate.
type Sizer interface {
	CacheSize() int64
}

// Metrics is a point-in-time view of cache activity.
type Metrics struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	Evictions      int64   `json:"evictions"`
	Expirations    int64   `json:"expirations"`
	MemoryBytes    int64   `json:"memory_bytes"`
	Entries        int     `json:"entries"`
	MaxEntries     int     `json:"max_entries"`
	MaxMemoryBytes int64   `json:"max_memory_bytes"`
	HitRate        float64 `json:"hit_rate"`
}

type entry struct {
	value      any
	insertedAt time.Time
	accessedAt time.Time
	ttl        time.Duration
	size       int64
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) >= e.ttl
}

// Store is the Cache implementation backed by a simplelru list. simplelru is
// not goroutine safe, so every access holds mu.
type Store struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *entry]

	maxEntries int
	maxMemory  int64
	defaultTTL time.Duration
	now        func() time.Time

	memory      int64
	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	janitorInterval time.Duration
	stop            chan struct{}
	closed          bool
}

// Option configures a Store
type Option func(*Store)

// WithMaxEntries sets the entry ceiling.
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithMaxMemory sets the memory ceiling in bytes.
func WithMaxMemory(bytes int64) Option {
	return func(s *Store) {
		if bytes > 0 {
			s.maxMemory = bytes
		}
	}
}

// WithDefaultTTL sets the TTL used when Set is called with ttl 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithJanitor starts a goroutine pruning expired entries every interval.
func WithJanitor(interval time.Duration) Option {
	return func(s *Store) {
		s.janitorInterval = interval
	}
}

// New creates a Store.
func New(opts ...Option) *Store {
	s := &Store{
		maxEntries: defaultMaxEntries,
		maxMemory:  defaultMaxMemory,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	// the callback fires for every removal path, including Add overflow
	l, err := simplelru.NewLRU[string, *entry](s.maxEntries, func(_ string, e *entry) {
		s.memory -= e.size
	})
	if err != nil {
		// only possible with a non-positive size, which the options prevent
		panic(err)
	}
	s.lru = l

	if s.janitorInterval > 0 {
		s.stop = make(chan struct{})
		go s.janitor()
	}

	return s
}

// Get returns the value for key. Expired entries are removed and reported as
// misses.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.misses++
		return nil, false
	}

	e, ok := s.lru.Get(key)
	if !ok {
		s.misses++
		return nil, false
	}

	now := s.now()
	if e.expired(now) {
		s.lru.Remove(key)
		s.expirations++
		s.misses++
		return nil, false
	}

	e.accessedAt = now
	s.hits++
	return e.value, true
}

// Set stores value under key. ttl 0 uses the default TTL; a negative ttl
// never expires. Oldest entries are evicted until both ceilings hold.
func (s *Store) Set(key string, value any, ttl time.Duration) error {
	size := estimateSize(value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if size > s.maxMemory {
		s.lru.Remove(key)
		return errors.Wrapf(ErrTooLarge, "key '%s' is %d bytes, ceiling is %d", key, size, s.maxMemory)
	}

	switch {
	case ttl == 0:
		ttl = s.defaultTTL
	case ttl < 0:
		ttl = 0
	}

	// replacing in place would bypass the evict callback's memory accounting
	s.lru.Remove(key)

	now := s.now()
	s.memory += size
	if evicted := s.lru.Add(key, &entry{
		value:      value,
		insertedAt: now,
		accessedAt: now,
		ttl:        ttl,
		size:       size,
	}); evicted {
		s.evictions++
	}

	for s.memory > s.maxMemory && s.lru.Len() > 1 {
		if _, _, ok := s.lru.RemoveOldest(); !ok {
			break
		}
		s.evictions++
	}

	return nil
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lru.Remove(key)
}

// Invalidate removes every key matching the glob pattern and returns how many
// were removed.
func (s *Store) Invalidate(pattern string) (int, error) {
	g, err := glob.Compile(pattern, KeySeparator)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid cache key pattern '%s'", pattern)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.lru.Keys() {
		if g.Match(key) && s.lru.Remove(key) {
			removed++
		}
	}
	return removed, nil
}

// Prune removes expired entries and returns how many were removed.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, key := range s.lru.Keys() {
		e, ok := s.lru.Peek(key)
		if ok && e.expired(now) {
			s.lru.Remove(key)
			s.expirations++
			removed++
		}
	}
	return removed
}

// Purge drops every entry but keeps the counters.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru.Purge()
}

// Metrics returns the current counters.
func (s *Store) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		Hits:           s.hits,
		Misses:         s.misses,
		Evictions:      s.evictions,
		Expirations:    s.expirations,
		MemoryBytes:    s.memory,
		Entries:        s.lru.Len(),
		MaxEntries:     s.maxEntries,
		MaxMemoryBytes: s.maxMemory,
	}
	if total := s.hits + s.misses; total > 0 {
		m.HitRate = float64(s.hits) / float64(total)
	}
	return m
}

// Close stops the janitor and drops every entry. Later Gets miss and Sets fail.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.stop != nil {
		close(s.stop)
	}
	s.lru.Purge()
}

func (s *Store) janitor() {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Prune(); n > 0 {
				logger.G(context.Background()).WithField("expired", n).Debug("pruned expired cache entries")
			}
		}
	}
}

func estimateSize(value any) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case Sizer:
		return v.CacheSize()
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	}

	b, err := json.Marshal(value)
	if err != nil {
		return fallbackSize
	}
	return int64(len(b))
}
