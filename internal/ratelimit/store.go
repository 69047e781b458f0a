package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
	"github.com/cespare/xxhash/v2"
)

const (
	DefaultShards = 64
	DefaultGrace  = time.Minute
)

// Store is a striped, in-memory key to Entry map. Every read-modify-write
// on a key, including the sweep, holds that key's shard lock.
type Store struct {
	shards []shard
	mask   uint64
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

type StoreOption func(*Store)

// WithShards sets the shard count, rounded up to a power of two.
func WithShards(n int) StoreOption {
	return func(s *Store) {
		size := 1
		for size < n {
			size <<= 1
		}
		s.shards = make([]shard, size)
	}
}

// WithGrace sets how long past ResetAt an entry survives the sweep.
func WithGrace(d time.Duration) StoreOption {
	return func(s *Store) { s.grace = d }
}

// WithStoreClock sets the clock the background sweep uses.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		grace:    DefaultGrace,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.shards) == 0 {
		s.shards = make([]shard, DefaultShards)
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*Entry)
	}
	s.mask = uint64(len(s.shards) - 1)
	s.logger = slogx.OrDefault(s.logger)
	return s
}

func (s *Store) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)&s.mask]
}

// With runs fn with the current entry for key (nil when unseen) under the
// key's shard lock. The entry fn returns is stored; nil removes the key.
// fn must not call back into the same Store.
func (s *Store) With(key string, fn func(cur *Entry) *Entry) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if next := fn(sh.entries[key]); next != nil {
		sh.entries[key] = next
	} else {
		delete(sh.entries, key)
	}
}

// Sweep removes every entry with now past ResetAt plus the grace margin and
// returns how many went.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			if now.After(e.ResetAt.Add(s.grace)) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// StartCleanup sweeps the store every interval until Stop is called.
func (s *Store) StartCleanup(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				if n := s.Sweep(s.now()); n > 0 {
					s.logger.Debug("rate limit sweep completed",
						"cleaned_keys", n,
						"remaining_keys", s.Len())
				}
			}
		}
	}()
}

// Stop ends the cleanup goroutine and waits for it to exit. Safe to call
// multiple times, and without StartCleanup.
func (s *Store) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}
