package callstate

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownCall is returned by [Store.Update] for call IDs with no live
// entry.
var ErrUnknownCall = errors.New("callstate: unknown call id")

const (
	// shardCount spreads call entries across independently locked maps so a
	// busy call never contends with unrelated calls.
	shardCount = 16

	defaultSweepInterval = 30 * time.Minute
	defaultMaxAge        = time.Hour
)

// entry pairs a state with its per-call mutation lock. The lock serializes
// Update calls for one call ID without blocking the shard.
type entry struct {
	mu    sync.Mutex
	state State
}

// shard is one lockable segment of the store.
type shard struct {
	sync.RWMutex
	entries map[string]*entry
}

// Store maps call IDs to live [State] records. All methods are safe for
// concurrent use; mutations for the same call ID are serialized.
type Store struct {
	shards [shardCount]*shard

	sweepInterval time.Duration
	maxAge        time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// StoreOption configures a [Store] during construction.
type StoreOption func(*Store)

// WithSweepInterval overrides the background eviction period. Default 30m.
func WithSweepInterval(d time.Duration) StoreOption {
	return func(s *Store) { s.sweepInterval = d }
}

// WithMaxAge overrides the age beyond which entries are evicted. Default 1h.
func WithMaxAge(d time.Duration) StoreOption {
	return func(s *Store) { s.maxAge = d }
}

// NewStore creates an empty store. Call [Store.StartSweeper] to enable
// background eviction.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sweepInterval: defaultSweepInterval,
		maxAge:        defaultMaxAge,
		now:           time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// shardFor picks the shard for a call ID.
func (s *Store) shardFor(callID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callID))
	return s.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns a snapshot of the call's state, creating a fresh entry
// when none exists. The boolean reports whether the entry already existed.
func (s *Store) GetOrCreate(callID string) (State, bool) {
	sh := s.shardFor(callID)

	sh.RLock()
	e, ok := sh.entries[callID]
	sh.RUnlock()
	if ok {
		e.mu.Lock()
		snap := e.state.clone()
		e.mu.Unlock()
		return snap, true
	}

	sh.Lock()
	if e, ok = sh.entries[callID]; !ok {
		e = &entry{state: State{CallID: callID, CreatedAt: s.now()}}
		sh.entries[callID] = e
	}
	sh.Unlock()

	e.mu.Lock()
	snap := e.state.clone()
	e.mu.Unlock()
	return snap, ok
}

// Snapshot returns a copy of the call's state without creating one.
func (s *Store) Snapshot(callID string) (State, bool) {
	sh := s.shardFor(callID)
	sh.RLock()
	e, ok := sh.entries[callID]
	sh.RUnlock()
	if !ok {
		return State{}, false
	}
	e.mu.Lock()
	snap := e.state.clone()
	e.mu.Unlock()
	return snap, true
}

// Update applies mutate to the call's state under its per-call lock and
// returns the resulting snapshot. Returns [ErrUnknownCall] when the entry
// does not exist (it may have been cleared after a transfer).
func (s *Store) Update(callID string, mutate func(*State)) (State, error) {
	sh := s.shardFor(callID)
	sh.RLock()
	e, ok := sh.entries[callID]
	sh.RUnlock()
	if !ok {
		return State{}, ErrUnknownCall
	}

	e.mu.Lock()
	mutate(&e.state)
	snap := e.state.clone()
	e.mu.Unlock()
	return snap, nil
}

// Clear removes the call's entry. Clearing an absent ID is a no-op, so
// late status callbacks after a transfer are harmless.
func (s *Store) Clear(callID string) {
	sh := s.shardFor(callID)
	sh.Lock()
	delete(sh.entries, callID)
	sh.Unlock()
}

// Len reports the number of live entries across all shards.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.RLock()
		n += len(sh.entries)
		sh.RUnlock()
	}
	return n
}

// StartSweeper launches the background eviction loop. It stops when ctx is
// cancelled.
func (s *Store) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted := s.sweep()
				if evicted > 0 {
					slog.Info("call state sweep", "evicted", evicted, "live", s.Len())
				}
			}
		}
	}()
}

// sweep evicts entries older than maxAge and returns how many were removed.
func (s *Store) sweep() int {
	cutoff := s.now().Add(-s.maxAge)
	evicted := 0
	for _, sh := range s.shards {
		sh.Lock()
		for id, e := range sh.entries {
			e.mu.Lock()
			stale := e.state.CreatedAt.Before(cutoff)
			e.mu.Unlock()
			if stale {
				delete(sh.entries, id)
				evicted++
			}
		}
		sh.Unlock()
	}
	return evicted
}
