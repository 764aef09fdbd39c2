// Package mock provides an in-memory mock implementation of
// [history.Store] for use in unit tests.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dialtree/dialtree/internal/history"
)

// Compile-time interface assertion.
var _ history.Store = (*Store)(nil)

// Store is an in-memory [history.Store]. All methods are safe for
// concurrent use. Err, when set, is returned by every write.
type Store struct {
	mu sync.Mutex

	// Err, when non-nil, is returned by every mutating call.
	Err error

	records map[string]*history.Record
	closed  bool
}

// New creates an empty mock store.
func New() *Store {
	return &Store{records: make(map[string]*history.Record)}
}

func (s *Store) ensure(callID string, at time.Time) *history.Record {
	rec, ok := s.records[callID]
	if !ok {
		rec = &history.Record{CallID: callID, Status: history.StatusInProgress, StartedAt: at}
		s.records[callID] = rec
	}
	return rec
}

// StartCall implements [history.Store].
func (s *Store) StartCall(_ context.Context, p history.StartCallParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	rec := s.ensure(p.CallID, p.StartedAt)
	rec.To = p.To
	rec.From = p.From
	rec.Purpose = p.Purpose
	if !p.StartedAt.IsZero() {
		rec.StartedAt = p.StartedAt
	}
	return nil
}

// AddEvent implements [history.Store].
func (s *Store) AddEvent(_ context.Context, callID string, ev history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	rec := s.ensure(callID, ev.Time)
	rec.Events = append(rec.Events, ev)
	return nil
}

// SetStatus implements [history.Store].
func (s *Store) SetStatus(_ context.Context, callID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.ensure(callID, time.Now()).Status = status
	return nil
}

// SetTransferSuccess implements [history.Store].
func (s *Store) SetTransferSuccess(_ context.Context, callID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.ensure(callID, time.Now()).TransferSuccess = &success
	return nil
}

// EndCall implements [history.Store].
func (s *Store) EndCall(_ context.Context, callID, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	rec := s.ensure(callID, at)
	rec.Status = status
	rec.EndedAt = &at
	return nil
}

// GetCall implements [history.Store].
func (s *Store) GetCall(_ context.Context, callID string) (history.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return history.Record{}, history.ErrNotFound
	}
	cp := *rec
	cp.Events = append([]history.Event(nil), rec.Events...)
	return cp, nil
}

// ListCalls implements [history.Store]. Like the durable backends, it
// returns records newest first.
func (s *Store) ListCalls(_ context.Context, limit int) ([]history.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		cp.Events = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements [history.Store].
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
