// Package memstore is an in-process [store.Store] used when no database is
// configured and in tests.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/moodwire/internal/fusion"
	"github.com/MrWong99/moodwire/internal/store"
)

// Store keeps reports and summaries in maps keyed by session id.
type Store struct {
	mu        sync.RWMutex
	reports   map[string]fusion.Report
	summaries map[string]store.Summary

	// Err, when set, is returned by every write. Tests use it to simulate
	// an unavailable database.
	Err error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		reports:   make(map[string]fusion.Report),
		summaries: make(map[string]store.Summary),
	}
}

// UpsertReport implements [store.Store].
func (s *Store) UpsertReport(_ context.Context, r fusion.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.reports[r.SessionID] = r
	return nil
}

// UpsertSessionSummary implements [store.Store].
func (s *Store) UpsertSessionSummary(_ context.Context, sum store.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.summaries[sum.SessionID] = sum
	return nil
}

// Report implements [store.Store].
func (s *Store) Report(_ context.Context, sessionID string) (fusion.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[sessionID]
	if !ok {
		return fusion.Report{}, fmt.Errorf("memstore: report %q: %w", sessionID, store.ErrNotFound)
	}
	return r, nil
}

// Summary returns the stored summary for sessionID.
func (s *Store) Summary(sessionID string) (store.Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[sessionID]
	return sum, ok
}

// Len returns the number of stored reports.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reports)
}

// Ping implements [store.Store].
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store].
func (s *Store) Close() {}

var _ store.Store = (*Store)(nil)
