// Package filestore persists session reports as append-only JSON lines in a
// local file. It suits single-node deployments without a database; reads
// scan the whole file, so it is not meant for large archives.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/moodwire/internal/fusion"
	"github.com/MrWong99/moodwire/internal/store"
)

// maxLine bounds one record when reading the file back.
const maxLine = 8 << 20

// Record kinds.
const (
	kindReport  = "report"
	kindSummary = "summary"
)

// record is a single line of the file. A later line for the same session
// and kind replaces earlier ones.
type record struct {
	Kind      string         `json:"kind"`
	SessionID string         `json:"session_id"`
	SavedAt   time.Time      `json:"saved_at"`
	Report    *fusion.Report `json:"report,omitempty"`
	Summary   *store.Summary `json:"summary,omitempty"`
}

// Store implements [store.Store] on a JSON lines file. It is safe for
// concurrent use within one process.
type Store struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates a Store that appends to path. The file is created on first
// write; New only checks that it can be opened.
func New(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("filestore: open %q: %w", path, err)
	}
	f.Close()
	return &Store{path: path, now: time.Now}, nil
}

// UpsertReport implements [store.Store].
func (s *Store) UpsertReport(_ context.Context, r fusion.Report) error {
	return s.append(record{Kind: kindReport, SessionID: r.SessionID, Report: &r})
}

// UpsertSessionSummary implements [store.Store].
func (s *Store) UpsertSessionSummary(_ context.Context, sum store.Summary) error {
	return s.append(record{Kind: kindSummary, SessionID: sum.SessionID, Summary: &sum})
}

func (s *Store) append(rec record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.SavedAt = s.now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", rec.Kind, err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("filestore: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("filestore: write: %w", err)
	}
	return nil
}

// Report implements [store.Store]. It returns the last report written for
// sessionID.
func (s *Store) Report(ctx context.Context, sessionID string) (fusion.Report, error) {
	rec, err := s.last(ctx, kindReport, sessionID)
	if err != nil {
		return fusion.Report{}, err
	}
	return *rec.Report, nil
}

// Summary returns the last summary written for sessionID.
func (s *Store) Summary(ctx context.Context, sessionID string) (store.Summary, error) {
	rec, err := s.last(ctx, kindSummary, sessionID)
	if err != nil {
		return store.Summary{}, err
	}
	return *rec.Summary, nil
}

// last scans the file for the final record matching kind and sessionID.
// Undecodable lines, such as a torn final write, are skipped.
func (s *Store) last(ctx context.Context, kind, sessionID string) (record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return record{}, fmt.Errorf("filestore: %s %q: %w", kind, sessionID, store.ErrNotFound)
	}
	if err != nil {
		return record{}, fmt.Errorf("filestore: open file: %w", err)
	}
	defer f.Close()

	var (
		found bool
		out   record
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return record{}, err
		}
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Kind != kind || rec.SessionID != sessionID {
			continue
		}
		if (kind == kindReport && rec.Report == nil) || (kind == kindSummary && rec.Summary == nil) {
			continue
		}
		out, found = rec, true
	}
	if err := sc.Err(); err != nil {
		return record{}, fmt.Errorf("filestore: read: %w", err)
	}
	if !found {
		return record{}, fmt.Errorf("filestore: %s %q: %w", kind, sessionID, store.ErrNotFound)
	}
	return out, nil
}

// Ping implements [store.Store]. It checks that the file is still writable.
func (s *Store) Ping(context.Context) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("filestore: ping: %w", err)
	}
	return f.Close()
}

// Close implements [store.Store]. The file is opened per write, so there is
// nothing to release.
func (s *Store) Close() {}
