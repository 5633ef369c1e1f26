// Package tenantstore is the per-tenant append-only result and history log
// with derived counters and atomic encrypted persistence. Each tenant's
// state serializes to one sealed file under the data directory; mutations
// run under a per-tenant exclusive lock and schedule an asynchronous flush.
package tenantstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/fault"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/sealbox"
)

const (
	dateLayout = "02/01/2006"
	timeLayout = "15:04:05"
)

// tenant is the in-memory holder of one TenantState.
type tenant struct {
	mu      sync.RWMutex
	st      *state
	dirty   bool
	gen     uint64 // bumped on every mutation; guards the dirty reset in flush
	broken  error  // set when the on-disk file failed integrity; fails closed
	flushMu sync.Mutex
}

// Store is the process-wide registry of tenants.
type Store struct {
	mu      sync.Mutex // guards tenants map only; held briefly
	tenants map[string]*tenant

	dir     string
	box     *sealbox.Box
	encrypt bool
	logger  *slog.Logger

	// onMutate runs synchronously before a mutation returns, so cache
	// invalidation happens-before the caller observes the new state.
	onMutate func(username string)

	// onAppend runs inside the tenant's critical section, so deliveries it
	// triggers observe the same order as the appends themselves.
	onAppend func(username string, entry ResultEntry)
}

// New creates a Store rooted at dir. When encrypt is false the tenant
// bodies are written unsealed (development opt-out).
func New(dir string, box *sealbox.Box, encrypt bool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		tenants: make(map[string]*tenant),
		dir:     dir,
		box:     box,
		encrypt: encrypt,
		logger:  logger,
	}
}

// SetOnMutate installs the mutation hook. Must be called before serving.
func (s *Store) SetOnMutate(fn func(username string)) { s.onMutate = fn }

// SetOnAppend installs the per-result hook. It is invoked under the
// tenant's exclusive lock; the hook must not call back into the Store.
// Must be called before serving.
func (s *Store) SetOnAppend(fn func(username string, entry ResultEntry)) { s.onAppend = fn }

func (s *Store) filePath(username string) string {
	return filepath.Join(s.dir, username+".enc")
}

// get returns the tenant holder, rehydrating from disk on first access.
// A file that fails to open installs a broken tenant that fails closed.
func (s *Store) get(username string) *tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[username]; ok {
		return t
	}
	t := &tenant{}
	st, err := s.load(username)
	if err != nil {
		t.broken = err
		s.logger.Error("tenant file failed to open", "username", username, "error", err)
	} else {
		t.st = st
	}
	s.tenants[username] = t
	return t
}

func (s *Store) load(username string) (*state, error) {
	raw, err := os.ReadFile(s.filePath(username))
	if errors.Is(err, os.ErrNotExist) {
		return newState(username), nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Integrity, "tenant file is unreadable", err)
	}

	body := raw
	if s.encrypt {
		var sealed sealbox.Sealed
		if err := json.Unmarshal(raw, &sealed); err != nil {
			return nil, fault.Wrap(fault.Integrity, "tenant file framing is corrupt", err)
		}
		body, err = s.box.Open(&sealed)
		if err != nil {
			return nil, err
		}
	}
	return decodeState(body, username)
}

// Append stores a new result under the tenant's exclusive lock and
// schedules a flush. The returned entry carries the assigned timestamp.
func (s *Store) Append(ctx context.Context, username string, value int) (ResultEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return ResultEntry{}, err
	}
	t := s.get(username)

	t.mu.Lock()
	if t.broken != nil {
		t.mu.Unlock()
		return ResultEntry{}, t.broken
	}
	now := time.Now()
	entry := ResultEntry{
		Value:     value,
		Date:      now.Format(dateLayout),
		Time:      now.Format(timeLayout),
		Timestamp: now.UnixMilli(),
	}
	t.st.Results = append(t.st.Results, entry)
	t.st.Counts[value]++
	t.st.History = append(t.st.History, HistoryEntry{
		Action:          ActionResultSubmitted,
		Timestamp:       entry.Timestamp,
		ResultTimestamp: entry.Timestamp,
	})
	t.st.LastUpdated = entry.Timestamp
	t.dirty = true
	t.gen++
	if err := t.verifyCounters(); err != nil {
		s.logger.Error("counter invariant violated", "username", username, "error", err)
	}
	if s.onAppend != nil {
		s.onAppend(username, entry)
	}
	t.mu.Unlock()

	s.mutated(username)
	go s.flush(username, t)
	return entry, nil
}

// AddHistoryMarker appends a lifecycle marker (user-created, user-deleted)
// to the tenant's history.
func (s *Store) AddHistoryMarker(username, action string) {
	t := s.get(username)
	t.mu.Lock()
	if t.broken != nil {
		t.mu.Unlock()
		return
	}
	ts := nowMillis()
	t.st.History = append(t.st.History, HistoryEntry{Action: action, Timestamp: ts})
	t.st.LastUpdated = ts
	t.dirty = true
	t.gen++
	t.mu.Unlock()

	s.mutated(username)
	go s.flush(username, t)
}

// ListResults returns the tail of the result sequence, most-recent-last.
// limit < 0 returns everything; limit == 0 returns an empty slice.
func (s *Store) ListResults(ctx context.Context, username string, limit int) ([]ResultEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	t := s.get(username)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.broken != nil {
		return nil, t.broken
	}
	return tail(t.st.Results, limit), nil
}

// ListHistory returns the tail of the history log, most-recent-last.
func (s *Store) ListHistory(ctx context.Context, username string, limit int) ([]HistoryEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	t := s.get(username)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.broken != nil {
		return nil, t.broken
	}
	return tail(t.st.History, limit), nil
}

// Statistics snapshots the derived counters.
func (s *Store) Statistics(ctx context.Context, username string) (Statistics, error) {
	if err := ctxErr(ctx); err != nil {
		return Statistics{}, err
	}
	t := s.get(username)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.broken != nil {
		return Statistics{}, t.broken
	}
	return t.st.snapshotStats(), nil
}

// Window returns the derived counters and the result tail in one snapshot,
// so the pair is consistent even against concurrent appends.
func (s *Store) Window(ctx context.Context, username string, limit int) (Statistics, []ResultEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return Statistics{}, nil, err
	}
	t := s.get(username)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.broken != nil {
		return Statistics{}, nil, t.broken
	}
	return t.st.snapshotStats(), tail(t.st.Results, limit), nil
}

// Clear drops the result sequence and counters. History is retained and
// records the clear. Clearing an already-empty tenant is a no-op mutation
// that still records history, so two consecutive clears converge.
func (s *Store) Clear(ctx context.Context, username string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	t := s.get(username)

	t.mu.Lock()
	if t.broken != nil {
		t.mu.Unlock()
		return t.broken
	}
	ts := nowMillis()
	t.st.Results = []ResultEntry{}
	t.st.Counts = map[int]int{}
	t.st.History = append(t.st.History, HistoryEntry{Action: ActionResultsCleared, Timestamp: ts})
	t.st.LastUpdated = ts
	t.dirty = true
	t.gen++
	t.mu.Unlock()

	s.mutated(username)
	go s.flush(username, t)
	return nil
}

// Export deep-copies the tenant state. A tenant with no results and no
// history has no data to export.
func (s *Store) Export(ctx context.Context, username string) (*Export, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	t := s.get(username)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.broken != nil {
		return nil, t.broken
	}
	if len(t.st.Results) == 0 && len(t.st.History) == 0 {
		return nil, fault.New(fault.NotFound, "no data to export")
	}
	exp := &Export{
		SchemaVersion: t.st.SchemaVersion,
		Username:      username,
		Results:       append([]ResultEntry{}, t.st.Results...),
		History:       append([]HistoryEntry{}, t.st.History...),
		Statistics:    t.st.snapshotStats(),
		ExportedAt:    nowMillis(),
	}
	return exp, nil
}

// Drop removes the tenant from memory and deletes its file. Used by admin
// deletion.
func (s *Store) Drop(username string) error {
	s.mu.Lock()
	t, ok := s.tenants[username]
	delete(s.tenants, username)
	s.mu.Unlock()
	s.mutated(username)

	if ok {
		// Tombstone the holder so a queued flush cannot recreate the file,
		// then wait out any flush already past its dirty check.
		t.mu.Lock()
		t.broken = fault.New(fault.NotFound, "tenant was deleted")
		t.dirty = false
		t.mu.Unlock()
		t.flushMu.Lock()
		defer t.flushMu.Unlock()
	}

	if err := os.Remove(s.filePath(username)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fault.Wrap(fault.Internal, "tenant file removal failed", err)
	}
	return nil
}

// FlushAll synchronously writes every dirty tenant. Called at shutdown.
func (s *Store) FlushAll() {
	s.mu.Lock()
	snapshot := make(map[string]*tenant, len(s.tenants))
	for name, t := range s.tenants {
		snapshot[name] = t
	}
	s.mu.Unlock()

	for name, t := range snapshot {
		s.flush(name, t)
	}
}

// flush writes the sealed state via a temporary sibling and atomic rename.
// A failed flush keeps the state dirty; the next mutation retries.
func (s *Store) flush(username string, t *tenant) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.RLock()
	if t.broken != nil || !t.dirty {
		t.mu.RUnlock()
		return
	}
	gen := t.gen
	body, err := json.Marshal(t.st)
	t.mu.RUnlock()
	if err != nil {
		s.logger.Error("tenant flush encoding failed", "username", username, "error", err)
		return
	}

	raw := body
	if s.encrypt {
		sealed, err := s.box.Seal(body)
		if err != nil {
			s.logger.Error("tenant flush sealing failed", "username", username, "error", err)
			return
		}
		raw, err = json.Marshal(sealed)
		if err != nil {
			s.logger.Error("tenant flush encoding failed", "username", username, "error", err)
			return
		}
	}

	if err := s.writeAtomic(s.filePath(username), raw); err != nil {
		s.logger.Error("tenant flush failed", "username", username, "error", err)
		return
	}

	t.mu.Lock()
	// A mutation that landed after the marshal must stay dirty so the next
	// flush picks it up; only the snapshot we just wrote is settled.
	if t.gen == gen {
		t.dirty = false
	}
	t.mu.Unlock()
}

func (s *Store) writeAtomic(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) mutated(username string) {
	if s.onMutate != nil {
		s.onMutate(username)
	}
}

func (st *state) snapshotStats() Statistics {
	counts := make(map[int]int, len(st.Counts))
	for v, c := range st.Counts {
		counts[v] = c
	}
	return Statistics{Counts: counts, Total: len(st.Results), LastUpdated: st.LastUpdated}
}

// verifyCounters checks the derived-counter invariant after an append:
// the counter total must equal the result count. Caller holds t.mu.
func (t *tenant) verifyCounters() error {
	sum := 0
	for _, c := range t.st.Counts {
		sum += c
	}
	if sum != len(t.st.Results) {
		return fmt.Errorf("counter sum %d != result count %d", sum, len(t.st.Results))
	}
	return nil
}

func tail[T any](in []T, limit int) []T {
	if limit == 0 {
		return []T{}
	}
	n := len(in)
	if limit > 0 && limit < n {
		in = in[n-limit:]
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fault.Wrap(fault.Timeout, "request deadline exceeded", err)
		}
		return fault.Wrap(fault.Timeout, "request canceled", err)
	}
	return nil
}
