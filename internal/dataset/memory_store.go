package dataset

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/mbd888/suraksha/internal/biometrics"
	"github.com/mbd888/suraksha/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry // insertion order
	byID    map[string]*Entry
}

// NewMemoryStore creates an in-memory dataset store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Entry)}
}

func (s *MemoryStore) Add(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cloneEntry(e)
	s.entries = append(s.entries, c)
	s.byID[c.ID] = c
	entriesAdded.WithLabelValues(string(e.Kind)).Inc()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *MemoryStore) List(ctx context.Context, kind biometrics.Kind, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if kind != "" && e.Kind != kind {
			continue
		}
		result = append(result, cloneEntry(e))
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPage(ctx context.Context, kind biometrics.Kind, after *pagination.Cursor, limit int) ([]*Entry, error) {
	s.mu.RLock()
	var result []*Entry
	for _, e := range s.entries {
		if (kind == "" || e.Kind == kind) && after.Follows(e.CreatedAt, e.ID) {
			result = append(result, cloneEntry(e))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(result, func(a, b *Entry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	s.entries = slices.DeleteFunc(s.entries, func(e *Entry) bool { return e.ID == id })
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, kind biometrics.Kind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.entries)
	s.entries = slices.DeleteFunc(s.entries, func(e *Entry) bool {
		if kind == "" || e.Kind == kind {
			delete(s.byID, e.ID)
			return true
		}
		return false
	})
	return before - len(s.entries), nil
}

func cloneEntry(e *Entry) *Entry {
	c := *e
	r := &c.Record
	r.FlightTimes = slices.Clone(r.FlightTimes)
	r.DwellTimes = slices.Clone(r.DwellTimes)
	r.InterKeyPauses = slices.Clone(r.InterKeyPauses)
	r.TypingPatternVector = slices.Clone(r.TypingPatternVector)
	return &c
}
