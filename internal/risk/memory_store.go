package risk

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // sessionID → assessments
}

// NewMemoryStore creates an in-memory risk assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, assessment *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assessments[assessment.SessionID] = append(s.assessments[assessment.SessionID], cloneAssessment(assessment))
	return nil
}

func (s *MemoryStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[sessionID]
	if len(all) == 0 {
		return nil, nil
	}

	// Return most recent first, up to limit
	start := max(len(all)-limit, 0)
	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, cloneAssessment(all[i]))
	}
	return result, nil
}

func cloneAssessment(a *Assessment) *Assessment {
	c := *a
	c.Factors = maps.Clone(a.Factors)
	return &c
}
