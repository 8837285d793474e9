package memory

import (
	"context"
	"sync"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

var _ scanning.FindingRepository = (*FindingStore)(nil)

// FindingStore keeps finding sets in a map. Finding sets are immutable, so
// they are stored and returned as-is.
type FindingStore struct {
	mu   sync.RWMutex
	sets map[uuid.UUID]*scanning.FindingSet
}

// NewFindingStore creates an empty in-memory finding repository.
func NewFindingStore() *FindingStore {
	return &FindingStore{sets: make(map[uuid.UUID]*scanning.FindingSet)}
}

func (s *FindingStore) SaveFindingSet(ctx context.Context, set *scanning.FindingSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[set.ID()] = set
	return nil
}

func (s *FindingStore) GetFindingSet(ctx context.Context, id uuid.UUID) (*scanning.FindingSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.sets[id]
	if !ok {
		return nil, scanning.ErrResultNotReady
	}
	return set, nil
}

func (s *FindingStore) DeleteFindingSet(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets, id)
	return nil
}

// Len returns the number of stored finding sets.
func (s *FindingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets)
}
