package ledger

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Transaction
	byRef map[string]string // reference → id
}

// NewMemoryStore creates an in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Transaction),
		byRef: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byRef[tx.Reference]; exists {
		return ErrDuplicateRef
	}
	cp := *tx
	s.byID[tx.ID] = &cp
	s.byRef[tx.Reference] = tx.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) GetByReference(ctx context.Context, ref string) (*Transaction, error) {
	s.mu.RLock()
	id, ok := s.byRef[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[tx.ID]; !ok {
		return ErrNotFound
	}
	tx.UpdatedAt = time.Now()
	cp := *tx
	s.byID[tx.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Transaction
	for _, tx := range s.byID {
		if tx.ActorID == actorID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, actorID string, status Status, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, tx := range s.byID {
		if tx.ActorID != actorID || tx.Status != status {
			continue
		}
		if !since.IsZero() && tx.CreatedAt.Before(since) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) SumCompleted(ctx context.Context, actorID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, tx := range s.byID {
		if tx.ActorID != actorID || tx.Status != StatusConfirmed {
			continue
		}
		if !since.IsZero() && tx.CreatedAt.Before(since) {
			continue
		}
		if v, err := strconv.ParseFloat(tx.Amount, 64); err == nil {
			total += v
		}
	}
	return total, nil
}
