// Package audit keeps an append-only trail of risk and settlement decisions.
//
// Audit writes must never block or fail a transfer: Recorder swallows store
// errors after logging them. The trail is for investigators, the ledger
// remains the source of truth.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Well-known operations recorded on the trail.
const (
	OpTransferCreated     = "transfer.created"
	OpRiskEvaluated       = "risk.evaluated"
	OpTransferRejected    = "transfer.rejected"
	OpTransferReviewed    = "transfer.review_queued"
	OpSettlementStarted   = "settlement.started"
	OpSettlementBroadcast = "settlement.broadcast"
	OpSettlementConfirmed = "settlement.confirmed"
	OpSettlementFailed    = "settlement.failed"
	OpSettlementTimedOut  = "settlement.timed_out"
	OpScoreAdjusted       = "score.adjusted"
	OpActorFrozen         = "actor.frozen"
)

// Entry is one audit record.
type Entry struct {
	ID            int64     `json:"id"`
	TransactionID string    `json:"transactionId,omitempty"`
	ActorID       string    `json:"actorId,omitempty"`
	Operation     string    `json:"operation"`
	Detail        string    `json:"detail,omitempty"` // JSON payload
	RequestID     string    `json:"requestId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Query(ctx context.Context, actorID string, from, to time.Time, operation string, limit int) ([]*Entry, error)
}

// Recorder writes audit entries without propagating failures.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record appends an entry. detail is marshaled to JSON; a store failure is
// logged and dropped.
func (r *Recorder) Record(ctx context.Context, txID, actorID, operation string, detail any) {
	e := &Entry{
		TransactionID: txID,
		ActorID:       actorID,
		Operation:     operation,
		CreatedAt:     time.Now(),
	}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			e.Detail = string(b)
		}
	}
	if err := r.store.Append(ctx, e); err != nil {
		r.logger.Error("audit append failed",
			"operation", operation, "transaction", txID, "error", err)
	}
}

// Query reads back entries for an actor.
func (r *Recorder) Query(ctx context.Context, actorID string, from, to time.Time, operation string, limit int) ([]*Entry, error) {
	return r.store.Query(ctx, actorID, from, to, operation, limit)
}

// MemoryStore keeps audit entries in memory for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := *e
	cp.ID = s.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, actorID string, from, to time.Time, operation string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Entry
	// Reverse iteration for newest-first order.
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.entries[i]
		if actorID != "" && e.ActorID != actorID {
			continue
		}
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.CreatedAt.After(to) {
			continue
		}
		if operation != "" && e.Operation != operation {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Entries returns every stored entry, oldest first. Test helper.
func (s *MemoryStore) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Entry, len(s.entries))
	copy(result, s.entries)
	return result
}
