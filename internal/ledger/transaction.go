// Package ledger owns the transaction record and its lifecycle.
//
// A transaction is created PENDING, moved to APPROVED or AI_REVIEW by the
// risk engine, and driven to a terminal state by the settlement engine or a
// manual reviewer. The store also serves the rolling aggregates (counts and
// sums by actor, status, and time window) that the fraud rules and limit
// policy consume.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("ledger: transaction not found")
	ErrDuplicateRef      = errors.New("ledger: duplicate reference")
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAIReview   Status = "AI_REVIEW"
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
	StatusProcessing Status = "PROCESSING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusFailed     Status = "FAILED"
	StatusDisputed   Status = "DISPUTED"
	StatusRefunded   Status = "REFUNDED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further automatic transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// validTransitions is the transaction lifecycle. AI_REVIEW exits are manual
// promotions by an external reviewer; everything else is machine-driven.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusAIReview, StatusApproved, StatusRejected, StatusCancelled},
	StatusAIReview:   {StatusApproved, StatusRejected},
	StatusApproved:   {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusConfirmed, StatusFailed, StatusApproved},
	StatusConfirmed:  {StatusDisputed, StatusRefunded},
	StatusDisputed:   {StatusRefunded},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Type categorizes the transfer.
type Type string

const (
	TypeP2P             Type = "P2P"
	TypeAgentExchange   Type = "AGENT_EXCHANGE"
	TypeMerchantPayment Type = "MERCHANT_PAYMENT"
)

// RiskLevel is the coarse band derived from the 0-100 risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelForScore maps a risk score to its band.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 90:
		return RiskCritical
	case score >= 70:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Transaction is the unit of work moving value between two identities.
// Amounts are decimal strings; floats never touch money directly.
type Transaction struct {
	ID        string `json:"id"`
	Reference string `json:"reference"` // Human-readable, 12 uppercase hex chars
	Type      Type   `json:"type"`
	Status    Status `json:"status"`

	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	ActorID    string `json:"actorId,omitempty"` // Associated agent/merchant, if any

	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Network   string `json:"network"`
	ToAddress string `json:"toAddress,omitempty"` // Settlement recipient

	// Risk verdict. Score and level are set together and never regress
	// once the transaction is terminal.
	RiskScore      int       `json:"riskScore"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	DecisionReason string    `json:"decisionReason,omitempty"`

	// On-chain outcome
	TxHash        string `json:"txHash,omitempty"`
	BlockNumber   uint64 `json:"blockNumber,omitempty"`
	Confirmations int    `json:"confirmations"`
	GasFee        string `json:"gasFee,omitempty"`
	ExplorerURL   string `json:"explorerUrl,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
}

// SetRisk records the fused verdict. Once the transaction has reached a
// terminal state the verdict is frozen.
func (t *Transaction) SetRisk(score int, reason string) {
	if t.Status.Terminal() {
		return
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	t.RiskScore = score
	t.RiskLevel = RiskLevelForScore(score)
	t.DecisionReason = reason
}

// HistoryStats are the rolling aggregates consumed by the fraud rules.
type HistoryStats struct {
	CompletedVolume24h float64
	FailedCount24h     int
	FailedCount7d      int
	DisputedCount30d   int
}

// Store persists transactions and serves history aggregates.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByReference(ctx context.Context, ref string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	ListByActor(ctx context.Context, actorID string, limit int) ([]*Transaction, error)

	// CountByStatus counts an actor's transactions in a status since the
	// given time. A zero time means all history.
	CountByStatus(ctx context.Context, actorID string, status Status, since time.Time) (int, error)

	// SumCompleted sums an actor's CONFIRMED transaction amounts since the
	// given time. A zero time means all history.
	SumCompleted(ctx context.Context, actorID string, since time.Time) (float64, error)
}

// StatsFor gathers the rolling aggregates the fraud rules need, in one place
// so memory and postgres stores stay interchangeable.
func StatsFor(ctx context.Context, s Store, actorID string, now time.Time) (*HistoryStats, error) {
	volume24h, err := s.SumCompleted(ctx, actorID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	failed24h, err := s.CountByStatus(ctx, actorID, StatusFailed, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	failed7d, err := s.CountByStatus(ctx, actorID, StatusFailed, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	disputed30d, err := s.CountByStatus(ctx, actorID, StatusDisputed, now.Add(-30*24*time.Hour))
	if err != nil {
		return nil, err
	}
	return &HistoryStats{
		CompletedVolume24h: volume24h,
		FailedCount24h:     failed24h,
		FailedCount7d:      failed7d,
		DisputedCount30d:   disputed30d,
	}, nil
}
