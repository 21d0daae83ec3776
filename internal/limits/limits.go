// Package limits enforces reputation-scaled transfer limits.
//
// Limits are a pure function of the actor's current reputation score, so
// they move automatically as the scoring engine adjusts it. The daily window
// resets at midnight UTC regardless of where the actor is.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fubapay/fubapay/internal/actor"
	"github.com/fubapay/fubapay/internal/ledger"
)

// Base limits in whole currency units.
const (
	BaseDailyLimit       = 200.0
	BaseTransactionLimit = 100.0
	NewActorDailyLimit   = 50.0
	NewActorTxLimit      = 30.0
)

// Score boundaries and multipliers.
const (
	LowScoreBelow      = 40
	HighTrustAt        = 80
	HighTrustDailyMult = 3
	HighTrustPerTxMult = 2
)

// ErrFrozen rejects any transfer for a frozen actor.
var ErrFrozen = errors.New("limits: actor account is frozen")

// Violation is a limit rejection with the numbers that caused it.
type Violation struct {
	Code   string  // "transaction_limit_exceeded" or "daily_limit_exceeded"
	Amount float64
	Limit  float64
}

func (v *Violation) Error() string {
	return fmt.Sprintf("limits: %s: amount %.2f exceeds %.2f", v.Code, v.Amount, v.Limit)
}

// DailyLimitFor returns the daily volume ceiling for a reputation score.
func DailyLimitFor(score int) float64 {
	switch {
	case score < LowScoreBelow:
		return NewActorDailyLimit
	case score >= HighTrustAt:
		return BaseDailyLimit * HighTrustDailyMult
	default:
		return BaseDailyLimit
	}
}

// TransactionLimitFor returns the single-transfer ceiling for a score.
func TransactionLimitFor(score int) float64 {
	switch {
	case score >= HighTrustAt:
		return BaseTransactionLimit * HighTrustPerTxMult
	case score < LowScoreBelow:
		return NewActorTxLimit
	default:
		return BaseTransactionLimit
	}
}

// Limits is the actor's current allowance snapshot.
type Limits struct {
	DailyLimit       float64 `json:"dailyLimit"`
	TransactionLimit float64 `json:"transactionLimit"`
	SpentToday       float64 `json:"spentToday"`
	RemainingToday   float64 `json:"remainingToday"`
	Frozen           bool    `json:"frozen"`
}

// Policy evaluates transfers against the actor's dynamic limits.
type Policy struct {
	txs    ledger.Store
	actors *actor.Registry
	now    func() time.Time
}

// NewPolicy creates a limit policy over the given stores.
func NewPolicy(txs ledger.Store, actors *actor.Registry) *Policy {
	return &Policy{txs: txs, actors: actors, now: time.Now}
}

// For returns the actor's current limits and today's usage.
func (p *Policy) For(ctx context.Context, actorID string) (*Limits, error) {
	profile, err := p.actors.Get(ctx, actorID)
	if err != nil {
		return nil, err
	}

	spent, err := p.txs.SumCompleted(ctx, actorID, startOfDayUTC(p.now()))
	if err != nil {
		return nil, fmt.Errorf("limits: sum today's volume: %w", err)
	}

	l := &Limits{
		DailyLimit:       DailyLimitFor(profile.ReputationScore),
		TransactionLimit: TransactionLimitFor(profile.ReputationScore),
		SpentToday:       spent,
		Frozen:           profile.Frozen,
	}
	l.RemainingToday = l.DailyLimit - spent
	if l.RemainingToday < 0 {
		l.RemainingToday = 0
	}
	return l, nil
}

// CanProcess rejects the amount if the actor is frozen, the amount exceeds
// the per-transaction ceiling, or it would push today's completed volume
// past the daily ceiling. A nil return authorizes the transfer.
func (p *Policy) CanProcess(ctx context.Context, actorID string, amount float64) error {
	l, err := p.For(ctx, actorID)
	if err != nil {
		return err
	}

	if l.Frozen {
		return ErrFrozen
	}
	if amount > l.TransactionLimit {
		return &Violation{Code: "transaction_limit_exceeded", Amount: amount, Limit: l.TransactionLimit}
	}
	if l.SpentToday+amount > l.DailyLimit {
		return &Violation{Code: "daily_limit_exceeded", Amount: amount, Limit: l.DailyLimit}
	}
	return nil
}

func startOfDayUTC(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
