// Package scoring recomputes actor reputation from transaction behavior.
//
// Two paths exist: a full recompute over the actor's whole history, and a
// cheap incremental update applied after each settled transaction. Replayed
// over the same history from a fresh profile, the two converge to within a
// few points; the full recompute is the authoritative recalibration.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fubapay/fubapay/internal/actor"
	"github.com/fubapay/fubapay/internal/fraud"
	"github.com/fubapay/fubapay/internal/ledger"
)

// Full-recompute weights.
const (
	baseScore          = 50.0
	completedWeight    = 0.4
	activityBonusRate  = 0.1
	activityBonusCap   = 20.0
	stabilityBonus     = 10.0
	failedPenalty      = 2.0
	disputedPenalty    = 6.0
	heavyFailurePoints = 10.0 // >= 5 failures in the last 7 days
	lightFailurePoints = 5.0  // >= 3 failures in the last 7 days
)

// Incremental deltas per settled transaction.
const (
	DeltaCompleted = 1
	DeltaFailed    = -3
	DeltaDisputed  = -7
)

// Engine drives reputation updates from transaction history.
type Engine struct {
	txs    ledger.Store
	actors *actor.Registry
	logger *slog.Logger
}

// NewEngine creates a scoring engine over the given stores.
func NewEngine(txs ledger.Store, actors *actor.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{txs: txs, actors: actors, logger: logger}
}

// CurrentScore returns the actor's persisted reputation score.
func (e *Engine) CurrentScore(ctx context.Context, actorID string) (int, error) {
	p, err := e.actors.Get(ctx, actorID)
	if err != nil {
		return 0, err
	}
	return p.ReputationScore, nil
}

// Recompute recalculates the score from the full history, persists it, and
// returns the new value. The trust tier is recomputed by the registry as
// part of the same serialized mutation.
func (e *Engine) Recompute(ctx context.Context, actorID string) (int, error) {
	now := time.Now()

	completed, err := e.txs.CountByStatus(ctx, actorID, ledger.StatusConfirmed, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("scoring: count completed: %w", err)
	}
	failed, err := e.txs.CountByStatus(ctx, actorID, ledger.StatusFailed, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("scoring: count failed: %w", err)
	}
	disputed, err := e.txs.CountByStatus(ctx, actorID, ledger.StatusDisputed, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("scoring: count disputed: %w", err)
	}
	disputed30d, err := e.txs.CountByStatus(ctx, actorID, ledger.StatusDisputed, now.Add(-30*24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("scoring: count recent disputes: %w", err)
	}
	failed7d, err := e.txs.CountByStatus(ctx, actorID, ledger.StatusFailed, now.Add(-7*24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("scoring: count recent failures: %w", err)
	}

	score := Compute(Inputs{
		Completed:   completed,
		Failed:      failed,
		Disputed:    disputed,
		Disputed30d: disputed30d,
		Failed7d:    failed7d,
	})

	if _, err := e.actors.SetScore(ctx, actorID, score); err != nil {
		return 0, err
	}

	e.logger.Debug("reputation recomputed",
		"actor", actorID,
		"score", score,
		"completed", completed,
		"failed", failed,
		"disputed", disputed,
	)
	return score, nil
}

// Inputs are the history aggregates the full recompute consumes.
type Inputs struct {
	Completed   int
	Failed      int
	Disputed    int
	Disputed30d int
	Failed7d    int
}

// Compute derives the behavioral score from history aggregates. Pure
// function: base 50, rewards for completed activity, a stability bonus for
// a dispute-free month, penalties for failures and disputes, truncated to
// an integer and clamped to [0,100].
func Compute(in Inputs) int {
	score := baseScore

	score += float64(in.Completed) * completedWeight
	activityBonus := float64(in.Completed) * activityBonusRate
	if activityBonus > activityBonusCap {
		activityBonus = activityBonusCap
	}
	score += activityBonus

	if in.Disputed30d == 0 {
		score += stabilityBonus
	}

	score -= float64(in.Failed) * failedPenalty
	score -= float64(in.Disputed) * disputedPenalty
	score -= recentFailurePenalty(in.Failed7d)

	return actor.ClampScore(int(score))
}

func recentFailurePenalty(failed7d int) float64 {
	switch {
	case failed7d >= 5:
		return heavyFailurePoints
	case failed7d >= 3:
		return lightFailurePoints
	default:
		return 0
	}
}

// RecordOutcome applies the incremental post-transaction update: score
// delta, volume and outcome counters, all under the actor's mutation lock.
// Statuses other than CONFIRMED, FAILED, and DISPUTED are ignored.
func (e *Engine) RecordOutcome(ctx context.Context, actorID string, tx *ledger.Transaction) (*actor.Profile, error) {
	var (
		delta  int
		reason string
	)
	switch tx.Status {
	case ledger.StatusConfirmed:
		delta, reason = DeltaCompleted, "transaction completed"
	case ledger.StatusFailed:
		delta, reason = DeltaFailed, "transaction failed"
	case ledger.StatusDisputed:
		delta, reason = DeltaDisputed, "transaction disputed"
	default:
		return e.actors.Get(ctx, actorID)
	}

	p, err := e.actors.Mutate(ctx, actorID, func(p *actor.Profile) error {
		p.ReputationScore += delta
		p.TotalCount++
		switch tx.Status {
		case ledger.StatusConfirmed:
			p.SuccessfulCount++
			p.TotalVolume += fraud.ParseAmount(tx.Amount)
		case ledger.StatusFailed:
			p.FailedCount++
		case ledger.StatusDisputed:
			p.DisputeCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("reputation adjusted",
		"actor", actorID,
		"delta", delta,
		"reason", reason,
		"score", p.ReputationScore,
		"tier", p.TrustTier,
	)
	return p, nil
}
