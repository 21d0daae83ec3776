// Package risk fuses the three evaluation layers into one verdict.
//
// Evaluation short-circuits from cheapest to most expensive: deterministic
// rules first, then the behavioral score gate, and only then the external
// advisor. A rule BLOCK or a critically low score never pays for an LLM call.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fubapay/fubapay/internal/actor"
	"github.com/fubapay/fubapay/internal/advisor"
	"github.com/fubapay/fubapay/internal/fraud"
	"github.com/fubapay/fubapay/internal/ledger"
	"github.com/fubapay/fubapay/internal/metrics"
	"github.com/fubapay/fubapay/internal/scoring"
)

// ScoreBlockThreshold is the behavioral score below which transactions are
// blocked outright, independent of rules and advisor.
const ScoreBlockThreshold = 15

// Evaluation sources, recorded on the assessment and in metrics.
const (
	SourceRules    = "fraud_engine"
	SourceScoring  = "scoring_engine"
	SourceAdvisor  = "ai_advisor"
	SourceFusion   = "fusion"
	SourceFallback = "fallback"
)

// Assessment is the fused risk verdict for one transaction.
type Assessment struct {
	Decision        fraud.Decision `json:"decision"`
	RiskScore       int            `json:"riskScore"`
	Source          string         `json:"source"`
	Flags           []string       `json:"flags,omitempty"`
	BehavioralScore int            `json:"behavioralScore"`
	Reason          string         `json:"reason,omitempty"`
}

// Engine runs the full evaluation pipeline over a transaction.
type Engine struct {
	txs     ledger.Store
	actors  *actor.Registry
	scorer  *scoring.Engine
	advisor advisor.Advisor
	logger  *slog.Logger
}

// NewEngine wires the evaluation layers together.
func NewEngine(txs ledger.Store, actors *actor.Registry, scorer *scoring.Engine, adv advisor.Advisor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{txs: txs, actors: actors, scorer: scorer, advisor: adv, logger: logger}
}

// Evaluate produces the fused verdict for a transaction. Errors are only
// returned for infrastructure failures (store access); an unavailable
// advisor degrades inside the advisor layer and still yields a verdict.
func (e *Engine) Evaluate(ctx context.Context, tx *ledger.Transaction) (*Assessment, error) {
	profile, err := e.actors.Get(ctx, tx.ActorID)
	if err != nil {
		return nil, fmt.Errorf("risk: load actor %s: %w", tx.ActorID, err)
	}

	stats, err := ledger.StatsFor(ctx, e.txs, tx.ActorID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("risk: load history for %s: %w", tx.ActorID, err)
	}

	rules := fraud.Evaluate(fraud.Snapshot{
		Amount:          fraud.ParseAmount(tx.Amount),
		ReputationScore: profile.ReputationScore,
		Frozen:          profile.Frozen,
		DisputeCount:    profile.DisputeCount,
		Volume24h:       stats.CompletedVolume24h,
		Failed24h:       stats.FailedCount24h,
	})

	if rules.Decision == fraud.DecisionBlock {
		return e.finish(tx, &Assessment{
			Decision:        fraud.DecisionBlock,
			RiskScore:       rules.RiskScore,
			Source:          SourceRules,
			Flags:           rules.Flags,
			BehavioralScore: profile.ReputationScore,
			Reason:          "blocked by fraud rules",
		}), nil
	}

	// Recalibrate the behavioral score from full history before gating on
	// it. The recompute persists, so the gate always sees fresh state.
	score, err := e.scorer.Recompute(ctx, tx.ActorID)
	if err != nil {
		return nil, fmt.Errorf("risk: recompute score for %s: %w", tx.ActorID, err)
	}

	if score < ScoreBlockThreshold {
		return e.finish(tx, &Assessment{
			Decision:        fraud.DecisionBlock,
			RiskScore:       90,
			Source:          SourceScoring,
			Flags:           rules.Flags,
			BehavioralScore: score,
			Reason:          "very low reputation score",
		}), nil
	}

	verdict := e.advisor.Evaluate(ctx, advisorContext(tx, profile))

	a := &Assessment{
		RiskScore:       verdict.RiskScore,
		Flags:           rules.Flags,
		BehavioralScore: score,
		Reason:          verdict.Reason,
	}
	switch {
	case verdict.Decision == fraud.DecisionBlock:
		a.Decision = fraud.DecisionBlock
		a.Source = SourceAdvisor
	case rules.Decision == fraud.DecisionReview || verdict.Decision == fraud.DecisionReview:
		a.Decision = fraud.DecisionReview
		a.Source = SourceFusion
	default:
		a.Decision = fraud.DecisionApprove
		a.Source = SourceFusion
	}
	return e.finish(tx, a), nil
}

func (e *Engine) finish(tx *ledger.Transaction, a *Assessment) *Assessment {
	metrics.RiskDecisionsTotal.WithLabelValues(string(a.Decision), a.Source).Inc()
	e.logger.Info("risk verdict",
		"transaction", tx.ID,
		"actor", tx.ActorID,
		"decision", a.Decision,
		"risk_score", a.RiskScore,
		"source", a.Source,
		"flags", a.Flags,
	)
	return a
}

func advisorContext(tx *ledger.Transaction, p *actor.Profile) advisor.TransactionContext {
	var tc advisor.TransactionContext
	tc.Transaction.Amount = fraud.ParseAmount(tx.Amount)
	tc.Transaction.Currency = tx.Currency
	tc.Transaction.Status = string(tx.Status)
	tc.Transaction.CreatedAt = tx.CreatedAt.UTC().Format(time.RFC3339)
	tc.Actor.ReputationScore = p.ReputationScore
	tc.Actor.TrustTier = string(p.TrustTier)
	tc.Actor.TotalVolume = p.TotalVolume
	tc.Actor.TotalTransactions = p.TotalCount
	tc.Actor.DisputeCount = p.DisputeCount
	tc.Actor.IsFrozen = p.Frozen
	return tc
}
