// Package fraud implements the deterministic rule layer of risk evaluation.
//
// The rule engine is stateless and performs no I/O: it scores a snapshot of
// the transaction and actor history that the caller assembles up front. This
// makes it the fast, always-available fallback when the external advisor is
// down. Rules are additive and independent; a frozen actor short-circuits
// everything.
package fraud

import "strconv"

// Decision is a risk verdict. The same three-way verdict is produced by the
// rule engine, the external advisor, and the fusion engine.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReview  Decision = "REVIEW"
	DecisionBlock   Decision = "BLOCK"
)

// Decision thresholds on the additive rule score.
const (
	BlockThreshold  = 70
	ReviewThreshold = 40
)

// Rule trigger levels.
const (
	lowReputationBelow = 20
	highAmountAbove    = 1000.0
	volumeSpikeAbove   = 2000.0
	maxRecentFailures  = 5
	maxDisputes        = 3
)

// Rule score contributions.
const (
	lowReputationScore  = 40
	highAmountScore     = 25
	volumeSpikeScore    = 20
	recentFailuresScore = 25
	disputesScore       = 30
)

// Snapshot carries everything the rules inspect. No live store access: the
// pipeline gathers the aggregates once and hands them over.
type Snapshot struct {
	Amount          float64
	ReputationScore int
	Frozen          bool
	DisputeCount    int
	Volume24h       float64 // Completed volume, last 24 hours
	Failed24h       int     // Failed transactions, last 24 hours
}

// Result is the rule engine's verdict.
type Result struct {
	Decision  Decision `json:"decision"`
	RiskScore int      `json:"riskScore"`
	Flags     []string `json:"flags"`
}

// Evaluate runs all rules over the snapshot. Rules add independently to the
// risk score, capped at 100. A frozen actor returns immediately with a
// BLOCK and no further rules run.
func Evaluate(s Snapshot) Result {
	if s.Frozen {
		return Result{
			Decision:  DecisionBlock,
			RiskScore: 100,
			Flags:     []string{"agent_frozen"},
		}
	}

	score := 0
	var flags []string

	if s.ReputationScore < lowReputationBelow {
		score += lowReputationScore
		flags = append(flags, "low_reputation")
	}
	if s.Amount > highAmountAbove {
		score += highAmountScore
		flags = append(flags, "high_amount")
	}
	if s.Volume24h > volumeSpikeAbove {
		score += volumeSpikeScore
		flags = append(flags, "volume_spike")
	}
	if s.Failed24h >= maxRecentFailures {
		score += recentFailuresScore
		flags = append(flags, "too_many_failures")
	}
	if s.DisputeCount >= maxDisputes {
		score += disputesScore
		flags = append(flags, "multiple_disputes")
	}

	if score > 100 {
		score = 100
	}

	decision := DecisionApprove
	switch {
	case score >= BlockThreshold:
		decision = DecisionBlock
	case score >= ReviewThreshold:
		decision = DecisionReview
	}

	return Result{Decision: decision, RiskScore: score, Flags: flags}
}

// ParseDecision maps an untrusted string to a Decision. The second return
// is false when the input is not one of the three known verdicts.
func ParseDecision(s string) (Decision, bool) {
	switch Decision(s) {
	case DecisionApprove, DecisionReview, DecisionBlock:
		return Decision(s), true
	}
	return "", false
}

// ParseAmount converts a decimal amount string to the float the rules
// compare against. Invalid strings evaluate as zero.
func ParseAmount(amount string) float64 {
	v, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0
	}
	return v
}
