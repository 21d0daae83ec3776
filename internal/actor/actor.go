// Package actor owns agent and merchant profiles and their reputation state.
//
// The reputation score is a bounded integer in [0,100]. All score mutations
// flow through Registry as ScoreAdjustment commands and are serialized per
// actor, so concurrent transactions for the same actor can never interleave
// a read-modify-write. The trust tier is a pure function of the score and is
// recomputed on every mutation, never stored stale.
package actor

import (
	"context"
	"errors"
	"time"

	"github.com/fubapay/fubapay/internal/syncutil"
)

var (
	ErrNotFound = errors.New("actor: profile not found")
	ErrExists   = errors.New("actor: profile already exists")
)

// Score bounds.
const (
	MinScore = 0
	MaxScore = 100
)

// FreezeThreshold is the score below which an actor is automatically frozen.
const FreezeThreshold = 20

// Kind distinguishes the two actor types subject to reputation limits.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindMerchant Kind = "merchant"
)

// Tier is the discrete trust category derived from the reputation score.
type Tier string

const (
	TierNew      Tier = "new"      // < 50
	TierStandard Tier = "standard" // 50-69
	TierTrusted  Tier = "trusted"  // 70-84
	TierElite    Tier = "elite"    // >= 85
)

// TierForScore maps a reputation score to its trust tier.
func TierForScore(score int) Tier {
	switch {
	case score >= 85:
		return TierElite
	case score >= 70:
		return TierTrusted
	case score >= 50:
		return TierStandard
	default:
		return TierNew
	}
}

// ClampScore bounds a score to [MinScore, MaxScore].
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Profile is an agent or merchant subject to reputation-based limits.
type Profile struct {
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`
	DisplayName   string `json:"displayName"`
	WalletAddress string `json:"walletAddress"`

	ReputationScore int  `json:"reputationScore"` // Always in [0,100]
	TrustTier       Tier `json:"trustTier"`
	Frozen          bool `json:"frozen"`

	TotalVolume     float64 `json:"totalVolume"`
	TotalCount      int     `json:"totalCount"`
	SuccessfulCount int     `json:"successfulCount"`
	FailedCount     int     `json:"failedCount"`
	DisputeCount    int     `json:"disputeCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SuccessRate returns the fraction of successful transactions, or 0 with no
// history.
func (p *Profile) SuccessRate() float64 {
	if p.TotalCount == 0 {
		return 0
	}
	return float64(p.SuccessfulCount) / float64(p.TotalCount)
}

// ScoreAdjustment is a command to change an actor's reputation score.
// Adjustments are applied atomically under the actor's mutation lock.
type ScoreAdjustment struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// Store persists actor profiles.
type Store interface {
	Create(ctx context.Context, p *Profile) error
	Get(ctx context.Context, id string) (*Profile, error)
	Update(ctx context.Context, p *Profile) error
}

// Registry is the single mutation entry point for actor profiles. Reads go
// straight to the store; every write runs under the actor's keyed mutex.
type Registry struct {
	store Store
	locks *syncutil.KeyedMutex
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		locks: syncutil.NewKeyedMutex(0),
	}
}

// Register creates a new profile with the neutral starting score.
func (r *Registry) Register(ctx context.Context, p *Profile) error {
	if p.ReputationScore == 0 {
		p.ReputationScore = 50
	}
	p.ReputationScore = ClampScore(p.ReputationScore)
	p.TrustTier = TierForScore(p.ReputationScore)
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	return r.store.Create(ctx, p)
}

// Get returns the profile for an actor.
func (r *Registry) Get(ctx context.Context, id string) (*Profile, error) {
	return r.store.Get(ctx, id)
}

// Mutate runs fn on the actor's profile under its mutation lock and persists
// the result. fn sees a fresh read and its changes are written back atomically
// with respect to other mutations for the same actor. The tier is recomputed
// and the score clamped after fn returns.
func (r *Registry) Mutate(ctx context.Context, id string, fn func(*Profile) error) (*Profile, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	p, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}

	p.ReputationScore = ClampScore(p.ReputationScore)
	p.TrustTier = TierForScore(p.ReputationScore)
	if p.ReputationScore < FreezeThreshold {
		p.Frozen = true
	}
	p.UpdatedAt = time.Now()

	if err := r.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply applies a score adjustment command to the actor.
func (r *Registry) Apply(ctx context.Context, id string, adj ScoreAdjustment) (*Profile, error) {
	return r.Mutate(ctx, id, func(p *Profile) error {
		p.ReputationScore += adj.Delta
		return nil
	})
}

// SetScore replaces the actor's score outright (used by full recomputes).
func (r *Registry) SetScore(ctx context.Context, id string, score int) (*Profile, error) {
	return r.Mutate(ctx, id, func(p *Profile) error {
		p.ReputationScore = score
		return nil
	})
}

// Freeze marks the actor frozen; frozen actors are blocked before any rule
// evaluation runs.
func (r *Registry) Freeze(ctx context.Context, id string) error {
	_, err := r.Mutate(ctx, id, func(p *Profile) error {
		p.Frozen = true
		return nil
	})
	return err
}

// Unfreeze clears the frozen flag. A score still below the freeze threshold
// will re-freeze on the next mutation.
func (r *Registry) Unfreeze(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	p, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	p.Frozen = false
	p.UpdatedAt = time.Now()
	return r.store.Update(ctx, p)
}
