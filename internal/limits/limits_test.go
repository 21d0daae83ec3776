package limits

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fubapay/fubapay/internal/actor"
	"github.com/fubapay/fubapay/internal/ledger"
)

func TestDailyLimitFor(t *testing.T) {
	tests := []struct {
		score int
		want  float64
	}{
		{0, 50}, {39, 50},
		{40, 200}, {79, 200},
		{80, 600}, {100, 600},
	}
	for _, tt := range tests {
		if got := DailyLimitFor(tt.score); got != tt.want {
			t.Errorf("DailyLimitFor(%d) = %.0f, want %.0f", tt.score, got, tt.want)
		}
	}
}

func TestTransactionLimitFor(t *testing.T) {
	tests := []struct {
		score int
		want  float64
	}{
		{0, 30}, {39, 30},
		{40, 100}, {79, 100},
		{80, 200}, {100, 200},
	}
	for _, tt := range tests {
		if got := TransactionLimitFor(tt.score); got != tt.want {
			t.Errorf("TransactionLimitFor(%d) = %.0f, want %.0f", tt.score, got, tt.want)
		}
	}
}

func newPolicy(t *testing.T, score int) (*Policy, *ledger.MemoryStore, *actor.Registry) {
	t.Helper()
	txs := ledger.NewMemoryStore()
	actors := actor.NewRegistry(actor.NewMemoryStore())
	require.NoError(t, actors.Register(context.Background(), &actor.Profile{
		ID:              "agent-1",
		Kind:            actor.KindAgent,
		ReputationScore: score,
	}))
	return NewPolicy(txs, actors), txs, actors
}

func seedConfirmed(t *testing.T, txs *ledger.MemoryStore, i int, amount string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, txs.Create(context.Background(), &ledger.Transaction{
		ID:        fmt.Sprintf("tx-%d", i),
		Reference: fmt.Sprintf("REF%09d", i),
		Status:    ledger.StatusConfirmed,
		ActorID:   "agent-1",
		Amount:    amount,
		CreatedAt: createdAt,
	}))
}

func TestCanProcess_LowScoreFloor(t *testing.T) {
	p, _, _ := newPolicy(t, 10)
	ctx := context.Background()

	assert.Error(t, p.CanProcess(ctx, "agent-1", 31), "above the 30 floor")
	assert.NoError(t, p.CanProcess(ctx, "agent-1", 30), "exactly at the floor")
}

func TestCanProcess_TransactionLimitViolation(t *testing.T) {
	p, _, _ := newPolicy(t, 60)

	err := p.CanProcess(context.Background(), "agent-1", 150)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "transaction_limit_exceeded", v.Code)
	assert.Equal(t, 100.0, v.Limit)
}

func TestCanProcess_DailyLimitViolation(t *testing.T) {
	p, txs, _ := newPolicy(t, 60)
	ctx := context.Background()

	seedConfirmed(t, txs, 0, "90.00", time.Now())
	seedConfirmed(t, txs, 1, "90.00", time.Now())

	// 180 spent today against a 200 daily limit.
	err := p.CanProcess(ctx, "agent-1", 25)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "daily_limit_exceeded", v.Code)
	assert.Equal(t, 200.0, v.Limit)

	assert.NoError(t, p.CanProcess(ctx, "agent-1", 20), "exactly filling the daily limit is allowed")
}

func TestCanProcess_YesterdayDoesNotCount(t *testing.T) {
	p, txs, _ := newPolicy(t, 60)

	// Spend from before today's UTC midnight is outside the window.
	seedConfirmed(t, txs, 0, "190.00", startOfDayUTC(time.Now()).Add(-time.Hour))

	assert.NoError(t, p.CanProcess(context.Background(), "agent-1", 100))
}

func TestCanProcess_FrozenActor(t *testing.T) {
	p, _, actors := newPolicy(t, 60)
	ctx := context.Background()
	require.NoError(t, actors.Freeze(ctx, "agent-1"))

	assert.ErrorIs(t, p.CanProcess(ctx, "agent-1", 1), ErrFrozen)
}

func TestCanProcess_HighTrustMultipliers(t *testing.T) {
	p, txs, _ := newPolicy(t, 85)
	ctx := context.Background()

	assert.NoError(t, p.CanProcess(ctx, "agent-1", 200), "per-transaction ceiling doubles at high trust")
	assert.Error(t, p.CanProcess(ctx, "agent-1", 201))

	seedConfirmed(t, txs, 0, "450.00", time.Now())
	assert.NoError(t, p.CanProcess(ctx, "agent-1", 150), "daily ceiling triples at high trust")
}

func TestFor_Snapshot(t *testing.T) {
	p, txs, _ := newPolicy(t, 60)
	seedConfirmed(t, txs, 0, "50.00", time.Now())

	l, err := p.For(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 200.0, l.DailyLimit)
	assert.Equal(t, 100.0, l.TransactionLimit)
	assert.InDelta(t, 50.0, l.SpentToday, 0.001)
	assert.InDelta(t, 150.0, l.RemainingToday, 0.001)
}
