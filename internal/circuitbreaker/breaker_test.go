package circuitbreaker

import (
	"testing"
	"time"
)

// withClock pins the breaker to a fake clock the test can advance.
func withClock(b *Breaker) *time.Time {
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }
	return &now
}

func TestUnknownKeyIsClosed(t *testing.T) {
	b := New(3, time.Minute)
	if !b.Allow("upstream") {
		t.Fatal("fresh key should be allowed")
	}
	if got := b.State("upstream"); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(3, time.Minute)
	withClock(b)

	b.RecordFailure("upstream")
	b.RecordFailure("upstream")
	if b.State("upstream") != StateClosed {
		t.Fatal("two strikes should not trip a threshold of three")
	}

	b.RecordFailure("upstream")
	if b.State("upstream") != StateOpen {
		t.Fatal("third strike should open the circuit")
	}
	if b.Allow("upstream") {
		t.Fatal("open circuit must refuse calls")
	}
}

func TestSuccessResetsStrikes(t *testing.T) {
	b := New(3, time.Minute)
	withClock(b)

	b.RecordFailure("upstream")
	b.RecordFailure("upstream")
	b.RecordSuccess("upstream")
	b.RecordFailure("upstream")
	b.RecordFailure("upstream")

	if b.State("upstream") != StateClosed {
		t.Fatal("strikes should reset on success, circuit must stay closed")
	}
}

func TestCooldownAdmitsSingleProbe(t *testing.T) {
	b := New(1, time.Minute)
	now := withClock(b)

	b.RecordFailure("upstream")
	if b.Allow("upstream") {
		t.Fatal("circuit should be open")
	}

	*now = now.Add(time.Minute)
	if !b.Allow("upstream") {
		t.Fatal("cooldown elapsed, probe should be admitted")
	}
	if b.State("upstream") != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State("upstream"))
	}
	if b.Allow("upstream") {
		t.Fatal("only one probe may run at a time")
	}
}

func TestProbeOutcome(t *testing.T) {
	tests := []struct {
		name    string
		succeed bool
		want    State
	}{
		{"successful probe closes", true, StateClosed},
		{"failed probe reopens", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(1, time.Minute)
			now := withClock(b)

			b.RecordFailure("upstream")
			*now = now.Add(time.Minute)
			if !b.Allow("upstream") {
				t.Fatal("probe should be admitted")
			}

			if tt.succeed {
				b.RecordSuccess("upstream")
			} else {
				b.RecordFailure("upstream")
			}
			if got := b.State("upstream"); got != tt.want {
				t.Fatalf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReopenedCircuitWaitsFullCooldown(t *testing.T) {
	b := New(1, time.Minute)
	now := withClock(b)

	b.RecordFailure("upstream")
	*now = now.Add(time.Minute)
	b.Allow("upstream")
	b.RecordFailure("upstream") // probe fails

	*now = now.Add(30 * time.Second)
	if b.Allow("upstream") {
		t.Fatal("reopened circuit should wait the full cooldown again")
	}
	*now = now.Add(30 * time.Second)
	if !b.Allow("upstream") {
		t.Fatal("second cooldown elapsed, probe should be admitted")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)
	withClock(b)

	b.RecordFailure("advisor")
	if b.Allow("advisor") {
		t.Fatal("advisor circuit should be open")
	}
	if !b.Allow("rpc") {
		t.Fatal("rpc circuit should be unaffected")
	}
}
