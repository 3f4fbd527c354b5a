package scheduler

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/cogcore/orchestrator/types"
)

// TestBurstOrQuietModeExpiresExactlyAtDeadline checks the mode-expiry
// property: for any requested burst/quiet duration and any tick
// time, the mode is still the requested one strictly before ModeEndsAt and
// has fallen back to ModeNormal at or after it, regardless of how many
// extra Ticks land on either side of the deadline.
func TestBurstOrQuietModeExpiresExactlyAtDeadline(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		wantMode := types.ModeBurst
		if rapid.Bool().Draw(rt, "useQuiet") {
			wantMode = types.ModeQuiet
		}
		durationSec := rapid.IntRange(1, 3600).Draw(rt, "durationSec")
		preTicks := rapid.IntRange(0, 5).Draw(rt, "preTicks")
		preOffsetSec := rapid.IntRange(0, 3600).Draw(rt, "preOffsetSec")

		start := time.Unix(0, 0)
		now := start
		clock := func() time.Time { return now }

		s := New(Config{}, nil, nil, nil, clock)
		if err := s.RequestMode(wantMode, time.Duration(durationSec)*time.Second, 1); err != nil {
			rt.Fatalf("RequestMode: %v", err)
		}
		deadline := s.state.Load().ModeEndsAt

		// Ticks strictly before the deadline must never fall the mode back.
		if preOffsetSec > 0 {
			step := time.Duration(preOffsetSec) * time.Second
			if now.Add(step).Before(deadline) {
				now = now.Add(step)
			} else {
				now = deadline.Add(-time.Nanosecond)
			}
		}
		for i := 0; i < preTicks; i++ {
			s.Tick(now)
			if got := s.state.Load().Mode; got != wantMode {
				rt.Fatalf("mode fell back to %v before deadline %v at now=%v", got, deadline, now)
			}
		}

		// A tick at or after the deadline must always normalize.
		now = deadline
		s.Tick(now)
		if got := s.state.Load().Mode; got != types.ModeNormal {
			rt.Fatalf("mode %v did not expire to normal at the deadline", got)
		}
		if !s.state.Load().ModeEndsAt.IsZero() {
			rt.Fatalf("ModeEndsAt not cleared after expiry")
		}

		// Idempotent: a further tick well past the deadline stays normal.
		s.Tick(deadline.Add(time.Hour))
		if got := s.state.Load().Mode; got != types.ModeNormal {
			rt.Fatalf("mode drifted off normal on a later tick: %v", got)
		}
	})
}
