package router

import (
	"sync/atomic"

	"github.com/cogcore/orchestrator/types"
)

// Stats accumulates routing totals for the stats() diagnostics surface.
// Fields are plain atomics rather than a mutex-guarded struct since each is
// updated independently and reads don't need cross-field consistency.
type Stats struct {
	totalPlans     atomic.Int64
	exploredPlans  atomic.Int64
	singlePlans    atomic.Int64
	ensemblePlans  atomic.Int64
	validationLoop atomic.Int64
	shadowWins     atomic.Int64
	shadowLosses   atomic.Int64
}

// StatsSnapshot is the read-only view Stats.snapshot() returns.
type StatsSnapshot struct {
	TotalPlans     int64
	ExploredPlans  int64
	SinglePlans    int64
	EnsemblePlans  int64
	ValidationLoop int64
	ShadowWins     int64
	ShadowLosses   int64
}

func (s *Stats) recordPlan(shape types.PlanShape, explored bool) {
	s.totalPlans.Add(1)
	if explored {
		s.exploredPlans.Add(1)
	}
	switch shape {
	case types.ShapeSingle:
		s.singlePlans.Add(1)
	case types.ShapeEnsemble:
		s.ensemblePlans.Add(1)
	case types.ShapeValidationLoop:
		s.validationLoop.Add(1)
	}
}

// RecordShadowResult lets the execution engine report whether a shadow
// challenger would have beaten the primary choice, feeding the
// shadow-win-rate diagnostic named in the stats() contract.
func (s *Stats) RecordShadowResult(shadowWon bool) {
	if shadowWon {
		s.shadowWins.Add(1)
	} else {
		s.shadowLosses.Add(1)
	}
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalPlans:     s.totalPlans.Load(),
		ExploredPlans:  s.exploredPlans.Load(),
		SinglePlans:    s.singlePlans.Load(),
		EnsemblePlans:  s.ensemblePlans.Load(),
		ValidationLoop: s.validationLoop.Load(),
		ShadowWins:     s.shadowWins.Load(),
		ShadowLosses:   s.shadowLosses.Load(),
	}
}

// ShadowWinRate is the fraction of completed shadow experiments the
// challenger won; 0 before any experiment has finished.
func (s StatsSnapshot) ShadowWinRate() float64 {
	total := s.ShadowWins + s.ShadowLosses
	if total == 0 {
		return 0
	}
	return float64(s.ShadowWins) / float64(total)
}
