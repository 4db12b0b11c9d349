package nudge

import (
	"sync"

	"tether/internal/config"
	"tether/internal/logging"
	"tether/internal/types"
)

// =============================================================================
// STRATEGY SELECTION
// =============================================================================
// Strategy is chosen from a pure lookup table over coarse UserState
// buckets plus task metadata. No model in the loop: every cell is
// inspectable, every selection explainable by naming the cell it came
// from.

// EnergyBucket coarsens UserState.Energy.
type EnergyBucket string

// LoadBucket coarsens UserState.CognitiveLoad.
type LoadBucket string

const (
	HighEnergy EnergyBucket = "high_energy"
	LowEnergy  EnergyBucket = "low_energy"

	HighLoad LoadBucket = "high_load"
	LowLoad  LoadBucket = "low_load"
)

// Bucket thresholds. Energy at or above 0.5 counts as high; load at or
// above 0.6 counts as high (load reads slightly pessimistic so an
// overloaded user is not confronted).
func bucketEnergy(s types.UserState) EnergyBucket {
	if s.Energy >= 0.5 {
		return HighEnergy
	}
	return LowEnergy
}

func bucketLoad(s types.UserState) LoadBucket {
	if s.CognitiveLoad >= 0.6 {
		return HighLoad
	}
	return LowLoad
}

// DefaultStrategyTable maps (energy, load) to a strategy. CONFRONT is
// reserved for users with headroom; anyone depleted or overloaded gets
// FACILITATE or REINFORCE.
var DefaultStrategyTable = map[EnergyBucket]map[LoadBucket]types.Strategy{
	HighEnergy: {
		LowLoad:  types.StrategyConfront,
		HighLoad: types.StrategyReinforce,
	},
	LowEnergy: {
		LowLoad:  types.StrategyFacilitate,
		HighLoad: types.StrategyFacilitate,
	},
}

// =============================================================================
// SELECTOR
// =============================================================================

// StrategySelector resolves the strategy table with tuning overrides.
type StrategySelector struct {
	mu        sync.RWMutex
	overrides map[string]types.Strategy
}

// NewStrategySelector creates a selector with no overrides.
func NewStrategySelector() *StrategySelector {
	return &StrategySelector{overrides: make(map[string]types.Strategy)}
}

// ApplyTuning swaps in strategy-table overrides from a validated tuning
// snapshot. Keys are "energy_bucket/load_bucket".
func (ss *StrategySelector) ApplyTuning(t *config.Tuning) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.overrides = make(map[string]types.Strategy, len(t.StrategyOverrides))
	for key, strat := range t.StrategyOverrides {
		ss.overrides[key] = types.Strategy(strat)
	}
	if len(ss.overrides) > 0 {
		logging.Nudge("strategy tuning applied: %d cell overrides", len(ss.overrides))
	}
}

// Select returns the strategy for a user state and task, plus the table
// cell it came from for the decision's reason text.
func (ss *StrategySelector) Select(state types.UserState, meta types.TaskMeta) (types.Strategy, string) {
	energy := bucketEnergy(state)
	load := bucketLoad(state)
	cell := string(energy) + "/" + string(load)

	ss.mu.RLock()
	strat, overridden := ss.overrides[cell]
	ss.mu.RUnlock()
	if !overridden {
		strat = DefaultStrategyTable[energy][load]
	}

	// Aversive tasks never get CONFRONT: confrontation on an avoided
	// task reads as judgment and raises resistance.
	if meta.Aversive && strat == types.StrategyConfront {
		strat = types.StrategyFacilitate
		cell += "+aversive"
	}
	return strat, cell
}
