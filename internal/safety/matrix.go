package safety

import (
	"time"

	"github.com/opspilot/backend/internal/config"
	"github.com/opspilot/backend/internal/core"
)

// ============================================================================
// TIMEOUT POLICY MATRIX
// ============================================================================

// TimeoutPolicy is one cell of the (sla, action) matrix.
type TimeoutPolicy struct {
	StepTimeout    time.Duration
	TotalTimeout   time.Duration
	Heartbeat      time.Duration
	MaxOutputBytes int
}

// Matrix holds the nine timeout policies, immutable after construction.
type Matrix struct {
	cells map[core.SLAClass]map[core.ActionClass]TimeoutPolicy
}

// actionFactor widens budgets for heavier side-effect tiers: mutations get
// half again the read budget, destructive actions double it. Output caps
// grow the same way.
func actionFactor(a core.ActionClass) float64 {
	switch a {
	case core.ActionMutate:
		return 1.5
	case core.ActionDestructive:
		return 2.0
	default:
		return 1.0
	}
}

// NewMatrix expands the per-class env budgets into the full nine-cell
// matrix.
func NewMatrix(sla config.SLAConfig) *Matrix {
	base := map[core.SLAClass]struct {
		step, total time.Duration
		output      int
	}{
		core.SLAFast:   {time.Duration(sla.FastStepTimeoutMS) * time.Millisecond, time.Duration(sla.FastTotalTimeoutMS) * time.Millisecond, 64 << 10},
		core.SLAMedium: {time.Duration(sla.MediumStepTimeoutMS) * time.Millisecond, time.Duration(sla.MediumTotalTimeoutMS) * time.Millisecond, 256 << 10},
		core.SLALong:   {time.Duration(sla.LongStepTimeoutMS) * time.Millisecond, time.Duration(sla.LongTotalTimeoutMS) * time.Millisecond, 1 << 20},
	}

	cells := make(map[core.SLAClass]map[core.ActionClass]TimeoutPolicy, 3)
	for class, b := range base {
		cells[class] = make(map[core.ActionClass]TimeoutPolicy, 3)
		for _, action := range []core.ActionClass{core.ActionRead, core.ActionMutate, core.ActionDestructive} {
			f := actionFactor(action)
			step := time.Duration(float64(b.step) * f)
			cells[class][action] = TimeoutPolicy{
				StepTimeout:    step,
				TotalTimeout:   time.Duration(float64(b.total) * f),
				Heartbeat:      step / 4,
				MaxOutputBytes: int(float64(b.output) * f),
			}
		}
	}
	return &Matrix{cells: cells}
}

// Get returns the policy cell; unknown keys fall back to (MEDIUM, MUTATE).
func (m *Matrix) Get(sla core.SLAClass, action core.ActionClass) TimeoutPolicy {
	if byAction, ok := m.cells[sla]; ok {
		if p, ok := byAction[action]; ok {
			return p
		}
	}
	return m.cells[core.SLAMedium][core.ActionMutate]
}
