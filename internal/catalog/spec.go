package catalog

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/safemath"
)

// FormulaVars are the only identifiers a performance formula may reference.
var FormulaVars = []string{"N", "pages", "p95_latency"}

// Platform is the OS family a tool runs against.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
	PlatformCross   Platform = "cross"
)

// Matches reports whether a tool built for p can serve a request for want.
// Cross-platform tools serve everything; an empty want matches everything.
func (p Platform) Matches(want Platform) bool {
	if want == "" || p == PlatformCross {
		return true
	}
	return p == want
}

// Policy is the governance contract attached to a tool version.
type Policy struct {
	ProductionSafe      bool     `json:"production_safe" yaml:"production_safe"`
	RequiresApproval    bool     `json:"requires_approval" yaml:"requires_approval"`
	RequiredPermissions []string `json:"required_permissions,omitempty" yaml:"required_permissions"`
	MaxCost             float64  `json:"max_cost,omitempty" yaml:"max_cost"`
	AllowedEnvironments []string `json:"allowed_environments,omitempty" yaml:"allowed_environments"`
}

// AllowsEnvironment reports whether the policy permits env. An empty
// allow-list permits every environment.
func (p Policy) AllowsEnvironment(env string) bool {
	if len(p.AllowedEnvironments) == 0 {
		return true
	}
	for _, e := range p.AllowedEnvironments {
		if e == env {
			return true
		}
	}
	return false
}

// PerformanceProfile predicts how one execution pattern behaves. The two
// formulas are evaluated with FormulaVars bound at selection time; where the
// prose description of a pattern and its formula disagree, the formula wins.
type PerformanceProfile struct {
	TimeMSFormula string  `json:"time_ms_formula" yaml:"time_ms_formula"`
	CostFormula   string  `json:"cost_formula" yaml:"cost_formula"`
	Complexity    string  `json:"complexity,omitempty" yaml:"complexity"`
	Accuracy      float64 `json:"accuracy" yaml:"accuracy"`
	Completeness  float64 `json:"completeness" yaml:"completeness"`
}

// Pattern is a named execution profile of a tool (e.g. single_lookup,
// paged_scan, bulk_export).
type Pattern struct {
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description,omitempty" yaml:"description"`
	Profile     PerformanceProfile `json:"performance_profile" yaml:"performance_profile"`
}

// InputSpec types one tool parameter.
type InputSpec struct {
	Type        string      `json:"type" yaml:"type"` // string, int, float, bool, secret
	Required    bool        `json:"required" yaml:"required"`
	Description string      `json:"description,omitempty" yaml:"description"`
	Default     interface{} `json:"default,omitempty" yaml:"default"`
}

// ToolSpec is one immutable version of a registered tool. Updates create a
// new version and flip is_latest; history stays queryable.
type ToolSpec struct {
	ToolName        string               `json:"tool_name" yaml:"tool_name"`
	Version         int                  `json:"version" yaml:"version"`
	Platform        Platform             `json:"platform" yaml:"platform"`
	Category        string               `json:"category" yaml:"category"`
	ActionClass     core.ActionClass     `json:"action_class" yaml:"action_class"`
	Capabilities    []string             `json:"capabilities" yaml:"capabilities"`
	Patterns        []Pattern            `json:"patterns" yaml:"patterns"`
	Inputs          map[string]InputSpec `json:"inputs,omitempty" yaml:"inputs"`
	ExpectedOutputs []string             `json:"expected_outputs,omitempty" yaml:"expected_outputs"`
	Policy          Policy               `json:"policy" yaml:"policy"`
	Enabled         bool                 `json:"enabled" yaml:"enabled"`
	IsLatest        bool                 `json:"is_latest,omitempty" yaml:"-"`
	CreatedAt       time.Time            `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt       time.Time            `json:"updated_at,omitempty" yaml:"-"`
}

// HasCapability reports whether the tool advertises cap.
func (t *ToolSpec) HasCapability(cap string) bool {
	for _, c := range t.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// SameDefinition reports whether other carries the same payload, ignoring
// version bookkeeping and timestamps. Seeding uses this to skip no-op
// upserts so restarts do not mint new versions.
func (t *ToolSpec) SameDefinition(other *ToolSpec) bool {
	if other == nil {
		return false
	}
	a, b := *t, *other
	a.Version, b.Version = 0, 0
	a.IsLatest, b.IsLatest = false, false
	a.CreatedAt, b.CreatedAt = time.Time{}, time.Time{}
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return bytes.Equal(aj, bj)
}

// Pattern returns the named execution pattern.
func (t *ToolSpec) Pattern(name string) (Pattern, bool) {
	for _, p := range t.Patterns {
		if p.Name == name {
			return p, true
		}
	}
	return Pattern{}, false
}

// Validate checks structural and formula constraints before a version is
// accepted into the registry.
func (t *ToolSpec) Validate() error {
	if t.ToolName == "" {
		return faults.New(faults.KindValidation, "tool_name is required")
	}
	switch t.Platform {
	case PlatformLinux, PlatformWindows, PlatformCross:
	default:
		return faults.Newf(faults.KindValidation, "tool %s: platform must be linux, windows or cross, got %q", t.ToolName, t.Platform)
	}
	switch t.ActionClass {
	case core.ActionRead, core.ActionMutate, core.ActionDestructive:
	default:
		return faults.Newf(faults.KindValidation, "tool %s: unknown action class %q", t.ToolName, t.ActionClass)
	}
	if len(t.Capabilities) == 0 {
		return faults.Newf(faults.KindValidation, "tool %s: at least one capability is required", t.ToolName)
	}
	if len(t.Patterns) == 0 {
		return faults.Newf(faults.KindValidation, "tool %s: at least one execution pattern is required", t.ToolName)
	}
	seen := make(map[string]bool, len(t.Patterns))
	for _, p := range t.Patterns {
		if p.Name == "" {
			return faults.Newf(faults.KindValidation, "tool %s: pattern name is required", t.ToolName)
		}
		if seen[p.Name] {
			return faults.Newf(faults.KindValidation, "tool %s: duplicate pattern %q", t.ToolName, p.Name)
		}
		seen[p.Name] = true

		if err := p.Profile.validate(); err != nil {
			return faults.Wrapf(faults.KindValidation, err, "tool %s pattern %s", t.ToolName, p.Name)
		}
	}
	if t.Policy.MaxCost < 0 {
		return faults.Newf(faults.KindValidation, "tool %s: max_cost must not be negative", t.ToolName)
	}
	for name, in := range t.Inputs {
		switch in.Type {
		case "string", "int", "float", "bool", "secret":
		default:
			return faults.Newf(faults.KindValidation, "tool %s input %s: unknown type %q", t.ToolName, name, in.Type)
		}
	}
	return nil
}

func (pp PerformanceProfile) validate() error {
	if pp.TimeMSFormula == "" {
		return faults.New(faults.KindValidation, "time_ms_formula is required")
	}
	if err := safemath.Validate(pp.TimeMSFormula, FormulaVars); err != nil {
		return err
	}
	if pp.CostFormula == "" {
		return faults.New(faults.KindValidation, "cost_formula is required")
	}
	if err := safemath.Validate(pp.CostFormula, FormulaVars); err != nil {
		return err
	}
	if pp.Accuracy < 0 || pp.Accuracy > 1 {
		return faults.Newf(faults.KindValidation, "accuracy %.2f outside [0,1]", pp.Accuracy)
	}
	if pp.Completeness < 0 || pp.Completeness > 1 {
		return faults.Newf(faults.KindValidation, "completeness %.2f outside [0,1]", pp.Completeness)
	}
	return nil
}

// EstimateTime evaluates the pattern's time formula in milliseconds.
func (pp PerformanceProfile) EstimateTime(bindings map[string]float64) (float64, error) {
	return safemath.Eval(pp.TimeMSFormula, bindings)
}

// EstimateCost evaluates the pattern's cost formula.
func (pp PerformanceProfile) EstimateCost(bindings map[string]float64) (float64, error) {
	return safemath.Eval(pp.CostFormula, bindings)
}
