package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/faults"
)

func validSpec() *ToolSpec {
	return &ToolSpec{
		ToolName:     "asset_search",
		Platform:     PlatformCross,
		Category:     "inventory",
		ActionClass:  core.ActionRead,
		Capabilities: []string{"asset.search", "asset.count"},
		Patterns: []Pattern{
			{
				Name: "single_lookup",
				Profile: PerformanceProfile{
					TimeMSFormula: "50 + p95_latency",
					CostFormula:   "0.1",
					Complexity:    "O(1)",
					Accuracy:      0.98,
					Completeness:  0.9,
				},
			},
			{
				Name: "paged_scan",
				Profile: PerformanceProfile{
					TimeMSFormula: "120 * pages + p95_latency",
					CostFormula:   "0.05 * pages",
					Complexity:    "O(N)",
					Accuracy:      0.95,
					Completeness:  1.0,
				},
			},
		},
		Inputs: map[string]InputSpec{
			"query": {Type: "string", Required: true},
		},
		ExpectedOutputs: []string{"assets", "total"},
		Policy: Policy{
			ProductionSafe: true,
			MaxCost:        10,
		},
		Enabled: true,
	}
}

func TestValidateAcceptsWellFormedSpec(t *testing.T) {
	require.NoError(t, validSpec().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ToolSpec)
	}{
		{"missing name", func(s *ToolSpec) { s.ToolName = "" }},
		{"bad platform", func(s *ToolSpec) { s.Platform = "solaris" }},
		{"bad action class", func(s *ToolSpec) { s.ActionClass = "YOLO" }},
		{"no capabilities", func(s *ToolSpec) { s.Capabilities = nil }},
		{"no patterns", func(s *ToolSpec) { s.Patterns = nil }},
		{"unnamed pattern", func(s *ToolSpec) { s.Patterns[0].Name = "" }},
		{"duplicate pattern", func(s *ToolSpec) { s.Patterns[1].Name = s.Patterns[0].Name }},
		{"missing time formula", func(s *ToolSpec) { s.Patterns[0].Profile.TimeMSFormula = "" }},
		{"unknown formula variable", func(s *ToolSpec) { s.Patterns[0].Profile.TimeMSFormula = "rows * 2" }},
		{"formula calls unknown function", func(s *ToolSpec) { s.Patterns[0].Profile.CostFormula = "exec(N)" }},
		{"accuracy above one", func(s *ToolSpec) { s.Patterns[0].Profile.Accuracy = 1.2 }},
		{"negative completeness", func(s *ToolSpec) { s.Patterns[1].Profile.Completeness = -0.1 }},
		{"negative max cost", func(s *ToolSpec) { s.Policy.MaxCost = -1 }},
		{"unknown input type", func(s *ToolSpec) { s.Inputs["query"] = InputSpec{Type: "blob"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(spec)
			err := spec.Validate()
			require.Error(t, err)
			assert.True(t, faults.IsKind(err, faults.KindValidation), "want VALIDATION, got %v", err)
		})
	}
}

func TestPlatformMatches(t *testing.T) {
	assert.True(t, PlatformCross.Matches(PlatformLinux))
	assert.True(t, PlatformCross.Matches(PlatformWindows))
	assert.True(t, PlatformLinux.Matches(PlatformLinux))
	assert.True(t, PlatformLinux.Matches(""))
	assert.False(t, PlatformLinux.Matches(PlatformWindows))
}

func TestPolicyAllowsEnvironment(t *testing.T) {
	open := Policy{}
	assert.True(t, open.AllowsEnvironment("production"))

	restricted := Policy{AllowedEnvironments: []string{"staging", "dev"}}
	assert.True(t, restricted.AllowsEnvironment("staging"))
	assert.False(t, restricted.AllowsEnvironment("production"))
}

func TestCapabilityAndPatternLookup(t *testing.T) {
	spec := validSpec()

	assert.True(t, spec.HasCapability("asset.search"))
	assert.False(t, spec.HasCapability("service.restart"))

	p, ok := spec.Pattern("paged_scan")
	require.True(t, ok)
	assert.Equal(t, "O(N)", p.Profile.Complexity)

	_, ok = spec.Pattern("bulk_export")
	assert.False(t, ok)
}

func TestSameDefinitionIgnoresBookkeeping(t *testing.T) {
	a := validSpec()
	b := validSpec()
	b.Version = 7
	b.IsLatest = true
	b.CreatedAt = time.Now()
	b.UpdatedAt = time.Now()

	assert.True(t, a.SameDefinition(b))

	b.Policy.RequiresApproval = true
	assert.False(t, a.SameDefinition(b))
	assert.False(t, a.SameDefinition(nil))
}

func TestProfileEstimates(t *testing.T) {
	spec := validSpec()
	profile := spec.Patterns[1].Profile

	bindings := map[string]float64{"N": 500, "pages": 4, "p95_latency": 80}

	timeMS, err := profile.EstimateTime(bindings)
	require.NoError(t, err)
	assert.InDelta(t, 120*4+80, timeMS, 1e-9)

	cost, err := profile.EstimateCost(bindings)
	require.NoError(t, err)
	assert.InDelta(t, 0.05*4, cost, 1e-9)
}
