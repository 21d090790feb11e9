// Package selector implements Stage B: deterministic multi-feature scoring
// over the tool catalog, hard policy enforcement, and a bounded LLM
// tie-breaker that can pick between the top two candidates but can never
// resurrect a filtered one.
package selector

import (
	"context"
	"log"
	"math"
	"sort"
	"time"

	"github.com/opspilot/backend/internal/catalog"
	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/metrics"
	"github.com/opspilot/backend/internal/safemath"
	"github.com/opspilot/backend/internal/stats"
)

// Normalization constants; see the feature mapping below.
const (
	timeMinMS      = 50.0
	timeMaxMS      = 60000.0
	costMax        = 10.0
	defaultP95MS   = 500.0
	defaultPageSz  = 50
	primaryWeight  = 0.40
	secondaryWt    = 0.15
	balancedWeight = 0.20
)

// Request is one selection problem: the capabilities the classified
// decision needs plus the runtime context the formulas bind. TenantID and
// ExecutionID scope the audit trail when the selection runs on behalf of
// an execution; both may be empty for ad-hoc explain calls.
type Request struct {
	TenantID     string              `json:"tenant_id,omitempty"`
	ExecutionID  string              `json:"execution_id,omitempty"`
	Capabilities []string            `json:"capabilities"`
	Platform     catalog.Platform    `json:"platform,omitempty"`
	Category     string              `json:"category,omitempty"`
	Environment  string              `json:"environment"`
	Mode         core.PreferenceMode `json:"mode,omitempty"`
	EntityCount  int                 `json:"entity_count,omitempty"`
	PageSize     int                 `json:"page_size,omitempty"`
	Permissions  []string            `json:"permissions,omitempty"`
}

// Features are the raw estimates for one (tool, pattern) candidate.
type Features struct {
	TimeMS       float64 `json:"time_ms"`
	Cost         float64 `json:"cost"`
	Complexity   float64 `json:"complexity"`
	Accuracy     float64 `json:"accuracy"`
	Completeness float64 `json:"completeness"`
}

// Normalized maps every feature into [0,1], higher is better.
type Normalized struct {
	Time         float64 `json:"time"`
	Cost         float64 `json:"cost"`
	Simplicity   float64 `json:"simplicity"`
	Accuracy     float64 `json:"accuracy"`
	Completeness float64 `json:"completeness"`
}

// Candidate is one scored (tool, pattern) pair.
type Candidate struct {
	Tool       string     `json:"tool"`
	Pattern    string     `json:"pattern"`
	Features   Features   `json:"features"`
	Normalized Normalized `json:"normalized"`
	Score      float64    `json:"score"`
	Flags      []string   `json:"flags,omitempty"` // soft constraints: requires_approval, background_required
}

// Filtered records a candidate removed by hard policy, with the reason.
type Filtered struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
}

// Selection is the pipeline's answer.
type Selection struct {
	Tool          string            `json:"tool"`
	Pattern       string            `json:"pattern"`
	Score         float64           `json:"score"`
	Justification string            `json:"justification"`
	Flags         []string          `json:"flags,omitempty"`
	Hints         map[string]int    `json:"hints,omitempty"`
	TieBreak      *TieBreakOutcome  `json:"tie_break,omitempty"`
}

// TieBreakOutcome reports whether the LLM step fired and what happened.
type TieBreakOutcome struct {
	Fired     bool   `json:"fired"`
	FellBack  bool   `json:"fell_back"`
	Rationale string `json:"rationale,omitempty"`
}

// Explanation is the observability payload for /selector/explain: the full
// ranking, the policy filter trail, and the tie-break outcome.
type Explanation struct {
	Ranked    []Candidate      `json:"ranked"`
	Filtered  []Filtered       `json:"filtered,omitempty"`
	Selection *Selection       `json:"selection,omitempty"`
	Bindings  map[string]int   `json:"bindings,omitempty"`
}

// Catalog is the read surface the selector needs; *catalog.Service
// satisfies it.
type Catalog interface {
	GetToolsByCapability(ctx context.Context, platform catalog.Platform, category string) ([]*catalog.ToolSpec, error)
}

// EventSink receives selection audit events; *events.Recorder satisfies
// it. May be nil.
type EventSink interface {
	Record(ctx context.Context, tenantID, executionID, kind string, payload map[string]interface{})
}

// Selector runs the Stage B pipeline.
type Selector struct {
	catalog    Catalog
	latency    *stats.Tracker
	tieBreaker TieBreaker
	sink       EventSink
	epsilon    float64
	llmTimeout time.Duration
	metrics    *metrics.Metrics
	logger     *log.Logger
}

// Options tunes the selector; zero values use production defaults
// (epsilon 0.08, LLM budget 800ms).
type Options struct {
	Epsilon    float64
	LLMTimeout time.Duration
}

// New wires the selector. tieBreaker may be nil; ambiguity then resolves
// deterministically.
func New(cat Catalog, latency *stats.Tracker, tieBreaker TieBreaker, sink EventSink, m *metrics.Metrics, opts Options) *Selector {
	if opts.Epsilon <= 0 {
		opts.Epsilon = 0.08
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 800 * time.Millisecond
	}
	return &Selector{
		catalog:    cat,
		latency:    latency,
		tieBreaker: tieBreaker,
		sink:       sink,
		epsilon:    opts.Epsilon,
		llmTimeout: opts.LLMTimeout,
		metrics:    m,
		logger:     log.New(log.Writer(), "[SELECTOR] ", log.LstdFlags),
	}
}

// Select runs the pipeline and returns the winner.
func (s *Selector) Select(ctx context.Context, req Request) (*Selection, error) {
	exp, err := s.Explain(ctx, req)
	if err != nil {
		return nil, err
	}
	return exp.Selection, nil
}

// Explain runs the pipeline and returns the full ranking alongside the
// winner.
func (s *Selector) Explain(ctx context.Context, req Request) (*Explanation, error) {
	start := time.Now()

	exp, err := s.explain(ctx, req)
	status, source := "ok", "deterministic"
	if err != nil {
		status = "error"
	} else if exp.Selection != nil && exp.Selection.TieBreak != nil && exp.Selection.TieBreak.Fired {
		source = "llm"
		if exp.Selection.TieBreak.FellBack {
			source = "fallback"
		}
	}
	s.metrics.RecordSelection(status, source, time.Since(start).Seconds())
	return exp, err
}

func (s *Selector) explain(ctx context.Context, req Request) (*Explanation, error) {
	if len(req.Capabilities) == 0 {
		return nil, faults.New(faults.KindValidation, "at least one capability is required")
	}
	mode, ok := core.ParsePreferenceMode(string(req.Mode))
	if !ok {
		return nil, faults.Newf(faults.KindValidation, "unknown preference mode %q", req.Mode)
	}

	// 1. Candidate enumeration: enabled tools whose capabilities cover the
	// decision.
	tools, err := s.catalog.GetToolsByCapability(ctx, req.Platform, req.Category)
	if err != nil {
		return nil, err
	}
	matching := make([]*catalog.ToolSpec, 0, len(tools))
	for _, t := range tools {
		if coversAll(t, req.Capabilities) {
			matching = append(matching, t)
		}
	}
	if len(matching) == 0 {
		return nil, faults.New(faults.KindNotFound, "no enabled tool covers the requested capabilities").
			WithDetail("capabilities", req.Capabilities)
	}

	// 2. Context estimation.
	n := req.EntityCount
	if n <= 0 {
		n = 1
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSz
	}
	pages := int(math.Ceil(float64(n) / float64(pageSize)))

	var (
		ranked   []Candidate
		filtered []Filtered
	)
	for _, tool := range matching {
		p95 := defaultP95MS
		if s.latency != nil {
			if v, ok := s.latency.P95(tool.ToolName); ok {
				p95 = v
			}
		}
		bindings := map[string]float64{
			"N":           float64(n),
			"pages":       float64(pages),
			"p95_latency": p95,
		}

		for _, pattern := range tool.Patterns {
			// 3. Feature evaluation through the safe math evaluator.
			feats, err := evaluate(pattern.Profile, bindings)
			if err != nil {
				return nil, faults.Wrapf(faults.KindValidation, err,
					"tool %s pattern %s formula", tool.ToolName, pattern.Name)
			}

			// 5. Hard policy enforcement, non-bypassable by anything after.
			if reason := policyReason(tool, feats, req); reason != "" {
				filtered = append(filtered, Filtered{Tool: tool.ToolName, Pattern: pattern.Name, Reason: reason})
				continue
			}

			// 4 + 6. Normalize and score.
			norm := normalize(feats)
			cand := Candidate{
				Tool:       tool.ToolName,
				Pattern:    pattern.Name,
				Features:   feats,
				Normalized: norm,
				Score:      score(norm, mode),
				Flags:      softFlags(tool),
			}
			ranked = append(ranked, cand)
		}
	}

	if len(ranked) == 0 {
		return &Explanation{Filtered: filtered}, faults.New(faults.KindPolicy, "policy removed every candidate").
			WithDetail("filtered", filtered)
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	// 7. Ambiguity detection and bounded tie-break.
	winner := 0
	var outcome *TieBreakOutcome
	if len(ranked) > 1 && ranked[0].Score-ranked[1].Score < s.epsilon {
		winner, outcome = s.breakTie(ctx, req, ranked[0], ranked[1])
	}

	sel := &Selection{
		Tool:          ranked[winner].Tool,
		Pattern:       ranked[winner].Pattern,
		Score:         ranked[winner].Score,
		Justification: justify(ranked[winner], mode),
		Flags:         ranked[winner].Flags,
		Hints:         map[string]int{"batch_size": pageSize, "pages": pages},
		TieBreak:      outcome,
	}
	return &Explanation{
		Ranked:    ranked,
		Filtered:  filtered,
		Selection: sel,
		Bindings:  map[string]int{"N": n, "pages": pages},
	}, nil
}

// breakTie consults the LLM with the top two candidates only. Any failure
// or timeout falls back to the deterministic top.
func (s *Selector) breakTie(ctx context.Context, req Request, top, runnerUp Candidate) (int, *TieBreakOutcome) {
	outcome := &TieBreakOutcome{Fired: true}
	if s.tieBreaker == nil {
		outcome.FellBack = true
		s.recordFallback(ctx, req, top, "no tie-breaker configured")
		return 0, outcome
	}

	tieCtx, cancel := context.WithTimeout(ctx, s.llmTimeout)
	defer cancel()

	pick, rationale, err := s.tieBreaker.Choose(tieCtx, req, [2]Candidate{top, runnerUp})
	if err != nil || pick < 0 || pick > 1 {
		s.logger.Printf("tie-break fell back: %v", err)
		outcome.FellBack = true
		cause := "tie-break returned an invalid pick"
		if err != nil {
			cause = err.Error()
		}
		s.recordFallback(ctx, req, top, cause)
		return 0, outcome
	}
	outcome.Rationale = rationale
	return pick, outcome
}

// recordFallback appends the fallback to the execution's audit stream so
// a reader can see the deterministic top won by default, not by choice.
func (s *Selector) recordFallback(ctx context.Context, req Request, top Candidate, cause string) {
	if s.sink == nil {
		return
	}
	s.sink.Record(ctx, req.TenantID, req.ExecutionID, core.EventTieBreakFallback, map[string]interface{}{
		"cause":   cause,
		"tool":    top.Tool,
		"pattern": top.Pattern,
	})
}

func coversAll(t *catalog.ToolSpec, caps []string) bool {
	for _, c := range caps {
		if !t.HasCapability(c) {
			return false
		}
	}
	return true
}

func evaluate(pp catalog.PerformanceProfile, bindings map[string]float64) (Features, error) {
	timeMS, err := pp.EstimateTime(bindings)
	if err != nil {
		return Features{}, err
	}
	cost, err := pp.EstimateCost(bindings)
	if err != nil {
		return Features{}, err
	}
	// Complexity is optional; missing means middling.
	complexity := 0.5
	if pp.Complexity != "" {
		complexity, err = safemath.Eval(pp.Complexity, bindings)
		if err != nil {
			return Features{}, err
		}
	}
	return Features{
		TimeMS:       timeMS,
		Cost:         cost,
		Complexity:   complexity,
		Accuracy:     pp.Accuracy,
		Completeness: pp.Completeness,
	}, nil
}

// normalize maps raw features into [0,1] "higher is better".
func normalize(f Features) Normalized {
	t := clamp(f.TimeMS, timeMinMS, timeMaxMS)
	timeScore := 1 - (math.Log(t)-math.Log(timeMinMS))/(math.Log(timeMaxMS)-math.Log(timeMinMS))

	return Normalized{
		Time:         timeScore,
		Cost:         1 - clamp(f.Cost, 0, costMax)/costMax,
		Simplicity:   1 - clamp(f.Complexity, 0, 1),
		Accuracy:     clamp(f.Accuracy, 0, 1),
		Completeness: clamp(f.Completeness, 0, 1),
	}
}

// score applies the mode's weights: the primary feature gets 0.40 and the
// rest 0.15 each; BALANCED is uniform.
func score(n Normalized, mode core.PreferenceMode) float64 {
	w := map[string]float64{
		"time": secondaryWt, "cost": secondaryWt, "simplicity": secondaryWt,
		"accuracy": secondaryWt, "completeness": secondaryWt,
	}
	switch mode {
	case core.PreferFast:
		w["time"] = primaryWeight
	case core.PreferCheap:
		w["cost"] = primaryWeight
	case core.PreferSimple:
		w["simplicity"] = primaryWeight
	case core.PreferAccurate:
		w["accuracy"] = primaryWeight
	case core.PreferThorough:
		w["completeness"] = primaryWeight
	case core.PreferBalanced:
		for k := range w {
			w[k] = balancedWeight
		}
	}
	return w["time"]*n.Time + w["cost"]*n.Cost + w["simplicity"]*n.Simplicity +
		w["accuracy"]*n.Accuracy + w["completeness"]*n.Completeness
}

// policyReason returns a non-empty reason when hard policy removes the
// candidate.
func policyReason(t *catalog.ToolSpec, f Features, req Request) string {
	if t.Policy.MaxCost > 0 && f.Cost > t.Policy.MaxCost {
		return "estimated cost exceeds max_cost"
	}
	if req.Environment == "production" && !t.Policy.ProductionSafe {
		return "not production_safe"
	}
	if !t.Policy.AllowsEnvironment(req.Environment) {
		return "environment not allowed"
	}
	if !hasAll(req.Permissions, t.Policy.RequiredPermissions) {
		return "missing required permissions"
	}
	return ""
}

func softFlags(t *catalog.ToolSpec) []string {
	var flags []string
	if t.Policy.RequiresApproval {
		flags = append(flags, "requires_approval")
	}
	if t.ActionClass != core.ActionRead {
		flags = append(flags, "background_required")
	}
	return flags
}

// justify names the top contributing normalized features, for humans.
func justify(c Candidate, mode core.PreferenceMode) string {
	type contrib struct {
		name  string
		value float64
	}
	contribs := []contrib{
		{"fast", c.Normalized.Time},
		{"cheap", c.Normalized.Cost},
		{"simple", c.Normalized.Simplicity},
		{"accurate", c.Normalized.Accuracy},
		{"complete", c.Normalized.Completeness},
	}
	sort.SliceStable(contribs, func(i, j int) bool { return contribs[i].value > contribs[j].value })
	return "selected " + c.Tool + "/" + c.Pattern + " (" + string(mode) + " mode): strongest on " +
		contribs[0].name + " and " + contribs[1].name
}

func hasAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
