package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opspilot/backend/internal/assets"
	"github.com/opspilot/backend/internal/automation"
	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/safety"
)

// HandlerFunc executes one step against the resolved inputs and returns
// its output map. Handlers read sc.ResolvedInputs, never sc.Step.Inputs,
// so secret references are already swapped for handles.
type HandlerFunc func(ctx context.Context, sc *safety.StepContext) (map[string]interface{}, error)

// Registry maps tool names to handlers plus their side-effect class.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registeredHandler
}

type registeredHandler struct {
	fn    HandlerFunc
	class core.ActionClass
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registeredHandler)}
}

// Register installs a handler for a tool name.
func (r *Registry) Register(tool string, class core.ActionClass, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tool] = registeredHandler{fn: fn, class: class}
}

// Lookup returns the handler for a tool, or VALIDATION for an unknown one.
func (r *Registry) Lookup(tool string) (HandlerFunc, core.ActionClass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[tool]
	if !ok {
		return nil, "", faults.Newf(faults.KindValidation, "unknown tool %q", tool)
	}
	return h.fn, h.class, nil
}

// ActionClassOf classifies one tool; unknown tools are VALIDATION.
func (r *Registry) ActionClassOf(tool string) (core.ActionClass, error) {
	_, class, err := r.Lookup(tool)
	return class, err
}

// ============================================================================
// BUILT-IN HANDLERS
// ============================================================================

// RegisterBuiltins wires the standard tool set: resolver-backed reads and
// automation-backed mutations.
func RegisterBuiltins(r *Registry, resolver *assets.Resolver, worker automation.Client) {
	r.Register("asset_search", core.ActionRead, assetSearchHandler(resolver))
	r.Register("asset_count", core.ActionRead, assetCountHandler(resolver))
	r.Register("connection_profile", core.ActionRead, connectionProfileHandler(resolver))
	r.Register("run_command", core.ActionMutate, automationHandler(worker, "run_command"))
	r.Register("restart_service", core.ActionMutate, automationHandler(worker, "restart_service"))
	r.Register("stop_service", core.ActionDestructive, automationHandler(worker, "stop_service"))
	r.Register("start_service", core.ActionMutate, automationHandler(worker, "start_service"))
}

func assetSearchHandler(resolver *assets.Resolver) HandlerFunc {
	return func(ctx context.Context, sc *safety.StepContext) (map[string]interface{}, error) {
		q := queryFromInputs(sc)
		projection := stringSlice(sc.ResolvedInputs["projection"])

		records, err := resolver.Search(ctx, sc.Execution.TenantID, q, projection)
		if err != nil {
			return nil, err
		}
		d := assets.Disambiguate(records)

		projected := make([]map[string]interface{}, 0, len(records))
		for _, rec := range records {
			projected = append(projected, assets.Project(rec, projection))
		}
		return map[string]interface{}{
			"count":          d.Count,
			"assets":         projected,
			"disambiguation": d,
		}, nil
	}
}

func assetCountHandler(resolver *assets.Resolver) HandlerFunc {
	return func(ctx context.Context, sc *safety.StepContext) (map[string]interface{}, error) {
		n, err := resolver.Count(ctx, sc.Execution.TenantID, queryFromInputs(sc))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"count": n}, nil
	}
}

func connectionProfileHandler(resolver *assets.Resolver) HandlerFunc {
	return func(ctx context.Context, sc *safety.StepContext) (map[string]interface{}, error) {
		host, _ := sc.ResolvedInputs["host"].(string)
		if host == "" {
			host = sc.Execution.Target.Hostname
		}
		if host == "" {
			return nil, faults.New(faults.KindValidation, "connection_profile needs a host")
		}
		p, err := resolver.ConnectionProfile(ctx, sc.Execution.TenantID, host)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"host":     p.Host,
			"port":     p.Port,
			"protocol": p.Protocol,
			"secure":   p.Secure,
			"os_type":  p.OSType,
		}, nil
	}
}

// automationHandler builds a Request from the step inputs and the target.
// The credential handle, if present, came from the secrets guard.
func automationHandler(worker automation.Client, action string) HandlerFunc {
	return func(ctx context.Context, sc *safety.StepContext) (map[string]interface{}, error) {
		in := sc.ResolvedInputs
		host, _ := in["host"].(string)
		if host == "" {
			host = sc.Execution.Target.Hostname
		}
		if host == "" {
			return nil, faults.Newf(faults.KindValidation, "%s needs a host", action)
		}

		req := automation.Request{
			Host:   host,
			Action: action,
		}
		if port, ok := in["port"].(float64); ok {
			req.Port = int(port)
		}
		req.Protocol, _ = in["protocol"].(string)
		req.Command, _ = in["command"].(string)
		req.Service, _ = in["service"].(string)
		req.CredentialHandle, _ = in["credential"].(string)

		if action == "run_command" && req.Command == "" {
			return nil, faults.New(faults.KindValidation, "run_command needs a command")
		}
		if action != "run_command" && req.Service == "" {
			return nil, faults.Newf(faults.KindValidation, "%s needs a service", action)
		}

		if deadline, ok := ctx.Deadline(); ok {
			if ms := int(timeUntilMS(deadline)); ms > 0 {
				req.TimeoutMS = ms
			}
		}

		res, err := worker.Run(ctx, req)
		if err != nil {
			return nil, err
		}
		out := map[string]interface{}{
			"exit_code":   res.ExitCode,
			"stdout":      res.Stdout,
			"stderr":      res.Stderr,
			"duration_ms": res.DurationMS,
		}
		if res.Truncated {
			out["truncated"] = true
		}
		if res.ExitCode != 0 {
			return out, faults.Newf(faults.KindInternal, "%s exited with code %d on %s", action, res.ExitCode, host)
		}
		return out, nil
	}
}

func queryFromInputs(sc *safety.StepContext) assets.Query {
	in := sc.ResolvedInputs
	q := assets.Query{}
	q.AssetID, _ = in["asset_id"].(string)
	q.Search, _ = in["search"].(string)
	q.OSType, _ = in["os_type"].(string)
	q.ServiceType, _ = in["service_type"].(string)
	q.Environment, _ = in["environment"].(string)
	q.ActiveOnly, _ = in["active_only"].(bool)
	if limit, ok := in["limit"].(float64); ok {
		q.Limit = int(limit)
	}
	if q.Search == "" && q.AssetID == "" && sc.Execution.Target.AssetID != "" {
		q.AssetID = sc.Execution.Target.AssetID
	}
	if q.Search == "" && q.AssetID == "" {
		q.Search = sc.Execution.Target.Hostname
	}
	return q
}

func timeUntilMS(deadline time.Time) int64 {
	return time.Until(deadline).Milliseconds()
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		} else {
			out = append(out, fmt.Sprintf("%v", item))
		}
	}
	return out
}
