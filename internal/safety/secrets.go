package safety

import (
	"context"
	"strings"

	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/secrets"
)

// SecretsGuard resolves secret references in step inputs into short-lived
// handles. Handlers see handles, never plaintext; redemption happens
// inside the executing tool at the last moment. After releases any handle
// the step did not redeem.
type SecretsGuard struct {
	broker *secrets.Broker
}

func NewSecretsGuard(broker *secrets.Broker) *SecretsGuard {
	return &SecretsGuard{broker: broker}
}

func (g *SecretsGuard) Name() string { return "secrets" }

// Before deep-copies the step inputs with every secret reference swapped
// for a handle and stores the result in sc.ResolvedInputs.
func (g *SecretsGuard) Before(ctx context.Context, sc *StepContext) (context.Context, error) {
	resolved, err := g.walk(ctx, sc, sc.Step.Inputs)
	if err != nil {
		g.After(ctx, sc, err)
		return ctx, err
	}
	m, _ := resolved.(map[string]interface{})
	if m == nil {
		m = map[string]interface{}{}
	}
	sc.ResolvedInputs = m
	return ctx, nil
}

// After revokes every handle issued for the step. Redeemed handles are
// already gone; revoking them again is a no-op.
func (g *SecretsGuard) After(_ context.Context, sc *StepContext, _ error) {
	for _, h := range sc.handles {
		g.broker.Release(h)
	}
	sc.handles = nil
}

// walk recursively copies v, replacing secret reference objects.
func (g *SecretsGuard) walk(ctx context.Context, sc *StepContext, v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		if path, ok := secretRef(val); ok {
			handle, err := g.issue(ctx, sc, path)
			if err != nil {
				return nil, err
			}
			return handle, nil
		}
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			resolved, err := g.walk(ctx, sc, child)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			resolved, err := g.walk(ctx, sc, child)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// secretRef recognizes {"type":"secret","path":"host/purpose"}.
func secretRef(m map[string]interface{}) (string, bool) {
	t, _ := m["type"].(string)
	if t != "secret" {
		return "", false
	}
	path, _ := m["path"].(string)
	return path, path != ""
}

func (g *SecretsGuard) issue(ctx context.Context, sc *StepContext, path string) (string, error) {
	host, purpose, ok := splitSecretPath(path)
	if !ok {
		return "", faults.Newf(faults.KindValidation, "secret path %q is not host/purpose", path)
	}
	res, err := g.broker.Lookup(ctx, sc.Execution.ActorID, host, purpose)
	if err != nil {
		return "", err
	}
	sc.handles = append(sc.handles, res.Handle)
	return res.Handle, nil
}

func splitSecretPath(path string) (host, purpose string, ok bool) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}
