package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kestrelsec/kestrel/api/schemas"
	"github.com/kestrelsec/kestrel/internal/config"
)

// ToolFunc is the uniform calling contract for a capability: a pure I/O
// function taking validated parameters and returning a JSON-serializable
// result.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

type entry struct {
	spec schemas.ToolSpec
	fn   ToolFunc
}

// Registry maps tool names to callables with declared parameter schemas. The
// agent never hard-codes tool logic; dispatch is a lookup plus a validated
// call. A shared rate limiter protects rate-limited upstream services against
// concurrent investigations.
type Registry struct {
	logger  *zap.Logger
	limiter *rate.Limiter
	timeout time.Duration

	mu    sync.RWMutex
	tools map[string]entry
}

var _ schemas.ToolInvoker = (*Registry)(nil)

// New creates an empty registry. timeout bounds every invocation; zero means
// no per-call deadline beyond the caller's context.
func New(cfg config.ToolsConfig, timeout time.Duration, logger *zap.Logger) *Registry {
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Registry{
		logger:  logger.Named("registry"),
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
		tools:   make(map[string]entry),
	}
}

// Register adds a tool under its spec name. Registering the same name twice is
// a programming error and rejected.
func (r *Registry) Register(spec schemas.ToolSpec, fn ToolFunc) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec must have a name")
	}
	if fn == nil {
		return fmt.Errorf("tool %q has a nil function", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}
	r.tools[spec.Name] = entry{spec: spec, fn: fn}
	r.logger.Debug("Tool registered", zap.String("tool", spec.Name))
	return nil
}

// Catalog returns the specs of all registered tools, sorted by name, for
// rendering into planning prompts.
func (r *Registry) Catalog() []schemas.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]schemas.ToolSpec, 0, len(r.tools))
	for _, e := range r.tools {
		specs = append(specs, e.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Invoke resolves the tool by name and calls it with a bounded timeout. All
// failures come back as *schemas.ToolInvocationError so the agent can absorb
// them into the action log and continue.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &schemas.ToolInvocationError{Tool: name, Err: schemas.ErrUnknownTool}
	}

	if err := validateParams(e.spec, params); err != nil {
		return nil, &schemas.ToolInvocationError{Tool: name, Err: err}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &schemas.ToolInvocationError{Tool: name, Err: err}
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := e.fn(callCtx, params)
	if err != nil {
		return nil, &schemas.ToolInvocationError{Tool: name, Err: err}
	}
	return result, nil
}

// validateParams checks the supplied parameters against the declared schema:
// required parameters present, declared types respected. Values arrive from
// JSON, so numbers are float64 and arrays are []any.
func validateParams(spec schemas.ToolSpec, params map[string]any) error {
	for _, p := range spec.Parameters {
		val, present := params[p.Name]
		if !present {
			if p.Required {
				return fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		switch p.Type {
		case "string":
			if _, ok := val.(string); !ok {
				return fmt.Errorf("parameter %q must be a string, got %T", p.Name, val)
			}
		case "number":
			switch val.(type) {
			case float64, int, int64:
			default:
				return fmt.Errorf("parameter %q must be a number, got %T", p.Name, val)
			}
		case "boolean":
			if _, ok := val.(bool); !ok {
				return fmt.Errorf("parameter %q must be a boolean, got %T", p.Name, val)
			}
		case "array":
			switch val.(type) {
			case []any, []string:
			default:
				return fmt.Errorf("parameter %q must be an array, got %T", p.Name, val)
			}
		}
	}
	return nil
}
