package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/poolwarden/poolwarden/internal/models"
)

// PoolController is the host-injected control surface over the managed pool.
// The engine never manages the pool's lifecycle itself; it only issues these
// bounded commands. Implementations must be idempotent.
type PoolController interface {
	IncreasePoolSize(ctx context.Context, increment, maxSize int) error
	RestorePoolSize(ctx context.Context) error
	RecycleIdleConnections(ctx context.Context, batch int) error
	SetAcquireThrottle(ctx context.Context, ratePerSec float64) error
	ClearAcquireThrottle(ctx context.Context) error
	Failover(ctx context.Context) error
}

// Request carries everything an executor needs for one invocation.
type Request struct {
	Action models.RecoveryActionDef
	// Params merges the action's configured parameters with any per-trigger
	// overrides (manual triggers may supply their own).
	Params map[string]interface{}
	// Component is the primary affected component of the triggering
	// diagnosis; the circuit breaker executor trips this component unless a
	// parameter overrides it.
	Component string
}

// Executor performs one named recovery operation.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req Request) error
}

// Registry is the static lookup table of executors, populated once at startup.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry registers the builtin executors against the supplied pool
// controller and breaker registry.
func NewRegistry(pool PoolController, breakers *BreakerRegistry) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register(execFunc{"pool.increase_size", func(ctx context.Context, req Request) error {
		return pool.IncreasePoolSize(ctx,
			intParam(req.Params, "increment", 5),
			intParam(req.Params, "max_size", 0))
	}})
	r.Register(execFunc{"pool.restore_size", func(ctx context.Context, req Request) error {
		return pool.RestorePoolSize(ctx)
	}})
	r.Register(execFunc{"pool.recycle_idle", func(ctx context.Context, req Request) error {
		return pool.RecycleIdleConnections(ctx, intParam(req.Params, "batch", 1))
	}})
	r.Register(execFunc{"pool.throttle", func(ctx context.Context, req Request) error {
		return pool.SetAcquireThrottle(ctx, floatParam(req.Params, "rate_per_sec", 100))
	}})
	r.Register(execFunc{"pool.clear_throttle", func(ctx context.Context, req Request) error {
		return pool.ClearAcquireThrottle(ctx)
	}})
	r.Register(execFunc{"pool.failover", func(ctx context.Context, req Request) error {
		return pool.Failover(ctx)
	}})
	r.Register(execFunc{"breaker.open", func(ctx context.Context, req Request) error {
		component := stringParam(req.Params, "component", req.Component)
		if component == "" {
			return fmt.Errorf("breaker.open: no component to trip")
		}
		timeout := time.Duration(floatParam(req.Params, "timeout_sec", 0) * float64(time.Second))
		breakers.Trip(ctx, component, timeout)
		return nil
	}})
	r.Register(execFunc{"breaker.reset", func(ctx context.Context, req Request) error {
		component := stringParam(req.Params, "component", req.Component)
		if component == "" {
			return fmt.Errorf("breaker.reset: no component to reset")
		}
		breakers.Reset(ctx, component)
		return nil
	}})
	return r
}

// Register adds an executor; later registrations with the same name win, so a
// host can replace a builtin.
func (r *Registry) Register(e Executor) {
	r.executors[e.Name()] = e
}

// Lookup resolves an executor by name.
func (r *Registry) Lookup(name string) (Executor, bool) {
	e, ok := r.executors[name]
	return e, ok
}

type execFunc struct {
	name string
	fn   func(ctx context.Context, req Request) error
}

func (e execFunc) Name() string                                  { return e.name }
func (e execFunc) Execute(ctx context.Context, req Request) error { return e.fn(ctx, req) }

func floatParam(params map[string]interface{}, key string, fallback float64) float64 {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	return int(floatParam(params, key, float64(fallback)))
}

func stringParam(params map[string]interface{}, key, fallback string) string {
	if params == nil {
		return fallback
	}
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
