package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/poolwarden/poolwarden/internal/models"
	"github.com/poolwarden/poolwarden/internal/store"
)

// BreakerRegistry keeps one closed/open/half_open gate per component. Open is
// entered only through the circuit_breaker recovery strategy; the registry
// itself never touches the protected resource. Rows are persisted on every
// transition and reloaded at startup; they are reset, never deleted.
type BreakerRegistry struct {
	logger           *slog.Logger
	gateway          store.Gateway
	failureThreshold int
	defaultTimeout   time.Duration

	mu       sync.Mutex
	states   map[string]*models.CircuitBreakerState
	timeouts map[string]time.Duration
	probing  map[string]bool
}

// NewBreakerRegistry constructs an empty registry.
func NewBreakerRegistry(failureThreshold int, defaultTimeout time.Duration, gateway store.Gateway, logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &BreakerRegistry{
		logger:           logger,
		gateway:          gateway,
		failureThreshold: failureThreshold,
		defaultTimeout:   defaultTimeout,
		states:           make(map[string]*models.CircuitBreakerState),
		timeouts:         make(map[string]time.Duration),
		probing:          make(map[string]bool),
	}
}

// Load restores persisted breaker rows, typically at startup.
func (r *BreakerRegistry) Load(ctx context.Context) error {
	if r.gateway == nil {
		return nil
	}
	rows, err := r.gateway.LoadBreakerStates(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range rows {
		row := rows[i]
		r.states[row.Component] = &row
	}
	return nil
}

// Configure updates the threshold/timeout knobs; applied on config reload.
func (r *BreakerRegistry) Configure(failureThreshold int, defaultTimeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if failureThreshold > 0 {
		r.failureThreshold = failureThreshold
	}
	if defaultTimeout > 0 {
		r.defaultTimeout = defaultTimeout
	}
}

// Trip opens the breaker for a component. Called only by the circuit_breaker
// executor. FailureCount accumulates across trips until a successful probe
// closes the breaker.
func (r *BreakerRegistry) Trip(ctx context.Context, component string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	now := time.Now()
	retry := now.Add(timeout)

	r.mu.Lock()
	state := r.ensureLocked(component)
	state.State = models.BreakerOpen
	state.FailureCount++
	state.OpenedAt = &now
	state.RetryAfter = &retry
	r.timeouts[component] = timeout
	snapshot := *state
	r.mu.Unlock()

	r.logger.Warn("circuit breaker opened",
		slog.String("component", component),
		slog.Int("failure_count", snapshot.FailureCount),
		slog.Duration("timeout", timeout))
	r.persist(ctx, snapshot)
}

// MayProceed is the only gate the host sees. Unknown components are allowed
// through. A half-open breaker whose failure count already reached the
// threshold reopens immediately without granting a fresh probe; below the
// threshold it grants exactly one probe, and further requests while that
// probe is outstanding are denied.
func (r *BreakerRegistry) MayProceed(component string) bool {
	r.mu.Lock()
	state, ok := r.states[component]
	if !ok {
		r.mu.Unlock()
		return true
	}
	switch state.State {
	case models.BreakerClosed:
		r.mu.Unlock()
		return true
	case models.BreakerOpen:
		r.mu.Unlock()
		return false
	default: // half-open
		if state.FailureCount >= r.failureThreshold {
			snapshot := r.reopenLocked(state, component)
			r.mu.Unlock()
			r.logger.Warn("circuit breaker reopened at failure threshold",
				slog.String("component", component),
				slog.Int("failure_count", snapshot.FailureCount))
			r.persist(context.Background(), snapshot)
			return false
		}
		if !r.probing[component] {
			r.probing[component] = true
			r.mu.Unlock()
			return true
		}
		r.mu.Unlock()
		return false
	}
}

// RecordProbe reports the outcome of a request that went through a half-open
// breaker. Success closes the breaker and resets the failure count; failure
// reopens it with the count incremented.
func (r *BreakerRegistry) RecordProbe(ctx context.Context, component string, ok bool) {
	r.mu.Lock()
	state, exists := r.states[component]
	if !exists || state.State != models.BreakerHalfOpen {
		r.mu.Unlock()
		return
	}
	r.probing[component] = false
	var snapshot models.CircuitBreakerState
	if ok {
		state.State = models.BreakerClosed
		state.FailureCount = 0
		state.OpenedAt = nil
		state.RetryAfter = nil
		snapshot = *state
		r.mu.Unlock()
		r.logger.Info("circuit breaker closed", slog.String("component", component))
	} else {
		snapshot = r.reopenLocked(state, component)
		r.mu.Unlock()
		r.logger.Warn("circuit breaker reopened after failed probe",
			slog.String("component", component),
			slog.Int("failure_count", snapshot.FailureCount))
	}
	r.persist(ctx, snapshot)
}

// Sweep flips open breakers whose timeout elapsed to half-open.
func (r *BreakerRegistry) Sweep(ctx context.Context, now time.Time) {
	r.mu.Lock()
	var flipped []models.CircuitBreakerState
	for component, state := range r.states {
		if state.State != models.BreakerOpen || state.RetryAfter == nil || now.Before(*state.RetryAfter) {
			continue
		}
		state.State = models.BreakerHalfOpen
		r.probing[component] = false
		flipped = append(flipped, *state)
		r.logger.Info("circuit breaker half-open", slog.String("component", component))
	}
	r.mu.Unlock()

	for _, snapshot := range flipped {
		r.persist(ctx, snapshot)
	}
}

// Reset forces a breaker back to closed; operator escape hatch.
func (r *BreakerRegistry) Reset(ctx context.Context, component string) {
	r.mu.Lock()
	state, ok := r.states[component]
	if !ok {
		r.mu.Unlock()
		return
	}
	state.State = models.BreakerClosed
	state.FailureCount = 0
	state.OpenedAt = nil
	state.RetryAfter = nil
	snapshot := *state
	r.mu.Unlock()
	r.persist(ctx, snapshot)
}

// States returns a snapshot of every breaker row.
func (r *BreakerRegistry) States() []models.CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.CircuitBreakerState, 0, len(r.states))
	for _, state := range r.states {
		out = append(out, *state)
	}
	return out
}

func (r *BreakerRegistry) ensureLocked(component string) *models.CircuitBreakerState {
	state, ok := r.states[component]
	if !ok {
		state = &models.CircuitBreakerState{Component: component, State: models.BreakerClosed}
		r.states[component] = state
	}
	return state
}

func (r *BreakerRegistry) reopenLocked(state *models.CircuitBreakerState, component string) models.CircuitBreakerState {
	timeout, ok := r.timeouts[component]
	if !ok {
		timeout = r.defaultTimeout
	}
	now := time.Now()
	retry := now.Add(timeout)
	state.State = models.BreakerOpen
	state.FailureCount++
	state.OpenedAt = &now
	state.RetryAfter = &retry
	return *state
}

func (r *BreakerRegistry) persist(ctx context.Context, snapshot models.CircuitBreakerState) {
	if r.gateway == nil {
		return
	}
	if err := r.gateway.SaveBreakerState(ctx, snapshot); err != nil {
		r.logger.Error("persist breaker state failed",
			slog.String("component", snapshot.Component), slog.Any("error", err))
	}
}
