package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/poolwarden/poolwarden/internal/metrics"
	"github.com/poolwarden/poolwarden/internal/models"
	"github.com/poolwarden/poolwarden/internal/store"
)

var (
	// ErrUnknownAction signals a trigger referencing an action id that is not
	// in the loaded pack; programmer/operator error, surfaced to the caller.
	ErrUnknownAction = errors.New("recovery: unknown action id")
	// ErrCooldownActive signals that the triggering rule is inside its
	// cooldown window.
	ErrCooldownActive = errors.New("recovery: cooldown active")
	// ErrConcurrencyLimit signals that the global recovery cap is reached.
	ErrConcurrencyLimit = errors.New("recovery: concurrency limit reached")
)

// Orchestrator maps recovery-recommended diagnoses to actions and drives each
// execution through PENDING → IN_PROGRESS → {COMPLETED|FAILED} → [ROLLED_BACK],
// persisting every transition. Cooldowns bound how often one rule can trigger;
// a weighted semaphore bounds how many actions run at once.
type Orchestrator struct {
	logger          *slog.Logger
	gateway         store.Gateway
	registry        *Registry
	rollbackEnabled bool

	mu          sync.Mutex
	sem         *semaphore.Weighted
	actions     []models.RecoveryActionDef
	actionsByID map[string]models.RecoveryActionDef
	rulesByID   map[string]models.HealthRule
	cooldown    time.Duration
	cooldowns   map[string]time.Time
}

// Options configures NewOrchestrator.
type Options struct {
	Gateway         store.Gateway
	Registry        *Registry
	Rules           []models.HealthRule
	Actions         []models.RecoveryActionDef
	MaxConcurrent   int
	Cooldown        time.Duration
	RollbackEnabled bool
	Logger          *slog.Logger
}

// NewOrchestrator constructs an orchestrator over a loaded pack.
func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	o := &Orchestrator{
		logger:          logger,
		gateway:         opts.Gateway,
		registry:        opts.Registry,
		rollbackEnabled: opts.RollbackEnabled,
		sem:             semaphore.NewWeighted(int64(maxConcurrent)),
		cooldown:        cooldown,
		cooldowns:       make(map[string]time.Time),
	}
	o.UpdatePack(opts.Rules, opts.Actions)
	return o
}

// UpdatePack swaps the rule/action set on pack reload. Cooldown state is kept
// so a reload cannot bypass an armed cooldown.
func (o *Orchestrator) UpdatePack(rules []models.HealthRule, actions []models.RecoveryActionDef) {
	byID := make(map[string]models.RecoveryActionDef, len(actions))
	for _, a := range actions {
		byID[a.ID] = a
	}
	ruleIdx := make(map[string]models.HealthRule, len(rules))
	for _, r := range rules {
		ruleIdx[r.ID] = r
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.actions = append([]models.RecoveryActionDef(nil), actions...)
	o.actionsByID = byID
	o.rulesByID = ruleIdx
}

// Configure applies hot-reloaded tuning. Changing the concurrency cap swaps
// the semaphore; in-flight executions release against the one they acquired.
func (o *Orchestrator) Configure(maxConcurrent int, cooldown time.Duration, rollbackEnabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if maxConcurrent > 0 {
		o.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	if cooldown > 0 {
		o.cooldown = cooldown
	}
	o.rollbackEnabled = rollbackEnabled
}

// HandleDiagnosis executes the recovery plan for one recovery-recommended
// diagnosis: exactly one action per strategy listed on the triggering rule.
// Returns the execution ids started, or a sentinel error when the trigger was
// rejected outright.
func (o *Orchestrator) HandleDiagnosis(ctx context.Context, diag models.Diagnosis) ([]string, error) {
	if !diag.RecoveryRecommended {
		return nil, nil
	}

	o.mu.Lock()
	if last, ok := o.cooldowns[diag.MatchedID]; ok && time.Since(last) < o.cooldown {
		o.mu.Unlock()
		metrics.ObserveRecoverySkipped(metrics.SkipCooldown)
		o.logger.Debug("recovery skipped: cooldown active",
			slog.String("trigger", diag.MatchedID))
		return nil, ErrCooldownActive
	}
	plan := o.planLocked(diag)
	o.mu.Unlock()

	if len(plan) == 0 {
		o.logger.Warn("no recovery action matches diagnosis",
			slog.String("diagnosis", diag.ID), slog.String("trigger", diag.MatchedID))
		return nil, nil
	}

	component := ""
	if len(diag.AffectedComponents) > 0 {
		component = diag.AffectedComponents[0]
	}

	var execIDs []string
	for _, action := range plan {
		id, err := o.execute(ctx, action, diag.ID, diag.MatchedID, action.Parameters, component)
		if err != nil {
			if errors.Is(err, ErrConcurrencyLimit) {
				return execIDs, err
			}
			o.logger.Error("recovery execution error",
				slog.String("action", action.ID), slog.Any("error", err))
			continue
		}
		execIDs = append(execIDs, id)
	}
	return execIDs, nil
}

// ManualTrigger bypasses diagnosis gating and cooldown, but still honors the
// concurrency cap and the action's timeout.
func (o *Orchestrator) ManualTrigger(ctx context.Context, actionID string, params map[string]interface{}) (string, error) {
	o.mu.Lock()
	action, ok := o.actionsByID[actionID]
	o.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}

	merged := make(map[string]interface{}, len(action.Parameters)+len(params))
	for k, v := range action.Parameters {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	return o.execute(ctx, action, "manual", "", merged, "")
}

// planLocked picks exactly one action per strategy for the trigger. Never fans
// out to every matching action; one per strategy bounds the blast radius.
func (o *Orchestrator) planLocked(diag models.Diagnosis) []models.RecoveryActionDef {
	var plan []models.RecoveryActionDef
	seenStrategy := make(map[models.RecoveryStrategy]struct{})
	seenAction := make(map[string]struct{})

	add := func(action models.RecoveryActionDef) {
		if _, dup := seenAction[action.ID]; dup {
			return
		}
		if _, dup := seenStrategy[action.Strategy]; dup {
			return
		}
		seenStrategy[action.Strategy] = struct{}{}
		seenAction[action.ID] = struct{}{}
		plan = append(plan, action)
	}

	if diag.Source == models.SourceRule {
		rule, ok := o.rulesByID[diag.MatchedID]
		if !ok {
			return nil
		}
		for _, strategy := range rule.Strategies {
			if action, found := o.firstActionLocked(rule.ID, strategy); found {
				add(action)
			}
		}
		return plan
	}

	// Pattern and anomaly diagnoses name candidate actions directly.
	for _, actionID := range diag.RecommendedActions {
		if action, ok := o.actionsByID[actionID]; ok {
			add(action)
		}
	}
	return plan
}

// firstActionLocked prefers actions bound to the rule, falling back to the
// first pack action carrying the strategy.
func (o *Orchestrator) firstActionLocked(ruleID string, strategy models.RecoveryStrategy) (models.RecoveryActionDef, bool) {
	for _, action := range o.actions {
		if action.RuleID == ruleID && action.Strategy == strategy {
			return action, true
		}
	}
	for _, action := range o.actions {
		if action.Strategy == strategy {
			return action, true
		}
	}
	return models.RecoveryActionDef{}, false
}

// execute runs one action through the state machine. cooldownKey is empty for
// manual triggers, which never arm a cooldown.
func (o *Orchestrator) execute(ctx context.Context, action models.RecoveryActionDef, triggeredBy, cooldownKey string, params map[string]interface{}, component string) (string, error) {
	executor, ok := o.registry.Lookup(action.Executor)
	if !ok {
		return "", fmt.Errorf("%w: executor %s for action %s", ErrUnknownAction, action.Executor, action.ID)
	}

	o.mu.Lock()
	sem := o.sem
	o.mu.Unlock()
	if !sem.TryAcquire(1) {
		metrics.ObserveRecoverySkipped(metrics.SkipConcurrency)
		return "", ErrConcurrencyLimit
	}
	defer sem.Release(1)

	exec := models.RecoveryExecution{
		ID:          uuid.NewString(),
		ActionID:    action.ID,
		TriggeredBy: triggeredBy,
		StartedAt:   time.Now().UTC(),
		State:       models.ExecutionPending,
	}
	o.persist(ctx, &exec)

	exec.State = models.ExecutionInProgress
	o.persist(ctx, &exec)

	req := Request{Action: action, Params: params, Component: component}
	start := time.Now()

	var runErr error
	for attempt := 1; attempt <= action.MaxAttempts; attempt++ {
		exec.Attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, action.Timeout)
		runErr = executor.Execute(attemptCtx, req)
		cancel()
		if runErr == nil {
			break
		}
		o.logger.Warn("recovery attempt failed",
			slog.String("action", action.ID),
			slog.Int("attempt", attempt),
			slog.Any("error", runErr))
	}
	duration := time.Since(start)

	now := time.Now().UTC()
	exec.CompletedAt = &now
	outcome := metrics.OutcomeSuccess
	if runErr == nil {
		success := true
		exec.State = models.ExecutionCompleted
		exec.Success = &success
	} else {
		success := false
		exec.State = models.ExecutionFailed
		exec.Success = &success
		exec.Error = runErr.Error()
		outcome = metrics.OutcomeFailed
	}
	o.persist(ctx, &exec)

	if runErr != nil && action.RollbackExecutor != "" && o.rollbackEnabled {
		// Rollback runs on a fresh context: it must complete even when the
		// forward action died to a timeout cancellation.
		if o.rollback(action, req, &exec) {
			outcome = metrics.OutcomeRolledBack
		}
		o.persist(ctx, &exec)
	}

	metrics.ObserveRecovery(duration, outcome)

	// Terminal state is persisted above before the cooldown becomes visible.
	if cooldownKey != "" {
		o.mu.Lock()
		o.cooldowns[cooldownKey] = time.Now()
		o.mu.Unlock()
	}

	o.logger.Info("recovery execution finished",
		slog.String("execution", exec.ID),
		slog.String("action", action.ID),
		slog.String("state", string(exec.State)),
		slog.Duration("duration", duration))
	return exec.ID, nil
}

// rollback runs the configured rollback executor. Its failure is recorded but
// never re-triggers recovery.
func (o *Orchestrator) rollback(action models.RecoveryActionDef, req Request, exec *models.RecoveryExecution) bool {
	rollbackExec, ok := o.registry.Lookup(action.RollbackExecutor)
	if !ok {
		o.logger.Error("rollback executor not registered",
			slog.String("action", action.ID),
			slog.String("executor", action.RollbackExecutor))
		return false
	}

	rbCtx, cancel := context.WithTimeout(context.Background(), action.Timeout)
	defer cancel()
	if err := rollbackExec.Execute(rbCtx, req); err != nil {
		o.logger.Error("rollback failed",
			slog.String("action", action.ID), slog.Any("error", err))
		exec.Error = fmt.Sprintf("%s; rollback failed: %v", exec.Error, err)
		return false
	}

	exec.State = models.ExecutionRolledBack
	exec.RollbackExecuted = true
	return true
}

// persist writes one state transition. A failed write is surfaced in the log
// and the in-memory state machine keeps advancing; documented risk.
func (o *Orchestrator) persist(ctx context.Context, exec *models.RecoveryExecution) {
	if o.gateway == nil {
		return
	}
	if err := o.gateway.SaveExecution(ctx, *exec); err != nil {
		o.logger.Error("persist recovery execution failed",
			slog.String("execution", exec.ID),
			slog.String("state", string(exec.State)),
			slog.Any("error", err))
	}
}

// CooldownRemaining reports how long the trigger key stays blocked; zero when
// the trigger may fire. Exposed for the admin API.
func (o *Orchestrator) CooldownRemaining(key string) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	last, ok := o.cooldowns[key]
	if !ok {
		return 0
	}
	remaining := o.cooldown - time.Since(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}
