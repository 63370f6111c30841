package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/poolwarden/poolwarden/internal/alerting"
	"github.com/poolwarden/poolwarden/internal/config"
	"github.com/poolwarden/poolwarden/internal/models"
	"github.com/poolwarden/poolwarden/internal/packs"
	"github.com/poolwarden/poolwarden/internal/recovery"
	"github.com/poolwarden/poolwarden/internal/store"
)

// countingPool records which commands ran.
type countingPool struct {
	mu        sync.Mutex
	increases int
	recycles  int
	throttles int
	failovers int
}

func (p *countingPool) IncreasePoolSize(context.Context, int, int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.increases++
	return nil
}
func (p *countingPool) RestorePoolSize(context.Context) error { return nil }
func (p *countingPool) RecycleIdleConnections(context.Context, int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recycles++
	return nil
}
func (p *countingPool) SetAcquireThrottle(context.Context, float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.throttles++
	return nil
}
func (p *countingPool) ClearAcquireThrottle(context.Context) error { return nil }
func (p *countingPool) Failover(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failovers++
	return nil
}

type testRig struct {
	monitor *Monitor
	gateway *store.BadgerStore
	pool    *countingPool
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	gateway, err := store.OpenBadger(store.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = gateway.Close() })

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	watcher := config.NewWatcher("", cfg, nil, nil)

	pack := packs.Default()
	pool := &countingPool{}
	breakers := recovery.NewBreakerRegistry(5, time.Minute, gateway, nil)
	orchestrator := recovery.NewOrchestrator(recovery.Options{
		Gateway:         gateway,
		Registry:        recovery.NewRegistry(pool, breakers),
		Rules:           pack.Rules,
		Actions:         pack.Actions,
		MaxConcurrent:   3,
		Cooldown:        5 * time.Minute,
		RollbackEnabled: true,
	})
	alerts := alerting.NewManager(gateway, nil, 70, nil)

	monitor, err := New(Deps{
		Config:       watcher,
		Gateway:      gateway,
		Pack:         pack,
		Alerts:       alerts,
		Orchestrator: orchestrator,
		Breakers:     breakers,
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return &testRig{monitor: monitor, gateway: gateway, pool: pool}
}

func TestErrorBurstDrivesDiagnosisAlertAndRecovery(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Six exhaustion errors inside the window cross the default threshold of
	// five.
	for i := 0; i < 6; i++ {
		eventID, err := rig.monitor.RecordError(ctx, models.ErrorEvent{
			Component: "orders-db",
			Message:   "connection pool exhausted",
		})
		if err != nil || eventID == "" {
			t.Fatalf("record error: id=%q err=%v", eventID, err)
		}
	}

	diags, err := rig.monitor.RecentDiagnostics(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("recent diagnostics: %v", err)
	}
	if len(diags) != 1 {
		t.Fatalf("expected one diagnosis, got %d", len(diags))
	}
	if diags[0].MatchedID != "pool-exhausted" || diags[0].Confidence < 70 {
		t.Fatalf("unexpected diagnosis: %+v", diags[0])
	}

	alerts, err := rig.monitor.ActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("active alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Level != models.AlertCritical {
		t.Fatalf("expected one critical alert, got %+v", alerts)
	}

	// The pattern suggests increase_pool_size (immediate) and
	// recycle_idle_connections (gradual); one action per strategy runs.
	rig.pool.mu.Lock()
	increases, recycles := rig.pool.increases, rig.pool.recycles
	rig.pool.mu.Unlock()
	if increases != 1 || recycles != 1 {
		t.Fatalf("expected one increase and one recycle, got %d/%d", increases, recycles)
	}
}

func TestRuleBreachViaDiagnosticTick(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sample := models.PoolTelemetry{CapturedAt: time.Now().UTC(), Active: 19, Max: 20}
	if err := rig.monitor.RecordPoolSample(ctx, sample); err != nil {
		t.Fatalf("record sample: %v", err)
	}

	rig.monitor.diagnosticTick(ctx, time.Now())

	diags, err := rig.monitor.RecentDiagnostics(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("recent diagnostics: %v", err)
	}
	found := false
	for _, d := range diags {
		if d.MatchedID == "utilization-high" && d.Severity == models.SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected utilization-high critical diagnosis, got %+v", diags)
	}

	rig.pool.mu.Lock()
	increases := rig.pool.increases
	rig.pool.mu.Unlock()
	if increases != 1 {
		t.Fatalf("expected rule breach to increase pool size once, got %d", increases)
	}

	// A second tick inside the rule's check interval and cooldown does nothing
	// more.
	rig.monitor.diagnosticTick(ctx, time.Now().Add(31*time.Second))
	rig.pool.mu.Lock()
	increases = rig.pool.increases
	rig.pool.mu.Unlock()
	if increases != 1 {
		t.Fatalf("cooldown did not hold, increases=%d", increases)
	}
}

func TestManualRecoveryAndExecutionLookup(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	execID, err := rig.monitor.TriggerRecovery(ctx, "increase_pool_size", map[string]interface{}{"increment": 10})
	if err != nil {
		t.Fatalf("manual trigger: %v", err)
	}

	exec, err := rig.monitor.RecoveryExecution(ctx, execID)
	if err != nil {
		t.Fatalf("load execution: %v", err)
	}
	if exec.State != models.ExecutionCompleted || exec.TriggeredBy != "manual" {
		t.Fatalf("unexpected execution record: %+v", exec)
	}
}

func TestStatsReflectCounters(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.monitor.RecordAcquire(10 * time.Millisecond)
	rig.monitor.RecordAcquire(30 * time.Millisecond)
	rig.monitor.RecordRelease()
	rig.monitor.RecordAcquireTimeout()

	stats, err := rig.monitor.RealTimeStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.AcquiredTotal != 2 || stats.ReleasedTotal != 1 || stats.TimeoutTotal != 1 {
		t.Fatalf("counter snapshot wrong: %+v", stats)
	}
	if stats.AvgWaitMs <= 0 {
		t.Fatalf("expected wait aggregate, got %+v", stats)
	}
}

func TestBreakerGateThroughMonitor(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if !rig.monitor.MayProceed("orders-db") {
		t.Fatalf("unknown component must pass")
	}

	// Trip via the manual recovery path using the pack's breaker action.
	if _, err := rig.monitor.TriggerRecovery(ctx, "open_circuit_breaker", map[string]interface{}{"component": "orders-db"}); err != nil {
		t.Fatalf("open breaker: %v", err)
	}
	if rig.monitor.MayProceed("orders-db") {
		t.Fatalf("tripped breaker must deny")
	}

	rig.monitor.breakerTick(ctx, time.Now().Add(2*time.Minute))
	if !rig.monitor.MayProceed("orders-db") {
		t.Fatalf("expected half-open probe grant after sweep")
	}
	rig.monitor.RecordProbe(ctx, "orders-db", true)
	if !rig.monitor.MayProceed("orders-db") {
		t.Fatalf("successful probe must close breaker")
	}
}

func TestPackReloadSwapsRules(t *testing.T) {
	rig := newTestRig(t)

	replacement := &packs.Pack{
		Rules: []models.HealthRule{{
			ID:                "waiters-only",
			MetricName:        "waiting",
			WarningThreshold:  1,
			CriticalThreshold: 2,
		}},
	}
	if err := rig.monitor.ReloadPack(replacement); err != nil {
		t.Fatalf("reload pack: %v", err)
	}

	ctx := context.Background()
	if err := rig.monitor.RecordPoolSample(ctx, models.PoolTelemetry{CapturedAt: time.Now().UTC(), Active: 19, Max: 20, Waiting: 5}); err != nil {
		t.Fatalf("record sample: %v", err)
	}
	rig.monitor.diagnosticTick(ctx, time.Now())

	diags, err := rig.monitor.RecentDiagnostics(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("recent diagnostics: %v", err)
	}
	for _, d := range diags {
		if d.MatchedID == "utilization-high" {
			t.Fatalf("old rule still firing after reload")
		}
	}
	found := false
	for _, d := range diags {
		if d.MatchedID == "waiters-only" {
			found = true
		}
	}
	if !found {
		t.Fatalf("replacement rule did not fire: %+v", diags)
	}
}
