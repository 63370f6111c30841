// Package engine wires the detectors, the recovery orchestrator, the alert
// manager and the persistence gateway into one monitor with periodic loops.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/poolwarden/poolwarden/internal/alerting"
	"github.com/poolwarden/poolwarden/internal/config"
	"github.com/poolwarden/poolwarden/internal/detect"
	"github.com/poolwarden/poolwarden/internal/metrics"
	"github.com/poolwarden/poolwarden/internal/models"
	"github.com/poolwarden/poolwarden/internal/packs"
	"github.com/poolwarden/poolwarden/internal/recovery"
	"github.com/poolwarden/poolwarden/internal/store"
	"github.com/poolwarden/poolwarden/internal/utils"
)

// StatsSource lets the host expose live pool gauges so the sampling loop can
// build telemetry snapshots itself. Optional; a host may instead push complete
// snapshots through RecordPoolSample.
type StatsSource interface {
	PoolStats() (active, max, waiting int)
}

// Monitor is the engine facade the host embeds. All inbound recording methods
// are safe for concurrent use and cheap enough for hot paths.
type Monitor struct {
	logger       *slog.Logger
	cfg          *config.Watcher
	gateway      store.Gateway
	patterns     *detect.PatternMatcher
	rules        *detect.RuleEvaluator
	anomaly      *detect.AnomalyDetector
	alerts       *alerting.Manager
	orchestrator *recovery.Orchestrator
	breakers     *recovery.BreakerRegistry
	statsSource  StatsSource

	waits         *utils.WaitTracker
	acquiredTotal atomic.Int64
	releasedTotal atomic.Int64
	timeoutTotal  atomic.Int64
	errorTotal    atomic.Int64

	latest atomic.Pointer[models.PoolTelemetry]

	wg sync.WaitGroup
}

// Deps carries the constructed components Monitor orchestrates.
type Deps struct {
	Config       *config.Watcher
	Gateway      store.Gateway
	Pack         *packs.Pack
	Alerts       *alerting.Manager
	Orchestrator *recovery.Orchestrator
	Breakers     *recovery.BreakerRegistry
	StatsSource  StatsSource
	Logger       *slog.Logger
}

// New builds a monitor over an already-validated pack.
func New(deps Deps) (*Monitor, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	matcher, err := detect.NewPatternMatcher(deps.Pack.Patterns, logger)
	if err != nil {
		return nil, err
	}
	snapshot := deps.Config.Current()

	m := &Monitor{
		logger:       logger,
		cfg:          deps.Config,
		gateway:      deps.Gateway,
		patterns:     matcher,
		rules:        detect.NewRuleEvaluator(deps.Pack.Rules, logger),
		anomaly:      detect.NewAnomalyDetector(snapshot.Monitor.AnomalyConfidenceFloor, logger),
		alerts:       deps.Alerts,
		orchestrator: deps.Orchestrator,
		breakers:     deps.Breakers,
		statsSource:  deps.StatsSource,
		waits:        utils.NewWaitTracker(1024),
	}
	m.registerThresholds(deps.Pack.Rules)
	return m, nil
}

// Run starts the periodic loops and blocks until ctx is cancelled and every
// loop has drained.
func (m *Monitor) Run(ctx context.Context) {
	loops := []struct {
		name     string
		interval func(*config.MonitorConfig) time.Duration
		tick     func(context.Context, time.Time)
	}{
		{"sampling", func(c *config.MonitorConfig) time.Duration { return c.SamplingInterval }, m.samplingTick},
		{"diagnostic", func(c *config.MonitorConfig) time.Duration { return c.DiagnosticInterval }, m.diagnosticTick},
		{"anomaly", func(c *config.MonitorConfig) time.Duration { return c.AnomalyInterval }, m.anomalyTick},
		{"breaker-sweep", func(c *config.MonitorConfig) time.Duration { return c.BreakerSweepInterval }, m.breakerTick},
		{"alert-sweep", func(c *config.MonitorConfig) time.Duration { return c.AlertSweepInterval }, m.alertTick},
	}
	for _, loop := range loops {
		loop := loop
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runLoop(ctx, loop.name, loop.interval, loop.tick)
		}()
	}
	m.wg.Wait()
}

// runLoop re-reads the interval from the live config snapshot each cycle so
// edits take effect without a restart. A panicking tick is logged and the loop
// keeps running; one bad cycle must not kill the monitor.
func (m *Monitor) runLoop(ctx context.Context, name string, interval func(*config.MonitorConfig) time.Duration, tick func(context.Context, time.Time)) {
	for {
		d := interval(&m.cfg.Current().Monitor)
		if d <= 0 {
			d = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case now := <-time.After(d):
			m.safeTick(ctx, name, now, tick)
		}
	}
}

func (m *Monitor) safeTick(ctx context.Context, name string, now time.Time, tick func(context.Context, time.Time)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor loop panicked",
				slog.String("loop", name), slog.Any("panic", r))
		}
	}()
	tick(ctx, now)
}

// RecordPoolSample ingests a complete telemetry snapshot pushed by the host.
func (m *Monitor) RecordPoolSample(ctx context.Context, sample models.PoolTelemetry) error {
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = time.Now().UTC()
	}
	m.latest.Store(&sample)
	metrics.SetPoolUtilization(sample.Utilization())
	if err := m.gateway.SavePoolSample(ctx, sample); err != nil {
		m.logger.Error("persist pool sample failed", slog.Any("error", err))
		return err
	}
	return nil
}

// RecordError ingests one error observation: persisted, counted, and run
// through the pattern matcher inline so bursty failures diagnose immediately
// rather than on the next sweep. Returns the event id.
func (m *Monitor) RecordError(ctx context.Context, event models.ErrorEvent) (string, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Category == "" {
		event.Category = detect.ClassifyCategory(event.Message)
	}
	m.errorTotal.Add(1)
	metrics.ObserveErrorEvent(event.Category)

	if err := m.gateway.SaveErrorEvent(ctx, event); err != nil {
		m.logger.Error("persist error event failed", slog.Any("error", err))
	}

	for _, diag := range m.patterns.Ingest(event) {
		m.handleDiagnosis(ctx, diag)
	}
	return event.ID, nil
}

// RecordAcquire notes one successful connection acquisition and the time the
// caller waited for it.
func (m *Monitor) RecordAcquire(wait time.Duration) {
	m.acquiredTotal.Add(1)
	m.waits.Observe(wait)
}

// RecordRelease notes one connection returned to the pool.
func (m *Monitor) RecordRelease() {
	m.releasedTotal.Add(1)
}

// RecordAcquireTimeout notes one acquisition that gave up waiting.
func (m *Monitor) RecordAcquireTimeout() {
	m.timeoutTotal.Add(1)
}

// MayProceed asks the component's circuit breaker for admission.
func (m *Monitor) MayProceed(component string) bool {
	return m.breakers.MayProceed(component)
}

// RecordProbe reports the outcome of a request admitted through a half-open
// breaker.
func (m *Monitor) RecordProbe(ctx context.Context, component string, ok bool) {
	m.breakers.RecordProbe(ctx, component, ok)
}

// ReloadPack swaps the pattern/rule/action set atomically. Detector state for
// surviving entries is preserved.
func (m *Monitor) ReloadPack(pack *packs.Pack) error {
	if err := pack.Validate(); err != nil {
		return err
	}
	if err := m.patterns.Reload(pack.Patterns); err != nil {
		return err
	}
	m.rules.Reload(pack.Rules)
	m.orchestrator.UpdatePack(pack.Rules, pack.Actions)
	m.registerThresholds(pack.Rules)
	m.logger.Info("pack reloaded",
		slog.Int("patterns", len(pack.Patterns)),
		slog.Int("rules", len(pack.Rules)),
		slog.Int("actions", len(pack.Actions)))
	return nil
}

// ApplyConfig pushes hot-reloadable knobs into the components; installed as
// the config watcher's swap hook.
func (m *Monitor) ApplyConfig(cfg *config.Config) {
	m.anomaly.SetConfidenceFloor(cfg.Monitor.AnomalyConfidenceFloor)
	m.alerts.Configure(cfg.Monitor.AlertConfidence)
	m.orchestrator.Configure(
		cfg.Monitor.MaxConcurrentRecoveries,
		cfg.Monitor.DefaultCooldown,
		cfg.Monitor.RollbackEnabled)
	m.breakers.Configure(
		cfg.Monitor.BreakerFailureThreshold,
		cfg.Monitor.BreakerTimeout)
}

// Stats is the real-time snapshot served to operators.
type Stats struct {
	Telemetry      *models.PoolTelemetry        `json:"telemetry,omitempty"`
	AcquiredTotal  int64                        `json:"acquired_total"`
	ReleasedTotal  int64                        `json:"released_total"`
	TimeoutTotal   int64                        `json:"timeout_total"`
	ErrorTotal     int64                        `json:"error_total"`
	AvgWaitMs      float64                      `json:"avg_wait_ms"`
	P95WaitMs      float64                      `json:"p95_wait_ms"`
	Breakers       []models.CircuitBreakerState `json:"breakers"`
	OpenAlertCount int                          `json:"open_alert_count"`
}

// RealTimeStats assembles the current operational picture.
func (m *Monitor) RealTimeStats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Telemetry:     m.latest.Load(),
		AcquiredTotal: m.acquiredTotal.Load(),
		ReleasedTotal: m.releasedTotal.Load(),
		TimeoutTotal:  m.timeoutTotal.Load(),
		ErrorTotal:    m.errorTotal.Load(),
		AvgWaitMs:     m.waits.AvgMs(),
		P95WaitMs:     m.waits.PercentileMs(95),
		Breakers:      m.breakers.States(),
	}
	open, err := m.gateway.UnresolvedAlerts(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return stats, err
	}
	stats.OpenAlertCount = len(open)
	return stats, nil
}

// RecentDiagnostics returns diagnoses emitted since the given time.
func (m *Monitor) RecentDiagnostics(ctx context.Context, since time.Time) ([]models.Diagnosis, error) {
	return m.gateway.RecentDiagnoses(ctx, since)
}

// ActiveAlerts returns unresolved alerts from the last day.
func (m *Monitor) ActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	return m.gateway.UnresolvedAlerts(ctx, time.Now().Add(-24*time.Hour))
}

// ResolveAlert closes an alert on an operator's behalf.
func (m *Monitor) ResolveAlert(ctx context.Context, id, by string) (bool, error) {
	return m.alerts.Resolve(ctx, id, by)
}

// TriggerRecovery runs a recovery action on operator demand, bypassing
// diagnosis gating and cooldowns.
func (m *Monitor) TriggerRecovery(ctx context.Context, actionID string, params map[string]interface{}) (string, error) {
	return m.orchestrator.ManualTrigger(ctx, actionID, params)
}

// RecoveryExecution fetches one execution record.
func (m *Monitor) RecoveryExecution(ctx context.Context, id string) (*models.RecoveryExecution, error) {
	return m.gateway.Execution(ctx, id)
}

// handleDiagnosis fans one finding out in a fixed order: persist, alert, then
// recover. The durable record exists before any side effect.
func (m *Monitor) handleDiagnosis(ctx context.Context, diag models.Diagnosis) {
	metrics.ObserveDiagnosis(string(diag.Source), string(diag.Severity))
	if err := m.gateway.SaveDiagnosis(ctx, diag); err != nil {
		m.logger.Error("persist diagnosis failed",
			slog.String("diagnosis", diag.ID), slog.Any("error", err))
	}
	m.logger.Info("diagnosis",
		slog.String("source", string(diag.Source)),
		slog.String("matched", diag.MatchedID),
		slog.String("severity", string(diag.Severity)),
		slog.Float64("confidence", diag.Confidence))

	if _, err := m.alerts.Raise(ctx, diag); err != nil {
		m.logger.Error("raise alert failed",
			slog.String("diagnosis", diag.ID), slog.Any("error", err))
	}

	if !diag.RecoveryRecommended {
		return
	}
	if _, err := m.orchestrator.HandleDiagnosis(ctx, diag); err != nil {
		switch err {
		case recovery.ErrCooldownActive, recovery.ErrConcurrencyLimit:
			m.logger.Debug("recovery deferred",
				slog.String("diagnosis", diag.ID), slog.Any("reason", err))
		default:
			m.logger.Error("recovery failed",
				slog.String("diagnosis", diag.ID), slog.Any("error", err))
		}
	}
}

// samplingTick builds a telemetry snapshot from the host's stats source plus
// the monitor's own counters. Skipped when the host pushes snapshots itself.
func (m *Monitor) samplingTick(ctx context.Context, now time.Time) {
	if m.statsSource == nil {
		return
	}
	active, max, waiting := m.statsSource.PoolStats()
	sample := models.PoolTelemetry{
		CapturedAt:    now.UTC(),
		Active:        active,
		Max:           max,
		Waiting:       waiting,
		AcquiredTotal: m.acquiredTotal.Load(),
		ReleasedTotal: m.releasedTotal.Load(),
		TimeoutTotal:  m.timeoutTotal.Load(),
		ErrorTotal:    m.errorTotal.Load(),
		AvgWaitMs:     m.waits.AvgMs(),
		P95WaitMs:     m.waits.PercentileMs(95),
	}
	if err := m.RecordPoolSample(ctx, sample); err != nil {
		return
	}
}

// diagnosticTick evaluates every due health rule against the latest snapshot.
func (m *Monitor) diagnosticTick(ctx context.Context, now time.Time) {
	sample := m.latest.Load()
	if sample == nil {
		return
	}
	for _, diag := range m.rules.Evaluate(*sample, now) {
		m.handleDiagnosis(ctx, diag)
	}
}

// anomalyTick feeds the trend detector the metrics worth forecasting.
func (m *Monitor) anomalyTick(ctx context.Context, now time.Time) {
	sample := m.latest.Load()
	if sample == nil {
		return
	}
	for _, metric := range []string{"utilization", "waiting", "p95_wait_ms", "timeout_total"} {
		value, ok := detect.MetricValue(metric, *sample)
		if !ok {
			continue
		}
		if diag := m.anomaly.Observe(metric, value, now); diag != nil {
			m.handleDiagnosis(ctx, *diag)
		}
	}
}

func (m *Monitor) breakerTick(ctx context.Context, now time.Time) {
	m.breakers.Sweep(ctx, now)
}

func (m *Monitor) alertTick(ctx context.Context, now time.Time) {
	if err := m.alerts.SweepStale(ctx, now); err != nil {
		m.logger.Error("alert sweep failed", slog.Any("error", err))
	}
}

// registerThresholds mirrors the rule thresholds into the anomaly detector so
// breach forecasts line up with what the rules will eventually fire on.
func (m *Monitor) registerThresholds(rules []models.HealthRule) {
	for _, rule := range rules {
		m.anomaly.SetThresholds(rule.MetricName, detect.Thresholds{
			Warning:  rule.WarningThreshold,
			Critical: rule.CriticalThreshold,
		})
	}
}
