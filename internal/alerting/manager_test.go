package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/poolwarden/poolwarden/internal/models"
	"github.com/poolwarden/poolwarden/internal/store"
)

// memGateway keeps alerts and diagnoses in memory; everything else is inert.
type memGateway struct {
	mu        sync.Mutex
	alerts    map[string]models.Alert
	diagnoses []models.Diagnosis
}

func newMemGateway() *memGateway {
	return &memGateway{alerts: make(map[string]models.Alert)}
}

func (g *memGateway) SavePoolSample(context.Context, models.PoolTelemetry) error { return nil }
func (g *memGateway) SaveErrorEvent(context.Context, models.ErrorEvent) error    { return nil }
func (g *memGateway) SaveDiagnosis(_ context.Context, diag models.Diagnosis) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.diagnoses = append(g.diagnoses, diag)
	return nil
}
func (g *memGateway) RecentDiagnoses(_ context.Context, since time.Time) ([]models.Diagnosis, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.Diagnosis
	for _, d := range g.diagnoses {
		if !d.Timestamp.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}
func (g *memGateway) SaveExecution(context.Context, models.RecoveryExecution) error { return nil }
func (g *memGateway) Execution(context.Context, string) (*models.RecoveryExecution, error) {
	return nil, store.ErrNotFound
}
func (g *memGateway) SaveBreakerState(context.Context, models.CircuitBreakerState) error { return nil }
func (g *memGateway) LoadBreakerStates(context.Context) ([]models.CircuitBreakerState, error) {
	return nil, nil
}
func (g *memGateway) SaveAlert(_ context.Context, alert models.Alert) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.alerts[alert.ID] = alert
	return nil
}
func (g *memGateway) Alert(_ context.Context, id string) (*models.Alert, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	alert, ok := g.alerts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &alert, nil
}
func (g *memGateway) UnresolvedAlerts(_ context.Context, since time.Time) ([]models.Alert, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.Alert
	for _, alert := range g.alerts {
		if alert.Resolved() || alert.CreatedAt.Before(since) {
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}
func (g *memGateway) Close() error { return nil }

type captureNotifier struct {
	mu       sync.Mutex
	payloads []models.AlertPayload
}

func (n *captureNotifier) Notify(_ context.Context, payload models.AlertPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.payloads)
}

func criticalDiagnosis(confidence float64) models.Diagnosis {
	return models.Diagnosis{
		ID:                 "diag-1",
		Timestamp:          time.Now(),
		Source:             models.SourcePattern,
		Category:           models.CategoryResource,
		Severity:           models.SeverityCritical,
		MatchedID:          "pool-exhausted",
		AffectedComponents: []string{"orders-db"},
		Explanation:        "pool saturated",
		Confidence:         confidence,
	}
}

func TestRaiseBelowThresholdIgnored(t *testing.T) {
	gateway := newMemGateway()
	notifier := &captureNotifier{}
	m := NewManager(gateway, notifier, 70, nil)

	alert, err := m.Raise(context.Background(), criticalDiagnosis(50))
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if alert != nil || notifier.count() != 0 {
		t.Fatalf("low-confidence diagnosis must not alert")
	}
}

func TestRaiseNotifiesAndPersists(t *testing.T) {
	gateway := newMemGateway()
	notifier := &captureNotifier{}
	m := NewManager(gateway, notifier, 70, nil)

	alert, err := m.Raise(context.Background(), criticalDiagnosis(96))
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if alert == nil || alert.IsDuplicate {
		t.Fatalf("expected a fresh alert, got %+v", alert)
	}
	if alert.Level != models.AlertCritical {
		t.Fatalf("critical severity must map to critical level, got %s", alert.Level)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one delivery, got %d", notifier.count())
	}
	if stored, err := gateway.Alert(context.Background(), alert.ID); err != nil || stored.Component != "orders-db" {
		t.Fatalf("alert not persisted correctly: %+v %v", stored, err)
	}
}

func TestRaiseDeduplicatesRepeats(t *testing.T) {
	gateway := newMemGateway()
	notifier := &captureNotifier{}
	m := NewManager(gateway, notifier, 70, nil)

	first, err := m.Raise(context.Background(), criticalDiagnosis(96))
	if err != nil {
		t.Fatalf("first raise: %v", err)
	}
	second, err := m.Raise(context.Background(), criticalDiagnosis(96))
	if err != nil {
		t.Fatalf("second raise: %v", err)
	}

	if !second.IsDuplicate || second.ParentAlertID != first.ID {
		t.Fatalf("expected duplicate linked to parent: %+v", second)
	}
	if notifier.count() != 1 {
		t.Fatalf("duplicates must not be delivered, got %d deliveries", notifier.count())
	}

	// Resolving the parent lifts the suppression.
	if done, err := m.Resolve(context.Background(), first.ID, "operator"); err != nil || !done {
		t.Fatalf("resolve parent: %v %v", done, err)
	}
	third, err := m.Raise(context.Background(), criticalDiagnosis(96))
	if err != nil {
		t.Fatalf("third raise: %v", err)
	}
	if third.IsDuplicate {
		t.Fatalf("alert after parent resolution must be fresh")
	}
}

func TestResolveIdempotent(t *testing.T) {
	gateway := newMemGateway()
	m := NewManager(gateway, &captureNotifier{}, 70, nil)

	alert, err := m.Raise(context.Background(), criticalDiagnosis(96))
	if err != nil {
		t.Fatalf("raise: %v", err)
	}

	if done, err := m.Resolve(context.Background(), alert.ID, "operator"); err != nil || !done {
		t.Fatalf("first resolve: %v %v", done, err)
	}
	if done, err := m.Resolve(context.Background(), alert.ID, "operator"); err != nil || done {
		t.Fatalf("second resolve must be a no-op: %v %v", done, err)
	}
	if done, err := m.Resolve(context.Background(), "missing", "operator"); err != nil || done {
		t.Fatalf("resolving an unknown alert must be a no-op: %v %v", done, err)
	}

	stored, err := gateway.Alert(context.Background(), alert.ID)
	if err != nil {
		t.Fatalf("load alert: %v", err)
	}
	if !stored.Resolved() || stored.ResolvedBy != "operator" {
		t.Fatalf("resolution not recorded: %+v", stored)
	}
}

func TestSweepStaleAutoResolves(t *testing.T) {
	gateway := newMemGateway()
	m := NewManager(gateway, &captureNotifier{}, 70, nil)

	stale := models.Alert{
		ID:        "stale",
		Level:     models.AlertCritical,
		Component: "orders-db",
		Category:  models.CategoryResource,
		Severity:  models.SeverityCritical,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := gateway.SaveAlert(context.Background(), stale); err != nil {
		t.Fatalf("seed alert: %v", err)
	}

	if err := m.SweepStale(context.Background(), time.Now()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	stored, err := gateway.Alert(context.Background(), "stale")
	if err != nil {
		t.Fatalf("load alert: %v", err)
	}
	if !stored.Resolved() || stored.ResolvedBy != "auto" {
		t.Fatalf("stale alert not auto-resolved: %+v", stored)
	}
}

func TestSweepStaleKeepsCorroboratedAlerts(t *testing.T) {
	gateway := newMemGateway()
	m := NewManager(gateway, &captureNotifier{}, 70, nil)

	alert := models.Alert{
		ID:        "live",
		Component: "orders-db",
		Category:  models.CategoryResource,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := gateway.SaveAlert(context.Background(), alert); err != nil {
		t.Fatalf("seed alert: %v", err)
	}
	// A recent diagnosis for the same component and category keeps it open.
	if err := gateway.SaveDiagnosis(context.Background(), criticalDiagnosis(96)); err != nil {
		t.Fatalf("seed diagnosis: %v", err)
	}

	if err := m.SweepStale(context.Background(), time.Now()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	stored, _ := gateway.Alert(context.Background(), "live")
	if stored.Resolved() {
		t.Fatalf("corroborated alert must stay open")
	}
}
