package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poolwarden/poolwarden/internal/metrics"
	"github.com/poolwarden/poolwarden/internal/models"
	"github.com/poolwarden/poolwarden/internal/store"
)

const (
	dedupWindow = 30 * time.Minute
	staleAfter  = time.Hour
)

// Notifier delivers alert payloads to the host. Duplicates are recorded but
// never delivered.
type Notifier interface {
	Notify(ctx context.Context, payload models.AlertPayload) error
}

// LogNotifier writes alert payloads to the structured log; the fallback when
// the host wires no channel of its own.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, payload models.AlertPayload) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("alert",
		slog.String("alert_id", payload.AlertID),
		slog.String("level", string(payload.Level)),
		slog.String("component", payload.Component),
		slog.String("title", payload.Title),
		slog.String("root_cause", payload.Diagnosis.RootCause))
	return nil
}

// Manager turns high-confidence diagnoses into alerts, collapsing repeats of
// the same (component, category, severity) inside the dedup window.
type Manager struct {
	logger   *slog.Logger
	gateway  store.Gateway
	notifier Notifier

	mu        sync.Mutex
	threshold float64
}

// NewManager constructs a manager. A nil notifier falls back to LogNotifier.
func NewManager(gateway store.Gateway, notifier Notifier, confidenceThreshold float64, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	if confidenceThreshold <= 0 {
		confidenceThreshold = 70
	}
	return &Manager{
		logger:    logger,
		gateway:   gateway,
		notifier:  notifier,
		threshold: confidenceThreshold,
	}
}

// Configure applies a hot-reloaded confidence threshold.
func (m *Manager) Configure(confidenceThreshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if confidenceThreshold > 0 {
		m.threshold = confidenceThreshold
	}
}

// Raise evaluates one diagnosis. Below the confidence threshold nothing
// happens. Above it an alert row is always persisted; only non-duplicates
// reach the notifier. Returns the alert when one was created.
func (m *Manager) Raise(ctx context.Context, diag models.Diagnosis) (*models.Alert, error) {
	m.mu.Lock()
	threshold := m.threshold
	m.mu.Unlock()
	if diag.Confidence < threshold {
		return nil, nil
	}

	component := ""
	if len(diag.AffectedComponents) > 0 {
		component = diag.AffectedComponents[0]
	}

	alert := models.Alert{
		ID:          uuid.NewString(),
		Level:       levelFor(diag.Severity),
		Title:       diag.Category + " degradation detected",
		Message:     diag.Explanation,
		Component:   component,
		Category:    diag.Category,
		Severity:    diag.Severity,
		CreatedAt:   time.Now().UTC(),
		DiagnosisID: diag.ID,
	}

	if parent := m.findDuplicateParent(ctx, alert); parent != "" {
		alert.IsDuplicate = true
		alert.ParentAlertID = parent
	}

	if err := m.gateway.SaveAlert(ctx, alert); err != nil {
		return nil, err
	}
	metrics.ObserveAlert(string(alert.Level), alert.IsDuplicate)

	if alert.IsDuplicate {
		m.logger.Debug("alert deduplicated",
			slog.String("alert", alert.ID),
			slog.String("parent", alert.ParentAlertID))
		return &alert, nil
	}

	payload := models.AlertPayload{
		AlertID:   alert.ID,
		Level:     alert.Level,
		Title:     alert.Title,
		Message:   alert.Message,
		Component: alert.Component,
		CreatedAt: alert.CreatedAt,
		Diagnosis: models.PayloadDiagnosis{
			Category:           diag.Category,
			Severity:           diag.Severity,
			Confidence:         diag.Confidence,
			RootCause:          diag.Explanation,
			RecommendedActions: diag.RecommendedActions,
		},
	}
	if err := m.notifier.Notify(ctx, payload); err != nil {
		// Delivery failure never loses the alert row.
		m.logger.Error("alert delivery failed",
			slog.String("alert", alert.ID), slog.Any("error", err))
	}
	return &alert, nil
}

// Resolve closes an alert. Idempotent: resolving a resolved or unknown alert
// returns false without error.
func (m *Manager) Resolve(ctx context.Context, id, by string) (bool, error) {
	alert, err := m.gateway.Alert(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if alert.Resolved() {
		return false, nil
	}
	now := time.Now().UTC()
	alert.ResolvedAt = &now
	alert.ResolvedBy = by
	if err := m.gateway.SaveAlert(ctx, *alert); err != nil {
		return false, err
	}
	m.logger.Info("alert resolved",
		slog.String("alert", id), slog.String("by", by))
	return true, nil
}

// SweepStale auto-resolves unresolved alerts older than an hour whose
// (component, category) produced no diagnosis in the past hour; the condition
// cleared on its own.
func (m *Manager) SweepStale(ctx context.Context, now time.Time) error {
	alerts, err := m.gateway.UnresolvedAlerts(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return err
	}
	diags, err := m.gateway.RecentDiagnoses(ctx, now.Add(-staleAfter))
	if err != nil {
		return err
	}

	active := make(map[[2]string]struct{}, len(diags))
	for _, d := range diags {
		component := ""
		if len(d.AffectedComponents) > 0 {
			component = d.AffectedComponents[0]
		}
		active[[2]string{component, d.Category}] = struct{}{}
	}

	for _, alert := range alerts {
		if now.Sub(alert.CreatedAt) < staleAfter {
			continue
		}
		if _, corroborated := active[[2]string{alert.Component, alert.Category}]; corroborated {
			continue
		}
		if _, err := m.Resolve(ctx, alert.ID, "auto"); err != nil {
			m.logger.Error("auto-resolve failed",
				slog.String("alert", alert.ID), slog.Any("error", err))
		}
	}
	return nil
}

// findDuplicateParent returns the id of the unresolved non-duplicate alert this
// one repeats, or "".
func (m *Manager) findDuplicateParent(ctx context.Context, candidate models.Alert) string {
	open, err := m.gateway.UnresolvedAlerts(ctx, candidate.CreatedAt.Add(-dedupWindow))
	if err != nil {
		// On a read failure the alert goes out rather than being swallowed.
		m.logger.Error("dedup lookup failed", slog.Any("error", err))
		return ""
	}
	for _, prior := range open {
		if prior.IsDuplicate {
			continue
		}
		if prior.Component == candidate.Component &&
			prior.Category == candidate.Category &&
			prior.Severity == candidate.Severity {
			return prior.ID
		}
	}
	return ""
}

func levelFor(severity models.Severity) models.AlertLevel {
	switch severity {
	case models.SeverityCritical:
		return models.AlertCritical
	case models.SeverityHigh:
		return models.AlertError
	case models.SeverityMedium, models.SeverityWarning:
		return models.AlertWarning
	default:
		return models.AlertInfo
	}
}
