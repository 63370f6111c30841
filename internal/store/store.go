// Package store is the persistence gateway: the durable log of everything the
// engine observed and decided. In-memory state keeps advancing when a write
// fails; the error is surfaced to the caller of that write.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/poolwarden/poolwarden/internal/models"
)

// ErrNotFound signals a missing record.
var ErrNotFound = errors.New("store: record not found")

// Gateway defines the durable operations the engine depends on.
type Gateway interface {
	SavePoolSample(ctx context.Context, sample models.PoolTelemetry) error
	SaveErrorEvent(ctx context.Context, event models.ErrorEvent) error

	SaveDiagnosis(ctx context.Context, diag models.Diagnosis) error
	RecentDiagnoses(ctx context.Context, since time.Time) ([]models.Diagnosis, error)

	// SaveExecution upserts; the orchestrator persists every state transition.
	SaveExecution(ctx context.Context, exec models.RecoveryExecution) error
	Execution(ctx context.Context, id string) (*models.RecoveryExecution, error)

	// SaveBreakerState upserts the one-row-per-component breaker table.
	SaveBreakerState(ctx context.Context, state models.CircuitBreakerState) error
	LoadBreakerStates(ctx context.Context) ([]models.CircuitBreakerState, error)

	SaveAlert(ctx context.Context, alert models.Alert) error
	Alert(ctx context.Context, id string) (*models.Alert, error)
	UnresolvedAlerts(ctx context.Context, since time.Time) ([]models.Alert, error)

	Close() error
}
