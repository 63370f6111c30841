package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poolwarden/poolwarden/internal/engine"
	"github.com/poolwarden/poolwarden/internal/models"
	"github.com/poolwarden/poolwarden/internal/packs"
	"github.com/poolwarden/poolwarden/internal/recovery"
	"github.com/poolwarden/poolwarden/internal/store"
)

// Engine is the monitor surface the handlers depend on; narrowed to an
// interface so tests can substitute a fake.
type Engine interface {
	RealTimeStats(ctx context.Context) (engine.Stats, error)
	RecentDiagnostics(ctx context.Context, since time.Time) ([]models.Diagnosis, error)
	ActiveAlerts(ctx context.Context) ([]models.Alert, error)
	ResolveAlert(ctx context.Context, id, by string) (bool, error)
	RecordError(ctx context.Context, event models.ErrorEvent) (string, error)
	RecordPoolSample(ctx context.Context, sample models.PoolTelemetry) error
	TriggerRecovery(ctx context.Context, actionID string, params map[string]interface{}) (string, error)
	RecoveryExecution(ctx context.Context, id string) (*models.RecoveryExecution, error)
	ReloadPack(pack *packs.Pack) error
}

// Breakers is the breaker surface the handlers depend on.
type Breakers interface {
	States() []models.CircuitBreakerState
	Reset(ctx context.Context, component string)
}

// Handlers holds the admin API endpoints.
type Handlers struct {
	engine   Engine
	breakers Breakers
	packPath string
	logger   *slog.Logger
}

// NewHandlers wires the endpoints to the monitor.
func NewHandlers(eng Engine, breakers Breakers, packPath string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: eng, breakers: breakers, packPath: packPath, logger: logger}
}

// Stats serves the real-time operational snapshot.
func (h *Handlers) Stats(c *gin.Context) {
	stats, err := h.engine.RealTimeStats(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Diagnostics serves diagnoses from the trailing window; ?hours= overrides the
// default of one hour.
func (h *Handlers) Diagnostics(c *gin.Context) {
	hours := 1
	if v := c.Query("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.fail(c, http.StatusBadRequest, errors.New("hours must be a positive integer"))
			return
		}
		hours = n
	}
	diags, err := h.engine.RecentDiagnostics(c.Request.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diagnostics": diags})
}

// Alerts serves unresolved alerts.
func (h *Handlers) Alerts(c *gin.Context) {
	alerts, err := h.engine.ActiveAlerts(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

type resolveRequest struct {
	By string `json:"by"`
}

// ResolveAlert closes an alert; repeats are 404s, resolution is idempotent in
// the store but the API distinguishes "did something" from "nothing to do".
func (h *Handlers) ResolveAlert(c *gin.Context) {
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)
	if req.By == "" {
		req.By = "operator"
	}
	done, err := h.engine.ResolveAlert(c.Request.Context(), c.Param("id"), req.By)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if !done {
		h.fail(c, http.StatusNotFound, errors.New("alert not found or already resolved"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

type errorReport struct {
	Component string            `json:"component"`
	Message   string            `json:"message" binding:"required"`
	Category  string            `json:"category"`
	Metadata  map[string]string `json:"metadata"`
}

// ReportError ingests one error observation from a host that reports over HTTP
// instead of embedding the engine.
func (h *Handlers) ReportError(c *gin.Context) {
	var req errorReport
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	event := models.ErrorEvent{
		Component: req.Component,
		Message:   req.Message,
		Category:  req.Category,
		Metadata:  req.Metadata,
	}
	eventID, err := h.engine.RecordError(c.Request.Context(), event)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": eventID})
}

// ReportSample ingests a complete telemetry snapshot.
func (h *Handlers) ReportSample(c *gin.Context) {
	var sample models.PoolTelemetry
	if err := c.ShouldBindJSON(&sample); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.engine.RecordPoolSample(c.Request.Context(), sample); err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

type triggerRequest struct {
	ActionID string                 `json:"action_id" binding:"required"`
	Params   map[string]interface{} `json:"params"`
}

// TriggerRecovery runs a recovery action on operator demand.
func (h *Handlers) TriggerRecovery(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	execID, err := h.engine.TriggerRecovery(c.Request.Context(), req.ActionID, req.Params)
	switch {
	case errors.Is(err, recovery.ErrUnknownAction):
		h.fail(c, http.StatusNotFound, err)
	case errors.Is(err, recovery.ErrConcurrencyLimit):
		h.fail(c, http.StatusTooManyRequests, err)
	case err != nil:
		h.fail(c, http.StatusInternalServerError, err)
	default:
		c.JSON(http.StatusAccepted, gin.H{"execution_id": execID})
	}
}

// Execution serves one recovery execution record.
func (h *Handlers) Execution(c *gin.Context) {
	exec, err := h.engine.RecoveryExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.fail(c, http.StatusNotFound, err)
			return
		}
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// Breakers serves every breaker row.
func (h *Handlers) Breakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.States()})
}

// ResetBreaker forces a breaker closed; operator escape hatch.
func (h *Handlers) ResetBreaker(c *gin.Context) {
	h.breakers.Reset(c.Request.Context(), c.Param("component"))
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// ReloadPack re-reads the pack file and swaps it in if it validates.
func (h *Handlers) ReloadPack(c *gin.Context) {
	pack, err := packs.Load(h.packPath)
	if err != nil {
		h.fail(c, http.StatusUnprocessableEntity, err)
		return
	}
	if err := h.engine.ReloadPack(pack); err != nil {
		h.fail(c, http.StatusUnprocessableEntity, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"patterns": len(pack.Patterns),
		"rules":    len(pack.Rules),
		"actions":  len(pack.Actions),
	})
}

func (h *Handlers) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", c.Request.URL.Path), slog.Any("error", err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
