package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/obraplan/obraplan/internal/forecast"
	"github.com/obraplan/obraplan/internal/observability"
)

const (
	// TaskLedgerReconcile replays the ledger projection for one forecast
	// after a failed inline sync.
	TaskLedgerReconcile = "ledger:reconcile"
)

// LedgerReconcilePayload identifies the forecast to reconcile.
type LedgerReconcilePayload struct {
	ForecastID int64 `json:"forecast_id"`
}

// NewLedgerReconcileTask builds a reconcile task.
func NewLedgerReconcileTask(forecastID int64) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerReconcilePayload{ForecastID: forecastID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(10)), nil
}

// LedgerResyncer replays the ledger state for a forecast.
type LedgerResyncer interface {
	ResyncLedger(ctx context.Context, id int64) error
}

// LedgerReconcileHandler processes TaskLedgerReconcile tasks.
type LedgerReconcileHandler struct {
	service LedgerResyncer
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewLedgerReconcileHandler constructs the handler. metrics may be nil.
func NewLedgerReconcileHandler(service LedgerResyncer, logger *slog.Logger, metrics *observability.Metrics) *LedgerReconcileHandler {
	return &LedgerReconcileHandler{service: service, logger: logger, metrics: metrics}
}

// Handle implements the asynq handler contract.
func (h *LedgerReconcileHandler) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LedgerReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	err := h.service.ResyncLedger(ctx, payload.ForecastID)
	switch {
	case err == nil:
		h.metrics.ObserveJob(TaskLedgerReconcile, "ok")
		return nil
	case errors.Is(err, forecast.ErrNotFound):
		// The forecast was deleted while the task was queued; its ledger
		// entry is intentionally retained as-is.
		h.metrics.ObserveJob(TaskLedgerReconcile, "skipped")
		return asynq.SkipRetry
	default:
		h.logger.Warn("ledger reconcile failed",
			slog.Int64("forecast_id", payload.ForecastID),
			slog.Any("error", err))
		h.metrics.ObserveJob(TaskLedgerReconcile, "error")
		return err
	}
}
