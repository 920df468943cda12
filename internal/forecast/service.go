package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/obraplan/obraplan/internal/ledger"
	"github.com/obraplan/obraplan/internal/money"
)

// LedgerPort exposes the required cost ledger integration.
type LedgerPort interface {
	Sync(ctx context.Context, in ledger.SyncInput) error
	Exists(ctx context.Context, projectID, forecastID, categoryID int64) (bool, error)
}

// ReconcileQueue schedules a follow-up ledger sync when the inline sync
// fails after the lifecycle write committed.
type ReconcileQueue interface {
	EnqueueLedgerReconcile(ctx context.Context, forecastID int64) error
}

// Service orchestrates the forecast lifecycle.
type Service struct {
	repo   RepositoryPort
	ledger LedgerPort
	queue  ReconcileQueue
	logger *slog.Logger
}

// NewService constructs the forecast service. queue may be nil when no
// background reconciliation is available.
func NewService(repo RepositoryPort, ledgerPort LedgerPort, queue ReconcileQueue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledgerPort, queue: queue, logger: logger}
}

// CreateInput describes a new forecast line item.
type CreateInput struct {
	ProjectID   int64
	Description string
	Unit        string
	SupplierID  int64
	CategoryID  int64

	Quantity  float64
	UnitPrice float64

	DiscountValue   *float64
	DiscountPercent *float64

	EstimatedDate time.Time
}

// Create persists a new forecast at the end of the pending bucket.
func (s *Service) Create(ctx context.Context, input CreateInput) (Forecast, error) {
	if input.ProjectID == 0 {
		return Forecast{}, fmt.Errorf("%w: project required", ErrValidation)
	}
	if strings.TrimSpace(input.Description) == "" {
		return Forecast{}, fmt.Errorf("%w: description required", ErrValidation)
	}
	if input.Quantity < 0 || input.UnitPrice < 0 {
		return Forecast{}, fmt.Errorf("%w: quantity and unit price must not be negative", ErrValidation)
	}

	f := Forecast{
		ProjectID:     input.ProjectID,
		Description:   strings.TrimSpace(input.Description),
		Unit:          input.Unit,
		SupplierID:    input.SupplierID,
		CategoryID:    input.CategoryID,
		Quantity:      money.NormalizeQuantity(input.Quantity),
		UnitPrice:     money.Round(input.UnitPrice),
		EstimatedDate: input.EstimatedDate,
		Lifecycle:     Lifecycle{Status: StatusPending},
	}
	if err := applyDiscount(&f, input.DiscountValue, input.DiscountPercent); err != nil {
		return Forecast{}, err
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		pos, err := tx.NextPosition(ctx, f.ProjectID, StatusPending)
		if err != nil {
			return err
		}
		f.Position = pos
		id, err := tx.InsertForecast(ctx, f)
		if err != nil {
			return err
		}
		f.ID = id
		return nil
	})
	if err != nil {
		return Forecast{}, err
	}
	f.Version = 1
	return f, nil
}

// UpdateInput patches the non-lifecycle fields of a forecast. Nil pointers
// leave the field untouched. Editing either discount field makes it
// authoritative and re-derives the other; editing quantity or unit price
// preserves the percentage and re-derives the value.
type UpdateInput struct {
	Description *string
	Unit        *string
	SupplierID  *int64
	CategoryID  *int64

	Quantity  *float64
	UnitPrice *float64

	DiscountValue   *float64
	DiscountPercent *float64

	EstimatedDate *time.Time
}

// Update applies a field patch and keeps the discount pair consistent with
// the new gross amount. Lifecycle fields are out of reach by construction.
func (s *Service) Update(ctx context.Context, id int64, patch UpdateInput) (Forecast, error) {
	f, err := s.repo.GetForecast(ctx, id)
	if err != nil {
		return Forecast{}, err
	}

	if patch.Description != nil {
		desc := strings.TrimSpace(*patch.Description)
		if desc == "" {
			return Forecast{}, fmt.Errorf("%w: description required", ErrValidation)
		}
		f.Description = desc
	}
	if patch.Unit != nil {
		f.Unit = *patch.Unit
	}
	if patch.SupplierID != nil {
		f.SupplierID = *patch.SupplierID
	}
	if patch.CategoryID != nil {
		f.CategoryID = *patch.CategoryID
	}
	if patch.EstimatedDate != nil {
		f.EstimatedDate = *patch.EstimatedDate
	}

	grossChanged := false
	if patch.Quantity != nil {
		if *patch.Quantity < 0 {
			return Forecast{}, fmt.Errorf("%w: quantity must not be negative", ErrValidation)
		}
		f.Quantity = money.NormalizeQuantity(*patch.Quantity)
		grossChanged = true
	}
	if patch.UnitPrice != nil {
		if *patch.UnitPrice < 0 {
			return Forecast{}, fmt.Errorf("%w: unit price must not be negative", ErrValidation)
		}
		f.UnitPrice = money.Round(*patch.UnitPrice)
		grossChanged = true
	}

	switch {
	case patch.DiscountPercent != nil, patch.DiscountValue != nil:
		if err := applyDiscount(&f, patch.DiscountValue, patch.DiscountPercent); err != nil {
			return Forecast{}, err
		}
	case grossChanged:
		pct := f.DiscountPercent
		if err := applyDiscount(&f, nil, &pct); err != nil {
			return Forecast{}, err
		}
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateForecastFields(ctx, f)
	})
	if err != nil {
		return Forecast{}, err
	}

	// Once the forecast is a real transaction the paired ledger entry must
	// track amount and description edits.
	if f.Status != StatusPending {
		if err := s.syncLedger(ctx, f); err != nil {
			return f, err
		}
	}
	return f, nil
}

// applyDiscount re-derives the non-authoritative half of the discount pair.
// A zero gross amount forces both halves to zero.
func applyDiscount(f *Forecast, value, pct *float64) error {
	gross := f.GrossAmount()
	if gross == 0 {
		f.DiscountValue = 0
		f.DiscountPercent = 0
		return nil
	}
	switch {
	case pct != nil:
		if *pct < 0 || *pct > 100 {
			return fmt.Errorf("%w: discount percentage must be between 0 and 100", ErrValidation)
		}
		f.DiscountPercent = money.Round(*pct)
		f.DiscountValue = money.DiscountFromPercent(gross, f.DiscountPercent)
	case value != nil:
		if *value < 0 {
			return fmt.Errorf("%w: discount value must not be negative", ErrValidation)
		}
		f.DiscountValue = money.Round(*value)
		f.DiscountPercent = money.DiscountToPercent(gross, f.DiscountValue)
	}
	return nil
}

// Get returns a forecast by id.
func (s *Service) Get(ctx context.Context, id int64) (Forecast, error) {
	return s.repo.GetForecast(ctx, id)
}

// List returns filtered forecasts with the total count.
func (s *Service) List(ctx context.Context, limit, offset int, filters ListFilters) ([]Forecast, int, error) {
	if filters.ProjectID == 0 {
		return nil, 0, fmt.Errorf("%w: project required", ErrValidation)
	}
	return s.repo.ListForecasts(ctx, limit, offset, filters)
}

// AdvanceInput carries a status transition request with optional payment
// context, matching the way orders are confirmed and delivered in one step.
type AdvanceInput struct {
	Target       Status
	IsPaid       *bool
	PaymentProof string
	InvoiceDoc   string
}

// AdvanceStatus moves an individual forecast along the pipeline. Grouped
// members are rejected; their group carries the lifecycle.
func (s *Service) AdvanceStatus(ctx context.Context, id int64, input AdvanceInput) (Forecast, error) {
	patch := LifecyclePatch{Target: &input.Target, IsPaid: input.IsPaid}
	if input.PaymentProof != "" {
		patch.PaymentProof = &input.PaymentProof
	}
	if input.InvoiceDoc != "" {
		patch.InvoiceDoc = &input.InvoiceDoc
	}
	return s.applyItemLifecycle(ctx, id, patch)
}

// SetPaid toggles payment confirmation for a standalone forecast.
func (s *Service) SetPaid(ctx context.Context, id int64, paid bool, proof string) (Forecast, error) {
	patch := LifecyclePatch{IsPaid: &paid}
	if proof != "" {
		patch.PaymentProof = &proof
	}
	return s.applyItemLifecycle(ctx, id, patch)
}

// SetCleared marks a delivered forecast as financially cleared, attaching
// the invoice document to its ledger entry.
func (s *Service) SetCleared(ctx context.Context, id int64, cleared bool, invoiceDoc string) (Forecast, error) {
	patch := LifecyclePatch{IsCleared: &cleared}
	if invoiceDoc != "" {
		patch.InvoiceDoc = &invoiceDoc
	}
	return s.applyItemLifecycle(ctx, id, patch)
}

func (s *Service) applyItemLifecycle(ctx context.Context, id int64, patch LifecyclePatch) (Forecast, error) {
	f, err := s.repo.GetForecast(ctx, id)
	if err != nil {
		return Forecast{}, err
	}
	if f.Grouped() {
		return Forecast{}, fmt.Errorf("%w: forecast %d belongs to group %d", ErrGroupedMember, id, f.GroupID)
	}

	hasLedger := false
	if patch.IsCleared != nil && *patch.IsCleared {
		hasLedger, err = s.ledger.Exists(ctx, f.ProjectID, f.ID, f.CategoryID)
		if err != nil {
			return Forecast{}, err
		}
	}

	next, err := applyLifecycle(f.Lifecycle, patch, hasLedger, time.Now())
	if err != nil {
		return Forecast{}, err
	}

	moved := next.Status != f.Status
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateForecastLifecycle(ctx, f.ID, f.Version, next); err != nil {
			return err
		}
		if moved {
			// Insert at the top of the destination bucket; only that
			// bucket is renumbered.
			if err := tx.ShiftBucket(ctx, f.ProjectID, next.Status); err != nil {
				return err
			}
			if err := tx.SetPosition(ctx, f.ID, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Forecast{}, err
	}

	f.Lifecycle = next
	f.Version++
	if moved {
		f.Position = 0
	}

	if err := s.syncLedger(ctx, f); err != nil {
		// The lifecycle write is committed and authoritative; the
		// bookkeeping catches up via the reconcile queue.
		return f, err
	}
	return f, nil
}

// Delete removes a forecast. Its ledger entry is retained for audit.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if _, err := s.repo.GetForecast(ctx, id); err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteForecast(ctx, id)
	})
}

// ResyncLedger replays the ledger projection for one forecast. Used by the
// reconcile job after a failed inline sync.
func (s *Service) ResyncLedger(ctx context.Context, id int64) error {
	f, err := s.repo.GetForecast(ctx, id)
	if err != nil {
		return err
	}
	return s.ledger.Sync(ctx, syncInput(f))
}

func (s *Service) syncLedger(ctx context.Context, f Forecast) error {
	err := s.ledger.Sync(ctx, syncInput(f))
	if err == nil {
		return nil
	}
	s.logger.Warn("ledger sync failed",
		slog.Int64("forecast_id", f.ID),
		slog.Any("error", err))
	if s.queue != nil {
		if qerr := s.queue.EnqueueLedgerReconcile(ctx, f.ID); qerr != nil {
			s.logger.Error("enqueue ledger reconcile", slog.Int64("forecast_id", f.ID), slog.Any("error", qerr))
		}
	}
	return err
}

func syncInput(f Forecast) ledger.SyncInput {
	stage := ledger.StagePending
	switch f.Status {
	case StatusOrdered:
		stage = ledger.StageOrdered
	case StatusDelivered:
		stage = ledger.StageDelivered
	}
	return ledger.SyncInput{
		ForecastID:      f.ID,
		ProjectID:       f.ProjectID,
		Description:     f.Description,
		CategoryID:      f.CategoryID,
		SupplierID:      f.SupplierID,
		Quantity:        f.Quantity,
		UnitPrice:       f.UnitPrice,
		DiscountValue:   f.DiscountValue,
		DiscountPercent: f.DiscountPercent,
		Amount:          f.NetAmount(),
		Stage:           stage,
		IsPaid:          f.IsPaid,
		IsCleared:       f.IsCleared,
		PaymentProof:    f.PaymentProof,
		DeliveryDate:    f.DeliveryDate,
		InvoiceDoc:      f.InvoiceDoc,
	}
}
