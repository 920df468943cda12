package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SupplierDirectory resolves supplier display names for denormalization
// into ledger entries. It is an external collaborator.
type SupplierDirectory interface {
	GetSupplier(ctx context.Context, id int64) (Supplier, error)
}

// Supplier is the directory record consumed for display only.
type Supplier struct {
	ID   int64
	Name string
}

// SyncInput is the forecast snapshot the synchronizer projects onto the
// ledger. Amount is the forecast's net amount; for grouped members it is
// the member's own net, never the group total.
type SyncInput struct {
	ForecastID int64
	ProjectID  int64

	Description string
	CategoryID  int64
	SupplierID  int64

	Quantity        float64
	UnitPrice       float64
	DiscountValue   float64
	DiscountPercent float64
	Amount          float64

	Stage        Stage
	IsPaid       bool
	IsCleared    bool
	PaymentProof string
	DeliveryDate time.Time
	InvoiceDoc   string
}

// Syncer keeps the paired ledger entry of a forecast consistent with its
// lifecycle, payment and discount state. Sync is idempotent per forecast
// state.
type Syncer struct {
	api       API
	suppliers SupplierDirectory
	logger    *slog.Logger
}

// NewSyncer constructs a Syncer.
func NewSyncer(api API, suppliers SupplierDirectory, logger *slog.Logger) *Syncer {
	return &Syncer{api: api, suppliers: suppliers, logger: logger}
}

// Exists reports whether a ledger entry is already paired with the
// forecast. The transition guard consults this before allowing clearance.
func (s *Syncer) Exists(ctx context.Context, projectID, forecastID, categoryID int64) (bool, error) {
	entry, err := s.find(ctx, projectID, forecastID, categoryID)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// Sync creates or updates the entry paired with the forecast.
//
// A pending forecast is a pure estimate and gets no entry; once the
// forecast reaches ordered the entry is created if absent and updated
// otherwise, never duplicated. Delivery stamps the delivery date and the
// settled status; clearance attaches the invoice document to the existing
// entry.
func (s *Syncer) Sync(ctx context.Context, in SyncInput) error {
	existing, err := s.find(ctx, in.ProjectID, in.ForecastID, in.CategoryID)
	if err != nil {
		return fmt.Errorf("%w: lookup forecast %d: %v", ErrSyncFailed, in.ForecastID, err)
	}

	if in.Stage == StagePending {
		// No entry for an estimate. An entry left over from earlier edits
		// keeps its discount and attachment fields as they are.
		return nil
	}

	status := StatusCommitted
	if in.Stage == StageDelivered {
		status = StatusSettled
	}

	if existing == nil {
		if in.IsCleared {
			return fmt.Errorf("%w: clearance requires an existing entry for forecast %d", ErrSyncFailed, in.ForecastID)
		}
		entry := Entry{
			ProjectID:       in.ProjectID,
			Ref:             Ref(in.ForecastID),
			CategoryID:      in.CategoryID,
			Description:     DescriptionFor(in.Description, in.ForecastID),
			SupplierName:    s.supplierName(ctx, in.SupplierID),
			Quantity:        in.Quantity,
			UnitPrice:       in.UnitPrice,
			DiscountValue:   in.DiscountValue,
			DiscountPercent: in.DiscountPercent,
			Amount:          in.Amount,
			Status:          status,
			IsPaid:          in.IsPaid,
			PaymentProof:    in.PaymentProof,
		}
		if in.Stage == StageDelivered {
			entry.DeliveryDate = in.DeliveryDate
		}
		if _, err := s.api.CreateEntry(ctx, entry); err != nil {
			return fmt.Errorf("%w: create entry for forecast %d: %v", ErrSyncFailed, in.ForecastID, err)
		}
		return nil
	}

	description := DescriptionFor(in.Description, in.ForecastID)
	supplierName := s.supplierName(ctx, in.SupplierID)
	patch := EntryPatch{
		Description:     &description,
		SupplierName:    &supplierName,
		Quantity:        &in.Quantity,
		UnitPrice:       &in.UnitPrice,
		DiscountValue:   &in.DiscountValue,
		DiscountPercent: &in.DiscountPercent,
		Amount:          &in.Amount,
		Status:          &status,
		IsPaid:          &in.IsPaid,
		PaymentProof:    &in.PaymentProof,
	}
	if in.Stage == StageDelivered {
		patch.DeliveryDate = &in.DeliveryDate
	}
	if in.IsCleared {
		patch.InvoiceDoc = &in.InvoiceDoc
	}
	if _, err := s.api.UpdateEntry(ctx, existing.ID, patch); err != nil {
		return fmt.Errorf("%w: update entry %d for forecast %d: %v", ErrSyncFailed, existing.ID, in.ForecastID, err)
	}
	return nil
}

// find locates the paired entry by stable reference, falling back to the
// description suffix within the forecast's cost category for entries
// created before references existed.
func (s *Syncer) find(ctx context.Context, projectID, forecastID, categoryID int64) (*Entry, error) {
	entries, err := s.api.ListEntries(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ref := Ref(forecastID)
	for i := range entries {
		if entries[i].Ref == ref {
			return &entries[i], nil
		}
	}
	suffix := descriptionSuffix(forecastID)
	for i := range entries {
		if entries[i].CategoryID == categoryID && strings.HasSuffix(entries[i].Description, suffix) {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (s *Syncer) supplierName(ctx context.Context, supplierID int64) string {
	if supplierID == 0 || s.suppliers == nil {
		return ""
	}
	supplier, err := s.suppliers.GetSupplier(ctx, supplierID)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("supplier lookup failed", slog.Int64("supplier_id", supplierID), slog.Any("error", err))
		}
		return ""
	}
	return supplier.Name
}
