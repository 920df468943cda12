// Package ledger synchronizes forecast line items with the project cost
// ledger. The ledger is the source of truth for financial reporting; this
// package only writes the subset of fields a forecast owns.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// External status vocabulary used by the cost ledger.
const (
	StatusCommitted = "COMMITTED"
	StatusSettled   = "SETTLED"
)

// Stage mirrors the forecast pipeline position without importing the
// forecast package.
type Stage string

const (
	StagePending   Stage = "PENDING"
	StageOrdered   Stage = "ORDERED"
	StageDelivered Stage = "DELIVERED"
)

// Entry is a cost ledger record paired with a forecast. Entries are never
// deleted by this package; only their mutable fields change.
type Entry struct {
	ID           int64
	ProjectID    int64
	Ref          string
	CategoryID   int64
	Description  string
	SupplierName string

	Quantity        float64
	UnitPrice       float64
	DiscountValue   float64
	DiscountPercent float64
	Amount          float64

	Status       string
	IsPaid       bool
	PaymentProof string
	DeliveryDate time.Time
	InvoiceDoc   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntryPatch lists the mutable fields the synchronizer may rewrite.
type EntryPatch struct {
	Description     *string
	SupplierName    *string
	Quantity        *float64
	UnitPrice       *float64
	DiscountValue   *float64
	DiscountPercent *float64
	Amount          *float64
	Status          *string
	IsPaid          *bool
	PaymentProof    *string
	DeliveryDate    *time.Time
	InvoiceDoc      *string
}

// API is the cost ledger collaborator. The core consumes it and never owns
// entry lifecycle beyond the fields above.
type API interface {
	CreateEntry(ctx context.Context, entry Entry) (Entry, error)
	UpdateEntry(ctx context.Context, id int64, patch EntryPatch) (Entry, error)
	ListEntries(ctx context.Context, projectID int64) ([]Entry, error)
}

var (
	// ErrNotFound indicates a missing ledger entry.
	ErrNotFound = errors.New("ledger: entry not found")
	// ErrSyncFailed wraps ledger write failures that occurred after the
	// forecast lifecycle change was committed. The lifecycle change stands;
	// the sync must be retried.
	ErrSyncFailed = errors.New("ledger: sync failed")
)

// Ref derives the stable entry reference for a forecast id. The same
// forecast always maps to the same reference, which keeps sync idempotent.
func Ref(forecastID int64) string {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("forecast:%d", forecastID))).String()
}

// DescriptionFor builds the ledger entry description carrying the forecast
// suffix used for legacy lookup when no reference is stored.
func DescriptionFor(description string, forecastID int64) string {
	return fmt.Sprintf("%s %s", strings.TrimSpace(description), descriptionSuffix(forecastID))
}

func descriptionSuffix(forecastID int64) string {
	return fmt.Sprintf("#F%d", forecastID)
}
