package forecast

import (
	"errors"
	"time"

	"github.com/obraplan/obraplan/internal/money"
)

// Forecast lifecycle statuses. The pipeline is strictly forward:
// pending -> ordered -> delivered.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusOrdered   Status = "ORDERED"
	StatusDelivered Status = "DELIVERED"
)

// rank orders statuses along the pipeline. Unknown statuses rank below
// pending so the guard rejects them.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusOrdered:
		return 2
	case StatusDelivered:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known pipeline status.
func (s Status) Valid() bool {
	return s.rank() > 0
}

// Lifecycle holds the guarded state shared by Forecast and SupplyGroup.
// All mutations go through the transition guard.
type Lifecycle struct {
	Status       Status
	IsPaid       bool
	IsCleared    bool
	PurchaseDate time.Time
	DeliveryDate time.Time
	PaymentProof string
	InvoiceDoc   string
}

// Forecast is a planned material line item tracked from budget estimate
// through physical delivery and financial clearance.
type Forecast struct {
	ID          int64
	ProjectID   int64
	Description string
	Unit        string
	SupplierID  int64
	CategoryID  int64

	Quantity        float64
	UnitPrice       float64
	DiscountValue   float64
	DiscountPercent float64

	Lifecycle

	EstimatedDate time.Time

	// GroupID links the forecast to a supply group; zero means standalone.
	// Grouped members mirror their group's lifecycle fields and reject
	// per-item lifecycle commands.
	GroupID int64

	// Position is the dense zero-based manual order within the forecast's
	// status bucket.
	Position int

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Grouped reports whether the forecast belongs to a supply group.
func (f Forecast) Grouped() bool {
	return f.GroupID != 0
}

// GrossAmount is quantity times unit price at canonical precision.
func (f Forecast) GrossAmount() float64 {
	return money.Gross(f.Quantity, f.UnitPrice)
}

// NetAmount is the gross amount minus the discount value, floored at zero.
func (f Forecast) NetAmount() float64 {
	return money.Net(f.GrossAmount(), f.DiscountValue)
}

// SupplyGroup bundles forecasts that share one purchase order. Its
// lifecycle fields are authoritative for every member.
type SupplyGroup struct {
	ID         int64
	ProjectID  int64
	Title      string
	SupplierID int64

	Lifecycle

	EstimatedDate time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GroupWithMembers pairs a group with its member forecasts in bucket order.
type GroupWithMembers struct {
	Group   SupplyGroup
	Members []Forecast
}

// Total sums member net amounts. It is always computed on read and never
// persisted.
func (g GroupWithMembers) Total() float64 {
	var total float64
	for _, m := range g.Members {
		total += m.NetAmount()
	}
	return money.Round(total)
}

var (
	// ErrNotFound indicates a missing forecast or supply group.
	ErrNotFound = errors.New("forecast: not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("forecast: invalid input")
	// ErrIllegalTransition occurs when a status change violates the
	// forward-only pipeline or its payment/delivery preconditions.
	ErrIllegalTransition = errors.New("forecast: illegal status transition")
	// ErrGroupedMember occurs when a lifecycle command targets a forecast
	// whose lifecycle is managed by its supply group.
	ErrGroupedMember = errors.New("forecast: lifecycle managed by supply group")
	// ErrConflict indicates a concurrent modification was detected.
	ErrConflict = errors.New("forecast: concurrent modification")
)
