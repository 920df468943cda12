package forecast

import (
	"fmt"
	"strings"
	"time"
)

// LifecyclePatch describes a requested lifecycle change. Nil pointers leave
// the field untouched. The same patch shape is applied to standalone
// forecasts and, at the group level, to supply groups.
type LifecyclePatch struct {
	Target       *Status
	IsPaid       *bool
	PaymentProof *string
	IsCleared    *bool
	InvoiceDoc   *string
}

// Empty reports whether the patch changes nothing.
func (p LifecyclePatch) Empty() bool {
	return p.Target == nil && p.IsPaid == nil && p.PaymentProof == nil &&
		p.IsCleared == nil && p.InvoiceDoc == nil
}

// applyLifecycle validates patch against the transition guard and returns
// the resulting state. The store is never touched on failure.
//
// hasLedgerEntry tells the clearance check whether a ledger entry already
// exists for the subject; the synchronizer never creates one during
// clearance.
func applyLifecycle(cur Lifecycle, patch LifecyclePatch, hasLedgerEntry bool, now time.Time) (Lifecycle, error) {
	next := cur

	target := cur.Status
	if patch.Target != nil {
		target = *patch.Target
		if !target.Valid() {
			return cur, fmt.Errorf("%w: unknown status %q", ErrValidation, string(target))
		}
		switch {
		case target.rank() < cur.Status.rank():
			return cur, fmt.Errorf("%w: %s cannot move back to %s", ErrIllegalTransition, cur.Status, target)
		case target.rank() > cur.Status.rank()+1:
			return cur, fmt.Errorf("%w: %s cannot skip ahead to %s", ErrIllegalTransition, cur.Status, target)
		}
	}

	if patch.PaymentProof != nil {
		next.PaymentProof = strings.TrimSpace(*patch.PaymentProof)
	}
	if patch.InvoiceDoc != nil {
		next.InvoiceDoc = strings.TrimSpace(*patch.InvoiceDoc)
	}

	if patch.IsPaid != nil {
		if *patch.IsPaid {
			if target.rank() < StatusOrdered.rank() {
				return cur, fmt.Errorf("%w: payment requires status %s", ErrIllegalTransition, StatusOrdered)
			}
			if next.PaymentProof == "" {
				return cur, fmt.Errorf("%w: payment proof required to mark as paid", ErrValidation)
			}
		} else if cur.Status == StatusDelivered || target == StatusDelivered {
			return cur, fmt.Errorf("%w: delivered items cannot be unpaid", ErrIllegalTransition)
		}
		next.IsPaid = *patch.IsPaid
	}

	if target != cur.Status {
		switch target {
		case StatusOrdered:
			next.Status = StatusOrdered
			next.PurchaseDate = now
		case StatusDelivered:
			if !next.IsPaid {
				return cur, fmt.Errorf("%w: delivery requires payment confirmation", ErrIllegalTransition)
			}
			next.Status = StatusDelivered
			next.DeliveryDate = now
		}
	}

	if patch.IsCleared != nil {
		if *patch.IsCleared {
			if next.Status != StatusDelivered {
				return cur, fmt.Errorf("%w: clearance requires status %s", ErrIllegalTransition, StatusDelivered)
			}
			if !hasLedgerEntry {
				return cur, fmt.Errorf("%w: no ledger entry to clear against", ErrValidation)
			}
			if next.InvoiceDoc == "" {
				return cur, fmt.Errorf("%w: invoice document required to clear", ErrValidation)
			}
		}
		next.IsCleared = *patch.IsCleared
	}

	return next, nil
}
