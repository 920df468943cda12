package forecast

import (
	"context"
	"fmt"
)

// Reorder assigns dense zero-based positions to one project+status bucket
// from the caller's ordered id list. Ids outside the bucket are ignored and
// forecasts in other buckets are never touched. Concurrent reorders of the
// same bucket serialize last-write-wins; recomputing is cheap and cosmetic.
func (s *Service) Reorder(ctx context.Context, projectID int64, status Status, orderedIDs []int64) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, string(status))
	}
	if projectID == 0 {
		return fmt.Errorf("%w: project required", ErrValidation)
	}
	bucket, err := s.repo.ListBucket(ctx, projectID, status)
	if err != nil {
		return err
	}
	inBucket := make(map[int64]bool, len(bucket))
	for _, f := range bucket {
		inBucket[f.ID] = true
	}

	orders := make([]PositionAssignment, 0, len(orderedIDs))
	seen := make(map[int64]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if !inBucket[id] || seen[id] {
			continue
		}
		seen[id] = true
		orders = append(orders, PositionAssignment{ID: id, Position: len(orders)})
	}
	// Bucket members the caller omitted keep their relative order after
	// the listed ones so positions stay dense.
	for _, f := range bucket {
		if !seen[f.ID] {
			orders = append(orders, PositionAssignment{ID: f.ID, Position: len(orders)})
		}
	}

	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SaveOrder(ctx, projectID, status, orders)
	})
}

// MoveUp swaps the forecast with its upper neighbor in the same status
// bucket and group scope.
func (s *Service) MoveUp(ctx context.Context, id int64) error {
	return s.moveStep(ctx, id, -1)
}

// MoveDown swaps the forecast with its lower neighbor in the same status
// bucket and group scope.
func (s *Service) MoveDown(ctx context.Context, id int64) error {
	return s.moveStep(ctx, id, +1)
}

func (s *Service) moveStep(ctx context.Context, id int64, direction int) error {
	f, err := s.repo.GetForecast(ctx, id)
	if err != nil {
		return err
	}
	bucket, err := s.repo.ListBucket(ctx, f.ProjectID, f.Status)
	if err != nil {
		return err
	}

	// Neighbors are restricted to the same scope: standalone items swap
	// with standalone items, members only within their own group.
	scope := make([]Forecast, 0, len(bucket))
	idx := -1
	for _, b := range bucket {
		if b.GroupID != f.GroupID {
			continue
		}
		if b.ID == f.ID {
			idx = len(scope)
		}
		scope = append(scope, b)
	}
	if idx < 0 {
		return ErrNotFound
	}
	swap := idx + direction
	if swap < 0 || swap >= len(scope) {
		// Already at the edge of its scope; nothing to swap with.
		return nil
	}
	neighbor := scope[swap]

	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetPosition(ctx, f.ID, neighbor.Position); err != nil {
			return err
		}
		return tx.SetPosition(ctx, neighbor.ID, f.Position)
	})
}
