package forecast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/obraplan/obraplan/internal/money"
)

// GroupItemInput describes a member forecast created together with (or
// added to) a supply group.
type GroupItemInput struct {
	Description string
	Unit        string
	CategoryID  int64

	Quantity  float64
	UnitPrice float64

	DiscountValue   *float64
	DiscountPercent *float64
}

// CreateGroupInput describes a new supply group with its initial members.
type CreateGroupInput struct {
	ProjectID     int64
	Title         string
	SupplierID    int64
	EstimatedDate time.Time
	Items         []GroupItemInput
}

// CreateGroup creates a supply group and its member forecasts, all pending.
func (s *Service) CreateGroup(ctx context.Context, input CreateGroupInput) (GroupWithMembers, error) {
	if input.ProjectID == 0 {
		return GroupWithMembers{}, fmt.Errorf("%w: project required", ErrValidation)
	}
	if len(input.Items) == 0 {
		return GroupWithMembers{}, fmt.Errorf("%w: at least one item required", ErrValidation)
	}
	members, err := s.buildMembers(input.ProjectID, input.SupplierID, input.EstimatedDate, Lifecycle{Status: StatusPending}, input.Items)
	if err != nil {
		return GroupWithMembers{}, err
	}

	group := SupplyGroup{
		ProjectID:     input.ProjectID,
		Title:         strings.TrimSpace(input.Title),
		SupplierID:    input.SupplierID,
		EstimatedDate: input.EstimatedDate,
		Lifecycle:     Lifecycle{Status: StatusPending},
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		groupID, err := tx.InsertGroup(ctx, group)
		if err != nil {
			return err
		}
		group.ID = groupID
		for i := range members {
			members[i].GroupID = groupID
			pos, err := tx.NextPosition(ctx, input.ProjectID, StatusPending)
			if err != nil {
				return err
			}
			members[i].Position = pos
			id, err := tx.InsertForecast(ctx, members[i])
			if err != nil {
				return err
			}
			members[i].ID = id
			members[i].Version = 1
		}
		return nil
	})
	if err != nil {
		return GroupWithMembers{}, err
	}
	group.Version = 1
	return GroupWithMembers{Group: group, Members: members}, nil
}

// ConvertInput selects pending, ungrouped forecasts to bundle into a new
// supply group.
type ConvertInput struct {
	ProjectID     int64
	ForecastIDs   []int64
	Title         string
	SupplierID    int64
	EstimatedDate time.Time
}

// ConvertToGroup reparents the selected forecasts under a new group. Their
// individual fields are untouched aside from the grouping link.
func (s *Service) ConvertToGroup(ctx context.Context, input ConvertInput) (GroupWithMembers, error) {
	if len(input.ForecastIDs) == 0 {
		return GroupWithMembers{}, fmt.Errorf("%w: at least one forecast required", ErrValidation)
	}
	members := make([]Forecast, 0, len(input.ForecastIDs))
	for _, id := range input.ForecastIDs {
		f, err := s.repo.GetForecast(ctx, id)
		if err != nil {
			return GroupWithMembers{}, err
		}
		if f.ProjectID != input.ProjectID {
			return GroupWithMembers{}, fmt.Errorf("%w: forecast %d belongs to another project", ErrValidation, id)
		}
		if f.Status != StatusPending {
			return GroupWithMembers{}, fmt.Errorf("%w: forecast %d is already %s", ErrValidation, id, f.Status)
		}
		if f.Grouped() {
			return GroupWithMembers{}, fmt.Errorf("%w: forecast %d is already grouped", ErrValidation, id)
		}
		members = append(members, f)
	}

	group := SupplyGroup{
		ProjectID:     input.ProjectID,
		Title:         strings.TrimSpace(input.Title),
		SupplierID:    input.SupplierID,
		EstimatedDate: input.EstimatedDate,
		Lifecycle:     Lifecycle{Status: StatusPending},
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		groupID, err := tx.InsertGroup(ctx, group)
		if err != nil {
			return err
		}
		group.ID = groupID
		for i := range members {
			if err := tx.SetForecastGroup(ctx, members[i].ID, groupID); err != nil {
				return err
			}
			members[i].GroupID = groupID
		}
		return nil
	})
	if err != nil {
		return GroupWithMembers{}, err
	}
	group.Version = 1
	return GroupWithMembers{Group: group, Members: members}, nil
}

// GetGroup returns a group with its members.
func (s *Service) GetGroup(ctx context.Context, id int64) (GroupWithMembers, error) {
	group, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return GroupWithMembers{}, err
	}
	members, err := s.repo.ListMembers(ctx, id)
	if err != nil {
		return GroupWithMembers{}, err
	}
	return GroupWithMembers{Group: group, Members: members}, nil
}

// ListGroups returns all supply groups of a project with their members.
func (s *Service) ListGroups(ctx context.Context, projectID int64) ([]GroupWithMembers, error) {
	groups, err := s.repo.ListGroups(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]GroupWithMembers, 0, len(groups))
	for _, g := range groups {
		members, err := s.repo.ListMembers(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, GroupWithMembers{Group: g, Members: members})
	}
	return out, nil
}

// GroupPatch updates group metadata and, through the shared guard, the
// group-level lifecycle that every member mirrors.
type GroupPatch struct {
	Title         *string
	SupplierID    *int64
	EstimatedDate *time.Time

	Lifecycle LifecyclePatch
}

// UpdateGroup applies meta changes and broadcasts any lifecycle change to
// every member. Per-member ledger entries are synchronized at each
// member's own net amount, never the group total.
func (s *Service) UpdateGroup(ctx context.Context, id int64, patch GroupPatch) (GroupWithMembers, error) {
	group, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return GroupWithMembers{}, err
	}
	members, err := s.repo.ListMembers(ctx, id)
	if err != nil {
		return GroupWithMembers{}, err
	}

	if patch.Title != nil {
		group.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.SupplierID != nil {
		group.SupplierID = *patch.SupplierID
	}
	if patch.EstimatedDate != nil {
		group.EstimatedDate = *patch.EstimatedDate
	}

	next := group.Lifecycle
	lifecycleChanged := !patch.Lifecycle.Empty()
	if lifecycleChanged {
		hasLedger := false
		if patch.Lifecycle.IsCleared != nil && *patch.Lifecycle.IsCleared {
			hasLedger, err = s.groupHasLedgerEntries(ctx, members)
			if err != nil {
				return GroupWithMembers{}, err
			}
		}
		next, err = applyLifecycle(group.Lifecycle, patch.Lifecycle, hasLedger, time.Now())
		if err != nil {
			return GroupWithMembers{}, err
		}
	}

	moved := next.Status != group.Status
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateGroupMeta(ctx, group); err != nil {
			return err
		}
		if !lifecycleChanged {
			return nil
		}
		if err := tx.UpdateGroupLifecycle(ctx, group.ID, group.Version, next); err != nil {
			return err
		}
		// Members walk in reverse so that repeated insert-at-top keeps
		// their relative order in the destination bucket.
		for i := len(members) - 1; i >= 0; i-- {
			m := members[i]
			if err := tx.UpdateForecastLifecycle(ctx, m.ID, m.Version, next); err != nil {
				return err
			}
			if moved {
				if err := tx.ShiftBucket(ctx, m.ProjectID, next.Status); err != nil {
					return err
				}
				if err := tx.SetPosition(ctx, m.ID, 0); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return GroupWithMembers{}, err
	}

	group.Lifecycle = next
	if lifecycleChanged {
		group.Version++
		for i := range members {
			members[i].Lifecycle = next
			members[i].Version++
		}
	}

	if lifecycleChanged {
		var syncErr error
		for i := range members {
			if err := s.syncLedger(ctx, members[i]); err != nil && syncErr == nil {
				syncErr = err
			}
		}
		if syncErr != nil {
			return GroupWithMembers{Group: group, Members: members}, syncErr
		}
	}
	return GroupWithMembers{Group: group, Members: members}, nil
}

// AddItems appends new member forecasts mirroring the group's current
// lifecycle state.
func (s *Service) AddItems(ctx context.Context, groupID int64, items []GroupItemInput) (GroupWithMembers, error) {
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return GroupWithMembers{}, err
	}
	if len(items) == 0 {
		return GroupWithMembers{}, fmt.Errorf("%w: at least one item required", ErrValidation)
	}
	members, err := s.buildMembers(group.ProjectID, group.SupplierID, group.EstimatedDate, group.Lifecycle, items)
	if err != nil {
		return GroupWithMembers{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for i := range members {
			members[i].GroupID = group.ID
			pos, err := tx.NextPosition(ctx, group.ProjectID, group.Status)
			if err != nil {
				return err
			}
			members[i].Position = pos
			id, err := tx.InsertForecast(ctx, members[i])
			if err != nil {
				return err
			}
			members[i].ID = id
			members[i].Version = 1
		}
		return nil
	})
	if err != nil {
		return GroupWithMembers{}, err
	}

	if group.Status != StatusPending {
		for i := range members {
			if err := s.syncLedger(ctx, members[i]); err != nil {
				return GroupWithMembers{}, err
			}
		}
	}
	return s.GetGroup(ctx, groupID)
}

// DeleteGroup removes the group and releases its members back to
// standalone forecasts. Members and their ledger entries survive; line
// items may already carry confirmed financial history.
func (s *Service) DeleteGroup(ctx context.Context, id int64) error {
	group, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	members, err := s.repo.ListMembers(ctx, id)
	if err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, m := range members {
			if err := tx.SetForecastGroup(ctx, m.ID, 0); err != nil {
				return err
			}
		}
		return tx.DeleteGroup(ctx, group.ID)
	})
}

func (s *Service) buildMembers(projectID, supplierID int64, estimatedDate time.Time, lc Lifecycle, items []GroupItemInput) ([]Forecast, error) {
	members := make([]Forecast, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Description) == "" {
			return nil, fmt.Errorf("%w: item description required", ErrValidation)
		}
		if item.Quantity < 0 || item.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: quantity and unit price must not be negative", ErrValidation)
		}
		f := Forecast{
			ProjectID:     projectID,
			Description:   strings.TrimSpace(item.Description),
			Unit:          item.Unit,
			SupplierID:    supplierID,
			CategoryID:    item.CategoryID,
			Quantity:      money.NormalizeQuantity(item.Quantity),
			UnitPrice:     money.Round(item.UnitPrice),
			EstimatedDate: estimatedDate,
			Lifecycle:     lc,
		}
		if err := applyDiscount(&f, item.DiscountValue, item.DiscountPercent); err != nil {
			return nil, err
		}
		members = append(members, f)
	}
	return members, nil
}

// groupHasLedgerEntries reports whether every member already has a paired
// ledger entry, the precondition for group-level clearance.
func (s *Service) groupHasLedgerEntries(ctx context.Context, members []Forecast) (bool, error) {
	for _, m := range members {
		ok, err := s.ledger.Exists(ctx, m.ProjectID, m.ID, m.CategoryID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return len(members) > 0, nil
}
