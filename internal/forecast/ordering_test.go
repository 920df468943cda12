package forecast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedBucket(t *testing.T, svc *Service, descriptions ...string) []Forecast {
	t.Helper()
	out := make([]Forecast, 0, len(descriptions))
	for _, desc := range descriptions {
		f, err := svc.Create(context.Background(), CreateInput{ProjectID: 1, Description: desc, Quantity: 1, UnitPrice: 10})
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func bucketOrder(t *testing.T, repo *memoryRepo, status Status) []int64 {
	t.Helper()
	items, err := repo.ListBucket(context.Background(), 1, status)
	require.NoError(t, err)
	ids := make([]int64, 0, len(items))
	for _, f := range items {
		ids = append(ids, f.ID)
	}
	return ids
}

func TestReorderAppliesListedOrder(t *testing.T) {
	svc, repo, _, _ := newTestService()
	items := seedBucket(t, svc, "Cement", "Sand", "Gravel")

	err := svc.Reorder(context.Background(), 1, StatusPending, []int64{items[2].ID, items[0].ID, items[1].ID})
	require.NoError(t, err)
	require.Equal(t, []int64{items[2].ID, items[0].ID, items[1].ID}, bucketOrder(t, repo, StatusPending))

	// Positions come out dense after the rewrite.
	for i, id := range bucketOrder(t, repo, StatusPending) {
		require.Equal(t, i, repo.forecasts[id].Position)
	}
}

func TestReorderAppendsOmittedItems(t *testing.T) {
	svc, repo, _, _ := newTestService()
	items := seedBucket(t, svc, "Cement", "Sand", "Gravel")

	err := svc.Reorder(context.Background(), 1, StatusPending, []int64{items[1].ID})
	require.NoError(t, err)
	require.Equal(t, []int64{items[1].ID, items[0].ID, items[2].ID}, bucketOrder(t, repo, StatusPending))
}

func TestReorderIgnoresForeignIDs(t *testing.T) {
	svc, repo, _, _ := newTestService()
	items := seedBucket(t, svc, "Cement", "Sand")
	ctx := context.Background()

	ordered, err := svc.Create(ctx, CreateInput{ProjectID: 1, Description: "Rebar", Quantity: 1, UnitPrice: 10})
	require.NoError(t, err)
	_, err = svc.AdvanceStatus(ctx, ordered.ID, AdvanceInput{Target: StatusOrdered})
	require.NoError(t, err)

	// An id from another bucket and a nonexistent id are both dropped.
	err = svc.Reorder(ctx, 1, StatusPending, []int64{items[1].ID, ordered.ID, 999, items[0].ID})
	require.NoError(t, err)
	require.Equal(t, []int64{items[1].ID, items[0].ID}, bucketOrder(t, repo, StatusPending))
	require.Equal(t, 0, repo.forecasts[ordered.ID].Position)
}

func TestReorderBucketIsolation(t *testing.T) {
	svc, repo, _, _ := newTestService()
	items := seedBucket(t, svc, "Cement", "Sand", "Gravel")
	ctx := context.Background()

	_, err := svc.AdvanceStatus(ctx, items[0].ID, AdvanceInput{Target: StatusOrdered})
	require.NoError(t, err)

	before := bucketOrder(t, repo, StatusOrdered)
	err = svc.Reorder(ctx, 1, StatusPending, []int64{items[2].ID, items[1].ID})
	require.NoError(t, err)
	require.Equal(t, before, bucketOrder(t, repo, StatusOrdered))
}

func TestReorderValidation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	require.ErrorIs(t, svc.Reorder(ctx, 0, StatusPending, []int64{1}), ErrValidation)
	require.ErrorIs(t, svc.Reorder(ctx, 1, Status("SHIPPED"), []int64{1}), ErrValidation)
}

func TestMoveUpAndDown(t *testing.T) {
	svc, repo, _, _ := newTestService()
	items := seedBucket(t, svc, "Cement", "Sand", "Gravel")
	ctx := context.Background()

	require.NoError(t, svc.MoveUp(ctx, items[1].ID))
	require.Equal(t, []int64{items[1].ID, items[0].ID, items[2].ID}, bucketOrder(t, repo, StatusPending))

	require.NoError(t, svc.MoveDown(ctx, items[1].ID))
	require.Equal(t, []int64{items[0].ID, items[1].ID, items[2].ID}, bucketOrder(t, repo, StatusPending))
}

func TestMoveAtEdgeIsNoop(t *testing.T) {
	svc, repo, _, _ := newTestService()
	items := seedBucket(t, svc, "Cement", "Sand")
	ctx := context.Background()

	require.NoError(t, svc.MoveUp(ctx, items[0].ID))
	require.NoError(t, svc.MoveDown(ctx, items[1].ID))
	require.Equal(t, []int64{items[0].ID, items[1].ID}, bucketOrder(t, repo, StatusPending))
}

func TestMoveStaysWithinGroupScope(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()

	standalone := seedBucket(t, svc, "Cement")[0]
	gm, err := svc.CreateGroup(ctx, CreateGroupInput{
		ProjectID: 1,
		Title:     "Batch",
		Items: []GroupItemInput{
			{Description: "Tiles", Quantity: 1, UnitPrice: 1},
			{Description: "Battens", Quantity: 1, UnitPrice: 1},
		},
	})
	require.NoError(t, err)

	// The first grouped member only swaps with its sibling, never with the
	// standalone item above it.
	first := gm.Members[0]
	require.NoError(t, svc.MoveUp(ctx, first.ID))
	require.Equal(t, 0, repo.forecasts[standalone.ID].Position)

	require.NoError(t, svc.MoveDown(ctx, first.ID))
	require.Equal(t, []int64{standalone.ID, gm.Members[1].ID, first.ID}, bucketOrder(t, repo, StatusPending))
}

func TestMoveUnknownForecast(t *testing.T) {
	svc, _, _, _ := newTestService()
	require.ErrorIs(t, svc.MoveUp(context.Background(), 42), ErrNotFound)
}
