package forecast

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/obraplan/obraplan/internal/ledger"
)

type memoryRepo struct {
	forecasts map[int64]Forecast
	groups    map[int64]SupplyGroup
	nextID    int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		forecasts: make(map[int64]Forecast),
		groups:    make(map[int64]SupplyGroup),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetForecast(ctx context.Context, id int64) (Forecast, error) {
	f, ok := r.forecasts[id]
	if !ok {
		return Forecast{}, ErrNotFound
	}
	return f, nil
}

func (r *memoryRepo) GetGroup(ctx context.Context, id int64) (SupplyGroup, error) {
	g, ok := r.groups[id]
	if !ok {
		return SupplyGroup{}, ErrNotFound
	}
	return g, nil
}

func (r *memoryRepo) ListMembers(ctx context.Context, groupID int64) ([]Forecast, error) {
	var out []Forecast
	for _, f := range r.forecasts {
		if f.GroupID == groupID {
			out = append(out, f)
		}
	}
	sortForecasts(out)
	return out, nil
}

func (r *memoryRepo) ListBucket(ctx context.Context, projectID int64, status Status) ([]Forecast, error) {
	var out []Forecast
	for _, f := range r.forecasts {
		if f.ProjectID == projectID && f.Status == status {
			out = append(out, f)
		}
	}
	sortForecasts(out)
	return out, nil
}

func (r *memoryRepo) ListForecasts(ctx context.Context, limit, offset int, filters ListFilters) ([]Forecast, int, error) {
	var out []Forecast
	for _, f := range r.forecasts {
		if f.ProjectID != filters.ProjectID {
			continue
		}
		if filters.Status != "" && string(f.Status) != filters.Status {
			continue
		}
		out = append(out, f)
	}
	sortForecasts(out)
	return out, len(out), nil
}

func (r *memoryRepo) ListGroups(ctx context.Context, projectID int64) ([]SupplyGroup, error) {
	var out []SupplyGroup
	for _, g := range r.groups {
		if g.ProjectID == projectID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func sortForecasts(items []Forecast) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		return items[i].ID < items[j].ID
	})
}

func (tx *memoryTx) nextID() int64 {
	tx.repo.nextID++
	return tx.repo.nextID
}

func (tx *memoryTx) InsertForecast(ctx context.Context, f Forecast) (int64, error) {
	id := tx.nextID()
	f.ID = id
	f.Version = 1
	tx.repo.forecasts[id] = f
	return id, nil
}

func (tx *memoryTx) UpdateForecastFields(ctx context.Context, f Forecast) error {
	stored, ok := tx.repo.forecasts[f.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Description = f.Description
	stored.Unit = f.Unit
	stored.SupplierID = f.SupplierID
	stored.CategoryID = f.CategoryID
	stored.Quantity = f.Quantity
	stored.UnitPrice = f.UnitPrice
	stored.DiscountValue = f.DiscountValue
	stored.DiscountPercent = f.DiscountPercent
	stored.EstimatedDate = f.EstimatedDate
	tx.repo.forecasts[f.ID] = stored
	return nil
}

func (tx *memoryTx) UpdateForecastLifecycle(ctx context.Context, id, version int64, lc Lifecycle) error {
	stored, ok := tx.repo.forecasts[id]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != version {
		return ErrConflict
	}
	stored.Lifecycle = lc
	stored.Version++
	tx.repo.forecasts[id] = stored
	return nil
}

func (tx *memoryTx) SetForecastGroup(ctx context.Context, id, groupID int64) error {
	stored, ok := tx.repo.forecasts[id]
	if !ok {
		return ErrNotFound
	}
	stored.GroupID = groupID
	tx.repo.forecasts[id] = stored
	return nil
}

func (tx *memoryTx) DeleteForecast(ctx context.Context, id int64) error {
	if _, ok := tx.repo.forecasts[id]; !ok {
		return ErrNotFound
	}
	delete(tx.repo.forecasts, id)
	return nil
}

func (tx *memoryTx) InsertGroup(ctx context.Context, g SupplyGroup) (int64, error) {
	id := tx.nextID()
	g.ID = id
	g.Version = 1
	tx.repo.groups[id] = g
	return id, nil
}

func (tx *memoryTx) UpdateGroupMeta(ctx context.Context, g SupplyGroup) error {
	stored, ok := tx.repo.groups[g.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Title = g.Title
	stored.SupplierID = g.SupplierID
	stored.EstimatedDate = g.EstimatedDate
	tx.repo.groups[g.ID] = stored
	return nil
}

func (tx *memoryTx) UpdateGroupLifecycle(ctx context.Context, id, version int64, lc Lifecycle) error {
	stored, ok := tx.repo.groups[id]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != version {
		return ErrConflict
	}
	stored.Lifecycle = lc
	stored.Version++
	tx.repo.groups[id] = stored
	return nil
}

func (tx *memoryTx) DeleteGroup(ctx context.Context, id int64) error {
	if _, ok := tx.repo.groups[id]; !ok {
		return ErrNotFound
	}
	delete(tx.repo.groups, id)
	return nil
}

func (tx *memoryTx) NextPosition(ctx context.Context, projectID int64, status Status) (int, error) {
	next := 0
	for _, f := range tx.repo.forecasts {
		if f.ProjectID == projectID && f.Status == status && f.Position >= next {
			next = f.Position + 1
		}
	}
	return next, nil
}

func (tx *memoryTx) ShiftBucket(ctx context.Context, projectID int64, status Status) error {
	for id, f := range tx.repo.forecasts {
		if f.ProjectID == projectID && f.Status == status {
			f.Position++
			tx.repo.forecasts[id] = f
		}
	}
	return nil
}

func (tx *memoryTx) SetPosition(ctx context.Context, id int64, position int) error {
	stored, ok := tx.repo.forecasts[id]
	if !ok {
		return ErrNotFound
	}
	stored.Position = position
	tx.repo.forecasts[id] = stored
	return nil
}

func (tx *memoryTx) SaveOrder(ctx context.Context, projectID int64, status Status, orders []PositionAssignment) error {
	for _, o := range orders {
		f, ok := tx.repo.forecasts[o.ID]
		if !ok || f.ProjectID != projectID || f.Status != status {
			continue
		}
		f.Position = o.Position
		tx.repo.forecasts[o.ID] = f
	}
	return nil
}

type stubLedger struct {
	syncs   []ledger.SyncInput
	entries map[int64]ledger.SyncInput
	fail    bool
}

func newStubLedger() *stubLedger {
	return &stubLedger{entries: make(map[int64]ledger.SyncInput)}
}

func (l *stubLedger) Sync(ctx context.Context, in ledger.SyncInput) error {
	if l.fail {
		return fmt.Errorf("%w: ledger unavailable", ledger.ErrSyncFailed)
	}
	l.syncs = append(l.syncs, in)
	if in.Stage != ledger.StagePending {
		l.entries[in.ForecastID] = in
	}
	return nil
}

func (l *stubLedger) Exists(ctx context.Context, projectID, forecastID, categoryID int64) (bool, error) {
	_, ok := l.entries[forecastID]
	return ok, nil
}

type stubQueue struct {
	enqueued []int64
}

func (q *stubQueue) EnqueueLedgerReconcile(ctx context.Context, forecastID int64) error {
	q.enqueued = append(q.enqueued, forecastID)
	return nil
}

func newTestService() (*Service, *memoryRepo, *stubLedger, *stubQueue) {
	repo := newMemoryRepo()
	led := newStubLedger()
	queue := &stubQueue{}
	return NewService(repo, led, queue, nil), repo, led, queue
}

func createCement(t *testing.T, svc *Service) Forecast {
	t.Helper()
	f, err := svc.Create(context.Background(), CreateInput{
		ProjectID:   1,
		Description: "Cement",
		Unit:        "bag",
		SupplierID:  12,
		CategoryID:  3,
		Quantity:    10,
		UnitPrice:   50.00,
	})
	require.NoError(t, err)
	return f
}

func TestCreateForecastDefaults(t *testing.T) {
	svc, _, _, _ := newTestService()

	f := createCement(t, svc)
	require.NotZero(t, f.ID)
	require.Equal(t, StatusPending, f.Status)
	require.False(t, f.IsPaid)
	require.False(t, f.IsCleared)
	require.Equal(t, 0, f.Position)
	require.InDelta(t, 500.00, f.GrossAmount(), 1e-9)
	require.InDelta(t, 500.00, f.NetAmount(), 1e-9)

	second, err := svc.Create(context.Background(), CreateInput{ProjectID: 1, Description: "Sand", Quantity: 2, UnitPrice: 30})
	require.NoError(t, err)
	require.Equal(t, 1, second.Position)
}

func TestCreateRequiresDescription(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.Create(context.Background(), CreateInput{ProjectID: 1, Description: "   "})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateRejectsNegativeAmounts(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.Create(context.Background(), CreateInput{ProjectID: 1, Description: "Rebar", Quantity: -1, UnitPrice: 5})
	require.ErrorIs(t, err, ErrValidation)
}

func TestUpdateDiscountPercentDerivesValue(t *testing.T) {
	svc, _, _, _ := newTestService()
	f := createCement(t, svc)

	pct := 10.0
	updated, err := svc.Update(context.Background(), f.ID, UpdateInput{DiscountPercent: &pct})
	require.NoError(t, err)
	require.InDelta(t, 50.00, updated.DiscountValue, 1e-9)
	require.InDelta(t, 450.00, updated.NetAmount(), 1e-9)
}

func TestUpdateDiscountValueDerivesPercent(t *testing.T) {
	svc, _, _, _ := newTestService()
	f := createCement(t, svc)

	value := 125.0
	updated, err := svc.Update(context.Background(), f.ID, UpdateInput{DiscountValue: &value})
	require.NoError(t, err)
	require.InDelta(t, 25.0, updated.DiscountPercent, 1e-9)
	require.InDelta(t, 375.00, updated.NetAmount(), 1e-9)
}

func TestDiscountRoundTripIsStable(t *testing.T) {
	svc, _, _, _ := newTestService()
	f := createCement(t, svc)
	ctx := context.Background()

	pct := 13.37
	first, err := svc.Update(ctx, f.ID, UpdateInput{DiscountPercent: &pct})
	require.NoError(t, err)

	value := first.DiscountValue
	second, err := svc.Update(ctx, f.ID, UpdateInput{DiscountValue: &value})
	require.NoError(t, err)
	require.InDelta(t, first.DiscountValue, second.DiscountValue, 0.01)
	require.InDelta(t, first.DiscountPercent, second.DiscountPercent, 0.01)
}

func TestQuantityEditKeepsDiscountConsistent(t *testing.T) {
	svc, _, _, _ := newTestService()
	f := createCement(t, svc)
	ctx := context.Background()

	pct := 10.0
	_, err := svc.Update(ctx, f.ID, UpdateInput{DiscountPercent: &pct})
	require.NoError(t, err)

	qty := 20.0
	updated, err := svc.Update(ctx, f.ID, UpdateInput{Quantity: &qty})
	require.NoError(t, err)
	// Percentage preserved, value re-derived from the new gross.
	require.InDelta(t, 10.0, updated.DiscountPercent, 1e-9)
	require.InDelta(t, 100.00, updated.DiscountValue, 1e-9)
	require.InDelta(t, 900.00, updated.NetAmount(), 1e-9)
}

func TestOverDiscountClampsNetAtZero(t *testing.T) {
	svc, _, _, _ := newTestService()
	f := createCement(t, svc)

	value := 750.0
	updated, err := svc.Update(context.Background(), f.ID, UpdateInput{DiscountValue: &value})
	require.NoError(t, err)
	require.Equal(t, 0.0, updated.NetAmount())
}

func TestAdvancePaidWithoutProofRejected(t *testing.T) {
	svc, _, _, _ := newTestService()
	f := createCement(t, svc)

	paid := true
	_, err := svc.AdvanceStatus(context.Background(), f.ID, AdvanceInput{Target: StatusOrdered, IsPaid: &paid})
	require.ErrorIs(t, err, ErrValidation)

	stored, err := svc.Get(context.Background(), f.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
}

func TestAdvanceToOrderedSyncsLedger(t *testing.T) {
	svc, _, led, _ := newTestService()
	f := createCement(t, svc)
	ctx := context.Background()

	pct := 10.0
	_, err := svc.Update(ctx, f.ID, UpdateInput{DiscountPercent: &pct})
	require.NoError(t, err)

	paid := true
	updated, err := svc.AdvanceStatus(ctx, f.ID, AdvanceInput{Target: StatusOrdered, IsPaid: &paid, PaymentProof: "doc1"})
	require.NoError(t, err)
	require.Equal(t, StatusOrdered, updated.Status)
	require.True(t, updated.IsPaid)
	require.False(t, updated.PurchaseDate.IsZero())

	entry, ok := led.entries[f.ID]
	require.True(t, ok)
	require.InDelta(t, 450.00, entry.Amount, 1e-9)
	require.Equal(t, ledger.StageOrdered, entry.Stage)
}

func TestPendingCannotSkipToDelivered(t *testing.T) {
	svc, _, _, _ := newTestService()
	f := createCement(t, svc)

	_, err := svc.AdvanceStatus(context.Background(), f.ID, AdvanceInput{Target: StatusDelivered})
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestDeliveryRequiresPayment(t *testing.T) {
	svc, _, _, _ := newTestService()
	f := createCement(t, svc)
	ctx := context.Background()

	_, err := svc.AdvanceStatus(ctx, f.ID, AdvanceInput{Target: StatusOrdered})
	require.NoError(t, err)

	_, err = svc.AdvanceStatus(ctx, f.ID, AdvanceInput{Target: StatusDelivered})
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestBackwardTransitionRejected(t *testing.T) {
	svc, _, _, _ := newTestService()
	f := createCement(t, svc)
	ctx := context.Background()

	_, err := svc.AdvanceStatus(ctx, f.ID, AdvanceInput{Target: StatusOrdered})
	require.NoError(t, err)

	_, err = svc.AdvanceStatus(ctx, f.ID, AdvanceInput{Target: StatusPending})
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestClearanceRequiresDelivered(t *testing.T) {
	svc, _, _, _ := newTestService()
	f := createCement(t, svc)

	_, err := svc.SetCleared(context.Background(), f.ID, true, "invoice-1")
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestFullLifecycle(t *testing.T) {
	svc, _, led, _ := newTestService()
	f := createCement(t, svc)
	ctx := context.Background()

	paid := true
	_, err := svc.AdvanceStatus(ctx, f.ID, AdvanceInput{Target: StatusOrdered, IsPaid: &paid, PaymentProof: "doc1"})
	require.NoError(t, err)

	delivered, err := svc.AdvanceStatus(ctx, f.ID, AdvanceInput{Target: StatusDelivered})
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, delivered.Status)
	require.False(t, delivered.DeliveryDate.IsZero())
	require.Equal(t, ledger.StageDelivered, led.entries[f.ID].Stage)

	cleared, err := svc.SetCleared(ctx, f.ID, true, "invoice-9")
	require.NoError(t, err)
	require.True(t, cleared.IsCleared)
	require.Equal(t, "invoice-9", led.entries[f.ID].InvoiceDoc)
	require.True(t, led.entries[f.ID].IsCleared)
}

func TestClearanceRequiresLedgerEntry(t *testing.T) {
	svc, repo, _, _ := newTestService()
	f := createCement(t, svc)

	// Force a delivered record without any ledger entry behind it.
	stored := repo.forecasts[f.ID]
	stored.Status = StatusDelivered
	stored.IsPaid = true
	stored.PaymentProof = "doc1"
	repo.forecasts[f.ID] = stored

	_, err := svc.SetCleared(context.Background(), f.ID, true, "invoice-1")
	require.ErrorIs(t, err, ErrValidation)
}

func TestStatusChangeMovesToTopOfDestinationBucket(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()

	a := createCement(t, svc)
	b, err := svc.Create(ctx, CreateInput{ProjectID: 1, Description: "Sand", Quantity: 1, UnitPrice: 10})
	require.NoError(t, err)
	c, err := svc.Create(ctx, CreateInput{ProjectID: 1, Description: "Gravel", Quantity: 1, UnitPrice: 10})
	require.NoError(t, err)

	_, err = svc.AdvanceStatus(ctx, a.ID, AdvanceInput{Target: StatusOrdered})
	require.NoError(t, err)
	_, err = svc.AdvanceStatus(ctx, b.ID, AdvanceInput{Target: StatusOrdered})
	require.NoError(t, err)

	// b moved last, so it sits on top of the ordered bucket.
	require.Equal(t, 0, repo.forecasts[b.ID].Position)
	require.Equal(t, 1, repo.forecasts[a.ID].Position)
	// The pending bucket never got renumbered.
	require.Equal(t, 2, repo.forecasts[c.ID].Position)
}

func TestConcurrentTransitionConflicts(t *testing.T) {
	svc, repo, _, _ := newTestService()
	f := createCement(t, svc)

	// Another request won the race and bumped the version.
	stored := repo.forecasts[f.ID]
	stored.Version++
	repo.forecasts[f.ID] = stored

	_, err := svc.AdvanceStatus(context.Background(), f.ID, AdvanceInput{Target: StatusOrdered})
	require.ErrorIs(t, err, ErrConflict)
}

func TestSyncFailureKeepsLifecycleAndEnqueuesReconcile(t *testing.T) {
	svc, repo, led, queue := newTestService()
	f := createCement(t, svc)
	led.fail = true

	_, err := svc.AdvanceStatus(context.Background(), f.ID, AdvanceInput{Target: StatusOrdered})
	require.ErrorIs(t, err, ledger.ErrSyncFailed)
	// The committed status is authoritative; only the bookkeeping lags.
	require.Equal(t, StatusOrdered, repo.forecasts[f.ID].Status)
	require.Equal(t, []int64{f.ID}, queue.enqueued)
}

func TestResyncLedger(t *testing.T) {
	svc, _, led, _ := newTestService()
	f := createCement(t, svc)
	ctx := context.Background()

	led.fail = true
	_, err := svc.AdvanceStatus(ctx, f.ID, AdvanceInput{Target: StatusOrdered})
	require.ErrorIs(t, err, ledger.ErrSyncFailed)

	led.fail = false
	require.NoError(t, svc.ResyncLedger(ctx, f.ID))
	require.Equal(t, ledger.StageOrdered, led.entries[f.ID].Stage)
}

func TestDeleteRetainsLedgerEntry(t *testing.T) {
	svc, repo, led, _ := newTestService()
	f := createCement(t, svc)
	ctx := context.Background()

	_, err := svc.AdvanceStatus(ctx, f.ID, AdvanceInput{Target: StatusOrdered})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, f.ID))
	require.NotContains(t, repo.forecasts, f.ID)
	require.Contains(t, led.entries, f.ID)
}

func TestUpdateUnknownForecast(t *testing.T) {
	svc, _, _, _ := newTestService()
	desc := "Bricks"
	_, err := svc.Update(context.Background(), 99, UpdateInput{Description: &desc})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAfterOrderResyncsLedgerAmount(t *testing.T) {
	svc, _, led, _ := newTestService()
	f := createCement(t, svc)
	ctx := context.Background()

	_, err := svc.AdvanceStatus(ctx, f.ID, AdvanceInput{Target: StatusOrdered})
	require.NoError(t, err)

	qty := 4.0
	_, err = svc.Update(ctx, f.ID, UpdateInput{Quantity: &qty})
	require.NoError(t, err)
	require.InDelta(t, 200.00, led.entries[f.ID].Amount, 1e-9)
}
