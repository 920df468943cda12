package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obraplan/obraplan/internal/platform/db"
)

// ListFilters narrows forecast listings.
type ListFilters struct {
	ProjectID  int64
	Status     string
	SupplierID int64
	Search     string
	SortBy     string
	SortDir    string
}

// PositionAssignment pairs a forecast id with its manual order index.
type PositionAssignment struct {
	ID       int64
	Position int
}

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetForecast(ctx context.Context, id int64) (Forecast, error)
	GetGroup(ctx context.Context, id int64) (SupplyGroup, error)
	ListMembers(ctx context.Context, groupID int64) ([]Forecast, error)
	ListBucket(ctx context.Context, projectID int64, status Status) ([]Forecast, error)
	ListForecasts(ctx context.Context, limit, offset int, filters ListFilters) ([]Forecast, int, error)
	ListGroups(ctx context.Context, projectID int64) ([]SupplyGroup, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertForecast(ctx context.Context, f Forecast) (int64, error)
	UpdateForecastFields(ctx context.Context, f Forecast) error
	UpdateForecastLifecycle(ctx context.Context, id, version int64, lc Lifecycle) error
	SetForecastGroup(ctx context.Context, id, groupID int64) error
	DeleteForecast(ctx context.Context, id int64) error

	InsertGroup(ctx context.Context, g SupplyGroup) (int64, error)
	UpdateGroupMeta(ctx context.Context, g SupplyGroup) error
	UpdateGroupLifecycle(ctx context.Context, id, version int64, lc Lifecycle) error
	DeleteGroup(ctx context.Context, id int64) error

	NextPosition(ctx context.Context, projectID int64, status Status) (int, error)
	ShiftBucket(ctx context.Context, projectID int64, status Status) error
	SetPosition(ctx context.Context, id int64, position int) error
	SaveOrder(ctx context.Context, projectID int64, status Status, orders []PositionAssignment) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const forecastColumns = `id, project_id, description, unit, COALESCE(supplier_id,0), COALESCE(category_id,0),
	quantity, unit_price, discount_value, discount_percent,
	status, is_paid, is_cleared,
	COALESCE(estimated_date,'epoch'::date), COALESCE(purchase_date,'epoch'::date), COALESCE(delivery_date,'epoch'::date),
	payment_proof, invoice_doc, COALESCE(group_id,0), position, version, created_at, updated_at`

func scanForecast(row pgx.Row) (Forecast, error) {
	var f Forecast
	err := row.Scan(&f.ID, &f.ProjectID, &f.Description, &f.Unit, &f.SupplierID, &f.CategoryID,
		&f.Quantity, &f.UnitPrice, &f.DiscountValue, &f.DiscountPercent,
		&f.Status, &f.IsPaid, &f.IsCleared,
		&f.EstimatedDate, &f.PurchaseDate, &f.DeliveryDate,
		&f.PaymentProof, &f.InvoiceDoc, &f.GroupID, &f.Position, &f.Version, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return Forecast{}, err
	}
	f.EstimatedDate = zeroEpoch(f.EstimatedDate)
	f.PurchaseDate = zeroEpoch(f.PurchaseDate)
	f.DeliveryDate = zeroEpoch(f.DeliveryDate)
	return f, nil
}

const groupColumns = `id, project_id, title, COALESCE(supplier_id,0),
	status, is_paid, is_cleared,
	COALESCE(estimated_date,'epoch'::date), COALESCE(purchase_date,'epoch'::date), COALESCE(delivery_date,'epoch'::date),
	payment_proof, invoice_doc, version, created_at, updated_at`

func scanGroup(row pgx.Row) (SupplyGroup, error) {
	var g SupplyGroup
	err := row.Scan(&g.ID, &g.ProjectID, &g.Title, &g.SupplierID,
		&g.Status, &g.IsPaid, &g.IsCleared,
		&g.EstimatedDate, &g.PurchaseDate, &g.DeliveryDate,
		&g.PaymentProof, &g.InvoiceDoc, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return SupplyGroup{}, err
	}
	g.EstimatedDate = zeroEpoch(g.EstimatedDate)
	g.PurchaseDate = zeroEpoch(g.PurchaseDate)
	g.DeliveryDate = zeroEpoch(g.DeliveryDate)
	return g, nil
}

// GetForecast returns a forecast by id.
func (r *Repository) GetForecast(ctx context.Context, id int64) (Forecast, error) {
	f, err := scanForecast(r.pool.QueryRow(ctx, `SELECT `+forecastColumns+` FROM forecasts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Forecast{}, ErrNotFound
		}
		return Forecast{}, err
	}
	return f, nil
}

// GetGroup returns a supply group by id.
func (r *Repository) GetGroup(ctx context.Context, id int64) (SupplyGroup, error) {
	g, err := scanGroup(r.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM supply_groups WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SupplyGroup{}, ErrNotFound
		}
		return SupplyGroup{}, err
	}
	return g, nil
}

// ListMembers returns the member forecasts of a group in bucket order.
func (r *Repository) ListMembers(ctx context.Context, groupID int64) ([]Forecast, error) {
	return r.queryForecasts(ctx, `SELECT `+forecastColumns+` FROM forecasts WHERE group_id=$1 ORDER BY position, id`, groupID)
}

// ListBucket returns all forecasts of one project+status bucket in manual order.
func (r *Repository) ListBucket(ctx context.Context, projectID int64, status Status) ([]Forecast, error) {
	return r.queryForecasts(ctx, `SELECT `+forecastColumns+` FROM forecasts WHERE project_id=$1 AND status=$2 ORDER BY position, id`, projectID, string(status))
}

func (r *Repository) queryForecasts(ctx context.Context, sql string, args ...any) ([]Forecast, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Forecast
	for rows.Next() {
		f, err := scanForecast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListForecasts returns filtered forecasts for a project with total count.
func (r *Repository) ListForecasts(ctx context.Context, limit, offset int, filters ListFilters) ([]Forecast, int, error) {
	where := `WHERE f.project_id = $1`
	args := []any{filters.ProjectID}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(` AND f.status = $%d`, len(args))
	}
	if filters.SupplierID > 0 {
		args = append(args, filters.SupplierID)
		where += fmt.Sprintf(` AND f.supplier_id = $%d`, len(args))
	}
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		where += fmt.Sprintf(` AND f.description ILIKE $%d`, len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM forecasts f `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	orderBy := sortOrderForecast(filters.SortBy, filters.SortDir)
	args = append(args, limit, offset)
	sql := fmt.Sprintf(`SELECT %s FROM forecasts f %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		forecastColumns, where, orderBy, len(args)-1, len(args))
	items, err := r.queryForecasts(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// sortOrderForecast returns a safe ORDER BY clause.
func sortOrderForecast(sortBy, sortDir string) string {
	dir := "ASC"
	if sortDir == "desc" {
		dir = "DESC"
	}
	switch sortBy {
	case "description":
		return "f.description " + dir
	case "estimated_date":
		return "f.estimated_date " + dir
	case "created_at":
		return "f.created_at " + dir
	default:
		return "f.status, f.position " + dir
	}
}

// ListGroups returns all supply groups of a project.
func (r *Repository) ListGroups(ctx context.Context, projectID int64) ([]SupplyGroup, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+groupColumns+` FROM supply_groups WHERE project_id=$1 ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SupplyGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (tx *txRepo) InsertForecast(ctx context.Context, f Forecast) (int64, error) {
	var id int64
	now := time.Now()
	err := tx.tx.QueryRow(ctx, `INSERT INTO forecasts
		(project_id, description, unit, supplier_id, category_id, quantity, unit_price,
		 discount_value, discount_percent, status, is_paid, is_cleared,
		 estimated_date, purchase_date, delivery_date, payment_proof, invoice_doc,
		 group_id, position, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,1,$20,$20)
		RETURNING id`,
		f.ProjectID, f.Description, f.Unit, nullID(f.SupplierID), nullID(f.CategoryID),
		f.Quantity, f.UnitPrice, f.DiscountValue, f.DiscountPercent,
		string(f.Status), f.IsPaid, f.IsCleared,
		nullDate(f.EstimatedDate), nullDate(f.PurchaseDate), nullDate(f.DeliveryDate),
		f.PaymentProof, f.InvoiceDoc, nullID(f.GroupID), f.Position, now).Scan(&id)
	if err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (tx *txRepo) UpdateForecastFields(ctx context.Context, f Forecast) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE forecasts SET
		description=$1, unit=$2, supplier_id=$3, category_id=$4,
		quantity=$5, unit_price=$6, discount_value=$7, discount_percent=$8,
		estimated_date=$9, updated_at=$10
		WHERE id=$11`,
		f.Description, f.Unit, nullID(f.SupplierID), nullID(f.CategoryID),
		f.Quantity, f.UnitPrice, f.DiscountValue, f.DiscountPercent,
		nullDate(f.EstimatedDate), time.Now(), f.ID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateForecastLifecycle applies a guarded lifecycle write with an
// optimistic version check. Zero rows affected means a concurrent
// transition won the race.
func (tx *txRepo) UpdateForecastLifecycle(ctx context.Context, id, version int64, lc Lifecycle) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE forecasts SET
		status=$1, is_paid=$2, is_cleared=$3,
		purchase_date=$4, delivery_date=$5, payment_proof=$6, invoice_doc=$7,
		version=version+1, updated_at=$8
		WHERE id=$9 AND version=$10`,
		string(lc.Status), lc.IsPaid, lc.IsCleared,
		nullDate(lc.PurchaseDate), nullDate(lc.DeliveryDate), lc.PaymentProof, lc.InvoiceDoc,
		time.Now(), id, version)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (tx *txRepo) SetForecastGroup(ctx context.Context, id, groupID int64) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE forecasts SET group_id=$1, updated_at=$2 WHERE id=$3`,
		nullID(groupID), time.Now(), id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) DeleteForecast(ctx context.Context, id int64) error {
	tag, err := tx.tx.Exec(ctx, `DELETE FROM forecasts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) InsertGroup(ctx context.Context, g SupplyGroup) (int64, error) {
	var id int64
	now := time.Now()
	err := tx.tx.QueryRow(ctx, `INSERT INTO supply_groups
		(project_id, title, supplier_id, status, is_paid, is_cleared,
		 estimated_date, purchase_date, delivery_date, payment_proof, invoice_doc,
		 version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1,$12,$12)
		RETURNING id`,
		g.ProjectID, g.Title, nullID(g.SupplierID), string(g.Status), g.IsPaid, g.IsCleared,
		nullDate(g.EstimatedDate), nullDate(g.PurchaseDate), nullDate(g.DeliveryDate),
		g.PaymentProof, g.InvoiceDoc, now).Scan(&id)
	if err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (tx *txRepo) UpdateGroupMeta(ctx context.Context, g SupplyGroup) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE supply_groups SET
		title=$1, supplier_id=$2, estimated_date=$3, updated_at=$4 WHERE id=$5`,
		g.Title, nullID(g.SupplierID), nullDate(g.EstimatedDate), time.Now(), g.ID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) UpdateGroupLifecycle(ctx context.Context, id, version int64, lc Lifecycle) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE supply_groups SET
		status=$1, is_paid=$2, is_cleared=$3,
		purchase_date=$4, delivery_date=$5, payment_proof=$6, invoice_doc=$7,
		version=version+1, updated_at=$8
		WHERE id=$9 AND version=$10`,
		string(lc.Status), lc.IsPaid, lc.IsCleared,
		nullDate(lc.PurchaseDate), nullDate(lc.DeliveryDate), lc.PaymentProof, lc.InvoiceDoc,
		time.Now(), id, version)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (tx *txRepo) DeleteGroup(ctx context.Context, id int64) error {
	tag, err := tx.tx.Exec(ctx, `DELETE FROM supply_groups WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) NextPosition(ctx context.Context, projectID int64, status Status) (int, error) {
	var next int
	err := tx.tx.QueryRow(ctx, `SELECT COALESCE(MAX(position)+1, 0) FROM forecasts WHERE project_id=$1 AND status=$2`,
		projectID, string(status)).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// ShiftBucket moves every forecast of the bucket down by one, opening slot
// zero for an incoming item.
func (tx *txRepo) ShiftBucket(ctx context.Context, projectID int64, status Status) error {
	_, err := tx.tx.Exec(ctx, `UPDATE forecasts SET position=position+1 WHERE project_id=$1 AND status=$2`,
		projectID, string(status))
	return err
}

func (tx *txRepo) SetPosition(ctx context.Context, id int64, position int) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE forecasts SET position=$1, updated_at=$2 WHERE id=$3`,
		position, time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveOrder bulk-assigns positions inside one project+status bucket. Ids
// outside the bucket are left untouched by the WHERE clause.
func (tx *txRepo) SaveOrder(ctx context.Context, projectID int64, status Status, orders []PositionAssignment) error {
	for _, o := range orders {
		_, err := tx.tx.Exec(ctx, `UPDATE forecasts SET position=$1, updated_at=$2 WHERE id=$3 AND project_id=$4 AND status=$5`,
			o.Position, time.Now(), o.ID, projectID, string(status))
		if err != nil {
			return err
		}
	}
	return nil
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func zeroEpoch(t time.Time) time.Time {
	if t.Unix() == 0 {
		return time.Time{}
	}
	return t
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: duplicate record", ErrValidation)
		case "23503":
			return fmt.Errorf("%w: unknown reference", ErrValidation)
		}
	}
	return err
}
