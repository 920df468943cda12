package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the PostgreSQL backed implementation of the ledger API.
// Host installations embedding this module into a wider SaaS replace it
// with their own cost ledger adapter.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const entryColumns = `id, project_id, ref, COALESCE(category_id,0), description, supplier_name,
	quantity, unit_price, discount_value, discount_percent, amount,
	status, is_paid, payment_proof, COALESCE(delivery_date, 'epoch'::date), invoice_doc, created_at, updated_at`

// CreateEntry inserts a new cost entry.
func (r *Repository) CreateEntry(ctx context.Context, entry Entry) (Entry, error) {
	var categoryID any
	if entry.CategoryID != 0 {
		categoryID = entry.CategoryID
	}
	var deliveryDate any
	if !entry.DeliveryDate.IsZero() {
		deliveryDate = entry.DeliveryDate
	}
	now := time.Now()
	err := r.pool.QueryRow(ctx, `INSERT INTO cost_entries
		(project_id, ref, category_id, description, supplier_name, quantity, unit_price,
		 discount_value, discount_percent, amount, status, is_paid, payment_proof,
		 delivery_date, invoice_doc, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)
		RETURNING id`,
		entry.ProjectID, entry.Ref, categoryID, entry.Description, entry.SupplierName,
		entry.Quantity, entry.UnitPrice, entry.DiscountValue, entry.DiscountPercent,
		entry.Amount, entry.Status, entry.IsPaid, entry.PaymentProof,
		deliveryDate, entry.InvoiceDoc, now).Scan(&entry.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: create entry: %w", err)
	}
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return entry, nil
}

// UpdateEntry rewrites the mutable fields present in patch.
func (r *Repository) UpdateEntry(ctx context.Context, id int64, patch EntryPatch) (Entry, error) {
	set := []string{"updated_at = $1"}
	args := []any{time.Now()}
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.SupplierName != nil {
		add("supplier_name", *patch.SupplierName)
	}
	if patch.Quantity != nil {
		add("quantity", *patch.Quantity)
	}
	if patch.UnitPrice != nil {
		add("unit_price", *patch.UnitPrice)
	}
	if patch.DiscountValue != nil {
		add("discount_value", *patch.DiscountValue)
	}
	if patch.DiscountPercent != nil {
		add("discount_percent", *patch.DiscountPercent)
	}
	if patch.Amount != nil {
		add("amount", *patch.Amount)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.IsPaid != nil {
		add("is_paid", *patch.IsPaid)
	}
	if patch.PaymentProof != nil {
		add("payment_proof", *patch.PaymentProof)
	}
	if patch.DeliveryDate != nil {
		add("delivery_date", *patch.DeliveryDate)
	}
	if patch.InvoiceDoc != nil {
		add("invoice_doc", *patch.InvoiceDoc)
	}

	args = append(args, id)
	sql := fmt.Sprintf(`UPDATE cost_entries SET %s WHERE id = $%d RETURNING `+entryColumns,
		strings.Join(set, ", "), len(args))
	row := r.pool.QueryRow(ctx, sql, args...)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("ledger: update entry: %w", err)
	}
	return entry, nil
}

// ListEntries returns all entries for a project.
func (r *Repository) ListEntries(ctx context.Context, projectID int64) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM cost_entries WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var entry Entry
	err := row.Scan(&entry.ID, &entry.ProjectID, &entry.Ref, &entry.CategoryID,
		&entry.Description, &entry.SupplierName, &entry.Quantity, &entry.UnitPrice,
		&entry.DiscountValue, &entry.DiscountPercent, &entry.Amount,
		&entry.Status, &entry.IsPaid, &entry.PaymentProof, &entry.DeliveryDate,
		&entry.InvoiceDoc, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return Entry{}, err
	}
	if entry.DeliveryDate.Unix() == 0 {
		entry.DeliveryDate = time.Time{}
	}
	return entry, nil
}
