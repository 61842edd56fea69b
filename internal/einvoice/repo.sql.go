package einvoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repo provides persistence for e-invoice document fields, consolidation
// tasks and consolidated documents.
type Repo struct {
	db   dbtx
	pool *pgxpool.Pool
}

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewRepo constructs an e-invoice repository.
func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{db: pool, pool: pool}
}

// WithTx runs fn against a transactional view of the repository. The
// consolidation scheduler relies on this boundary: the task claim and the
// terminal transition commit together.
func (r *Repo) WithTx(ctx context.Context, fn func(ctx context.Context, store Store) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("einvoice repo not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Repo{db: tx, pool: r.pool})
	})
}

const documentColumns = `id, tenant_id, number, issued_at, currency,
	net_amount, tax_amount, rounding, payable_amount,
	cancelled, is_consolidated,
	COALESCE(external_id, ''), COALESCE(long_id, ''),
	COALESCE(validation_state, ''), validated_at`

func scanDocument(row pgx.Row) (Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.IssuedAt, &doc.Currency,
		&doc.NetAmount, &doc.TaxAmount, &doc.Rounding, &doc.PayableAmount,
		&doc.Cancelled, &doc.IsConsolidated,
		&doc.ExternalID, &doc.LongID,
		&doc.ValidationState, &doc.ValidatedAt)
	return doc, err
}

// GetDocument fetches one document by id.
func (r *Repo) GetDocument(ctx context.Context, id int64) (Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	doc, err := scanDocument(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return doc, nil
}

// ListDocuments fetches documents by id for one tenant, preserving only rows
// that exist.
func (r *Repo) ListDocuments(ctx context.Context, tenantID int64, ids []int64) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = $1 AND id = ANY($2)`
	rows, err := r.db.Query(ctx, query, tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ValidationUpdate carries the e-invoice fields written back to a document.
type ValidationUpdate struct {
	ExternalID  string
	LongID      string
	State       ValidationState
	ValidatedAt *time.Time
}

// UpdateDocumentValidation writes the validation outcome fields. Business
// fields are never touched here.
func (r *Repo) UpdateDocumentValidation(ctx context.Context, id int64, upd ValidationUpdate) error {
	const query = `
		UPDATE documents
		SET external_id = NULLIF($2, ''),
		    long_id = COALESCE(NULLIF($3, ''), long_id),
		    validation_state = NULLIF($4, ''),
		    validated_at = COALESCE($5, validated_at),
		    updated_at = now()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, upd.ExternalID, upd.LongID, string(upd.State), upd.ValidatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EligibleForConsolidation returns the tenant's documents for the given month
// that were never individually validated: validation state null or invalid,
// not cancelled, and not already claimed by another consolidation.
func (r *Repo) EligibleForConsolidation(ctx context.Context, tenantID int64, year int, month time.Month) ([]Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE tenant_id = $1
		  AND date_part('year', issued_at) = $2
		  AND date_part('month', issued_at) = $3
		  AND (validation_state IS NULL OR validation_state = 'invalid')
		  AND NOT cancelled
		  AND NOT is_consolidated
		ORDER BY id`
	rows, err := r.db.Query(ctx, query, tenantID, year, int(month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// MarkDocumentsConsolidated flags the originals as claimed by a consolidated
// document.
func (r *Repo) MarkDocumentsConsolidated(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE documents SET is_consolidated = TRUE, updated_at = now() WHERE id = ANY($1)`
	_, err := r.db.Exec(ctx, query, ids)
	return err
}

// ResetConsolidatedFlags reverses a consolidation: the originals become
// eligible for individual validation again.
func (r *Repo) ResetConsolidatedFlags(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `
		UPDATE documents
		SET is_consolidated = FALSE,
		    validation_state = NULL,
		    external_id = NULL,
		    long_id = NULL,
		    validated_at = NULL,
		    updated_at = now()
		WHERE id = ANY($1)`
	_, err := r.db.Exec(ctx, query, ids)
	return err
}

const taskColumns = `id, tenant_id, year, month, status, attempt_count,
	last_attempt, next_attempt, consolidated_document_id, COALESCE(error, '')`

func scanTask(row pgx.Row) (ConsolidationTask, error) {
	var task ConsolidationTask
	var month int
	err := row.Scan(&task.ID, &task.TenantID, &task.Year, &month, &task.Status, &task.AttemptCount,
		&task.LastAttempt, &task.NextAttempt, &task.ConsolidatedDocumentID, &task.Error)
	task.Month = time.Month(month)
	return task, err
}

// DueConsolidationTasks claims pending tasks whose next attempt has arrived.
// Rows are locked with SKIP LOCKED so a doubly fired trigger cannot process
// the same task twice; callers must be inside WithTx.
func (r *Repo) DueConsolidationTasks(ctx context.Context, now time.Time) ([]ConsolidationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM einvoice_consolidation_tasks
		WHERE status = 'pending' AND next_attempt <= $1
		ORDER BY tenant_id, year, month
		FOR UPDATE SKIP LOCKED`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []ConsolidationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GetConsolidationTask fetches one task by id.
func (r *Repo) GetConsolidationTask(ctx context.Context, id int64) (ConsolidationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM einvoice_consolidation_tasks WHERE id = $1`
	task, err := scanTask(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConsolidationTask{}, ErrNotFound
		}
		return ConsolidationTask{}, err
	}
	return task, nil
}

// ListConsolidationTasks returns recent tasks, newest month first. A zero
// tenant id lists all tenants.
func (r *Repo) ListConsolidationTasks(ctx context.Context, tenantID int64, limit int) ([]ConsolidationTask, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + taskColumns + `
		FROM einvoice_consolidation_tasks
		WHERE ($1 = 0 OR tenant_id = $1)
		ORDER BY year DESC, month DESC, tenant_id
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []ConsolidationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// EnsureConsolidationTask inserts a task unless one already exists for the
// tenant/month. Reports whether a row was created. Relies on the unique
// index on (tenant_id, year, month).
func (r *Repo) EnsureConsolidationTask(ctx context.Context, task ConsolidationTask) (bool, error) {
	const query = `
		INSERT INTO einvoice_consolidation_tasks
			(tenant_id, year, month, status, attempt_count, next_attempt)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, year, month) DO NOTHING
		RETURNING id`
	var id int64
	err := r.db.QueryRow(ctx, query, task.TenantID, task.Year, int(task.Month),
		task.Status, task.AttemptCount, task.NextAttempt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateConsolidationTask persists a task transition.
func (r *Repo) UpdateConsolidationTask(ctx context.Context, task ConsolidationTask) error {
	const query = `
		UPDATE einvoice_consolidation_tasks
		SET status = $2, attempt_count = $3, last_attempt = $4, next_attempt = $5,
		    consolidated_document_id = $6, error = NULLIF($7, ''), updated_at = now()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, task.ID, task.Status, task.AttemptCount,
		task.LastAttempt, task.NextAttempt, task.ConsolidatedDocumentID, task.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsolidatedNumberExists reports whether the tenant already used a
// consolidated document number.
func (r *Repo) ConsolidatedNumberExists(ctx context.Context, tenantID int64, number string) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM einvoice_consolidated_documents
			WHERE tenant_id = $1 AND number = $2
		)`
	var exists bool
	if err := r.db.QueryRow(ctx, query, tenantID, number).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// InsertConsolidatedDocument persists the synthetic document and returns its
// id.
func (r *Repo) InsertConsolidatedDocument(ctx context.Context, doc ConsolidatedDocument) (int64, error) {
	const query = `
		INSERT INTO einvoice_consolidated_documents
			(tenant_id, number, year, month, net_amount, tax_amount, rounding,
			 payable_amount, external_id, submission_id, validation_state, document_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12)
		RETURNING id`
	var id int64
	err := r.db.QueryRow(ctx, query, doc.TenantID, doc.Number, doc.Year, int(doc.Month),
		doc.NetAmount, doc.TaxAmount, doc.Rounding, doc.PayableAmount,
		doc.ExternalID, doc.SubmissionID, string(doc.ValidationState), doc.DocumentIDs).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetConsolidatedDocument fetches one consolidated record.
func (r *Repo) GetConsolidatedDocument(ctx context.Context, id int64) (ConsolidatedDocument, error) {
	const query = `
		SELECT id, tenant_id, number, year, month, net_amount, tax_amount, rounding,
		       payable_amount, COALESCE(external_id, ''), COALESCE(submission_id, ''),
		       COALESCE(validation_state, ''), document_ids, created_at
		FROM einvoice_consolidated_documents
		WHERE id = $1`
	var doc ConsolidatedDocument
	var month int
	err := r.db.QueryRow(ctx, query, id).Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.Year, &month,
		&doc.NetAmount, &doc.TaxAmount, &doc.Rounding, &doc.PayableAmount,
		&doc.ExternalID, &doc.SubmissionID, &doc.ValidationState, &doc.DocumentIDs, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConsolidatedDocument{}, ErrNotFound
		}
		return ConsolidatedDocument{}, err
	}
	doc.Month = time.Month(month)
	return doc, nil
}

// UpdateConsolidatedDocumentState writes the validation outcome of the
// synthetic document.
func (r *Repo) UpdateConsolidatedDocumentState(ctx context.Context, id int64, state ValidationState) error {
	const query = `
		UPDATE einvoice_consolidated_documents
		SET validation_state = NULLIF($2, ''), updated_at = now()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, string(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TenantsWithAutoConsolidation lists tenants that opted into the monthly
// consolidation job.
func (r *Repo) TenantsWithAutoConsolidation(ctx context.Context) ([]Tenant, error) {
	const query = `
		SELECT id, name, auto_consolidation_enabled
		FROM tenants
		WHERE auto_consolidation_enabled
		ORDER BY id`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tenants []Tenant
	for rows.Next() {
		var tenant Tenant
		if err := rows.Scan(&tenant.ID, &tenant.Name, &tenant.AutoConsolidationEnabled); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}
