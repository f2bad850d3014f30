package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/platform/database"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
)

// ApprovalDelegationsRepository handles approval_delegations rows.
type ApprovalDelegationsRepository struct {
	db database.Querier
}

// NewApprovalDelegationsRepository creates a new ApprovalDelegationsRepository.
func NewApprovalDelegationsRepository(db database.Querier) *ApprovalDelegationsRepository {
	return &ApprovalDelegationsRepository{db: db}
}

const delegationColumns = `
	id, source_role_id, delegator_id, delegate_id, starts_at, ends_at,
	is_active, type, amount_cap, currency, reason, workflow_id,
	created_at, revoked_at, revoked_by`

// Create inserts a delegation.
func (r *ApprovalDelegationsRepository) Create(ctx context.Context, d *ApprovalDelegation) error {
	query := `
		INSERT INTO approval_delegations (` + delegationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11, $12,
		        $13, $14, $15)
	`
	_, err := r.db.Exec(ctx, query,
		d.ID, d.SourceRoleID, d.DelegatorID, d.DelegateID, d.StartsAt, d.EndsAt,
		d.IsActive, d.Type, d.AmountCap, d.Currency, d.Reason, d.WorkflowID,
		d.CreatedAt, d.RevokedAt, d.RevokedBy,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create delegation")
	}
	return nil
}

// Update writes the revocation columns.
func (r *ApprovalDelegationsRepository) Update(ctx context.Context, d *ApprovalDelegation) error {
	query := `
		UPDATE approval_delegations
		SET is_active = $2, ends_at = $3, revoked_at = $4, revoked_by = $5
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, d.ID, d.IsActive, d.EndsAt, d.RevokedAt, d.RevokedBy)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update delegation")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_delegation", d.ID)
	}
	return nil
}

// GetByID retrieves a delegation.
func (r *ApprovalDelegationsRepository) GetByID(ctx context.Context, id string) (*ApprovalDelegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM approval_delegations WHERE id = $1`

	d, err := scanDelegation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_delegation", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get delegation")
	}
	return d, nil
}

// ListByDelegate returns delegations granted to delegateID.
func (r *ApprovalDelegationsRepository) ListByDelegate(ctx context.Context, delegateID string, activeOnly bool) ([]*ApprovalDelegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM approval_delegations WHERE delegate_id = $1`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY starts_at ASC"
	return r.list(ctx, query, delegateID)
}

// ListBySourceRole returns delegations of a role.
func (r *ApprovalDelegationsRepository) ListBySourceRole(ctx context.Context, roleID string, activeOnly bool) ([]*ApprovalDelegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM approval_delegations WHERE source_role_id = $1`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY starts_at ASC"
	return r.list(ctx, query, roleID)
}

func (r *ApprovalDelegationsRepository) list(ctx context.Context, query string, args ...any) ([]*ApprovalDelegation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	var out []*ApprovalDelegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelegation(row rowScanner) (*ApprovalDelegation, error) {
	d := &ApprovalDelegation{}
	err := row.Scan(
		&d.ID, &d.SourceRoleID, &d.DelegatorID, &d.DelegateID, &d.StartsAt, &d.EndsAt,
		&d.IsActive, &d.Type, &d.AmountCap, &d.Currency, &d.Reason, &d.WorkflowID,
		&d.CreatedAt, &d.RevokedAt, &d.RevokedBy,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
