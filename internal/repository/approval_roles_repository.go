package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/platform/database"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
)

// ApprovalRolesRepository handles CRUD for approval_roles.
type ApprovalRolesRepository struct {
	db database.Querier
}

// NewApprovalRolesRepository creates a new ApprovalRolesRepository.
func NewApprovalRolesRepository(db database.Querier) *ApprovalRolesRepository {
	return &ApprovalRolesRepository{db: db}
}

const roleColumns = `
	id, owner, actor_id, role_name, hierarchy_level,
	can_approve, can_reject, can_delegate, can_modify,
	max_approval_amount, currency, is_active, created_at, updated_at`

// Create inserts a role. A second role with the same (owner, actor, name)
// is rejected.
func (r *ApprovalRolesRepository) Create(ctx context.Context, role *ApprovalRole) error {
	query := `
		INSERT INTO approval_roles (` + roleColumns + `)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13, $14)
	`
	_, err := r.db.Exec(ctx, query,
		role.ID, role.Owner, role.ActorID, role.RoleName, role.HierarchyLevel,
		role.Capabilities.CanApprove, role.Capabilities.CanReject,
		role.Capabilities.CanDelegate, role.Capabilities.CanModify,
		role.MaxApprovalAmount, role.Currency, role.IsActive, role.CreatedAt, role.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return errors.Validation("approval_role", "role_name", "actor already holds this role")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval role")
	}
	return nil
}

// Update overwrites the mutable columns of a role.
func (r *ApprovalRolesRepository) Update(ctx context.Context, role *ApprovalRole) error {
	query := `
		UPDATE approval_roles
		SET hierarchy_level = $2,
		    can_approve = $3, can_reject = $4, can_delegate = $5, can_modify = $6,
		    max_approval_amount = $7, currency = $8, is_active = $9, updated_at = $10
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		role.ID, role.HierarchyLevel,
		role.Capabilities.CanApprove, role.Capabilities.CanReject,
		role.Capabilities.CanDelegate, role.Capabilities.CanModify,
		role.MaxApprovalAmount, role.Currency, role.IsActive, role.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval role")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_role", role.ID)
	}
	return nil
}

// GetByID retrieves a role by primary key.
func (r *ApprovalRolesRepository) GetByID(ctx context.Context, id string) (*ApprovalRole, error) {
	query := `SELECT ` + roleColumns + ` FROM approval_roles WHERE id = $1`

	role, err := scanRole(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_role", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval role")
	}
	return role, nil
}

// ListByActor returns the roles an actor holds directly.
func (r *ApprovalRolesRepository) ListByActor(ctx context.Context, actorID string, activeOnly bool) ([]*ApprovalRole, error) {
	query := `SELECT ` + roleColumns + ` FROM approval_roles WHERE actor_id = $1`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY hierarchy_level ASC, role_name ASC"
	return r.list(ctx, query, actorID)
}

// ListByNames returns the roles of owner carrying any of names.
func (r *ApprovalRolesRepository) ListByNames(ctx context.Context, owner string, names []string, activeOnly bool) ([]*ApprovalRole, error) {
	query := `SELECT ` + roleColumns + ` FROM approval_roles WHERE owner = $1 AND role_name = ANY($2)`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY hierarchy_level ASC, role_name ASC"
	return r.list(ctx, query, owner, names)
}

// List returns every role of owner.
func (r *ApprovalRolesRepository) List(ctx context.Context, owner string, activeOnly bool) ([]*ApprovalRole, error) {
	query := `SELECT ` + roleColumns + ` FROM approval_roles WHERE owner = $1`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY hierarchy_level ASC, role_name ASC"
	return r.list(ctx, query, owner)
}

func (r *ApprovalRolesRepository) list(ctx context.Context, query string, args ...any) ([]*ApprovalRole, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval roles")
	}
	defer rows.Close()

	var roles []*ApprovalRole
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval role")
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func scanRole(row rowScanner) (*ApprovalRole, error) {
	role := &ApprovalRole{}
	err := row.Scan(
		&role.ID, &role.Owner, &role.ActorID, &role.RoleName, &role.HierarchyLevel,
		&role.Capabilities.CanApprove, &role.Capabilities.CanReject,
		&role.Capabilities.CanDelegate, &role.Capabilities.CanModify,
		&role.MaxApprovalAmount, &role.Currency, &role.IsActive, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return role, nil
}
