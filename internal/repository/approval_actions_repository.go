package repository

import (
	"context"

	"github.com/pesio-ai/be-approvals/internal/platform/database"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
)

// ApprovalActionsRepository appends and reads approval actions. A trigger
// rejects UPDATE and DELETE on the table.
type ApprovalActionsRepository struct {
	db database.Querier
}

// NewApprovalActionsRepository creates a new ApprovalActionsRepository.
func NewApprovalActionsRepository(db database.Querier) *ApprovalActionsRepository {
	return &ApprovalActionsRepository{db: db}
}

const actionColumns = `
	id, workflow_id, role_id, role_name, action, level, decided_by, decided_at,
	comments, requested_changes, change_priority, delegated_to, delegation_reason,
	delegation_start, delegation_end, via_delegation_id`

// Create inserts an action.
func (r *ApprovalActionsRepository) Create(ctx context.Context, a *ApprovalAction) error {
	query := `
		INSERT INTO approval_actions (` + actionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		        $9, $10, $11, $12, $13,
		        $14, $15, $16)
	`
	_, err := r.db.Exec(ctx, query,
		a.ID, a.WorkflowID, a.RoleID, a.RoleName, a.Action, a.Level, a.DecidedBy, a.DecidedAt,
		a.Comments, a.RequestedChanges, a.ChangePriority, a.DelegatedTo, a.DelegationReason,
		a.DelegationStart, a.DelegationEnd, a.ViaDelegationID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record approval action")
	}
	return nil
}

// ListByWorkflow returns a workflow's actions oldest-first.
func (r *ApprovalActionsRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*ApprovalAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM approval_actions
		WHERE workflow_id = $1
		ORDER BY decided_at ASC, id ASC
	`
	return r.list(ctx, query, workflowID)
}

// ListByActor returns the actor's most recent actions, newest-first.
func (r *ApprovalActionsRepository) ListByActor(ctx context.Context, actorID string, limit int) ([]*ApprovalAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM approval_actions
		WHERE decided_by = $1
		ORDER BY decided_at DESC
		LIMIT $2
	`
	return r.list(ctx, query, actorID, limit)
}

func (r *ApprovalActionsRepository) list(ctx context.Context, query string, args ...any) ([]*ApprovalAction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval actions")
	}
	defer rows.Close()

	var actions []*ApprovalAction
	for rows.Next() {
		a := &ApprovalAction{}
		if err := rows.Scan(
			&a.ID, &a.WorkflowID, &a.RoleID, &a.RoleName, &a.Action, &a.Level, &a.DecidedBy, &a.DecidedAt,
			&a.Comments, &a.RequestedChanges, &a.ChangePriority, &a.DelegatedTo, &a.DelegationReason,
			&a.DelegationStart, &a.DelegationEnd, &a.ViaDelegationID,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval action")
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
