package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/platform/database"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
)

// ApprovalWorkflowRepository handles approval_workflows rows.
type ApprovalWorkflowRepository struct {
	db database.Querier
}

// NewApprovalWorkflowRepository creates a new ApprovalWorkflowRepository.
func NewApprovalWorkflowRepository(db database.Querier) *ApprovalWorkflowRepository {
	return &ApprovalWorkflowRepository{db: db}
}

const workflowColumns = `
	id, owner, transaction_id, rule_id, status, current_level, required_level,
	requirement, amount, currency, document_type, risk_category,
	initiated_by, initiated_at, due_at, final_decision, decided_by, decided_at,
	completed_at, bypassed_by, bypass_reason, bypassed_at, escalated_at,
	archived, version, updated_at`

// Create inserts a workflow. The partial unique index on transaction_id
// turns a concurrent second submission into DUPLICATE_WORKFLOW.
func (r *ApprovalWorkflowRepository) Create(ctx context.Context, wf *ApprovalWorkflow) error {
	reqJSON, err := json.Marshal(wf.Requirement)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal requirement")
	}
	bypassedBy, bypassReason, bypassedAt := bypassColumns(wf.Bypass)

	query := `
		INSERT INTO approval_workflows (` + workflowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
		        $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18,
		        $19, $20, $21, $22, $23,
		        $24, $25, $26)
	`
	_, err = r.db.Exec(ctx, query,
		wf.ID, wf.Owner, wf.TransactionID, wf.RuleID, wf.Status, wf.CurrentLevel, wf.RequiredLevel,
		reqJSON, wf.Amount, wf.Currency, wf.DocumentType, wf.RiskCategory,
		wf.InitiatedBy, wf.InitiatedAt, wf.DueAt, wf.FinalDecision, wf.DecidedBy, wf.DecidedAt,
		wf.CompletedAt, bypassedBy, bypassReason, bypassedAt, wf.EscalatedAt,
		wf.Archived, wf.Version, wf.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeDuplicateWorkflow,
			"an open workflow already exists for transaction %s", wf.TransactionID).
			WithEntity("approval_workflow", wf.TransactionID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval workflow")
	}
	return nil
}

// GetByID retrieves a workflow by primary key.
func (r *ApprovalWorkflowRepository) GetByID(ctx context.Context, id string) (*ApprovalWorkflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM approval_workflows WHERE id = $1`
	return r.getOne(ctx, id, query)
}

// GetForUpdate retrieves a workflow and takes a row lock on it.
func (r *ApprovalWorkflowRepository) GetForUpdate(ctx context.Context, id string) (*ApprovalWorkflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM approval_workflows WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, id, query)
}

func (r *ApprovalWorkflowRepository) getOne(ctx context.Context, id, query string) (*ApprovalWorkflow, error) {
	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.WorkflowNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval workflow")
	}
	return wf, nil
}

// GetOpenByTransaction returns the non-archived workflow for a transaction.
// Returns nil, nil when none exists.
func (r *ApprovalWorkflowRepository) GetOpenByTransaction(ctx context.Context, transactionID string) (*ApprovalWorkflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM approval_workflows
		WHERE transaction_id = $1 AND archived = FALSE
		LIMIT 1
	`
	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, transactionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow by transaction")
	}
	return wf, nil
}

// Update writes every mutable column. wf.Version must already be bumped;
// the row is only written if the stored version is the previous one.
func (r *ApprovalWorkflowRepository) Update(ctx context.Context, wf *ApprovalWorkflow) error {
	reqJSON, err := json.Marshal(wf.Requirement)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal requirement")
	}
	bypassedBy, bypassReason, bypassedAt := bypassColumns(wf.Bypass)

	query := `
		UPDATE approval_workflows
		SET status = $3, current_level = $4, required_level = $5, requirement = $6,
		    due_at = $7, final_decision = $8, decided_by = $9, decided_at = $10,
		    completed_at = $11, bypassed_by = $12, bypass_reason = $13, bypassed_at = $14,
		    escalated_at = $15, archived = $16, version = $17, updated_at = $18
		WHERE id = $1 AND version = $2
	`
	tag, err := r.db.Exec(ctx, query,
		wf.ID, wf.Version-1,
		wf.Status, wf.CurrentLevel, wf.RequiredLevel, reqJSON,
		wf.DueAt, wf.FinalDecision, wf.DecidedBy, wf.DecidedAt,
		wf.CompletedAt, bypassedBy, bypassReason, bypassedAt,
		wf.EscalatedAt, wf.Archived, wf.Version, wf.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval workflow")
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.ErrCodeConflict, "workflow was modified concurrently").
			WithEntity("approval_workflow", wf.ID)
	}
	return nil
}

// ListPending returns all pending workflows, oldest first.
func (r *ApprovalWorkflowRepository) ListPending(ctx context.Context) ([]*ApprovalWorkflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM approval_workflows
		WHERE status = 'PENDING' AND archived = FALSE
		ORDER BY initiated_at ASC
	`
	return r.list(ctx, query)
}

// ListOverdue returns pending workflows whose due time has passed.
func (r *ApprovalWorkflowRepository) ListOverdue(ctx context.Context, now time.Time) ([]*ApprovalWorkflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM approval_workflows
		WHERE status = 'PENDING' AND archived = FALSE AND due_at < $1
		ORDER BY due_at ASC
	`
	return r.list(ctx, query, now)
}

// ListCompleted returns workflows completed in [start, end).
func (r *ApprovalWorkflowRepository) ListCompleted(ctx context.Context, start, end time.Time) ([]*ApprovalWorkflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM approval_workflows
		WHERE completed_at >= $1 AND completed_at < $2
		ORDER BY completed_at ASC
	`
	return r.list(ctx, query, start, end)
}

func (r *ApprovalWorkflowRepository) list(ctx context.Context, query string, args ...any) ([]*ApprovalWorkflow, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval workflows")
	}
	defer rows.Close()

	var wfs []*ApprovalWorkflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval workflow")
		}
		wfs = append(wfs, wf)
	}
	return wfs, rows.Err()
}

func scanWorkflow(row rowScanner) (*ApprovalWorkflow, error) {
	wf := &ApprovalWorkflow{}
	var (
		reqJSON      []byte
		bypassedBy   *string
		bypassReason *string
		bypassedAt   *time.Time
	)
	err := row.Scan(
		&wf.ID, &wf.Owner, &wf.TransactionID, &wf.RuleID, &wf.Status, &wf.CurrentLevel, &wf.RequiredLevel,
		&reqJSON, &wf.Amount, &wf.Currency, &wf.DocumentType, &wf.RiskCategory,
		&wf.InitiatedBy, &wf.InitiatedAt, &wf.DueAt, &wf.FinalDecision, &wf.DecidedBy, &wf.DecidedAt,
		&wf.CompletedAt, &bypassedBy, &bypassReason, &bypassedAt, &wf.EscalatedAt,
		&wf.Archived, &wf.Version, &wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reqJSON, &wf.Requirement); err != nil {
		return nil, err
	}
	if bypassedBy != nil && bypassedAt != nil {
		wf.Bypass = &Bypass{BypassedBy: *bypassedBy, BypassedAt: *bypassedAt}
		if bypassReason != nil {
			wf.Bypass.BypassReason = *bypassReason
		}
	}
	return wf, nil
}

func bypassColumns(b *Bypass) (*string, *string, *time.Time) {
	if b == nil {
		return nil, nil, nil
	}
	return &b.BypassedBy, &b.BypassReason, &b.BypassedAt
}
