package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/platform/database"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
)

// ApprovalRulesRepository handles CRUD for approval_rules.
type ApprovalRulesRepository struct {
	db database.Querier
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db database.Querier) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

const ruleColumns = `
	id, owner, name, min_amount, max_amount, currency,
	document_type, risk_category, required_approvals, parallel_approval,
	approver_roles, priority, timeout_hours, escalation_role,
	is_active, created_at, updated_at`

// Create inserts a new approval rule.
func (r *ApprovalRulesRepository) Create(ctx context.Context, rule *ApprovalRule) error {
	query := `
		INSERT INTO approval_rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10,
		        $11, $12, $13, $14,
		        $15, $16, $17)
	`
	_, err := r.db.Exec(ctx, query,
		rule.ID, rule.Owner, rule.Name, rule.MinAmount, rule.MaxAmount, rule.Currency,
		rule.DocumentType, rule.RiskCategory, rule.RequiredApprovals, rule.ParallelApproval,
		rule.ApproverRoles, rule.Priority, rule.TimeoutHours, rule.EscalationRole,
		rule.IsActive, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval rule")
	}
	return nil
}

// Update overwrites the mutable columns of a rule.
func (r *ApprovalRulesRepository) Update(ctx context.Context, rule *ApprovalRule) error {
	query := `
		UPDATE approval_rules
		SET name = $2, min_amount = $3, max_amount = $4, currency = $5,
		    document_type = $6, risk_category = $7, required_approvals = $8,
		    parallel_approval = $9, approver_roles = $10, priority = $11,
		    timeout_hours = $12, escalation_role = $13, is_active = $14,
		    updated_at = $15
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		rule.ID, rule.Name, rule.MinAmount, rule.MaxAmount, rule.Currency,
		rule.DocumentType, rule.RiskCategory, rule.RequiredApprovals,
		rule.ParallelApproval, rule.ApproverRoles, rule.Priority,
		rule.TimeoutHours, rule.EscalationRole, rule.IsActive,
		rule.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_rule", rule.ID)
	}
	return nil
}

// GetByID retrieves a rule by primary key.
func (r *ApprovalRulesRepository) GetByID(ctx context.Context, id string) (*ApprovalRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_rules WHERE id = $1`

	rule, err := scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_rule", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval rule")
	}
	return rule, nil
}

// List returns all rules for an owner, optionally filtered to active only.
// Evaluation order is applied by the rule engine, not here.
func (r *ApprovalRulesRepository) List(ctx context.Context, owner string, activeOnly bool) ([]*ApprovalRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_rules WHERE owner = $1`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY priority DESC, created_at DESC"

	rows, err := r.db.Query(ctx, query, owner)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	err := row.Scan(
		&rule.ID, &rule.Owner, &rule.Name, &rule.MinAmount, &rule.MaxAmount, &rule.Currency,
		&rule.DocumentType, &rule.RiskCategory, &rule.RequiredApprovals, &rule.ParallelApproval,
		&rule.ApproverRoles, &rule.Priority, &rule.TimeoutHours, &rule.EscalationRole,
		&rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rule, nil
}
