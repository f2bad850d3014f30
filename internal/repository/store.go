package repository

import (
	"context"
	"time"
)

// RoleRepository persists approval roles.
type RoleRepository interface {
	Create(ctx context.Context, role *ApprovalRole) error
	Update(ctx context.Context, role *ApprovalRole) error
	GetByID(ctx context.Context, id string) (*ApprovalRole, error)
	// ListByActor returns the roles held directly by actorID.
	ListByActor(ctx context.Context, actorID string, activeOnly bool) ([]*ApprovalRole, error)
	// ListByNames returns the roles of owner whose name is in names.
	ListByNames(ctx context.Context, owner string, names []string, activeOnly bool) ([]*ApprovalRole, error)
	List(ctx context.Context, owner string, activeOnly bool) ([]*ApprovalRole, error)
}

// RuleRepository persists approval rules.
type RuleRepository interface {
	Create(ctx context.Context, rule *ApprovalRule) error
	Update(ctx context.Context, rule *ApprovalRule) error
	GetByID(ctx context.Context, id string) (*ApprovalRule, error)
	List(ctx context.Context, owner string, activeOnly bool) ([]*ApprovalRule, error)
}

// WorkflowRepository persists approval workflows.
type WorkflowRepository interface {
	// Create fails with DUPLICATE_WORKFLOW when a non-archived workflow
	// already exists for the transaction.
	Create(ctx context.Context, wf *ApprovalWorkflow) error
	GetByID(ctx context.Context, id string) (*ApprovalWorkflow, error)
	// GetForUpdate reads the workflow and locks it until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id string) (*ApprovalWorkflow, error)
	// GetOpenByTransaction returns the non-archived workflow for a
	// transaction, or nil when there is none.
	GetOpenByTransaction(ctx context.Context, transactionID string) (*ApprovalWorkflow, error)
	// Update writes wf if its stored version equals wf.Version-1.
	Update(ctx context.Context, wf *ApprovalWorkflow) error
	ListPending(ctx context.Context) ([]*ApprovalWorkflow, error)
	ListOverdue(ctx context.Context, now time.Time) ([]*ApprovalWorkflow, error)
	ListCompleted(ctx context.Context, start, end time.Time) ([]*ApprovalWorkflow, error)
}

// ActionRepository persists approval actions. There is no update or delete.
type ActionRepository interface {
	Create(ctx context.Context, action *ApprovalAction) error
	// ListByWorkflow returns actions oldest-first.
	ListByWorkflow(ctx context.Context, workflowID string) ([]*ApprovalAction, error)
	// ListByActor returns actions newest-first.
	ListByActor(ctx context.Context, actorID string, limit int) ([]*ApprovalAction, error)
}

// DelegationRepository persists delegations.
type DelegationRepository interface {
	Create(ctx context.Context, d *ApprovalDelegation) error
	Update(ctx context.Context, d *ApprovalDelegation) error
	GetByID(ctx context.Context, id string) (*ApprovalDelegation, error)
	ListByDelegate(ctx context.Context, delegateID string, activeOnly bool) ([]*ApprovalDelegation, error)
	ListBySourceRole(ctx context.Context, roleID string, activeOnly bool) ([]*ApprovalDelegation, error)
}

// AuditFilter selects ledger entries. Zero values mean "any".
type AuditFilter struct {
	EntityType      EntityType
	EntityID        string
	ActorID         string
	EventTypes      []EventType
	Start           *time.Time // inclusive
	End             *time.Time // exclusive
	IncludeArchived bool
	Limit           int
	Offset          int
	Descending      bool
}

// AuditRepository appends and reads ledger entries. It deliberately has no
// update or delete; MarkArchived only sets the archive columns, which are
// outside the hashed content.
type AuditRepository interface {
	Append(ctx context.Context, entry *ApprovalAuditLog) error
	// LastForEntity returns the newest entry of an entity chain, or nil. In a
	// transaction it serialises appends to the same chain.
	LastForEntity(ctx context.Context, entityType EntityType, entityID string) (*ApprovalAuditLog, error)
	GetByID(ctx context.Context, id string) (*ApprovalAuditLog, error)
	// Query returns the matching page and the total match count.
	Query(ctx context.Context, f AuditFilter) ([]*ApprovalAuditLog, int, error)
	MarkArchived(ctx context.Context, ids []string, archivedAt time.Time, ref string) error
}

// Store groups the repositories behind one transactional boundary.
type Store interface {
	Roles() RoleRepository
	Rules() RuleRepository
	Workflows() WorkflowRepository
	Actions() ActionRepository
	Delegations() DelegationRepository
	Audit() AuditRepository
	// InTransaction runs fn against a transactional view of the store. A
	// nested call opens a savepoint, so its failure can be rolled back
	// without aborting the outer transaction.
	InTransaction(ctx context.Context, fn func(tx Store) error) error
}
