package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/platform/database"
)

// PostgresStore binds the pgx repositories to either the pool or an open
// transaction.
type PostgresStore struct {
	db *database.DB
	q  database.Querier
	tx pgx.Tx
}

// NewPostgresStore creates a store on the pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) Roles() RoleRepository             { return NewApprovalRolesRepository(s.q) }
func (s *PostgresStore) Rules() RuleRepository             { return NewApprovalRulesRepository(s.q) }
func (s *PostgresStore) Workflows() WorkflowRepository     { return NewApprovalWorkflowRepository(s.q) }
func (s *PostgresStore) Actions() ActionRepository         { return NewApprovalActionsRepository(s.q) }
func (s *PostgresStore) Delegations() DelegationRepository { return NewApprovalDelegationsRepository(s.q) }
func (s *PostgresStore) Audit() AuditRepository            { return NewApprovalAuditRepository(s.q) }

// InTransaction begins a transaction, or a savepoint when s is already
// transactional.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(tx Store) error) error {
	run := func(tx pgx.Tx) error {
		return fn(&PostgresStore{db: s.db, q: tx, tx: tx})
	}
	if s.tx == nil {
		return s.db.InTransaction(ctx, run)
	}
	sp, err := s.tx.Begin(ctx)
	if err != nil {
		return err
	}
	return database.RunTx(ctx, sp, run)
}
