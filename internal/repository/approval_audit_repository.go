package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/platform/database"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
)

// ApprovalAuditRepository appends and reads immutable ledger entries. The
// table has a trigger that rejects DELETE and any UPDATE other than the
// one-time archive stamp, so Append is the only content mutation exposed.
type ApprovalAuditRepository struct {
	db database.Querier
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db database.Querier) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

const auditColumns = `
	id, sequence, event_type, entity_type, entity_id, actor_id, actor_role,
	old_values, new_values, change_reason,
	ip_address, user_agent, session_id, request_id,
	"timestamp", previous_hash, integrity_hash, compliance_flag,
	archived_at, archive_ref`

// Append inserts one entry and fills in its sequence number.
func (r *ApprovalAuditRepository) Append(ctx context.Context, e *ApprovalAuditLog) error {
	query := `
		INSERT INTO approval_audit_logs
		    (id, event_type, entity_type, entity_id, actor_id, actor_role,
		     old_values, new_values, change_reason,
		     ip_address, user_agent, session_id, request_id,
		     "timestamp", previous_hash, integrity_hash, compliance_flag)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9,
		        $10, $11, $12, $13,
		        $14, $15, $16, $17)
		RETURNING sequence
	`
	err := r.db.QueryRow(ctx, query,
		e.ID, e.EventType, e.EntityType, e.EntityID, e.ActorID, e.ActorRole,
		nullableJSON(e.OldValues), nullableJSON(e.NewValues), e.ChangeReason,
		e.Request.IPAddress, e.Request.UserAgent, e.Request.SessionID, e.Request.RequestID,
		e.Timestamp, e.PreviousHash, e.IntegrityHash, e.ComplianceFlag,
	).Scan(&e.Sequence)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// LastForEntity takes a transaction-scoped advisory lock on the entity's
// chain and returns its newest entry, or nil when the chain is empty.
func (r *ApprovalAuditRepository) LastForEntity(ctx context.Context, entityType EntityType, entityID string) (*ApprovalAuditLog, error) {
	if _, err := r.db.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		string(entityType)+":"+entityID,
	); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock audit chain")
	}

	query := `
		SELECT ` + auditColumns + `
		FROM approval_audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY sequence DESC
		LIMIT 1
	`
	e, err := scanAudit(r.db.QueryRow(ctx, query, entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read audit chain head")
	}
	return e, nil
}

// GetByID retrieves one entry.
func (r *ApprovalAuditRepository) GetByID(ctx context.Context, id string) (*ApprovalAuditLog, error) {
	query := `SELECT ` + auditColumns + ` FROM approval_audit_logs WHERE id = $1`

	e, err := scanAudit(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_audit_log", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit entry")
	}
	return e, nil
}

// Query returns one page of matching entries ordered by sequence, plus the
// total number of matches.
func (r *ApprovalAuditRepository) Query(ctx context.Context, f AuditFilter) ([]*ApprovalAuditLog, int, error) {
	where, args := auditWhere(f)

	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM approval_audit_logs`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count audit entries")
	}

	query := `SELECT ` + auditColumns + ` FROM approval_audit_logs` + where
	if f.Descending {
		query += " ORDER BY sequence DESC"
	} else {
		query += " ORDER BY sequence ASC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to query audit entries")
	}
	defer rows.Close()

	var entries []*ApprovalAuditLog
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to read audit entries")
	}
	return entries, total, nil
}

// MarkArchived stamps entries as moved to cold storage. The hashed columns
// are untouched.
func (r *ApprovalAuditRepository) MarkArchived(ctx context.Context, ids []string, archivedAt time.Time, ref string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE approval_audit_logs
		SET archived_at = $2, archive_ref = $3
		WHERE id = ANY($1) AND archived_at IS NULL
	`, ids, archivedAt, ref)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark audit entries archived")
	}
	return nil
}

func auditWhere(f AuditFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}
	if f.Start != nil {
		add(`"timestamp" >= $%d`, *f.Start)
	}
	if f.End != nil {
		add(`"timestamp" < $%d`, *f.End)
	}
	if !f.IncludeArchived {
		conds = append(conds, "archived_at IS NULL")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanAudit(row rowScanner) (*ApprovalAuditLog, error) {
	e := &ApprovalAuditLog{}
	var oldValues, newValues []byte
	err := row.Scan(
		&e.ID, &e.Sequence, &e.EventType, &e.EntityType, &e.EntityID, &e.ActorID, &e.ActorRole,
		&oldValues, &newValues, &e.ChangeReason,
		&e.Request.IPAddress, &e.Request.UserAgent, &e.Request.SessionID, &e.Request.RequestID,
		&e.Timestamp, &e.PreviousHash, &e.IntegrityHash, &e.ComplianceFlag,
		&e.ArchivedAt, &e.ArchiveRef,
	)
	if err != nil {
		return nil, err
	}
	e.OldValues = oldValues
	e.NewValues = newValues
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func nullableJSON(m []byte) any {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}
