package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// DelegationInput describes a delegation of one of the delegator's roles.
type DelegationInput struct {
	SourceRoleID string                    `json:"source_role_id"`
	DelegateID   string                    `json:"delegate_id"`
	StartsAt     time.Time                 `json:"starts_at"`
	EndsAt       time.Time                 `json:"ends_at"`
	Type         repository.DelegationType `json:"type"`
	AmountCap    *int64                    `json:"amount_cap,omitempty"`
	Currency     string                    `json:"currency,omitempty"`
	Reason       string                    `json:"reason"`
	WorkflowID   *string                   `json:"workflow_id,omitempty"`
}

// DelegationManager administers delegations and answers CanActAs.
type DelegationManager struct {
	base
	store     repository.Store
	ledger    *AuditLedger
	converter client.Converter
}

// NewDelegationManager creates a DelegationManager.
func NewDelegationManager(
	store repository.Store,
	ledger *AuditLedger,
	converter client.Converter,
	log *logger.Logger,
	opts ...Option,
) *DelegationManager {
	return &DelegationManager{
		base:      newBase(log, "delegation_manager", opts),
		store:     store,
		ledger:    ledger,
		converter: converter,
	}
}

// CanActAs reports whether actorID may act under roleID through a
// delegation at now for amount in currency.
func (m *DelegationManager) CanActAs(
	ctx context.Context,
	actorID, roleID string,
	amount int64,
	currency string,
	now time.Time,
) (bool, error) {
	ds, err := m.store.Delegations().ListByDelegate(ctx, actorID, true)
	if err != nil {
		return false, err
	}
	_, err = MatchDelegation(ds, roleID, actorID, amount, currency, now, convertWith(ctx, m.converter, now))
	switch {
	case err == nil:
		return true, nil
	case errors.HasCode(err, errors.ErrCodePermissionDenied), errors.HasCode(err, errors.ErrCodeAmountExceedsLimit):
		return false, nil
	default:
		return false, err
	}
}

// CreateDelegation lends one of the delegator's roles to another actor.
func (m *DelegationManager) CreateDelegation(ctx context.Context, in DelegationInput, delegator Actor) (*repository.ApprovalDelegation, error) {
	if err := delegator.validate(); err != nil {
		return nil, err
	}

	var d *repository.ApprovalDelegation
	err := m.store.InTransaction(ctx, func(tx repository.Store) error {
		var err error
		d, err = m.createIn(ctx, tx, in, delegator.ID)
		if err != nil {
			return err
		}
		_, _, err = m.ledger.appendIn(ctx, tx, AuditEvent{
			EventType:    repository.EventDelegationCreated,
			EntityType:   repository.EntityDelegation,
			EntityID:     d.ID,
			ActorID:      delegator.ID,
			NewValues:    snapshot(d),
			ChangeReason: d.Reason,
			Request:      delegator.Request,
			OccurredAt:   d.CreatedAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("delegation_id", d.ID).
		Str("source_role_id", d.SourceRoleID).
		Str("delegate_id", d.DelegateID).
		Time("ends_at", d.EndsAt).
		Msg("Delegation created")
	return d, nil
}

// createIn validates and stores a delegation inside tx without auditing it.
func (m *DelegationManager) createIn(ctx context.Context, tx repository.Store, in DelegationInput, delegatorID string) (*repository.ApprovalDelegation, error) {
	now := m.clock()
	if in.StartsAt.IsZero() {
		in.StartsAt = now
	}
	if in.Type == "" {
		in.Type = repository.DelegationTemporary
	}
	in.StartsAt = in.StartsAt.UTC().Truncate(time.Microsecond)
	in.EndsAt = in.EndsAt.UTC().Truncate(time.Microsecond)

	switch {
	case strings.TrimSpace(in.DelegateID) == "":
		return nil, errors.Validation("approval_delegation", "delegate_id", "delegate is required")
	case in.DelegateID == delegatorID:
		return nil, errors.Validation("approval_delegation", "delegate_id", "an actor cannot delegate to themselves")
	case in.EndsAt.IsZero() || !in.StartsAt.Before(in.EndsAt):
		return nil, errors.Validation("approval_delegation", "ends_at", "delegation must end after it starts")
	case in.Type != repository.DelegationTemporary && in.Type != repository.DelegationPermanent:
		return nil, errors.Validation("approval_delegation", "type", "type must be TEMPORARY or PERMANENT")
	case in.AmountCap != nil && *in.AmountCap < 0:
		return nil, errors.Validation("approval_delegation", "amount_cap", "amount cap cannot be negative")
	}

	role, err := tx.Roles().GetByID(ctx, in.SourceRoleID)
	if err != nil {
		return nil, err
	}
	if !role.IsActive || role.ActorID != delegatorID {
		return nil, errors.PermissionDenied("role", "delegator does not hold an active "+role.RoleName+" role")
	}
	if !role.Capabilities.CanDelegate {
		return nil, errors.PermissionDenied(string(CapDelegate), "role "+role.RoleName+" lacks canDelegate")
	}

	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = role.Currency
	}
	if !client.ValidCurrency(currency) {
		return nil, errors.Validation("approval_delegation", "currency", "currency must be an ISO 4217 code")
	}

	d := &repository.ApprovalDelegation{
		ID:           uuid.NewString(),
		SourceRoleID: role.ID,
		DelegatorID:  delegatorID,
		DelegateID:   in.DelegateID,
		StartsAt:     in.StartsAt,
		EndsAt:       in.EndsAt,
		IsActive:     true,
		Type:         in.Type,
		AmountCap:    in.AmountCap,
		Currency:     currency,
		Reason:       in.Reason,
		WorkflowID:   in.WorkflowID,
		CreatedAt:    now,
	}
	if err := tx.Delegations().Create(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// RevokeDelegation deactivates a delegation. Only its delegator may revoke
// it.
func (m *DelegationManager) RevokeDelegation(ctx context.Context, id, reason string, actor Actor) (*repository.ApprovalDelegation, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}

	var updated *repository.ApprovalDelegation
	err := m.store.InTransaction(ctx, func(tx repository.Store) error {
		before, err := tx.Delegations().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if before.DelegatorID != actor.ID {
			return errors.PermissionDenied("delegator", "only the delegator can revoke a delegation")
		}
		if !before.IsActive {
			updated = before
			return nil
		}
		now := m.clock()
		after := before.Clone()
		after.IsActive = false
		after.RevokedAt = &now
		after.RevokedBy = &actor.ID
		if err := tx.Delegations().Update(ctx, after); err != nil {
			return err
		}
		updated = after
		_, _, err = m.ledger.appendIn(ctx, tx, AuditEvent{
			EventType:    repository.EventDelegationRevoked,
			EntityType:   repository.EntityDelegation,
			EntityID:     id,
			ActorID:      actor.ID,
			OldValues:    snapshot(before),
			NewValues:    snapshot(after),
			ChangeReason: reason,
			Request:      actor.Request,
			OccurredAt:   now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListForActor returns delegations granted to actorID.
func (m *DelegationManager) ListForActor(ctx context.Context, actorID string, activeOnly bool) ([]*repository.ApprovalDelegation, error) {
	return m.store.Delegations().ListByDelegate(ctx, actorID, activeOnly)
}

// ListBySourceRole returns delegations of one role.
func (m *DelegationManager) ListBySourceRole(ctx context.Context, roleID string, activeOnly bool) ([]*repository.ApprovalDelegation, error) {
	return m.store.Delegations().ListBySourceRole(ctx, roleID, activeOnly)
}
