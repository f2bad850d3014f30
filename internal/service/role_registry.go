package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// RoleInput is the administrator-supplied definition of a role grant.
type RoleInput struct {
	Owner             string                  `json:"owner" yaml:"owner"`
	ActorID           string                  `json:"actor_id" yaml:"actor_id"`
	RoleName          string                  `json:"role_name" yaml:"role_name"`
	HierarchyLevel    int                     `json:"hierarchy_level" yaml:"hierarchy_level"`
	Capabilities      repository.Capabilities `json:"capabilities" yaml:"capabilities"`
	MaxApprovalAmount *int64                  `json:"max_approval_amount,omitempty" yaml:"max_approval_amount,omitempty"`
	Currency          string                  `json:"currency" yaml:"currency"`
}

// RoleRegistry administers role grants.
type RoleRegistry struct {
	base
	store  repository.Store
	ledger *AuditLedger
	policy Policy
}

// NewRoleRegistry creates a RoleRegistry. Only policy.AdminRoles is
// consulted.
func NewRoleRegistry(store repository.Store, ledger *AuditLedger, policy Policy, log *logger.Logger, opts ...Option) *RoleRegistry {
	return &RoleRegistry{
		base:   newBase(log, "role_registry", opts),
		store:  store,
		ledger: ledger,
		policy: policy.withDefaults(),
	}
}

// ── Administration ───────────────────────────────────────────────────────────

// CreateRole grants a role to an actor.
func (r *RoleRegistry) CreateRole(ctx context.Context, in RoleInput, actor Actor) (*repository.ApprovalRole, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	in.RoleName = normaliseRoleName(in.RoleName)
	in.Currency = strings.ToUpper(in.Currency)
	if err := validateRoleInput(in); err != nil {
		return nil, err
	}
	if err := requireAdmin(ctx, r.store, r.policy.AdminRoles, actor, in.Owner); err != nil {
		return nil, err
	}

	now := r.clock()
	role := &repository.ApprovalRole{
		ID:                uuid.NewString(),
		Owner:             in.Owner,
		ActorID:           in.ActorID,
		RoleName:          in.RoleName,
		HierarchyLevel:    in.HierarchyLevel,
		Capabilities:      in.Capabilities,
		MaxApprovalAmount: in.MaxApprovalAmount,
		Currency:          in.Currency,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := r.store.InTransaction(ctx, func(tx repository.Store) error {
		if err := tx.Roles().Create(ctx, role); err != nil {
			return err
		}
		_, _, err := r.ledger.appendIn(ctx, tx, AuditEvent{
			EventType:  repository.EventRoleCreated,
			EntityType: repository.EntityRole,
			EntityID:   role.ID,
			ActorID:    actor.ID,
			NewValues:  snapshot(role),
			Request:    actor.Request,
			OccurredAt: now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	r.log.Info().
		Str("role_id", role.ID).
		Str("actor_id", role.ActorID).
		Str("role_name", role.RoleName).
		Msg("Approval role created")
	return role, nil
}

// RoleUpdate changes the mutable attributes of a role. Nil fields are left
// as they are; ClearMaxAmount removes the limit.
type RoleUpdate struct {
	HierarchyLevel    *int                     `json:"hierarchy_level,omitempty"`
	Capabilities      *repository.Capabilities `json:"capabilities,omitempty"`
	MaxApprovalAmount *int64                   `json:"max_approval_amount,omitempty"`
	ClearMaxAmount    bool                     `json:"clear_max_amount,omitempty"`
	Currency          *string                  `json:"currency,omitempty"`
}

// UpdateRole applies upd to an active role.
func (r *RoleRegistry) UpdateRole(ctx context.Context, id string, upd RoleUpdate, actor Actor) (*repository.ApprovalRole, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}

	var updated *repository.ApprovalRole
	err := r.store.InTransaction(ctx, func(tx repository.Store) error {
		before, err := tx.Roles().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := requireAdmin(ctx, tx, r.policy.AdminRoles, actor, before.Owner); err != nil {
			return err
		}
		if !before.IsActive {
			return errors.Validation("approval_role", "is_active", "inactive roles cannot be edited").
				WithEntity("approval_role", id)
		}

		after := before.Clone()
		if upd.HierarchyLevel != nil {
			after.HierarchyLevel = *upd.HierarchyLevel
		}
		if upd.Capabilities != nil {
			after.Capabilities = *upd.Capabilities
		}
		if upd.ClearMaxAmount {
			after.MaxApprovalAmount = nil
		} else if upd.MaxApprovalAmount != nil {
			v := *upd.MaxApprovalAmount
			after.MaxApprovalAmount = &v
		}
		if upd.Currency != nil {
			after.Currency = strings.ToUpper(*upd.Currency)
		}
		if err := validateRoleInput(roleInputOf(after)); err != nil {
			return err
		}
		after.UpdatedAt = r.clock()

		if err := tx.Roles().Update(ctx, after); err != nil {
			return err
		}
		updated = after
		_, _, err = r.ledger.appendIn(ctx, tx, AuditEvent{
			EventType:  repository.EventRoleUpdated,
			EntityType: repository.EntityRole,
			EntityID:   id,
			ActorID:    actor.ID,
			OldValues:  snapshot(before),
			NewValues:  snapshot(after),
			Request:    actor.Request,
			OccurredAt: after.UpdatedAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeactivateRole retires a role. Historical actions keep referring to it.
func (r *RoleRegistry) DeactivateRole(ctx context.Context, id, reason string, actor Actor) (*repository.ApprovalRole, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}

	var updated *repository.ApprovalRole
	err := r.store.InTransaction(ctx, func(tx repository.Store) error {
		before, err := tx.Roles().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := requireAdmin(ctx, tx, r.policy.AdminRoles, actor, before.Owner); err != nil {
			return err
		}
		if !before.IsActive {
			updated = before
			return nil
		}
		after := before.Clone()
		after.IsActive = false
		after.UpdatedAt = r.clock()
		if err := tx.Roles().Update(ctx, after); err != nil {
			return err
		}
		updated = after
		_, _, err = r.ledger.appendIn(ctx, tx, AuditEvent{
			EventType:    repository.EventRoleDeactivated,
			EntityType:   repository.EntityRole,
			EntityID:     id,
			ActorID:      actor.ID,
			OldValues:    snapshot(before),
			NewValues:    snapshot(after),
			ChangeReason: reason,
			Request:      actor.Request,
			OccurredAt:   after.UpdatedAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	r.log.Info().Str("role_id", id).Msg("Approval role deactivated")
	return updated, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetRole returns one role.
func (r *RoleRegistry) GetRole(ctx context.Context, id string) (*repository.ApprovalRole, error) {
	return r.store.Roles().GetByID(ctx, id)
}

// RolesForActor returns the active roles an actor holds directly.
func (r *RoleRegistry) RolesForActor(ctx context.Context, actorID string) ([]*repository.ApprovalRole, error) {
	return r.store.Roles().ListByActor(ctx, actorID, true)
}

// ListRoles returns the roles of an owner.
func (r *RoleRegistry) ListRoles(ctx context.Context, owner string, activeOnly bool) ([]*repository.ApprovalRole, error) {
	return r.store.Roles().List(ctx, owner, activeOnly)
}

// HoldsAny returns the first active role in roles whose name is in names.
func HoldsAny(roles []*repository.ApprovalRole, names []string) *repository.ApprovalRole {
	for _, role := range roles {
		if !role.IsActive {
			continue
		}
		for _, n := range names {
			if strings.EqualFold(role.RoleName, n) {
				return role
			}
		}
	}
	return nil
}

// ── Validation ───────────────────────────────────────────────────────────────

// MaxHierarchyLevel bounds role hierarchy levels and rule chain length.
const MaxHierarchyLevel = 10

func normaliseRoleName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func roleInputOf(role *repository.ApprovalRole) RoleInput {
	return RoleInput{
		Owner:             role.Owner,
		ActorID:           role.ActorID,
		RoleName:          role.RoleName,
		HierarchyLevel:    role.HierarchyLevel,
		Capabilities:      role.Capabilities,
		MaxApprovalAmount: role.MaxApprovalAmount,
		Currency:          role.Currency,
	}
}

func validateRoleInput(in RoleInput) error {
	switch {
	case strings.TrimSpace(in.Owner) == "":
		return errors.Validation("approval_role", "owner", "owner is required")
	case strings.TrimSpace(in.ActorID) == "":
		return errors.Validation("approval_role", "actor_id", "actor is required")
	case in.RoleName == "":
		return errors.Validation("approval_role", "role_name", "role name is required")
	case in.HierarchyLevel < 1 || in.HierarchyLevel > MaxHierarchyLevel:
		return errors.Validation("approval_role", "hierarchy_level", "hierarchy level must be between 1 and 10")
	case in.Capabilities.CanModify && !in.Capabilities.CanApprove:
		return errors.Validation("approval_role", "capabilities", "canModify requires canApprove")
	case in.MaxApprovalAmount != nil && *in.MaxApprovalAmount < 0:
		return errors.Validation("approval_role", "max_approval_amount", "maximum approval amount cannot be negative")
	case !client.ValidCurrency(in.Currency):
		return errors.Validation("approval_role", "currency", "currency must be an ISO 4217 code")
	}
	return nil
}
