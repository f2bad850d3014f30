package service

import (
	"time"

	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// Capability names one of the role flags. The names double as the field
// reported on PERMISSION_DENIED errors.
type Capability string

const (
	CapApprove  Capability = "canApprove"
	CapReject   Capability = "canReject"
	CapModify   Capability = "canModify"
	CapDelegate Capability = "canDelegate"
)

// RequiredCapability maps an action to the flag it needs.
func RequiredCapability(a repository.ActionType) (Capability, bool) {
	switch a {
	case repository.ActionApprove:
		return CapApprove, true
	case repository.ActionReject:
		return CapReject, true
	case repository.ActionRequestChanges:
		return CapModify, true
	case repository.ActionDelegate:
		return CapDelegate, true
	}
	return "", false
}

// Has reports whether caps grants c.
func Has(caps repository.Capabilities, c Capability) bool {
	switch c {
	case CapApprove:
		return caps.CanApprove
	case CapReject:
		return caps.CanReject
	case CapModify:
		return caps.CanModify
	case CapDelegate:
		return caps.CanDelegate
	}
	return false
}

// ConvertFunc converts amount from one currency's minor units to another's.
type ConvertFunc func(amount int64, from, to string) (int64, error)

// PermissionInput is everything ResolvePermission looks at. It holds no
// store or clock so the decision is a pure function of its input.
type PermissionInput struct {
	ActorID string
	Action  repository.ActionType
	// Owner, when set, must own Role.
	Owner string
	// Role is the role the actor claims to act under.
	Role *repository.ApprovalRole
	// Delegations are candidate delegations of Role to ActorID.
	Delegations []*repository.ApprovalDelegation
	Amount      int64
	Currency    string
	Convert     ConvertFunc
	Now         time.Time
	// RequireDirect refuses authority obtained through a delegation.
	RequireDirect bool
}

// Grant is a resolved permission. Delegation is nil for direct holders.
type Grant struct {
	Role       *repository.ApprovalRole
	Delegation *repository.ApprovalDelegation
}

// Direct reports whether the actor holds the role itself.
func (g Grant) Direct() bool { return g.Delegation == nil }

// ResolvePermission decides whether in.ActorID may take in.Action under
// in.Role. Authority comes from holding the role or from an active,
// in-window delegation whose cap covers the amount; either way the role's own
// flags and limit bound what is allowed.
func ResolvePermission(in PermissionInput) (Grant, error) {
	capability, ok := RequiredCapability(in.Action)
	if !ok {
		return Grant{}, errors.InvalidInput("action", "unsupported action "+string(in.Action))
	}
	role := in.Role
	if role == nil || !role.IsActive {
		return Grant{}, errors.PermissionDenied("role", "role is not active")
	}
	if in.Owner != "" && role.Owner != in.Owner {
		return Grant{}, errors.PermissionDenied("role", "role belongs to another owner")
	}

	grant := Grant{Role: role}
	if role.ActorID != in.ActorID {
		if in.RequireDirect {
			return Grant{}, errors.PermissionDenied(string(capability), "delegated authority cannot be passed on")
		}
		d, err := MatchDelegation(in.Delegations, role.ID, in.ActorID, in.Amount, in.Currency, in.Now, in.Convert)
		if err != nil {
			return Grant{}, err
		}
		grant.Delegation = d
	}

	if !Has(role.Capabilities, capability) {
		return Grant{}, errors.PermissionDenied(string(capability),
			"role "+role.RoleName+" lacks "+string(capability))
	}

	if in.Action != repository.ActionDelegate && role.MaxApprovalAmount != nil {
		limit, err := in.Convert(*role.MaxApprovalAmount, role.Currency, in.Currency)
		if err != nil {
			return Grant{}, err
		}
		if in.Amount > limit {
			return Grant{}, errors.Newf(errors.ErrCodeAmountExceedsLimit,
				"amount %d %s exceeds the %s limit", in.Amount, in.Currency, role.RoleName).
				WithEntity("approval_role", role.ID)
		}
	}
	return grant, nil
}

// MatchDelegation returns the first delegation of roleID to actorID that is
// active, in its window at now, and whose cap (converted to the delegation's
// currency) covers amount. When only cap checks failed the error is
// AMOUNT_EXCEEDS_LIMIT, otherwise PERMISSION_DENIED.
func MatchDelegation(
	delegations []*repository.ApprovalDelegation,
	roleID, actorID string,
	amount int64,
	currency string,
	now time.Time,
	convert ConvertFunc,
) (*repository.ApprovalDelegation, error) {
	var capErr error
	for _, d := range delegations {
		if d.SourceRoleID != roleID || d.DelegateID != actorID || !d.IsActive || !d.InWindow(now) {
			continue
		}
		if d.AmountCap != nil {
			converted, err := convert(amount, currency, d.Currency)
			if err != nil {
				return nil, err
			}
			if converted > *d.AmountCap {
				capErr = errors.Newf(errors.ErrCodeAmountExceedsLimit,
					"amount exceeds the delegation cap of %d %s", *d.AmountCap, d.Currency).
					WithEntity("approval_delegation", d.ID)
				continue
			}
		}
		return d, nil
	}
	if capErr != nil {
		return nil, capErr
	}
	return nil, errors.PermissionDenied("delegation", "actor neither holds the role nor has an active delegation for it")
}
