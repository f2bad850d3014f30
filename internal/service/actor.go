package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// SystemActor is recorded for mutations no person initiated.
const SystemActor = repository.SystemActor

// Actor is who performs a mutation, with the request metadata captured on
// the audit entry.
type Actor struct {
	ID      string
	Request repository.RequestMeta
}

func (a Actor) validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.InvalidInput("actor_id", "actor is required")
	}
	return nil
}

// requireAdmin checks that actor may administer owner's roles and rules. The
// system actor always may; anyone else must hold one of adminRoles for owner.
func requireAdmin(ctx context.Context, st repository.Store, adminRoles []string, actor Actor, owner string) error {
	if actor.ID == SystemActor {
		return nil
	}
	held, err := st.Roles().ListByActor(ctx, actor.ID, true)
	if err != nil {
		return err
	}
	held = slices.DeleteFunc(held, func(r *repository.ApprovalRole) bool { return r.Owner != owner })
	if HoldsAny(held, adminRoles) == nil {
		return errors.PermissionDenied("admin", "actor holds no administrative role for owner "+owner)
	}
	return nil
}

// convertWith adapts a client.Converter to a ConvertFunc pinned to ctx and
// asOf. A nil converter only handles same-currency amounts.
func convertWith(ctx context.Context, conv client.Converter, asOf time.Time) ConvertFunc {
	return func(amount int64, from, to string) (int64, error) {
		if strings.EqualFold(from, to) {
			return amount, nil
		}
		if conv == nil {
			return 0, errors.Newf(errors.ErrCodeConversionUnavailable, "no converter for %s/%s", from, to)
		}
		return conv.Convert(ctx, amount, from, to, asOf)
	}
}
