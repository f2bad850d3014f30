package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

func TestCreateRoleNormalises(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	role, err := env.roles.CreateRole(ctx, RoleInput{
		Owner:          testOwner,
		ActorID:        "mgr",
		RoleName:       "  manager ",
		HierarchyLevel: 1,
		Capabilities:   approverCaps(),
		Currency:       "inr",
	}, admin)
	require.NoError(t, err)
	assert.Equal(t, "MANAGER", role.RoleName)
	assert.Equal(t, "INR", role.Currency)
	assert.True(t, role.IsActive)
	assert.Equal(t, testStart, role.CreatedAt)

	trail, err := env.ledger.ByEntity(ctx, repository.EntityRole, role.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, repository.EventRoleCreated, trail[0].EventType)
	assert.Equal(t, "admin", trail[0].ActorID)
}

func TestCreateRoleValidation(t *testing.T) {
	valid := func() RoleInput {
		return RoleInput{
			Owner:          testOwner,
			ActorID:        "mgr",
			RoleName:       "MANAGER",
			HierarchyLevel: 1,
			Capabilities:   approverCaps(),
			Currency:       "USD",
		}
	}

	tests := []struct {
		name   string
		mutate func(*RoleInput)
		field  string
	}{
		{"missing owner", func(in *RoleInput) { in.Owner = "" }, "owner"},
		{"missing actor", func(in *RoleInput) { in.ActorID = " " }, "actor_id"},
		{"missing name", func(in *RoleInput) { in.RoleName = "" }, "role_name"},
		{"level zero", func(in *RoleInput) { in.HierarchyLevel = 0 }, "hierarchy_level"},
		{"level above ten", func(in *RoleInput) { in.HierarchyLevel = 11 }, "hierarchy_level"},
		{"modify without approve", func(in *RoleInput) {
			in.Capabilities = repository.Capabilities{CanModify: true}
		}, "capabilities"},
		{"negative limit", func(in *RoleInput) { in.MaxApprovalAmount = ptr(int64(-1)) }, "max_approval_amount"},
		{"bad currency", func(in *RoleInput) { in.Currency = "DOLLARS" }, "currency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			in := valid()
			tt.mutate(&in)
			_, err := env.roles.CreateRole(context.Background(), in, admin)
			require.True(t, errors.HasCode(err, errors.ErrCodeValidation), "got %v", err)
			var appErr *errors.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
}

func TestUpdateRole(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	role := env.grant(t, "mgr", "MANAGER", 1, ptr(int64(500_000)), "USD")

	updated, err := env.roles.UpdateRole(ctx, role.ID, RoleUpdate{MaxApprovalAmount: ptr(int64(750_000))}, admin)
	require.NoError(t, err)
	require.NotNil(t, updated.MaxApprovalAmount)
	assert.Equal(t, int64(750_000), *updated.MaxApprovalAmount)
	assert.Equal(t, 1, updated.HierarchyLevel)

	updated, err = env.roles.UpdateRole(ctx, role.ID, RoleUpdate{ClearMaxAmount: true, MaxApprovalAmount: ptr(int64(1))}, admin)
	require.NoError(t, err)
	assert.Nil(t, updated.MaxApprovalAmount, "clear wins over a new limit")

	_, err = env.roles.UpdateRole(ctx, role.ID, RoleUpdate{HierarchyLevel: ptr(0)}, admin)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	stored, err := env.roles.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.HierarchyLevel, "failed update leaves the role as it was")

	trail, err := env.ledger.ByEntity(ctx, repository.EntityRole, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []repository.EventType{
		repository.EventRoleCreated,
		repository.EventRoleUpdated,
		repository.EventRoleUpdated,
	}, eventTypes(trail))

	var before repository.ApprovalRole
	require.NoError(t, json.Unmarshal(trail[1].OldValues, &before))
	assert.Equal(t, int64(500_000), *before.MaxApprovalAmount)
}

func TestDeactivateRole(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)
	wf := env.submit(t, "inv-1", 3_000_000, "INR")

	roles, err := env.roles.RolesForActor(ctx, "mgr")
	require.NoError(t, err)
	require.Len(t, roles, 1)

	deactivated, err := env.roles.DeactivateRole(ctx, roles[0].ID, "left the company", admin)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)

	again, err := env.roles.DeactivateRole(ctx, roles[0].ID, "", admin)
	require.NoError(t, err)
	assert.False(t, again.IsActive)

	roles, err = env.roles.RolesForActor(ctx, "mgr")
	require.NoError(t, err)
	assert.Empty(t, roles)

	_, err = env.act(ctx, wf.ID, "mgr", repository.ActionApprove)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))

	_, err = env.roles.UpdateRole(ctx, deactivated.ID, RoleUpdate{HierarchyLevel: ptr(2)}, admin)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation), "inactive roles cannot be edited")

	trail, err := env.ledger.ByEntity(ctx, repository.EntityRole, deactivated.ID)
	require.NoError(t, err)
	assert.Equal(t, []repository.EventType{
		repository.EventRoleCreated,
		repository.EventRoleDeactivated,
	}, eventTypes(trail), "repeated deactivation is not audited twice")
	assert.Equal(t, "left the company", trail[1].ChangeReason)
}

func TestHoldsAny(t *testing.T) {
	roles := []*repository.ApprovalRole{
		{RoleName: "CFO", IsActive: false},
		{RoleName: "MANAGER", IsActive: true},
		{RoleName: "CONTROLLER", IsActive: true},
	}

	assert.Nil(t, HoldsAny(roles, []string{"CFO"}), "inactive roles do not count")
	got := HoldsAny(roles, []string{"cfo", "controller"})
	require.NotNil(t, got)
	assert.Equal(t, "CONTROLLER", got.RoleName)
	assert.Nil(t, HoldsAny(nil, []string{"MANAGER"}))
}

func TestRoleAdministrationRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mgr := env.grant(t, "mgr", "MANAGER", 1, nil, "USD")
	clerk := Actor{ID: "clerk"}
	selfGrant := RoleInput{
		Owner:          testOwner,
		ActorID:        "clerk",
		RoleName:       "CFO",
		HierarchyLevel: 2,
		Capabilities:   approverCaps(),
		Currency:       "USD",
	}

	_, err := env.roles.CreateRole(ctx, selfGrant, clerk)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "got %v", err)
	_, err = env.roles.UpdateRole(ctx, mgr.ID, RoleUpdate{HierarchyLevel: ptr(2)}, clerk)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "got %v", err)
	_, err = env.roles.DeactivateRole(ctx, mgr.ID, "", clerk)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "got %v", err)

	// Holding an approver role is not enough.
	_, err = env.roles.CreateRole(ctx, selfGrant, Actor{ID: "mgr"})
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "got %v", err)

	// An admin of another owner administers only that owner.
	seedAdmin(t, env.store, "evilcorp", "intruder")
	_, err = env.roles.CreateRole(ctx, selfGrant, Actor{ID: "intruder"})
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "got %v", err)
	_, err = env.roles.DeactivateRole(ctx, mgr.ID, "", Actor{ID: "intruder"})
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "got %v", err)
	own := selfGrant
	own.Owner, own.ActorID = "evilcorp", "intruder"
	_, err = env.roles.CreateRole(ctx, own, Actor{ID: "intruder"})
	require.NoError(t, err)

	held, err := env.roles.RolesForActor(ctx, "clerk")
	require.NoError(t, err)
	assert.Empty(t, held)
	current, err := env.roles.GetRole(ctx, mgr.ID)
	require.NoError(t, err)
	assert.True(t, current.IsActive)
	assert.Equal(t, 1, current.HierarchyLevel)

	trail, err := env.ledger.ByEntity(ctx, repository.EntityRole, mgr.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1, "refused changes leave no trace")

	// The system actor bootstraps the first admin of a new owner.
	first, err := env.roles.CreateRole(ctx, RoleInput{
		Owner:          "globex",
		ActorID:        "g-admin",
		RoleName:       "admin",
		HierarchyLevel: 1,
		Currency:       "USD",
	}, Actor{ID: SystemActor})
	require.NoError(t, err)
	assert.Equal(t, DefaultAdminRole, first.RoleName)
}
