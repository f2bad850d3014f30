package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

func managerRole() *repository.ApprovalRole {
	return &repository.ApprovalRole{
		ID:                "role-mgr",
		Owner:             testOwner,
		ActorID:           "mgr",
		RoleName:          "MANAGER",
		HierarchyLevel:    1,
		Capabilities:      approverCaps(),
		MaxApprovalAmount: ptr(int64(500_000)),
		Currency:          "USD",
		IsActive:          true,
	}
}

func deputyDelegation(start time.Time) *repository.ApprovalDelegation {
	return &repository.ApprovalDelegation{
		ID:           "del-1",
		SourceRoleID: "role-mgr",
		DelegatorID:  "mgr",
		DelegateID:   "deputy",
		StartsAt:     start,
		EndsAt:       start.Add(24 * time.Hour),
		IsActive:     true,
		Type:         repository.DelegationTemporary,
		AmountCap:    ptr(int64(100_000)),
		Currency:     "USD",
	}
}

func testConvert() ConvertFunc {
	return convertWith(context.Background(), client.NewRateConverter(testRates), testStart)
}

func TestResolvePermissionDirectHolder(t *testing.T) {
	g, err := ResolvePermission(PermissionInput{
		ActorID:  "mgr",
		Action:   repository.ActionApprove,
		Role:     managerRole(),
		Amount:   500_000,
		Currency: "USD",
		Convert:  testConvert(),
		Now:      testStart,
	})
	require.NoError(t, err)
	assert.True(t, g.Direct())
	assert.Equal(t, "role-mgr", g.Role.ID)
}

func TestResolvePermissionRoleLimitEdge(t *testing.T) {
	in := PermissionInput{
		ActorID:  "mgr",
		Action:   repository.ActionApprove,
		Role:     managerRole(),
		Amount:   500_001,
		Currency: "USD",
		Convert:  testConvert(),
		Now:      testStart,
	}
	_, err := ResolvePermission(in)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAmountExceedsLimit))

	in.Action = repository.ActionDelegate
	_, err = ResolvePermission(in)
	assert.NoError(t, err, "delegating is not bounded by the role limit")
}

func TestResolvePermissionConvertsRoleLimit(t *testing.T) {
	// 5,000.00 USD is 415,000.00 INR at 83.
	in := PermissionInput{
		ActorID:  "mgr",
		Action:   repository.ActionApprove,
		Role:     managerRole(),
		Amount:   41_500_000,
		Currency: "INR",
		Convert:  testConvert(),
		Now:      testStart,
	}
	_, err := ResolvePermission(in)
	require.NoError(t, err)

	in.Amount = 41_500_001
	_, err = ResolvePermission(in)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAmountExceedsLimit))

	in.Currency = "XXX"
	in.Convert = convertWith(context.Background(), nil, testStart)
	_, err = ResolvePermission(in)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConversionUnavailable))
}

func TestResolvePermissionMissingCapability(t *testing.T) {
	role := managerRole()
	role.Capabilities.CanReject = false

	_, err := ResolvePermission(PermissionInput{
		ActorID:  "mgr",
		Action:   repository.ActionReject,
		Role:     role,
		Amount:   1,
		Currency: "USD",
		Convert:  testConvert(),
		Now:      testStart,
	})
	require.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
	var appErr *errors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, string(CapReject), appErr.Field)
}

func TestResolvePermissionInactiveRole(t *testing.T) {
	role := managerRole()
	role.IsActive = false

	_, err := ResolvePermission(PermissionInput{
		ActorID: "mgr", Action: repository.ActionApprove, Role: role,
		Currency: "USD", Convert: testConvert(), Now: testStart,
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
}

func TestResolvePermissionDelegationWindow(t *testing.T) {
	d := deputyDelegation(testStart)

	tests := []struct {
		name string
		now  time.Time
		ok   bool
	}{
		{"before start", d.StartsAt.Add(-time.Second), false},
		{"at start", d.StartsAt, true},
		{"at end", d.EndsAt, true},
		{"one second after end", d.EndsAt.Add(time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ResolvePermission(PermissionInput{
				ActorID:     "deputy",
				Action:      repository.ActionApprove,
				Role:        managerRole(),
				Delegations: []*repository.ApprovalDelegation{d},
				Amount:      10_000,
				Currency:    "USD",
				Convert:     testConvert(),
				Now:         tt.now,
			})
			if tt.ok {
				require.NoError(t, err)
				assert.False(t, g.Direct())
				assert.Equal(t, "del-1", g.Delegation.ID)
				return
			}
			assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
		})
	}
}

func TestResolvePermissionDelegationCapEdge(t *testing.T) {
	d := deputyDelegation(testStart)
	in := PermissionInput{
		ActorID:     "deputy",
		Action:      repository.ActionApprove,
		Role:        managerRole(),
		Delegations: []*repository.ApprovalDelegation{d},
		Amount:      100_000,
		Currency:    "USD",
		Convert:     testConvert(),
		Now:         testStart.Add(time.Hour),
	}
	_, err := ResolvePermission(in)
	require.NoError(t, err)

	in.Amount = 100_001
	_, err = ResolvePermission(in)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAmountExceedsLimit))
}

func TestResolvePermissionDelegationCapConverted(t *testing.T) {
	d := deputyDelegation(testStart)
	in := PermissionInput{
		ActorID:     "deputy",
		Action:      repository.ActionApprove,
		Role:        managerRole(),
		Delegations: []*repository.ApprovalDelegation{d},
		Amount:      8_300_000, // 83,000.00 INR = 1,000.00 USD
		Currency:    "INR",
		Convert:     testConvert(),
		Now:         testStart.Add(time.Hour),
	}
	_, err := ResolvePermission(in)
	require.NoError(t, err)

	in.Amount = 8_300_100
	_, err = ResolvePermission(in)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAmountExceedsLimit))
}

func TestResolvePermissionDelegatedAuthorityCannotBeDelegated(t *testing.T) {
	_, err := ResolvePermission(PermissionInput{
		ActorID:       "deputy",
		Action:        repository.ActionDelegate,
		Role:          managerRole(),
		Delegations:   []*repository.ApprovalDelegation{deputyDelegation(testStart)},
		Currency:      "USD",
		Convert:       testConvert(),
		Now:           testStart.Add(time.Hour),
		RequireDirect: true,
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
}

func TestMatchDelegationSkipsUnusable(t *testing.T) {
	now := testStart.Add(time.Hour)
	revoked := deputyDelegation(testStart)
	revoked.ID = "del-revoked"
	revoked.IsActive = false
	otherRole := deputyDelegation(testStart)
	otherRole.ID = "del-other"
	otherRole.SourceRoleID = "role-other"
	capped := deputyDelegation(testStart)
	capped.ID = "del-capped"
	capped.AmountCap = ptr(int64(10))
	uncapped := deputyDelegation(testStart)
	uncapped.ID = "del-uncapped"
	uncapped.AmountCap = nil

	d, err := MatchDelegation(
		[]*repository.ApprovalDelegation{revoked, otherRole, capped, uncapped},
		"role-mgr", "deputy", 50_000, "USD", now, testConvert(),
	)
	require.NoError(t, err)
	assert.Equal(t, "del-uncapped", d.ID)

	_, err = MatchDelegation([]*repository.ApprovalDelegation{revoked, capped}, "role-mgr", "deputy", 50_000, "USD", now, testConvert())
	assert.True(t, errors.HasCode(err, errors.ErrCodeAmountExceedsLimit), "only the cap failed")

	_, err = MatchDelegation([]*repository.ApprovalDelegation{revoked, otherRole}, "role-mgr", "deputy", 50_000, "USD", now, testConvert())
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
}

func TestRequiredCapability(t *testing.T) {
	for action, want := range map[repository.ActionType]Capability{
		repository.ActionApprove:        CapApprove,
		repository.ActionReject:         CapReject,
		repository.ActionRequestChanges: CapModify,
		repository.ActionDelegate:       CapDelegate,
	} {
		got, ok := RequiredCapability(action)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := RequiredCapability(repository.ActionBypass)
	assert.False(t, ok)
}

func TestResolvePermissionRoleOfAnotherOwner(t *testing.T) {
	in := PermissionInput{
		ActorID:  "mgr",
		Action:   repository.ActionApprove,
		Owner:    "evilcorp",
		Role:     managerRole(),
		Amount:   1_000,
		Currency: "USD",
		Convert:  testConvert(),
		Now:      testStart,
	}
	_, err := ResolvePermission(in)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))

	in.Owner = testOwner
	_, err = ResolvePermission(in)
	assert.NoError(t, err)
}
