package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

func TestSingleLevelApproval(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	wf := env.submit(t, "inv-30k", 3_000_000, "INR")
	assert.Equal(t, 1, wf.RequiredLevel)
	assert.Equal(t, repository.StatusPending, wf.Status)

	env.clock.Advance(time.Hour)
	res, err := env.act(ctx, wf.ID, "mgr", repository.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, res.Workflow.Status)
	assert.Equal(t, "mgr", *res.Workflow.DecidedBy)
	assert.Equal(t, testStart.Add(time.Hour), *res.Workflow.CompletedAt)
	assert.Empty(t, res.Warnings)
	require.NotNil(t, res.AuditEntry)
	assert.Equal(t, repository.EventWorkflowApproved, res.AuditEntry.EventType)
	assert.Equal(t, "MANAGER", res.AuditEntry.ActorRole)

	assert.Equal(t, []string{"request:[MANAGER]", "decision:APPROVED"}, env.notifier.Calls())
}

func TestTwoLevelApproval(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	wf := env.submit(t, "inv-100k", 10_000_000, "INR")
	require.Equal(t, 2, wf.RequiredLevel)

	_, err := env.act(ctx, wf.ID, "fh", repository.ActionApprove)
	assert.True(t, errors.HasCode(err, errors.ErrCodeLevelMismatch), "finance head cannot act at level 1")

	res, err := env.workflows.TakeAction(ctx, ActionRequest{
		WorkflowID: wf.ID, Action: repository.ActionApprove, ActorID: "mgr", ExpectedLevel: 1, Comments: "ok",
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, res.Workflow.Status)
	assert.Equal(t, 2, res.Workflow.CurrentLevel)
	assert.Equal(t, 1, res.Action.Level)

	_, err = env.workflows.TakeAction(ctx, ActionRequest{
		WorkflowID: wf.ID, Action: repository.ActionApprove, ActorID: "mgr", ExpectedLevel: 1,
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeLevelMismatch), "stale level is refused")

	res, err = env.act(ctx, wf.ID, "fh", repository.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, res.Workflow.Status)

	trail, err := env.ledger.ByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, []repository.EventType{
		repository.EventWorkflowCreated,
		repository.EventActionTaken,
		repository.EventWorkflowApproved,
	}, eventTypes(trail), "exactly one entry per committed mutation")

	assert.Nil(t, trail[0].OldValues)
	for _, e := range trail[1:] {
		var before, after workflowChange
		require.NoError(t, json.Unmarshal(e.OldValues, &before))
		require.NoError(t, json.Unmarshal(e.NewValues, &after))
		assert.Equal(t, before.Workflow.Version+1, after.Workflow.Version)
		require.NotNil(t, after.Action)
	}

	report, err := env.ledger.VerifyChain(ctx, repository.EntityWorkflow, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Entries)
	assert.Equal(t, trail[2].IntegrityHash, report.HeadHash)

	assert.Equal(t, []string{"request:[MANAGER]", "request:[FINANCE_HEAD]", "decision:APPROVED"}, env.notifier.Calls())
}

func TestRejectEndsWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	wf := env.submit(t, "inv-100k", 10_000_000, "INR")
	res, err := env.act(ctx, wf.ID, "mgr", repository.ActionReject)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, res.Workflow.Status)

	_, err = env.act(ctx, wf.ID, "fh", repository.ActionApprove)
	assert.True(t, errors.HasCode(err, errors.ErrCodeWorkflowCompleted))
	_, err = env.act(ctx, wf.ID, "mgr", repository.ActionApprove)
	assert.True(t, errors.HasCode(err, errors.ErrCodeWorkflowCompleted))
}

func TestRequestChangesKeepsWorkflowOpen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	wf := env.submit(t, "inv-1", 3_000_000, "INR")
	res, err := env.workflows.TakeAction(ctx, ActionRequest{
		WorkflowID:       wf.ID,
		Action:           repository.ActionRequestChanges,
		ActorID:          "mgr",
		RequestedChanges: ptr("attach the purchase order"),
		ChangePriority:   ptr("HIGH"),
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, res.Workflow.Status)
	assert.Equal(t, "attach the purchase order", *res.Action.RequestedChanges)
	assert.Contains(t, env.notifier.Calls(), "decision:CHANGES_REQUESTED")
}

func TestApproverLimit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.grant(t, "mgr", "MANAGER", 1, ptr(int64(2_000_000)), "INR")
	env.rule(t, RuleInput{Name: "all", Currency: "INR", RequiredApprovals: 1, ApproverRoles: []string{"MANAGER"}})

	wf := env.submit(t, "inv-1", 3_000_000, "INR")
	_, err := env.act(ctx, wf.ID, "mgr", repository.ActionApprove)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAmountExceedsLimit))

	status, err := env.workflows.GetWorkflowStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, status.Workflow.Status)
	assert.Empty(t, status.Actions, "a refused action leaves no trace")
}

func TestActorWithoutRole(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	wf := env.submit(t, "inv-1", 3_000_000, "INR")
	_, err := env.act(ctx, wf.ID, "stranger", repository.ActionApprove)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))

	_, err = env.act(ctx, "missing", "mgr", repository.ActionApprove)
	assert.True(t, errors.HasCode(err, errors.ErrCodeWorkflowNotFound))

	_, err = env.act(ctx, wf.ID, "mgr", repository.ActionBypass)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation), "bypass has its own operation")
}

func TestRoleOfAnotherOwnerCannotAct(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)
	wf := env.submit(t, "inv-1", 3_000_000, "INR")

	seedAdmin(t, env.store, "evilcorp", "evil-admin")
	foreign, err := env.roles.CreateRole(ctx, RoleInput{
		Owner:          "evilcorp",
		ActorID:        "intruder",
		RoleName:       "MANAGER",
		HierarchyLevel: 1,
		Capabilities:   approverCaps(),
		Currency:       "INR",
	}, Actor{ID: "evil-admin"})
	require.NoError(t, err)

	_, err = env.workflows.TakeAction(ctx, ActionRequest{
		WorkflowID: wf.ID,
		Action:     repository.ActionApprove,
		ActorID:    "intruder",
		RoleID:     foreign.ID,
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "got %v", err)

	_, err = env.act(ctx, wf.ID, "intruder", repository.ActionApprove)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "got %v", err)

	status, err := env.workflows.GetWorkflowStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, status.Workflow.Status)
	assert.Equal(t, 1, status.Workflow.CurrentLevel)
	assert.Empty(t, status.Actions)
}

func TestParallelApproval(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.grant(t, "mgr", "MANAGER", 1, nil, "USD")
	env.grant(t, "fh", "FINANCE_HEAD", 2, nil, "USD")
	env.rule(t, RuleInput{
		Name: "joint", Currency: "USD", RequiredApprovals: 2, ParallelApproval: true,
		ApproverRoles: []string{"MANAGER", "FINANCE_HEAD"},
	})

	wf := env.submit(t, "inv-1", 1_000, "USD")
	require.Equal(t, 1, wf.RequiredLevel)

	res, err := env.act(ctx, wf.ID, "mgr", repository.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, res.Workflow.Status)

	_, err = env.act(ctx, wf.ID, "mgr", repository.ActionApprove)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))

	status, err := env.workflows.GetWorkflowStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"FINANCE_HEAD"}, status.PendingRoles)

	res, err = env.act(ctx, wf.ID, "fh", repository.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, res.Workflow.Status)
}

func TestApprovalThroughDelegation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)
	mgrRole, err := env.roles.RolesForActor(ctx, "mgr")
	require.NoError(t, err)
	require.Len(t, mgrRole, 1)

	d, err := env.delegations.CreateDelegation(ctx, DelegationInput{
		SourceRoleID: mgrRole[0].ID,
		DelegateID:   "deputy",
		EndsAt:       testStart.Add(48 * time.Hour),
		AmountCap:    ptr(int64(4_000_000)),
		Reason:       "annual leave",
	}, Actor{ID: "mgr"})
	require.NoError(t, err)
	assert.Equal(t, "INR", d.Currency, "currency defaults to the role's")

	ok, err := env.delegations.CanActAs(ctx, "deputy", mgrRole[0].ID, 3_000_000, "INR", testStart.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = env.delegations.CanActAs(ctx, "deputy", mgrRole[0].ID, 4_000_001, "INR", testStart.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	wf := env.submit(t, "inv-1", 3_000_000, "INR")
	pending, err := env.workflows.GetPendingApprovals(ctx, "deputy")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	env.clock.Advance(time.Hour)
	res, err := env.act(ctx, wf.ID, "deputy", repository.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, res.Workflow.Status)
	require.NotNil(t, res.Action.ViaDelegationID)
	assert.Equal(t, d.ID, *res.Action.ViaDelegationID)
	assert.Equal(t, "MANAGER", res.AuditEntry.ActorRole)
	assert.Equal(t, "deputy", res.AuditEntry.ActorID)

	history, err := env.workflows.GetApprovalHistory(ctx, "deputy")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, wf.ID, history[0].WorkflowID)
}

func TestDelegationExpiresAndRevokes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)
	roles, err := env.roles.RolesForActor(ctx, "mgr")
	require.NoError(t, err)

	d, err := env.delegations.CreateDelegation(ctx, DelegationInput{
		SourceRoleID: roles[0].ID,
		DelegateID:   "deputy",
		EndsAt:       testStart.Add(2 * time.Hour),
		Reason:       "offsite",
	}, Actor{ID: "mgr"})
	require.NoError(t, err)

	wf := env.submit(t, "inv-1", 3_000_000, "INR")
	env.clock.Advance(2*time.Hour + time.Second)
	_, err = env.act(ctx, wf.ID, "deputy", repository.ActionApprove)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "delegation expired")

	_, err = env.delegations.RevokeDelegation(ctx, d.ID, "done", Actor{ID: "deputy"})
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "only the delegator revokes")

	revoked, err := env.delegations.RevokeDelegation(ctx, d.ID, "done", Actor{ID: "mgr"})
	require.NoError(t, err)
	assert.False(t, revoked.IsActive)
	assert.Equal(t, "mgr", *revoked.RevokedBy)

	active, err := env.delegations.ListForActor(ctx, "deputy", true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCreateDelegationValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)
	roles, err := env.roles.RolesForActor(ctx, "mgr")
	require.NoError(t, err)
	roleID := roles[0].ID

	tests := []struct {
		name      string
		in        DelegationInput
		delegator string
		code      errors.Code
	}{
		{"self", DelegationInput{SourceRoleID: roleID, DelegateID: "mgr", EndsAt: testStart.Add(time.Hour)}, "mgr", errors.ErrCodeValidation},
		{"empty window", DelegationInput{SourceRoleID: roleID, DelegateID: "deputy", EndsAt: testStart}, "mgr", errors.ErrCodeValidation},
		{"negative cap", DelegationInput{SourceRoleID: roleID, DelegateID: "deputy", EndsAt: testStart.Add(time.Hour), AmountCap: ptr(int64(-1))}, "mgr", errors.ErrCodeValidation},
		{"not the holder", DelegationInput{SourceRoleID: roleID, DelegateID: "deputy", EndsAt: testStart.Add(time.Hour)}, "fh", errors.ErrCodePermissionDenied},
		{"unknown role", DelegationInput{SourceRoleID: "nope", DelegateID: "deputy", EndsAt: testStart.Add(time.Hour)}, "mgr", errors.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.delegations.CreateDelegation(ctx, tt.in, Actor{ID: tt.delegator})
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestDelegateAction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	wf := env.submit(t, "inv-1", 3_000_000, "INR")
	res, err := env.workflows.TakeAction(ctx, ActionRequest{
		WorkflowID:       wf.ID,
		Action:           repository.ActionDelegate,
		ActorID:          "mgr",
		DelegateTo:       "deputy",
		DelegationReason: "travelling",
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, res.Workflow.Status)
	assert.Equal(t, 1, res.Workflow.CurrentLevel)
	require.NotNil(t, res.Delegation)
	assert.Equal(t, wf.ID, *res.Delegation.WorkflowID)
	assert.Equal(t, *wf.DueAt, res.Delegation.EndsAt, "window defaults to the workflow due time")
	assert.Equal(t, "deputy", *res.Action.DelegatedTo)

	trail, err := env.ledger.ByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	var change workflowChange
	require.NoError(t, json.Unmarshal(trail[1].NewValues, &change))
	require.NotNil(t, change.Delegation)
	assert.Equal(t, res.Delegation.ID, change.Delegation.ID)

	_, err = env.workflows.TakeAction(ctx, ActionRequest{
		WorkflowID: wf.ID, Action: repository.ActionDelegate, ActorID: "deputy", DelegateTo: "intern",
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "delegated authority is not re-delegable")

	res, err = env.act(ctx, wf.ID, "deputy", repository.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, res.Workflow.Status)
}

func TestCancelWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	wf := env.submit(t, "inv-1", 3_000_000, "INR")
	_, err := env.workflows.CancelWorkflow(ctx, wf.ID, "mistake", Actor{ID: "mgr"})
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))

	res, err := env.workflows.CancelWorkflow(ctx, wf.ID, "duplicate invoice", Actor{ID: "clerk"})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCancelled, res.Workflow.Status)
	assert.Equal(t, "INITIATOR", res.AuditEntry.ActorRole)
	assert.Equal(t, "duplicate invoice", res.AuditEntry.ChangeReason)

	_, err = env.workflows.CancelWorkflow(ctx, wf.ID, "again", Actor{ID: "clerk"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeWorkflowCompleted))
}

func TestBypassAndSuspiciousActivity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)
	env.grant(t, "cfo", "CFO", 3, nil, "INR")

	first := env.submit(t, "inv-1", 10_000_000, "INR")
	second := env.submit(t, "inv-2", 10_000_000, "INR")

	_, err := env.workflows.BypassWorkflow(ctx, first.ID, "urgent", Actor{ID: "mgr"})
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "manager holds no bypass role")
	_, err = env.workflows.BypassWorkflow(ctx, first.ID, " ", Actor{ID: "cfo"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	env.clock.Advance(time.Hour)
	res, err := env.workflows.BypassWorkflow(ctx, first.ID, "quarter close", Actor{ID: "cfo"})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, res.Workflow.Status)
	require.NotNil(t, res.Workflow.Bypass)
	assert.Equal(t, "cfo", res.Workflow.Bypass.BypassedBy)
	assert.Equal(t, "quarter close", res.Workflow.Bypass.BypassReason)
	assert.Equal(t, repository.ActionBypass, res.Action.Action)
	require.NotNil(t, res.AuditEntry)
	assert.Equal(t, repository.EventWorkflowBypassed, res.AuditEntry.EventType)
	assert.True(t, res.AuditEntry.ComplianceFlag)

	_, err = env.workflows.BypassWorkflow(ctx, first.ID, "again", Actor{ID: "cfo"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeWorkflowCompleted))

	env.clock.Advance(time.Hour)
	_, err = env.workflows.BypassWorkflow(ctx, second.ID, "vendor escalation", Actor{ID: "cfo"})
	require.NoError(t, err)

	flagged, err := env.compliance.IdentifySuspiciousActivities(ctx, env.clock.Now().Add(time.Minute), 24*time.Hour)
	require.NoError(t, err)
	var bypasses []SuspiciousActivity
	for _, f := range flagged {
		if f.Kind == SuspiciousFrequentBypasses {
			bypasses = append(bypasses, f)
		}
	}
	require.Len(t, bypasses, 1)
	assert.Equal(t, "cfo", bypasses[0].ActorID)
	assert.Equal(t, 2, bypasses[0].Count)
}

func TestEscalation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	wf := env.submit(t, "inv-1", 10_000_000, "INR")
	_, err := env.workflows.EscalateOverdue(ctx, wf.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation), "not overdue yet")

	env.clock.Advance(25 * time.Hour)
	overdue, err := env.workflows.ListOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	n, err := env.workflows.EscalateAllOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, env.notifier.Calls(), "escalation:FINANCE_HEAD")

	n, err = env.workflows.EscalateAllOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a workflow escalates once")

	status, err := env.workflows.GetWorkflowStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, status.Workflow.Status)
	require.NotNil(t, status.Workflow.EscalatedAt)

	trail, err := env.ledger.ByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, repository.EventWorkflowEscalated, last.EventType)
	assert.Equal(t, SystemActor, last.ActorID)
}

func TestArchiveAllowsResubmission(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	wf := env.submit(t, "inv-1", 3_000_000, "INR")
	_, err := env.workflows.ArchiveWorkflow(ctx, wf.ID, admin)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation), "pending workflows stay open")

	_, err = env.act(ctx, wf.ID, "mgr", repository.ActionReject)
	require.NoError(t, err)
	res, err := env.workflows.ArchiveWorkflow(ctx, wf.ID, admin)
	require.NoError(t, err)
	assert.True(t, res.Workflow.Archived)

	_, err = env.workflows.GetWorkflowByTransaction(ctx, "inv-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeWorkflowNotFound))

	again := env.submit(t, "inv-1", 3_000_000, "INR")
	assert.NotEqual(t, wf.ID, again.ID)
	found, err := env.workflows.GetWorkflowByTransaction(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, again.ID, found.ID)
}

func TestPendingApprovals(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	small := env.submit(t, "inv-1", 3_000_000, "INR")
	large := env.submit(t, "inv-2", 10_000_000, "INR")

	mine, err := env.workflows.GetPendingApprovals(ctx, "mgr")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	mine, err = env.workflows.GetPendingApprovals(ctx, "fh")
	require.NoError(t, err)
	assert.Empty(t, mine)

	_, err = env.act(ctx, large.ID, "mgr", repository.ActionApprove)
	require.NoError(t, err)

	mine, err = env.workflows.GetPendingApprovals(ctx, "fh")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, large.ID, mine[0].ID)

	mine, err = env.workflows.GetPendingApprovals(ctx, "mgr")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, small.ID, mine[0].ID)
}

func TestConcurrentApproversOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.grant(t, "mgr-a", "MANAGER", 1, nil, "USD")
	env.grant(t, "mgr-b", "MANAGER", 1, nil, "USD")
	env.rule(t, RuleInput{Name: "all", Currency: "USD", RequiredApprovals: 1, ApproverRoles: []string{"MANAGER"}})
	wf := env.submit(t, "inv-1", 1_000, "USD")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []string{"mgr-a", "mgr-b"} {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			_, errs[i] = env.workflows.TakeAction(ctx, ActionRequest{
				WorkflowID: wf.ID, Action: repository.ActionApprove, ActorID: actor, ExpectedLevel: 1,
			})
		}(i, actor)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.HasCode(err, errors.ErrCodeWorkflowCompleted), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)

	status, err := env.workflows.GetWorkflowStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, status.Actions, 1)
	assert.Equal(t, 2, status.Workflow.Version)
}
