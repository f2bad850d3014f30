package service

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

func TestMatchRule(t *testing.T) {
	invoice := "INVOICE"
	high := "HIGH"
	rule := &repository.ApprovalRule{
		MinAmount:    1_000,
		MaxAmount:    ptr(int64(5_000)),
		Currency:     "USD",
		DocumentType: &invoice,
		RiskCategory: &high,
		IsActive:     true,
	}
	txn := Transaction{DocumentType: &invoice, RiskCategory: &high}

	assert.True(t, MatchRule(rule, txn, 1_000), "min is inclusive")
	assert.True(t, MatchRule(rule, txn, 5_000), "max is inclusive")
	assert.False(t, MatchRule(rule, txn, 999))
	assert.False(t, MatchRule(rule, txn, 5_001))
	assert.False(t, MatchRule(rule, Transaction{RiskCategory: &high}, 2_000), "document type required")

	other := "PO"
	assert.False(t, MatchRule(rule, Transaction{DocumentType: &other, RiskCategory: &high}, 2_000))

	rule.IsActive = false
	assert.False(t, MatchRule(rule, txn, 2_000))
}

func TestSortRulesIsTotalAndDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("order does not depend on input order", prop.ForAll(
		func(priorities []int, seed int64) bool {
			rules := make([]*repository.ApprovalRule, len(priorities))
			for i, p := range priorities {
				rules[i] = &repository.ApprovalRule{
					ID:        string(rune('a' + i%26)) + string(rune('a'+i/26)),
					Priority:  p,
					CreatedAt: testStart.Add(time.Duration(i%3) * time.Hour),
				}
			}
			shuffled := append([]*repository.ApprovalRule(nil), rules...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			SortRules(rules)
			SortRules(shuffled)
			for i := range rules {
				if rules[i].ID != shuffled[i].ID {
					return false
				}
				if i > 0 && rules[i-1].Priority < rules[i].Priority {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestSortRulesTieBreak(t *testing.T) {
	older := &repository.ApprovalRule{ID: "b", Priority: 10, CreatedAt: testStart}
	newer := &repository.ApprovalRule{ID: "a", Priority: 10, CreatedAt: testStart.Add(time.Hour)}
	twinLow := &repository.ApprovalRule{ID: "c", Priority: 10, CreatedAt: testStart}
	top := &repository.ApprovalRule{ID: "z", Priority: 50, CreatedAt: testStart}

	rules := []*repository.ApprovalRule{older, twinLow, newer, top}
	SortRules(rules)
	var ids []string
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"z", "a", "c", "b"}, ids)
}

func TestBuildRequirement(t *testing.T) {
	seq := BuildRequirement(&repository.ApprovalRule{
		RequiredApprovals: 2,
		ApproverRoles:     []string{"MANAGER", "FINANCE_HEAD", "CFO"},
		TimeoutHours:      24,
		EscalationRole:    "CFO",
	})
	assert.Equal(t, [][]string{{"MANAGER"}, {"FINANCE_HEAD", "CFO"}}, seq.Levels)
	assert.False(t, seq.Parallel)
	assert.Equal(t, "CFO", seq.EscalationRole)

	par := BuildRequirement(&repository.ApprovalRule{
		RequiredApprovals: 2,
		ParallelApproval:  true,
		ApproverRoles:     []string{"MANAGER", "FINANCE_HEAD"},
	})
	assert.Equal(t, [][]string{{"MANAGER", "FINANCE_HEAD"}}, par.Levels)
	assert.True(t, par.Parallel)
}

func TestContiguous(t *testing.T) {
	assert.True(t, Contiguous(nil))
	assert.True(t, Contiguous([]int{2, 1, 2, 3}))
	assert.False(t, Contiguous([]int{1, 3}))
}

func TestCreateRuleValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.grant(t, "mgr", "MANAGER", 1, nil, "USD")
	env.grant(t, "cfo", "CFO", 3, nil, "USD")

	valid := RuleInput{
		Owner:             testOwner,
		Name:              "standard",
		Currency:          "USD",
		RequiredApprovals: 1,
		ApproverRoles:     []string{"manager"},
		TimeoutHours:      24,
	}
	rule, err := env.engine.CreateRule(ctx, valid, admin)
	require.NoError(t, err)
	assert.Equal(t, []string{"MANAGER"}, rule.ApproverRoles, "role names are normalised")

	tests := []struct {
		name   string
		mutate func(*RuleInput)
	}{
		{"unknown role", func(in *RuleInput) { in.ApproverRoles = []string{"NOBODY"} }},
		{"gap in hierarchy", func(in *RuleInput) { in.ApproverRoles = []string{"MANAGER", "CFO"}; in.RequiredApprovals = 2 }},
		{"too many approvals", func(in *RuleInput) { in.RequiredApprovals = 2 }},
		{"chain longer than ten", func(in *RuleInput) {
			in.ApproverRoles = []string{"L1", "L2", "L3", "L4", "L5", "L6", "L7", "L8", "L9", "L10", "L11"}
			in.RequiredApprovals = 11
		}},
		{"min above max", func(in *RuleInput) { in.MinAmount = 10; in.MaxAmount = ptr(int64(5)) }},
		{"bad currency", func(in *RuleInput) { in.Currency = "DOLLARS" }},
		{"priority range", func(in *RuleInput) { in.Priority = 101 }},
		{"timeout range", func(in *RuleInput) { in.TimeoutHours = 721 }},
		{"unknown escalation role", func(in *RuleInput) { in.EscalationRole = "BOARD" }},
		{"duplicate roles", func(in *RuleInput) { in.ApproverRoles = []string{"MANAGER", "MANAGER"}; in.RequiredApprovals = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			in.ApproverRoles = append([]string(nil), valid.ApproverRoles...)
			tt.mutate(&in)
			_, err := env.engine.CreateRule(ctx, in, admin)
			assert.True(t, errors.HasCode(err, errors.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestUpdateAndDeactivateRule(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	rules, err := env.engine.ListRules(ctx, testOwner, true)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "large invoices", rules[0].Name)

	small := rules[1]
	env.clock.Advance(time.Hour)
	updated, err := env.engine.UpdateRule(ctx, small.ID, RuleInput{
		Owner:             "someone-else",
		Name:              "small invoices v2",
		MaxAmount:         ptr(int64(4_000_000)),
		Currency:          "INR",
		RequiredApprovals: 1,
		ApproverRoles:     []string{"MANAGER"},
		Priority:          10,
		TimeoutHours:      12,
	}, admin)
	require.NoError(t, err)
	assert.Equal(t, testOwner, updated.Owner, "owner is not editable")
	assert.Equal(t, small.CreatedAt, updated.CreatedAt)
	assert.Equal(t, env.clock.Now(), updated.UpdatedAt)

	deactivated, err := env.engine.DeactivateRule(ctx, small.ID, "superseded", admin)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)

	_, err = env.engine.UpdateRule(ctx, small.ID, RuleInput{Owner: testOwner}, admin)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	trail, err := env.ledger.Search(ctx, repository.AuditFilter{EntityType: repository.EntityRule, EntityID: small.ID}, Page{})
	require.NoError(t, err)
	assert.Equal(t,
		[]repository.EventType{repository.EventRuleCreated, repository.EventRuleUpdated, repository.EventRuleDeactivated},
		eventTypes(trail.Entries))
}

func TestEvaluatePicksHighestPriority(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)
	env.rule(t, RuleInput{
		Name:              "catch-all",
		Currency:          "INR",
		RequiredApprovals: 1,
		ApproverRoles:     []string{"FINANCE_HEAD"},
		Priority:          1,
	})

	matched, err := env.engine.Evaluate(ctx, Transaction{ID: "t", Owner: testOwner, Amount: 3_000_000, Currency: "INR"})
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, "small invoices", matched[0].Name)
	assert.Equal(t, "catch-all", matched[1].Name)
}

func TestEvaluateConvertsCurrency(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	// 1,000.00 USD is 83,000.00 INR: the large rule.
	req, rule, err := env.engine.DeriveRequirement(ctx, Transaction{ID: "t", Owner: testOwner, Amount: 100_000, Currency: "USD"})
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "large invoices", rule.Name)
	assert.Len(t, req.Levels, 2)

	_, err = env.engine.Evaluate(ctx, Transaction{ID: "t", Owner: testOwner, Amount: 100, Currency: "GBP"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConversionUnavailable), "a conversion failure is not a silent miss")
}

func TestSubmitWithoutMatchingRule(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t)
	res, err := env.engine.SubmitForApproval(ctx, Transaction{ID: "t-1", Owner: testOwner, Amount: 100, Currency: "USD"}, Actor{ID: "clerk"})
	require.NoError(t, err)
	assert.False(t, res.RequiresApproval)
	assert.Nil(t, res.Workflow)

	policy := testPolicy
	policy.DefaultPolicy = PolicyRequire
	strict := newTestEnvWith(t, repository.NewMemoryStore(), nil, policy)
	res, err = strict.engine.SubmitForApproval(ctx, Transaction{ID: "t-1", Owner: testOwner, Amount: 100, Currency: "USD"}, Actor{ID: "clerk"})
	require.NoError(t, err)
	require.True(t, res.RequiresApproval)
	assert.Nil(t, res.MatchedRule)
	assert.Equal(t, [][]string{{"FINANCE_MANAGER"}}, res.Workflow.Requirement.Levels)
	assert.Equal(t, testStart.Add(48*time.Hour), *res.Workflow.DueAt)
}

func TestSubmitRejectsDuplicateWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	env.submit(t, "inv-1", 3_000_000, "INR")
	_, err := env.engine.SubmitForApproval(ctx, Transaction{ID: "inv-1", Owner: testOwner, Amount: 3_000_000, Currency: "INR"}, Actor{ID: "clerk"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeDuplicateWorkflow))
}

func TestSubmitValidatesTransaction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for _, txn := range []Transaction{
		{Owner: testOwner, Amount: 1, Currency: "USD"},
		{ID: "t", Amount: 1, Currency: "USD"},
		{ID: "t", Owner: testOwner, Amount: -1, Currency: "USD"},
		{ID: "t", Owner: testOwner, Amount: 1, Currency: "usd1"},
	} {
		_, err := env.engine.SubmitForApproval(ctx, txn, Actor{ID: "clerk"})
		assert.True(t, errors.HasCode(err, errors.ErrCodeValidation), "%+v", txn)
	}
}

func TestCreateWorkflowNotifiesFirstLevel(t *testing.T) {
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	wf := env.submit(t, "inv-1", 10_000_000, "INR")
	assert.Equal(t, 2, wf.RequiredLevel)
	assert.Equal(t, 1, wf.CurrentLevel)
	assert.Equal(t, 1, wf.Version)
	assert.Equal(t, []string{"request:[MANAGER]"}, env.notifier.Calls())
}

func TestRuleAdministrationRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)
	rules, err := env.engine.ListRules(ctx, testOwner, true)
	require.NoError(t, err)
	require.NotEmpty(t, rules)
	target := rules[0]

	shortcut := RuleInput{
		Owner:             testOwner,
		Name:              "clerk shortcut",
		Currency:          "INR",
		RequiredApprovals: 1,
		ApproverRoles:     []string{"MANAGER"},
		TimeoutHours:      24,
	}
	for _, actor := range []Actor{{ID: "clerk"}, {ID: "mgr"}} {
		_, err = env.engine.CreateRule(ctx, shortcut, actor)
		assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "%s: got %v", actor.ID, err)
		_, err = env.engine.UpdateRule(ctx, target.ID, shortcut, actor)
		assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "%s: got %v", actor.ID, err)
		_, err = env.engine.DeactivateRule(ctx, target.ID, "", actor)
		assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied), "%s: got %v", actor.ID, err)
	}

	current, err := env.engine.GetRule(ctx, target.ID)
	require.NoError(t, err)
	assert.True(t, current.IsActive)
	assert.Equal(t, target.Name, current.Name)
	all, err := env.engine.ListRules(ctx, testOwner, false)
	require.NoError(t, err)
	assert.Len(t, all, len(rules))
}
