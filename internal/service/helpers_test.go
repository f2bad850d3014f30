package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/failsafe"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

const testOwner = "acme"

var (
	admin = Actor{ID: "admin", Request: repository.RequestMeta{IPAddress: "10.0.0.1", RequestID: "req-1"}}
	// Monday 2 March 2026, inside business hours.
	testStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
)

func ptr[T any](v T) *T { return &v }

// fakeClock is a settable clock shared by every service in a testEnv.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recordingNotifier records each notification as "kind:detail".
type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (n *recordingNotifier) record(call string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, call)
	return n.err
}

func (n *recordingNotifier) SendApprovalRequest(_ context.Context, _ *repository.ApprovalWorkflow, roles []string) error {
	return n.record(fmt.Sprintf("request:%v", roles))
}

func (n *recordingNotifier) SendDecisionNotification(_ context.Context, _ *repository.ApprovalWorkflow, decision string) error {
	return n.record("decision:" + decision)
}

func (n *recordingNotifier) SendEscalationNotification(_ context.Context, _ *repository.ApprovalWorkflow, role string) error {
	return n.record("escalation:" + role)
}

func (n *recordingNotifier) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// flakyStore fails audit appends while failures is non-zero. A positive
// count fails that many appends; a negative count fails all of them.
type flakyStore struct {
	repository.Store
	failures *atomic.Int32
}

func newFlakyStore(inner repository.Store) flakyStore {
	return flakyStore{Store: inner, failures: &atomic.Int32{}}
}

func (s flakyStore) Audit() repository.AuditRepository {
	return flakyAudit{AuditRepository: s.Store.Audit(), failures: s.failures}
}

func (s flakyStore) InTransaction(ctx context.Context, fn func(tx repository.Store) error) error {
	return s.Store.InTransaction(ctx, func(tx repository.Store) error {
		return fn(flakyStore{Store: tx, failures: s.failures})
	})
}

type flakyAudit struct {
	repository.AuditRepository
	failures *atomic.Int32
}

func (a flakyAudit) Append(ctx context.Context, e *repository.ApprovalAuditLog) error {
	switch n := a.failures.Load(); {
	case n < 0:
		return fmt.Errorf("audit storage unavailable")
	case n > 0:
		a.failures.Add(-1)
		return fmt.Errorf("audit storage unavailable")
	}
	return a.AuditRepository.Append(ctx, e)
}

type testEnv struct {
	store       repository.Store
	clock       *fakeClock
	notifier    *recordingNotifier
	queue       failsafe.Queue
	ledger      *AuditLedger
	roles       *RoleRegistry
	engine      *RuleEngine
	delegations *DelegationManager
	workflows   *WorkflowService
	compliance  *ComplianceService
}

var testPolicy = Policy{
	DefaultPolicy:        PolicyAllow,
	FallbackRole:         "FINANCE_MANAGER",
	FallbackTimeoutHours: 48,
	BypassRoles:          []string{"CFO"},
}

var testRates = client.StaticRates{"USD": 1, "INR": 83, "EUR": 0.9, "JPY": 150}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	spool, err := failsafe.NewFileSpool(t.TempDir())
	require.NoError(t, err)
	return newTestEnvWith(t, repository.NewMemoryStore(), spool, testPolicy)
}

func newTestEnvWith(t *testing.T, store repository.Store, queue failsafe.Queue, policy Policy) *testEnv {
	t.Helper()
	clock := &fakeClock{now: testStart}
	notifier := &recordingNotifier{}
	converter := client.NewRateConverter(testRates)
	dispatcher := NewNotifierDispatcher(notifier, nil, false)
	opts := []Option{WithClock(clock.Now)}

	ledger := NewAuditLedger(store, queue, LedgerConfig{RetryAttempts: 3}, nil, opts...)
	delegations := NewDelegationManager(store, ledger, converter, nil, opts...)
	seedAdmin(t, store, testOwner, admin.ID)
	return &testEnv{
		store:       store,
		clock:       clock,
		notifier:    notifier,
		queue:       queue,
		ledger:      ledger,
		roles:       NewRoleRegistry(store, ledger, policy, nil, opts...),
		engine:      NewRuleEngine(store, ledger, converter, dispatcher, policy, nil, opts...),
		delegations: delegations,
		workflows:   NewWorkflowService(store, ledger, delegations, converter, dispatcher, policy, nil, opts...),
		compliance:  NewComplianceService(store, ledger, SuspiciousConfig{}, nil, opts...),
	}
}

// seedAdmin grants actorID the default admin role for owner straight through
// the store, so the ledger starts empty.
func seedAdmin(t *testing.T, store repository.Store, owner, actorID string) *repository.ApprovalRole {
	t.Helper()
	role := &repository.ApprovalRole{
		ID:             "admin-" + owner + "-" + actorID,
		Owner:          owner,
		ActorID:        actorID,
		RoleName:       DefaultAdminRole,
		HierarchyLevel: 1,
		Currency:       "USD",
		IsActive:       true,
		CreatedAt:      testStart,
		UpdatedAt:      testStart,
	}
	require.NoError(t, store.Roles().Create(context.Background(), role))
	return role
}

func approverCaps() repository.Capabilities {
	return repository.Capabilities{CanApprove: true, CanReject: true, CanDelegate: true, CanModify: true}
}

func (e *testEnv) grant(t *testing.T, actorID, roleName string, level int, max *int64, currency string) *repository.ApprovalRole {
	t.Helper()
	role, err := e.roles.CreateRole(context.Background(), RoleInput{
		Owner:             testOwner,
		ActorID:           actorID,
		RoleName:          roleName,
		HierarchyLevel:    level,
		Capabilities:      approverCaps(),
		MaxApprovalAmount: max,
		Currency:          currency,
	}, admin)
	require.NoError(t, err)
	return role
}

func (e *testEnv) rule(t *testing.T, in RuleInput) *repository.ApprovalRule {
	t.Helper()
	if in.Owner == "" {
		in.Owner = testOwner
	}
	if in.TimeoutHours == 0 {
		in.TimeoutHours = 24
	}
	rule, err := e.engine.CreateRule(context.Background(), in, admin)
	require.NoError(t, err)
	return rule
}

// twoLevelSetup creates the standard INR rules: up to 50,000 INR needs a
// MANAGER; above that a MANAGER then a FINANCE_HEAD.
func (e *testEnv) twoLevelSetup(t *testing.T) {
	t.Helper()
	e.grant(t, "mgr", "MANAGER", 1, nil, "INR")
	e.grant(t, "fh", "FINANCE_HEAD", 2, nil, "INR")
	e.rule(t, RuleInput{
		Name:              "small invoices",
		MinAmount:         0,
		MaxAmount:         ptr(int64(5_000_000)),
		Currency:          "INR",
		RequiredApprovals: 1,
		ApproverRoles:     []string{"MANAGER"},
		Priority:          10,
	})
	e.rule(t, RuleInput{
		Name:              "large invoices",
		MinAmount:         5_000_100,
		Currency:          "INR",
		RequiredApprovals: 2,
		ApproverRoles:     []string{"MANAGER", "FINANCE_HEAD"},
		Priority:          20,
		EscalationRole:    "FINANCE_HEAD",
	})
}

func (e *testEnv) submit(t *testing.T, txnID string, amount int64, currency string) *repository.ApprovalWorkflow {
	t.Helper()
	res, err := e.engine.SubmitForApproval(context.Background(), Transaction{
		ID:       txnID,
		Owner:    testOwner,
		Amount:   amount,
		Currency: currency,
	}, Actor{ID: "clerk"})
	require.NoError(t, err)
	require.True(t, res.RequiresApproval)
	return res.Workflow
}

func (e *testEnv) act(ctx context.Context, wfID, actorID string, action repository.ActionType) (*ActionResult, error) {
	return e.workflows.TakeAction(ctx, ActionRequest{WorkflowID: wfID, Action: action, ActorID: actorID})
}

func eventTypes(entries []*repository.ApprovalAuditLog) []repository.EventType {
	out := make([]repository.EventType, len(entries))
	for i, e := range entries {
		out[i] = e.EventType
	}
	return out
}
