package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/failsafe"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

func sampleEntry() *repository.ApprovalAuditLog {
	e := &repository.ApprovalAuditLog{
		ID:           "a-1",
		EventType:    repository.EventActionTaken,
		EntityType:   repository.EntityWorkflow,
		EntityID:     "wf-1",
		ActorID:      "mgr",
		ActorRole:    "MANAGER",
		OldValues:    json.RawMessage(`{"status":"PENDING","level":1}`),
		NewValues:    json.RawMessage(`{"status":"PENDING","level":2}`),
		ChangeReason: "looks fine",
		Request: repository.RequestMeta{
			IPAddress: "10.0.0.1",
			UserAgent: "invoices/1.0",
			SessionID: "sess-1",
			RequestID: "req-1",
		},
		Timestamp:    testStart,
		PreviousHash: GenesisHash,
	}
	e.IntegrityHash, _ = ComputeIntegrityHash(e)
	return e
}

func TestIntegrityHashIgnoresKeyOrder(t *testing.T) {
	a := sampleEntry()
	b := a.Clone()
	b.NewValues = json.RawMessage(`{ "level": 2, "status": "PENDING" }`)

	ha, err := ComputeIntegrityHash(a)
	require.NoError(t, err)
	hb, err := ComputeIntegrityHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	archivedAt, ref := testStart, "archive/acme.json"
	b.Sequence = 42
	b.ArchivedAt = &archivedAt
	b.ArchiveRef = &ref
	hb, err = ComputeIntegrityHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "sequence and archive columns are not hashed")
}

func TestIntegrityHashDetectsTampering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	tamper := []func(e *repository.ApprovalAuditLog, s string){
		func(e *repository.ApprovalAuditLog, s string) { e.ID += s },
		func(e *repository.ApprovalAuditLog, _ string) { e.EntityType = repository.EntityRule },
		func(e *repository.ApprovalAuditLog, s string) { e.ActorID += s },
		func(e *repository.ApprovalAuditLog, s string) { e.ActorRole += s },
		func(e *repository.ApprovalAuditLog, s string) { e.EntityID += s },
		func(e *repository.ApprovalAuditLog, s string) { e.ChangeReason += s },
		func(e *repository.ApprovalAuditLog, s string) { e.PreviousHash = strings.Repeat("f", 64) + s },
		func(e *repository.ApprovalAuditLog, s string) {
			b, _ := json.Marshal(map[string]string{"status": "APPROVED" + s})
			e.NewValues = b
		},
		func(e *repository.ApprovalAuditLog, s string) {
			b, _ := json.Marshal(map[string]string{"status": "REJECTED" + s})
			e.OldValues = b
		},
		func(e *repository.ApprovalAuditLog, _ string) { e.OldValues = nil },
		func(e *repository.ApprovalAuditLog, _ string) { e.Timestamp = e.Timestamp.Add(time.Microsecond) },
		func(e *repository.ApprovalAuditLog, _ string) { e.EventType = repository.EventWorkflowApproved },
		func(e *repository.ApprovalAuditLog, _ string) { e.ComplianceFlag = !e.ComplianceFlag },
		func(e *repository.ApprovalAuditLog, s string) { e.Request.IPAddress += s },
		func(e *repository.ApprovalAuditLog, s string) { e.Request.UserAgent += s },
		func(e *repository.ApprovalAuditLog, s string) { e.Request.SessionID += s },
		func(e *repository.ApprovalAuditLog, s string) { e.Request.RequestID += s },
		func(e *repository.ApprovalAuditLog, _ string) { e.Request = repository.RequestMeta{} },
	}

	properties.Property("any change to hashed content invalidates the entry", prop.ForAll(
		func(field int, suffix string, actor string) bool {
			e := sampleEntry()
			e.ActorID = actor
			e.IntegrityHash, _ = ComputeIntegrityHash(e)
			if validateEntry(e) != nil {
				return false
			}
			tamper[field](e, suffix)
			return errors.HasCode(validateEntry(e), errors.ErrCodeIntegrityViolation)
		},
		gen.IntRange(0, len(tamper)-1),
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestLedgerChainsPerEntity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var heads []string
	for i := 0; i < 3; i++ {
		env.clock.Advance(time.Second)
		e, err := env.ledger.Record(ctx, AuditEvent{
			EventType:  repository.EventActionTaken,
			EntityType: repository.EntityWorkflow,
			EntityID:   "wf-1",
			ActorID:    "mgr",
		})
		require.NoError(t, err)
		heads = append(heads, e.IntegrityHash)
	}
	other, err := env.ledger.Record(ctx, AuditEvent{
		EventType:  repository.EventWorkflowCreated,
		EntityType: repository.EntityWorkflow,
		EntityID:   "wf-2",
		ActorID:    "clerk",
	})
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, other.PreviousHash, "every entity starts its own chain")
	assert.Equal(t, env.clock.Now(), other.Timestamp)

	trail, err := env.ledger.ByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, GenesisHash, trail[0].PreviousHash)
	assert.Equal(t, heads[0], trail[1].PreviousHash)
	assert.Equal(t, heads[1], trail[2].PreviousHash)

	report, err := env.ledger.VerifyChain(ctx, repository.EntityWorkflow, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Entries)
	assert.Equal(t, heads[2], report.HeadHash)

	full, err := env.ledger.VerifyAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, full.Checked)
	assert.Equal(t, 2, full.Chains)
	assert.Empty(t, full.Violations)

	got, err := env.ledger.VerifyEntry(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, other.IntegrityHash, got.IntegrityHash)
}

func TestVerifyDetectsForgedEntries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.ledger.Record(ctx, AuditEvent{
		EventType: repository.EventWorkflowCreated, EntityType: repository.EntityWorkflow, EntityID: "wf-1", ActorID: "clerk",
	})
	require.NoError(t, err)

	// A well-formed entry that skips the chain head.
	orphan := sampleEntry()
	orphan.ID = "forged-link"
	orphan.Timestamp = testStart.Add(time.Minute)
	orphan.IntegrityHash, _ = ComputeIntegrityHash(orphan)
	require.NoError(t, env.store.Audit().Append(ctx, orphan))

	// An entry whose content no longer matches its hash.
	edited := sampleEntry()
	edited.ID = "forged-content"
	edited.PreviousHash = orphan.IntegrityHash
	edited.IntegrityHash, _ = ComputeIntegrityHash(edited)
	edited.ChangeReason = "rewritten"
	require.NoError(t, env.store.Audit().Append(ctx, edited))

	report, err := env.ledger.VerifyChain(ctx, repository.EntityWorkflow, "wf-1")
	require.True(t, errors.HasCode(err, errors.ErrCodeIntegrityViolation))
	assert.Equal(t, 1, report.Entries)
	assert.Equal(t, first.IntegrityHash, report.HeadHash)

	_, err = env.ledger.VerifyEntry(ctx, "forged-content")
	assert.True(t, errors.HasCode(err, errors.ErrCodeIntegrityViolation))

	full, err := env.ledger.VerifyAll(ctx)
	require.NoError(t, err)
	require.Len(t, full.Violations, 2)
	assert.Equal(t, "forged-link", full.Violations[0].EntryID)
	assert.Equal(t, "forged-content", full.Violations[1].EntryID)
}

func TestLedgerIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	assert.True(t, errors.HasCode(env.ledger.Update(ctx, "a-1"), errors.ErrCodeImmutableRecord))
	assert.True(t, errors.HasCode(env.ledger.Delete(ctx, "a-1"), errors.ErrCodeImmutableRecord))
}

func TestLedgerQueries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)

	wf := env.submit(t, "inv-1", 10_000_000, "INR")
	env.clock.Advance(time.Hour)
	_, err := env.act(ctx, wf.ID, "mgr", repository.ActionApprove)
	require.NoError(t, err)
	env.clock.Advance(time.Hour)
	_, err = env.act(ctx, wf.ID, "fh", repository.ActionApprove)
	require.NoError(t, err)

	byAdmin, err := env.ledger.ByActor(ctx, "admin", Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, byAdmin.Total, "two roles and two rules")
	require.Len(t, byAdmin.Entries, 2)
	assert.Equal(t, repository.EventRuleCreated, byAdmin.Entries[0].EventType, "newest first")
	assert.Equal(t, 2, byAdmin.Limit)

	approved, err := env.ledger.ByEventType(ctx, repository.EventWorkflowApproved, Page{})
	require.NoError(t, err)
	require.Equal(t, 1, approved.Total)
	assert.Equal(t, "fh", approved.Entries[0].ActorID)
	assert.Equal(t, defaultPageSize, approved.Limit)

	window, err := env.ledger.ByTimeRange(ctx, testStart.Add(30*time.Minute), testStart.Add(90*time.Minute), Page{})
	require.NoError(t, err)
	require.Equal(t, 1, window.Total)
	assert.Equal(t, repository.EventActionTaken, window.Entries[0].EventType)

	_, err = env.ledger.ByTimeRange(ctx, testStart, testStart, Page{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	page, err := env.ledger.Search(ctx, repository.AuditFilter{EntityType: repository.EntityWorkflow}, Page{Limit: 10_000, Offset: -5})
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, page.Limit)
	assert.Zero(t, page.Offset)
	assert.Len(t, page.Entries, 3)
}

func TestExportChecksum(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)
	wf := env.submit(t, "inv-1", 3_000_000, "INR")
	_, err := env.act(ctx, wf.ID, "mgr", repository.ActionApprove)
	require.NoError(t, err)

	x, err := env.ledger.Export(ctx, repository.AuditFilter{EntityType: repository.EntityWorkflow, EntityID: wf.ID, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, x.Count, "exports ignore pagination")
	require.NoError(t, VerifyExport(x))

	raw, err := json.Marshal(x)
	require.NoError(t, err)
	var decoded AuditExport
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, VerifyExport(&decoded), "checksum survives a JSON round trip")

	decoded.Entries[0].ActorID = "someone-else"
	assert.True(t, errors.HasCode(VerifyExport(&decoded), errors.ErrCodeIntegrityViolation))
}

func TestNonCriticalAuditFailureIsAWarning(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore(repository.NewMemoryStore())
	spool, err := failsafe.NewFileSpool(t.TempDir())
	require.NoError(t, err)
	env := newTestEnvWith(t, store, spool, testPolicy)
	env.twoLevelSetup(t)
	wf := env.submit(t, "inv-1", 3_000_000, "INR")

	store.failures.Store(-1)
	res, err := env.act(ctx, wf.ID, "mgr", repository.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, res.Workflow.Status)
	assert.Nil(t, res.AuditEntry)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "not recorded")

	store.failures.Store(0)
	trail, err := env.ledger.ByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1, "only the creation entry")

	n, err := spool.Drain(ctx, func(context.Context, failsafe.Record) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n, "non-critical events are not queued")
}

func TestCriticalAuditIsRetried(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore(repository.NewMemoryStore())
	env := newTestEnvWith(t, store, nil, testPolicy)
	env.twoLevelSetup(t)
	env.grant(t, "cfo", "CFO", 3, nil, "INR")
	wf := env.submit(t, "inv-1", 3_000_000, "INR")

	store.failures.Store(2)
	res, err := env.workflows.BypassWorkflow(ctx, wf.ID, "quarter close", Actor{ID: "cfo"})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	require.NotNil(t, res.AuditEntry)
	assert.Equal(t, repository.EventWorkflowBypassed, res.AuditEntry.EventType)
}

func TestCriticalAuditWithoutQueueAbortsTransaction(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore(repository.NewMemoryStore())
	env := newTestEnvWith(t, store, nil, testPolicy)
	env.twoLevelSetup(t)
	env.grant(t, "cfo", "CFO", 3, nil, "INR")
	wf := env.submit(t, "inv-1", 3_000_000, "INR")

	store.failures.Store(-1)
	_, err := env.workflows.BypassWorkflow(ctx, wf.ID, "quarter close", Actor{ID: "cfo"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInternal))

	store.failures.Store(0)
	status, err := env.workflows.GetWorkflowStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, status.Workflow.Status)
	assert.Nil(t, status.Workflow.Bypass)
	assert.Empty(t, status.Actions)
}

func TestCriticalAuditQueuedAndReplayed(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore(repository.NewMemoryStore())
	spool, err := failsafe.NewFileSpool(t.TempDir())
	require.NoError(t, err)
	env := newTestEnvWith(t, store, spool, testPolicy)
	env.twoLevelSetup(t)
	env.grant(t, "cfo", "CFO", 3, nil, "INR")
	wf := env.submit(t, "inv-1", 3_000_000, "INR")

	store.failures.Store(-1)
	env.clock.Advance(time.Hour)
	bypassedAt := env.clock.Now()
	res, err := env.workflows.BypassWorkflow(ctx, wf.ID, "quarter close", Actor{ID: "cfo"})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, res.Workflow.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "queued for replay")
	store.failures.Store(0)

	// A record whose workflow never committed a bypass is discarded.
	stray, _ := json.Marshal(AuditEvent{
		EventType: repository.EventWorkflowBypassed, EntityType: repository.EntityWorkflow,
		EntityID: "wf-never", ActorID: "cfo",
	})
	require.NoError(t, spool.Enqueue(ctx, failsafe.Record{
		ID: "stray", Kind: failsafeKindAudit, Payload: stray, QueuedAt: env.clock.Now().Add(time.Second),
	}))

	env.clock.Advance(time.Hour)
	result, err := env.ledger.ReplayFailsafe(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Recorded: 1, Discarded: 1}, result)

	trail, err := env.ledger.ByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, repository.EventWorkflowBypassed, last.EventType)
	assert.Equal(t, bypassedAt, last.Timestamp, "replayed entries keep their original time")
	assert.Equal(t, "CFO", last.ActorRole)
	assert.True(t, last.ComplianceFlag)

	_, err = env.ledger.VerifyChain(ctx, repository.EntityWorkflow, wf.ID)
	require.NoError(t, err)

	result, err = env.ledger.ReplayFailsafe(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{}, result, "queue is drained")
}

func TestReplaySkipsAlreadyRecordedBypass(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.twoLevelSetup(t)
	env.grant(t, "cfo", "CFO", 3, nil, "INR")
	wf := env.submit(t, "inv-1", 3_000_000, "INR")
	_, err := env.workflows.BypassWorkflow(ctx, wf.ID, "quarter close", Actor{ID: "cfo"})
	require.NoError(t, err)

	dup, _ := json.Marshal(AuditEvent{
		EventType: repository.EventWorkflowBypassed, EntityType: repository.EntityWorkflow,
		EntityID: wf.ID, ActorID: "cfo",
	})
	require.NoError(t, env.queue.Enqueue(ctx, failsafe.Record{ID: "dup", Kind: failsafeKindAudit, Payload: dup, QueuedAt: testStart}))

	result, err := env.ledger.ReplayFailsafe(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Discarded: 1}, result)

	bypasses, err := env.ledger.ByEventType(ctx, repository.EventWorkflowBypassed, Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, bypasses.Total)
}
