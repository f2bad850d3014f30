package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pesio-ai/be-approvals/internal/failsafe"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

const (
	failsafeKindAudit = "audit_event"
	defaultPageSize   = 50
	maxPageSize       = 500
	scanBatchSize     = 1000
)

// AuditEvent is the input to the ledger. It is also the payload of a
// failsafe record, so it must survive a JSON round trip.
type AuditEvent struct {
	EventType    repository.EventType   `json:"event_type"`
	EntityType   repository.EntityType  `json:"entity_type"`
	EntityID     string                 `json:"entity_id"`
	ActorID      string                 `json:"actor_id"`
	ActorRole    string                 `json:"actor_role,omitempty"`
	OldValues    json.RawMessage        `json:"old_values,omitempty"`
	NewValues    json.RawMessage        `json:"new_values,omitempty"`
	ChangeReason string                 `json:"change_reason,omitempty"`
	Request      repository.RequestMeta `json:"request"`
	// OccurredAt defaults to the ledger clock. Replayed events keep the
	// time they originally happened.
	OccurredAt time.Time `json:"occurred_at"`
}

// Critical reports whether losing the event is unacceptable. Critical
// events are retried and then queued instead of being dropped.
func (e AuditEvent) Critical() bool {
	return e.EventType == repository.EventWorkflowBypassed
}

// snapshot marshals v for an audit entry. Nil stays nil.
func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"snapshot_error":%q}`, err.Error()))
	}
	return b
}

// LedgerConfig tunes the critical-event path.
type LedgerConfig struct {
	RetryAttempts int
	RetryBackoff  time.Duration
}

// AuditLedger is the append-only, hash-chained audit log.
type AuditLedger struct {
	base
	store    repository.Store
	queue    failsafe.Queue
	cfg      LedgerConfig
	writes   metric.Int64Counter
	failures metric.Int64Counter
}

// NewAuditLedger creates an AuditLedger. queue may be nil, in which case a
// critical event that cannot be written fails its transaction.
func NewAuditLedger(store repository.Store, queue failsafe.Queue, cfg LedgerConfig, log *logger.Logger, opts ...Option) *AuditLedger {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	l := &AuditLedger{
		base:  newBase(log, "audit_ledger", opts),
		store: store,
		queue: queue,
		cfg:   cfg,
	}
	l.writes = l.counter("approvals.audit.writes", "Audit entries appended")
	l.failures = l.counter("approvals.audit.failures", "Audit appends that failed")
	return l
}

// ── Recording ────────────────────────────────────────────────────────────────

// Record appends ev in its own transaction.
func (l *AuditLedger) Record(ctx context.Context, ev AuditEvent) (*repository.ApprovalAuditLog, error) {
	var entry *repository.ApprovalAuditLog
	err := l.store.InTransaction(ctx, func(tx repository.Store) error {
		var err error
		entry, err = l.write(ctx, tx, ev)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// appendIn writes ev inside the caller's transaction. A failed non-critical
// write is rolled back to a savepoint and reported as a warning. A critical
// write is retried, then queued; only when queueing also fails is an error
// returned, which aborts the caller's transaction.
func (l *AuditLedger) appendIn(ctx context.Context, tx repository.Store, ev AuditEvent) (*repository.ApprovalAuditLog, string, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = l.clock()
	}

	attempts := 1
	if ev.Critical() {
		attempts = l.cfg.RetryAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var entry *repository.ApprovalAuditLog
		lastErr = tx.InTransaction(ctx, func(sp repository.Store) error {
			var err error
			entry, err = l.write(ctx, sp, ev)
			return err
		})
		if lastErr == nil {
			return entry, "", nil
		}

		l.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(ev.EventType))))
		l.log.Warn().
			Err(lastErr).
			Str("event_type", string(ev.EventType)).
			Str("entity_id", ev.EntityID).
			Int("attempt", attempt).
			Msg("Failed to write audit entry")

		if attempt < attempts {
			if err := sleepCtx(ctx, l.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return nil, "", err
			}
		}
	}

	if !ev.Critical() {
		return nil, fmt.Sprintf("audit entry %s for %s was not recorded", ev.EventType, ev.EntityID), nil
	}

	if err := l.enqueue(ctx, ev, lastErr); err != nil {
		l.log.Error().
			Err(err).
			Str("event_type", string(ev.EventType)).
			Str("entity_id", ev.EntityID).
			Msg("Critical audit event could not be queued")
		return nil, "", errors.Wrap(err, errors.ErrCodeInternal, "critical audit event could not be recorded or queued")
	}
	return nil, fmt.Sprintf("audit entry %s for %s was queued for replay", ev.EventType, ev.EntityID), nil
}

func (l *AuditLedger) write(ctx context.Context, tx repository.Store, ev AuditEvent) (*repository.ApprovalAuditLog, error) {
	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = l.clock()
	}

	prev, err := tx.Audit().LastForEntity(ctx, ev.EntityType, ev.EntityID)
	if err != nil {
		return nil, err
	}
	prevHash := GenesisHash
	if prev != nil {
		prevHash = prev.IntegrityHash
	}

	entry := &repository.ApprovalAuditLog{
		ID:             uuid.NewString(),
		EventType:      ev.EventType,
		EntityType:     ev.EntityType,
		EntityID:       ev.EntityID,
		ActorID:        ev.ActorID,
		ActorRole:      ev.ActorRole,
		OldValues:      ev.OldValues,
		NewValues:      ev.NewValues,
		ChangeReason:   ev.ChangeReason,
		Request:        ev.Request,
		Timestamp:      ts.UTC().Truncate(time.Microsecond),
		PreviousHash:   prevHash,
		ComplianceFlag: ev.Critical(),
	}
	entry.IntegrityHash, err = ComputeIntegrityHash(entry)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to hash audit entry")
	}

	if err := tx.Audit().Append(ctx, entry); err != nil {
		return nil, err
	}
	l.writes.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(ev.EventType))))
	return entry, nil
}

func (l *AuditLedger) enqueue(ctx context.Context, ev AuditEvent, cause error) error {
	if l.queue == nil {
		return fmt.Errorf("no failsafe queue configured: %w", cause)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	rec := failsafe.Record{
		ID:       uuid.NewString(),
		Kind:     failsafeKindAudit,
		Payload:  payload,
		QueuedAt: l.clock(),
	}
	if cause != nil {
		rec.Cause = cause.Error()
	}
	if err := l.queue.Enqueue(ctx, rec); err != nil {
		return err
	}
	l.log.Warn().
		Str("record_id", rec.ID).
		Str("event_type", string(ev.EventType)).
		Str("entity_id", ev.EntityID).
		Msg("Critical audit event queued for replay")
	return nil
}

// Update always fails: ledger entries are immutable.
func (l *AuditLedger) Update(_ context.Context, id string) error {
	return errors.ImmutableRecord(id)
}

// Delete always fails: ledger entries are immutable.
func (l *AuditLedger) Delete(_ context.Context, id string) error {
	return errors.ImmutableRecord(id)
}

// ── Integrity ────────────────────────────────────────────────────────────────

// ValidateIntegrity recomputes the entry's hash and compares it to the
// stored one.
func (l *AuditLedger) ValidateIntegrity(e *repository.ApprovalAuditLog) error {
	return validateEntry(e)
}

func validateEntry(e *repository.ApprovalAuditLog) error {
	want, err := ComputeIntegrityHash(e)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to hash audit entry")
	}
	if want != e.IntegrityHash {
		return errors.IntegrityViolation(e.ID, "stored integrity hash does not match entry content")
	}
	return nil
}

// VerifyEntry loads and validates one entry.
func (l *AuditLedger) VerifyEntry(ctx context.Context, id string) (*repository.ApprovalAuditLog, error) {
	e, err := l.store.Audit().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateEntry(e); err != nil {
		return e, err
	}
	return e, nil
}

// ChainReport summarises a verified entity chain.
type ChainReport struct {
	EntityType repository.EntityType `json:"entity_type"`
	EntityID   string                `json:"entity_id"`
	Entries    int                   `json:"entries"`
	HeadHash   string                `json:"head_hash"`
}

// VerifyChain walks an entity's chain, archived entries included, and fails
// with INTEGRITY_VIOLATION at the first bad hash or broken link.
func (l *AuditLedger) VerifyChain(ctx context.Context, entityType repository.EntityType, entityID string) (*ChainReport, error) {
	entries, err := l.queryAll(ctx, repository.AuditFilter{
		EntityType:      entityType,
		EntityID:        entityID,
		IncludeArchived: true,
	})
	if err != nil {
		return nil, err
	}

	report := &ChainReport{EntityType: entityType, EntityID: entityID, HeadHash: GenesisHash}
	for _, e := range entries {
		if e.PreviousHash != report.HeadHash {
			return report, errors.IntegrityViolation(e.ID, "previous hash does not match the preceding entry")
		}
		if err := validateEntry(e); err != nil {
			return report, err
		}
		report.Entries++
		report.HeadHash = e.IntegrityHash
	}
	return report, nil
}

// Violation is one integrity failure found by VerifyAll.
type Violation struct {
	EntryID    string                `json:"entry_id"`
	Sequence   int64                 `json:"sequence"`
	EntityType repository.EntityType `json:"entity_type"`
	EntityID   string                `json:"entity_id"`
	Reason     string                `json:"reason"`
}

// LedgerReport is the result of a full ledger scan.
type LedgerReport struct {
	Checked    int         `json:"checked"`
	Chains     int         `json:"chains"`
	Violations []Violation `json:"violations"`
}

// VerifyAll checks every entry and every chain link in sequence order.
func (l *AuditLedger) VerifyAll(ctx context.Context) (*LedgerReport, error) {
	report := &LedgerReport{Violations: []Violation{}}
	heads := make(map[string]string)

	for offset := 0; ; offset += scanBatchSize {
		batch, _, err := l.store.Audit().Query(ctx, repository.AuditFilter{
			IncludeArchived: true,
			Limit:           scanBatchSize,
			Offset:          offset,
		})
		if err != nil {
			return nil, err
		}
		for _, e := range batch {
			key := string(e.EntityType) + ":" + e.EntityID
			head, seen := heads[key]
			if !seen {
				head = GenesisHash
				report.Chains++
			}
			if e.PreviousHash != head {
				report.Violations = append(report.Violations, violation(e, "previous hash does not match the preceding entry"))
			}
			if err := validateEntry(e); err != nil {
				report.Violations = append(report.Violations, violation(e, "stored integrity hash does not match entry content"))
			}
			heads[key] = e.IntegrityHash
			report.Checked++
		}
		if len(batch) < scanBatchSize {
			break
		}
	}

	l.log.Info().
		Int("checked", report.Checked).
		Int("chains", report.Chains).
		Int("violations", len(report.Violations)).
		Msg("Ledger verified")
	return report, nil
}

func violation(e *repository.ApprovalAuditLog, reason string) Violation {
	return Violation{
		EntryID:    e.ID,
		Sequence:   e.Sequence,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Reason:     reason,
	}
}

// ── Queries ──────────────────────────────────────────────────────────────────

// Page selects a window of results.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (p Page) normalise() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// AuditPage is one page of ledger entries.
type AuditPage struct {
	Entries []*repository.ApprovalAuditLog `json:"entries"`
	Total   int                            `json:"total"`
	Limit   int                            `json:"limit"`
	Offset  int                            `json:"offset"`
}

// ByWorkflow returns a workflow's full trail, oldest first.
func (l *AuditLedger) ByWorkflow(ctx context.Context, workflowID string) ([]*repository.ApprovalAuditLog, error) {
	return l.ByEntity(ctx, repository.EntityWorkflow, workflowID)
}

// ByEntity returns the full trail of any audited entity, oldest first.
func (l *AuditLedger) ByEntity(ctx context.Context, entityType repository.EntityType, entityID string) ([]*repository.ApprovalAuditLog, error) {
	return l.queryAll(ctx, repository.AuditFilter{
		EntityType:      entityType,
		EntityID:        entityID,
		IncludeArchived: true,
	})
}

// ByActor returns entries written by actorID, newest first.
func (l *AuditLedger) ByActor(ctx context.Context, actorID string, page Page) (*AuditPage, error) {
	return l.Search(ctx, repository.AuditFilter{ActorID: actorID, Descending: true}, page)
}

// ByEventType returns entries of one event type, newest first.
func (l *AuditLedger) ByEventType(ctx context.Context, eventType repository.EventType, page Page) (*AuditPage, error) {
	return l.Search(ctx, repository.AuditFilter{EventTypes: []repository.EventType{eventType}, Descending: true}, page)
}

// ByTimeRange returns entries in [start, end), oldest first.
func (l *AuditLedger) ByTimeRange(ctx context.Context, start, end time.Time, page Page) (*AuditPage, error) {
	if !start.Before(end) {
		return nil, errors.InvalidInput("end", "end must be after start")
	}
	return l.Search(ctx, repository.AuditFilter{Start: &start, End: &end}, page)
}

// Search runs a filtered, paginated query. Limit and Offset on f are
// replaced by page.
func (l *AuditLedger) Search(ctx context.Context, f repository.AuditFilter, page Page) (*AuditPage, error) {
	page = page.normalise()
	f.Limit, f.Offset = page.Limit, page.Offset
	entries, total, err := l.store.Audit().Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*repository.ApprovalAuditLog{}
	}
	return &AuditPage{Entries: entries, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// AuditExport is a self-verifying extract of the ledger.
type AuditExport struct {
	GeneratedAt time.Time                      `json:"generated_at"`
	Filter      repository.AuditFilter         `json:"filter"`
	Count       int                            `json:"count"`
	Entries     []*repository.ApprovalAuditLog `json:"entries"`
	// Checksum is the SHA-256 of the canonical JSON of Entries.
	Checksum string `json:"checksum"`
}

// Export returns every entry matching f, ignoring its pagination, with a
// checksum over the exported set.
func (l *AuditLedger) Export(ctx context.Context, f repository.AuditFilter) (*AuditExport, error) {
	ctx, span := l.tracer.Start(ctx, "AuditLedger.Export")
	defer span.End()

	entries, err := l.queryAll(ctx, f)
	if err != nil {
		return nil, err
	}
	sum, err := CanonicalChecksum(entries)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to checksum export")
	}
	f.Limit, f.Offset = 0, 0
	return &AuditExport{
		GeneratedAt: l.clock(),
		Filter:      f,
		Count:       len(entries),
		Entries:     entries,
		Checksum:    sum,
	}, nil
}

// VerifyExport recomputes an export's checksum.
func VerifyExport(x *AuditExport) error {
	sum, err := CanonicalChecksum(x.Entries)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to checksum export")
	}
	if sum != x.Checksum || len(x.Entries) != x.Count {
		return errors.New(errors.ErrCodeIntegrityViolation, "export checksum does not match its entries")
	}
	return nil
}

func (l *AuditLedger) queryAll(ctx context.Context, f repository.AuditFilter) ([]*repository.ApprovalAuditLog, error) {
	out := []*repository.ApprovalAuditLog{}
	f.Limit = scanBatchSize
	for f.Offset = 0; ; f.Offset += scanBatchSize {
		batch, _, err := l.store.Audit().Query(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < scanBatchSize {
			return out, nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
