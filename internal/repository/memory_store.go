package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-approvals/internal/platform/errors"
)

// MemoryStore is a Store held in process memory. Transactions serialise on a
// single mutex and roll back by restoring a snapshot, which gives the same
// observable isolation as the row locks of the Postgres store. It backs the
// service when no database URL is configured, and the tests.
type MemoryStore struct {
	mu   *sync.Mutex
	data *memoryData
	inTx bool
}

// Stored records are never mutated in place; writers replace the pointer.
// A snapshot therefore only needs to copy the containers.
type memoryData struct {
	roles       map[string]*ApprovalRole
	rules       map[string]*ApprovalRule
	workflows   map[string]*ApprovalWorkflow
	actions     []*ApprovalAction
	delegations map[string]*ApprovalDelegation
	audit       []*ApprovalAuditLog
	auditIndex  map[string]int
	seq         int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		data: &memoryData{
			roles:       map[string]*ApprovalRole{},
			rules:       map[string]*ApprovalRule{},
			workflows:   map[string]*ApprovalWorkflow{},
			delegations: map[string]*ApprovalDelegation{},
			auditIndex:  map[string]int{},
		},
	}
}

func (d *memoryData) snapshot() memoryData {
	return memoryData{
		roles:       cloneMap(d.roles),
		rules:       cloneMap(d.rules),
		workflows:   cloneMap(d.workflows),
		actions:     slices.Clone(d.actions),
		delegations: cloneMap(d.delegations),
		audit:       slices.Clone(d.audit),
		auditIndex:  cloneMap(d.auditIndex),
		seq:         d.seq,
	}
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) Roles() RoleRepository             { return memRoles{s} }
func (s *MemoryStore) Rules() RuleRepository             { return memRules{s} }
func (s *MemoryStore) Workflows() WorkflowRepository     { return memWorkflows{s} }
func (s *MemoryStore) Actions() ActionRepository         { return memActions{s} }
func (s *MemoryStore) Delegations() DelegationRepository { return memDelegations{s} }
func (s *MemoryStore) Audit() AuditRepository            { return memAudit{s} }

// InTransaction runs fn with the store locked. Any error or panic restores
// the state seen on entry; nested calls behave as savepoints.
func (s *MemoryStore) InTransaction(_ context.Context, fn func(tx Store) error) (err error) {
	if !s.inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	snap := s.data.snapshot()
	tx := &MemoryStore{mu: s.mu, data: s.data, inTx: true}

	defer func() {
		if p := recover(); p != nil {
			*s.data = snap
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		*s.data = snap
		return err
	}
	return nil
}

// ── Roles ────────────────────────────────────────────────────────────────────

type memRoles struct{ s *MemoryStore }

func (r memRoles) Create(_ context.Context, role *ApprovalRole) error {
	defer r.s.lock()()
	for _, existing := range r.s.data.roles {
		if existing.Owner == role.Owner && existing.ActorID == role.ActorID && existing.RoleName == role.RoleName {
			return errors.Validation("approval_role", "role_name", "actor already holds this role")
		}
	}
	r.s.data.roles[role.ID] = role.Clone()
	return nil
}

func (r memRoles) Update(_ context.Context, role *ApprovalRole) error {
	defer r.s.lock()()
	if _, ok := r.s.data.roles[role.ID]; !ok {
		return errors.NotFound("approval_role", role.ID)
	}
	r.s.data.roles[role.ID] = role.Clone()
	return nil
}

func (r memRoles) GetByID(_ context.Context, id string) (*ApprovalRole, error) {
	defer r.s.lock()()
	role, ok := r.s.data.roles[id]
	if !ok {
		return nil, errors.NotFound("approval_role", id)
	}
	return role.Clone(), nil
}

func (r memRoles) ListByActor(_ context.Context, actorID string, activeOnly bool) ([]*ApprovalRole, error) {
	defer r.s.lock()()
	return r.filter(func(role *ApprovalRole) bool {
		return role.ActorID == actorID && (!activeOnly || role.IsActive)
	}), nil
}

func (r memRoles) ListByNames(_ context.Context, owner string, names []string, activeOnly bool) ([]*ApprovalRole, error) {
	defer r.s.lock()()
	return r.filter(func(role *ApprovalRole) bool {
		return role.Owner == owner && slices.Contains(names, role.RoleName) && (!activeOnly || role.IsActive)
	}), nil
}

func (r memRoles) List(_ context.Context, owner string, activeOnly bool) ([]*ApprovalRole, error) {
	defer r.s.lock()()
	return r.filter(func(role *ApprovalRole) bool {
		return role.Owner == owner && (!activeOnly || role.IsActive)
	}), nil
}

func (r memRoles) filter(keep func(*ApprovalRole) bool) []*ApprovalRole {
	var out []*ApprovalRole
	for _, role := range r.s.data.roles {
		if keep(role) {
			out = append(out, role.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HierarchyLevel != out[j].HierarchyLevel {
			return out[i].HierarchyLevel < out[j].HierarchyLevel
		}
		if out[i].RoleName != out[j].RoleName {
			return out[i].RoleName < out[j].RoleName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ── Rules ────────────────────────────────────────────────────────────────────

type memRules struct{ s *MemoryStore }

func (r memRules) Create(_ context.Context, rule *ApprovalRule) error {
	defer r.s.lock()()
	r.s.data.rules[rule.ID] = rule.Clone()
	return nil
}

func (r memRules) Update(_ context.Context, rule *ApprovalRule) error {
	defer r.s.lock()()
	if _, ok := r.s.data.rules[rule.ID]; !ok {
		return errors.NotFound("approval_rule", rule.ID)
	}
	r.s.data.rules[rule.ID] = rule.Clone()
	return nil
}

func (r memRules) GetByID(_ context.Context, id string) (*ApprovalRule, error) {
	defer r.s.lock()()
	rule, ok := r.s.data.rules[id]
	if !ok {
		return nil, errors.NotFound("approval_rule", id)
	}
	return rule.Clone(), nil
}

func (r memRules) List(_ context.Context, owner string, activeOnly bool) ([]*ApprovalRule, error) {
	defer r.s.lock()()
	var out []*ApprovalRule
	for _, rule := range r.s.data.rules {
		if rule.Owner == owner && (!activeOnly || rule.IsActive) {
			out = append(out, rule.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ── Workflows ────────────────────────────────────────────────────────────────

type memWorkflows struct{ s *MemoryStore }

func (r memWorkflows) Create(_ context.Context, wf *ApprovalWorkflow) error {
	defer r.s.lock()()
	for _, existing := range r.s.data.workflows {
		if existing.TransactionID == wf.TransactionID && !existing.Archived {
			return errors.Newf(errors.ErrCodeDuplicateWorkflow,
				"an open workflow already exists for transaction %s", wf.TransactionID).
				WithEntity("approval_workflow", wf.TransactionID)
		}
	}
	r.s.data.workflows[wf.ID] = wf.Clone()
	return nil
}

func (r memWorkflows) GetByID(_ context.Context, id string) (*ApprovalWorkflow, error) {
	defer r.s.lock()()
	wf, ok := r.s.data.workflows[id]
	if !ok {
		return nil, errors.WorkflowNotFound(id)
	}
	return wf.Clone(), nil
}

// GetForUpdate needs no extra lock: a transaction already holds the store.
func (r memWorkflows) GetForUpdate(ctx context.Context, id string) (*ApprovalWorkflow, error) {
	return r.GetByID(ctx, id)
}

func (r memWorkflows) GetOpenByTransaction(_ context.Context, transactionID string) (*ApprovalWorkflow, error) {
	defer r.s.lock()()
	for _, wf := range r.s.data.workflows {
		if wf.TransactionID == transactionID && !wf.Archived {
			return wf.Clone(), nil
		}
	}
	return nil, nil
}

func (r memWorkflows) Update(_ context.Context, wf *ApprovalWorkflow) error {
	defer r.s.lock()()
	current, ok := r.s.data.workflows[wf.ID]
	if !ok {
		return errors.WorkflowNotFound(wf.ID)
	}
	if current.Version != wf.Version-1 {
		return errors.New(errors.ErrCodeConflict, "workflow was modified concurrently").
			WithEntity("approval_workflow", wf.ID)
	}
	r.s.data.workflows[wf.ID] = wf.Clone()
	return nil
}

func (r memWorkflows) ListPending(_ context.Context) ([]*ApprovalWorkflow, error) {
	defer r.s.lock()()
	out := r.filter(func(wf *ApprovalWorkflow) bool {
		return wf.Status == StatusPending && !wf.Archived
	})
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.Before(out[j].InitiatedAt) })
	return out, nil
}

func (r memWorkflows) ListOverdue(_ context.Context, now time.Time) ([]*ApprovalWorkflow, error) {
	defer r.s.lock()()
	out := r.filter(func(wf *ApprovalWorkflow) bool {
		return wf.Status == StatusPending && !wf.Archived && wf.DueAt != nil && wf.DueAt.Before(now)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(*out[j].DueAt) })
	return out, nil
}

func (r memWorkflows) ListCompleted(_ context.Context, start, end time.Time) ([]*ApprovalWorkflow, error) {
	defer r.s.lock()()
	out := r.filter(func(wf *ApprovalWorkflow) bool {
		return wf.CompletedAt != nil && !wf.CompletedAt.Before(start) && wf.CompletedAt.Before(end)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return out, nil
}

func (r memWorkflows) filter(keep func(*ApprovalWorkflow) bool) []*ApprovalWorkflow {
	var out []*ApprovalWorkflow
	for _, wf := range r.s.data.workflows {
		if keep(wf) {
			out = append(out, wf.Clone())
		}
	}
	return out
}

// ── Actions ──────────────────────────────────────────────────────────────────

type memActions struct{ s *MemoryStore }

func (r memActions) Create(_ context.Context, a *ApprovalAction) error {
	defer r.s.lock()()
	r.s.data.actions = append(r.s.data.actions, a.Clone())
	return nil
}

func (r memActions) ListByWorkflow(_ context.Context, workflowID string) ([]*ApprovalAction, error) {
	defer r.s.lock()()
	var out []*ApprovalAction
	for _, a := range r.s.data.actions {
		if a.WorkflowID == workflowID {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (r memActions) ListByActor(_ context.Context, actorID string, limit int) ([]*ApprovalAction, error) {
	defer r.s.lock()()
	var out []*ApprovalAction
	for i := len(r.s.data.actions) - 1; i >= 0; i-- {
		a := r.s.data.actions[i]
		if a.DecidedBy != actorID {
			continue
		}
		out = append(out, a.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ── Delegations ──────────────────────────────────────────────────────────────

type memDelegations struct{ s *MemoryStore }

func (r memDelegations) Create(_ context.Context, d *ApprovalDelegation) error {
	defer r.s.lock()()
	r.s.data.delegations[d.ID] = d.Clone()
	return nil
}

func (r memDelegations) Update(_ context.Context, d *ApprovalDelegation) error {
	defer r.s.lock()()
	if _, ok := r.s.data.delegations[d.ID]; !ok {
		return errors.NotFound("approval_delegation", d.ID)
	}
	r.s.data.delegations[d.ID] = d.Clone()
	return nil
}

func (r memDelegations) GetByID(_ context.Context, id string) (*ApprovalDelegation, error) {
	defer r.s.lock()()
	d, ok := r.s.data.delegations[id]
	if !ok {
		return nil, errors.NotFound("approval_delegation", id)
	}
	return d.Clone(), nil
}

func (r memDelegations) ListByDelegate(_ context.Context, delegateID string, activeOnly bool) ([]*ApprovalDelegation, error) {
	defer r.s.lock()()
	return r.filter(func(d *ApprovalDelegation) bool {
		return d.DelegateID == delegateID && (!activeOnly || d.IsActive)
	}), nil
}

func (r memDelegations) ListBySourceRole(_ context.Context, roleID string, activeOnly bool) ([]*ApprovalDelegation, error) {
	defer r.s.lock()()
	return r.filter(func(d *ApprovalDelegation) bool {
		return d.SourceRoleID == roleID && (!activeOnly || d.IsActive)
	}), nil
}

func (r memDelegations) filter(keep func(*ApprovalDelegation) bool) []*ApprovalDelegation {
	var out []*ApprovalDelegation
	for _, d := range r.s.data.delegations {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ── Audit ────────────────────────────────────────────────────────────────────

type memAudit struct{ s *MemoryStore }

func (r memAudit) Append(_ context.Context, e *ApprovalAuditLog) error {
	defer r.s.lock()()
	if _, dup := r.s.data.auditIndex[e.ID]; dup {
		return errors.Newf(errors.ErrCodeConflict, "audit entry %s already exists", e.ID)
	}
	r.s.data.seq++
	e.Sequence = r.s.data.seq
	r.s.data.auditIndex[e.ID] = len(r.s.data.audit)
	r.s.data.audit = append(r.s.data.audit, e.Clone())
	return nil
}

func (r memAudit) LastForEntity(_ context.Context, entityType EntityType, entityID string) (*ApprovalAuditLog, error) {
	defer r.s.lock()()
	for i := len(r.s.data.audit) - 1; i >= 0; i-- {
		e := r.s.data.audit[i]
		if e.EntityType == entityType && e.EntityID == entityID {
			return e.Clone(), nil
		}
	}
	return nil, nil
}

func (r memAudit) GetByID(_ context.Context, id string) (*ApprovalAuditLog, error) {
	defer r.s.lock()()
	i, ok := r.s.data.auditIndex[id]
	if !ok {
		return nil, errors.NotFound("approval_audit_log", id)
	}
	return r.s.data.audit[i].Clone(), nil
}

func (r memAudit) Query(_ context.Context, f AuditFilter) ([]*ApprovalAuditLog, int, error) {
	defer r.s.lock()()
	var matched []*ApprovalAuditLog
	for _, e := range r.s.data.audit {
		if auditMatches(e, f) {
			matched = append(matched, e)
		}
	}
	if f.Descending {
		slices.Reverse(matched)
	}
	total := len(matched)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]*ApprovalAuditLog, len(matched))
	for i, e := range matched {
		out[i] = e.Clone()
	}
	return out, total, nil
}

func (r memAudit) MarkArchived(_ context.Context, ids []string, archivedAt time.Time, ref string) error {
	defer r.s.lock()()
	for _, id := range ids {
		i, ok := r.s.data.auditIndex[id]
		if !ok || r.s.data.audit[i].ArchivedAt != nil {
			continue
		}
		e := r.s.data.audit[i].Clone()
		e.ArchivedAt = &archivedAt
		e.ArchiveRef = &ref
		r.s.data.audit[i] = e
	}
	return nil
}

func auditMatches(e *ApprovalAuditLog, f AuditFilter) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && !e.Timestamp.Before(*f.End) {
		return false
	}
	if !f.IncludeArchived && e.ArchivedAt != nil {
		return false
	}
	return true
}
