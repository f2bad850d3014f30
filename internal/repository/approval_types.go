package repository

import (
	"encoding/json"
	"slices"
	"time"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// SystemActor is the actor recorded for mutations no person initiated. It is
// reserved: no caller credential may resolve to it.
const SystemActor = "system"

// WorkflowStatus is the lifecycle state of an approval workflow.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "PENDING"
	StatusApproved  WorkflowStatus = "APPROVED"
	StatusRejected  WorkflowStatus = "REJECTED"
	StatusCancelled WorkflowStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// ActionType is the decision recorded by an approver.
type ActionType string

const (
	ActionApprove        ActionType = "APPROVE"
	ActionReject         ActionType = "REJECT"
	ActionRequestChanges ActionType = "REQUEST_CHANGES"
	ActionDelegate       ActionType = "DELEGATE"
	ActionBypass         ActionType = "BYPASS"
)

// Valid reports whether a is one of the known action types.
func (a ActionType) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionRequestChanges, ActionDelegate, ActionBypass:
		return true
	}
	return false
}

// DelegationType distinguishes bounded from standing delegations.
type DelegationType string

const (
	DelegationTemporary DelegationType = "TEMPORARY"
	DelegationPermanent DelegationType = "PERMANENT"
)

// EventType names an audit ledger event.
type EventType string

const (
	EventWorkflowCreated   EventType = "WORKFLOW_CREATED"
	EventActionTaken       EventType = "ACTION_TAKEN"
	EventWorkflowApproved  EventType = "WORKFLOW_APPROVED"
	EventWorkflowRejected  EventType = "WORKFLOW_REJECTED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"
	EventWorkflowBypassed  EventType = "WORKFLOW_BYPASSED"
	EventWorkflowEscalated EventType = "WORKFLOW_ESCALATED"
	EventWorkflowArchived  EventType = "WORKFLOW_ARCHIVED"
	EventRuleCreated       EventType = "RULE_CREATED"
	EventRuleUpdated       EventType = "RULE_UPDATED"
	EventRuleDeactivated   EventType = "RULE_DEACTIVATED"
	EventRoleCreated       EventType = "ROLE_CREATED"
	EventRoleUpdated       EventType = "ROLE_UPDATED"
	EventRoleDeactivated   EventType = "ROLE_DEACTIVATED"
	EventDelegationCreated EventType = "DELEGATION_CREATED"
	EventDelegationRevoked EventType = "DELEGATION_REVOKED"
)

// EntityType names the kind of record an audit entry describes.
type EntityType string

const (
	EntityWorkflow   EntityType = "approval_workflow"
	EntityRule       EntityType = "approval_rule"
	EntityRole       EntityType = "approval_role"
	EntityDelegation EntityType = "approval_delegation"
)

// ── Role registry ────────────────────────────────────────────────────────────

// Capabilities is the fixed set of flags an approval role grants.
type Capabilities struct {
	CanApprove  bool `json:"can_approve" yaml:"can_approve"`
	CanReject   bool `json:"can_reject" yaml:"can_reject"`
	CanDelegate bool `json:"can_delegate" yaml:"can_delegate"`
	CanModify   bool `json:"can_modify" yaml:"can_modify"`
}

// ApprovalRole grants an actor a named role. Roles are deactivated, never
// deleted, so historical actions stay attributable.
type ApprovalRole struct {
	ID                string       `json:"id"`
	Owner             string       `json:"owner"`
	ActorID           string       `json:"actor_id"`
	RoleName          string       `json:"role_name"`
	HierarchyLevel    int          `json:"hierarchy_level"`
	Capabilities      Capabilities `json:"capabilities"`
	MaxApprovalAmount *int64       `json:"max_approval_amount,omitempty"` // minor units; nil = unlimited
	Currency          string       `json:"currency"`
	IsActive          bool         `json:"is_active"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *ApprovalRole) Clone() *ApprovalRole {
	c := *r
	c.MaxApprovalAmount = clonePtr(r.MaxApprovalAmount)
	return &c
}

// ── Rules ────────────────────────────────────────────────────────────────────

// ApprovalRule maps transaction attributes to an approval chain.
type ApprovalRule struct {
	ID                string    `json:"id"`
	Owner             string    `json:"owner"`
	Name              string    `json:"name"`
	MinAmount         int64     `json:"min_amount"`           // minor units, inclusive
	MaxAmount         *int64    `json:"max_amount,omitempty"` // inclusive; nil = unbounded
	Currency          string    `json:"currency"`
	DocumentType      *string   `json:"document_type,omitempty"`
	RiskCategory      *string   `json:"risk_category,omitempty"`
	RequiredApprovals int       `json:"required_approvals"`
	ParallelApproval  bool      `json:"parallel_approval"`
	ApproverRoles     []string  `json:"approver_roles"`
	Priority          int       `json:"priority"`
	TimeoutHours      int       `json:"timeout_hours"`
	EscalationRole    string    `json:"escalation_role"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *ApprovalRule) Clone() *ApprovalRule {
	c := *r
	c.MaxAmount = clonePtr(r.MaxAmount)
	c.DocumentType = clonePtr(r.DocumentType)
	c.RiskCategory = clonePtr(r.RiskCategory)
	c.ApproverRoles = slices.Clone(r.ApproverRoles)
	return &c
}

// Requirement is the approval chain derived from a rule. A copy is stored on
// each workflow so later rule edits never change an in-flight chain.
type Requirement struct {
	Levels         [][]string `json:"levels"`
	Parallel       bool       `json:"parallel"`
	TimeoutHours   int        `json:"timeout_hours"`
	EscalationRole string     `json:"escalation_role,omitempty"`
}

// IsEmpty reports whether no approval is required.
func (r Requirement) IsEmpty() bool { return len(r.Levels) == 0 }

// RolesAt returns the role names eligible at a 1-based level.
func (r Requirement) RolesAt(level int) []string {
	if level < 1 || level > len(r.Levels) {
		return nil
	}
	return r.Levels[level-1]
}

// Clone returns a deep copy.
func (r Requirement) Clone() Requirement {
	c := r
	c.Levels = make([][]string, len(r.Levels))
	for i, l := range r.Levels {
		c.Levels[i] = slices.Clone(l)
	}
	return c
}

// ── Workflows ────────────────────────────────────────────────────────────────

// Bypass records an administrative override.
type Bypass struct {
	BypassedBy   string    `json:"bypassed_by"`
	BypassReason string    `json:"bypass_reason"`
	BypassedAt   time.Time `json:"bypassed_at"`
}

// ApprovalWorkflow is one transaction's passage through its approval chain.
type ApprovalWorkflow struct {
	ID            string          `json:"id"`
	Owner         string          `json:"owner"`
	TransactionID string          `json:"transaction_id"`
	RuleID        *string         `json:"rule_id,omitempty"`
	Status        WorkflowStatus  `json:"status"`
	CurrentLevel  int             `json:"current_level"`
	RequiredLevel int             `json:"required_level"`
	Requirement   Requirement     `json:"requirement"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	DocumentType  *string         `json:"document_type,omitempty"`
	RiskCategory  *string         `json:"risk_category,omitempty"`
	InitiatedBy   string          `json:"initiated_by"`
	InitiatedAt   time.Time       `json:"initiated_at"`
	DueAt         *time.Time      `json:"due_at,omitempty"`
	FinalDecision *WorkflowStatus `json:"final_decision,omitempty"`
	DecidedBy     *string         `json:"decided_by,omitempty"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Bypass        *Bypass         `json:"bypass,omitempty"`
	EscalatedAt   *time.Time      `json:"escalated_at,omitempty"`
	Archived      bool            `json:"archived"`
	Version       int             `json:"version"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (w *ApprovalWorkflow) Clone() *ApprovalWorkflow {
	c := *w
	c.RuleID = clonePtr(w.RuleID)
	c.Requirement = w.Requirement.Clone()
	c.DocumentType = clonePtr(w.DocumentType)
	c.RiskCategory = clonePtr(w.RiskCategory)
	c.DueAt = clonePtr(w.DueAt)
	c.FinalDecision = clonePtr(w.FinalDecision)
	c.DecidedBy = clonePtr(w.DecidedBy)
	c.DecidedAt = clonePtr(w.DecidedAt)
	c.CompletedAt = clonePtr(w.CompletedAt)
	c.Bypass = clonePtr(w.Bypass)
	c.EscalatedAt = clonePtr(w.EscalatedAt)
	return &c
}

// ApprovalAction is one decision taken on a workflow. Append-only.
type ApprovalAction struct {
	ID               string     `json:"id"`
	WorkflowID       string     `json:"workflow_id"`
	RoleID           string     `json:"role_id"`
	RoleName         string     `json:"role_name"`
	Action           ActionType `json:"action"`
	Level            int        `json:"level"`
	DecidedBy        string     `json:"decided_by"`
	DecidedAt        time.Time  `json:"decided_at"`
	Comments         string     `json:"comments,omitempty"`
	RequestedChanges *string    `json:"requested_changes,omitempty"`
	ChangePriority   *string    `json:"change_priority,omitempty"`
	DelegatedTo      *string    `json:"delegated_to,omitempty"`
	DelegationReason *string    `json:"delegation_reason,omitempty"`
	DelegationStart  *time.Time `json:"delegation_start,omitempty"`
	DelegationEnd    *time.Time `json:"delegation_end,omitempty"`
	ViaDelegationID  *string    `json:"via_delegation_id,omitempty"`
}

// Clone returns a deep copy.
func (a *ApprovalAction) Clone() *ApprovalAction {
	c := *a
	c.RequestedChanges = clonePtr(a.RequestedChanges)
	c.ChangePriority = clonePtr(a.ChangePriority)
	c.DelegatedTo = clonePtr(a.DelegatedTo)
	c.DelegationReason = clonePtr(a.DelegationReason)
	c.DelegationStart = clonePtr(a.DelegationStart)
	c.DelegationEnd = clonePtr(a.DelegationEnd)
	c.ViaDelegationID = clonePtr(a.ViaDelegationID)
	return &c
}

// ── Delegations ──────────────────────────────────────────────────────────────

// ApprovalDelegation lends a role's authority to another actor for a window.
type ApprovalDelegation struct {
	ID           string         `json:"id"`
	SourceRoleID string         `json:"source_role_id"`
	DelegatorID  string         `json:"delegator_id"`
	DelegateID   string         `json:"delegate_id"`
	StartsAt     time.Time      `json:"starts_at"`
	EndsAt       time.Time      `json:"ends_at"`
	IsActive     bool           `json:"is_active"`
	Type         DelegationType `json:"type"`
	AmountCap    *int64         `json:"amount_cap,omitempty"`
	Currency     string         `json:"currency"`
	Reason       string         `json:"reason"`
	WorkflowID   *string        `json:"workflow_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	RevokedAt    *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy    *string        `json:"revoked_by,omitempty"`
}

// Clone returns a deep copy.
func (d *ApprovalDelegation) Clone() *ApprovalDelegation {
	c := *d
	c.AmountCap = clonePtr(d.AmountCap)
	c.WorkflowID = clonePtr(d.WorkflowID)
	c.RevokedAt = clonePtr(d.RevokedAt)
	c.RevokedBy = clonePtr(d.RevokedBy)
	return &c
}

// InWindow reports whether now falls inside [StartsAt, EndsAt].
func (d *ApprovalDelegation) InWindow(now time.Time) bool {
	return !now.Before(d.StartsAt) && !now.After(d.EndsAt)
}

// ── Audit ────────────────────────────────────────────────────────────────────

// RequestMeta is the caller context captured with each audit entry.
type RequestMeta struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ApprovalAuditLog is one immutable ledger entry.
type ApprovalAuditLog struct {
	ID             string          `json:"id"`
	Sequence       int64           `json:"sequence"`
	EventType      EventType       `json:"event_type"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	ActorID        string          `json:"actor_id"`
	ActorRole      string          `json:"actor_role,omitempty"`
	OldValues      json.RawMessage `json:"old_values,omitempty"`
	NewValues      json.RawMessage `json:"new_values,omitempty"`
	ChangeReason   string          `json:"change_reason,omitempty"`
	Request        RequestMeta     `json:"request"`
	Timestamp      time.Time       `json:"timestamp"`
	PreviousHash   string          `json:"previous_hash"`
	IntegrityHash  string          `json:"integrity_hash"`
	ComplianceFlag bool            `json:"compliance_flag"`
	ArchivedAt     *time.Time      `json:"archived_at,omitempty"`
	ArchiveRef     *string         `json:"archive_ref,omitempty"`
}

// Clone returns a deep copy.
func (e *ApprovalAuditLog) Clone() *ApprovalAuditLog {
	c := *e
	c.OldValues = slices.Clone(e.OldValues)
	c.NewValues = slices.Clone(e.NewValues)
	c.ArchivedAt = clonePtr(e.ArchivedAt)
	c.ArchiveRef = clonePtr(e.ArchiveRef)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
