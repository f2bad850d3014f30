package service

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// Default policies for transactions no rule matches.
const (
	PolicyAllow   = "allow"
	PolicyRequire = "require"
)

// DefaultAdminRole administers roles and rules when Policy.AdminRoles is
// empty.
const DefaultAdminRole = "ADMIN"

// Policy holds the workflow policy knobs.
type Policy struct {
	// DefaultPolicy decides what happens when no rule matches: allow means
	// no approval is required, require routes to FallbackRole.
	DefaultPolicy        string
	FallbackRole         string
	FallbackTimeoutHours int
	// BypassRoles may bypass or cancel any workflow.
	BypassRoles []string
	// AdminRoles may create, edit and deactivate the roles and rules of the
	// owner they are granted for.
	AdminRoles []string
}

func (p Policy) withDefaults() Policy {
	if p.DefaultPolicy == "" {
		p.DefaultPolicy = PolicyAllow
	}
	if len(p.AdminRoles) == 0 {
		p.AdminRoles = []string{DefaultAdminRole}
	}
	return p
}

// Transaction is the document submitted for approval.
type Transaction struct {
	ID           string    `json:"transaction_id"`
	Owner        string    `json:"owner"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	DocumentType *string   `json:"document_type,omitempty"`
	RiskCategory *string   `json:"risk_category,omitempty"`
	AsOf         time.Time `json:"as_of,omitempty"`
}

func (t Transaction) validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return errors.InvalidInput("transaction_id", "transaction id is required")
	case strings.TrimSpace(t.Owner) == "":
		return errors.InvalidInput("owner", "owner is required")
	case t.Amount < 0:
		return errors.InvalidInput("amount", "amount cannot be negative")
	case !client.ValidCurrency(t.Currency):
		return errors.InvalidInput("currency", "currency must be an ISO 4217 code")
	}
	return nil
}

// RuleInput is the administrator-supplied definition of a rule.
type RuleInput struct {
	Owner             string   `json:"owner" yaml:"owner"`
	Name              string   `json:"name" yaml:"name"`
	MinAmount         int64    `json:"min_amount" yaml:"min_amount"`
	MaxAmount         *int64   `json:"max_amount,omitempty" yaml:"max_amount,omitempty"`
	Currency          string   `json:"currency" yaml:"currency"`
	DocumentType      *string  `json:"document_type,omitempty" yaml:"document_type,omitempty"`
	RiskCategory      *string  `json:"risk_category,omitempty" yaml:"risk_category,omitempty"`
	RequiredApprovals int      `json:"required_approvals" yaml:"required_approvals"`
	ParallelApproval  bool     `json:"parallel_approval" yaml:"parallel_approval"`
	ApproverRoles     []string `json:"approver_roles" yaml:"approver_roles"`
	Priority          int      `json:"priority" yaml:"priority"`
	TimeoutHours      int      `json:"timeout_hours" yaml:"timeout_hours"`
	EscalationRole    string   `json:"escalation_role,omitempty" yaml:"escalation_role,omitempty"`
}

// SubmitResult is the outcome of SubmitForApproval.
type SubmitResult struct {
	RequiresApproval bool                         `json:"requires_approval"`
	Workflow         *repository.ApprovalWorkflow `json:"workflow,omitempty"`
	MatchedRule      *repository.ApprovalRule     `json:"matched_rule,omitempty"`
}

// RuleEngine evaluates rules and opens workflows.
type RuleEngine struct {
	base
	store      repository.Store
	ledger     *AuditLedger
	converter  client.Converter
	dispatcher Dispatcher
	policy     Policy
}

// NewRuleEngine creates a RuleEngine.
func NewRuleEngine(
	store repository.Store,
	ledger *AuditLedger,
	converter client.Converter,
	dispatcher Dispatcher,
	policy Policy,
	log *logger.Logger,
	opts ...Option,
) *RuleEngine {
	return &RuleEngine{
		base:       newBase(log, "rule_engine", opts),
		store:      store,
		ledger:     ledger,
		converter:  converter,
		dispatcher: dispatcher,
		policy:     policy.withDefaults(),
	}
}

// ── Evaluation ───────────────────────────────────────────────────────────────

// Evaluate returns the active rules matching txn, best first. A conversion
// failure fails the evaluation rather than skipping the rule.
func (e *RuleEngine) Evaluate(ctx context.Context, txn Transaction) ([]*repository.ApprovalRule, error) {
	rules, err := e.store.Rules().List(ctx, txn.Owner, true)
	if err != nil {
		return nil, err
	}
	return e.match(ctx, rules, txn)
}

func (e *RuleEngine) match(ctx context.Context, rules []*repository.ApprovalRule, txn Transaction) ([]*repository.ApprovalRule, error) {
	asOf := txn.AsOf
	if asOf.IsZero() {
		asOf = e.clock()
	}
	convert := convertWith(ctx, e.converter, asOf)

	converted := make(map[string]int64)
	var matched []*repository.ApprovalRule
	for _, rule := range rules {
		cur := strings.ToUpper(rule.Currency)
		amount, ok := converted[cur]
		if !ok {
			var err error
			amount, err = convert(txn.Amount, txn.Currency, cur)
			if err != nil {
				return nil, err
			}
			converted[cur] = amount
		}
		if MatchRule(rule, txn, amount) {
			matched = append(matched, rule)
		}
	}
	SortRules(matched)
	return matched, nil
}

// MatchRule reports whether rule applies to txn, given txn's amount already
// converted to the rule's currency.
func MatchRule(rule *repository.ApprovalRule, txn Transaction, amount int64) bool {
	if !rule.IsActive {
		return false
	}
	if amount < rule.MinAmount || (rule.MaxAmount != nil && amount > *rule.MaxAmount) {
		return false
	}
	if rule.DocumentType != nil && (txn.DocumentType == nil || *txn.DocumentType != *rule.DocumentType) {
		return false
	}
	if rule.RiskCategory != nil && (txn.RiskCategory == nil || *txn.RiskCategory != *rule.RiskCategory) {
		return false
	}
	return true
}

// SortRules orders rules by priority descending, then newest first. The ID
// breaks exact ties so the order is total.
func SortRules(rules []*repository.ApprovalRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// BuildRequirement turns a rule into its approval chain. A parallel rule is
// one level that every role must approve. A sequential rule has
// RequiredApprovals levels, one role each; the last level accepts any of the
// remaining roles.
func BuildRequirement(rule *repository.ApprovalRule) repository.Requirement {
	req := repository.Requirement{
		Parallel:       rule.ParallelApproval,
		TimeoutHours:   rule.TimeoutHours,
		EscalationRole: rule.EscalationRole,
	}
	if rule.ParallelApproval {
		req.Levels = [][]string{slices.Clone(rule.ApproverRoles)}
		return req
	}
	n := rule.RequiredApprovals
	for i := 0; i < n-1; i++ {
		req.Levels = append(req.Levels, []string{rule.ApproverRoles[i]})
	}
	req.Levels = append(req.Levels, slices.Clone(rule.ApproverRoles[n-1:]))
	return req
}

func (e *RuleEngine) fallbackRequirement() repository.Requirement {
	return repository.Requirement{
		Levels:       [][]string{{e.policy.FallbackRole}},
		TimeoutHours: e.policy.FallbackTimeoutHours,
	}
}

// DeriveRequirement returns the chain of the best matching rule. With no
// match it returns an empty requirement under the allow policy and the
// fallback chain under the require policy; the rule is nil in both cases.
func (e *RuleEngine) DeriveRequirement(ctx context.Context, txn Transaction) (repository.Requirement, *repository.ApprovalRule, error) {
	matched, err := e.Evaluate(ctx, txn)
	if err != nil {
		return repository.Requirement{}, nil, err
	}
	if len(matched) > 0 {
		return BuildRequirement(matched[0]), matched[0], nil
	}
	if e.policy.DefaultPolicy == PolicyRequire {
		return e.fallbackRequirement(), nil, nil
	}
	return repository.Requirement{}, nil, nil
}

// ── Workflow creation ────────────────────────────────────────────────────────

// SubmitForApproval evaluates txn and opens a workflow when approval is
// required.
func (e *RuleEngine) SubmitForApproval(ctx context.Context, txn Transaction, initiator Actor) (*SubmitResult, error) {
	ctx, span := e.tracer.Start(ctx, "RuleEngine.SubmitForApproval")
	defer span.End()
	span.SetAttributes(attribute.String("transaction_id", txn.ID))

	if err := txn.validate(); err != nil {
		return nil, err
	}
	if err := initiator.validate(); err != nil {
		return nil, err
	}

	existing, err := e.store.Workflows().GetOpenByTransaction(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, duplicateWorkflow(txn.ID)
	}

	matched, err := e.Evaluate(ctx, txn)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 && e.policy.DefaultPolicy != PolicyRequire {
		e.log.Info().
			Str("transaction_id", txn.ID).
			Int64("amount", txn.Amount).
			Str("currency", txn.Currency).
			Msg("No rule matched, approval not required")
		return &SubmitResult{RequiresApproval: false}, nil
	}

	wf, err := e.CreateWorkflow(ctx, txn, matched, initiator)
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{RequiresApproval: true, Workflow: wf}
	if len(matched) > 0 {
		res.MatchedRule = matched[0]
	}
	return res, nil
}

// CreateWorkflow opens a workflow for txn using the first of rules, or the
// fallback chain when rules is empty.
func (e *RuleEngine) CreateWorkflow(
	ctx context.Context,
	txn Transaction,
	rules []*repository.ApprovalRule,
	initiator Actor,
) (*repository.ApprovalWorkflow, error) {
	if err := txn.validate(); err != nil {
		return nil, err
	}

	var (
		req    repository.Requirement
		ruleID *string
	)
	if len(rules) > 0 {
		req = BuildRequirement(rules[0])
		id := rules[0].ID
		ruleID = &id
	} else {
		if e.policy.FallbackRole == "" {
			return nil, errors.Validation("approval_workflow", "requirement", "no rule supplied and no fallback role configured")
		}
		req = e.fallbackRequirement()
	}

	now := e.clock()
	wf := &repository.ApprovalWorkflow{
		ID:            uuid.NewString(),
		Owner:         txn.Owner,
		TransactionID: txn.ID,
		RuleID:        ruleID,
		Status:        repository.StatusPending,
		CurrentLevel:  1,
		RequiredLevel: len(req.Levels),
		Requirement:   req,
		Amount:        txn.Amount,
		Currency:      strings.ToUpper(txn.Currency),
		DocumentType:  txn.DocumentType,
		RiskCategory:  txn.RiskCategory,
		InitiatedBy:   initiator.ID,
		InitiatedAt:   now,
		Version:       1,
		UpdatedAt:     now,
	}
	if req.TimeoutHours > 0 {
		due := now.Add(time.Duration(req.TimeoutHours) * time.Hour)
		wf.DueAt = &due
	}

	err := e.store.InTransaction(ctx, func(tx repository.Store) error {
		existing, err := tx.Workflows().GetOpenByTransaction(ctx, txn.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return duplicateWorkflow(txn.ID)
		}
		if err := tx.Workflows().Create(ctx, wf); err != nil {
			return err
		}
		_, _, err = e.ledger.appendIn(ctx, tx, AuditEvent{
			EventType:  repository.EventWorkflowCreated,
			EntityType: repository.EntityWorkflow,
			EntityID:   wf.ID,
			ActorID:    initiator.ID,
			NewValues:  snapshot(workflowChange{Workflow: wf}),
			Request:    initiator.Request,
			OccurredAt: now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("transaction_id", txn.ID).
		Str("workflow_id", wf.ID).
		Int("required_level", wf.RequiredLevel).
		Msg("Approval workflow created")

	if e.dispatcher != nil {
		e.dispatcher.Dispatch(ctx, []Effect{{
			Kind:     EffectApprovalRequest,
			Workflow: wf,
			Roles:    slices.Clone(req.RolesAt(1)),
		}})
	}
	return wf, nil
}

func duplicateWorkflow(transactionID string) error {
	return errors.New(errors.ErrCodeDuplicateWorkflow, "an active workflow already exists for this transaction").
		WithEntity("transaction", transactionID)
}

// ── Rule administration ──────────────────────────────────────────────────────

// CreateRule validates and stores a rule.
func (e *RuleEngine) CreateRule(ctx context.Context, in RuleInput, actor Actor) (*repository.ApprovalRule, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if err := requireAdmin(ctx, e.store, e.policy.AdminRoles, actor, in.Owner); err != nil {
		return nil, err
	}
	now := e.clock()
	rule := ruleFromInput(in)
	rule.ID = uuid.NewString()
	rule.IsActive = true
	rule.CreatedAt = now
	rule.UpdatedAt = now

	err := e.store.InTransaction(ctx, func(tx repository.Store) error {
		if err := e.validateRule(ctx, tx, rule); err != nil {
			return err
		}
		if err := tx.Rules().Create(ctx, rule); err != nil {
			return err
		}
		_, _, err := e.ledger.appendIn(ctx, tx, AuditEvent{
			EventType:  repository.EventRuleCreated,
			EntityType: repository.EntityRule,
			EntityID:   rule.ID,
			ActorID:    actor.ID,
			NewValues:  snapshot(rule),
			Request:    actor.Request,
			OccurredAt: now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("rule_id", rule.ID).
		Str("name", rule.Name).
		Int("priority", rule.Priority).
		Msg("Approval rule created")
	return rule, nil
}

// UpdateRule replaces the editable attributes of an active rule. Workflows
// already open keep the chain they were created with.
func (e *RuleEngine) UpdateRule(ctx context.Context, id string, in RuleInput, actor Actor) (*repository.ApprovalRule, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}

	var updated *repository.ApprovalRule
	err := e.store.InTransaction(ctx, func(tx repository.Store) error {
		before, err := tx.Rules().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := requireAdmin(ctx, tx, e.policy.AdminRoles, actor, before.Owner); err != nil {
			return err
		}
		if !before.IsActive {
			return errors.Validation("approval_rule", "is_active", "inactive rules cannot be edited").
				WithEntity("approval_rule", id)
		}
		after := ruleFromInput(in)
		after.ID = before.ID
		after.Owner = before.Owner
		after.IsActive = true
		after.CreatedAt = before.CreatedAt
		after.UpdatedAt = e.clock()

		if err := e.validateRule(ctx, tx, after); err != nil {
			return err
		}
		if err := tx.Rules().Update(ctx, after); err != nil {
			return err
		}
		updated = after
		_, _, err = e.ledger.appendIn(ctx, tx, AuditEvent{
			EventType:  repository.EventRuleUpdated,
			EntityType: repository.EntityRule,
			EntityID:   id,
			ActorID:    actor.ID,
			OldValues:  snapshot(before),
			NewValues:  snapshot(after),
			Request:    actor.Request,
			OccurredAt: after.UpdatedAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeactivateRule stops a rule from matching new transactions.
func (e *RuleEngine) DeactivateRule(ctx context.Context, id, reason string, actor Actor) (*repository.ApprovalRule, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}

	var updated *repository.ApprovalRule
	err := e.store.InTransaction(ctx, func(tx repository.Store) error {
		before, err := tx.Rules().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := requireAdmin(ctx, tx, e.policy.AdminRoles, actor, before.Owner); err != nil {
			return err
		}
		if !before.IsActive {
			updated = before
			return nil
		}
		after := before.Clone()
		after.IsActive = false
		after.UpdatedAt = e.clock()
		if err := tx.Rules().Update(ctx, after); err != nil {
			return err
		}
		updated = after
		_, _, err = e.ledger.appendIn(ctx, tx, AuditEvent{
			EventType:    repository.EventRuleDeactivated,
			EntityType:   repository.EntityRule,
			EntityID:     id,
			ActorID:      actor.ID,
			OldValues:    snapshot(before),
			NewValues:    snapshot(after),
			ChangeReason: reason,
			Request:      actor.Request,
			OccurredAt:   after.UpdatedAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetRule returns one rule.
func (e *RuleEngine) GetRule(ctx context.Context, id string) (*repository.ApprovalRule, error) {
	return e.store.Rules().GetByID(ctx, id)
}

// ListRules returns an owner's rules, best first.
func (e *RuleEngine) ListRules(ctx context.Context, owner string, activeOnly bool) ([]*repository.ApprovalRule, error) {
	rules, err := e.store.Rules().List(ctx, owner, activeOnly)
	if err != nil {
		return nil, err
	}
	SortRules(rules)
	return rules, nil
}

// ValidateRule checks a rule against the current role registry.
func (e *RuleEngine) ValidateRule(ctx context.Context, rule *repository.ApprovalRule) error {
	return e.validateRule(ctx, e.store, rule)
}

func (e *RuleEngine) validateRule(ctx context.Context, st repository.Store, rule *repository.ApprovalRule) error {
	if err := validateRuleShape(rule); err != nil {
		return err
	}

	names := slices.Clone(rule.ApproverRoles)
	if rule.EscalationRole != "" {
		names = append(names, rule.EscalationRole)
	}
	roles, err := st.Roles().ListByNames(ctx, rule.Owner, names, true)
	if err != nil {
		return err
	}

	levels := make(map[string][]int)
	for _, role := range roles {
		levels[role.RoleName] = append(levels[role.RoleName], role.HierarchyLevel)
	}
	for _, name := range rule.ApproverRoles {
		if _, ok := levels[name]; !ok {
			return errors.Validation("approval_rule", "approver_roles", "approver role "+name+" does not exist").
				WithEntity("approval_rule", rule.ID)
		}
	}
	if rule.EscalationRole != "" {
		if _, ok := levels[rule.EscalationRole]; !ok {
			return errors.Validation("approval_rule", "escalation_role", "escalation role "+rule.EscalationRole+" does not exist").
				WithEntity("approval_rule", rule.ID)
		}
	}

	var used []int
	for _, name := range rule.ApproverRoles {
		used = append(used, levels[name]...)
	}
	if !Contiguous(used) {
		return errors.Validation("approval_rule", "approver_roles", "hierarchy levels of the approver roles must be contiguous").
			WithEntity("approval_rule", rule.ID)
	}
	return nil
}

// Contiguous reports whether the distinct values of levels form an unbroken
// run of integers.
func Contiguous(levels []int) bool {
	if len(levels) == 0 {
		return true
	}
	distinct := slices.Clone(levels)
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)
	return distinct[len(distinct)-1]-distinct[0] == len(distinct)-1
}

func validateRuleShape(rule *repository.ApprovalRule) error {
	invalid := func(field, msg string) error {
		return errors.Validation("approval_rule", field, msg).WithEntity("approval_rule", rule.ID)
	}
	switch {
	case strings.TrimSpace(rule.Owner) == "":
		return invalid("owner", "owner is required")
	case strings.TrimSpace(rule.Name) == "":
		return invalid("name", "name is required")
	case rule.MinAmount < 0:
		return invalid("min_amount", "minimum amount cannot be negative")
	case rule.MaxAmount != nil && rule.MinAmount > *rule.MaxAmount:
		return invalid("max_amount", "minimum amount exceeds maximum amount")
	case !client.ValidCurrency(rule.Currency):
		return invalid("currency", "currency must be an ISO 4217 code")
	case len(rule.ApproverRoles) == 0:
		return invalid("approver_roles", "at least one approver role is required")
	case len(rule.ApproverRoles) > MaxHierarchyLevel:
		return invalid("approver_roles", "at most 10 approver roles are allowed")
	case rule.RequiredApprovals < 1 || rule.RequiredApprovals > len(rule.ApproverRoles):
		return invalid("required_approvals", "required approvals must be between 1 and the number of approver roles")
	case rule.ParallelApproval && rule.RequiredApprovals != len(rule.ApproverRoles):
		return invalid("required_approvals", "parallel approval requires every approver role")
	case rule.Priority < 0 || rule.Priority > 100:
		return invalid("priority", "priority must be between 0 and 100")
	case rule.TimeoutHours < 1 || rule.TimeoutHours > 720:
		return invalid("timeout_hours", "timeout must be between 1 and 720 hours")
	}
	seen := make(map[string]bool, len(rule.ApproverRoles))
	for _, name := range rule.ApproverRoles {
		if name == "" || seen[name] {
			return invalid("approver_roles", "approver roles must be distinct and non-empty")
		}
		seen[name] = true
	}
	return nil
}

func ruleFromInput(in RuleInput) *repository.ApprovalRule {
	roles := make([]string, len(in.ApproverRoles))
	for i, r := range in.ApproverRoles {
		roles[i] = normaliseRoleName(r)
	}
	return &repository.ApprovalRule{
		Owner:             in.Owner,
		Name:              strings.TrimSpace(in.Name),
		MinAmount:         in.MinAmount,
		MaxAmount:         in.MaxAmount,
		Currency:          strings.ToUpper(in.Currency),
		DocumentType:      in.DocumentType,
		RiskCategory:      in.RiskCategory,
		RequiredApprovals: in.RequiredApprovals,
		ParallelApproval:  in.ParallelApproval,
		ApproverRoles:     roles,
		Priority:          in.Priority,
		TimeoutHours:      in.TimeoutHours,
		EscalationRole:    normaliseRoleName(in.EscalationRole),
	}
}
