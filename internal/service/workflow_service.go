package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

const historyLimit = 200

// ActionRequest is an approver's action on a workflow.
type ActionRequest struct {
	WorkflowID string                `json:"workflow_id"`
	Action     repository.ActionType `json:"action"`
	ActorID    string                `json:"actor_id"`
	// RoleID selects the role to act under. When empty the first role the
	// actor holds or has been delegated that is eligible at the current
	// level is used.
	RoleID           string     `json:"role_id,omitempty"`
	Comments         string     `json:"comments,omitempty"`
	RequestedChanges *string    `json:"requested_changes,omitempty"`
	ChangePriority   *string    `json:"change_priority,omitempty"`
	DelegateTo       string     `json:"delegate_to,omitempty"`
	DelegationReason string     `json:"delegation_reason,omitempty"`
	DelegationStart  *time.Time `json:"delegation_start,omitempty"`
	DelegationEnd    *time.Time `json:"delegation_end,omitempty"`
	DelegationCap    *int64     `json:"delegation_cap,omitempty"`
	// ExpectedLevel guards against acting on a level that has moved on.
	ExpectedLevel int                    `json:"expected_level,omitempty"`
	Request       repository.RequestMeta `json:"-"`
}

// ActionResult is the committed outcome of a workflow mutation. Warnings
// lists audit entries that could not be written synchronously.
type ActionResult struct {
	Workflow   *repository.ApprovalWorkflow   `json:"workflow"`
	Action     *repository.ApprovalAction     `json:"action,omitempty"`
	Delegation *repository.ApprovalDelegation `json:"delegation,omitempty"`
	AuditEntry *repository.ApprovalAuditLog   `json:"audit_entry,omitempty"`
	Warnings   []string                       `json:"warnings,omitempty"`
}

// WorkflowStatusView is a workflow with its decisions so far.
type WorkflowStatusView struct {
	Workflow     *repository.ApprovalWorkflow `json:"workflow"`
	Actions      []*repository.ApprovalAction `json:"actions"`
	PendingRoles []string                     `json:"pending_roles"`
}

// workflowChange is the snapshot shape written to workflow audit entries.
type workflowChange struct {
	Workflow   *repository.ApprovalWorkflow   `json:"workflow"`
	Action     *repository.ApprovalAction     `json:"action,omitempty"`
	Delegation *repository.ApprovalDelegation `json:"delegation,omitempty"`
}

// WorkflowService drives workflows through the state machine.
type WorkflowService struct {
	base
	store       repository.Store
	ledger      *AuditLedger
	delegations *DelegationManager
	converter   client.Converter
	dispatcher  Dispatcher
	policy      Policy
	transitions metric.Int64Counter
}

// NewWorkflowService creates a WorkflowService.
func NewWorkflowService(
	store repository.Store,
	ledger *AuditLedger,
	delegations *DelegationManager,
	converter client.Converter,
	dispatcher Dispatcher,
	policy Policy,
	log *logger.Logger,
	opts ...Option,
) *WorkflowService {
	s := &WorkflowService{
		base:        newBase(log, "workflow_service", opts),
		store:       store,
		ledger:      ledger,
		delegations: delegations,
		converter:   converter,
		dispatcher:  dispatcher,
		policy:      policy,
	}
	s.transitions = s.counter("approvals.workflow.transitions", "Committed workflow transitions")
	return s
}

// ── Actions ──────────────────────────────────────────────────────────────────

// TakeAction records an approver's decision. Permission, level and amount
// checks run before any write; the action row, the workflow update and the
// audit entry commit together under the workflow row lock.
func (s *WorkflowService) TakeAction(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	ctx, span := s.tracer.Start(ctx, "WorkflowService.TakeAction")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow_id", req.WorkflowID),
		attribute.String("action", string(req.Action)),
	)

	if strings.TrimSpace(req.WorkflowID) == "" {
		return nil, errors.InvalidInput("workflow_id", "workflow id is required")
	}
	if strings.TrimSpace(req.ActorID) == "" {
		return nil, errors.InvalidInput("actor_id", "actor is required")
	}
	if !req.Action.Valid() || req.Action == repository.ActionBypass {
		return nil, errors.InvalidInput("action", "action must be APPROVE, REJECT, REQUEST_CHANGES or DELEGATE")
	}
	if req.Action == repository.ActionDelegate && strings.TrimSpace(req.DelegateTo) == "" {
		return nil, errors.InvalidInput("delegate_to", "a delegate is required")
	}

	now := s.clock()
	res := &ActionResult{}
	var tr Transition

	err := s.store.InTransaction(ctx, func(tx repository.Store) error {
		wf, err := tx.Workflows().GetForUpdate(ctx, req.WorkflowID)
		if err != nil {
			return err
		}
		if wf.Status.IsTerminal() {
			return errors.WorkflowCompleted(wf.ID, string(wf.Status))
		}

		delegated, err := tx.Delegations().ListByDelegate(ctx, req.ActorID, true)
		if err != nil {
			return err
		}
		role, err := s.actingRole(ctx, tx, wf, req, delegated, now)
		if err != nil {
			return err
		}

		grant, err := ResolvePermission(PermissionInput{
			ActorID:       req.ActorID,
			Action:        req.Action,
			Owner:         wf.Owner,
			Role:          role,
			Delegations:   delegated,
			Amount:        wf.Amount,
			Currency:      wf.Currency,
			Convert:       convertWith(ctx, s.converter, now),
			Now:           now,
			RequireDirect: req.Action == repository.ActionDelegate,
		})
		if err != nil {
			return err
		}

		approved, err := approvedAtLevel(ctx, tx, wf)
		if err != nil {
			return err
		}
		tr, err = ApplyAction(wf, ActionInput{
			Action:          req.Action,
			RoleName:        role.RoleName,
			ActorID:         req.ActorID,
			ExpectedLevel:   req.ExpectedLevel,
			ApprovedAtLevel: approved,
			Now:             now,
		})
		if err != nil {
			return err
		}

		action := &repository.ApprovalAction{
			ID:               uuid.NewString(),
			WorkflowID:       wf.ID,
			RoleID:           role.ID,
			RoleName:         role.RoleName,
			Action:           req.Action,
			Level:            wf.CurrentLevel,
			DecidedBy:        req.ActorID,
			DecidedAt:        now,
			Comments:         req.Comments,
			RequestedChanges: req.RequestedChanges,
			ChangePriority:   req.ChangePriority,
		}
		if grant.Delegation != nil {
			action.ViaDelegationID = &grant.Delegation.ID
		}

		if req.Action == repository.ActionDelegate {
			d, err := s.delegations.createIn(ctx, tx, s.delegationFor(wf, req, role, now), req.ActorID)
			if err != nil {
				return err
			}
			res.Delegation = d
			action.DelegatedTo = &d.DelegateID
			action.DelegationReason = &d.Reason
			action.DelegationStart = &d.StartsAt
			action.DelegationEnd = &d.EndsAt
		}

		if err := tx.Actions().Create(ctx, action); err != nil {
			return err
		}
		if err := tx.Workflows().Update(ctx, tr.After); err != nil {
			return err
		}

		entry, warning, err := s.ledger.appendIn(ctx, tx, AuditEvent{
			EventType:    tr.Event,
			EntityType:   repository.EntityWorkflow,
			EntityID:     wf.ID,
			ActorID:      req.ActorID,
			ActorRole:    role.RoleName,
			OldValues:    snapshot(workflowChange{Workflow: tr.Before}),
			NewValues:    snapshot(workflowChange{Workflow: tr.After, Action: action, Delegation: res.Delegation}),
			ChangeReason: req.Comments,
			Request:      req.Request,
			OccurredAt:   now,
		})
		if err != nil {
			return err
		}
		if warning != "" {
			res.Warnings = append(res.Warnings, warning)
		}
		res.Workflow = tr.After
		res.Action = action
		res.AuditEntry = entry
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.committed(ctx, tr)
	s.log.Info().
		Str("workflow_id", req.WorkflowID).
		Str("action", string(req.Action)).
		Str("actor_id", req.ActorID).
		Str("status", string(res.Workflow.Status)).
		Int("current_level", res.Workflow.CurrentLevel).
		Msg("Approval action recorded")
	return res, nil
}

// actingRole resolves the role the actor acts under. An explicit RoleID must
// belong to the workflow's owner and is then judged by the permission and
// level checks; otherwise the actor's own eligible roles are preferred over
// delegated ones.
func (s *WorkflowService) actingRole(
	ctx context.Context,
	tx repository.Store,
	wf *repository.ApprovalWorkflow,
	req ActionRequest,
	delegated []*repository.ApprovalDelegation,
	now time.Time,
) (*repository.ApprovalRole, error) {
	if req.RoleID != "" {
		role, err := tx.Roles().GetByID(ctx, req.RoleID)
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			return nil, errors.PermissionDenied("role", "role does not exist")
		}
		if err != nil {
			return nil, err
		}
		if role.Owner != wf.Owner {
			return nil, errors.PermissionDenied("role", "role belongs to another owner")
		}
		return role, nil
	}

	eligible := wf.Requirement.RolesAt(wf.CurrentLevel)
	own, err := tx.Roles().ListByActor(ctx, req.ActorID, true)
	if err != nil {
		return nil, err
	}
	var fallback *repository.ApprovalRole
	for _, role := range own {
		if role.Owner != wf.Owner {
			continue
		}
		if slices.Contains(eligible, role.RoleName) {
			return role, nil
		}
		if fallback == nil {
			fallback = role
		}
	}
	if req.Action != repository.ActionDelegate {
		for _, d := range delegated {
			if !d.InWindow(now) {
				continue
			}
			role, err := tx.Roles().GetByID(ctx, d.SourceRoleID)
			if err != nil {
				return nil, err
			}
			if role.IsActive && role.Owner == wf.Owner && slices.Contains(eligible, role.RoleName) {
				return role, nil
			}
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, errors.PermissionDenied("role", "actor holds no approval role for this workflow")
}

func (s *WorkflowService) delegationFor(
	wf *repository.ApprovalWorkflow,
	req ActionRequest,
	role *repository.ApprovalRole,
	now time.Time,
) DelegationInput {
	in := DelegationInput{
		SourceRoleID: role.ID,
		DelegateID:   req.DelegateTo,
		StartsAt:     now,
		Type:         repository.DelegationTemporary,
		AmountCap:    req.DelegationCap,
		Currency:     role.Currency,
		Reason:       req.DelegationReason,
		WorkflowID:   &wf.ID,
	}
	if req.DelegationStart != nil {
		in.StartsAt = *req.DelegationStart
	}
	switch {
	case req.DelegationEnd != nil:
		in.EndsAt = *req.DelegationEnd
	case wf.DueAt != nil:
		in.EndsAt = *wf.DueAt
	}
	return in
}

func approvedAtLevel(ctx context.Context, tx repository.Store, wf *repository.ApprovalWorkflow) ([]string, error) {
	if !wf.Requirement.Parallel {
		return nil, nil
	}
	actions, err := tx.Actions().ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, a := range actions {
		if a.Level == wf.CurrentLevel && a.Action == repository.ActionApprove {
			names = append(names, a.RoleName)
		}
	}
	return names, nil
}

// ── Administrative transitions ───────────────────────────────────────────────

// CancelWorkflow withdraws a pending workflow. The initiator or a holder of a
// bypass role may cancel.
func (s *WorkflowService) CancelWorkflow(ctx context.Context, id, reason string, actor Actor) (*ActionResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	now := s.clock()
	res := &ActionResult{}
	var tr Transition

	err := s.store.InTransaction(ctx, func(tx repository.Store) error {
		wf, err := tx.Workflows().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if wf.Status.IsTerminal() {
			return errors.WorkflowCompleted(wf.ID, string(wf.Status))
		}

		actorRole := "INITIATOR"
		if wf.InitiatedBy != actor.ID {
			role, err := s.bypassRole(ctx, tx, actor.ID)
			if err != nil {
				return err
			}
			if role == nil {
				return errors.PermissionDenied("initiator", "only the initiator or a bypass role can cancel a workflow")
			}
			actorRole = role.RoleName
		}

		tr, err = Cancel(wf, actor.ID, now)
		if err != nil {
			return err
		}
		if err := tx.Workflows().Update(ctx, tr.After); err != nil {
			return err
		}
		return s.audit(ctx, tx, res, tr, actor, actorRole, reason, nil)
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, tr)
	s.log.Info().Str("workflow_id", id).Str("actor_id", actor.ID).Msg("Approval workflow cancelled")
	return res, nil
}

// BypassWorkflow approves a pending workflow on the authority of a bypass
// role, skipping the remaining levels. The audit event is critical: it is
// retried and queued rather than dropped.
func (s *WorkflowService) BypassWorkflow(ctx context.Context, id, reason string, actor Actor) (*ActionResult, error) {
	ctx, span := s.tracer.Start(ctx, "WorkflowService.BypassWorkflow")
	defer span.End()

	if err := actor.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errors.InvalidInput("reason", "a bypass reason is required")
	}
	now := s.clock()
	res := &ActionResult{}
	var tr Transition

	err := s.store.InTransaction(ctx, func(tx repository.Store) error {
		wf, err := tx.Workflows().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if wf.Status.IsTerminal() {
			return errors.WorkflowCompleted(wf.ID, string(wf.Status))
		}
		role, err := s.bypassRole(ctx, tx, actor.ID)
		if err != nil {
			return err
		}
		if role == nil {
			return errors.PermissionDenied("bypass", "actor holds no bypass role")
		}

		tr, err = Bypass(wf, actor.ID, reason, now)
		if err != nil {
			return err
		}
		action := &repository.ApprovalAction{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			RoleID:     role.ID,
			RoleName:   role.RoleName,
			Action:     repository.ActionBypass,
			Level:      wf.CurrentLevel,
			DecidedBy:  actor.ID,
			DecidedAt:  now,
			Comments:   reason,
		}
		if err := tx.Actions().Create(ctx, action); err != nil {
			return err
		}
		if err := tx.Workflows().Update(ctx, tr.After); err != nil {
			return err
		}
		res.Action = action
		return s.audit(ctx, tx, res, tr, actor, role.RoleName, reason, action)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.committed(ctx, tr)
	s.log.Warn().
		Str("workflow_id", id).
		Str("actor_id", actor.ID).
		Str("reason", reason).
		Msg("Approval workflow bypassed")
	return res, nil
}

// EscalateOverdue marks an overdue pending workflow as escalated and
// notifies its escalation role. Called by an external scheduler.
func (s *WorkflowService) EscalateOverdue(ctx context.Context, id string) (*ActionResult, error) {
	now := s.clock()
	res := &ActionResult{}
	var tr Transition

	err := s.store.InTransaction(ctx, func(tx repository.Store) error {
		wf, err := tx.Workflows().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		tr, err = Escalate(wf, now)
		if err != nil {
			return err
		}
		if err := tx.Workflows().Update(ctx, tr.After); err != nil {
			return err
		}
		return s.audit(ctx, tx, res, tr, Actor{ID: SystemActor}, "", "approval timeout exceeded", nil)
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, tr)
	s.log.Info().
		Str("workflow_id", id).
		Str("escalation_role", tr.After.Requirement.EscalationRole).
		Msg("Approval workflow escalated")
	return res, nil
}

// ListOverdue returns pending workflows past their due time that have not
// been escalated yet.
func (s *WorkflowService) ListOverdue(ctx context.Context) ([]*repository.ApprovalWorkflow, error) {
	all, err := s.store.Workflows().ListOverdue(ctx, s.clock())
	if err != nil {
		return nil, err
	}
	out := make([]*repository.ApprovalWorkflow, 0, len(all))
	for _, wf := range all {
		if wf.EscalatedAt == nil {
			out = append(out, wf)
		}
	}
	return out, nil
}

// EscalateAllOverdue escalates every overdue workflow and returns how many
// were escalated. Failures are logged and skipped.
func (s *WorkflowService) EscalateAllOverdue(ctx context.Context) (int, error) {
	overdue, err := s.ListOverdue(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, wf := range overdue {
		if _, err := s.EscalateOverdue(ctx, wf.ID); err != nil {
			s.log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("Escalation failed")
			continue
		}
		n++
	}
	return n, nil
}

// ArchiveWorkflow retires a finished workflow so its transaction can be
// submitted again.
func (s *WorkflowService) ArchiveWorkflow(ctx context.Context, id string, actor Actor) (*ActionResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	now := s.clock()
	res := &ActionResult{}
	var tr Transition

	err := s.store.InTransaction(ctx, func(tx repository.Store) error {
		wf, err := tx.Workflows().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		tr, err = Archive(wf, now)
		if err != nil {
			return err
		}
		if err := tx.Workflows().Update(ctx, tr.After); err != nil {
			return err
		}
		return s.audit(ctx, tx, res, tr, actor, "", "", nil)
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, tr)
	return res, nil
}

func (s *WorkflowService) bypassRole(ctx context.Context, tx repository.Store, actorID string) (*repository.ApprovalRole, error) {
	roles, err := tx.Roles().ListByActor(ctx, actorID, true)
	if err != nil {
		return nil, err
	}
	return HoldsAny(roles, s.policy.BypassRoles), nil
}

func (s *WorkflowService) audit(
	ctx context.Context,
	tx repository.Store,
	res *ActionResult,
	tr Transition,
	actor Actor,
	actorRole, reason string,
	action *repository.ApprovalAction,
) error {
	entry, warning, err := s.ledger.appendIn(ctx, tx, AuditEvent{
		EventType:    tr.Event,
		EntityType:   repository.EntityWorkflow,
		EntityID:     tr.After.ID,
		ActorID:      actor.ID,
		ActorRole:    actorRole,
		OldValues:    snapshot(workflowChange{Workflow: tr.Before}),
		NewValues:    snapshot(workflowChange{Workflow: tr.After, Action: action}),
		ChangeReason: reason,
		Request:      actor.Request,
		OccurredAt:   tr.After.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if warning != "" {
		res.Warnings = append(res.Warnings, warning)
	}
	res.Workflow = tr.After
	res.AuditEntry = entry
	return nil
}

func (s *WorkflowService) committed(ctx context.Context, tr Transition) {
	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(tr.Event))))
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, tr.Effects)
	}
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetPendingApprovals returns pending workflows waiting on a role the actor
// holds or has been delegated, at their current level.
func (s *WorkflowService) GetPendingApprovals(ctx context.Context, actorID string) ([]*repository.ApprovalWorkflow, error) {
	now := s.clock()
	roles, err := s.store.Roles().ListByActor(ctx, actorID, true)
	if err != nil {
		return nil, err
	}
	delegated, err := s.store.Delegations().ListByDelegate(ctx, actorID, true)
	if err != nil {
		return nil, err
	}
	for _, d := range delegated {
		if !d.InWindow(now) {
			continue
		}
		role, err := s.store.Roles().GetByID(ctx, d.SourceRoleID)
		if err != nil {
			return nil, err
		}
		if role.IsActive {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return []*repository.ApprovalWorkflow{}, nil
	}

	pending, err := s.store.Workflows().ListPending(ctx)
	if err != nil {
		return nil, err
	}
	out := []*repository.ApprovalWorkflow{}
	for _, wf := range pending {
		eligible := wf.Requirement.RolesAt(wf.CurrentLevel)
		for _, role := range roles {
			if role.Owner == wf.Owner && slices.Contains(eligible, role.RoleName) {
				out = append(out, wf)
				break
			}
		}
	}
	return out, nil
}

// GetApprovalHistory returns the actions an actor has taken, newest first.
func (s *WorkflowService) GetApprovalHistory(ctx context.Context, actorID string) ([]*repository.ApprovalAction, error) {
	return s.store.Actions().ListByActor(ctx, actorID, historyLimit)
}

// GetWorkflowStatus returns a workflow with its actions, oldest first.
func (s *WorkflowService) GetWorkflowStatus(ctx context.Context, id string) (*WorkflowStatusView, error) {
	wf, err := s.store.Workflows().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	actions, err := s.store.Actions().ListByWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if actions == nil {
		actions = []*repository.ApprovalAction{}
	}

	view := &WorkflowStatusView{Workflow: wf, Actions: actions, PendingRoles: []string{}}
	if wf.Status == repository.StatusPending {
		approved := map[string]bool{}
		for _, a := range actions {
			if a.Level == wf.CurrentLevel && a.Action == repository.ActionApprove {
				approved[a.RoleName] = true
			}
		}
		for _, r := range wf.Requirement.RolesAt(wf.CurrentLevel) {
			if !wf.Requirement.Parallel || !approved[r] {
				view.PendingRoles = append(view.PendingRoles, r)
			}
		}
	}
	return view, nil
}

// GetWorkflowByTransaction returns the open workflow of a transaction.
func (s *WorkflowService) GetWorkflowByTransaction(ctx context.Context, transactionID string) (*repository.ApprovalWorkflow, error) {
	wf, err := s.store.Workflows().GetOpenByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, errors.WorkflowNotFound(transactionID).WithEntity("transaction", transactionID)
	}
	return wf, nil
}
