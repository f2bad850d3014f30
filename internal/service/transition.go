package service

import (
	"slices"
	"time"

	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// EffectKind names a side effect that runs after a transition commits.
type EffectKind string

const (
	EffectApprovalRequest EffectKind = "approval_request"
	EffectDecision        EffectKind = "decision"
	EffectEscalation      EffectKind = "escalation"
)

// Effect is a post-commit side effect. Roles is set for approval requests,
// Decision for decisions, and Roles[0] is the target of an escalation.
type Effect struct {
	Kind     EffectKind
	Workflow *repository.ApprovalWorkflow
	Roles    []string
	Decision string
}

// Transition is the result of applying one event to a workflow. Before and
// After are independent copies.
type Transition struct {
	Before  *repository.ApprovalWorkflow
	After   *repository.ApprovalWorkflow
	Event   repository.EventType
	Effects []Effect
}

// ActionInput describes an approver's action for ApplyAction.
type ActionInput struct {
	Action   repository.ActionType
	RoleName string
	ActorID  string
	// ExpectedLevel, when non-zero, must equal the workflow's current level.
	ExpectedLevel int
	// ApprovedAtLevel lists role names that already approved the current
	// level. Only parallel levels use it.
	ApprovedAtLevel []string
	Now             time.Time
}

// ApplyAction computes the state change for an approver action. It performs
// no I/O and never mutates wf.
func ApplyAction(wf *repository.ApprovalWorkflow, in ActionInput) (Transition, error) {
	if err := requireOpen(wf); err != nil {
		return Transition{}, err
	}
	if in.ExpectedLevel != 0 && in.ExpectedLevel != wf.CurrentLevel {
		return Transition{}, levelMismatch(wf, "workflow is at level %d, not %d", wf.CurrentLevel, in.ExpectedLevel)
	}
	eligible := wf.Requirement.RolesAt(wf.CurrentLevel)
	if !slices.Contains(eligible, in.RoleName) {
		return Transition{}, levelMismatch(wf, "role %s is not an approver at level %d", in.RoleName, wf.CurrentLevel)
	}

	t := begin(wf, in.Now)
	after := t.After

	switch in.Action {
	case repository.ActionApprove:
		if wf.Requirement.Parallel && slices.Contains(in.ApprovedAtLevel, in.RoleName) {
			return Transition{}, errors.PermissionDenied(string(CapApprove),
				"role "+in.RoleName+" has already approved this level")
		}
		if wf.Requirement.Parallel && !levelComplete(eligible, append(slices.Clone(in.ApprovedAtLevel), in.RoleName)) {
			t.Event = repository.EventActionTaken
			return t, nil
		}
		if after.CurrentLevel >= after.RequiredLevel {
			decide(after, repository.StatusApproved, in.ActorID, in.Now)
			t.Event = repository.EventWorkflowApproved
			t.Effects = append(t.Effects, Effect{Kind: EffectDecision, Workflow: after, Decision: string(repository.StatusApproved)})
			return t, nil
		}
		after.CurrentLevel++
		t.Event = repository.EventActionTaken
		t.Effects = append(t.Effects, Effect{
			Kind:     EffectApprovalRequest,
			Workflow: after,
			Roles:    slices.Clone(after.Requirement.RolesAt(after.CurrentLevel)),
		})

	case repository.ActionReject:
		decide(after, repository.StatusRejected, in.ActorID, in.Now)
		t.Event = repository.EventWorkflowRejected
		t.Effects = append(t.Effects, Effect{Kind: EffectDecision, Workflow: after, Decision: string(repository.StatusRejected)})

	case repository.ActionRequestChanges:
		t.Event = repository.EventActionTaken
		t.Effects = append(t.Effects, Effect{Kind: EffectDecision, Workflow: after, Decision: "CHANGES_REQUESTED"})

	case repository.ActionDelegate:
		t.Event = repository.EventActionTaken

	default:
		return Transition{}, errors.InvalidInput("action", "unsupported action "+string(in.Action))
	}
	return t, nil
}

// Cancel withdraws an open workflow.
func Cancel(wf *repository.ApprovalWorkflow, actorID string, now time.Time) (Transition, error) {
	if err := requireOpen(wf); err != nil {
		return Transition{}, err
	}
	t := begin(wf, now)
	decide(t.After, repository.StatusCancelled, actorID, now)
	t.Event = repository.EventWorkflowCancelled
	t.Effects = []Effect{{Kind: EffectDecision, Workflow: t.After, Decision: string(repository.StatusCancelled)}}
	return t, nil
}

// Bypass approves an open workflow without the remaining levels.
func Bypass(wf *repository.ApprovalWorkflow, actorID, reason string, now time.Time) (Transition, error) {
	if err := requireOpen(wf); err != nil {
		return Transition{}, err
	}
	if reason == "" {
		return Transition{}, errors.InvalidInput("reason", "a bypass reason is required")
	}
	t := begin(wf, now)
	decide(t.After, repository.StatusApproved, actorID, now)
	t.After.Bypass = &repository.Bypass{BypassedBy: actorID, BypassReason: reason, BypassedAt: now}
	t.Event = repository.EventWorkflowBypassed
	t.Effects = []Effect{{Kind: EffectDecision, Workflow: t.After, Decision: string(repository.StatusApproved)}}
	return t, nil
}

// Escalate marks an overdue workflow as escalated. The status is unchanged.
func Escalate(wf *repository.ApprovalWorkflow, now time.Time) (Transition, error) {
	if err := requireOpen(wf); err != nil {
		return Transition{}, err
	}
	if wf.DueAt == nil || !now.After(*wf.DueAt) {
		return Transition{}, errors.Validation("approval_workflow", "due_at", "workflow is not overdue").
			WithEntity("approval_workflow", wf.ID)
	}
	if wf.EscalatedAt != nil {
		return Transition{}, errors.Validation("approval_workflow", "escalated_at", "workflow is already escalated").
			WithEntity("approval_workflow", wf.ID)
	}
	t := begin(wf, now)
	t.After.EscalatedAt = &now
	t.Event = repository.EventWorkflowEscalated
	if role := wf.Requirement.EscalationRole; role != "" {
		t.Effects = []Effect{{Kind: EffectEscalation, Workflow: t.After, Roles: []string{role}}}
	}
	return t, nil
}

// Archive retires a finished workflow so its transaction can be submitted
// again.
func Archive(wf *repository.ApprovalWorkflow, now time.Time) (Transition, error) {
	if !wf.Status.IsTerminal() {
		return Transition{}, errors.Validation("approval_workflow", "status", "only finished workflows can be archived").
			WithEntity("approval_workflow", wf.ID)
	}
	if wf.Archived {
		return Transition{}, errors.Validation("approval_workflow", "archived", "workflow is already archived").
			WithEntity("approval_workflow", wf.ID)
	}
	t := begin(wf, now)
	t.After.Archived = true
	t.Event = repository.EventWorkflowArchived
	return t, nil
}

func requireOpen(wf *repository.ApprovalWorkflow) error {
	if wf.Status.IsTerminal() {
		return errors.WorkflowCompleted(wf.ID, string(wf.Status))
	}
	return nil
}

func begin(wf *repository.ApprovalWorkflow, now time.Time) Transition {
	after := wf.Clone()
	after.Version++
	after.UpdatedAt = now
	return Transition{Before: wf.Clone(), After: after}
}

func decide(wf *repository.ApprovalWorkflow, status repository.WorkflowStatus, actorID string, now time.Time) {
	wf.Status = status
	wf.FinalDecision = &status
	wf.DecidedBy = &actorID
	wf.DecidedAt = &now
	wf.CompletedAt = &now
}

func levelComplete(eligible, approved []string) bool {
	for _, r := range eligible {
		if !slices.Contains(approved, r) {
			return false
		}
	}
	return true
}

func levelMismatch(wf *repository.ApprovalWorkflow, format string, args ...any) error {
	return errors.Newf(errors.ErrCodeLevelMismatch, format, args...).WithEntity("approval_workflow", wf.ID)
}
