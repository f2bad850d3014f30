package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approvals/internal/repository"
)

// NotificationPublisher publishes approval workflow events to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: approval_required, approval_decided, approval_escalated
//
// Recipients are role names; the notifications service resolves them to
// people.
type NotificationPublisher struct {
	nats Publisher
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	Owner        string         `json:"owner"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats Publisher, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// SendApprovalRequest tells the holders of approverRoles that the workflow
// is waiting on them.
func (p *NotificationPublisher) SendApprovalRequest(ctx context.Context, wf *repository.ApprovalWorkflow, approverRoles []string) error {
	return p.publish(ctx, "approval_required", wf, approverRoles, true, "info", map[string]any{
		"current_level":  wf.CurrentLevel,
		"required_level": wf.RequiredLevel,
		"due_at":         wf.DueAt,
	})
}

// SendDecisionNotification tells the initiator the outcome.
func (p *NotificationPublisher) SendDecisionNotification(ctx context.Context, wf *repository.ApprovalWorkflow, decision string) error {
	return p.publish(ctx, "approval_decided", wf, []string{wf.InitiatedBy}, false, "info", map[string]any{
		"decision":   decision,
		"decided_by": wf.DecidedBy,
	})
}

// SendEscalationNotification alerts the escalation role about an overdue
// workflow.
func (p *NotificationPublisher) SendEscalationNotification(ctx context.Context, wf *repository.ApprovalWorkflow, escalationRole string) error {
	return p.publish(ctx, "approval_escalated", wf, []string{escalationRole}, true, "warning", map[string]any{
		"current_level": wf.CurrentLevel,
		"due_at":        wf.DueAt,
	})
}

func (p *NotificationPublisher) publish(
	ctx context.Context,
	eventType string,
	wf *repository.ApprovalWorkflow,
	recipients []string,
	actionable bool,
	severity string,
	extra map[string]any,
) error {
	if p.nats == nil || len(recipients) == 0 {
		return nil
	}

	payload := map[string]any{
		"transaction_id": wf.TransactionID,
		"status":         wf.Status,
		"amount":         wf.Amount,
		"currency":       wf.Currency,
	}
	for k, v := range extra {
		payload[k] = v
	}

	event := &NotificationEvent{
		EventType:    eventType,
		Owner:        wf.Owner,
		Recipients:   recipients,
		ResourceType: "approval_workflow",
		ResourceID:   wf.ID,
		IsActionable: actionable,
		Severity:     severity,
		Category:     "approvals",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", eventType, err)
	}

	subject := "notifications.approvals." + eventType
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		return err
	}

	p.log.Debug().
		Str("subject", subject).
		Str("workflow_id", wf.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
	return nil
}

// LogNotifier writes notifications to the log. It is used when no NATS URL
// is configured.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) SendApprovalRequest(_ context.Context, wf *repository.ApprovalWorkflow, approverRoles []string) error {
	n.log.Info().
		Str("workflow_id", wf.ID).
		Int("level", wf.CurrentLevel).
		Strs("roles", approverRoles).
		Msg("Approval requested")
	return nil
}

func (n *LogNotifier) SendDecisionNotification(_ context.Context, wf *repository.ApprovalWorkflow, decision string) error {
	n.log.Info().
		Str("workflow_id", wf.ID).
		Str("initiated_by", wf.InitiatedBy).
		Str("decision", decision).
		Msg("Approval decided")
	return nil
}

func (n *LogNotifier) SendEscalationNotification(_ context.Context, wf *repository.ApprovalWorkflow, escalationRole string) error {
	n.log.Warn().
		Str("workflow_id", wf.ID).
		Str("escalation_role", escalationRole).
		Msg("Approval escalated")
	return nil
}
