package client

import (
	"context"
	"time"

	"github.com/pesio-ai/be-approvals/internal/repository"
)

// Notifier delivers workflow notifications. Implementations must tolerate
// being called after the triggering transaction has committed; failures are
// reported to the caller but never roll anything back.
type Notifier interface {
	SendApprovalRequest(ctx context.Context, wf *repository.ApprovalWorkflow, approverRoles []string) error
	SendDecisionNotification(ctx context.Context, wf *repository.ApprovalWorkflow, decision string) error
	SendEscalationNotification(ctx context.Context, wf *repository.ApprovalWorkflow, escalationRole string) error
}

// Converter converts an amount in minor units between ISO 4217 currencies.
type Converter interface {
	Convert(ctx context.Context, amount int64, from, to string, asOf time.Time) (int64, error)
}

// RateSource returns how many units of to one unit of from buys on asOf.
type RateSource interface {
	Rate(ctx context.Context, from, to string, asOf time.Time) (float64, error)
}

// Publisher sends a payload to a subject. Satisfied by the NATS client.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}
