package service

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
)

const dispatchTimeout = 10 * time.Second

// Dispatcher runs post-commit effects. Failures are logged, never returned:
// the state change has already committed.
type Dispatcher interface {
	Dispatch(ctx context.Context, effects []Effect)
}

// NotifierDispatcher sends effects through a client.Notifier.
type NotifierDispatcher struct {
	notifier client.Notifier
	log      *logger.Logger
	async    bool
	wg       sync.WaitGroup
}

// NewNotifierDispatcher creates a dispatcher. With async set each batch runs
// on its own goroutine detached from the request context.
func NewNotifierDispatcher(notifier client.Notifier, log *logger.Logger, async bool) *NotifierDispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &NotifierDispatcher{notifier: notifier, log: log.Component("dispatcher"), async: async}
}

// Dispatch sends effects.
func (d *NotifierDispatcher) Dispatch(ctx context.Context, effects []Effect) {
	if len(effects) == 0 || d.notifier == nil {
		return
	}
	if !d.async {
		d.run(ctx, effects)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
		defer cancel()
		d.run(ctx, effects)
	}()
}

// Wait blocks until in-flight asynchronous dispatches finish.
func (d *NotifierDispatcher) Wait() { d.wg.Wait() }

func (d *NotifierDispatcher) run(ctx context.Context, effects []Effect) {
	for _, e := range effects {
		var err error
		switch e.Kind {
		case EffectApprovalRequest:
			err = d.notifier.SendApprovalRequest(ctx, e.Workflow, e.Roles)
		case EffectDecision:
			err = d.notifier.SendDecisionNotification(ctx, e.Workflow, e.Decision)
		case EffectEscalation:
			if len(e.Roles) > 0 {
				err = d.notifier.SendEscalationNotification(ctx, e.Workflow, e.Roles[0])
			}
		}
		if err != nil {
			d.log.Warn().
				Err(err).
				Str("workflow_id", e.Workflow.ID).
				Str("effect", string(e.Kind)).
				Msg("Notification failed")
		}
	}
}
