package service

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-approvals/internal/failsafe"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// ReplayResult counts what a replay did with the queued records.
type ReplayResult struct {
	Recorded  int `json:"recorded"`
	Discarded int `json:"discarded"`
}

// ReplayFailsafe drains the failsafe queue into the ledger. A queued bypass
// is recorded only if the workflow committed with matching bypass metadata
// and no bypass entry exists for it yet; otherwise the record is discarded.
func (l *AuditLedger) ReplayFailsafe(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	if l.queue == nil {
		return res, nil
	}

	_, err := l.queue.Drain(ctx, func(ctx context.Context, rec failsafe.Record) error {
		if rec.Kind != failsafeKindAudit {
			l.log.Warn().Str("record_id", rec.ID).Str("kind", rec.Kind).Msg("Discarding unknown failsafe record")
			res.Discarded++
			return nil
		}
		var ev AuditEvent
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			l.log.Warn().Err(err).Str("record_id", rec.ID).Msg("Discarding unreadable failsafe record")
			res.Discarded++
			return nil
		}

		keep, reason, err := l.shouldReplay(ctx, ev)
		if err != nil {
			return err
		}
		if !keep {
			l.log.Warn().
				Str("record_id", rec.ID).
				Str("entity_id", ev.EntityID).
				Str("reason", reason).
				Msg("Discarding failsafe record")
			res.Discarded++
			return nil
		}

		if _, err := l.Record(ctx, ev); err != nil {
			return err
		}
		res.Recorded++
		return nil
	})
	if err != nil {
		return res, err
	}

	l.log.Info().
		Int("recorded", res.Recorded).
		Int("discarded", res.Discarded).
		Msg("Failsafe queue replayed")
	return res, nil
}

func (l *AuditLedger) shouldReplay(ctx context.Context, ev AuditEvent) (bool, string, error) {
	if ev.EventType != repository.EventWorkflowBypassed {
		return true, "", nil
	}

	wf, err := l.store.Workflows().GetByID(ctx, ev.EntityID)
	if errors.HasCode(err, errors.ErrCodeWorkflowNotFound) {
		return false, "workflow does not exist", nil
	}
	if err != nil {
		return false, "", err
	}
	if wf.Bypass == nil || wf.Bypass.BypassedBy != ev.ActorID {
		return false, "workflow has no matching committed bypass", nil
	}

	_, total, err := l.store.Audit().Query(ctx, repository.AuditFilter{
		EntityType:      repository.EntityWorkflow,
		EntityID:        ev.EntityID,
		EventTypes:      []repository.EventType{repository.EventWorkflowBypassed},
		IncludeArchived: true,
		Limit:           1,
	})
	if err != nil {
		return false, "", err
	}
	if total > 0 {
		return false, "bypass already recorded", nil
	}
	return true, "", nil
}
