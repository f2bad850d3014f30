package service

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// Suspicious activity kinds.
const (
	SuspiciousFrequentBypasses = "frequentBypasses"
	SuspiciousOffHours         = "offHoursActivity"
)

// SuspiciousConfig sets the thresholds for IdentifySuspiciousActivities.
// Business hours are [BusinessStartHour, BusinessEndHour) UTC on weekdays.
type SuspiciousConfig struct {
	BypassThreshold   int
	OffHoursThreshold int
	BusinessStartHour int
	BusinessEndHour   int
}

// ComplianceReport aggregates ledger activity over a period.
type ComplianceReport struct {
	Start             time.Time                      `json:"start"`
	End               time.Time                      `json:"end"`
	GeneratedAt       time.Time                      `json:"generated_at"`
	TotalEvents       int                            `json:"total_events"`
	EventsByType      map[string]int                 `json:"events_by_type"`
	EventsByActor     map[string]int                 `json:"events_by_actor"`
	BypassCount       int                            `json:"bypass_count"`
	Bypasses          []*repository.ApprovalAuditLog `json:"bypasses"`
	ComplianceFlagged int                            `json:"compliance_flagged"`
}

// SuspiciousActivity is one flagged actor.
type SuspiciousActivity struct {
	ActorID  string    `json:"actor_id"`
	Kind     string    `json:"kind"`
	Count    int       `json:"count"`
	EntryIDs []string  `json:"entry_ids"`
	FirstAt  time.Time `json:"first_at"`
	LastAt   time.Time `json:"last_at"`
}

// VelocityReport describes how long completed workflows took from
// initiation to completion.
type VelocityReport struct {
	Start  time.Time     `json:"start"`
	End    time.Time     `json:"end"`
	Count  int           `json:"count"`
	Mean   time.Duration `json:"mean_ns"`
	Median time.Duration `json:"median_ns"`
	Min    time.Duration `json:"min_ns"`
	Max    time.Duration `json:"max_ns"`
}

// ComplianceService produces the compliance views of the ledger.
type ComplianceService struct {
	base
	store  repository.Store
	ledger *AuditLedger
	cfg    SuspiciousConfig
}

// NewComplianceService creates a ComplianceService.
func NewComplianceService(store repository.Store, ledger *AuditLedger, cfg SuspiciousConfig, log *logger.Logger, opts ...Option) *ComplianceService {
	if cfg.BypassThreshold < 1 {
		cfg.BypassThreshold = 2
	}
	if cfg.OffHoursThreshold < 1 {
		cfg.OffHoursThreshold = 2
	}
	if cfg.BusinessEndHour <= cfg.BusinessStartHour {
		cfg.BusinessStartHour, cfg.BusinessEndHour = 8, 20
	}
	return &ComplianceService{
		base:   newBase(log, "compliance", opts),
		store:  store,
		ledger: ledger,
		cfg:    cfg,
	}
}

// GenerateComplianceReport counts events in [start, end) by type and actor
// and lists every bypass.
func (c *ComplianceService) GenerateComplianceReport(ctx context.Context, start, end time.Time) (*ComplianceReport, error) {
	ctx, span := c.tracer.Start(ctx, "ComplianceService.GenerateComplianceReport")
	defer span.End()

	entries, err := c.entriesBetween(ctx, start, end)
	if err != nil {
		return nil, err
	}

	report := &ComplianceReport{
		Start:         start,
		End:           end,
		GeneratedAt:   c.clock(),
		EventsByType:  map[string]int{},
		EventsByActor: map[string]int{},
		Bypasses:      []*repository.ApprovalAuditLog{},
	}
	for _, e := range entries {
		report.TotalEvents++
		report.EventsByType[string(e.EventType)]++
		report.EventsByActor[e.ActorID]++
		if e.ComplianceFlag {
			report.ComplianceFlagged++
		}
		if e.EventType == repository.EventWorkflowBypassed {
			report.BypassCount++
			report.Bypasses = append(report.Bypasses, e)
		}
	}
	return report, nil
}

// IdentifySuspiciousActivities flags actors with repeated bypasses or
// repeated off-hours activity in [end-window, end). The system actor is
// never flagged for off-hours activity.
func (c *ComplianceService) IdentifySuspiciousActivities(ctx context.Context, end time.Time, window time.Duration) ([]SuspiciousActivity, error) {
	if window <= 0 {
		return nil, errors.InvalidInput("window", "window must be positive")
	}
	entries, err := c.entriesBetween(ctx, end.Add(-window), end)
	if err != nil {
		return nil, err
	}

	bypasses := map[string][]*repository.ApprovalAuditLog{}
	offHours := map[string][]*repository.ApprovalAuditLog{}
	for _, e := range entries {
		if e.EventType == repository.EventWorkflowBypassed {
			bypasses[e.ActorID] = append(bypasses[e.ActorID], e)
		}
		if e.ActorID != SystemActor && !c.businessHours(e.Timestamp) {
			offHours[e.ActorID] = append(offHours[e.ActorID], e)
		}
	}

	out := []SuspiciousActivity{}
	out = appendFlagged(out, SuspiciousFrequentBypasses, bypasses, c.cfg.BypassThreshold)
	out = appendFlagged(out, SuspiciousOffHours, offHours, c.cfg.OffHoursThreshold)

	if len(out) > 0 {
		c.log.Warn().Int("flagged", len(out)).Dur("window", window).Msg("Suspicious activity identified")
	}
	return out, nil
}

func (c *ComplianceService) businessHours(t time.Time) bool {
	t = t.UTC()
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return t.Hour() >= c.cfg.BusinessStartHour && t.Hour() < c.cfg.BusinessEndHour
}

func appendFlagged(out []SuspiciousActivity, kind string, byActor map[string][]*repository.ApprovalAuditLog, threshold int) []SuspiciousActivity {
	actors := make([]string, 0, len(byActor))
	for a := range byActor {
		actors = append(actors, a)
	}
	sort.Strings(actors)

	for _, actor := range actors {
		entries := byActor[actor]
		if len(entries) < threshold {
			continue
		}
		act := SuspiciousActivity{
			ActorID: actor,
			Kind:    kind,
			Count:   len(entries),
			FirstAt: entries[0].Timestamp,
			LastAt:  entries[len(entries)-1].Timestamp,
		}
		for _, e := range entries {
			act.EntryIDs = append(act.EntryIDs, e.ID)
		}
		out = append(out, act)
	}
	return out
}

// CalculateApprovalVelocity reports completion times of workflows approved
// or rejected in [start, end). Cancelled workflows are excluded.
func (c *ComplianceService) CalculateApprovalVelocity(ctx context.Context, start, end time.Time) (*VelocityReport, error) {
	if !start.Before(end) {
		return nil, errors.InvalidInput("end", "end must be after start")
	}
	wfs, err := c.store.Workflows().ListCompleted(ctx, start, end)
	if err != nil {
		return nil, err
	}

	var durations []time.Duration
	for _, wf := range wfs {
		if wf.Status == repository.StatusCancelled || wf.CompletedAt == nil {
			continue
		}
		durations = append(durations, wf.CompletedAt.Sub(wf.InitiatedAt))
	}

	report := &VelocityReport{Start: start, End: end, Count: len(durations)}
	if len(durations) == 0 {
		return report, nil
	}
	slices.Sort(durations)

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	n := len(durations)
	report.Mean = total / time.Duration(n)
	report.Min = durations[0]
	report.Max = durations[n-1]
	if n%2 == 1 {
		report.Median = durations[n/2]
	} else {
		report.Median = (durations[n/2-1] + durations[n/2]) / 2
	}
	return report, nil
}

func (c *ComplianceService) entriesBetween(ctx context.Context, start, end time.Time) ([]*repository.ApprovalAuditLog, error) {
	if !start.Before(end) {
		return nil, errors.InvalidInput("end", "end must be after start")
	}
	return c.ledger.queryAll(ctx, repository.AuditFilter{
		Start:           &start,
		End:             &end,
		IncludeArchived: true,
	})
}
