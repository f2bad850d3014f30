package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	reportStart  string
	reportEnd    string
	reportWindow time.Duration
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Compliance reports over the audit ledger",
}

var reportComplianceCmd = &cobra.Command{
	Use:   "compliance",
	Short: "Event counts by type and actor, with every bypass",
	RunE: func(cmd *cobra.Command, _ []string) error {
		start, end, err := reportPeriod()
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			report, err := a.services.Compliance.GenerateComplianceReport(ctx, start, end)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var reportSuspiciousCmd = &cobra.Command{
	Use:   "suspicious",
	Short: "Actors with repeated bypasses or off-hours activity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		end := time.Now().UTC()
		if reportEnd != "" {
			t, err := time.Parse(time.RFC3339, reportEnd)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}
			end = t
		}
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			found, err := a.services.Compliance.IdentifySuspiciousActivities(ctx, end, reportWindow)
			if err != nil {
				return err
			}
			return printJSON(found)
		})
	},
}

var reportVelocityCmd = &cobra.Command{
	Use:   "velocity",
	Short: "Time from submission to decision for completed workflows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		start, end, err := reportPeriod()
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			report, err := a.services.Compliance.CalculateApprovalVelocity(ctx, start, end)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

// reportPeriod parses --start and --end. The period defaults to the last 30 days.
func reportPeriod() (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	if reportStart != "" {
		t, err := time.Parse(time.RFC3339, reportStart)
		if err != nil {
			return start, end, fmt.Errorf("invalid --start: %w", err)
		}
		start = t
	}
	if reportEnd != "" {
		t, err := time.Parse(time.RFC3339, reportEnd)
		if err != nil {
			return start, end, fmt.Errorf("invalid --end: %w", err)
		}
		end = t
	}
	return start, end, nil
}

func init() {
	reportCmd.PersistentFlags().StringVar(&reportStart, "start", "", "period start (RFC3339)")
	reportCmd.PersistentFlags().StringVar(&reportEnd, "end", "", "period end (RFC3339)")
	reportSuspiciousCmd.Flags().DurationVar(&reportWindow, "window", 24*time.Hour, "look-back window ending at --end")
	reportCmd.AddCommand(reportComplianceCmd, reportSuspiciousCmd, reportVelocityCmd)
	rootCmd.AddCommand(reportCmd)
}
