package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-approvals/internal/service"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Audit ledger maintenance",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify every audit entry and hash chain",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			report, err := a.services.Ledger.VerifyAll(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if len(report.Violations) > 0 {
				return fmt.Errorf("ledger verification found %d violation(s)", len(report.Violations))
			}
			return nil
		})
	},
}

var archiveBefore string

var ledgerArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Move entries past the retention horizon to cold storage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), appOptions{archive: true}, func(ctx context.Context, a *app) error {
			cutoff := service.RetentionCutoff(time.Now(), a.cfg.Approval.RetentionYears)
			if archiveBefore != "" {
				t, err := time.Parse(time.RFC3339, archiveBefore)
				if err != nil {
					return fmt.Errorf("invalid --before: %w", err)
				}
				cutoff = t
			}
			a.log.Info().Time("cutoff", cutoff).Msg("Archiving audit entries")
			res, err := a.archiver.ArchiveOlderThan(ctx, cutoff)
			if res != nil {
				if perr := printJSON(res); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		})
	},
}

var ledgerReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Record queued critical audit events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			res, err := a.services.Ledger.ReplayFailsafe(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var ledgerEscalateCmd = &cobra.Command{
	Use:   "escalate",
	Short: "Escalate every workflow past its due date",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			n, err := a.services.Workflows.EscalateAllOverdue(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"escalated": n})
		})
	},
}

func init() {
	ledgerArchiveCmd.Flags().StringVar(&archiveBefore, "before", "", "archive entries older than this RFC3339 instant (default: retention horizon)")
	ledgerCmd.AddCommand(ledgerVerifyCmd, ledgerArchiveCmd, ledgerReplayCmd, ledgerEscalateCmd)
	rootCmd.AddCommand(ledgerCmd)
}

// withApp loads config, builds the app, runs fn and releases everything.
func withApp(ctx context.Context, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, log, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
