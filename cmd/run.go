package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvest/internal/app"
	"github.com/JakeFAU/harvest/internal/pipeline"
)

// newRunCmd creates the 'run' subcommand, a single pass over some or all targets.
func newRunCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run [target-id...]",
		Short: "Run targets once and print their reports",
		Long: `Runs the named targets, or every enabled target, once and prints one
JSON report per target. With --dry-run records are kept in memory and new
records are logged instead of sent, so nothing outside the process changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunCommand(cmd, args, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use an in-memory store and log notifications")
	return cmd
}

func runRunCommand(cmd *cobra.Command, args []string, dryRun bool) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), e.cfg, e.logger, app.Options{DryRun: dryRun})
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer closeApp(a, e.logger)

	reports, err := a.RunOnce(cmd.Context(), args)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, r := range reports {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		if r.State == pipeline.StateFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(reports))
	}
	return nil
}
