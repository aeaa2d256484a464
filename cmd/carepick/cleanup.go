package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/carepick/carepick/internal/artifacts"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Cleanup and maintenance commands",
	Long:  `Commands for cleaning up old data.`,
}

var cleanupArtifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Remove expired model artifacts",
	Long: `Delete model artifact traces (doubao_runs/<trace_id>/) whose last write is
older than the retention window.

The most recent --keep-min traces are always kept. Defaults come from
DOUBAO_ARTIFACT_TTL_DAYS and CAREPICK_ARTIFACT_KEEP_MIN.

Examples:
  carepick cleanup artifacts               # use configured retention
  carepick cleanup artifacts --days 3      # remove traces older than 3 days
  carepick cleanup artifacts --dry-run     # preview what would be deleted`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		retention := cfg.Retention
		if cmd.Flags().Changed("days") {
			retention.TTLDays, _ = cmd.Flags().GetInt("days")
		}
		if cmd.Flags().Changed("keep-min") {
			retention.KeepMin, _ = cmd.Flags().GetInt("keep-min")
		}
		if err := retention.Validate(); err != nil {
			fail(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		store, err := artifacts.NewStore(ctx, cfg.Artifacts, cfg.Storage.Dir)
		if err != nil {
			fail(err)
		}

		if dryRun {
			fmt.Printf("%s\n", color.YellowString("DRY RUN MODE - No artifacts will be deleted"))
		}
		fmt.Printf("Scanning artifacts (retention: %d days, keep newest %d)...\n\n", retention.TTLDays, retention.KeepMin)

		res, err := artifacts.Cleanup(ctx, store, retention.TTL(), retention.KeepMin, dryRun, time.Now())
		if err != nil {
			fail(fmt.Errorf("artifact cleanup failed: %w", err))
		}

		fmt.Printf("Scanned %d trace(s), kept %d\n", res.Scanned, res.Kept)
		if dryRun {
			for _, id := range res.Removed {
				fmt.Printf("  would remove %s\n", id)
			}
			fmt.Printf("Would delete %d trace(s), %d file(s)\n", len(res.Removed), res.RemovedFiles)
			fmt.Printf("Run without --dry-run to perform cleanup\n")
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Deleted %d trace(s), %d file(s)\n", green("✓"), len(res.Removed), res.RemovedFiles)
	},
}

func init() {
	cleanupArtifactsCmd.Flags().Int("days", 14, "Remove traces older than this many days (1-365)")
	cleanupArtifactsCmd.Flags().Int("keep-min", 20, "Always keep this many newest traces")
	cleanupArtifactsCmd.Flags().Bool("dry-run", false, "Preview without deleting")
	cleanupCmd.AddCommand(cleanupArtifactsCmd)
	rootCmd.AddCommand(cleanupCmd)
}
