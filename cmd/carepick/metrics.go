package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/carepick/carepick/internal/metrics"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show job success, latency and cost metrics",
	Long: `Summarize jobs and runs created in the last --since-hours hours.

Costs are estimated from AI_TOKEN_PRICING_JSON, AI_COST_PER_RUN_BY_MODEL_JSON
or AI_PRICING_FILE; runs whose model has no price are not counted.`,
	Run: func(cmd *cobra.Command, args []string) {
		capability, _ := cmd.Flags().GetString("capability")
		sinceHours, _ := cmd.Flags().GetInt("since-hours")

		ctx := context.Background()
		a := mustOpenApp(ctx, false)
		defer a.Close()

		s, err := a.jobs.MetricsSummary(ctx, capability, sinceHours)
		if err != nil {
			fail(err)
		}
		printSummary(s)
	},
}

func init() {
	metricsCmd.Flags().String("capability", "", "Only count jobs of this capability")
	metricsCmd.Flags().Int("since-hours", 168, "Window size in hours")
	rootCmd.AddCommand(metricsCmd)
}

func printSummary(s *metrics.Summary) {
	title := "AI Job Metrics"
	if s.Capability != nil {
		title += " (" + *s.Capability + ")"
	}
	header(title)
	fmt.Printf("Window: last %dh (since %s)\n\n", s.SinceHours, s.WindowStart)

	rateColor := color.New(color.FgGreen)
	switch {
	case s.TotalJobs > 0 && s.SuccessRate < 0.5:
		rateColor = color.New(color.FgRed, color.Bold)
	case s.TotalJobs > 0 && s.SuccessRate < 0.9:
		rateColor = color.New(color.FgYellow)
	}

	section("Jobs:")
	fmt.Printf("  Total:      %d\n", s.TotalJobs)
	fmt.Printf("  Succeeded:  %d\n", s.SucceededJobs)
	fmt.Printf("  Failed:     %d\n", s.FailedJobs)
	fmt.Printf("  Running:    %d\n", s.RunningJobs)
	fmt.Printf("  Queued:     %d\n", s.QueuedJobs)
	fmt.Printf("  Success:    %s\n", rateColor.Sprint(percent(s.SuccessRate)))
	fmt.Printf("  Timeouts:   %d (%s)\n", s.TimeoutFailures, percent(s.TimeoutRate))
	fmt.Println()

	section("Runs:")
	fmt.Printf("  Total:      %d (%d succeeded, %d failed)\n", s.TotalRuns, s.SucceededRuns, s.FailedRuns)
	if s.AvgLatencyMs != nil {
		fmt.Printf("  Latency:    avg %.0fms", *s.AvgLatencyMs)
		if s.P95LatencyMs != nil {
			fmt.Printf(", p95 %dms", *s.P95LatencyMs)
		}
		fmt.Println()
	}
	fmt.Println()

	section("Cost:")
	fmt.Printf("  Pricing:    %s\n", s.PricingMode)
	fmt.Printf("  Estimated:  %.4f\n", s.TotalEstimatedCost)
	if s.AvgTaskCost != nil {
		fmt.Printf("  Per task:   %.4f\n", *s.AvgTaskCost)
	}
	fmt.Printf("  Coverage:   %s (%d/%d runs priced)\n", percent(s.CostCoverageRate), s.PricedRuns, s.TotalRuns)
	fmt.Println()
}
