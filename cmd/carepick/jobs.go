package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/export"
	"github.com/carepick/carepick/internal/types"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Create and inspect AI jobs",
}

var jobCreateCmd = &cobra.Command{
	Use:   "create <capability>",
	Short: "Create an AI job and run it",
	Long: `Create a job for a capability. The job runs immediately unless
--queue is set.

Input is a JSON object given inline or read from a file with @path.

Examples:
  carepick job create doubao.ingredient_enrich --input '{"ingredient":"Glycerin"}'
  carepick job create doubao.stage1_vision --input '{"image_path":"images/x.jpg"}' --trace-id x -v
  carepick job create doubao.stage2_struct --input @vision.json --queue`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rawInput, _ := cmd.Flags().GetString("input")
		traceID, _ := cmd.Flags().GetString("trace-id")
		queue, _ := cmd.Flags().GetBool("queue")
		verbose, _ := cmd.Flags().GetBool("verbose")

		input, err := parseInput(rawInput)
		if err != nil {
			fail(err)
		}

		ctx := context.Background()
		a := mustOpenApp(ctx, false)
		defer a.Close()

		var job *types.Job
		if queue {
			job, err = a.jobs.CreateJob(ctx, args[0], input, traceID)
		} else {
			p := newProgressPrinter(verbose)
			job, err = a.jobs.CreateAndRun(ctx, args[0], input, traceID, p.Func())
			p.Done()
		}
		if err != nil {
			fail(err)
		}
		printJob(job)
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpenApp(ctx, false)
		defer a.Close()

		job, err := a.jobs.GetJob(ctx, args[0])
		if err != nil {
			fail(err)
		}
		printJob(job)
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		capability, _ := cmd.Flags().GetString("capability")
		rawStatus, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		xlsxPath, _ := cmd.Flags().GetString("xlsx")

		filter := types.JobFilter{Capability: capability, Offset: offset, Limit: limit}
		if rawStatus != "" {
			status, err := types.ParseJobStatus(rawStatus)
			if err != nil {
				fail(err)
			}
			filter.Status = status
		}

		ctx := context.Background()
		a := mustOpenApp(ctx, false)
		defer a.Close()

		jobs, err := a.jobs.ListJobs(ctx, filter)
		if err != nil {
			fail(err)
		}
		if xlsxPath != "" {
			data, err := export.JobsXLSX(jobs)
			if err != nil {
				fail(err)
			}
			writeExport(xlsxPath, data, len(jobs))
			return
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs found")
			return
		}
		for _, j := range jobs {
			c := statusColor(j.Status)
			fmt.Printf("%s %s  %-30s %s  %s\n",
				c.Sprint(statusIcon(j.Status)),
				j.ID,
				j.Capability,
				c.Sprintf("%-9s", j.Status),
				color.New(color.FgHiBlack).Sprint(j.CreatedAt.Local().Format("2006-01-02 15:04:05")),
			)
			if j.Error != nil {
				fmt.Printf("    %s\n", color.RedString("%s: %s", j.Error.Code, truncateString(j.Error.Message, 100)))
			}
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run a queued or failed job",
	Long: `Run a job that is queued or has failed. Each call records a new run;
a job that is already running or has succeeded is rejected.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")

		ctx := context.Background()
		a := mustOpenApp(ctx, false)
		defer a.Close()

		p := newProgressPrinter(verbose)
		job, err := a.jobs.RunJob(ctx, args[0], p.Func())
		p.Done()
		if err != nil {
			fail(err)
		}
		printJob(job)
		if job.Status == types.JobFailed {
			os.Exit(1)
		}
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List job runs, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		jobID, _ := cmd.Flags().GetString("job")
		capability, _ := cmd.Flags().GetString("capability")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		ctx := context.Background()
		a := mustOpenApp(ctx, false)
		defer a.Close()

		runs, err := a.jobs.ListRuns(ctx, types.RunFilter{
			JobID:      jobID,
			Capability: capability,
			Offset:     offset,
			Limit:      limit,
		})
		if err != nil {
			fail(err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs found")
			return
		}
		gray := color.New(color.FgHiBlack)
		for _, r := range runs {
			c := statusColor(r.Status)
			latency := "-"
			if r.LatencyMs != nil {
				latency = (time.Duration(*r.LatencyMs) * time.Millisecond).String()
			}
			fmt.Printf("%s %s  job=%s  %s  %s  %s\n",
				c.Sprint(statusIcon(r.Status)),
				r.ID,
				r.JobID,
				c.Sprintf("%-9s", r.Status),
				latency,
				gray.Sprint(r.Model),
			)
			if r.Usage != nil {
				fmt.Printf("    %s\n", gray.Sprintf("tokens in=%d out=%d cached=%d",
					r.Usage.InputTokens, r.Usage.OutputTokens, r.Usage.CachedTokens))
			}
			if r.Error != nil {
				fmt.Printf("    %s\n", color.RedString("%s: %s", r.Error.Code, truncateString(r.Error.Message, 100)))
			}
		}
	},
}

func init() {
	jobCreateCmd.Flags().String("input", "{}", "Capability input as JSON, or @file")
	jobCreateCmd.Flags().String("trace-id", "", "Trace id for artifacts")
	jobCreateCmd.Flags().Bool("queue", false, "Create the job without running it")
	jobCreateCmd.Flags().BoolP("verbose", "v", false, "Stream model output while running")

	jobListCmd.Flags().String("capability", "", "Filter by capability")
	jobListCmd.Flags().String("status", "", "Filter by status (queued, running, succeeded, failed)")
	jobListCmd.Flags().IntP("limit", "n", 20, "Maximum jobs to show (1-200)")
	jobListCmd.Flags().Int("offset", 0, "Jobs to skip")
	jobListCmd.Flags().String("xlsx", "", "Write the listing to an .xlsx file instead")

	jobCmd.AddCommand(jobCreateCmd, jobGetCmd, jobListCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Stream model output while running")

	runsCmd.Flags().String("job", "", "Filter by job id")
	runsCmd.Flags().String("capability", "", "Filter by capability")
	runsCmd.Flags().IntP("limit", "n", 20, "Maximum runs to show (1-200)")
	runsCmd.Flags().Int("offset", 0, "Runs to skip")

	rootCmd.AddCommand(jobCmd, runCmd, runsCmd)
}

// parseInput decodes a JSON object given inline or as @path
func parseInput(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		raw = string(data)
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, ai.InvalidInput("input must be a JSON object: %v", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

func printJob(j *types.Job) {
	c := statusColor(j.Status)
	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s %s %s\n", c.Sprint(statusIcon(j.Status)), bold(j.ID), c.Sprint(j.Status))
	fmt.Printf("  Capability: %s\n", j.Capability)
	if j.TraceID != "" {
		fmt.Printf("  Trace:      %s\n", j.TraceID)
	}
	if j.Model != "" {
		fmt.Printf("  Model:      %s\n", j.Model)
	}
	if j.PromptKey != "" {
		fmt.Printf("  Prompt:     %s@%s\n", j.PromptKey, j.PromptVersion)
	}
	fmt.Printf("  Created:    %s\n", j.CreatedAt.Local().Format(time.RFC3339))
	if j.StartedAt != nil && j.FinishedAt != nil {
		fmt.Printf("  Elapsed:    %s\n", j.FinishedAt.Sub(*j.StartedAt).Round(time.Millisecond))
	}
	if j.Error != nil {
		fmt.Printf("  %s %s (%d): %s\n", color.RedString("Error:"), j.Error.Code, j.Error.HTTPStatus, j.Error.Message)
	}
	if len(j.Output) > 0 {
		data, err := json.MarshalIndent(j.Output, "  ", "  ")
		if err == nil {
			section("  Output:")
			fmt.Printf("  %s\n", data)
		}
	}
}

// writeExport writes an exported workbook to path
func writeExport(path string, data []byte, rows int) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fail(fmt.Errorf("failed to write %s: %w", path, err))
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Wrote %d row(s) to %s\n", green("✓"), rows, path)
}
