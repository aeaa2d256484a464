package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/carepick/carepick/internal/catalog"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <image>...",
	Short: "Read product label images into the catalog",
	Long: `Run the two-stage pipeline on each image: vision OCR (stage 1), then
structured extraction and validation (stage 2).

Use --stage1-only to stop after OCR and --resume <trace-id> to run stage 2
for an earlier stage 1 upload.

Examples:
  carepick ingest label.jpg back.png
  carepick ingest label.jpg --stage1-only -v
  carepick ingest --resume 5f0c...`,
	Run: func(cmd *cobra.Command, args []string) {
		stage1Only, _ := cmd.Flags().GetBool("stage1-only")
		resume, _ := cmd.Flags().GetString("resume")
		verbose, _ := cmd.Flags().GetBool("verbose")

		if resume == "" && len(args) == 0 {
			fmt.Fprintf(os.Stderr, "Error: at least one image (or --resume) is required\n")
			os.Exit(1)
		}

		ctx := context.Background()
		a := mustOpenApp(ctx, false)
		defer a.Close()

		p := newProgressPrinter(verbose)
		if resume != "" {
			res, err := a.catalog.Stage2(ctx, resume, p.Func())
			p.Done()
			if err != nil {
				fail(err)
			}
			printStage2(res)
			return
		}

		failed := 0
		for _, path := range args {
			if err := ingestOne(ctx, a.catalog, path, stage1Only, p); err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", color.RedString("✗"), path, err)
			}
		}
		if failed > 0 {
			fmt.Fprintf(os.Stderr, "Error: %d of %d image(s) failed\n", failed, len(args))
			os.Exit(1)
		}
	},
}

func init() {
	ingestCmd.Flags().Bool("stage1-only", false, "Stop after vision OCR")
	ingestCmd.Flags().String("resume", "", "Run stage 2 for an existing trace id")
	ingestCmd.Flags().BoolP("verbose", "v", false, "Stream model output while running")
	rootCmd.AddCommand(ingestCmd)
}

func ingestOne(ctx context.Context, cat *catalog.Catalog, path string, stage1Only bool, p *progressPrinter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	s1, err := cat.Stage1(ctx, filepath.Base(path), f, p.Func())
	p.Done()
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s %s stage 1 done, trace %s (%s)\n", green("✓"), path, s1.TraceID, s1.VisionModel)
	if stage1Only {
		return nil
	}

	s2, err := cat.Stage2(ctx, s1.TraceID, p.Func())
	p.Done()
	if err != nil {
		return err
	}
	printStage2(s2)
	return nil
}

func printStage2(res *catalog.Stage2Result) {
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Printf("%s product %s stored (%s)\n", green("✓"), res.ID, res.Category)
	fmt.Printf("  %s\n", gray(fmt.Sprintf("vision=%s struct=%s",
		res.Doubao.Models["vision"], res.Doubao.Models["struct"])))
}
