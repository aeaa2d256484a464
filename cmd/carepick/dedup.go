package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/carepick/carepick/internal/catalog"
	"github.com/carepick/carepick/internal/deduplication"
	"github.com/carepick/carepick/internal/export"
)

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Suggest duplicate products to remove",
	Long: `Scan stored products and ask the model which ones describe the same
product. Suggestions are printed; nothing is deleted unless --apply is set.

Examples:
  carepick dedup                                   # scan all categories
  carepick dedup --category shampoo --min-confidence 90
  carepick dedup --query dove --xlsx dedup.xlsx
  carepick dedup --category bodywash --apply       # delete suggested removals`,
	Run: func(cmd *cobra.Command, args []string) {
		req := deduplication.Request{}
		req.Category, _ = cmd.Flags().GetString("category")
		req.TitleQuery, _ = cmd.Flags().GetString("query")
		req.IngredientHints, _ = cmd.Flags().GetStringSlice("ingredient")
		if cmd.Flags().Changed("max-scan") {
			v, _ := cmd.Flags().GetInt("max-scan")
			req.MaxScanProducts = &v
		}
		if cmd.Flags().Changed("batch-size") {
			v, _ := cmd.Flags().GetInt("batch-size")
			req.CompareBatchSize = &v
		}
		if cmd.Flags().Changed("min-confidence") {
			v, _ := cmd.Flags().GetInt("min-confidence")
			req.MinConfidence = &v
		}
		verbose, _ := cmd.Flags().GetBool("verbose")
		asJSON, _ := cmd.Flags().GetBool("json")
		xlsxPath, _ := cmd.Flags().GetString("xlsx")
		apply, _ := cmd.Flags().GetBool("apply")

		ctx := context.Background()
		a := mustOpenApp(ctx, true)
		defer a.Close()

		var p *progressPrinter
		if !asJSON {
			p = newProgressPrinter(verbose)
		}
		res, err := a.dedup.Suggest(ctx, req, progressOf(p))
		if p != nil {
			p.Done()
		}
		if err != nil {
			fail(err)
		}

		switch {
		case asJSON:
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				fail(err)
			}
		case xlsxPath != "":
			data, err := export.SuggestionsXLSX(res)
			if err != nil {
				fail(err)
			}
			writeExport(xlsxPath, data, len(res.Suggestions))
		default:
			printSuggestions(res)
		}

		if apply {
			applySuggestions(ctx, a, res)
		}
	},
}

func init() {
	dedupCmd.Flags().String("category", "", "Only scan this category")
	dedupCmd.Flags().StringP("query", "q", "", "Only scan products whose brand, name or summary contains this text")
	dedupCmd.Flags().StringSlice("ingredient", nil, "Only scan products containing one of these ingredients")
	dedupCmd.Flags().Int("max-scan", 200, "Maximum products to scan (1-500)")
	dedupCmd.Flags().Int("batch-size", 8, "Candidates per model call (1-20)")
	dedupCmd.Flags().Int("min-confidence", 75, "Drop duplicate verdicts below this confidence (0-100)")
	dedupCmd.Flags().BoolP("verbose", "v", false, "Stream model output while scanning")
	dedupCmd.Flags().Bool("json", false, "Print the result as JSON")
	dedupCmd.Flags().String("xlsx", "", "Write suggestions to an .xlsx file")
	dedupCmd.Flags().Bool("apply", false, "Delete the suggested removals")
	rootCmd.AddCommand(dedupCmd)
}

func printSuggestions(res *deduplication.Result) {
	header("Duplicate Suggestions")
	fmt.Printf("Scanned %d product(s), %d group(s)\n\n", res.ScannedProducts, len(res.Suggestions))

	products := make(map[string]deduplication.InvolvedProduct, len(res.InvolvedProducts))
	for _, p := range res.InvolvedProducts {
		products[p.ID] = p
	}
	label := func(id string) string {
		p, ok := products[id]
		if !ok {
			return id
		}
		return fmt.Sprintf("%s  %s %s", id, p.Brand, p.Name)
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	for _, s := range res.Suggestions {
		section(fmt.Sprintf("%s (confidence %.0f)", s.GroupID, s.Confidence))
		fmt.Printf("  %s %s\n", green("keep  "), label(s.KeepID))
		for _, id := range s.RemoveIDs {
			fmt.Printf("  %s %s\n", red("remove"), label(id))
		}
		if s.Reason != "" {
			fmt.Printf("  %s\n", gray(truncateString(s.Reason, 120)))
		}
		fmt.Println()
	}

	if len(res.Failures) > 0 {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s %d batch(es) failed:\n", yellow("⚠"), len(res.Failures))
		for _, f := range res.Failures {
			fmt.Printf("  %s\n", truncateString(f, 120))
		}
		fmt.Println()
	}
}

func applySuggestions(ctx context.Context, a *app, res *deduplication.Result) {
	var ids, keep []string
	for _, s := range res.Suggestions {
		keep = append(keep, s.KeepID)
		ids = append(ids, s.RemoveIDs...)
	}
	if len(ids) == 0 {
		fmt.Println("Nothing to delete")
		return
	}
	out, err := a.catalog.BatchDelete(ctx, catalog.DeleteRequest{IDs: ids, KeepIDs: keep})
	if err != nil {
		fail(err)
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Deleted %d product(s): %s\n", green("✓"), len(out.DeletedIDs), strings.Join(out.DeletedIDs, ", "))
}
