// Package export renders dedup suggestions and job listings as XLSX workbooks.
package export

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/carepick/carepick/internal/deduplication"
	"github.com/carepick/carepick/internal/types"
)

// Sheet names
const (
	SheetSuggestions = "Suggestions"
	SheetProducts    = "Products"
	SheetFailures    = "Failures"
	SheetJobs        = "Jobs"
)

const maxCellText = 500

// sheetWriter writes rows to one sheet
type sheetWriter struct {
	f     *excelize.File
	sheet string
	row   int
}

func newSheet(f *excelize.File, sheet string, headers []string) (*sheetWriter, error) {
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	w := &sheetWriter{f: f, sheet: sheet, row: 1}
	values := make([]any, len(headers))
	for i, h := range headers {
		values[i] = h
	}
	w.write(values...)
	return w, nil
}

func (w *sheetWriter) write(values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, w.row)
		_ = w.f.SetCellValue(w.sheet, cell, v)
	}
	w.row++
}

// finish drops the default sheet, activates first and serializes the workbook
func finish(f *excelize.File, first string) ([]byte, error) {
	if index, _ := f.GetSheetIndex("Sheet1"); index != -1 && first != "Sheet1" {
		_ = f.DeleteSheet("Sheet1")
	}
	if index, _ := f.GetSheetIndex(first); index != -1 {
		f.SetActiveSheet(index)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// SuggestionsXLSX returns a workbook with one row per suggested removal,
// the involved products and the scan failures.
func SuggestionsXLSX(res *deduplication.Result) ([]byte, error) {
	start := time.Now()
	f := excelize.NewFile()
	defer f.Close()

	sw, err := newSheet(f, SheetSuggestions, []string{
		"Group", "Keep ID", "Remove ID", "Confidence", "Reason", "Analysis",
	})
	if err != nil {
		return nil, err
	}
	for _, s := range res.Suggestions {
		for _, removeID := range s.RemoveIDs {
			sw.write(s.GroupID, s.KeepID, removeID, s.Confidence,
				truncate(s.Reason, maxCellText), truncate(s.AnalysisText, maxCellText))
		}
	}
	_ = f.SetColWidth(SheetSuggestions, "A", "A", 18)
	_ = f.SetColWidth(SheetSuggestions, "B", "C", 38)
	_ = f.SetColWidth(SheetSuggestions, "D", "D", 12)
	_ = f.SetColWidth(SheetSuggestions, "E", "F", 60)

	pw, err := newSheet(f, SheetProducts, []string{
		"ID", "Category", "Brand", "Name", "Summary", "Image", "Created At",
	})
	if err != nil {
		return nil, err
	}
	for _, p := range res.InvolvedProducts {
		pw.write(p.ID, p.Category, p.Brand, p.Name, truncate(p.OneSentence, maxCellText),
			p.ImageURL, p.CreatedAt.UTC().Format(time.RFC3339))
	}
	_ = f.SetColWidth(SheetProducts, "A", "A", 38)
	_ = f.SetColWidth(SheetProducts, "C", "D", 28)
	_ = f.SetColWidth(SheetProducts, "E", "E", 48)

	if len(res.Failures) > 0 {
		fw, err := newSheet(f, SheetFailures, []string{"Failure"})
		if err != nil {
			return nil, err
		}
		for _, msg := range res.Failures {
			fw.write(truncate(msg, maxCellText))
		}
		_ = f.SetColWidth(SheetFailures, "A", "A", 80)
	}

	data, err := finish(f, SheetSuggestions)
	if err != nil {
		return nil, err
	}
	slog.Info("export.xlsx.ok",
		"kind", "dedup_suggestions",
		"rows", len(res.Suggestions),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return data, nil
}

// JobsXLSX returns a workbook listing jobs
func JobsXLSX(jobs []*types.Job) ([]byte, error) {
	start := time.Now()
	f := excelize.NewFile()
	defer f.Close()

	w, err := newSheet(f, SheetJobs, []string{
		"ID", "Capability", "Status", "Trace ID", "Model", "Prompt",
		"Error Code", "Error Message", "Created At", "Finished At",
	})
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		var code, message string
		if j.Error != nil {
			code, message = j.Error.Code, truncate(j.Error.Message, maxCellText)
		}
		prompt := j.PromptKey
		if j.PromptVersion != "" {
			prompt += "@" + j.PromptVersion
		}
		finished := ""
		if j.FinishedAt != nil {
			finished = j.FinishedAt.UTC().Format(time.RFC3339)
		}
		w.write(j.ID, j.Capability, string(j.Status), j.TraceID, j.Model, prompt,
			code, message, j.CreatedAt.UTC().Format(time.RFC3339), finished)
	}
	_ = f.SetColWidth(SheetJobs, "A", "A", 38)
	_ = f.SetColWidth(SheetJobs, "B", "B", 34)
	_ = f.SetColWidth(SheetJobs, "H", "H", 60)
	_ = f.SetColWidth(SheetJobs, "I", "J", 22)

	data, err := finish(f, SheetJobs)
	if err != nil {
		return nil, err
	}
	slog.Info("export.xlsx.ok",
		"kind", "jobs",
		"rows", len(jobs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return data, nil
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if n <= 0 || len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
