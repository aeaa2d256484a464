package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/carepick/carepick/internal/events"
	"github.com/carepick/carepick/internal/types"
)

// progressPrinter renders progress events as they arrive. Steps print one
// line each; deltas are streamed inline, dimmed, when verbose is set.
type progressPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
	inDelta bool
}

func newProgressPrinter(verbose bool) *progressPrinter {
	return &progressPrinter{out: os.Stdout, verbose: verbose}
}

// Func returns the printer as a ProgressFunc
func (p *progressPrinter) Func() events.ProgressFunc {
	return p.handle
}

func (p *progressPrinter) handle(ev events.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delta, isDelta := deltaText(ev)
	if isDelta {
		if !p.verbose {
			return
		}
		p.inDelta = true
		fmt.Fprint(p.out, color.New(color.FgHiBlack).Sprint(delta))
		return
	}
	if p.inDelta {
		fmt.Fprintln(p.out)
		p.inDelta = false
	}
	fmt.Fprintln(p.out, formatStep(ev, time.Now()))
}

// progressOf returns p as a ProgressFunc, or nil when p is nil
func progressOf(p *progressPrinter) events.ProgressFunc {
	if p == nil {
		return nil
	}
	return p.Func()
}

// Done terminates a pending delta line
func (p *progressPrinter) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inDelta {
		fmt.Fprintln(p.out)
		p.inDelta = false
	}
}

// deltaText reports whether ev carries streamed model text, including
// model deltas forwarded by the dedup scan
func deltaText(ev events.ProgressEvent) (string, bool) {
	if ev.Type == events.ProgressDelta {
		return ev.Delta, true
	}
	if ev.Step == events.StepDedupModelEvent {
		if d, _ := ev.Data["delta"].(string); d != "" {
			return d, true
		}
	}
	return "", false
}

// formatStep renders one step event as "[15:04:05] stage step: message"
func formatStep(ev events.ProgressEvent, at time.Time) string {
	stage := color.New(color.FgMagenta).Sprint(ev.Stage)
	label := ev.Step
	msg := truncateString(ev.Message, 100)
	if label != "" {
		msg = color.New(color.FgCyan).Sprint(label) + ": " + msg
	}
	return fmt.Sprintf("[%s] %s %s", at.Format("15:04:05"), stage, msg)
}

// statusColor picks the color used for a job status
func statusColor(status types.JobStatus) *color.Color {
	switch status {
	case types.JobSucceeded:
		return color.New(color.FgGreen)
	case types.JobFailed:
		return color.New(color.FgRed, color.Bold)
	case types.JobRunning:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgHiBlack)
	}
}

// statusIcon returns a one-rune marker for a job status
func statusIcon(status types.JobStatus) string {
	switch status {
	case types.JobSucceeded:
		return "✓"
	case types.JobFailed:
		return "✗"
	case types.JobRunning:
		return "▶"
	default:
		return "•"
	}
}

// truncateString shortens s to n runes, marking the cut with "..."
func truncateString(s string, n int) string {
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// header prints a bold cyan section header
func header(title string) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n\n", cyan("=== "+title+" ==="))
}

func section(title string) {
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Printf("%s\n", yellow(title))
}

func percent(rate float64) string {
	return fmt.Sprintf("%.1f%%", rate*100)
}
