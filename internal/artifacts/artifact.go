// Package artifacts persists one JSON snapshot per (trace id, pipeline stage).
//
// Artifacts are write-once audit records. The only logic path that reads
// them back is the ingest resume flow, where the stage-1 artifact of a trace
// is the hand-off into stage 2.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// RootDir is the directory (or key prefix) holding every trace
const RootDir = "doubao_runs"

// ErrNotFound is returned by Load when no artifact exists
var ErrNotFound = errors.New("artifact not found")

// Artifact is the stored content of one stage
type Artifact struct {
	Model    string         `json:"model"`
	Prompt   string         `json:"prompt"`
	Response map[string]any `json:"response"`
	Text     string         `json:"text"`
}

// RemoveStats counts what RemoveTrace deleted
type RemoveStats struct {
	Files int
	Dirs  int
}

// TraceInfo describes one stored trace
type TraceInfo struct {
	TraceID      string
	LastModified time.Time
	Files        int
}

// CleanupResult reports what Cleanup removed (or would remove when DryRun)
type CleanupResult struct {
	Scanned      int
	Kept         int
	Removed      []string
	RemovedFiles int
	DryRun       bool
}

// Store is implemented by the filesystem and S3 backends
type Store interface {
	// Save writes the artifact and returns its reference, "doubao_runs/<trace>/<stage>.json"
	Save(ctx context.Context, traceID, stage string, a *Artifact) (string, error)
	Load(ctx context.Context, traceID, stage string) (*Artifact, error)
	RemoveTrace(ctx context.Context, traceID string) (RemoveStats, error)
	ListTraces(ctx context.Context) ([]TraceInfo, error)
}

// Ref returns the relative reference of an artifact
func Ref(traceID, stage string) string {
	return path.Join(RootDir, traceID, stage+".json")
}

// validateName rejects ids that could escape the trace directory
func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid %s: %q", kind, name)
	}
	return nil
}

// Cleanup removes traces whose last write is older than ttl, never touching
// the keepMin most recently written traces.
func Cleanup(ctx context.Context, s Store, ttl time.Duration, keepMin int, dryRun bool, now time.Time) (*CleanupResult, error) {
	traces, err := s.ListTraces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}
	sortTracesNewestFirst(traces)

	result := &CleanupResult{Scanned: len(traces), DryRun: dryRun}
	cutoff := now.Add(-ttl)
	for i, tr := range traces {
		if i < keepMin || !tr.LastModified.Before(cutoff) {
			result.Kept++
			continue
		}
		if dryRun {
			result.Removed = append(result.Removed, tr.TraceID)
			result.RemovedFiles += tr.Files
			continue
		}
		stats, err := s.RemoveTrace(ctx, tr.TraceID)
		if err != nil {
			return result, fmt.Errorf("failed to remove trace %s: %w", tr.TraceID, err)
		}
		result.Removed = append(result.Removed, tr.TraceID)
		result.RemovedFiles += stats.Files
	}
	return result, nil
}

func sortTracesNewestFirst(traces []TraceInfo) {
	sort.Slice(traces, func(i, j int) bool {
		a, b := traces[i], traces[j]
		if !a.LastModified.Equal(b.LastModified) {
			return a.LastModified.After(b.LastModified)
		}
		return a.TraceID < b.TraceID
	})
}
