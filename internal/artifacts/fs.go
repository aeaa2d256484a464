package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps artifacts under <storage dir>/doubao_runs/<trace>/<stage>.json
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at the storage directory
func NewFileStore(storageDir string) *FileStore {
	return &FileStore{root: storageDir}
}

func (s *FileStore) traceDir(traceID string) string {
	return filepath.Join(s.root, RootDir, traceID)
}

// Save writes the artifact atomically (temp file + rename)
func (s *FileStore) Save(_ context.Context, traceID, stage string, a *Artifact) (string, error) {
	if err := validateName("trace id", traceID); err != nil {
		return "", err
	}
	if err := validateName("stage", stage); err != nil {
		return "", err
	}
	dir := s.traceDir(traceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+stage+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, stage+".json")); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}
	return Ref(traceID, stage), nil
}

// Load reads an artifact back
func (s *FileStore) Load(_ context.Context, traceID, stage string) (*Artifact, error) {
	if err := validateName("trace id", traceID); err != nil {
		return nil, err
	}
	if err := validateName("stage", stage); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.traceDir(traceID), stage+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, Ref(traceID, stage))
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", Ref(traceID, stage), err)
	}
	return &a, nil
}

// RemoveTrace deletes the trace directory and everything in it
func (s *FileStore) RemoveTrace(_ context.Context, traceID string) (RemoveStats, error) {
	var stats RemoveStats
	if err := validateName("trace id", traceID); err != nil {
		return stats, err
	}
	dir := s.traceDir(traceID)
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			stats.Dirs++
		} else {
			stats.Files++
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RemoveStats{}, nil
		}
		return RemoveStats{}, fmt.Errorf("failed to scan trace %s: %w", traceID, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return RemoveStats{}, fmt.Errorf("failed to remove trace %s: %w", traceID, err)
	}
	return stats, nil
}

// ListTraces returns every trace directory with its newest file time
func (s *FileStore) ListTraces(_ context.Context) ([]TraceInfo, error) {
	base := filepath.Join(s.root, RootDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", base, err)
	}

	traces := make([]TraceInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info := TraceInfo{TraceID: e.Name()}
		files, err := os.ReadDir(filepath.Join(base, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read trace %s: %w", e.Name(), err)
		}
		for _, f := range files {
			fi, err := f.Info()
			if err != nil {
				continue
			}
			info.Files++
			if fi.ModTime().After(info.LastModified) {
				info.LastModified = fi.ModTime()
			}
		}
		if info.LastModified.IsZero() {
			if di, err := e.Info(); err == nil {
				info.LastModified = di.ModTime()
			}
		}
		traces = append(traces, info)
	}
	return traces, nil
}
