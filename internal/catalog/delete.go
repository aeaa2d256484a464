package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/types"
)

// MaxBatchDelete bounds the ids accepted by one BatchDelete call
const MaxBatchDelete = 500

// DeleteRequest selects products to delete. Ids also listed in KeepIDs
// are skipped.
type DeleteRequest struct {
	IDs             []string `json:"ids"`
	KeepIDs         []string `json:"keep_ids"`
	RemoveArtifacts bool     `json:"remove_doubao_artifacts"`
}

// DeleteResult reports what BatchDelete did
type DeleteResult struct {
	Status       string   `json:"status"`
	DeletedIDs   []string `json:"deleted_ids"`
	SkippedIDs   []string `json:"skipped_ids"`
	MissingIDs   []string `json:"missing_ids"`
	RemovedFiles int      `json:"removed_files"`
	RemovedDirs  int      `json:"removed_dirs"`
}

// BatchDelete removes index rows, documents and images, and optionally the
// products' model artifacts. File removal failures are logged, not returned.
func (c *Catalog) BatchDelete(ctx context.Context, req DeleteRequest) (*DeleteResult, error) {
	ids := uniqueIDs(req.IDs)
	if len(ids) == 0 {
		return nil, ai.InvalidInput("'ids' is required.")
	}
	if len(ids) > MaxBatchDelete {
		return nil, ai.InvalidInput("At most %d ids can be deleted at once.", MaxBatchDelete)
	}
	keep := map[string]bool{}
	for _, id := range uniqueIDs(req.KeepIDs) {
		keep[id] = true
	}

	res := &DeleteResult{
		Status:     "ok",
		DeletedIDs: []string{},
		SkippedIDs: []string{},
		MissingIDs: []string{},
	}
	records := map[string]*types.ProductRecord{}
	var candidates []string
	for _, id := range ids {
		if keep[id] {
			res.SkippedIDs = append(res.SkippedIDs, id)
			continue
		}
		rec, err := c.products.GetProduct(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get product %s: %w", id, err)
		}
		if rec == nil {
			res.MissingIDs = append(res.MissingIDs, id)
			continue
		}
		records[id] = rec
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return res, nil
	}

	deleted, err := c.products.DeleteProducts(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to delete products: %w", err)
	}
	gone := map[string]bool{}
	for _, id := range deleted {
		gone[id] = true
	}

	for _, id := range candidates {
		if !gone[id] {
			// removed concurrently between lookup and delete
			res.MissingIDs = append(res.MissingIDs, id)
			continue
		}
		res.DeletedIDs = append(res.DeletedIDs, id)
		rec := records[id]
		for _, rel := range []string{rec.JSONPath, rec.ImagePath} {
			removed, err := c.removeFile(rel)
			if err != nil {
				slog.Warn("catalog.delete.file_failed", "product_id", id, "path", rel, "error", err)
				continue
			}
			if removed {
				res.RemovedFiles++
			}
		}
		if req.RemoveArtifacts {
			stats, err := c.artifacts.RemoveTrace(ctx, id)
			if err != nil {
				slog.Warn("catalog.delete.artifacts_failed", "product_id", id, "error", err)
				continue
			}
			res.RemovedFiles += stats.Files
			res.RemovedDirs += stats.Dirs
		}
	}
	return res, nil
}

func uniqueIDs(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
