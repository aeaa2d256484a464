package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/artifacts"
	"github.com/carepick/carepick/internal/events"
	"github.com/carepick/carepick/internal/types"
)

// ContextStage names the artifact stage 2 resumes from
const ContextStage = "stage1_context"

// PipelineMode is recorded in evidence for documents built by the two stages
const PipelineMode = "two-stage"

// Stage2Path is the follow-up endpoint returned after stage 1
const Stage2Path = "/api/upload/stage2"

const progressStage = "upload"

var allowedImageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

// Stage1Result is returned once the image is stored and read
type Stage1Result struct {
	Status      string `json:"status"`
	TraceID     string `json:"trace_id"`
	Next        string `json:"next"`
	ImagePath   string `json:"image_path"`
	VisionModel string `json:"vision_model"`
}

// Pipeline reports which models and artifacts produced a document
type Pipeline struct {
	Models    map[string]string `json:"models"`
	Artifacts map[string]string `json:"artifacts"`
}

// Stage2Result is returned once the product is stored
type Stage2Result struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Category string   `json:"category"`
	Doubao   Pipeline `json:"doubao"`
}

// Stage1 stores an uploaded image and runs vision OCR on it. The new
// product id doubles as the trace id.
func (c *Catalog) Stage1(ctx context.Context, filename string, image io.Reader, progress events.ProgressFunc) (*Stage1Result, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".jpg"
	}
	if !allowedImageExts[ext] {
		return nil, ai.NewError(CodeImageTypeInvalid, http.StatusBadRequest, "Unsupported image type '%s'.", ext)
	}
	data, err := io.ReadAll(image)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, ai.InvalidInput("Uploaded image is empty.")
	}

	id := c.newID()
	imagePath := path.Join(ImagesDir, id+ext)
	abs, err := c.abs(imagePath)
	if err != nil {
		return nil, err
	}
	if err := writeFile(abs, data); err != nil {
		return nil, fmt.Errorf("failed to save image: %w", err)
	}
	progress.Emit(events.Step(progressStage, "image saved"))

	out, err := c.runner.RunCapabilityNow(ctx, ai.CapStage1Vision, map[string]any{"image_path": imagePath}, id, progress)
	if err != nil {
		if _, rmErr := c.removeFile(imagePath); rmErr != nil {
			slog.Warn("catalog.image.cleanup_failed", "trace_id", id, "error", rmErr)
		}
		return nil, err
	}
	visionText := stringField(out, "vision_text")
	visionModel := stringField(out, "model")

	_, err = c.artifacts.Save(ctx, id, ContextStage, &artifacts.Artifact{
		Model: visionModel,
		Text:  visionText,
		Response: map[string]any{
			"trace_id":        id,
			"image_path":      imagePath,
			"vision_model":    visionModel,
			"vision_text":     visionText,
			"vision_artifact": stringField(out, "artifact"),
			"created_at":      c.now().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save stage1 context: %w", err)
	}

	return &Stage1Result{
		Status:      "ok",
		TraceID:     id,
		Next:        Stage2Path,
		ImagePath:   imagePath,
		VisionModel: visionModel,
	}, nil
}

// Stage2 resumes a trace from its stage-1 context, structures the text into
// a product document and stores it under the trace id.
func (c *Catalog) Stage2(ctx context.Context, traceID string, progress events.ProgressFunc) (*Stage2Result, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return nil, ai.InvalidInput("'trace_id' is required.")
	}
	stage1, err := c.artifacts.Load(ctx, traceID, ContextStage)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return nil, ai.NewError(CodeTraceNotFound, http.StatusNotFound,
				"Stage1 context not found for trace '%s'.", traceID)
		}
		return nil, ai.NewError(CodeTraceNotFound, http.StatusNotFound,
			"Stage1 context not found for trace '%s': %v", traceID, err)
	}
	imagePath := stringField(stage1.Response, "image_path")
	visionArtifact := stringField(stage1.Response, "vision_artifact")
	progress.Emit(events.Step(progressStage, "stage1 context loaded"))

	out, err := c.runner.RunCapabilityNow(ctx, ai.CapStage2Struct, map[string]any{"vision_text": stage1.Text}, traceID, progress)
	if err != nil {
		return nil, err
	}
	raw, ok := out["doc"].(map[string]any)
	if !ok {
		return nil, ai.NewError(ai.CodeInvalidJobOutput, http.StatusInternalServerError,
			"Stage2 output has no product document.")
	}

	pipeline := Pipeline{
		Models: map[string]string{
			"vision": stage1.Model,
			"struct": stringField(out, "model"),
		},
		Artifacts: map[string]string{
			"vision": visionArtifact,
			"struct": stringField(out, "artifact"),
		},
	}
	raw = mergeEvidence(raw, map[string]any{
		"image_path":           imagePath,
		"doubao_raw":           stringField(out, "struct_text"),
		"doubao_vision_text":   stage1.Text,
		"doubao_pipeline_mode": PipelineMode,
		"doubao_models":        pipeline.Models,
		"doubao_artifacts":     pipeline.Artifacts,
	})

	doc, err := c.validator.Validate(raw)
	if err != nil {
		return nil, err
	}
	if err := c.save(ctx, traceID, imagePath, doc); err != nil {
		return nil, err
	}
	progress.Emit(events.Step(progressStage, "product saved"))

	return &Stage2Result{
		ID:       traceID,
		Status:   "ok",
		Category: doc.Product.Category,
		Doubao:   pipeline,
	}, nil
}

// save writes the document and indexes it. The index row keeps the
// original creation time when the product is re-ingested.
func (c *Catalog) save(ctx context.Context, id, imagePath string, doc *types.ProductDoc) error {
	jsonPath := path.Join(ProductsDir, id+".json")
	abs, err := c.abs(jsonPath)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode product: %w", err)
	}
	if err := writeFile(abs, data); err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}

	created := c.now()
	if existing, err := c.products.GetProduct(ctx, id); err != nil {
		return fmt.Errorf("failed to get product %s: %w", id, err)
	} else if existing != nil {
		created = existing.CreatedAt
	}

	rec := &types.ProductRecord{
		ID:          id,
		Category:    doc.Product.Category,
		Brand:       doc.Product.Brand,
		Name:        doc.Product.Name,
		OneSentence: doc.Summary.OneSentence,
		Tags:        DeriveTags(doc),
		ImagePath:   imagePath,
		JSONPath:    jsonPath,
		CreatedAt:   created,
	}
	if err := c.products.UpsertProduct(ctx, rec); err != nil {
		return fmt.Errorf("failed to index product %s: %w", id, err)
	}
	return nil
}

func mergeEvidence(doc map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	evidence := object(out["evidence"])
	for k, v := range extra {
		evidence[k] = v
	}
	out["evidence"] = evidence
	return out
}

const maxTags = 6

// tagRules map summary keywords to tags. A rule matches when every keyword
// is present.
var tagRules = []struct {
	tag      string
	keywords [][]string
}{
	{"非氨基酸", [][]string{{"氨基酸", "非"}}},
	{"含硫酸盐表活", [][]string{{"SLES"}, {"硫酸盐"}}},
	{"蓬松", [][]string{{"蓬松"}}},
	{"含香精", [][]string{{"香精"}}},
}

// DeriveTags extracts display tags from the one-sentence summary
func DeriveTags(doc *types.ProductDoc) []string {
	text := doc.Summary.OneSentence
	tags := []string{}
	for _, rule := range tagRules {
		for _, all := range rule.keywords {
			if containsAll(text, all) {
				tags = append(tags, rule.tag)
				break
			}
		}
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

func containsAll(s string, subs []string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
