package ai

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/carepick/carepick/internal/artifacts"
	"github.com/carepick/carepick/internal/config"
	"github.com/carepick/carepick/internal/events"
	"github.com/carepick/carepick/internal/types"
)

// Capability keys
const (
	CapStage1Vision         = "doubao.stage1_vision"
	CapStage2Struct         = "doubao.stage2_struct"
	CapTwoStageParse        = "doubao.two_stage_parse"
	CapIngredientEnrich     = "doubao.ingredient_enrich"
	CapImageJSONConsistency = "doubao.image_json_consistency"
	CapProductDedupDecision = "doubao.product_dedup_decision"
	CapProductDedupGroup    = "doubao.product_dedup_group"
)

// SampleModel is the model name reported in sample/mock mode
const SampleModel = "sample"

// maxExistingJSONs caps the records sent to product_dedup_decision
const maxExistingJSONs = 20

//go:embed sample/product_sample.json
var sampleProductJSON string

// ExecOptions carries per-invocation context
type ExecOptions struct {
	// TraceID groups artifacts; empty means no artifacts are written
	TraceID string
	// Progress receives step and delta events; nil disables streaming
	Progress events.ProgressFunc
}

// Result is the normalized outcome of one capability invocation
type Result struct {
	Output        map[string]any
	PromptKey     string
	PromptVersion string
	Model         string
	Request       map[string]any
	Response      map[string]any
	Usage         *types.TokenUsage
}

type capabilityFunc func(e *Executor, ctx context.Context, in map[string]any, opts ExecOptions) (*Result, error)

// capabilities is the static registry
var capabilities = map[string]capabilityFunc{
	CapStage1Vision:         (*Executor).stage1Vision,
	CapStage2Struct:         (*Executor).stage2Struct,
	CapTwoStageParse:        (*Executor).twoStageParse,
	CapIngredientEnrich:     (*Executor).ingredientEnrich,
	CapImageJSONConsistency: (*Executor).imageJSONConsistency,
	CapProductDedupDecision: (*Executor).productDedupDecision,
	CapProductDedupGroup:    (*Executor).productDedupGroup,
}

// Capabilities lists every registered capability key, sorted
func Capabilities() []string {
	keys := make([]string, 0, len(capabilities))
	for k := range capabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Supports reports whether the capability is registered
func Supports(capability string) bool {
	_, ok := capabilities[capability]
	return ok
}

// Executor resolves capabilities and runs them against the model service
type Executor struct {
	cfg       config.DoubaoConfig
	prompts   *PromptCatalog
	artifacts artifacts.Store
	images    ImageReader

	mu    sync.Mutex
	model ModelInvoker
}

// ExecutorOption customizes an Executor
type ExecutorOption func(*Executor)

// WithModel sets the model invoker. Without it, a Client is built from the
// config on the first real-mode call.
func WithModel(m ModelInvoker) ExecutorOption {
	return func(e *Executor) { e.model = m }
}

// WithArtifacts sets the artifact store
func WithArtifacts(s artifacts.Store) ExecutorOption {
	return func(e *Executor) { e.artifacts = s }
}

// WithImages sets where image paths are resolved
func WithImages(r ImageReader) ExecutorOption {
	return func(e *Executor) { e.images = r }
}

// NewExecutor creates an executor bound to an immutable model config
func NewExecutor(cfg config.DoubaoConfig, prompts *PromptCatalog, opts ...ExecutorOption) *Executor {
	e := &Executor{cfg: cfg, prompts: prompts, images: LocalImages{Root: "."}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a capability
func (e *Executor) Execute(ctx context.Context, capability string, input map[string]any, opts ExecOptions) (*Result, error) {
	fn, ok := capabilities[capability]
	if !ok {
		return nil, NewError(CodeCapabilityNotSupported, http.StatusBadRequest,
			"Capability '%s' is not supported.", capability)
	}
	if input == nil {
		input = map[string]any{}
	}
	return fn(e, ctx, input, opts)
}

func (e *Executor) offline() bool {
	return e.cfg.Mode.IsOffline()
}

func (e *Executor) invoker() (ModelInvoker, error) {
	if e.cfg.Mode != config.ModeReal {
		return nil, NewError(CodeModeInvalid, http.StatusBadRequest,
			"Invalid DOUBAO_MODE: %s. Expected one of: real, mock, sample.", e.cfg.Mode)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		client, err := NewClient(e.cfg)
		if err != nil {
			return nil, err
		}
		e.model = client
	}
	return e.model, nil
}

// stageCall describes one model round-trip
type stageCall struct {
	stage      string // artifact name, e.g. "stage1_vision"
	promptKey  string
	params     map[string]string
	modality   Modality
	model      string
	imagePath  string
	sampleText string
}

type stageResult struct {
	prompt   Prompt
	rendered string
	text     string
	model    string
	raw      map[string]any
	usage    *types.TokenUsage
	artifact string
}

// request is the audit payload recorded on the run
func (s *stageResult) request(extra map[string]any) map[string]any {
	req := map[string]any{"prompt": s.rendered}
	for k, v := range extra {
		req[k] = v
	}
	return req
}

// runStage renders the prompt, calls the model (or the sample path) and
// persists the artifact. The artifact is written on failure too.
func (e *Executor) runStage(ctx context.Context, sc stageCall, opts ExecOptions) (*stageResult, error) {
	prompt, err := e.prompts.Load(sc.promptKey, "")
	if err != nil {
		return nil, err
	}
	rendered, err := RenderPrompt(prompt.Text, sc.params)
	if err != nil {
		return nil, err
	}
	res := &stageResult{prompt: prompt, rendered: rendered}

	opts.Progress.Emit(events.Step(sc.stage, "calling model"))

	if e.offline() {
		res.text = sc.sampleText
		res.model = SampleModel
		res.raw = map[string]any{"mode": "sample"}
		opts.Progress.Emit(events.Delta(sc.stage, res.text))
	} else {
		res.model = sc.model
		out, err := e.callModel(ctx, sc, rendered, opts)
		if err != nil {
			if _, saveErr := e.saveArtifact(ctx, opts.TraceID, sc.stage, &artifacts.Artifact{
				Model:    sc.model,
				Prompt:   rendered,
				Response: errorResponse(err),
			}); saveErr != nil {
				slog.Warn("ai.artifact.save_failed",
					"trace_id", opts.TraceID, "stage", sc.stage, "error", saveErr, "model_error", err)
			}
			return nil, err
		}
		res.text = out.Text
		res.raw = out.Raw
		res.usage = out.Usage
	}

	res.artifact, err = e.saveArtifact(ctx, opts.TraceID, sc.stage, &artifacts.Artifact{
		Model:    res.model,
		Prompt:   rendered,
		Response: res.raw,
		Text:     res.text,
	})
	if err != nil {
		return nil, err
	}
	opts.Progress.Emit(events.Step(sc.stage, "model call finished"))
	return res, nil
}

func (e *Executor) callModel(ctx context.Context, sc stageCall, rendered string, opts ExecOptions) (*ModelResult, error) {
	model, err := e.invoker()
	if err != nil {
		return nil, err
	}
	req := ModelRequest{Modality: sc.modality, Model: sc.model, Prompt: rendered}
	if sc.modality == ModalityImage {
		req.ImageURL, err = imageDataURL(e.images, sc.imagePath)
		if err != nil {
			return nil, err
		}
	}
	if opts.Progress != nil {
		stage := sc.stage
		req.Stream = true
		req.Sink = func(delta string) {
			opts.Progress.Emit(events.Delta(stage, delta))
		}
	}
	return model.Invoke(ctx, req)
}

func (e *Executor) saveArtifact(ctx context.Context, traceID, stage string, a *artifacts.Artifact) (string, error) {
	if traceID == "" || e.artifacts == nil {
		return "", nil
	}
	ref, err := e.artifacts.Save(ctx, traceID, stage, a)
	if err != nil {
		return "", fmt.Errorf("failed to save %s artifact: %w", stage, err)
	}
	return ref, nil
}

func errorResponse(err error) map[string]any {
	se := Internal(err)
	return map[string]any{"error": map[string]any{"code": se.Code, "message": se.Message}}
}

// artifactRef maps "no artifact" to JSON null
func artifactRef(ref string) any {
	if ref == "" {
		return nil
	}
	return ref
}

func requiredString(in map[string]any, key string) (string, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return "", InvalidInput("'%s' is required.", key)
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", InvalidInput("'%s' is required.", key)
	}
	return s, nil
}

func optionalString(in map[string]any, key string) string {
	v, ok := in[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
