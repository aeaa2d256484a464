package deduplication

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/events"
	"github.com/carepick/carepick/internal/types"
)

// progressStage labels every progress event the engine emits
const progressStage = "dedup"

// Document is the in-memory view of a stored product used for comparison
type Document struct {
	ID          string
	Category    string
	Brand       string
	Name        string
	OneSentence string
	Ingredients []string
	ImagePath   string
	CreatedAt   time.Time
}

// Source lists stored products and loads their documents
type Source interface {
	ListProducts(ctx context.Context, filter types.ProductFilter) ([]*types.ProductRecord, error)
	LoadDoc(ctx context.Context, id string) (*types.ProductDoc, error)
}

// Runner executes one capability synchronously and returns its output
type Runner interface {
	RunCapabilityNow(ctx context.Context, capability string, input map[string]any, traceID string, progress events.ProgressFunc) (map[string]any, error)
}

// Request is one suggestion request. Nil limits fall back to the engine config.
type Request struct {
	Category         string   `json:"category,omitempty"`
	TitleQuery       string   `json:"title_query,omitempty"`
	IngredientHints  []string `json:"ingredient_hints,omitempty"`
	MaxScanProducts  *int     `json:"max_scan_products,omitempty"`
	CompareBatchSize *int     `json:"compare_batch_size,omitempty"`
	MinConfidence    *int     `json:"min_confidence,omitempty"`
}

// Suggestion is one duplicate group: keep one product, remove the rest
type Suggestion struct {
	GroupID      string   `json:"group_id"`
	KeepID       string   `json:"keep_id"`
	RemoveIDs    []string `json:"remove_ids"`
	Confidence   float64  `json:"confidence"`
	Reason       string   `json:"reason"`
	AnalysisText string   `json:"analysis_text"`
	ComparedIDs  []string `json:"compared_ids"`
}

// InvolvedProduct is a product referenced by at least one suggestion
type InvolvedProduct struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Brand       string    `json:"brand,omitempty"`
	Name        string    `json:"name,omitempty"`
	OneSentence string    `json:"one_sentence,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Result is the reply to a suggestion request
type Result struct {
	Status           string            `json:"status"`
	ScannedProducts  int               `json:"scanned_products"`
	Suggestions      []Suggestion      `json:"suggestions"`
	InvolvedProducts []InvolvedProduct `json:"involved_products"`
	Failures         []string          `json:"failures"`
}

// Engine finds duplicate products by asking the model to adjudicate batches
// of same-category candidates and consolidating its verdicts into groups.
type Engine struct {
	source Source
	runner Runner
	cfg    Config
	cache  VerdictCache
}

// Option configures an Engine
type Option func(*Engine)

// WithCache enables the verdict cache
func WithCache(c VerdictCache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// NewEngine creates a dedup engine
func NewEngine(source Source, runner Runner, cfg Config, opts ...Option) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	e := &Engine{source: source, runner: runner, cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// settings are the resolved per-request limits
type settings struct {
	category      string
	maxScan       int
	batchSize     int
	minConfidence float64
}

func (e *Engine) resolve(req Request) (settings, error) {
	s := settings{
		maxScan:       e.cfg.MaxScanProducts,
		batchSize:     e.cfg.CompareBatchSize,
		minConfidence: float64(e.cfg.MinConfidence),
	}
	if raw := strings.TrimSpace(req.Category); raw != "" {
		c, err := types.ParseCategory(raw)
		if err != nil {
			return s, ai.InvalidInput("Invalid category: '%s'.", raw)
		}
		s.category = string(c)
	}
	if v := req.MaxScanProducts; v != nil {
		if *v < 1 || *v > MaxScanLimit {
			return s, ai.InvalidInput("'max_scan_products' must be between 1 and %d.", MaxScanLimit)
		}
		s.maxScan = *v
	}
	if v := req.CompareBatchSize; v != nil {
		if *v < 1 || *v > MaxBatchSize {
			return s, ai.InvalidInput("'compare_batch_size' must be between 1 and %d.", MaxBatchSize)
		}
		s.batchSize = *v
	}
	if v := req.MinConfidence; v != nil {
		if *v < 0 || *v > MaxConfidence {
			return s, ai.InvalidInput("'min_confidence' must be between 0 and %d.", MaxConfidence)
		}
		s.minConfidence = float64(*v)
	}
	return s, nil
}

// Suggest scans stored products and returns duplicate groups.
//
// Batches run strictly one after another. A failed batch is recorded in
// Result.Failures and the scan continues; only request validation and
// product listing errors are returned.
func (e *Engine) Suggest(ctx context.Context, req Request, progress events.ProgressFunc) (*Result, error) {
	s, err := e.resolve(req)
	if err != nil {
		return nil, err
	}

	docs, err := e.load(ctx, s, req)
	if err != nil {
		return nil, err
	}

	progress.Emit(step(events.StepDedupScanStart, fmt.Sprintf("scanning %d products", len(docs)),
		map[string]any{"scanned_products": len(docs)}))

	scan := &scan{engine: e, settings: s, progress: progress}
	for _, group := range partition(docs) {
		scan.category(ctx, group)
	}

	suggestions, involved := consolidate(scan.relations, docs)
	progress.Emit(step(events.StepDedupScanDone, fmt.Sprintf("%d suggestions", len(suggestions)),
		map[string]any{"suggestions": len(suggestions)}))

	failures := scan.failures
	if failures == nil {
		failures = []string{}
	}
	return &Result{
		Status:           "ok",
		ScannedProducts:  len(docs),
		Suggestions:      suggestions,
		InvolvedProducts: involved,
		Failures:         failures,
	}, nil
}

// load lists candidate products newest first, applies the query filters and
// caps the result at maxScan.
func (e *Engine) load(ctx context.Context, s settings, req Request) ([]*Document, error) {
	query := strings.ToLower(strings.TrimSpace(req.TitleQuery))
	hints := ingredientSet(req.IngredientHints)
	filtered := query != "" || len(hints) > 0

	filter := types.ProductFilter{Category: s.category}
	if !filtered {
		filter.Limit = s.maxScan
	}
	records, err := e.source.ListProducts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	docs := make([]*Document, 0, len(records))
	for _, rec := range records {
		if len(docs) >= s.maxScan {
			break
		}
		pdoc, err := e.source.LoadDoc(ctx, rec.ID)
		if err != nil {
			slog.Warn("dedup.doc.skipped", "product_id", rec.ID, "error", err)
			continue
		}
		doc := newDocument(rec, pdoc, e.cfg.ProjectionIngredients)
		if filtered && !matches(doc, query, hints) {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func newDocument(rec *types.ProductRecord, pdoc *types.ProductDoc, ingredients int) *Document {
	d := &Document{
		ID:          rec.ID,
		Category:    rec.Category,
		Brand:       rec.Brand,
		Name:        rec.Name,
		OneSentence: rec.OneSentence,
		ImagePath:   rec.ImagePath,
		CreatedAt:   rec.CreatedAt,
		Ingredients: []string{},
	}
	if pdoc != nil {
		d.Ingredients = pdoc.IngredientNames(ingredients)
		if d.OneSentence == "" {
			d.OneSentence = pdoc.Summary.OneSentence
		}
	}
	return d
}

func matches(d *Document, query string, hints map[string]bool) bool {
	if query != "" {
		for _, field := range []string{d.Name, d.Brand, d.OneSentence} {
			if strings.Contains(strings.ToLower(field), query) {
				return true
			}
		}
	}
	for _, name := range d.Ingredients {
		if hints[strings.ToLower(strings.TrimSpace(name))] {
			return true
		}
	}
	return false
}

// partition groups documents by category, each group ordered oldest first
func partition(docs []*Document) [][]*Document {
	byCategory := map[string][]*Document{}
	var order []string
	for _, d := range docs {
		if _, ok := byCategory[d.Category]; !ok {
			order = append(order, d.Category)
		}
		byCategory[d.Category] = append(byCategory[d.Category], d)
	}
	sort.Strings(order)
	groups := make([][]*Document, 0, len(order))
	for _, c := range order {
		group := byCategory[c]
		sort.SliceStable(group, func(i, j int) bool { return olderFirst(group[i], group[j]) })
		groups = append(groups, group)
	}
	return groups
}

func olderFirst(a, b *Document) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// scan carries the state of one Suggest call
type scan struct {
	engine    *Engine
	settings  settings
	progress  events.ProgressFunc
	relations []Relation
	failures  []string
}

func (s *scan) category(ctx context.Context, docs []*Document) {
	if len(docs) == 0 {
		return
	}
	category := docs[0].Category
	s.progress.Emit(step(events.StepDedupCategoryStart, fmt.Sprintf("category %s", category),
		map[string]any{"category": category, "products": len(docs)}))

	for i, anchor := range docs {
		rest := docs[i+1:]
		if len(rest) == 0 {
			break
		}
		s.progress.Emit(step(events.StepDedupAnchorStart, fmt.Sprintf("anchor %d/%d", i+1, len(docs)),
			map[string]any{"anchor_index": i + 1, "anchor_total": len(docs), "anchor_id": anchor.ID}))

		candidates := rankCandidates(anchor, rest, s.engine.cfg.MinHeuristic)
		pairs := 0
		for start := 0; start < len(candidates); start += s.settings.batchSize {
			end := min(start+s.settings.batchSize, len(candidates))
			pairs += s.batch(ctx, anchor, candidates[start:end])
		}

		s.progress.Emit(step(events.StepDedupAnchorDone, fmt.Sprintf("anchor %s done", anchor.ID),
			map[string]any{"anchor_id": anchor.ID, "high_conf_pairs": pairs}))
	}
}

// batch adjudicates one anchor against candidates and returns how many
// relations it added
func (s *scan) batch(ctx context.Context, anchor *Document, candidates []*Document) int {
	limit := s.engine.cfg.ProjectionIngredients
	projected := make([]any, len(candidates))
	for i, c := range candidates {
		projected[i] = project(c, limit)
	}
	input := map[string]any{
		"anchor_product":     project(anchor, limit),
		"candidate_products": projected,
	}

	verdict, err := s.adjudicate(ctx, input)
	if err != nil {
		s.fail(anchor.ID, err)
		return 0
	}

	compared := map[string]bool{anchor.ID: true}
	for _, c := range candidates {
		compared[c.ID] = true
	}
	if !compared[verdict.KeepID] {
		s.fail(anchor.ID, fmt.Errorf("keep_id %q is not one of the compared products", verdict.KeepID))
		return 0
	}

	added := 0
	for _, dup := range verdict.Duplicates {
		id := strings.TrimSpace(dup.ID)
		if id == verdict.KeepID || !compared[id] {
			continue
		}
		confidence := clampConfidence(float64(dup.Confidence))
		if confidence < s.settings.minConfidence {
			continue
		}
		s.relations = append(s.relations, Relation{
			KeepID:     verdict.KeepID,
			RemoveID:   id,
			Confidence: confidence,
			Reason:     firstNonEmpty(dup.Reason, verdict.Reason),
			Analysis:   verdict.AnalysisText,
		})
		added++
	}
	return added
}

func (s *scan) adjudicate(ctx context.Context, input map[string]any) (*ai.DedupVerdict, error) {
	var key string
	if cache := s.engine.cache; cache != nil {
		k, err := cacheKey(input)
		if err == nil {
			key = k
			if v, ok, err := cache.Get(ctx, key); err != nil {
				slog.Warn("dedup.cache.get_failed", "error", err)
			} else if ok {
				return v, nil
			}
		}
	}

	forward := func(ev events.ProgressEvent) {
		data := map[string]any{"stage": ev.Stage, "type": ev.Type}
		if ev.Delta != "" {
			data["delta"] = ev.Delta
		}
		if ev.Message != "" {
			data["message"] = ev.Message
		}
		if ev.Step != "" {
			data["model_step"] = ev.Step
		}
		s.progress.Emit(events.ProgressEvent{
			Type:    ev.Type,
			Stage:   progressStage,
			Step:    events.StepDedupModelEvent,
			Message: ev.Message,
			Delta:   ev.Delta,
			Data:    data,
		})
	}
	if s.progress == nil {
		forward = nil
	}

	output, err := s.engine.runner.RunCapabilityNow(ctx, ai.CapProductDedupGroup, input, "", forward)
	if err != nil {
		return nil, err
	}
	verdict, err := ai.ParseDedupVerdict(output)
	if err != nil {
		return nil, err
	}
	if key != "" {
		if err := s.engine.cache.Set(ctx, key, verdict); err != nil {
			slog.Warn("dedup.cache.set_failed", "error", err)
		}
	}
	return verdict, nil
}

func (s *scan) fail(anchorID string, err error) {
	slog.Warn("dedup.batch.failed", "anchor_id", anchorID, "error", err)
	if len(s.failures) < s.engine.cfg.MaxFailures {
		s.failures = append(s.failures, fmt.Sprintf("anchor %s: %v", anchorID, err))
	}
}

// project is the compact form of a document sent to the model
func project(d *Document, ingredients int) map[string]any {
	names := d.Ingredients
	if len(names) > ingredients {
		names = names[:ingredients]
	}
	list := make([]any, len(names))
	for i, n := range names {
		list[i] = n
	}
	return map[string]any{
		"id":           d.ID,
		"category":     d.Category,
		"brand":        d.Brand,
		"name":         d.Name,
		"one_sentence": d.OneSentence,
		"ingredients":  list,
	}
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > MaxConfidence:
		return MaxConfidence
	}
	return c
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func step(name, message string, data map[string]any) events.ProgressEvent {
	ev := events.Step(progressStage, message)
	ev.Step = name
	ev.Data = data
	return ev
}
