package deduplication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/events"
	"github.com/carepick/carepick/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeProduct struct {
	record *types.ProductRecord
	doc    *types.ProductDoc
}

// fakeSource serves products newest first, like the product index does
type fakeSource struct {
	products []fakeProduct
	listErr  error
}

func (s *fakeSource) add(id, category, brand, name string, created time.Time, ingredients ...string) {
	doc := &types.ProductDoc{
		Product: types.ProductInfo{Category: category, Brand: brand, Name: name},
		Summary: types.Summary{OneSentence: name + " summary"},
	}
	for _, ing := range ingredients {
		doc.Ingredients = append(doc.Ingredients, types.Ingredient{Name: ing})
	}
	s.products = append(s.products, fakeProduct{
		record: &types.ProductRecord{
			ID:          id,
			Category:    category,
			Brand:       brand,
			Name:        name,
			OneSentence: name + " summary",
			ImagePath:   "images/" + id + ".jpg",
			CreatedAt:   created,
		},
		doc: doc,
	})
}

func (s *fakeSource) ListProducts(_ context.Context, filter types.ProductFilter) ([]*types.ProductRecord, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*types.ProductRecord
	for _, p := range s.products {
		if filter.Category != "" && p.record.Category != filter.Category {
			continue
		}
		out = append(out, p.record)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *fakeSource) LoadDoc(_ context.Context, id string) (*types.ProductDoc, error) {
	for _, p := range s.products {
		if p.record.ID == id {
			return p.doc, nil
		}
	}
	return nil, fmt.Errorf("product %s not found", id)
}

type runFunc func(anchor string, candidates []string, progress events.ProgressFunc) (map[string]any, error)

type fakeRunner struct {
	mu     sync.Mutex
	calls  int
	inputs []map[string]any
	fn     runFunc
}

func (r *fakeRunner) RunCapabilityNow(_ context.Context, capability string, input map[string]any, _ string, progress events.ProgressFunc) (map[string]any, error) {
	r.mu.Lock()
	r.calls++
	r.inputs = append(r.inputs, input)
	r.mu.Unlock()
	if capability != ai.CapProductDedupGroup {
		return nil, fmt.Errorf("unexpected capability %s", capability)
	}
	anchor := input["anchor_product"].(map[string]any)["id"].(string)
	var candidates []string
	for _, c := range input["candidate_products"].([]any) {
		candidates = append(candidates, c.(map[string]any)["id"].(string))
	}
	return r.fn(anchor, candidates, progress)
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func noDuplicates(anchor string, _ []string, _ events.ProgressFunc) (map[string]any, error) {
	return map[string]any{"keep_id": anchor, "duplicates": []any{}, "reason": "no duplicates"}, nil
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func intPtr(v int) *int { return &v }

func newTestEngine(t *testing.T, src Source, runner Runner, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(src, runner, DefaultConfig(), opts...)
	require.NoError(t, err)
	return e
}

func doveSource() *fakeSource {
	src := &fakeSource{}
	src.add("p1", "bodywash", "Dove", "DEEP MOISTURE BODY WASH", baseTime, "glycine", "fragrance", "cocamidopropyl betaine")
	src.add("p2", "bodywash", "DOVE", "Deep Moisture Body Wash", baseTime.Add(time.Minute), "glycine", "fragrance", "cocamidopropyl betaine")
	src.add("p3", "bodywash", "CeraVe", "Hydrating Cleanser", baseTime.Add(2*time.Minute), "ceramide np", "sodium hyaluronate")
	return src
}

func TestSuggestEndToEnd(t *testing.T) {
	src := doveSource()
	runner := &fakeRunner{fn: func(anchor string, candidates []string, _ events.ProgressFunc) (map[string]any, error) {
		related := append([]string{anchor}, candidates...)
		if contains(related, "p1") && contains(related, "p2") {
			return map[string]any{
				"keep_id":       "p1",
				"duplicates":    []any{map[string]any{"id": "p2", "confidence": 95, "reason": "same brand and name"}},
				"reason":        "same product, different spelling",
				"analysis_text": "p2 repeats p1.",
			}, nil
		}
		return noDuplicates(anchor, candidates, nil)
	}}
	e := newTestEngine(t, src, runner)

	res, err := e.Suggest(context.Background(), Request{
		Category:         "bodywash",
		MaxScanProducts:  intPtr(50),
		CompareBatchSize: intPtr(10),
		MinConfidence:    intPtr(70),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, 3, res.ScannedProducts)
	require.Len(t, res.Suggestions, 1)
	s := res.Suggestions[0]
	assert.Equal(t, "p1", s.KeepID)
	assert.Equal(t, []string{"p2"}, s.RemoveIDs)
	assert.Equal(t, float64(95), s.Confidence)
	assert.Equal(t, []string{"p1", "p2"}, s.ComparedIDs)
	assert.Equal(t, "same brand and name", s.Reason)
	assert.Contains(t, s.AnalysisText, "p2 -> p1: 95")
	assert.Contains(t, s.AnalysisText, "p2 repeats p1.")
	assert.Regexp(t, `^dup-[0-9a-f]{12}$`, s.GroupID)

	var involved []string
	for _, p := range res.InvolvedProducts {
		involved = append(involved, p.ID)
	}
	assert.Equal(t, []string{"p1", "p2"}, involved)
	assert.Equal(t, "/images/p1.jpg", res.InvolvedProducts[0].ImageURL)
	assert.Empty(t, res.Failures)

	// anchor p1 against [p2 p3], then p2 against [p3]
	assert.Equal(t, 2, runner.count())
}

func TestSuggestNeverComparesAcrossCategories(t *testing.T) {
	src := &fakeSource{}
	src.add("s1", "shampoo", "A", "Shampoo", baseTime)
	src.add("b1", "bodywash", "A", "Shampoo", baseTime.Add(time.Minute))
	runner := &fakeRunner{fn: noDuplicates}
	e := newTestEngine(t, src, runner)

	res, err := e.Suggest(context.Background(), Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ScannedProducts)
	assert.Empty(t, res.Suggestions)
	assert.Zero(t, runner.count())
}

func TestSuggestBatching(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 5; i++ {
		src.add(fmt.Sprintf("p%d", i), "lotion", "Brand", "Lotion", baseTime.Add(time.Duration(i)*time.Minute))
	}
	runner := &fakeRunner{fn: noDuplicates}
	e := newTestEngine(t, src, runner)

	_, err := e.Suggest(context.Background(), Request{CompareBatchSize: intPtr(2)}, nil)
	require.NoError(t, err)

	// anchors compare against 4, 3, 2 and 1 later products
	assert.Equal(t, 2+2+1+1, runner.count())
	for _, in := range runner.inputs {
		assert.LessOrEqual(t, len(in["candidate_products"].([]any)), 2)
	}
	first := runner.inputs[0]["anchor_product"].(map[string]any)
	assert.Equal(t, "p0", first["id"])
	assert.Contains(t, first, "one_sentence")
}

func TestSuggestClampsAndFiltersConfidence(t *testing.T) {
	src := &fakeSource{}
	src.add("a", "cleanser", "X", "Foam", baseTime)
	src.add("b", "cleanser", "X", "Foam", baseTime.Add(time.Minute))
	src.add("c", "cleanser", "X", "Foam", baseTime.Add(2*time.Minute))
	src.add("d", "cleanser", "X", "Foam", baseTime.Add(3*time.Minute))
	runner := &fakeRunner{fn: func(anchor string, candidates []string, _ events.ProgressFunc) (map[string]any, error) {
		if anchor != "a" {
			return noDuplicates(anchor, candidates, nil)
		}
		return map[string]any{
			"keep_id": "a",
			"duplicates": []any{
				map[string]any{"id": "b", "confidence": "150", "reason": "over"},
				map[string]any{"id": "c", "confidence": -5, "reason": "under"},
				map[string]any{"id": "d", "confidence": 60, "reason": "weak"},
				map[string]any{"id": "a", "confidence": 99, "reason": "self"},
				map[string]any{"id": "zz", "confidence": 99, "reason": "unknown"},
			},
		}, nil
	}}
	e := newTestEngine(t, src, runner)

	res, err := e.Suggest(context.Background(), Request{MinConfidence: intPtr(70)}, nil)
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 1)
	assert.Equal(t, "a", res.Suggestions[0].KeepID)
	assert.Equal(t, []string{"b"}, res.Suggestions[0].RemoveIDs)
	assert.Equal(t, float64(100), res.Suggestions[0].Confidence)
}

func TestSuggestRecordsFailuresAndContinues(t *testing.T) {
	src := doveSource()
	runner := &fakeRunner{fn: func(anchor string, candidates []string, _ events.ProgressFunc) (map[string]any, error) {
		switch anchor {
		case "p1":
			return nil, ai.NewError(ai.CodeTimeout, 504, "Doubao request timed out.")
		case "p2":
			return map[string]any{
				"keep_id":    "p2",
				"duplicates": []any{map[string]any{"id": "p3", "confidence": 90}},
				"reason":     "looks alike",
			}, nil
		}
		return noDuplicates(anchor, candidates, nil)
	}}
	e := newTestEngine(t, src, runner)

	res, err := e.Suggest(context.Background(), Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0], "anchor p1")
	assert.Contains(t, res.Failures[0], "timed out")

	require.Len(t, res.Suggestions, 1)
	assert.Equal(t, "p2", res.Suggestions[0].KeepID)
	assert.Equal(t, "looks alike", res.Suggestions[0].Reason)
}

func TestSuggestRejectsNonFiniteConfidence(t *testing.T) {
	src := doveSource()
	runner := &fakeRunner{fn: func(anchor string, candidates []string, _ events.ProgressFunc) (map[string]any, error) {
		if anchor == "p1" {
			return map[string]any{
				"keep_id":    "p1",
				"duplicates": []any{map[string]any{"id": "p2", "confidence": "NaN", "reason": "same"}},
			}, nil
		}
		return noDuplicates(anchor, candidates, nil)
	}}
	e := newTestEngine(t, src, runner)

	res, err := e.Suggest(context.Background(), Request{}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Suggestions)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0], "anchor p1")
	assert.Contains(t, res.Failures[0], "NaN")
}

func TestSuggestRejectsForeignKeepID(t *testing.T) {
	src := doveSource()
	runner := &fakeRunner{fn: func(anchor string, _ []string, _ events.ProgressFunc) (map[string]any, error) {
		return map[string]any{"keep_id": "nope", "duplicates": []any{map[string]any{"id": anchor, "confidence": 99}}}, nil
	}}
	e := newTestEngine(t, src, runner)

	res, err := e.Suggest(context.Background(), Request{}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Suggestions)
	assert.Len(t, res.Failures, 2)
}

func TestSuggestCapsFailures(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 8; i++ {
		src.add(fmt.Sprintf("p%d", i), "shampoo", "B", "N", baseTime.Add(time.Duration(i)*time.Minute))
	}
	runner := &fakeRunner{fn: func(string, []string, events.ProgressFunc) (map[string]any, error) {
		return nil, errors.New("boom")
	}}
	cfg := DefaultConfig()
	cfg.MaxFailures = 3
	cfg.CompareBatchSize = 1
	e, err := NewEngine(src, runner, cfg)
	require.NoError(t, err)

	res, err := e.Suggest(context.Background(), Request{}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Failures, 3)
	assert.Equal(t, 28, runner.count())
}

func TestSuggestFilters(t *testing.T) {
	src := doveSource()
	runner := &fakeRunner{fn: noDuplicates}
	e := newTestEngine(t, src, runner)

	res, err := e.Suggest(context.Background(), Request{TitleQuery: "deep moisture"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ScannedProducts)

	res, err = e.Suggest(context.Background(), Request{IngredientHints: []string{"Ceramide NP"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ScannedProducts)

	res, err = e.Suggest(context.Background(), Request{MaxScanProducts: intPtr(2)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ScannedProducts)

	res, err = e.Suggest(context.Background(), Request{Category: "shampoo"}, nil)
	require.NoError(t, err)
	assert.Zero(t, res.ScannedProducts)
	assert.NotNil(t, res.Suggestions)
	assert.NotNil(t, res.InvolvedProducts)
	assert.NotNil(t, res.Failures)
}

func TestSuggestValidatesRequest(t *testing.T) {
	e := newTestEngine(t, &fakeSource{}, &fakeRunner{fn: noDuplicates})

	tests := []struct {
		name string
		req  Request
	}{
		{"bad category", Request{Category: "toothpaste"}},
		{"scan too small", Request{MaxScanProducts: intPtr(0)}},
		{"scan too large", Request{MaxScanProducts: intPtr(501)}},
		{"batch too large", Request{CompareBatchSize: intPtr(21)}},
		{"confidence negative", Request{MinConfidence: intPtr(-1)}},
		{"confidence too high", Request{MinConfidence: intPtr(101)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Suggest(context.Background(), tt.req, nil)
			require.Error(t, err)
			assert.True(t, ai.IsCode(err, ai.CodeInvalidInput), "got %v", err)
		})
	}
}

func TestSuggestListError(t *testing.T) {
	e := newTestEngine(t, &fakeSource{listErr: errors.New("db down")}, &fakeRunner{fn: noDuplicates})
	_, err := e.Suggest(context.Background(), Request{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestSuggestProgress(t *testing.T) {
	src := &fakeSource{}
	src.add("p1", "shampoo", "A", "One", baseTime)
	src.add("p2", "shampoo", "A", "One", baseTime.Add(time.Minute))
	runner := &fakeRunner{fn: func(anchor string, candidates []string, progress events.ProgressFunc) (map[string]any, error) {
		progress.Emit(events.Delta("product_dedup_group", "stream-text"))
		return noDuplicates(anchor, candidates, nil)
	}}
	e := newTestEngine(t, src, runner)

	var steps []string
	var model events.ProgressEvent
	_, err := e.Suggest(context.Background(), Request{}, func(ev events.ProgressEvent) {
		assert.Equal(t, "dedup", ev.Stage)
		steps = append(steps, ev.Step)
		if ev.Step == events.StepDedupModelEvent {
			model = ev
		}
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		events.StepDedupScanStart,
		events.StepDedupCategoryStart,
		events.StepDedupAnchorStart,
		events.StepDedupModelEvent,
		events.StepDedupAnchorDone,
		events.StepDedupScanDone,
	}, steps)
	assert.Equal(t, events.ProgressDelta, model.Type)
	assert.Equal(t, "stream-text", model.Delta)
	assert.Equal(t, "product_dedup_group", model.Data["stage"])
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]*ai.DedupVerdict
}

func (c *mapCache) Get(_ context.Context, key string) (*ai.DedupVerdict, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, v *ai.DedupVerdict) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
	return nil
}

func TestSuggestUsesCache(t *testing.T) {
	src := doveSource()
	runner := &fakeRunner{fn: func(anchor string, candidates []string, _ events.ProgressFunc) (map[string]any, error) {
		if anchor == "p1" {
			return map[string]any{
				"keep_id":    "p1",
				"duplicates": []any{map[string]any{"id": "p2", "confidence": 97}},
			}, nil
		}
		return noDuplicates(anchor, candidates, nil)
	}}
	cache := &mapCache{data: map[string]*ai.DedupVerdict{}}
	e := newTestEngine(t, src, runner, WithCache(cache))

	first, err := e.Suggest(context.Background(), Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, runner.count())
	assert.Len(t, cache.data, 2)

	second, err := e.Suggest(context.Background(), Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, runner.count())
	assert.Equal(t, first.Suggestions, second.Suggestions)
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(nil, &fakeRunner{}, DefaultConfig())
	assert.Error(t, err)
	_, err = NewEngine(&fakeSource{}, nil, DefaultConfig())
	assert.Error(t, err)
	cfg := DefaultConfig()
	cfg.CompareBatchSize = 0
	_, err = NewEngine(&fakeSource{}, &fakeRunner{}, cfg)
	assert.Error(t, err)
}
