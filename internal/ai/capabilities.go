package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

func (e *Executor) stage1Vision(ctx context.Context, in map[string]any, opts ExecOptions) (*Result, error) {
	imagePath, err := requiredString(in, "image_path")
	if err != nil {
		return nil, err
	}
	st, err := e.runStage(ctx, stageCall{
		stage:      "stage1_vision",
		promptKey:  CapStage1Vision,
		modality:   ModalityImage,
		model:      e.cfg.VisionModel,
		imagePath:  imagePath,
		sampleText: "sample mode: skipped vision OCR.",
	}, opts)
	if err != nil {
		return nil, err
	}
	return &Result{
		Output: map[string]any{
			"vision_text": st.text,
			"model":       st.model,
			"artifact":    artifactRef(st.artifact),
		},
		PromptKey:     st.prompt.Key,
		PromptVersion: st.prompt.Version,
		Model:         st.model,
		Request:       st.request(map[string]any{"image_path": imagePath}),
		Response:      st.raw,
		Usage:         st.usage,
	}, nil
}

func (e *Executor) stage2Struct(ctx context.Context, in map[string]any, opts ExecOptions) (*Result, error) {
	visionText, err := requiredString(in, "vision_text")
	if err != nil {
		return nil, err
	}
	st, err := e.runStage(ctx, stageCall{
		stage:      "stage2_struct",
		promptKey:  CapStage2Struct,
		params:     map[string]string{"vision_text": visionText},
		modality:   ModalityText,
		model:      e.cfg.StructModel,
		sampleText: sampleProductJSON,
	}, opts)
	if err != nil {
		return nil, err
	}
	doc, err := ExtractJSONObject(st.text)
	if err != nil {
		return nil, err
	}
	return &Result{
		Output: map[string]any{
			"doc":         doc,
			"struct_text": st.text,
			"model":       st.model,
			"artifact":    artifactRef(st.artifact),
		},
		PromptKey:     st.prompt.Key,
		PromptVersion: st.prompt.Version,
		Model:         st.model,
		Request:       st.request(nil),
		Response:      st.raw,
		Usage:         st.usage,
	}, nil
}

// twoStageParse runs stage 1 then feeds its text into stage 2. The product
// document is the output, with both stages' metadata under "evidence".
func (e *Executor) twoStageParse(ctx context.Context, in map[string]any, opts ExecOptions) (*Result, error) {
	imagePath, err := requiredString(in, "image_path")
	if err != nil {
		return nil, err
	}
	stage1, err := e.stage1Vision(ctx, map[string]any{"image_path": imagePath}, opts)
	if err != nil {
		return nil, err
	}
	stage2, err := e.stage2Struct(ctx, map[string]any{"vision_text": stage1.Output["vision_text"]}, opts)
	if err != nil {
		return nil, err
	}

	doc, _ := stage2.Output["doc"].(map[string]any)
	evidence, ok := doc["evidence"].(map[string]any)
	if !ok {
		evidence = map[string]any{}
		doc["evidence"] = evidence
	}
	evidence["doubao_raw"] = stage2.Output["struct_text"]
	evidence["doubao_vision_text"] = stage1.Output["vision_text"]
	evidence["doubao_pipeline_mode"] = "two-stage"
	evidence["doubao_models"] = map[string]any{
		"vision": stage1.Output["model"],
		"struct": stage2.Output["model"],
	}
	evidence["doubao_artifacts"] = map[string]any{
		"vision": stage1.Output["artifact"],
		"struct": stage2.Output["artifact"],
	}

	return &Result{
		Output:        doc,
		PromptKey:     CapTwoStageParse,
		PromptVersion: stage1.PromptVersion + "+" + stage2.PromptVersion,
		Model:         stage1.Model + "|" + stage2.Model,
		Request:       map[string]any{"image_path": imagePath},
		Response: map[string]any{
			"stage1": map[string]any{"artifact": stage1.Output["artifact"], "model": stage1.Output["model"]},
			"stage2": map[string]any{"artifact": stage2.Output["artifact"], "model": stage2.Output["model"]},
		},
		Usage: AddUsage(stage1.Usage, stage2.Usage),
	}, nil
}

func (e *Executor) ingredientEnrich(ctx context.Context, in map[string]any, opts ExecOptions) (*Result, error) {
	ingredient, err := requiredString(in, "ingredient")
	if err != nil {
		return nil, err
	}
	contextText := optionalString(in, "context")
	sampleContext := contextText
	if sampleContext == "" {
		sampleContext = "none"
	}
	st, err := e.runStage(ctx, stageCall{
		stage:      "ingredient_enrich",
		promptKey:  CapIngredientEnrich,
		params:     map[string]string{"ingredient": ingredient, "context": contextText},
		modality:   ModalityText,
		model:      e.cfg.AdvancedTextModel,
		sampleText: fmt.Sprintf("sample mode: ingredient=%s, context=%s", ingredient, sampleContext),
	}, opts)
	if err != nil {
		return nil, err
	}
	return analysisResult(st, nil, nil), nil
}

func (e *Executor) imageJSONConsistency(ctx context.Context, in map[string]any, opts ExecOptions) (*Result, error) {
	imagePath, err := requiredString(in, "image_path")
	if err != nil {
		return nil, err
	}
	jsonText, err := requiredString(in, "json_text")
	if err != nil {
		return nil, err
	}
	stage1, err := e.stage1Vision(ctx, map[string]any{"image_path": imagePath}, opts)
	if err != nil {
		return nil, err
	}
	visionText, _ := stage1.Output["vision_text"].(string)

	st, err := e.runStage(ctx, stageCall{
		stage:      "image_json_consistency",
		promptKey:  CapImageJSONConsistency,
		params:     map[string]string{"vision_text": visionText, "json_text": jsonText},
		modality:   ModalityText,
		model:      e.cfg.AdvancedTextModel,
		sampleText: "sample mode: consistency looks good.",
	}, opts)
	if err != nil {
		return nil, err
	}
	res := analysisResult(st,
		map[string]any{"vision_text": visionText},
		map[string]any{"image_path": imagePath})
	res.Usage = AddUsage(stage1.Usage, st.usage)
	return res, nil
}

func (e *Executor) productDedupDecision(ctx context.Context, in map[string]any, opts ExecOptions) (*Result, error) {
	candidateJSON, err := requiredJSONText(in, "candidate_json")
	if err != nil {
		return nil, err
	}
	var existing []any
	if raw, ok := in["existing_jsons"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, InvalidInput("existing_jsons must be a list.")
		}
		existing = list
	}
	if len(existing) > maxExistingJSONs {
		existing = existing[:maxExistingJSONs]
	}
	if existing == nil {
		existing = []any{}
	}
	existingJSON, err := json.Marshal(existing)
	if err != nil {
		return nil, InvalidInput("existing_jsons is not serializable: %v", err)
	}

	st, err := e.runStage(ctx, stageCall{
		stage:      "product_dedup_decision",
		promptKey:  CapProductDedupDecision,
		params:     map[string]string{"candidate_json": candidateJSON, "existing_jsons": string(existingJSON)},
		modality:   ModalityText,
		model:      e.cfg.AdvancedTextModel,
		sampleText: "sample mode: dedup decision unavailable.",
	}, opts)
	if err != nil {
		return nil, err
	}
	return analysisResult(st, nil, nil), nil
}

// productDedupGroup adjudicates one anchor against a batch of candidates and
// returns the parsed verdict.
func (e *Executor) productDedupGroup(ctx context.Context, in map[string]any, opts ExecOptions) (*Result, error) {
	anchor, ok := in["anchor_product"].(map[string]any)
	if !ok || len(anchor) == 0 {
		return nil, InvalidInput("'anchor_product' is required.")
	}
	anchorID, err := requiredString(anchor, "id")
	if err != nil {
		return nil, InvalidInput("'anchor_product.id' is required.")
	}
	candidates, ok := in["candidate_products"].([]any)
	if !ok || len(candidates) == 0 {
		return nil, InvalidInput("'candidate_products' is required.")
	}
	anchorJSON, err := json.MarshalIndent(anchor, "", "  ")
	if err != nil {
		return nil, InvalidInput("anchor_product is not serializable: %v", err)
	}
	candidatesJSON, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return nil, InvalidInput("candidate_products is not serializable: %v", err)
	}
	sample, _ := json.Marshal(DedupVerdict{
		KeepID:       anchorID,
		Duplicates:   []DedupAssertion{},
		Reason:       "sample mode: dedup skipped.",
		AnalysisText: "sample mode: dedup group unavailable.",
	})

	st, err := e.runStage(ctx, stageCall{
		stage:      "product_dedup_group",
		promptKey:  CapProductDedupGroup,
		params:     map[string]string{"anchor_json": string(anchorJSON), "candidates_json": string(candidatesJSON)},
		modality:   ModalityText,
		model:      e.cfg.AdvancedTextModel,
		sampleText: string(sample),
	}, opts)
	if err != nil {
		return nil, err
	}
	verdict, err := DecodeJSONObject[DedupVerdict](st.text)
	if err != nil {
		return nil, err
	}
	analysis := strings.TrimSpace(verdict.AnalysisText)
	if analysis == "" {
		analysis = st.text
	}
	duplicates := verdict.Duplicates
	if duplicates == nil {
		duplicates = []DedupAssertion{}
	}
	dupOut := make([]any, 0, len(duplicates))
	for _, d := range duplicates {
		dupOut = append(dupOut, map[string]any{
			"id":         strings.TrimSpace(d.ID),
			"confidence": float64(d.Confidence),
			"reason":     d.Reason,
		})
	}

	return &Result{
		Output: map[string]any{
			"keep_id":       strings.TrimSpace(verdict.KeepID),
			"duplicates":    dupOut,
			"reason":        verdict.Reason,
			"analysis_text": analysis,
			"model":         st.model,
			"artifact":      artifactRef(st.artifact),
		},
		PromptKey:     st.prompt.Key,
		PromptVersion: st.prompt.Version,
		Model:         st.model,
		Request:       st.request(nil),
		Response:      st.raw,
		Usage:         st.usage,
	}, nil
}

// analysisResult shapes the {analysis_text, model, artifact} output shared by
// the free-text capabilities.
func analysisResult(st *stageResult, extraOutput, extraRequest map[string]any) *Result {
	out := map[string]any{
		"analysis_text": st.text,
		"model":         st.model,
		"artifact":      artifactRef(st.artifact),
	}
	for k, v := range extraOutput {
		out[k] = v
	}
	return &Result{
		Output:        out,
		PromptKey:     st.prompt.Key,
		PromptVersion: st.prompt.Version,
		Model:         st.model,
		Request:       st.request(extraRequest),
		Response:      st.raw,
		Usage:         st.usage,
	}
}

// requiredJSONText accepts either a JSON string or a structured value that is
// serialized to JSON.
func requiredJSONText(in map[string]any, key string) (string, error) {
	switch v := in[key].(type) {
	case string:
		return requiredString(in, key)
	case nil:
		return "", InvalidInput("'%s' is required.", key)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", InvalidInput("'%s' is not serializable: %v", key, err)
		}
		return string(data), nil
	}
}
