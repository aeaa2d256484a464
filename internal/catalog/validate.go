package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/product_doc.json
var productDocSchema []byte

const schemaURL = "product_doc.json"

type validator struct {
	schema *jsonschema.Schema
}

func newValidator() (*validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(productDocSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &validator{schema: schema}, nil
}

// Validate coerces a model-produced document into shape, checks it against
// the product schema and decodes it.
func (v *validator) Validate(raw map[string]any) (*types.ProductDoc, error) {
	data, err := json.Marshal(coerceDoc(raw))
	if err != nil {
		return nil, invalidDoc("not serializable: %v", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, invalidDoc("%v", err)
	}
	if err := v.schema.Validate(generic); err != nil {
		return nil, invalidDoc("%v", err)
	}
	var doc types.ProductDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, invalidDoc("%v", err)
	}
	doc.Normalize()
	return &doc, nil
}

func invalidDoc(format string, args ...any) *ai.ServiceError {
	return ai.NewError(ai.CodeProductDocInvalid, http.StatusUnprocessableEntity,
		"Product document is invalid: "+format, args...)
}

// listSeparators splits models' comma-joined lists, ASCII or CJK
var listSeparators = regexp.MustCompile(`[,，、;；/]+`)

// coerceDoc repairs the shapes models commonly get wrong: a string where a
// list belongs, a bare ingredient name, an unknown risk level.
func coerceDoc(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}

	product := object(out["product"])
	if c, ok := product["category"].(string); ok {
		product["category"] = strings.ToLower(strings.TrimSpace(c))
	}
	out["product"] = product

	summary := object(out["summary"])
	if _, ok := summary["one_sentence"].(string); !ok {
		summary["one_sentence"] = ""
	}
	for _, key := range []string{"pros", "cons", "who_for", "who_not_for"} {
		summary[key] = stringList(summary[key], false)
	}
	out["summary"] = summary

	var ingredients []any
	if list, ok := out["ingredients"].([]any); ok {
		for _, item := range list {
			if ing := coerceIngredient(item); ing != nil {
				ingredients = append(ingredients, ing)
			}
		}
	}
	if ingredients == nil {
		ingredients = []any{}
	}
	out["ingredients"] = ingredients

	out["evidence"] = object(out["evidence"])
	return out
}

func coerceIngredient(item any) map[string]any {
	var ing map[string]any
	switch v := item.(type) {
	case string:
		ing = map[string]any{"name": v}
	case map[string]any:
		ing = make(map[string]any, len(v))
		for k, val := range v {
			ing[k] = val
		}
	default:
		return nil
	}
	name, _ := ing["name"].(string)
	if name = strings.TrimSpace(name); name == "" {
		return nil
	}
	ing["name"] = name
	for _, key := range []string{"type", "notes"} {
		if _, ok := ing[key].(string); !ok {
			ing[key] = ""
		}
	}
	ing["functions"] = stringList(ing["functions"], true)
	ing["risk"] = coerceRisk(ing["risk"])
	return ing
}

func coerceRisk(v any) string {
	s, _ := v.(string)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return types.RiskHigh
	case "mid", "medium", "moderate":
		return types.RiskMid
	}
	return types.RiskLow
}

// stringList turns a list, a single string or nothing into a string list.
// When split is set a single string is split on list separators.
func stringList(v any, split bool) []string {
	out := []string{}
	switch val := v.(type) {
	case string:
		parts := []string{val}
		if split {
			parts = listSeparators.Split(val, -1)
		}
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	case []any:
		for _, item := range val {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
	case []string:
		for _, s := range val {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func object(v any) map[string]any {
	src, ok := v.(map[string]any)
	out := make(map[string]any, len(src))
	if ok {
		for k, val := range src {
			out[k] = val
		}
	}
	return out
}
