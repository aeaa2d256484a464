package ai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

// Pre-compiled regular expressions for performance.
var (
	// Matches ```json{...}``` and ```{...}``` with or without newlines
	codeFenceObjectRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{[\\s\\S]*\\})\\s*```")

	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
)

// objectStrategy is one attempt at pulling a JSON object out of model text
type objectStrategy struct {
	name    string
	extract func(text string) (string, bool)
}

// objectStrategies run in order; the first candidate that decodes to an
// object wins.
var objectStrategies = []objectStrategy{
	{"direct", func(text string) (string, bool) { return text, true }},
	{"code_fence", func(text string) (string, bool) {
		m := codeFenceObjectRegex.FindStringSubmatch(text)
		if m == nil {
			return "", false
		}
		return m[1], true
	}},
	{"outer_braces", outerBraces},
	{"trailing_commas", func(text string) (string, bool) {
		candidate, ok := outerBraces(text)
		if !ok {
			return "", false
		}
		return trailingCommaRegex.ReplaceAllString(candidate, "$1"), true
	}},
}

// outerBraces returns the span from the first '{' to the last '}'
func outerBraces(text string) (string, bool) {
	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first < 0 || last <= first {
		return "", false
	}
	return text[first : last+1], true
}

// ExtractJSONObject pulls the first JSON object out of a model reply.
//
// Strategy sequence:
//  1. Direct parse of the whole text
//  2. Content of a ```json fenced block
//  3. Span from the first '{' to the last '}'
//  4. The same span with trailing commas removed
//
// Fails with json_not_found when no strategy yields an object.
func ExtractJSONObject(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" {
		for _, s := range objectStrategies {
			candidate, ok := s.extract(trimmed)
			if !ok {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
				slog.Debug("ai.json.strategy_failed", "strategy", s.name, "error", err)
				continue
			}
			if obj == nil {
				continue
			}
			if s.name != "direct" {
				slog.Debug("ai.json.recovered", "strategy", s.name)
			}
			return obj, nil
		}
	}
	return nil, NewError(CodeJSONNotFound, http.StatusUnprocessableEntity,
		"No JSON object found in capability response.")
}

// DecodeJSONObject extracts an object from model text and decodes it into T
func DecodeJSONObject[T any](text string) (T, error) {
	var out T
	obj, err := ExtractJSONObject(text)
	if err != nil {
		return out, err
	}
	if err := remarshal(obj, &out); err != nil {
		return out, NewError(CodeJSONNotFound, http.StatusUnprocessableEntity,
			"Capability response JSON has an unexpected shape: %v", err)
	}
	return out, nil
}

// ToInput converts any JSON-serializable value into the generic map form used
// for capability inputs and job payloads.
func ToInput(v any) (map[string]any, error) {
	var out map[string]any
	if err := remarshal(v, &out); err != nil {
		return nil, fmt.Errorf("failed to convert %T to input: %w", v, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
