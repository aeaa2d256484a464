package ai

import (
	"net/http"
	"sort"
	"strings"

	"github.com/carepick/carepick/internal/types"
)

// responseShape is one of the known upstream payload layouts
type responseShape int

const (
	shapeFlatText    responseShape = iota // {"output_text": "..."}
	shapeOutputItems                      // {"output": [{"content": [{"text": "..."}]}]}
	shapeChatChoices                      // {"choices": [{"message": {"content": ...}}]}
)

func (s responseShape) String() string {
	switch s {
	case shapeFlatText:
		return "output_text"
	case shapeOutputItems:
		return "output"
	case shapeChatChoices:
		return "choices"
	}
	return "unknown"
}

// shapeOrder is the precedence used when a payload matches several shapes
var shapeOrder = []responseShape{shapeFlatText, shapeOutputItems, shapeChatChoices}

// extract returns the text for one shape, or "" when the shape does not apply
func (s responseShape) extract(raw map[string]any) string {
	switch s {
	case shapeFlatText:
		if text, ok := raw["output_text"].(string); ok {
			return strings.TrimSpace(text)
		}
	case shapeOutputItems:
		if items, ok := raw["output"].([]any); ok {
			return mergeTexts(collectText(items, nil))
		}
	case shapeChatChoices:
		choices, ok := raw["choices"].([]any)
		if !ok || len(choices) == 0 {
			return ""
		}
		first, _ := choices[0].(map[string]any)
		message, _ := first["message"].(map[string]any)
		switch content := message["content"].(type) {
		case []any:
			return mergeTexts(collectText(content, nil))
		case string:
			return strings.TrimSpace(content)
		}
	}
	return ""
}

// ExtractText normalizes any supported upstream payload into one text block
func ExtractText(raw map[string]any) (string, error) {
	for _, shape := range shapeOrder {
		if text := shape.extract(raw); text != "" {
			return text, nil
		}
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "", NewError(CodeEmptyResponse, http.StatusBadGateway,
		"Doubao response content is empty. top-level keys=[%s]", strings.Join(keys, ", "))
}

// collectText walks a decoded JSON node and appends every text fragment.
// Objects contribute their "text" and "output_text" strings and then their
// "content" subtree.
func collectText(node any, acc []string) []string {
	switch v := node.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			acc = append(acc, s)
		}
	case []any:
		for _, item := range v {
			acc = collectText(item, acc)
		}
	case map[string]any:
		for _, key := range []string{"text", "output_text"} {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				acc = append(acc, strings.TrimSpace(s))
			}
		}
		if content, ok := v["content"]; ok && content != nil {
			acc = collectText(content, acc)
		}
	}
	return acc
}

// mergeTexts drops exact repeats, keeping first-seen order
func mergeTexts(texts []string) string {
	seen := make(map[string]struct{}, len(texts))
	merged := make([]string, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		merged = append(merged, t)
	}
	return strings.TrimSpace(strings.Join(merged, "\n"))
}

// ExtractUsage reads token accounting from either the responses or the chat
// completion usage layout. Returns nil when the payload carries none.
func ExtractUsage(raw map[string]any) *types.TokenUsage {
	usage, ok := raw["usage"].(map[string]any)
	if !ok {
		return nil
	}
	u := &types.TokenUsage{
		InputTokens:  firstInt(usage, "input_tokens", "prompt_tokens"),
		OutputTokens: firstInt(usage, "output_tokens", "completion_tokens"),
	}
	for _, key := range []string{"input_tokens_details", "prompt_tokens_details"} {
		if details, ok := usage[key].(map[string]any); ok {
			u.CachedTokens = firstInt(details, "cached_tokens")
			break
		}
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.CachedTokens == 0 {
		return nil
	}
	return u
}

// AddUsage sums two usages; nil operands are ignored
func AddUsage(a, b *types.TokenUsage) *types.TokenUsage {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &types.TokenUsage{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
		CachedTokens: a.CachedTokens + b.CachedTokens,
	}
}

func firstInt(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch n := m[k].(type) {
		case float64:
			return int64(n)
		case int64:
			return n
		case int:
			return int64(n)
		}
	}
	return 0
}
