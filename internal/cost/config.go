package cost

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/config"
	"gopkg.in/yaml.v3"
)

// TokenRate is the price in currency units per 1M tokens
type TokenRate struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
	Cache  float64 `json:"cache" yaml:"cache"`
}

// fileConfig is the layout of AI_PRICING_FILE
type fileConfig struct {
	PerRun map[string]float64   `yaml:"per_run"`
	Tokens map[string]TokenRate `yaml:"tokens"`
}

// Pricing holds the flat per-run and token-usage price tables.
// When token rates are configured they take precedence.
type Pricing struct {
	PerRun map[string]float64
	Tokens map[string]TokenRate
}

// LoadPricing builds the pricing tables from the YAML file (if any) and the
// JSON environment values, which override file entries model by model.
// Malformed input fails with ai_cost_config_invalid.
func LoadPricing(cfg config.PricingConfig) (*Pricing, error) {
	p := &Pricing{PerRun: map[string]float64{}, Tokens: map[string]TokenRate{}}

	if path := strings.TrimSpace(cfg.File); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, configError("AI_PRICING_FILE could not be read: %v", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, configError("AI_PRICING_FILE must be valid YAML: %v", err)
		}
		for model, cost := range fc.PerRun {
			if err := p.setPerRun(model, cost); err != nil {
				return nil, err
			}
		}
		for model, rate := range fc.Tokens {
			if err := p.setTokens(model, rate); err != nil {
				return nil, err
			}
		}
	}

	if err := p.loadPerRunJSON(cfg.PerRunJSON); err != nil {
		return nil, err
	}
	if err := p.loadTokenJSON(cfg.TokenJSON); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pricing) loadPerRunJSON(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return configError("AI_COST_PER_RUN_BY_MODEL_JSON must be valid JSON object.")
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return configError("AI_COST_PER_RUN_BY_MODEL_JSON must be a JSON object.")
	}
	for key, value := range obj {
		model := strings.TrimSpace(key)
		if model == "" {
			continue
		}
		cost, ok := toFloat(value)
		if !ok {
			return configError("Invalid cost value for model '%s'.", model)
		}
		if err := p.setPerRun(model, cost); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pricing) loadTokenJSON(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return configError("AI_TOKEN_PRICING_JSON must be valid JSON object.")
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return configError("AI_TOKEN_PRICING_JSON must be a JSON object.")
	}
	for key, value := range obj {
		model := strings.TrimSpace(key)
		if model == "" {
			continue
		}
		fields, ok := value.(map[string]any)
		if !ok {
			return configError("Token pricing for model '%s' must be an object.", model)
		}
		var rate TokenRate
		for name, dst := range map[string]*float64{"input": &rate.Input, "output": &rate.Output, "cache": &rate.Cache} {
			v, present := fields[name]
			if !present {
				continue
			}
			f, ok := toFloat(v)
			if !ok {
				return configError("Invalid %s token price for model '%s'.", name, model)
			}
			*dst = f
		}
		if err := p.setTokens(model, rate); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pricing) setPerRun(model string, cost float64) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil
	}
	if cost < 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		return configError("Cost must be non-negative for model '%s'.", model)
	}
	p.PerRun[model] = cost
	return nil
}

func (p *Pricing) setTokens(model string, rate TokenRate) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil
	}
	if err := rate.Validate(); err != nil {
		return configError("Token pricing for model '%s': %v", model, err)
	}
	p.Tokens[model] = rate
	return nil
}

// Validate checks that every rate is a finite non-negative number
func (r TokenRate) Validate() error {
	for name, v := range map[string]float64{"input": r.Input, "output": r.Output, "cache": r.Cache} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s rate must be non-negative, got %v", name, v)
		}
	}
	return nil
}

func configError(format string, args ...any) *ai.ServiceError {
	return ai.NewError(ai.CodeCostConfigInvalid, http.StatusInternalServerError, format, args...)
}

// toFloat accepts JSON numbers and numeric strings
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
