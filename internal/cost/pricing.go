package cost

import (
	"strings"

	"github.com/carepick/carepick/internal/types"
)

// Mode names the active price table
type Mode string

const (
	ModeNone   Mode = "none"
	ModePerRun Mode = "per_run"
	ModeTokens Mode = "token_usage"
)

// Mode reports which table prices runs
func (p *Pricing) Mode() Mode {
	switch {
	case p == nil:
		return ModeNone
	case len(p.Tokens) > 0:
		return ModeTokens
	case len(p.PerRun) > 0:
		return ModePerRun
	}
	return ModeNone
}

// Estimate returns the cost of one run and whether its model is priced
// under the active table.
func (p *Pricing) Estimate(model string, usage *types.TokenUsage) (float64, bool) {
	model = strings.TrimSpace(model)
	if model == "" {
		return 0, false
	}
	switch p.Mode() {
	case ModeTokens:
		rate, ok := p.Tokens[model]
		if !ok {
			return 0, false
		}
		return rate.Cost(usage), true
	case ModePerRun:
		cost, ok := p.PerRun[model]
		return cost, ok
	}
	return 0, false
}

// Cost prices token usage. Cached tokens are billed at the cache rate and
// excluded from the input count.
func (r TokenRate) Cost(usage *types.TokenUsage) float64 {
	if usage == nil {
		return 0
	}
	uncached := usage.InputTokens - usage.CachedTokens
	if uncached < 0 {
		uncached = 0
	}
	return float64(uncached)/1e6*r.Input +
		float64(usage.OutputTokens)/1e6*r.Output +
		float64(usage.CachedTokens)/1e6*r.Cache
}
