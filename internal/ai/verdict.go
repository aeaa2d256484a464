package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// Confidence is a model-reported score. Models sometimes quote it or add a
// percent sign, so both numbers and numeric strings are accepted.
type Confidence float64

// UnmarshalJSON accepts 95, 95.5, "95" and "95%"; null and "" decode to 0.
// NaN and infinities are rejected.
func (c *Confidence) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
		if s == "" {
			*c = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid confidence %q: %w", s, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("invalid confidence %q: not a finite number", s)
		}
		*c = Confidence(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("invalid confidence %s: %w", data, err)
	}
	*c = Confidence(f)
	return nil
}

// DedupAssertion is one "this id duplicates keep_id" claim
type DedupAssertion struct {
	ID         string     `json:"id"`
	Confidence Confidence `json:"confidence"`
	Reason     string     `json:"reason"`
}

// DedupVerdict is the reply of doubao.product_dedup_group
type DedupVerdict struct {
	KeepID       string           `json:"keep_id"`
	Duplicates   []DedupAssertion `json:"duplicates"`
	Reason       string           `json:"reason"`
	AnalysisText string           `json:"analysis_text"`
}

// ParseDedupVerdict decodes a verdict from capability output
func ParseDedupVerdict(output map[string]any) (*DedupVerdict, error) {
	var v DedupVerdict
	if err := remarshal(output, &v); err != nil {
		return nil, NewError(CodeInvalidJobOutput, http.StatusInternalServerError, "Invalid dedup verdict: %v", err)
	}
	v.KeepID = strings.TrimSpace(v.KeepID)
	if v.Duplicates == nil {
		v.Duplicates = []DedupAssertion{}
	}
	return &v, nil
}
