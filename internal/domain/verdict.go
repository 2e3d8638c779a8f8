package domain

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Verdict is the AI validator's final judgement on a trade candidate.
type Verdict struct {
	Symbol      string   `json:"symbol"`
	Accepted    bool     `json:"accepted"`
	Confirmed   bool     `json:"confirmed"`
	Confidence  int      `json:"confidence"`
	Rationale   string   `json:"final_reasoning"`
	RiskFactors []string `json:"risk_factors"`
	Iterations  int      `json:"iterations"`
}

// ParseVerdict decodes a model response into a verdict. The response may be
// wrapped in markdown code fences.
func ParseVerdict(raw string) (*Verdict, error) {
	payload := sanitizePayload(raw)

	if !json.Valid([]byte(payload)) {
		return nil, errors.New("invalid JSON structure in model response")
	}

	var v Verdict
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, errors.Wrap(err, "unmarshal verdict")
	}

	if v.Confidence < 0 || v.Confidence > 100 {
		return nil, errors.Errorf("confidence out of range: %d", v.Confidence)
	}
	if v.Rationale == "" {
		return nil, errors.New("final_reasoning is required")
	}

	return &v, nil
}

func sanitizePayload(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
