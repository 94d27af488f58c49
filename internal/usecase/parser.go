package usecase

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"crm-assistant/internal/domain"
)

// ParseStrategy records which stage of the parse chain produced the intent.
type ParseStrategy string

const (
	StrategyDirect    ParseStrategy = "direct"
	StrategyRepaired  ParseStrategy = "repaired"
	StrategyExtracted ParseStrategy = "extracted"
	StrategyRuleBased ParseStrategy = "rulebased"
)

// intentWire is the JSON shape the NLU provider is prompted to emit.
type intentWire struct {
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	Parameters map[string]any `json:"parameters"`
	Confidence float64        `json:"confidence"`
}

func (w intentWire) toIntent() domain.Intent {
	return domain.Intent{
		Action:     domain.Action(strings.ToLower(strings.TrimSpace(w.Action))),
		EntityType: domain.EntityType(strings.ToLower(strings.TrimSpace(w.EntityType))),
		Parameters: w.Parameters,
		Confidence: w.Confidence,
	}.Normalize()
}

// ParseIntent decodes raw NLU model output into an Intent. Model output is
// unreliable: it may wrap JSON in markdown fences, emit single quotes or
// trailing commas, or pad the object with prose. The chain tries, in order:
//
//  1. strict decode after stripping code fences
//  2. jsonrepair then decode
//  3. brace extraction (first '{' to last '}') with strict and repaired decode
//  4. rule-based extraction over the original user utterance
//
// It never returns an error; the worst case is a low-confidence unknown
// intent from stage 4, which the dispatcher answers with help text.
func ParseIntent(raw, utterance string) (domain.Intent, ParseStrategy) {
	candidate := stripFences(raw)

	if in, ok := decodeIntent(candidate); ok {
		return in, StrategyDirect
	}

	if repaired, err := jsonrepair.JSONRepair(candidate); err == nil {
		if in, ok := decodeIntent(repaired); ok {
			return in, StrategyRepaired
		}
	}

	if inner, ok := extractBraces(candidate); ok {
		if in, ok := decodeIntent(inner); ok {
			return in, StrategyExtracted
		}
		if repaired, err := jsonrepair.JSONRepair(inner); err == nil {
			if in, ok := decodeIntent(repaired); ok {
				return in, StrategyExtracted
			}
		}
	}

	return ExtractIntent(utterance), StrategyRuleBased
}

func decodeIntent(s string) (domain.Intent, bool) {
	var w intentWire
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return domain.Intent{}, false
	}
	if w.Action == "" && w.EntityType == "" && w.Confidence == 0 {
		// An empty object or unrelated JSON is not an intent.
		return domain.Intent{}, false
	}
	return w.toIntent(), true
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, e.g. ```json ... ```.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop the language tag up to the first newline.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		firstLine := strings.TrimSpace(s[:idx])
		if firstLine == "" || !strings.ContainsAny(firstLine, "{}") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractBraces returns the substring from the first '{' to the last '}'.
func extractBraces(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
