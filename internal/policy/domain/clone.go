package domain

import (
	"encoding/json"
	"maps"
	"slices"
)

// Clone returns a deep copy of s. Mutating the result never affects s.
func (s SystemState) Clone() SystemState {
	out := s
	out.LearnedFacts = slices.Clone(s.LearnedFacts)
	out.Insights = slices.Clone(s.Insights)
	out.KeywordWeights = maps.Clone(s.KeywordWeights)
	if out.LearnedFacts == nil {
		out.LearnedFacts = []LearnedFact{}
	}
	if out.Insights == nil {
		out.Insights = []Insight{}
	}
	if out.KeywordWeights == nil {
		out.KeywordWeights = map[string]float64{}
	}
	out.NegativeConstraints = make(map[string][]string, len(s.NegativeConstraints))
	for k, v := range s.NegativeConstraints {
		out.NegativeConstraints[k] = append([]string{}, v...)
	}
	out.GoldenTemplates = make(map[string][]any, len(s.GoldenTemplates))
	for k, v := range s.GoldenTemplates {
		out.GoldenTemplates[k] = cloneJSONValues(v)
	}
	return out
}

// cloneJSONValues deep-copies arbitrary JSON-shaped values by round-tripping them.
func cloneJSONValues(v []any) []any {
	out := []any{}
	raw, err := json.Marshal(v)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	if out == nil {
		out = []any{}
	}
	return out
}
