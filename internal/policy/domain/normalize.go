package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
)

// Partial is a possibly incomplete SystemState keyed by top-level JSON field name.
type Partial map[string]json.RawMessage

// ErrNotObject is returned by ParsePartial when the input is not a JSON object.
var ErrNotObject = errors.New("domain: state is not a JSON object")

// ParsePartial decodes raw as a JSON object.
func ParsePartial(raw []byte) (Partial, error) {
	var p Partial
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotObject
	}
	return p, nil
}

// ToPartial returns s as a Partial.
func ToPartial(s SystemState) Partial {
	raw, err := json.Marshal(s)
	if err != nil {
		return Partial{}
	}
	var p Partial
	_ = json.Unmarshal(raw, &p)
	return p
}

// Merge returns base with every top-level key of overlay replacing base's (shallow merge).
func Merge(base, overlay Partial) Partial {
	out := make(Partial, len(base)+len(overlay))
	maps.Copy(out, base)
	maps.Copy(out, overlay)
	return out
}

// Normalize merges p over DefaultState field by field. A field that is missing, null, or of the wrong JSON type
// keeps its default; list elements that do not decode are dropped; an unknown prompt variant becomes A.
func Normalize(p Partial) SystemState {
	s := DefaultState()
	field(p, "userArchetype", &s.UserArchetype)
	field(p, "activePromptVariant", &s.ActivePromptVariant)
	field(p, "telemetryEnabled", &s.TelemetryEnabled)
	field(p, "keywordWeights", &s.KeywordWeights)
	field(p, "negativeConstraints", &s.NegativeConstraints)
	field(p, "goldenTemplates", &s.GoldenTemplates)
	field(p, "sessionScore", &s.SessionScore)
	field(p, "totalInputChars", &s.TotalInputChars)
	field(p, "totalOutputChars", &s.TotalOutputChars)
	field(p, "requestCount", &s.RequestCount)
	field(p, "lastGenerationTimestamp", &s.LastGenerationTimestamp)
	s.LearnedFacts = elements(p, "learnedFacts", func(f LearnedFact) bool {
		return f.Content != "" && f.Scope.Valid()
	})
	s.Insights = elements(p, "insights", func(Insight) bool { return true })

	var credits Partial
	field(p, "credits", &credits)
	field(credits, "count", &s.Credits.Count)
	field(credits, "lastReset", &s.Credits.LastReset)

	if s.ActivePromptVariant != VariantA && s.ActivePromptVariant != VariantB {
		s.ActivePromptVariant = VariantA
	}
	if s.KeywordWeights == nil {
		s.KeywordWeights = map[string]float64{}
	}
	if s.NegativeConstraints == nil {
		s.NegativeConstraints = map[string][]string{}
	}
	for k, v := range s.NegativeConstraints {
		if v == nil {
			s.NegativeConstraints[k] = []string{}
		}
	}
	if s.GoldenTemplates == nil {
		s.GoldenTemplates = map[string][]any{}
	}
	for k, v := range s.GoldenTemplates {
		if v == nil {
			s.GoldenTemplates[k] = []any{}
		}
	}
	return s
}

// NormalizeJSON parses raw and normalizes it. Malformed input yields DefaultState and the parse error.
func NormalizeJSON(raw []byte) (SystemState, error) {
	p, err := ParsePartial(raw)
	if err != nil {
		return DefaultState(), err
	}
	return Normalize(p), nil
}

var null = []byte("null")

// field decodes p[key] into dst, leaving dst untouched when the key is absent, null, or mistyped.
func field[T any](p Partial, key string, dst *T) {
	raw, ok := p[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), null) {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return
	}
	*dst = v
}

// elements decodes p[key] as a list, keeping only elements that decode and pass keep. Never returns nil.
func elements[T any](p Partial, key string, keep func(T) bool) []T {
	out := []T{}
	var raws []json.RawMessage
	field(p, key, &raws)
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
