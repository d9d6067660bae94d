// Package ai is the client-side proxy for generative-AI requests: prompt augmentation, retry with backoff,
// telemetry, and incremental NDJSON streaming.
package ai

import (
	"encoding/json"
	"unicode/utf8"
)

// API paths on the origin.
const (
	GeneratePath = "/api/ai/generate"
	StreamPath   = "/api/ai/stream"
	VideoPath    = "/api/ai/videos"
)

// Part is one element of structured content. Only Text is rewritten by augmentation.
type Part struct {
	Text       string          `json:"text,omitempty"`
	InlineData json.RawMessage `json:"inlineData,omitempty"`
}

// Content is a structured turn.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// GenerationConfig is the subset of model settings the proxy fills in. Extra keys pass through unchanged.
type GenerationConfig struct {
	Temperature       *float64       `json:"temperature,omitempty"`
	MaxOutputTokens   int            `json:"maxOutputTokens,omitempty"`
	SystemInstruction string         `json:"systemInstruction,omitempty"`
	Extra             map[string]any `json:"-"`
}

// MarshalJSON flattens Extra next to the known fields.
func (c GenerationConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+3)
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.Temperature != nil {
		out["temperature"] = *c.Temperature
	}
	if c.MaxOutputTokens > 0 {
		out["maxOutputTokens"] = c.MaxOutputTokens
	}
	if c.SystemInstruction != "" {
		out["systemInstruction"] = c.SystemInstruction
	}
	return json.Marshal(out)
}

// Request is the body of /api/ai/generate and /api/ai/stream. Contents is a string, a Content, or a []Content.
type Request struct {
	Model    string            `json:"model"`
	Contents any               `json:"contents"`
	Config   *GenerationConfig `json:"config,omitempty"`
}

// Response is the body of /api/ai/generate and each line of /api/ai/stream.
type Response struct {
	Text       string            `json:"text"`
	Candidates []json.RawMessage `json:"candidates"`
}

// VideoRequest is the body of /api/ai/videos.
type VideoRequest struct {
	Model  string         `json:"model"`
	Prompt string         `json:"prompt"`
	Config map[string]any `json:"config,omitempty"`
}

type videoResponse struct {
	ProxyURL *string `json:"proxyUrl"`
}

// promptText returns the text augmentation applies to: the string content or the first text part.
func promptText(contents any) (string, bool) {
	switch c := contents.(type) {
	case string:
		return c, true
	case Content:
		return firstText(c.Parts)
	case *Content:
		if c != nil {
			return firstText(c.Parts)
		}
	case []Content:
		for _, turn := range c {
			if t, ok := firstText(turn.Parts); ok {
				return t, true
			}
		}
	}
	return "", false
}

// withPromptText returns contents with the text promptText found replaced by text. Structured contents are
// copied, never mutated in place.
func withPromptText(contents any, text string) any {
	switch c := contents.(type) {
	case string:
		return text
	case Content:
		c.Parts = replaceFirstText(c.Parts, text)
		return c
	case *Content:
		if c == nil {
			return contents
		}
		cp := *c
		cp.Parts = replaceFirstText(c.Parts, text)
		return &cp
	case []Content:
		out := make([]Content, len(c))
		copy(out, c)
		for i := range out {
			if _, ok := firstText(out[i].Parts); ok {
				out[i].Parts = replaceFirstText(out[i].Parts, text)
				break
			}
		}
		return out
	}
	return contents
}

func firstText(parts []Part) (string, bool) {
	for _, p := range parts {
		if p.Text != "" {
			return p.Text, true
		}
	}
	return "", false
}

func replaceFirstText(parts []Part, text string) []Part {
	out := make([]Part, len(parts))
	copy(out, parts)
	for i := range out {
		if out[i].Text != "" {
			out[i].Text = text
			break
		}
	}
	return out
}

// inputLength is the rune count of all text in contents.
func inputLength(contents any) int {
	n := 0
	count := func(parts []Part) {
		for _, p := range parts {
			n += utf8.RuneCountInString(p.Text)
		}
	}
	switch c := contents.(type) {
	case string:
		n = utf8.RuneCountInString(c)
	case Content:
		count(c.Parts)
	case *Content:
		if c != nil {
			count(c.Parts)
		}
	case []Content:
		for _, turn := range c {
			count(turn.Parts)
		}
	}
	return n
}
