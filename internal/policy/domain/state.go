// Package domain holds the intelligence state shared by the policy engine and the sync cache, and the global
// policy document.
package domain

// PromptVariant is the A/B arm for prompt style. A is the control arm.
type PromptVariant string

const (
	VariantA PromptVariant = "A"
	VariantB PromptVariant = "B"
)

// Scope limits which prompt-generation calls may use a learned fact.
type Scope string

const (
	ScopeGlobal   Scope = "Global"
	ScopeCreative Scope = "Creative"
	ScopeBusiness Scope = "Business"
	ScopeUtility  Scope = "Utility"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeCreative, ScopeBusiness, ScopeUtility:
		return true
	}
	return false
}

// DefaultDailyCredits is the allotment restored on the first Init of each calendar day.
const DefaultDailyCredits = 50

// DefaultArchetype is the archetype of a user the server has not classified yet.
const DefaultArchetype = "unclassified"

// LearnedFact is appended by collaborators and filtered by scope when building prompt augmentations.
type LearnedFact struct {
	Content    string  `json:"content"`
	Scope      Scope   `json:"scope"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Timestamp  int64   `json:"timestamp"`
}

// Insight is a server- or collaborator-derived observation about the user.
type Insight struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}

// Credits is the daily generation allowance. LastReset is "YYYY-MM-DD".
type Credits struct {
	Count     int    `json:"count"`
	LastReset string `json:"lastReset"`
}

// SystemState is the policy engine's working memory. Every field is always defined; see Normalize.
type SystemState struct {
	UserArchetype           string              `json:"userArchetype"`
	ActivePromptVariant     PromptVariant       `json:"activePromptVariant"`
	LearnedFacts            []LearnedFact       `json:"learnedFacts"`
	Insights                []Insight           `json:"insights"`
	TelemetryEnabled        bool                `json:"telemetryEnabled"`
	KeywordWeights          map[string]float64  `json:"keywordWeights"`
	NegativeConstraints     map[string][]string `json:"negativeConstraints"`
	GoldenTemplates         map[string][]any    `json:"goldenTemplates"`
	SessionScore            float64             `json:"sessionScore"`
	TotalInputChars         int64               `json:"totalInputChars"`
	TotalOutputChars        int64               `json:"totalOutputChars"`
	RequestCount            int64               `json:"requestCount"`
	LastGenerationTimestamp int64               `json:"lastGenerationTimestamp"`
	Credits                 Credits             `json:"credits"`
}

// DefaultState returns the complete default shape. LastReset is empty so the first Init performs a reset.
func DefaultState() SystemState {
	return SystemState{
		UserArchetype:       DefaultArchetype,
		ActivePromptVariant: VariantA,
		LearnedFacts:        []LearnedFact{},
		Insights:            []Insight{},
		TelemetryEnabled:    true,
		KeywordWeights:      map[string]float64{},
		NegativeConstraints: map[string][]string{},
		GoldenTemplates:     map[string][]any{},
		Credits:             Credits{Count: DefaultDailyCredits},
	}
}
