package domain

// GlobalPolicy is the admin-controlled document of per-app token budgets and model mapping.
type GlobalPolicy struct {
	TokenPolicy  map[string]int    `json:"tokenPolicy"`
	ModelMapping map[string]string `json:"modelMapping"`
	// UpdatedAt is Unix milliseconds of the last server-side edit.
	UpdatedAt int64 `json:"updatedAt"`
}

// DefaultGlobalPolicy returns an empty policy: no budgets, no model overrides.
func DefaultGlobalPolicy() GlobalPolicy {
	return GlobalPolicy{TokenPolicy: map[string]int{}, ModelMapping: map[string]string{}}
}

// MaxOutputTokens returns the token budget for appID, if one is set.
func (p GlobalPolicy) MaxOutputTokens(appID string) (int, bool) {
	n, ok := p.TokenPolicy[appID]
	return n, ok && n > 0
}

// Model returns the model mapped to appID, if one is set.
func (p GlobalPolicy) Model(appID string) (string, bool) {
	m, ok := p.ModelMapping[appID]
	return m, ok && m != ""
}

// Normalized fills nil maps.
func (p GlobalPolicy) Normalized() GlobalPolicy {
	if p.TokenPolicy == nil {
		p.TokenPolicy = map[string]int{}
	}
	if p.ModelMapping == nil {
		p.ModelMapping = map[string]string{}
	}
	return p
}
