// Package engine is the policy engine: the single mutable owner of SystemState during a session. It bridges
// interactions to the telemetry transport and derives prompt augmentation and sampling temperature.
package engine

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"intelligence-substrate/core/internal/persist"
	"intelligence-substrate/core/internal/platform"
	"intelligence-substrate/core/internal/policy/domain"
	telemetrydomain "intelligence-substrate/core/internal/telemetry/domain"
)

// StateKey is the durable storage key of SystemState.
const StateKey = "core_state_v3"

// UnlimitedCredits is reported by GetCredits for the administrator identity.
const UnlimitedCredits = math.MaxInt32

const (
	defaultAllotment = domain.DefaultDailyCredits
	dateLayout       = "2006-01-02"
	rawLabelMax      = 50
	maxConstraints   = 3

	baseTemperature           = 0.7
	lateNightTemperatureBoost = 0.2
)

// EventSink receives telemetry events. Implemented by *telemetry.Transport.
type EventSink interface {
	LogEvent(e telemetrydomain.TelemetryEvent) error
}

// Identity is the signed-in user.
type Identity struct {
	UserID string
	Email  string
}

// Config holds engine settings.
type Config struct {
	Identity     Identity
	AdminEmails  []string
	DailyCredits int
	// ClientContext fills TelemetryEvent.Context (e.g. "cli", "desktop").
	ClientContext string
	// SessionID is generated when empty.
	SessionID string
}

// Deps are the engine's collaborators. Store and Events are required.
type Deps struct {
	Store  *persist.WriteThrough
	Events EventSink
	// Credits defaults to the built-in rule set.
	Credits CreditEvaluator
	Clock   platform.Clock
	Logger  *zap.Logger
}

// Engine owns SystemState. All methods are safe for concurrent use; mutations persist through the write-through
// store and never wait for storage.
type Engine struct {
	cfg     Config
	store   *persist.WriteThrough
	events  EventSink
	credits CreditEvaluator
	clock   platform.Clock
	logger  *zap.Logger
	session string

	mu      sync.Mutex
	state   domain.SystemState
	admin   bool
	started bool
}

// New returns an Engine holding DefaultState until Init.
func New(cfg Config, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = platform.SystemClock()
	}
	if cfg.DailyCredits <= 0 {
		cfg.DailyCredits = defaultAllotment
	}
	if cfg.ClientContext == "" {
		cfg.ClientContext = "cli"
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	return &Engine{
		cfg:     cfg,
		store:   deps.Store,
		events:  deps.Events,
		credits: deps.Credits,
		clock:   deps.Clock,
		logger:  deps.Logger,
		session: cfg.SessionID,
		state:   domain.DefaultState(),
	}
}

// Init loads persisted state merged over defaults, evaluates the credit policy, and performs the daily credit
// reset. Calling it again is a no-op.
func (e *Engine) Init(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	state := domain.DefaultState()
	raw, found, err := e.store.LoadRaw(ctx, StateKey)
	switch {
	case err != nil:
		e.logger.Warn("policy: load state failed, using defaults", zap.Error(err))
	case found:
		if state, err = domain.NormalizeJSON(raw); err != nil {
			e.logger.Warn("policy: discarding malformed persisted state", zap.Error(err))
		}
	}

	today := e.clock.Now().Format(dateLayout)
	in := CreditInput{
		Email:        e.cfg.Identity.Email,
		AdminEmails:  e.cfg.AdminEmails,
		DailyCredits: e.cfg.DailyCredits,
		LastReset:    state.Credits.LastReset,
		Today:        today,
	}
	decision := defaultDecision(in)
	if e.credits != nil {
		if d, err := e.credits.EvaluateCredits(ctx, in); err != nil {
			e.logger.Warn("policy: credit evaluation failed, using defaults", zap.Error(err))
		} else {
			decision = d
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
	e.admin = decision.Unlimited
	if decision.Reset {
		e.state.Credits = domain.Credits{Count: decision.Allotment, LastReset: today}
		e.logger.Info("policy: daily credits reset", zap.Int("credits", decision.Allotment), zap.String("date", today))
	}
	e.saveLocked()
}

// TrackInteraction updates the optimistic counters, persists, and forwards an event to the transport. With
// telemetry disabled only sys_event is suppressed; product actions are always recorded. An empty appID is
// attributed to UnknownAppID, and appID and label are clamped to the event field limits.
func (e *Engine) TrackInteraction(appID string, action telemetrydomain.EventType, meta map[string]any) {
	if !action.Valid() {
		e.logger.Warn("policy: unknown event type", zap.String("event_type", string(action)), zap.String("app_id", appID))
		return
	}
	if appID == "" {
		appID = telemetrydomain.UnknownAppID
	}
	now := e.clock.Now()

	e.mu.Lock()
	if action == telemetrydomain.EventSys && !e.state.TelemetryEnabled {
		e.mu.Unlock()
		return
	}
	if n, ok := metaInt(meta, "inputLength"); ok {
		e.state.TotalInputChars += n
	}
	if n, ok := metaInt(meta, "outputLength"); ok {
		e.state.TotalOutputChars += n
	}
	if action == telemetrydomain.EventGenerate || action == telemetrydomain.EventRegenerate {
		e.state.RequestCount++
		e.state.LastGenerationTimestamp = now.UnixMilli()
	}
	e.state.SessionScore++
	e.saveLocked()
	e.mu.Unlock()

	label := string(action)
	if l, ok := meta["label"].(string); ok && l != "" {
		label = l
	}
	e.emit(telemetrydomain.TelemetryEvent{
		AppID:     truncateRunes(appID, telemetrydomain.MaxAppIDLen),
		Context:   e.cfg.ClientContext,
		EventType: action,
		Label:     truncateRunes(label, telemetrydomain.MaxLabelLen),
		Timestamp: now.UnixMilli(),
		Meta:      copyMeta(meta),
		UID:       e.cfg.Identity.UserID,
		SessionID: e.session,
	})
}

// TrackRawEvent records ambient UI activity as sys_event with the label truncated to 50 runes. Fully
// suppressed when telemetry is disabled.
func (e *Engine) TrackRawEvent(kind, label string) {
	e.mu.Lock()
	enabled := e.state.TelemetryEnabled
	e.mu.Unlock()
	if !enabled {
		return
	}
	e.emit(telemetrydomain.TelemetryEvent{
		AppID:     "system",
		Context:   e.cfg.ClientContext,
		EventType: telemetrydomain.EventSys,
		Label:     truncateRunes(label, rawLabelMax),
		Timestamp: e.clock.Now().UnixMilli(),
		Meta:      map[string]any{"type": kind},
		UID:       e.cfg.Identity.UserID,
		SessionID: e.session,
	})
}

// GetOptimizedPrompt appends scope-appropriate guidance to prompt. The prompt is returned unchanged when no
// augmentation applies.
func (e *Engine) GetOptimizedPrompt(prompt, appID string, scope domain.Scope) string {
	hour := e.clock.Now().Hour()

	e.mu.Lock()
	var parts []string
	if e.state.ActivePromptVariant == domain.VariantB {
		parts = append(parts, "Be concise and direct. Prefer short sentences and concrete examples.")
	}
	if d := timeOfDayDirective(hour); d != "" {
		parts = append(parts, d)
	}
	var facts []string
	for _, f := range e.state.LearnedFacts {
		if f.Scope == domain.ScopeGlobal || f.Scope == scope {
			facts = append(facts, f.Content)
		}
	}
	if len(facts) > 0 {
		parts = append(parts, "Known user context: "+strings.Join(facts, "; ")+".")
	}
	if cs := e.state.NegativeConstraints[appID]; len(cs) > 0 {
		recent := cs[max(0, len(cs)-maxConstraints):]
		parts = append(parts, "Avoid: "+strings.Join(recent, "; ")+".")
	}
	e.mu.Unlock()

	if len(parts) == 0 {
		return prompt
	}
	return prompt + "\n\n[SYSTEM GUIDANCE: " + strings.Join(parts, " ") + "]"
}

// GetDynamicTemperature returns the base temperature, raised between 23:00 and 04:59 local time.
func (e *Engine) GetDynamicTemperature() float64 {
	h := e.clock.Now().Hour()
	if h >= 23 || h < 5 {
		return baseTemperature + lateNightTemperatureBoost
	}
	return baseTemperature
}

// UseCredit spends amount credits. The administrator always succeeds without mutation; an insufficient balance
// returns false and leaves state untouched.
func (e *Engine) UseCredit(amount int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.admin {
		return true
	}
	if amount <= 0 {
		return true
	}
	if e.state.Credits.Count < amount {
		return false
	}
	e.state.Credits.Count -= amount
	e.saveLocked()
	return true
}

// GetCredits returns the remaining balance, or UnlimitedCredits for the administrator.
func (e *Engine) GetCredits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.admin {
		return UnlimitedCredits
	}
	return e.state.Credits.Count
}

// IsAdmin reports whether credit accounting is bypassed.
func (e *Engine) IsAdmin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.admin
}

// UpdateStateFromSync shallow-merges partial into the working state (top-level keys replace wholesale),
// normalizes, and persists.
func (e *Engine) UpdateStateFromSync(partial domain.Partial) {
	if len(partial) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = domain.Normalize(domain.Merge(domain.ToPartial(e.state), partial))
	e.saveLocked()
}

// Lobotomy resets the state to defaults with today's credit allotment, persisted.
func (e *Engine) Lobotomy() {
	today := e.clock.Now().Format(dateLayout)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = domain.DefaultState()
	e.state.Credits = domain.Credits{Count: e.cfg.DailyCredits, LastReset: today}
	e.saveLocked()
	e.logger.Info("policy: state reset to defaults")
}

// ToggleTelemetry enables or disables optional telemetry.
func (e *Engine) ToggleTelemetry(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.TelemetryEnabled = enabled
	e.saveLocked()
}

// AddLearnedFact appends fact. Facts without content or with an unknown scope are rejected.
func (e *Engine) AddLearnedFact(fact domain.LearnedFact) bool {
	if fact.Content == "" || !fact.Scope.Valid() {
		return false
	}
	if fact.Timestamp == 0 {
		fact.Timestamp = e.clock.Now().UnixMilli()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.LearnedFacts = append(e.state.LearnedFacts, fact)
	e.saveLocked()
	return true
}

// AddNegativeConstraint registers something generation for appID should avoid.
func (e *Engine) AddNegativeConstraint(appID, constraint string) {
	constraint = strings.TrimSpace(constraint)
	if appID == "" || constraint == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.NegativeConstraints[appID] = append(e.state.NegativeConstraints[appID], constraint)
	e.saveLocked()
}

// AddInsight appends insight, assigning an id and timestamp when missing.
func (e *Engine) AddInsight(insight domain.Insight) domain.Insight {
	if insight.ID == "" {
		insight.ID = uuid.NewString()
	}
	if insight.Timestamp == 0 {
		insight.Timestamp = e.clock.Now().UnixMilli()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Insights = append(e.state.Insights, insight)
	e.saveLocked()
	return insight
}

// GetState returns a deep copy of the working state.
func (e *Engine) GetState() domain.SystemState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// SessionID identifies this process's session in telemetry.
func (e *Engine) SessionID() string { return e.session }

func (e *Engine) saveLocked() {
	e.store.Save(StateKey, e.state)
}

func (e *Engine) emit(ev telemetrydomain.TelemetryEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.LogEvent(ev); err != nil {
		e.logger.Warn("policy: event rejected", zap.String("event_type", string(ev.EventType)), zap.Error(err))
	}
}

func timeOfDayDirective(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "It is morning for the user. Favor energetic, action-oriented phrasing."
	case hour >= 12 && hour < 18:
		return "It is afternoon for the user. Favor focused, practical phrasing."
	default:
		return "It is evening for the user. Favor a calm, reflective tone."
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// metaInt reads a numeric metadata value.
func metaInt(meta map[string]any, key string) (int64, bool) {
	switch v := meta[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func copyMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
