package engine

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"intelligence-substrate/core/internal/persist"
	"intelligence-substrate/core/internal/platform/memstore"
	"intelligence-substrate/core/internal/platform/platformtest"
	"intelligence-substrate/core/internal/policy/domain"
	telemetrydomain "intelligence-substrate/core/internal/telemetry/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu     sync.Mutex
	events []telemetrydomain.TelemetryEvent
}

func (r *recordingSink) LogEvent(e telemetrydomain.TelemetryEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) all() []telemetrydomain.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]telemetrydomain.TelemetryEvent(nil), r.events...)
}

type fixture struct {
	eng   *Engine
	sink  *recordingSink
	clock *platformtest.Clock
	store *memstore.Store
	wt    *persist.WriteThrough
}

var afternoon = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

const afternoonGuidance = "It is afternoon for the user. Favor focused, practical phrasing."

func newFixture(t *testing.T, cfg Config, seed *domain.SystemState) *fixture {
	t.Helper()
	store := memstore.New()
	if seed != nil {
		raw, _ := json.Marshal(seed)
		_ = store.Put(context.Background(), StateKey, raw)
	}
	wt := persist.New(store, nil)
	t.Cleanup(func() { _ = wt.Close(context.Background()) })
	f := &fixture{
		sink:  &recordingSink{},
		clock: platformtest.NewClock(afternoon),
		store: store,
		wt:    wt,
	}
	f.eng = New(cfg, Deps{Store: wt, Events: f.sink, Clock: f.clock})
	return f
}

func (f *fixture) persisted(t *testing.T) domain.SystemState {
	t.Helper()
	if err := f.wt.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	raw, err := f.store.Get(context.Background(), StateKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	s, err := domain.NormalizeJSON(raw)
	if err != nil {
		t.Fatalf("NormalizeJSON: %v", err)
	}
	return s
}

func TestInit_CreditReset(t *testing.T) {
	tests := []struct {
		name      string
		lastReset string
		count     int
		wantCount int
	}{
		{"yesterday resets", "2026-03-09", 3, 50},
		{"today untouched", "2026-03-10", 3, 3},
		{"never reset", "", 0, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed := domain.DefaultState()
			seed.Credits = domain.Credits{Count: tt.count, LastReset: tt.lastReset}
			f := newFixture(t, Config{DailyCredits: 50}, &seed)
			f.eng.Init(context.Background())

			if got := f.eng.GetCredits(); got != tt.wantCount {
				t.Errorf("GetCredits = %d, want %d", got, tt.wantCount)
			}
			if got := f.persisted(t).Credits; got != (domain.Credits{Count: tt.wantCount, LastReset: "2026-03-10"}) {
				t.Errorf("persisted credits = %+v", got)
			}
		})
	}
}

func TestInit_Idempotent(t *testing.T) {
	seed := domain.DefaultState()
	seed.Credits = domain.Credits{Count: 1, LastReset: "2026-03-01"}
	f := newFixture(t, Config{DailyCredits: 20}, &seed)
	f.eng.Init(context.Background())
	if !f.eng.UseCredit(5) {
		t.Fatal("UseCredit failed")
	}
	f.eng.Init(context.Background())
	if got := f.eng.GetCredits(); got != 15 {
		t.Errorf("credits after second Init = %d, want 15 (no second reset)", got)
	}
}

func TestInit_MalformedStateFallsBackToDefaults(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_ = f.store.Put(context.Background(), StateKey, []byte(`{"userArchetype":`))
	f.eng.Init(context.Background())
	if got := f.eng.GetState().UserArchetype; got != domain.DefaultArchetype {
		t.Errorf("archetype = %q, want default", got)
	}
}

func TestCredits_AdminBypass(t *testing.T) {
	eval, err := NewOPAEvaluator(context.Background(), "")
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	f := newFixture(t, Config{Identity: Identity{Email: "Root@Example.com"}, AdminEmails: []string{"root@example.com"}}, nil)
	f.eng.credits = eval
	f.eng.Init(context.Background())

	if got := f.eng.GetCredits(); got != UnlimitedCredits {
		t.Errorf("GetCredits = %d, want unlimited", got)
	}
	before := f.eng.GetState().Credits
	if !f.eng.UseCredit(10_000) {
		t.Error("admin UseCredit failed")
	}
	if after := f.eng.GetState().Credits; after != before {
		t.Errorf("admin UseCredit mutated credits: %+v -> %+v", before, after)
	}
}

func TestUseCredit_Insufficient(t *testing.T) {
	f := newFixture(t, Config{DailyCredits: 3}, nil)
	f.eng.Init(context.Background())
	if !f.eng.UseCredit(2) {
		t.Fatal("UseCredit(2) failed")
	}
	if f.eng.UseCredit(2) {
		t.Error("UseCredit(2) succeeded with 1 left")
	}
	if got := f.eng.GetCredits(); got != 1 {
		t.Errorf("credits = %d, want 1", got)
	}
}

func TestTrackInteraction_CountersAndEvent(t *testing.T) {
	f := newFixture(t, Config{Identity: Identity{UserID: "u1"}, ClientContext: "desktop"}, nil)
	f.eng.Init(context.Background())

	f.eng.TrackInteraction("writer", telemetrydomain.EventGenerate, nil)
	f.eng.TrackInteraction("writer", telemetrydomain.EventCompletion, map[string]any{"inputLength": 120, "outputLength": 340.0})
	f.eng.TrackInteraction("writer", telemetrydomain.EventCopy, map[string]any{"label": "copy-button"})

	s := f.eng.GetState()
	if s.TotalInputChars != 120 || s.TotalOutputChars != 340 {
		t.Errorf("chars = %d/%d, want 120/340", s.TotalInputChars, s.TotalOutputChars)
	}
	if s.RequestCount != 1 || s.LastGenerationTimestamp != afternoon.UnixMilli() {
		t.Errorf("requestCount=%d lastGen=%d", s.RequestCount, s.LastGenerationTimestamp)
	}
	if s.SessionScore != 3 {
		t.Errorf("sessionScore = %v, want 3", s.SessionScore)
	}

	events := f.sink.all()
	var got []string
	for _, e := range events {
		got = append(got, string(e.EventType)+":"+e.Label)
		if e.UID != "u1" || e.SessionID != f.eng.SessionID() || e.Context != "desktop" {
			t.Errorf("event identity = %+v", e)
		}
	}
	want := []string{"generate:generate", "completion:completion", "copy:copy-button"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestTelemetryDisabled_SuppressesOnlySysEvents(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.eng.Init(context.Background())
	f.eng.ToggleTelemetry(false)

	f.eng.TrackInteraction("writer", telemetrydomain.EventExport, nil)
	f.eng.TrackInteraction("system", telemetrydomain.EventSys, nil)
	f.eng.TrackRawEvent("click", "button#save")

	events := f.sink.all()
	if len(events) != 1 || events[0].EventType != telemetrydomain.EventExport {
		t.Errorf("events = %+v, want only the export", events)
	}
	if f.persisted(t).TelemetryEnabled {
		t.Error("telemetryEnabled not persisted")
	}
}

func TestTrackInteraction_ClampsAndDefaultsFields(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.eng.Init(context.Background())

	f.eng.TrackInteraction("writer", telemetrydomain.EventCopy, map[string]any{"label": strings.Repeat("x", 1100)})
	f.eng.TrackInteraction("", telemetrydomain.EventGenerate, nil)
	f.eng.TrackInteraction(strings.Repeat("a", 200), telemetrydomain.EventExport, nil)

	events := f.sink.all()
	if len(events) != 3 {
		t.Fatalf("recorded %d events, want 3", len(events))
	}
	if n := len([]rune(events[0].Label)); n != telemetrydomain.MaxLabelLen {
		t.Errorf("label length = %d, want %d", n, telemetrydomain.MaxLabelLen)
	}
	if events[1].AppID != telemetrydomain.UnknownAppID {
		t.Errorf("appId = %q, want %q", events[1].AppID, telemetrydomain.UnknownAppID)
	}
	if n := len(events[2].AppID); n != telemetrydomain.MaxAppIDLen {
		t.Errorf("appId length = %d, want %d", n, telemetrydomain.MaxAppIDLen)
	}
	if s := f.eng.GetState(); s.SessionScore != 3 {
		t.Errorf("sessionScore = %v, want 3", s.SessionScore)
	}
}

func TestTrackInteraction_UnknownTypeLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.eng.Init(context.Background())

	f.eng.TrackInteraction("writer", telemetrydomain.EventType("teleport"), nil)

	if s := f.eng.GetState(); s.SessionScore != 0 || s.RequestCount != 0 {
		t.Errorf("state changed: score=%v requests=%d", s.SessionScore, s.RequestCount)
	}
	if events := f.sink.all(); len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
}

func TestTrackRawEvent_TruncatesLabel(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.eng.Init(context.Background())
	long := strings.Repeat("é", 80)
	f.eng.TrackRawEvent("keydown", long)

	events := f.sink.all()
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	if got := []rune(events[0].Label); len(got) != 50 {
		t.Errorf("label runes = %d, want 50", len(got))
	}
	if events[0].EventType != telemetrydomain.EventSys {
		t.Errorf("type = %s", events[0].EventType)
	}
}

func TestGetOptimizedPrompt(t *testing.T) {
	tests := []struct {
		name    string
		hour    int
		variant domain.PromptVariant
		facts   []domain.LearnedFact
		avoid   []string
		scope   domain.Scope
		want    string
	}{
		{
			name: "afternoon control arm",
			hour: 14, variant: domain.VariantA,
			want: "Write a poem\n\n[SYSTEM GUIDANCE: " + afternoonGuidance + "]",
		},
		{
			name: "variant B style",
			hour: 14, variant: domain.VariantB,
			want: "Write a poem\n\n[SYSTEM GUIDANCE: Be concise and direct. Prefer short sentences and concrete examples. " + afternoonGuidance + "]",
		},
		{
			name: "morning",
			hour: 8, variant: domain.VariantA,
			want: "Write a poem\n\n[SYSTEM GUIDANCE: It is morning for the user. Favor energetic, action-oriented phrasing.]",
		},
		{
			name: "night wraps past midnight",
			hour: 2, variant: domain.VariantA,
			want: "Write a poem\n\n[SYSTEM GUIDANCE: It is evening for the user. Favor a calm, reflective tone.]",
		},
		{
			name: "facts filtered by scope",
			hour: 14, variant: domain.VariantA, scope: domain.ScopeCreative,
			facts: []domain.LearnedFact{
				{Content: "writes in British English", Scope: domain.ScopeGlobal},
				{Content: "likes haiku", Scope: domain.ScopeCreative},
				{Content: "works in finance", Scope: domain.ScopeBusiness},
			},
			want: "Write a poem\n\n[SYSTEM GUIDANCE: " + afternoonGuidance + " Known user context: writes in British English; likes haiku.]",
		},
		{
			name: "last three constraints",
			hour: 14, variant: domain.VariantA,
			avoid: []string{"a", "b", "c", "d"},
			want:  "Write a poem\n\n[SYSTEM GUIDANCE: " + afternoonGuidance + " Avoid: b; c; d.]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed := domain.DefaultState()
			seed.ActivePromptVariant = tt.variant
			seed.LearnedFacts = append(seed.LearnedFacts, tt.facts...)
			if tt.avoid != nil {
				seed.NegativeConstraints["writer"] = tt.avoid
			}
			f := newFixture(t, Config{}, &seed)
			f.eng.Init(context.Background())
			f.clock.Set(time.Date(2026, 3, 10, tt.hour, 30, 0, 0, time.UTC))

			if got := f.eng.GetOptimizedPrompt("Write a poem", "writer", tt.scope); got != tt.want {
				t.Errorf("GetOptimizedPrompt =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestGetDynamicTemperature(t *testing.T) {
	tests := []struct {
		hour int
		want float64
	}{
		{22, 0.7}, {23, 0.9}, {0, 0.9}, {4, 0.9}, {5, 0.7}, {14, 0.7},
	}
	f := newFixture(t, Config{}, nil)
	for _, tt := range tests {
		f.clock.Set(time.Date(2026, 3, 10, tt.hour, 59, 0, 0, time.UTC))
		if got := f.eng.GetDynamicTemperature(); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("hour %d: temperature = %v, want %v", tt.hour, got, tt.want)
		}
	}
}

func TestUpdateStateFromSync_ShallowMerge(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.eng.Init(context.Background())
	f.eng.AddNegativeConstraint("writer", "no emoji")
	f.eng.TrackInteraction("writer", telemetrydomain.EventGenerate, nil)

	f.eng.UpdateStateFromSync(domain.Partial{
		"userArchetype":       json.RawMessage(`"strategist"`),
		"activePromptVariant": json.RawMessage(`"Z"`),
		"negativeConstraints": json.RawMessage(`{"slides":["no jargon"]}`),
	})

	s := f.eng.GetState()
	if s.UserArchetype != "strategist" {
		t.Errorf("archetype = %q", s.UserArchetype)
	}
	if s.ActivePromptVariant != domain.VariantA {
		t.Errorf("invalid variant not normalized: %q", s.ActivePromptVariant)
	}
	if diff := cmp.Diff(map[string][]string{"slides": {"no jargon"}}, s.NegativeConstraints); diff != "" {
		t.Errorf("constraints not replaced wholesale (-want +got):\n%s", diff)
	}
	if s.RequestCount != 1 {
		t.Errorf("unrelated counter changed: %d", s.RequestCount)
	}
	if f.persisted(t).UserArchetype != "strategist" {
		t.Error("merge not persisted")
	}
}

func TestLobotomy(t *testing.T) {
	f := newFixture(t, Config{DailyCredits: 9}, nil)
	f.eng.Init(context.Background())
	f.eng.AddLearnedFact(domain.LearnedFact{Content: "x", Scope: domain.ScopeGlobal})
	f.eng.UseCredit(4)

	f.eng.Lobotomy()

	s := f.eng.GetState()
	want := domain.DefaultState()
	want.Credits = domain.Credits{Count: 9, LastReset: "2026-03-10"}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("state after Lobotomy (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, f.persisted(t)); diff != "" {
		t.Errorf("persisted after Lobotomy (-want +got):\n%s", diff)
	}
}

func TestAddLearnedFact_RejectsInvalid(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	if f.eng.AddLearnedFact(domain.LearnedFact{Content: "x", Scope: "Cosmic"}) {
		t.Error("accepted unknown scope")
	}
	if f.eng.AddLearnedFact(domain.LearnedFact{Scope: domain.ScopeGlobal}) {
		t.Error("accepted empty content")
	}
	if !f.eng.AddLearnedFact(domain.LearnedFact{Content: "ok", Scope: domain.ScopeUtility}) {
		t.Fatal("rejected valid fact")
	}
	if ts := f.eng.GetState().LearnedFacts[0].Timestamp; ts != afternoon.UnixMilli() {
		t.Errorf("timestamp = %d", ts)
	}
}

func TestAddInsight_AssignsID(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	got := f.eng.AddInsight(domain.Insight{Type: "habit", Content: "writes at night"})
	if got.ID == "" || got.Timestamp == 0 {
		t.Errorf("insight = %+v", got)
	}
	if n := len(f.eng.GetState().Insights); n != 1 {
		t.Errorf("insights = %d", n)
	}
}

func TestGetState_ReturnsClone(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.eng.AddNegativeConstraint("writer", "a")
	s := f.eng.GetState()
	s.NegativeConstraints["writer"][0] = "mutated"
	if f.eng.GetState().NegativeConstraints["writer"][0] != "a" {
		t.Error("GetState exposed internal state")
	}
}
