package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"intelligence-substrate/core/internal/ai"
	"intelligence-substrate/core/internal/config"
	"intelligence-substrate/core/internal/health"
	"intelligence-substrate/core/internal/telemetry"
	"intelligence-substrate/core/internal/telemetry/domain"
)

type ingestServer struct {
	mu      sync.Mutex
	batches []domain.Batch
}

func (s *ingestServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case telemetry.IngestPath:
		var b domain.Batch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.batches = append(s.batches, b)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case ai.GeneratePath:
		_, _ = w.Write([]byte(`{"text":"hello back"}`))
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *ingestServer) events() []domain.TelemetryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TelemetryEvent
	for _, b := range s.batches {
		out = append(out, b.Events...)
	}
	return out
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		APIBaseURL:             baseURL,
		LogLevel:               "info",
		UserID:                 "u-1",
		UserEmail:              "user@example.com",
		DailyCredits:           5,
		TelemetryMaxQueueSize:  100,
		TelemetryBatchLimit:    10,
		TelemetryFlushInterval: "1h",
		TelemetrySinks:         config.SinkHTTP,
		OTelServiceName:        "intelligence-substrate-test",
		SyncInterval:           "1h",
		PolicyTTL:              "1m",
		AIMaxRetries:           1,
		AIRetryBaseDelay:       "1ms",
		AIDefaultModel:         ai.DefaultModel,
		JWTIssuer:              "substrate-client",
		JWTAudience:            "substrate-ingest",
		JWTTTL:                 "15m",
	}
}

func TestApp_GenerateThenCloseDeliversTelemetry(t *testing.T) {
	srv := &ingestServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx := context.Background()
	a, err := New(ctx, testConfig(ts.URL), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Start(ctx)
	a.Start(ctx)

	if !a.Engine.UseCredit(1) {
		t.Fatal("UseCredit(1) = false with a fresh allotment")
	}
	if got := a.Engine.GetCredits(); got != 4 {
		t.Errorf("credits = %d, want 4", got)
	}
	resp, err := a.AI.GenerateOptimizedContent(ctx, "notes", ai.Request{Contents: "hi"}, false)
	if err != nil {
		t.Fatalf("GenerateOptimizedContent: %v", err)
	}
	if resp.Text != "hello back" {
		t.Errorf("text = %q", resp.Text)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	evs := srv.events()
	if len(evs) == 0 {
		t.Fatal("no telemetry delivered on close")
	}
	for _, e := range evs {
		if e.SessionID != a.Engine.SessionID() {
			t.Errorf("event %s session = %q, want %q", e.EventType, e.SessionID, a.Engine.SessionID())
		}
	}
}

func TestApp_HealthReportsAPIAndPolicy(t *testing.T) {
	ts := httptest.NewServer(&ingestServer{})
	defer ts.Close()

	ctx := context.Background()
	a, err := New(ctx, testConfig(ts.URL), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(ctx)

	r := a.Health.Check(ctx)
	if r.Status != health.StatusServing {
		t.Fatalf("status = %s, checks = %+v", r.Status, r.Checks)
	}
	if len(r.Checks) != 2 {
		t.Errorf("checks = %+v, want api and policy only", r.Checks)
	}
}

func TestBuildSender(t *testing.T) {
	ts := httptest.NewServer(&ingestServer{})
	defer ts.Close()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
		multi   bool
	}{
		{name: "http only", mutate: func(*config.Config) {}},
		{name: "mirrors", mutate: func(c *config.Config) {
			c.TelemetrySinks = "http,loki,otel"
			c.LokiURL = "http://localhost:3100"
		}, multi: true},
		{name: "loki without url", mutate: func(c *config.Config) { c.TelemetrySinks = "loki" }, wantErr: "LOKI_URL"},
		{name: "kafka without brokers", mutate: func(c *config.Config) { c.TelemetrySinks = "kafka" }, wantErr: "KAFKA_BROKERS"},
		{name: "postgres without database", mutate: func(c *config.Config) { c.TelemetrySinks = "http,postgres" }, wantErr: "DATABASE_URL"},
		{name: "unknown", mutate: func(c *config.Config) { c.TelemetrySinks = "carrier-pigeon" }, wantErr: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(ts.URL)
			tt.mutate(cfg)
			a, err := New(context.Background(), cfg, nil)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer a.Close(context.Background())
			s, err := a.buildSender(cfg, a.Logger)
			if err != nil {
				t.Fatalf("buildSender: %v", err)
			}
			_, isMulti := s.(*telemetry.MultiSender)
			if isMulti != tt.multi {
				t.Errorf("multi = %v, want %v", isMulti, tt.multi)
			}
		})
	}
}
