package domain

import (
	"encoding/json"
	"testing"
)

func validEvent() TelemetryEvent {
	return TelemetryEvent{
		AppID:     "writer",
		Context:   "editor",
		EventType: EventGenerate,
		Label:     "draft",
		Timestamp: 1700000000000,
		SessionID: "sess-1",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TelemetryEvent)
		wantErr bool
	}{
		{"valid", func(*TelemetryEvent) {}, false},
		{"missing app", func(e *TelemetryEvent) { e.AppID = "" }, true},
		{"missing session", func(e *TelemetryEvent) { e.SessionID = "" }, true},
		{"unknown type", func(e *TelemetryEvent) { e.EventType = "clickstream" }, true},
		{"zero timestamp", func(e *TelemetryEvent) { e.Timestamp = 0 }, true},
		{"sys event", func(e *TelemetryEvent) { e.EventType = EventSys }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(&e)
			err := e.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTelemetryEvent_JSONFieldNames(t *testing.T) {
	e := validEvent()
	e.Meta = map[string]any{"latencyMs": 12}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"appId", "context", "eventType", "label", "timestamp", "meta", "sessionId"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in %s", key, raw)
		}
	}
	if _, ok := m["uid"]; ok {
		t.Errorf("empty uid should be omitted: %s", raw)
	}
}

func TestBatch_NullToken(t *testing.T) {
	raw, _ := json.Marshal(Batch{Events: []TelemetryEvent{}})
	if string(raw) != `{"token":null,"events":[]}` {
		t.Errorf("batch = %s", raw)
	}
}
