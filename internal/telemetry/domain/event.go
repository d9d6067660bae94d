package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// EventType is the category of a telemetry event.
type EventType string

const (
	EventGenerate   EventType = "generate"
	EventRegenerate EventType = "regenerate"
	EventCompletion EventType = "completion"
	EventError      EventType = "error"
	EventCopy       EventType = "copy"
	EventExport     EventType = "export"
	EventFeedback   EventType = "feedback"
	EventView       EventType = "view"
	// EventSys is ambient UI activity (clicks, keystrokes). Suppressed when telemetry is disabled.
	EventSys EventType = "sys_event"
)

// Field limits enforced by Validate. Producers clamp to them rather than lose the event.
const (
	MaxAppIDLen = 128
	MaxLabelLen = 1024
)

// UnknownAppID attributes events whose producer did not name an app.
const UnknownAppID = "unknown"

var eventTypes = map[EventType]struct{}{
	EventGenerate: {}, EventRegenerate: {}, EventCompletion: {}, EventError: {}, EventCopy: {},
	EventExport: {}, EventFeedback: {}, EventView: {}, EventSys: {},
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// TelemetryEvent is a single interaction event. Immutable once created.
type TelemetryEvent struct {
	AppID     string         `json:"appId" validate:"required,max=128"`
	Context   string         `json:"context" validate:"max=256"`
	EventType EventType      `json:"eventType" validate:"eventtype"`
	Label     string         `json:"label" validate:"max=1024"`
	Timestamp int64          `json:"timestamp" validate:"gt=0"`
	Meta      map[string]any `json:"meta,omitempty"`
	UID       string         `json:"uid,omitempty"`
	SessionID string         `json:"sessionId" validate:"required"`
}

// eventValidate is shared; validator.Validate caches struct metadata and is safe for concurrent use.
var eventValidate *validator.Validate

func init() {
	eventValidate = validator.New()
	_ = eventValidate.RegisterValidation("eventtype", func(fl validator.FieldLevel) bool {
		return EventType(fl.Field().String()).Valid()
	})
}

// Validate checks the event's required fields and enum values.
func (e TelemetryEvent) Validate() error {
	if err := eventValidate.Struct(e); err != nil {
		return fmt.Errorf("telemetry: invalid event: %w", err)
	}
	return nil
}

// Batch is the ingest request body.
type Batch struct {
	Token  *string          `json:"token"`
	Events []TelemetryEvent `json:"events"`
}
