package model

import "time"

// EventType enumerates activity-feed events pushed to external observers.
type EventType string

const (
	EventScanStarted      EventType = "scan_started"
	EventSymbolScanned    EventType = "symbol_scanned"
	EventPatternDetected  EventType = "pattern_detected"
	EventValidationPassed EventType = "validation_passed"
	EventValidationFailed EventType = "validation_failed"
	EventSignalGenerated  EventType = "signal_generated"
	EventSignalRejected   EventType = "signal_rejected"
	EventOrderFailed      EventType = "order_failed"
	EventPositionOpened   EventType = "position_opened"
	EventPositionClosed   EventType = "position_closed"
	EventConnection       EventType = "connection_state"
	EventHealthWarning    EventType = "health_warning"
	EventLifecycle        EventType = "lifecycle"
)

// Event is one structured activity record. Every rejection or failure carries
// the symbol, the pipeline stage, and a reason.
type Event struct {
	Type   EventType      `json:"type"`
	Symbol string         `json:"symbol,omitempty"`
	Stage  string         `json:"stage,omitempty"`
	Reason string         `json:"reason,omitempty"`
	TS     time.Time      `json:"ts"`
	Fields map[string]any `json:"fields,omitempty"`
}
