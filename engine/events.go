package engine

import (
	"time"

	"ordertrack/taxonomy"
	"ordertrack/tracking"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	EventTrackingChanged EventType = iota + 1
	EventTrackingCleared
	EventConnectionChanged
)

func (t EventType) String() string {
	switch t {
	case EventTrackingChanged:
		return "tracking-update"
	case EventTrackingCleared:
		return "tracking-cleared"
	case EventConnectionChanged:
		return "connection-status"
	default:
		return "unknown"
	}
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Session   string
	Timestamp time.Time
	Payload   interface{}
}

// TrackingChangedEvent is emitted whenever the tracked record is created or
// its status changes.
type TrackingChangedEvent struct {
	Order    tracking.Record `json:"order"`
	Source   string          `json:"source"`
	Label    string          `json:"label"`
	Progress int             `json:"progress"`
	Terminal bool            `json:"terminal"`
}

// TrackingClearedEvent is emitted when a session stops tracking an order.
type TrackingClearedEvent struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// ConnectionEvent is emitted when a session's realtime channel goes up or down.
type ConnectionEvent struct {
	Connected bool `json:"connected"`
}

func newTrackingChanged(rec tracking.Record, source string) TrackingChangedEvent {
	return TrackingChangedEvent{
		Order:    rec,
		Source:   source,
		Label:    taxonomy.Lookup(rec.Status).Label,
		Progress: rec.Progress(),
		Terminal: rec.Terminal(),
	}
}
