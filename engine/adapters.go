package engine

import "ordertrack/tracking"

// trackingEmitter adapts the engine's EventBus to the tracking.EventEmitter interface.
type trackingEmitter struct {
	bus *EventBus
}

func (e *trackingEmitter) EmitTrackingChanged(session string, rec tracking.Record, source string) {
	e.bus.Emit(Event{Type: EventTrackingChanged, Session: session, Payload: newTrackingChanged(rec, source)})
}

func (e *trackingEmitter) EmitConnectionChanged(session string, connected bool) {
	e.bus.Emit(Event{Type: EventConnectionChanged, Session: session, Payload: ConnectionEvent{Connected: connected}})
}

func (e *trackingEmitter) EmitTrackingCleared(session, orderID, reason string) {
	e.bus.Emit(Event{Type: EventTrackingCleared, Session: session, Payload: TrackingClearedEvent{
		OrderID: orderID, Reason: reason,
	}})
}
