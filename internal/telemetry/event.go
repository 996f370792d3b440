// Package telemetry carries control-plane notifications to clients and event sinks.
package telemetry

import (
	"context"
	"errors"
	"time"
)

// Event is one client notification. An empty SessionID addresses every connected client.
type Event struct {
	Name      string    `json:"name"`
	SessionID string    `json:"sessionId,omitempty"`
	Beamline  string    `json:"beamline"`
	CreatedAt time.Time `json:"createdAt"`
}

// Broadcast reports whether the event addresses all clients.
func (e *Event) Broadcast() bool { return e.SessionID == "" }

// EventEmitter delivers events (MQTT, Kafka, OTel logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}

// Fanout emits every event to each of its emitters in order. Nil entries are skipped.
type Fanout []EventEmitter

// Emit delivers the event to all emitters and joins their errors.
func (f Fanout) Emit(ctx context.Context, event *Event) error {
	var errs []error
	for _, em := range f {
		if em == nil {
			continue
		}
		if err := em.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
