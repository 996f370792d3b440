// Package producer publishes control-plane events to an event log (Kafka).
package producer

import (
	"beamline-control-plane/backend/internal/telemetry"
)

// Producer emits events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	telemetry.EventEmitter
	// Close releases resources (e.g. the Kafka writer). Safe to call if already closed.
	Close() error
}
