package telemetry

import (
	"context"
	"log"
	"time"
)

// emitTimeout bounds a single async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait before shutting down providers so in-flight
// async emits can finish. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is not blocked.
// emitter and events may be nil or empty; then nothing is started. Events are delivered in
// order. The goroutine uses context.Background so request cancellation does not abort it.
func EmitAsync(emitter EventEmitter, events ...*Event) {
	if emitter == nil || len(events) == 0 {
		return
	}
	go func() {
		emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		for _, ev := range events {
			if ev == nil {
				continue
			}
			if err := emitter.Emit(emitCtx, ev); err != nil {
				log.Printf("telemetry: async emit %s failed: %v", ev.Name, err)
			}
		}
	}()
}
