package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"beamline-control-plane/backend/internal/telemetry"
)

// Publisher implements telemetry.EventEmitter and the control service reset hook.
type Publisher struct {
	client   tokenPublisher
	beamline string
	qos      byte
	now      func() time.Time
}

// NewPublisher returns a publisher for beamline over client (a connected pahomqtt.Client).
func NewPublisher(client tokenPublisher, beamline string, qos byte) *Publisher {
	return &Publisher{client: client, beamline: beamline, qos: qos, now: time.Now}
}

// Emit publishes the event as JSON on its session or broadcast topic.
func (p *Publisher) Emit(ctx context.Context, event *telemetry.Event) error {
	if event == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return publish(p.client, EventTopic(p.beamline, event.SessionID), p.qos, payload)
}

type resetCommand struct {
	Command   string    `json:"command"`
	Beamline  string    `json:"beamline"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Reset asks the beamline controller to return the hardware to a safe state.
func (p *Publisher) Reset(ctx context.Context, reason string) error {
	payload, err := json.Marshal(resetCommand{
		Command:   "reset",
		Beamline:  p.beamline,
		Reason:    reason,
		Timestamp: p.now().UTC(),
	})
	if err != nil {
		return err
	}
	return publish(p.client, ResetTopic(p.beamline), p.qos, payload)
}
