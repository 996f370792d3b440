package mqtt

import "fmt"

// EventTopic is where events for sessionID are published; an empty id means all clients.
//
//	beamline/<id>/events/<session-id>
//	beamline/<id>/events/broadcast
func EventTopic(beamline, sessionID string) string {
	if sessionID == "" {
		sessionID = "broadcast"
	}
	return fmt.Sprintf("beamline/%s/events/%s", beamline, sessionID)
}

// ResetTopic receives the command that returns the beamline to a safe state.
func ResetTopic(beamline string) string {
	return fmt.Sprintf("beamline/%s/command/reset", beamline)
}
