package domain

import "time"

// AuditLog is one recorded control-plane event on a beamline.
type AuditLog struct {
	ID        string
	Beamline  string
	SessionID string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
