package domain

import "time"

// Policy is a beamline admission policy written in Rego (package beamline.admission).
type Policy struct {
	ID        string
	Beamline  string
	Rules     string
	Enabled   bool
	CreatedAt time.Time
}
