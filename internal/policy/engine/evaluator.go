package engine

import "context"

// AdmissionInput describes a login attempt to the site policy.
type AdmissionInput struct {
	LoginID string
	InHouse bool
	Local   bool
	Mode    string
}

// Site is the beamline configuration visible to policies.
type Site struct {
	Beamline       string
	InhouseIsStaff bool
	// UserRoles maps a login id to an extra role.
	UserRoles map[string]string
}

// AdmissionResult holds the roles granted to a login and the reasons it is denied, if any.
type AdmissionResult struct {
	Roles []string
	Deny  []string
}

// HasRole reports whether name was granted.
func (r AdmissionResult) HasRole(name string) bool {
	for _, role := range r.Roles {
		if role == name {
			return true
		}
	}
	return false
}

// Evaluator evaluates the site admission policy using OPA or other engines.
type Evaluator interface {
	EvaluateAdmission(ctx context.Context, in AdmissionInput) (AdmissionResult, error)
}
