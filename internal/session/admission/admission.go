// Package admission decides whether a login attempt may create a session.
package admission

import (
	"strings"

	"beamline-control-plane/backend/internal/session/domain"
	"beamline-control-plane/backend/internal/session/registry"
)

// Validation is the identity provider's verdict on the presented credentials.
type Validation struct {
	Valid              bool
	HasExistingSession bool
	Diagnostic         string
}

// Request is everything known about a login attempt before it is admitted.
type Request struct {
	LoginID string
	// RequesterID is the session the attempt is made from; empty when anonymous.
	RequesterID string
	Local       bool
	InHouse     bool
	Mode        domain.LoginMode
	AllowRemote bool
	Validation  Validation
	// Denials are reasons returned by the site policy; any entry rejects the login.
	Denials []string
}

// Decision is the outcome of an admitted login.
type Decision struct {
	// EvictID is a stale session of the same principal to remove (anonymous reconnect).
	EvictID string
	// NeedsExternalSession is set when the identity provider has no session yet.
	NeedsExternalSession bool
}

// Decide applies the admission rules in order and returns the first rejection. It only
// reads reg.
func Decide(reg *registry.Registry, req Request) (Decision, error) {
	var d Decision
	loginID := strings.TrimSpace(req.LoginID)
	if loginID == "" {
		return d, domain.Reject(domain.ErrInvalidCredentials, "login id is required")
	}

	requester, ok := reg.Get(req.RequesterID)
	anonymous := !ok || !requester.Active

	if existing, ok := reg.FindByPrincipalKey(loginID); ok && existing.Active {
		switch {
		case anonymous:
			d.EvictID = existing.ID
		case requester.ID == existing.ID:
			return d, &domain.RejectError{Kind: domain.ErrAlreadyLoggedIn, Reason: "You are already logged in", Self: true}
		default:
			return d, domain.Reject(domain.ErrAlreadyLoggedIn,
				"Login rejected, you are already logged in somewhere else and another user is already logged in")
		}
	}

	if req.InHouse && !req.Local {
		return d, domain.Reject(domain.ErrLocalityViolation, "In-house only allowed from localhost")
	}

	var active []*domain.Session
	for _, s := range reg.Active() {
		if s.ID != d.EvictID {
			active = append(active, s)
		}
	}

	if !req.Mode.PerUser() && !req.InHouse {
		for _, s := range active {
			if !s.IsStaff && s.Prefix() != loginID {
				return d, domain.Reject(domain.ErrProposalConflict, "Another user is already logged in")
			}
		}
	}

	if req.Mode.PerUser() && !anonymous && len(active) > 0 && requester.PrincipalKey != loginID {
		return d, domain.Reject(domain.ErrAlreadyLoggedIn, "Another user is already logged in")
	}

	if !req.AllowRemote && !req.Local {
		return d, domain.Reject(domain.ErrLocalityViolation, "Remote access disabled")
	}

	if len(req.Denials) > 0 {
		return d, domain.Reject(domain.ErrPolicyDenied, strings.Join(req.Denials, "; "))
	}

	if !req.Validation.Valid {
		reason := req.Validation.Diagnostic
		if reason == "" {
			reason = "Invalid login"
		}
		return d, domain.Reject(domain.ErrInvalidCredentials, reason)
	}
	d.NeedsExternalSession = !req.Validation.HasExistingSession
	return d, nil
}
