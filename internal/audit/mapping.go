package audit

import (
	"errors"

	sessiondomain "beamline-control-plane/backend/internal/session/domain"
)

// Actions recorded by the control service.
const (
	ActionLoginLocal      = "login_local"
	ActionLoginRemote     = "login_remote"
	ActionSignout         = "signout"
	ActionForceSignout    = "force_signout"
	ActionTimeout         = "timeout"
	ActionControlGranted  = "control_granted"
	ActionHandOver        = "hand_over"
	ActionDisplayNameSet  = "display_name_set"
	ActionProposalChanged = "proposal_selected"
)

// Resources recorded by the control service.
const (
	ResourceSession = "session"
	ResourceControl = "control"
	ResourceContext = "proposal"
)

// LoginAction returns the action for a successful login from a local or remote origin.
func LoginAction(local bool) string {
	if local {
		return ActionLoginLocal
	}
	return ActionLoginRemote
}

// RejectAction maps a login error to its audit action, e.g. login_rejected_locality.
// Errors outside the admission taxonomy map to login_failed.
func RejectAction(err error) string {
	switch {
	case errors.Is(err, sessiondomain.ErrAlreadyLoggedIn):
		return "login_rejected_already_logged_in"
	case errors.Is(err, sessiondomain.ErrLocalityViolation):
		return "login_rejected_locality"
	case errors.Is(err, sessiondomain.ErrProposalConflict):
		return "login_rejected_proposal_conflict"
	case errors.Is(err, sessiondomain.ErrInvalidCredentials):
		return "login_rejected_invalid_credentials"
	case errors.Is(err, sessiondomain.ErrPolicyDenied):
		return "login_rejected_policy"
	default:
		return "login_failed"
	}
}
