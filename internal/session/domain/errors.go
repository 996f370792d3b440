package domain

import "errors"

// Sentinel errors for control arbitration; callers compare with errors.Is.
var (
	ErrAlreadyLoggedIn    = errors.New("already logged in")
	ErrLocalityViolation  = errors.New("locality violation")
	ErrProposalConflict   = errors.New("another proposal is already logged in")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrPolicyDenied       = errors.New("denied by site policy")
	ErrOperatorProtected  = errors.New("the operator cannot be signed out by another user")
	ErrNotOperator        = errors.New("operation requires control of the beamline")
	ErrDisplayNameSet     = errors.New("display name already set")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSelfEviction       = errors.New("use signout to end your own session")
	ErrInvalidDisplayName = errors.New("display name must not be empty")
	ErrProposalNotAllowed = errors.New("proposal not available to this session")
)

// RejectError is a refused login. Kind is one of the sentinels above and Reason is the
// message shown to the user.
type RejectError struct {
	Kind   error
	Reason string
	// Self is set for AlreadyLoggedIn when the requester already is the session.
	Self bool
}

func (e *RejectError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return e.Reason
}

func (e *RejectError) Unwrap() error { return e.Kind }

// Reject returns a RejectError of the given kind.
func Reject(kind error, reason string) *RejectError {
	return &RejectError{Kind: kind, Reason: reason}
}
