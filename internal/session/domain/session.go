package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// LoginMode is the identity provider's login type.
type LoginMode string

const (
	// LoginModeUser logs people in with their personal username; one record per user.
	LoginModeUser LoginMode = "user"
	// LoginModeProposal logs people in with a proposal id; every login gets its own record.
	LoginModeProposal LoginMode = "proposal"
)

// ParseLoginMode normalizes a configured login type. Anything that is not "user" is a
// proposal-style login.
func ParseLoginMode(s string) LoginMode {
	if strings.EqualFold(strings.TrimSpace(s), string(LoginModeUser)) {
		return LoginModeUser
	}
	return LoginModeProposal
}

// PerUser reports whether principal keys are plain usernames.
func (m LoginMode) PerUser() bool { return m == LoginModeUser }

// Role names created lazily in the user store.
const (
	RoleStaff     = "staff"
	RoleInControl = "incontrol"
)

// Session is one logged-in principal on the beamline.
type Session struct {
	ID string
	// PrincipalKey is the store username: LoginID in user mode, LoginID-<uuid> otherwise.
	PrincipalKey string
	LoginID      string
	DisplayName  string
	// DisplayNameSet is true once the user picked a name themselves.
	DisplayNameSet   bool
	Active           bool
	InControl        bool
	IsStaff          bool
	Roles            []string
	LastActivity     time.Time
	SelectedProposal string
	ExternalData     json.RawMessage
	CreatedAt        time.Time
}

// Prefix returns the part of the principal key before the per-session suffix.
func (s *Session) Prefix() string {
	if s.LoginID != "" {
		return s.LoginID
	}
	prefix, _, _ := strings.Cut(s.PrincipalKey, "-")
	return prefix
}

// HasRole reports whether the session carries the named role.
func (s *Session) HasRole(name string) bool {
	for _, r := range s.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Roles != nil {
		c.Roles = append([]string(nil), s.Roles...)
	}
	if s.ExternalData != nil {
		c.ExternalData = append(json.RawMessage(nil), s.ExternalData...)
	}
	return &c
}

// Equal reports whether two sessions hold the same state.
func (s *Session) Equal(o *Session) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.ID != o.ID || s.PrincipalKey != o.PrincipalKey || s.LoginID != o.LoginID ||
		s.DisplayName != o.DisplayName || s.DisplayNameSet != o.DisplayNameSet ||
		s.Active != o.Active || s.InControl != o.InControl || s.IsStaff != o.IsStaff ||
		!s.LastActivity.Equal(o.LastActivity) || s.SelectedProposal != o.SelectedProposal ||
		!s.CreatedAt.Equal(o.CreatedAt) || string(s.ExternalData) != string(o.ExternalData) {
		return false
	}
	if len(s.Roles) != len(o.Roles) {
		return false
	}
	for i := range s.Roles {
		if s.Roles[i] != o.Roles[i] {
			return false
		}
	}
	return true
}

// EventName names a client notification.
type EventName string

const (
	EventUserChanged      EventName = "userChanged"
	EventObserversChanged EventName = "observersChanged"
	EventForceSignout     EventName = "forceSignout"
)

// Notice is a notification produced by a state transition. An empty SessionID is a broadcast.
type Notice struct {
	Event     EventName
	SessionID string
}
