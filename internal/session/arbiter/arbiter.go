// Package arbiter moves control of the beamline between sessions.
//
// Every transition takes the current registry and returns the next one together with the
// notices to send; the input registry is never modified. Callers persist the difference
// and swap the result in.
package arbiter

import (
	"beamline-control-plane/backend/internal/session/domain"
	"beamline-control-plane/backend/internal/session/registry"
)

// Login is an admitted login ready to be applied.
type Login struct {
	// Session is the freshly built record for the principal. When an inactive record for
	// the same principal exists, its display name, role set and (in user mode) selected
	// proposal carry over.
	Session *domain.Session
	// EvictID is a stale session of the same principal to hard-delete first.
	EvictID string
	Mode    domain.LoginMode
}

// ApplyLogin inserts the new session and grants it control when nobody holds it.
func ApplyLogin(reg *registry.Registry, in Login) (*registry.Registry, []domain.Notice) {
	next := reg.Clone()
	before := controlState(next)
	var notices []domain.Notice

	if in.EvictID != "" && next.RemoveSession(in.EvictID) {
		notices = append(notices, domain.Notice{Event: domain.EventForceSignout, SessionID: in.EvictID})
		delete(before, in.EvictID)
	}

	s := in.Session.Clone()
	s.Active = true
	s.InControl = false
	if prev, ok := next.FindByPrincipalKey(s.PrincipalKey); ok {
		carryOver(s, prev, in.Mode)
		next.RemoveSession(prev.ID)
		delete(before, prev.ID)
	}
	next.Put(s)

	normalize(next)
	if _, ok := next.Operator(); ok {
		// New observer in a shared-proposal mode gets a chance to pick a name.
		if !in.Mode.PerUser() && !s.DisplayNameSet {
			s.DisplayName = ""
		}
	} else {
		promote(next, s, in.Mode)
	}

	notices = append(notices, controlNotices(before, next, s.ID)...)
	notices = append(notices, domain.Notice{Event: domain.EventObserversChanged})
	return next, notices
}

// Reevaluate clears control from inactive sessions, resolves duplicate operators and, when
// nobody is in control, promotes the calling session if it is active.
func Reevaluate(reg *registry.Registry, callerID string, mode domain.LoginMode) (*registry.Registry, []domain.Notice) {
	next := reg.Clone()
	before := controlState(next)
	normalize(next)
	if _, ok := next.Operator(); !ok {
		if s, ok := next.Get(callerID); ok && s.Active {
			promote(next, s, mode)
		}
	}
	notices := controlNotices(before, next, "")
	if len(notices) > 0 {
		notices = append(notices, domain.Notice{Event: domain.EventObserversChanged})
	}
	return next, notices
}

// Release deactivates a session on signout. Control is cleared and nobody is promoted.
func Release(reg *registry.Registry, id string) (*registry.Registry, []domain.Notice, error) {
	if s, ok := reg.Get(id); !ok || !s.Active {
		return nil, nil, domain.ErrNotAuthenticated
	}
	next := reg.Clone()
	s, _ := next.Get(id)
	s.Active = false
	s.InControl = false
	return next, []domain.Notice{{Event: domain.EventObserversChanged}}, nil
}

// CanForceEvict reports whether requesterID may hard-delete targetID. An anonymous
// requester may remove any session; an authenticated one only sessions not in control.
func CanForceEvict(reg *registry.Registry, requesterID, targetID string) error {
	target, ok := reg.Get(targetID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	requester, ok := reg.Get(requesterID)
	if !ok || !requester.Active {
		return nil
	}
	if requester.ID == target.ID {
		return domain.ErrSelfEviction
	}
	if target.Active && target.InControl {
		return domain.ErrOperatorProtected
	}
	return nil
}

// ForceEvict removes targetID after CanForceEvict allows it.
func ForceEvict(reg *registry.Registry, requesterID, targetID string) (*registry.Registry, []domain.Notice, error) {
	if err := CanForceEvict(reg, requesterID, targetID); err != nil {
		return nil, nil, err
	}
	next := reg.Clone()
	next.RemoveSession(targetID)
	return next, []domain.Notice{
		{Event: domain.EventForceSignout, SessionID: targetID},
		{Event: domain.EventObserversChanged},
	}, nil
}

// HandOver passes control from the operator fromID to the active observer toID.
func HandOver(reg *registry.Registry, fromID, toID string, mode domain.LoginMode) (*registry.Registry, []domain.Notice, error) {
	from, ok := reg.Get(fromID)
	if !ok || !from.Active {
		return nil, nil, domain.ErrNotAuthenticated
	}
	if !from.InControl {
		return nil, nil, domain.ErrNotOperator
	}
	if to, ok := reg.Get(toID); !ok || !to.Active {
		return nil, nil, domain.ErrSessionNotFound
	}
	if fromID == toID {
		return reg.Clone(), nil, nil
	}
	next := reg.Clone()
	before := controlState(next)
	to, _ := next.Get(toID)
	promote(next, to, mode)
	notices := controlNotices(before, next, "")
	notices = append(notices, domain.Notice{Event: domain.EventObserversChanged})
	return next, notices, nil
}

// promote makes s the only session in control and names it after its proposal or
// username unless a name was chosen by hand.
func promote(reg *registry.Registry, s *domain.Session, mode domain.LoginMode) {
	for _, o := range reg.Active() {
		if o.ID != s.ID {
			o.InControl = false
		}
	}
	s.InControl = true
	if !s.DisplayNameSet {
		if mode.PerUser() {
			s.DisplayName = s.PrincipalKey
		} else {
			s.DisplayName = s.Prefix()
		}
	}
}

// normalize enforces that inactive sessions never hold control and that at most one active
// session does; the earliest created claimant keeps it.
func normalize(reg *registry.Registry) {
	for _, s := range reg.ListSessions() {
		if !s.Active && s.InControl {
			live, _ := reg.Get(s.ID)
			live.InControl = false
		}
	}
	seen := false
	for _, s := range reg.Active() {
		if !s.InControl {
			continue
		}
		if seen {
			s.InControl = false
		}
		seen = true
	}
}

func carryOver(s, prev *domain.Session, mode domain.LoginMode) {
	if prev.DisplayNameSet {
		s.DisplayName = prev.DisplayName
		s.DisplayNameSet = true
	}
	if mode.PerUser() && s.SelectedProposal == "" {
		s.SelectedProposal = prev.SelectedProposal
	}
	for _, r := range prev.Roles {
		if !s.HasRole(r) {
			s.Roles = append(s.Roles, r)
		}
	}
	s.IsStaff = s.IsStaff || s.HasRole(domain.RoleStaff)
}

func controlState(reg *registry.Registry) map[string]bool {
	m := make(map[string]bool, reg.Len())
	for _, s := range reg.ListSessions() {
		m[s.ID] = s.Active && s.InControl
	}
	return m
}

// controlNotices sends userChanged to every pre-existing session whose control flag
// flipped. skipID is excluded; it learns its state from the caller's response.
func controlNotices(before map[string]bool, reg *registry.Registry, skipID string) []domain.Notice {
	var out []domain.Notice
	for _, s := range reg.ListSessions() {
		if s.ID == skipID {
			continue
		}
		was, existed := before[s.ID]
		if existed && was != (s.Active && s.InControl) {
			out = append(out, domain.Notice{Event: domain.EventUserChanged, SessionID: s.ID})
		}
	}
	return out
}
