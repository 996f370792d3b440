// Package registry indexes the beamline's sessions by id and by principal key.
//
// A Registry is not safe for concurrent use. The control service owns the only live
// registry and serializes every access with its beamline lock; mutations are made on a
// Clone and swapped in once persisted.
package registry

import (
	"sort"
	"time"

	"beamline-control-plane/backend/internal/session/domain"
)

// Registry holds every known session, active or not.
type Registry struct {
	byID  map[string]*domain.Session
	byKey map[string]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:  make(map[string]*domain.Session),
		byKey: make(map[string]string),
	}
}

// Clone returns a deep copy that can be mutated independently.
func (r *Registry) Clone() *Registry {
	c := &Registry{
		byID:  make(map[string]*domain.Session, len(r.byID)),
		byKey: make(map[string]string, len(r.byKey)),
	}
	for id, s := range r.byID {
		c.byID[id] = s.Clone()
	}
	for k, id := range r.byKey {
		c.byKey[k] = id
	}
	return c
}

// Len returns the number of sessions, active or not.
func (r *Registry) Len() int { return len(r.byID) }

// Put inserts or replaces s. The registry keeps s itself, not a copy.
func (r *Registry) Put(s *domain.Session) {
	if old, ok := r.byID[s.ID]; ok && old.PrincipalKey != s.PrincipalKey {
		delete(r.byKey, old.PrincipalKey)
	}
	r.byID[s.ID] = s
	r.byKey[s.PrincipalKey] = s.ID
}

// Get returns the live session for id. Callers that are not building a new registry
// state must not modify it.
func (r *Registry) Get(id string) (*domain.Session, bool) {
	if id == "" {
		return nil, false
	}
	s, ok := r.byID[id]
	return s, ok
}

// FindByPrincipalKey returns the live session for key.
func (r *Registry) FindByPrincipalKey(key string) (*domain.Session, bool) {
	id, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// ListSessions returns copies of all sessions ordered by creation time.
func (r *Registry) ListSessions() []*domain.Session {
	out := make([]*domain.Session, 0, len(r.byID))
	for _, s := range r.sorted() {
		out = append(out, s.Clone())
	}
	return out
}

// Active returns the live active sessions ordered by creation time.
func (r *Registry) Active() []*domain.Session {
	var out []*domain.Session
	for _, s := range r.sorted() {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

// Operator returns the active session in control, if any.
func (r *Registry) Operator() (*domain.Session, bool) {
	for _, s := range r.sorted() {
		if s.Active && s.InControl {
			return s, true
		}
	}
	return nil, false
}

// Touch moves the session's last activity forward to now. No-op when id is unknown or
// now is not after the recorded activity.
func (r *Registry) Touch(id string, now time.Time) {
	s, ok := r.byID[id]
	if !ok {
		return
	}
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// SweepTimeouts deactivates every active session idle for longer than ttl and clears its
// control flag. It returns the evicted ids; nothing is promoted in their place.
func (r *Registry) SweepTimeouts(now time.Time, ttl time.Duration) []string {
	var evicted []string
	for _, s := range r.sorted() {
		if !s.Active || s.LastActivity.IsZero() {
			continue
		}
		if now.Sub(s.LastActivity) > ttl {
			s.Active = false
			s.InControl = false
			evicted = append(evicted, s.ID)
		}
	}
	return evicted
}

// RemoveSession hard-deletes the session. It reports whether anything was removed.
func (r *Registry) RemoveSession(id string) bool {
	s, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	if r.byKey[s.PrincipalKey] == id {
		delete(r.byKey, s.PrincipalKey)
	}
	return true
}

// PurgeInactive removes inactive sessions whose last activity is before cutoff and for
// which keep returns false. It returns the removed sessions.
func (r *Registry) PurgeInactive(cutoff time.Time, keep func(*domain.Session) bool) []*domain.Session {
	var purged []*domain.Session
	for _, s := range r.sorted() {
		if s.Active || !s.LastActivity.Before(cutoff) {
			continue
		}
		if keep != nil && keep(s) {
			continue
		}
		r.RemoveSession(s.ID)
		purged = append(purged, s)
	}
	return purged
}

func (r *Registry) sorted() []*domain.Session {
	out := make([]*domain.Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
