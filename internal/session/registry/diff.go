package registry

import (
	"sort"

	"beamline-control-plane/backend/internal/session/domain"
)

// Changes lists what must be written to the store to move from one registry state to
// the next.
type Changes struct {
	Created []*domain.Session
	Updated []*domain.Session
	// Deactivated sessions differ from their previous state only by losing Active and
	// InControl.
	Deactivated []*domain.Session
	Removed     []*domain.Session
}

// Empty reports whether there is nothing to persist.
func (c Changes) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deactivated) == 0 && len(c.Removed) == 0
}

// Diff compares prev and next. Created and Updated are ordered so that sessions losing
// control come before sessions gaining it; the store never sees two operators at once.
func Diff(prev, next *Registry) Changes {
	var c Changes
	for id, s := range prev.byID {
		if _, ok := next.byID[id]; !ok {
			c.Removed = append(c.Removed, s.Clone())
		}
	}
	for id, s := range next.byID {
		old, ok := prev.byID[id]
		switch {
		case !ok:
			c.Created = append(c.Created, s.Clone())
		case old.Equal(s):
		case onlyDeactivated(old, s):
			c.Deactivated = append(c.Deactivated, s.Clone())
		default:
			c.Updated = append(c.Updated, s.Clone())
		}
	}
	byControl := func(list []*domain.Session) {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].InControl != list[j].InControl {
				return !list[i].InControl
			}
			return list[i].ID < list[j].ID
		})
	}
	byControl(c.Created)
	byControl(c.Updated)
	byID := func(list []*domain.Session) {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	byID(c.Deactivated)
	byID(c.Removed)
	return c
}

func onlyDeactivated(old, next *domain.Session) bool {
	if !old.Active || next.Active || next.InControl {
		return false
	}
	want := old.Clone()
	want.Active = false
	want.InControl = false
	return want.Equal(next)
}
