package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"beamline-control-plane/backend/internal/audit"
	"beamline-control-plane/backend/internal/session/arbiter"
	"beamline-control-plane/backend/internal/session/domain"
	"beamline-control-plane/backend/internal/session/registry"
)

// Signout deactivates the requester's session. When it held control the beamline is reset
// first, while the session still holds control, and nobody is promoted in its place.
func (s *ControlService) Signout(ctx context.Context, requesterID string) error {
	ctx, span := s.tracer.Start(ctx, "control.Signout")
	defer span.End()

	s.mu.RLock()
	cur, ok := s.reg.Get(requesterID)
	if !ok || !cur.Active {
		s.mu.RUnlock()
		return domain.ErrNotAuthenticated
	}
	principal := cur.PrincipalKey
	wasOperator := cur.InControl
	s.mu.RUnlock()

	// The hook talks to the beamline; the lock stays free meanwhile. Until the release
	// below commits the operator keeps control, so no login can take it mid-reset.
	if wasOperator {
		s.resetBeamline(ctx, "operator signed out")
	}

	s.mu.Lock()
	cur, _ = s.reg.Get(requesterID)
	heldControl := cur != nil && cur.Active && cur.InControl
	next, notices, err := arbiter.Release(s.reg, requesterID)
	if err != nil {
		// Swept or forced out while the reset ran.
		s.mu.Unlock()
		return err
	}
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("control: signout: %w", err)
	}
	if heldControl {
		s.clearSelectionLocked()
	}
	s.mu.Unlock()

	s.emit(notices)
	log.Printf("control: %s signed out (operator=%t)", principal, wasOperator)
	s.audit.LogEvent(ctx, audit.Entry{SessionID: requesterID, Action: audit.ActionSignout, Resource: audit.ResourceSession, Metadata: "principal=" + principal})
	return nil
}

// ForceSignout hard-deletes the session of principalKey. Anonymous requesters may remove any
// session; authenticated ones only sessions that are not in control.
func (s *ControlService) ForceSignout(ctx context.Context, requesterID, principalKey string) error {
	ctx, span := s.tracer.Start(ctx, "control.ForceSignout")
	defer span.End()

	s.mu.Lock()
	target, ok := s.reg.FindByPrincipalKey(principalKey)
	if !ok {
		s.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	targetID := target.ID
	next, notices, err := arbiter.ForceEvict(s.reg, requesterID, targetID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("control: force signout: %w", err)
	}
	s.mu.Unlock()

	s.emit(notices)
	s.metrics.evicted(ctx, "forced", 1)
	log.Printf("control: %s force signed out", principalKey)
	s.audit.LogEvent(ctx, audit.Entry{SessionID: requesterID, Action: audit.ActionForceSignout, Resource: audit.ResourceSession, Metadata: "target=" + principalKey})
	return nil
}

// SweepTimeouts deactivates sessions idle longer than the session lifetime and returns
// their ids. Control is not handed to anyone else.
func (s *ControlService) SweepTimeouts(ctx context.Context) []string {
	ctx, span := s.tracer.Start(ctx, "control.SweepTimeouts")
	defer span.End()

	s.mu.Lock()
	evicted, notices := s.sweepLocked(ctx)
	s.mu.Unlock()

	s.afterSweep(ctx, evicted)
	s.emit(notices)
	return evicted
}

// RunSweeper sweeps every interval until ctx is done.
func (s *ControlService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepTimeouts(ctx)
		}
	}
}

// sweptLocked returns a copy of the registry after one timeout pass and, in shared-proposal
// modes, the purge of inactive records past retention. Nothing is persisted. Callers hold s.mu.
func (s *ControlService) sweptLocked() (*registry.Registry, []string, int) {
	next := s.reg.Clone()
	if s.opts.Lifetime <= 0 {
		return next, nil, 0
	}
	now := s.now().UTC()
	evicted := next.SweepTimeouts(now, s.opts.Lifetime)
	var purged int
	if !s.opts.Mode.PerUser() && s.opts.Retention > 0 {
		purged = len(next.PurgeInactive(now.Add(-s.opts.Retention), nil))
	}
	return next, evicted, purged
}

// sweepLocked runs and commits one sweep. When the store rejects the pass it is logged and
// the registry is left as it was; the next sweep retries. Callers hold s.mu.
func (s *ControlService) sweepLocked(ctx context.Context) ([]string, []domain.Notice) {
	next, evicted, purged := s.sweptLocked()
	if len(evicted) == 0 && purged == 0 {
		return nil, nil
	}
	if err := s.commitLocked(ctx, next); err != nil {
		log.Printf("control: sweep: %v", err)
		return nil, nil
	}
	if purged > 0 {
		log.Printf("control: purged %d inactive sessions", purged)
	}
	return evicted, sweepNotices(evicted)
}

func sweepNotices(evicted []string) []domain.Notice {
	if len(evicted) == 0 {
		return nil
	}
	notices := make([]domain.Notice, 0, len(evicted)+1)
	for _, id := range evicted {
		notices = append(notices, domain.Notice{Event: domain.EventUserChanged, SessionID: id})
	}
	return append(notices, domain.Notice{Event: domain.EventObserversChanged})
}

func (s *ControlService) afterSweep(ctx context.Context, evicted []string) {
	if len(evicted) == 0 {
		return
	}
	s.metrics.evicted(ctx, "timeout", len(evicted))
	for _, id := range evicted {
		log.Printf("control: session %s timed out", id)
		s.audit.LogEvent(ctx, audit.Entry{SessionID: id, Action: audit.ActionTimeout, Resource: audit.ResourceSession, IP: "-"})
	}
}

// Reevaluate clears stale control flags and, when nobody is in control, promotes the
// requester.
func (s *ControlService) Reevaluate(ctx context.Context, requesterID string) error {
	ctx, span := s.tracer.Start(ctx, "control.Reevaluate")
	defer span.End()

	s.mu.Lock()
	sel, changed, notices, err := s.reevaluateLocked(ctx, requesterID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(notices)
	s.applySelection(ctx, sel, changed)
	return nil
}

func (s *ControlService) reevaluateLocked(ctx context.Context, requesterID string) (selection, bool, []domain.Notice, error) {
	cur, ok := s.reg.Get(requesterID)
	if !ok || !cur.Active {
		return selection{}, false, nil, domain.ErrNotAuthenticated
	}
	next, notices := arbiter.Reevaluate(s.reg, requesterID, s.opts.Mode)
	if len(notices) > 0 {
		if err := s.commitLocked(ctx, next); err != nil {
			return selection{}, false, nil, fmt.Errorf("control: reevaluate: %w", err)
		}
	}
	sel, changed := s.selectionLocked()
	return sel, changed, notices, nil
}

// HandOver passes control from the requester, who must be the operator, to targetID.
func (s *ControlService) HandOver(ctx context.Context, requesterID, targetID string) error {
	ctx, span := s.tracer.Start(ctx, "control.HandOver")
	defer span.End()

	s.mu.Lock()
	next, notices, err := arbiter.HandOver(s.reg, requesterID, targetID, s.opts.Mode)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("control: hand over: %w", err)
	}
	sel, changed := s.selectionLocked()
	s.mu.Unlock()

	s.emit(notices)
	s.applySelection(ctx, sel, changed)
	s.audit.LogEvent(ctx, audit.Entry{SessionID: requesterID, Action: audit.ActionHandOver, Resource: audit.ResourceControl, Metadata: "to=" + targetID})
	return nil
}
