package service

import (
	"context"
	"fmt"
	"strings"

	"beamline-control-plane/backend/internal/audit"
	"beamline-control-plane/backend/internal/lims"
	"beamline-control-plane/backend/internal/session/domain"
)

// ProposalInfo is one proposal the logged-in principal may work under.
type ProposalInfo struct {
	Code       string
	Number     string
	ProposalID int64
	Title      string
	Person     string
}

// LoginInfo describes the requester's session and the beamline's login setup.
type LoginInfo struct {
	Beamline         string
	LoginType        string
	User             *domain.Session
	ProposalList     []ProposalInfo
	SelectedProposal string
}

// LoginInfo returns the requester's session details. Control is re-evaluated first, so a
// requester may pick up control that was freed since the last call.
func (s *ControlService) LoginInfo(ctx context.Context, requesterID string) (*LoginInfo, error) {
	ctx, span := s.tracer.Start(ctx, "control.LoginInfo")
	defer span.End()

	s.mu.Lock()
	sel, changed, notices, err := s.reevaluateLocked(ctx, requesterID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	cur, _ := s.reg.Get(requesterID)
	user := cur.Clone()
	s.mu.Unlock()

	s.emit(notices)
	s.applySelection(ctx, sel, changed)

	info := &LoginInfo{
		Beamline:  s.opts.Beamline,
		LoginType: loginTypeLabel(s.opts.Mode),
		User:      user,
	}
	payload, err := lims.ParsePayload(user.ExternalData)
	if err != nil {
		return nil, fmt.Errorf("control: decode identity payload: %w", err)
	}
	for _, e := range payload.ProposalList {
		info.ProposalList = append(info.ProposalList, ProposalInfo{
			Code:       e.Proposal.Code,
			Number:     e.Proposal.Number,
			ProposalID: e.Proposal.ProposalID,
			Title:      e.Proposal.Title,
			Person:     e.Person.FamilyName,
		})
	}
	if s.opts.Mode.PerUser() {
		info.SelectedProposal = user.SelectedProposal
	} else {
		info.SelectedProposal = user.Prefix()
	}
	return info, nil
}

// SetDisplayName sets the requester's display name. A name can be chosen once per session.
func (s *ControlService) SetDisplayName(ctx context.Context, requesterID, name string) error {
	ctx, span := s.tracer.Start(ctx, "control.SetDisplayName")
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ErrInvalidDisplayName
	}

	s.mu.Lock()
	cur, ok := s.reg.Get(requesterID)
	if !ok || !cur.Active {
		s.mu.Unlock()
		return domain.ErrNotAuthenticated
	}
	if cur.DisplayNameSet {
		s.mu.Unlock()
		return domain.ErrDisplayNameSet
	}
	next := s.reg.Clone()
	sess, _ := next.Get(requesterID)
	sess.DisplayName = name
	sess.DisplayNameSet = true
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("control: set display name: %w", err)
	}
	s.mu.Unlock()

	s.emit([]domain.Notice{{Event: domain.EventObserversChanged}})
	s.audit.LogEvent(ctx, audit.Entry{SessionID: requesterID, Action: audit.ActionDisplayNameSet, Resource: audit.ResourceSession, Metadata: "name=" + name})
	return nil
}

// SelectProposal records the proposal the requester works under. Only available with
// personal logins, and only for proposals the identity provider listed for the requester.
// When the requester is the operator the proposal becomes the beamline's context.
func (s *ControlService) SelectProposal(ctx context.Context, requesterID, proposal string) error {
	ctx, span := s.tracer.Start(ctx, "control.SelectProposal")
	defer span.End()

	if !s.opts.Mode.PerUser() {
		return domain.ErrProposalNotAllowed
	}

	s.mu.Lock()
	cur, ok := s.reg.Get(requesterID)
	if !ok || !cur.Active {
		s.mu.Unlock()
		return domain.ErrNotAuthenticated
	}
	payload, err := lims.ParsePayload(cur.ExternalData)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("control: decode identity payload: %w", err)
	}
	if !offersProposal(payload, proposal) {
		s.mu.Unlock()
		return domain.ErrProposalNotAllowed
	}
	next := s.reg.Clone()
	sess, _ := next.Get(requesterID)
	sess.SelectedProposal = proposal
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("control: select proposal: %w", err)
	}
	sel, changed := s.selectionLocked()
	s.mu.Unlock()

	s.applySelection(ctx, sel, changed)
	s.audit.LogEvent(ctx, audit.Entry{SessionID: requesterID, Action: audit.ActionProposalChanged, Resource: audit.ResourceContext, Metadata: "proposal=" + proposal})
	return nil
}

func offersProposal(p lims.Payload, name string) bool {
	for _, e := range p.ProposalList {
		if e.Proposal.Name() == name {
			return true
		}
	}
	return false
}

func loginTypeLabel(mode domain.LoginMode) string {
	if mode.PerUser() {
		return "User"
	}
	return "Proposal"
}
