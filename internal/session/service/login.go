package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"beamline-control-plane/backend/internal/audit"
	"beamline-control-plane/backend/internal/lims"
	"beamline-control-plane/backend/internal/policy/engine"
	"beamline-control-plane/backend/internal/session/admission"
	"beamline-control-plane/backend/internal/session/arbiter"
	"beamline-control-plane/backend/internal/session/domain"
	"beamline-control-plane/backend/internal/session/registry"
)

// LoginRequest is a login attempt. RequesterID is the caller's current session, empty when
// the client has none.
type LoginRequest struct {
	LoginID     string
	Password    string
	RequesterID string
	RemoteAddr  string
}

// LoginResult is an admitted login. Token is empty when no token issuer is configured.
type LoginResult struct {
	Session   *domain.Session
	Token     string
	ExpiresAt time.Time
}

// Login admits a principal, creates its session and grants it control when nobody holds it.
// Rejections are *domain.RejectError values that unwrap to the admission sentinels.
func (s *ControlService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	ctx, span := s.tracer.Start(ctx, "control.Login")
	defer span.End()

	loginID := strings.TrimSpace(req.LoginID)
	local := s.locality.IsLocal(req.RemoteAddr)
	inHouse := s.inhouse[loginID]
	span.SetAttributes(attribute.Bool("login.local", local), attribute.Bool("login.in_house", inHouse))

	res, admit, err := s.prepareLogin(ctx, loginID, req.Password, local, inHouse)
	if err != nil {
		s.loginFailed(ctx, req, loginID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		return nil, err
	}

	areq := admission.Request{
		LoginID:     loginID,
		RequesterID: req.RequesterID,
		Local:       local,
		InHouse:     inHouse,
		Mode:        s.opts.Mode,
		AllowRemote: s.opts.AllowRemote,
		Validation: admission.Validation{
			Valid:              res.Valid,
			HasExistingSession: res.HasExistingSession,
			Diagnostic:         res.Diagnostic,
		},
		Denials: admit.Deny,
	}
	payload := res.Payload

	// Admission sees the registry as the sweep leaves it, but the sweep is only written
	// together with an admitted session; a rejected login changes nothing.
	s.mu.Lock()
	view, evicted, _ := s.sweptLocked()
	dec, err := admission.Decide(view, areq)
	if err == nil && dec.NeedsExternalSession {
		s.mu.Unlock()
		payload, err = s.lims.CreateExternalSession(ctx, payload)
		s.mu.Lock()
		if err != nil {
			err = fmt.Errorf("control: create external session: %w", err)
		} else {
			view, evicted, _ = s.sweptLocked()
			areq.Validation.HasExistingSession = true
			dec, err = admission.Decide(view, areq)
		}
	}

	var (
		out      *domain.Session
		token    string
		exp      time.Time
		notices  []domain.Notice
		sel      selection
		changed  bool
		operator bool
	)
	if err == nil {
		out, token, exp, notices, err = s.createSessionLocked(ctx, view, loginID, dec, admit, payload)
	}
	if err == nil {
		notices = append(sweepNotices(evicted), notices...)
		operator = out.InControl
		sel, changed = s.selectionLocked()
	} else {
		evicted = nil
	}
	s.mu.Unlock()

	s.afterSweep(ctx, evicted)
	s.emit(notices)
	if err != nil {
		s.loginFailed(ctx, req, loginID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "login rejected")
		return nil, err
	}
	s.applySelection(ctx, sel, changed)

	s.metrics.login(ctx, "accepted")
	log.Printf("control: valid %s login %s (session %s, operator=%t)", originLabel(local), loginID, out.ID, operator)
	s.audit.LogEvent(ctx, audit.Entry{
		SessionID: out.ID,
		Action:    audit.LoginAction(local),
		Resource:  audit.ResourceSession,
		IP:        req.RemoteAddr,
		Metadata:  "principal=" + out.PrincipalKey,
	})
	if operator {
		s.audit.LogEvent(ctx, audit.Entry{SessionID: out.ID, Action: audit.ActionControlGranted, Resource: audit.ResourceControl, IP: req.RemoteAddr})
	}
	return &LoginResult{Session: out, Token: token, ExpiresAt: exp}, nil
}

// prepareLogin runs the checks that need no registry state: credential validation and the
// site policy. A failing policy engine denies the login.
func (s *ControlService) prepareLogin(ctx context.Context, loginID, password string, local, inHouse bool) (*lims.Result, engine.AdmissionResult, error) {
	var admit engine.AdmissionResult
	if loginID == "" {
		return nil, admit, domain.Reject(domain.ErrInvalidCredentials, "login id is required")
	}
	res, err := s.lims.ValidateCredentials(ctx, loginID, password)
	if err != nil {
		return nil, admit, fmt.Errorf("control: validate credentials: %w", err)
	}
	if res == nil {
		return nil, admit, errors.New("control: identity provider returned no result")
	}
	if s.policy == nil {
		return res, admit, nil
	}
	admit, err = s.policy.EvaluateAdmission(ctx, engine.AdmissionInput{
		LoginID: loginID,
		InHouse: inHouse,
		Local:   local,
		Mode:    string(s.opts.Mode),
	})
	if err != nil {
		log.Printf("control: site policy evaluation for %s: %v", loginID, err)
		admit = engine.AdmissionResult{Deny: []string{"site policy unavailable"}}
	}
	return res, admit, nil
}

// createSessionLocked builds the session for an admitted login, issues its token and commits
// the transition from base, a swept copy of the live registry. Callers hold s.mu.
func (s *ControlService) createSessionLocked(ctx context.Context, base *registry.Registry, loginID string, dec admission.Decision, admit engine.AdmissionResult, payload lims.Payload) (*domain.Session, string, time.Time, []domain.Notice, error) {
	raw, err := payload.Marshal()
	if err != nil {
		return nil, "", time.Time{}, nil, fmt.Errorf("control: encode identity payload: %w", err)
	}
	now := s.now().UTC()
	sess := &domain.Session{
		ID:           uuid.NewString(),
		PrincipalKey: loginID,
		LoginID:      loginID,
		DisplayName:  loginID,
		Active:       true,
		Roles:        append([]string(nil), admit.Roles...),
		IsStaff:      admit.HasRole(domain.RoleStaff),
		LastActivity: now,
		ExternalData: raw,
		CreatedAt:    now,
	}
	if !s.opts.Mode.PerUser() {
		sess.PrincipalKey = loginID + "-" + uuid.NewString()
		sess.SelectedProposal = loginID
	}

	var (
		token string
		exp   time.Time
	)
	if s.tokens != nil {
		token, exp, err = s.tokens.Issue(sess.ID, sess.PrincipalKey, s.opts.Beamline)
		if err != nil {
			return nil, "", time.Time{}, nil, fmt.Errorf("control: issue session token: %w", err)
		}
	}

	next, notices := arbiter.ApplyLogin(base, arbiter.Login{Session: sess, EvictID: dec.EvictID, Mode: s.opts.Mode})
	if err := s.commitLocked(ctx, next); err != nil {
		return nil, "", time.Time{}, nil, fmt.Errorf("control: %w", err)
	}
	if dec.EvictID != "" {
		log.Printf("control: replaced stale session %s of %s", dec.EvictID, loginID)
	}
	stored, _ := s.reg.Get(sess.ID)
	return stored.Clone(), token, exp, notices, nil
}

func (s *ControlService) loginFailed(ctx context.Context, req LoginRequest, loginID string, err error) {
	action := audit.RejectAction(err)
	s.metrics.login(ctx, action)
	log.Printf("control: %s for %q from %s: %v", action, loginID, req.RemoteAddr, err)
	s.audit.LogEvent(ctx, audit.Entry{
		SessionID: req.RequesterID,
		Action:    action,
		Resource:  audit.ResourceSession,
		IP:        req.RemoteAddr,
		Metadata:  "login=" + loginID,
	})
}

func originLabel(local bool) string {
	if local {
		return "local"
	}
	return "remote"
}
