// Package service orchestrates control arbitration for one beamline: admission, session
// lifecycle, operator hand-over and the notifications that follow.
package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"beamline-control-plane/backend/internal/audit"
	"beamline-control-plane/backend/internal/lims"
	"beamline-control-plane/backend/internal/network"
	"beamline-control-plane/backend/internal/policy/engine"
	"beamline-control-plane/backend/internal/security"
	"beamline-control-plane/backend/internal/session/arbiter"
	"beamline-control-plane/backend/internal/session/domain"
	"beamline-control-plane/backend/internal/session/registry"
	"beamline-control-plane/backend/internal/session/repository"
	"beamline-control-plane/backend/internal/telemetry"
)

const (
	instrumentationName = "beamline-control-plane/backend/internal/session/service"
	resetTimeout        = 10 * time.Second
	selectTimeout       = 5 * time.Second
)

// ResetHook returns the beamline hardware to a safe state when the operator leaves.
type ResetHook interface {
	Reset(ctx context.Context, reason string) error
}

// LocalityChecker classifies a client address as local to the beamline.
type LocalityChecker interface {
	IsLocal(addr string) bool
}

// TokenIssuer issues and validates session tokens.
type TokenIssuer interface {
	Issue(sessionID, principal, beamline string) (string, time.Time, error)
	Validate(token string) (*security.SessionClaims, error)
}

// Options are the beamline's arbitration settings.
type Options struct {
	Beamline    string
	Mode        domain.LoginMode
	AllowRemote bool
	// Lifetime is the inactivity timeout after which a sweep deactivates a session.
	Lifetime time.Duration
	// Retention is how long inactive one-off sessions are kept. Zero keeps them forever.
	Retention time.Duration
	// InhouseUsers are login ids (code+number) of beamline staff proposals.
	InhouseUsers []string
}

// Deps are the collaborators of the control service. Store and LIMS are required; any
// other field may be nil.
type Deps struct {
	Store    repository.Store
	LIMS     lims.Provider
	Policy   engine.Evaluator
	Locality LocalityChecker
	Tokens   TokenIssuer
	Emitter  telemetry.EventEmitter
	Audit    audit.AuditLogger
	Reset    ResetHook
}

// ControlService owns the beamline's session registry. One RWMutex serializes every
// mutation; reads take the read lock.
type ControlService struct {
	opts    Options
	inhouse map[string]bool

	store    repository.Store
	lims     lims.Provider
	policy   engine.Evaluator
	locality LocalityChecker
	tokens   TokenIssuer
	emitter  telemetry.EventEmitter
	audit    audit.AuditLogger
	reset    ResetHook

	tracer  trace.Tracer
	metrics *instruments
	now     func() time.Time

	mu  sync.RWMutex
	reg *registry.Registry
	// dirty holds touched sessions whose activity is not yet persisted.
	dirty map[string]struct{}
	// selected is the authorization context last handed to the LIMS; selSeq numbers each
	// change of it so that late LIMS calls for an older context are dropped.
	selected string
	selSeq   uint64
	ready    bool

	// applyMu keeps SelectAuthorizationContext calls from overlapping.
	applyMu sync.Mutex
}

// selection is an authorization context to apply, tagged with its position in the order of
// context changes.
type selection struct {
	proposal string
	seq      uint64
}

// NewControlService returns a service with an empty registry. Call Restore before serving.
func NewControlService(opts Options, deps Deps) *ControlService {
	s := &ControlService{
		opts:     opts,
		inhouse:  make(map[string]bool, len(opts.InhouseUsers)),
		store:    deps.Store,
		lims:     deps.LIMS,
		policy:   deps.Policy,
		locality: deps.Locality,
		tokens:   deps.Tokens,
		emitter:  deps.Emitter,
		audit:    deps.Audit,
		reset:    deps.Reset,
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
		reg:      registry.New(),
		dirty:    make(map[string]struct{}),
	}
	for _, id := range opts.InhouseUsers {
		s.inhouse[id] = true
	}
	if s.locality == nil {
		s.locality, _ = network.NewChecker(nil)
	}
	if s.audit == nil {
		s.audit = audit.NewLogger(opts.Beamline, nil, network.ClientIP)
	}
	s.metrics = newInstruments(otel.Meter(instrumentationName), s.countActive)
	return s
}

// Restore loads persisted sessions, clears stale control flags and applies the operator's
// authorization context.
func (s *ControlService) Restore(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "control.Restore")
	defer span.End()

	records, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("control: load sessions: %w", err)
	}
	loaded := registry.New()
	for _, r := range records {
		loaded.Put(r)
	}

	s.mu.Lock()
	s.reg = loaded
	next, _ := arbiter.Reevaluate(loaded, "", s.opts.Mode)
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("control: normalize restored sessions: %w", err)
	}
	sel, changed := s.selectionLocked()
	s.ready = true
	n := s.reg.Len()
	s.mu.Unlock()

	log.Printf("control: restored %d sessions for beamline %s", n, s.opts.Beamline)
	s.applySelection(ctx, sel, changed)
	return nil
}

// Ready reports whether Restore has completed.
func (s *ControlService) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Operator returns a copy of the session in control.
func (s *ControlService) Operator() (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.reg.Operator()
	return op.Clone(), ok
}

// Observers returns copies of the active sessions not in control.
func (s *ControlService) Observers() []*domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Session
	for _, a := range s.reg.Active() {
		if !a.InControl {
			out = append(out, a.Clone())
		}
	}
	return out
}

// ListSessions returns copies of every known session, active or not.
func (s *ControlService) ListSessions() []*domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reg.ListSessions()
}

// IsOperator reports whether id is the active session in control.
func (s *ControlService) IsOperator(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.reg.Operator()
	return ok && op.ID == id
}

// ActiveLoggedIn returns the principal keys of active sessions, optionally leaving out staff.
func (s *ControlService) ActiveLoggedIn(excludeStaff bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, a := range s.reg.Active() {
		if excludeStaff && a.IsStaff {
			continue
		}
		out = append(out, a.PrincipalKey)
	}
	return out
}

// Touch records activity of id. It is kept in memory and written with the next commit.
func (s *ControlService) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.reg.Get(id)
	if !ok || !sess.Active {
		return
	}
	s.reg.Touch(id, s.now().UTC())
	s.dirty[id] = struct{}{}
}

// Authenticate resolves a session token to the active session it was issued for.
func (s *ControlService) Authenticate(token string) (string, error) {
	if s.tokens == nil || token == "" {
		return "", domain.ErrNotAuthenticated
	}
	claims, err := s.tokens.Validate(token)
	if err != nil || claims.Beamline != s.opts.Beamline {
		return "", domain.ErrNotAuthenticated
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.reg.Get(claims.SessionID)
	if !ok || !sess.Active || sess.PrincipalKey != claims.Subject {
		return "", domain.ErrNotAuthenticated
	}
	return sess.ID, nil
}

func (s *ControlService) countActive() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.reg.Active()))
}

// commitLocked persists the difference between the live registry and next, together with
// pending activity updates, and swaps next in. On error the live registry is unchanged.
// Callers hold s.mu.
func (s *ControlService) commitLocked(ctx context.Context, next *registry.Registry) error {
	changes := registry.Diff(s.reg, next)
	// Deactivate writes only the flags, so touched deactivated sessions still get a full Put.
	touched := make(map[string]bool, len(changes.Created)+len(changes.Updated)+len(changes.Removed))
	for _, list := range [][]*domain.Session{changes.Created, changes.Updated, changes.Removed} {
		for _, c := range list {
			touched[c.ID] = true
		}
	}
	for id := range s.dirty {
		if sess, ok := next.Get(id); ok && !touched[id] {
			changes.Updated = append(changes.Updated, sess.Clone())
		}
	}
	if !changes.Empty() {
		err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
			return repository.Apply(ctx, tx, changes)
		})
		if err != nil {
			return fmt.Errorf("persist sessions: %w", err)
		}
	}
	s.reg = next
	s.dirty = make(map[string]struct{})
	return nil
}

// selectionLocked returns the operator's authorization context and whether it differs from
// the one last applied. The new value is recorded immediately; applySelection forgets it
// again if the LIMS call fails. Callers hold s.mu.
func (s *ControlService) selectionLocked() (selection, bool) {
	sel, ok := arbiter.SelectContext(s.reg, s.opts.Mode)
	if !ok || sel == s.selected {
		return selection{}, false
	}
	s.selected = sel
	s.selSeq++
	return selection{proposal: sel, seq: s.selSeq}, true
}

// clearSelectionLocked forgets the applied context; pending applies become stale.
// Callers hold s.mu.
func (s *ControlService) clearSelectionLocked() {
	s.selected = ""
	s.selSeq++
}

// applySelection tells the LIMS about a changed context. Called without s.mu. Calls run one
// at a time and a selection superseded before its turn is skipped, so the LIMS always ends
// on the latest context.
func (s *ControlService) applySelection(ctx context.Context, sel selection, changed bool) {
	if !changed {
		return
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if !s.currentSelection(sel.seq) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), selectTimeout)
	defer cancel()
	if err := s.lims.SelectAuthorizationContext(ctx, sel.proposal); err != nil {
		log.Printf("control: select proposal %s: %v", sel.proposal, err)
		s.mu.Lock()
		if s.selSeq == sel.seq {
			s.selected = ""
		}
		s.mu.Unlock()
		return
	}
	log.Printf("control: proposal %s selected", sel.proposal)
}

func (s *ControlService) currentSelection(seq uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selSeq == seq
}

// emit sends notices in order without blocking the caller.
func (s *ControlService) emit(notices []domain.Notice) {
	if len(notices) == 0 || s.emitter == nil {
		return
	}
	now := s.now().UTC()
	events := make([]*telemetry.Event, 0, len(notices))
	for _, n := range notices {
		events = append(events, &telemetry.Event{
			Name:      string(n.Event),
			SessionID: n.SessionID,
			Beamline:  s.opts.Beamline,
			CreatedAt: now,
		})
	}
	telemetry.EmitAsync(s.emitter, events...)
}

func (s *ControlService) resetBeamline(ctx context.Context, reason string) {
	if s.reset == nil {
		log.Printf("control: beamline %s reset requested (%s); no reset hook configured", s.opts.Beamline, reason)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()
	if err := s.reset.Reset(ctx, reason); err != nil {
		log.Printf("control: beamline reset failed: %v", err)
	}
}
