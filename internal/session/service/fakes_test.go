package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"beamline-control-plane/backend/internal/lims"
	"beamline-control-plane/backend/internal/policy/engine"
	"beamline-control-plane/backend/internal/security"
	"beamline-control-plane/backend/internal/session/domain"
	"beamline-control-plane/backend/internal/session/repository"
	"beamline-control-plane/backend/internal/telemetry"
)

const (
	localAddr  = "127.0.0.1:50123"
	remoteAddr = "192.0.2.10:50123"
	password   = "secret"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memLIMS accepts every login whose password is "secret" and lists the proposals configured
// for it.
type memLIMS struct {
	mu        sync.Mutex
	proposals map[string][]lims.Proposal
	// existing lists logins that already have an experiment session.
	existing  map[string]bool
	created   []string
	selected  []string
	selectErr error
	createErr error
	validErr  error
	// hold blocks SelectAuthorizationContext for a proposal until its channel is closed.
	hold    map[string]chan struct{}
	holding int
}

func newMemLIMS() *memLIMS {
	return &memLIMS{proposals: make(map[string][]lims.Proposal), existing: make(map[string]bool)}
}

func (m *memLIMS) ValidateCredentials(ctx context.Context, loginID, secret string) (*lims.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.validErr != nil {
		return nil, m.validErr
	}
	if secret != password {
		return &lims.Result{Diagnostic: "Invalid login: unknown user or wrong password"}, nil
	}
	p := lims.Payload{LoginID: loginID}
	for _, pr := range m.proposals[loginID] {
		p.ProposalList = append(p.ProposalList, lims.ProposalEntry{Proposal: pr, Person: lims.Person{FamilyName: "Curie"}})
	}
	return &lims.Result{Valid: true, HasExistingSession: m.existing[loginID], Payload: p}, nil
}

func (m *memLIMS) CreateExternalSession(ctx context.Context, p lims.Payload) (lims.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return p, m.createErr
	}
	m.created = append(m.created, p.LoginID)
	m.existing[p.LoginID] = true
	p.Session = &lims.ExperimentSession{ID: "exp-" + p.LoginID, Proposal: p.LoginID}
	return p, nil
}

func (m *memLIMS) SelectAuthorizationContext(ctx context.Context, proposal string) error {
	m.mu.Lock()
	if ch := m.hold[proposal]; ch != nil {
		m.holding++
		m.mu.Unlock()
		<-ch
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	if m.selectErr != nil {
		return m.selectErr
	}
	m.selected = append(m.selected, proposal)
	return nil
}

func (m *memLIMS) Selected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.selected...)
}

func (m *memLIMS) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...)
}

func (m *memLIMS) Holding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holding
}

type memEmitter struct {
	mu     sync.Mutex
	events []*telemetry.Event
}

func (m *memEmitter) Emit(ctx context.Context, ev *telemetry.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memEmitter) has(name domain.EventName, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.Name == string(name) && ev.SessionID == sessionID {
			return true
		}
	}
	return false
}

// waitForEvent polls until the emitter saw name for sessionID ("" for a broadcast).
func waitForEvent(t *testing.T, m *memEmitter, name domain.EventName, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.has(name, sessionID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s for %q not emitted", name, sessionID)
}

// waitUntil polls cond for up to two seconds.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type memReset struct {
	mu      sync.Mutex
	reasons []string
}

func (m *memReset) Reset(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
	return nil
}

func (m *memReset) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reasons)
}

// stubPolicy grants roles per login id and denies every login with deny.
type stubPolicy struct {
	roles map[string][]string
	deny  []string
	err   error
}

func (p stubPolicy) EvaluateAdmission(ctx context.Context, in engine.AdmissionInput) (engine.AdmissionResult, error) {
	if p.err != nil {
		return engine.AdmissionResult{}, p.err
	}
	return engine.AdmissionResult{Roles: p.roles[in.LoginID], Deny: p.deny}, nil
}

type fixture struct {
	svc     *ControlService
	store   *repository.MemoryStore
	lims    *memLIMS
	emitter *memEmitter
	reset   *memReset
	clock   *fakeClock
}

func newFixture(t *testing.T, opts Options, tweak func(*Deps)) *fixture {
	t.Helper()
	if opts.Beamline == "" {
		opts.Beamline = "id23-2"
	}
	if opts.Lifetime == 0 {
		opts.Lifetime = 10 * time.Minute
	}
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("token provider: %v", err)
	}
	f := &fixture{
		store:   repository.NewMemoryStore(),
		lims:    newMemLIMS(),
		emitter: &memEmitter{},
		reset:   &memReset{},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	deps := Deps{
		Store:   f.store,
		LIMS:    f.lims,
		Tokens:  tokens,
		Emitter: f.emitter,
		Reset:   f.reset,
	}
	if tweak != nil {
		tweak(&deps)
	}
	f.svc = NewControlService(opts, deps)
	f.svc.now = f.clock.Now
	if err := f.svc.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	return f
}

func (f *fixture) login(t *testing.T, loginID, requesterID, addr string) *domain.Session {
	t.Helper()
	res, err := f.svc.Login(context.Background(), LoginRequest{LoginID: loginID, Password: password, RequesterID: requesterID, RemoteAddr: addr})
	if err != nil {
		t.Fatalf("Login(%s): %v", loginID, err)
	}
	return res.Session
}

func (f *fixture) loginErr(loginID, requesterID, addr string) error {
	_, err := f.svc.Login(context.Background(), LoginRequest{LoginID: loginID, Password: password, RequesterID: requesterID, RemoteAddr: addr})
	return err
}

// storedOperators counts active in-control records in the store.
func (f *fixture) storedOperators(t *testing.T) int {
	t.Helper()
	all, err := f.store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	n := 0
	for _, s := range all {
		if s.Active && s.InControl {
			n++
		}
	}
	return n
}

func assertKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("err = %v, want %v", err, kind)
	}
}
