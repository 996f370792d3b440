package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"beamline-control-plane/backend/internal/lims"
	"beamline-control-plane/backend/internal/session/domain"
	"beamline-control-plane/backend/internal/session/repository"
)

func userMode() Options     { return Options{Mode: domain.LoginModeUser, AllowRemote: true} }
func proposalMode() Options { return Options{Mode: domain.LoginModeProposal, AllowRemote: true} }

func TestLogin_FirstSessionTakesControl(t *testing.T) {
	f := newFixture(t, userMode(), nil)

	res, err := f.svc.Login(context.Background(), LoginRequest{LoginID: "alice", Password: password, RemoteAddr: localAddr})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !res.Session.Active || !res.Session.InControl {
		t.Fatalf("session = %+v, want active operator", res.Session)
	}
	if res.Token == "" || res.ExpiresAt.IsZero() {
		t.Error("expected a session token")
	}
	if res.Session.PrincipalKey != "alice" || res.Session.DisplayName != "alice" {
		t.Errorf("principal = %q display = %q", res.Session.PrincipalKey, res.Session.DisplayName)
	}
	if !f.svc.IsOperator(res.Session.ID) {
		t.Error("IsOperator should report the new session")
	}
	if got := f.storedOperators(t); got != 1 {
		t.Errorf("stored operators = %d, want 1", got)
	}
	if !f.store.HasRole(domain.RoleInControl) || !f.store.HasRole(domain.RoleStaff) {
		t.Error("roles should be created on first login")
	}
	waitForEvent(t, f.emitter, domain.EventObserversChanged, "")
}

func TestLogin_CreatesExternalSessionWhenMissing(t *testing.T) {
	f := newFixture(t, userMode(), nil)
	f.login(t, "alice", "", localAddr)

	if got := f.lims.Created(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("created external sessions = %v", got)
	}
	f.lims.existing["bob"] = true
	f.login(t, "bob", "", localAddr)
	if got := f.lims.Created(); len(got) != 1 {
		t.Errorf("bob already had a session; created = %v", got)
	}
}

func TestLogin_ExternalSessionFailureLeavesRegistryUnchanged(t *testing.T) {
	f := newFixture(t, userMode(), nil)
	f.lims.createErr = errors.New("lims down")

	err := f.loginErr("alice", "", localAddr)
	if err == nil {
		t.Fatal("expected error")
	}
	if n := len(f.svc.ListSessions()); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}

func TestLogin_ObserverInUserMode(t *testing.T) {
	f := newFixture(t, userMode(), nil)
	alice := f.login(t, "alice", "", localAddr)
	bob := f.login(t, "bob", "", localAddr)

	if bob.InControl {
		t.Error("second user should observe")
	}
	if !f.svc.IsOperator(alice.ID) {
		t.Error("alice should keep control")
	}
	obs := f.svc.Observers()
	if len(obs) != 1 || obs[0].ID != bob.ID {
		t.Errorf("observers = %v", obs)
	}
}

func TestLogin_AuthenticatedUserCannotLogInAsSomeoneElse(t *testing.T) {
	f := newFixture(t, userMode(), nil)
	alice := f.login(t, "alice", "", localAddr)

	err := f.loginErr("bob", alice.ID, localAddr)
	assertKind(t, err, domain.ErrAlreadyLoggedIn)
}

// Scenario A.
func TestLogin_ProposalConflict(t *testing.T) {
	f := newFixture(t, proposalMode(), nil)
	op := f.login(t, "12345", "", localAddr)
	if !op.InControl {
		t.Fatal("12345 should be operator")
	}
	if got := f.lims.Selected(); len(got) != 1 || got[0] != "12345" {
		t.Fatalf("selected contexts = %v, want [12345]", got)
	}

	err := f.loginErr("67890", "", localAddr)
	assertKind(t, err, domain.ErrProposalConflict)
	var rej *domain.RejectError
	if !errors.As(err, &rej) || rej.Reason == "" {
		t.Errorf("expected a reject reason, got %v", err)
	}
}

func TestLogin_SameProposalJoinsAsObserver(t *testing.T) {
	f := newFixture(t, proposalMode(), nil)
	op := f.login(t, "12345", "", localAddr)
	second := f.login(t, "12345", "", localAddr)

	if second.ID == op.ID || second.PrincipalKey == op.PrincipalKey {
		t.Fatal("every proposal login gets its own session")
	}
	if second.InControl {
		t.Error("second login should observe")
	}
	if second.DisplayName != "" {
		t.Errorf("observer display name = %q, want empty until chosen", second.DisplayName)
	}
	if second.SelectedProposal != "12345" {
		t.Errorf("selected proposal = %q", second.SelectedProposal)
	}
}

func TestLogin_InHouseBypassesProposalConflict(t *testing.T) {
	opts := proposalMode()
	opts.InhouseUsers = []string{"mx415"}
	f := newFixture(t, opts, func(d *Deps) {
		d.Policy = stubPolicy{roles: map[string][]string{"mx415": {domain.RoleStaff}}}
	})
	f.login(t, "12345", "", localAddr)

	staff := f.login(t, "mx415", "", localAddr)
	if !staff.IsStaff {
		t.Error("in-house login with staff role should be staff")
	}
	if got := f.svc.ActiveLoggedIn(true); len(got) != 1 {
		t.Errorf("ActiveLoggedIn(excludeStaff) = %v", got)
	}
	if got := f.svc.ActiveLoggedIn(false); len(got) != 2 {
		t.Errorf("ActiveLoggedIn = %v", got)
	}
}

// Scenario C.
func TestLogin_AuthenticatedSelfConflict(t *testing.T) {
	f := newFixture(t, userMode(), nil)
	alice := f.login(t, "alice", "", localAddr)

	err := f.loginErr("alice", alice.ID, localAddr)
	assertKind(t, err, domain.ErrAlreadyLoggedIn)
	var rej *domain.RejectError
	if !errors.As(err, &rej) || !rej.Self {
		t.Fatalf("err = %v, want self conflict", err)
	}
	if !f.svc.IsOperator(alice.ID) {
		t.Error("alice should still be operator")
	}
}

// P4.
func TestLogin_AnonymousReconnectEvictsStaleSession(t *testing.T) {
	f := newFixture(t, userMode(), nil)
	old := f.login(t, "alice", "", localAddr)

	fresh := f.login(t, "alice", "", localAddr)
	if fresh.ID == old.ID {
		t.Fatal("reconnect should create a new session")
	}
	if _, ok := f.svc.Operator(); !ok || !fresh.InControl {
		t.Error("reconnected session should take control")
	}
	if len(f.svc.ListSessions()) != 1 {
		t.Errorf("sessions = %d, want 1", len(f.svc.ListSessions()))
	}
	waitForEvent(t, f.emitter, domain.EventForceSignout, old.ID)
	if got := f.storedOperators(t); got != 1 {
		t.Errorf("stored operators = %d", got)
	}
}

// P5.
func TestLogin_InHouseRequiresLocalOrigin(t *testing.T) {
	opts := userMode()
	opts.InhouseUsers = []string{"mx415"}
	f := newFixture(t, opts, nil)

	assertKind(t, f.loginErr("mx415", "", remoteAddr), domain.ErrLocalityViolation)
	f.login(t, "mx415", "", localAddr)
}

func TestLogin_RemoteDisabled(t *testing.T) {
	opts := userMode()
	opts.AllowRemote = false
	f := newFixture(t, opts, nil)

	assertKind(t, f.loginErr("alice", "", remoteAddr), domain.ErrLocalityViolation)
}

// P2.
func TestLogin_RejectionsLeaveSessionsUnchanged(t *testing.T) {
	f := newFixture(t, proposalMode(), nil)
	f.login(t, "12345", "", localAddr)
	before := f.svc.ListSessions()

	attempts := []struct {
		name string
		req  LoginRequest
		kind error
	}{
		{"conflict", LoginRequest{LoginID: "67890", Password: password, RemoteAddr: localAddr}, domain.ErrProposalConflict},
		{"bad password", LoginRequest{LoginID: "12345", Password: "nope", RemoteAddr: localAddr}, domain.ErrInvalidCredentials},
		{"empty login", LoginRequest{LoginID: " ", Password: password, RemoteAddr: localAddr}, domain.ErrInvalidCredentials},
	}
	for _, tt := range attempts {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Login(context.Background(), tt.req)
			assertKind(t, err, tt.kind)
			after := f.svc.ListSessions()
			if len(after) != len(before) {
				t.Fatalf("sessions = %d, want %d", len(after), len(before))
			}
			for i := range after {
				if !after[i].Equal(before[i]) {
					t.Errorf("session %s changed", after[i].ID)
				}
			}
		})
	}
}

func TestLogin_PolicyFailureDenies(t *testing.T) {
	f := newFixture(t, userMode(), func(d *Deps) {
		d.Policy = stubPolicy{err: errors.New("opa unavailable")}
	})
	assertKind(t, f.loginErr("alice", "", localAddr), domain.ErrPolicyDenied)
	if len(f.svc.ListSessions()) != 0 {
		t.Error("no session should be created")
	}
}

func TestLogin_PolicyDenial(t *testing.T) {
	f := newFixture(t, userMode(), func(d *Deps) {
		d.Policy = stubPolicy{deny: []string{"beamline closed"}}
	})
	err := f.loginErr("alice", "", localAddr)
	assertKind(t, err, domain.ErrPolicyDenied)
	if err.Error() != "beamline closed" {
		t.Errorf("reason = %q", err.Error())
	}
}

func TestLogin_ProviderErrorIsNotARejection(t *testing.T) {
	f := newFixture(t, userMode(), nil)
	f.lims.validErr = errors.New("timeout")
	err := f.loginErr("alice", "", localAddr)
	if err == nil {
		t.Fatal("expected error")
	}
	var rej *domain.RejectError
	if errors.As(err, &rej) {
		t.Errorf("provider failure should not be an admission rejection: %v", err)
	}
}

func TestLogin_StoreFailureLeavesRegistryUnchanged(t *testing.T) {
	f := newFixture(t, userMode(), nil)
	f.store.FailNext = errors.New("disk full")

	if err := f.loginErr("alice", "", localAddr); err == nil {
		t.Fatal("expected store error")
	}
	if len(f.svc.ListSessions()) != 0 {
		t.Fatal("failed commit must not change the registry")
	}
	if _, ok := f.svc.Operator(); ok {
		t.Fatal("no operator expected")
	}
	alice := f.login(t, "alice", "", localAddr)
	if !alice.InControl {
		t.Error("retry should succeed and take control")
	}
}

// P1.
func TestLogin_ConcurrentLoginsYieldOneOperator(t *testing.T) {
	f := newFixture(t, userMode(), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- f.loginErr(fmt.Sprintf("user%02d", i), "", localAddr)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Login: %v", err)
		}
	}

	operators := 0
	for _, s := range f.svc.ListSessions() {
		if s.Active && s.InControl {
			operators++
		}
	}
	if operators != 1 {
		t.Errorf("operators = %d, want 1", operators)
	}
	if got := f.storedOperators(t); got != 1 {
		t.Errorf("stored operators = %d, want 1", got)
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t, userMode(), nil)
	res, err := f.svc.Login(context.Background(), LoginRequest{LoginID: "alice", Password: password, RemoteAddr: localAddr})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	id, err := f.svc.Authenticate(res.Token)
	if err != nil || id != res.Session.ID {
		t.Fatalf("Authenticate = %q, %v", id, err)
	}
	if _, err := f.svc.Authenticate("garbage"); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Errorf("garbage token: %v", err)
	}
	if err := f.svc.Signout(context.Background(), res.Session.ID); err != nil {
		t.Fatalf("Signout: %v", err)
	}
	if _, err := f.svc.Authenticate(res.Token); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Errorf("token of signed out session: %v", err)
	}
}

func TestRestore_NormalizesStoredControl(t *testing.T) {
	store := repository.NewMemoryStore()
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	err := store.WithinTx(context.Background(), func(tx repository.Tx) error {
		if err := tx.Create(context.Background(), &domain.Session{
			ID: "s1", PrincipalKey: "alice", LoginID: "alice", InControl: true,
			LastActivity: created, CreatedAt: created,
		}); err != nil {
			return err
		}
		return tx.Create(context.Background(), &domain.Session{
			ID: "s2", PrincipalKey: "bob", LoginID: "bob", Active: true,
			LastActivity: created, CreatedAt: created.Add(time.Minute),
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc := NewControlService(Options{Beamline: "id23-2", Mode: domain.LoginModeUser, Lifetime: time.Hour}, Deps{Store: store, LIMS: newMemLIMS()})
	svc.now = func() time.Time { return created.Add(2 * time.Minute) }
	if svc.Ready() {
		t.Fatal("not ready before Restore")
	}
	if err := svc.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !svc.Ready() {
		t.Error("ready after Restore")
	}
	if len(svc.ListSessions()) != 2 {
		t.Fatalf("sessions = %d", len(svc.ListSessions()))
	}
	if _, ok := svc.Operator(); ok {
		t.Error("inactive session must not keep control")
	}
	all, _ := store.LoadAll(context.Background())
	for _, s := range all {
		if s.ID == "s1" && s.InControl {
			t.Error("stale control flag should be cleared in the store")
		}
	}

	if err := svc.Reevaluate(context.Background(), "s2"); err != nil {
		t.Fatalf("Reevaluate: %v", err)
	}
	if !svc.IsOperator("s2") {
		t.Error("active caller should be promoted when nobody is in control")
	}
}

func TestLoginInfo(t *testing.T) {
	f := newFixture(t, userMode(), nil)
	f.lims.proposals["alice"] = []lims.Proposal{{Code: "mx", Number: "415", ProposalID: 7, Title: "Lysozyme"}}
	alice := f.login(t, "alice", "", localAddr)

	info, err := f.svc.LoginInfo(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("LoginInfo: %v", err)
	}
	if info.Beamline != "id23-2" || info.LoginType != "User" || info.User.ID != alice.ID {
		t.Errorf("info = %+v", info)
	}
	if len(info.ProposalList) != 1 {
		t.Fatalf("proposals = %v", info.ProposalList)
	}
	p := info.ProposalList[0]
	if p.Code != "mx" || p.Number != "415" || p.ProposalID != 7 || p.Title != "Lysozyme" || p.Person != "Curie" {
		t.Errorf("proposal = %+v", p)
	}

	if _, err := f.svc.LoginInfo(context.Background(), ""); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Errorf("anonymous LoginInfo: %v", err)
	}
}
