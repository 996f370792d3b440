package lims

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"beamline-control-plane/backend/internal/security"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrUnknownProposal is returned when selecting a proposal no account owns.
var ErrUnknownProposal = errors.New("lims: unknown proposal")

// Account is one entry of the accounts file.
type Account struct {
	Login        string     `yaml:"login"`
	PasswordHash string     `yaml:"password_hash"`
	Person       Person     `yaml:"person"`
	Proposals    []Proposal `yaml:"proposals"`
	// ActiveSession marks an account that already has a LIMS session scheduled today.
	ActiveSession bool `yaml:"active_session"`
}

type accountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// LoadAccounts reads and validates an accounts YAML file.
func LoadAccounts(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lims: read accounts file: %w", err)
	}
	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("lims: parse accounts yaml: %w", err)
	}
	for i, a := range f.Accounts {
		if a.Login == "" {
			return nil, fmt.Errorf("lims: account #%d missing login", i+1)
		}
		if a.PasswordHash == "" {
			return nil, fmt.Errorf("lims: account %q missing password_hash", a.Login)
		}
	}
	return f.Accounts, nil
}

// StaticProvider is a LIMS backed by a fixed list of accounts. Experiment sessions it
// opens live in memory.
type StaticProvider struct {
	hasher *security.Hasher
	now    func() time.Time

	mu        sync.Mutex
	accounts  map[string]Account
	proposals map[string]bool
	sessions  map[string]ExperimentSession
	selected  string
}

// NewStaticProvider returns a provider for accounts. Duplicate logins are rejected.
func NewStaticProvider(accounts []Account, hasher *security.Hasher) (*StaticProvider, error) {
	p := &StaticProvider{
		hasher:    hasher,
		now:       time.Now,
		accounts:  make(map[string]Account, len(accounts)),
		proposals: make(map[string]bool),
		sessions:  make(map[string]ExperimentSession),
	}
	for _, a := range accounts {
		if _, dup := p.accounts[a.Login]; dup {
			return nil, fmt.Errorf("lims: duplicate account %q", a.Login)
		}
		p.accounts[a.Login] = a
		p.proposals[a.Login] = true
		for _, pr := range a.Proposals {
			p.proposals[pr.Name()] = true
		}
	}
	return p, nil
}

// ValidateCredentials checks secret against the account's bcrypt hash.
func (p *StaticProvider) ValidateCredentials(ctx context.Context, loginID, secret string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	acct, ok := p.accounts[loginID]
	sess, hasSession := p.sessions[loginID]
	p.mu.Unlock()

	if !ok {
		p.hasher.CompareUnknown([]byte(secret))
		return &Result{Diagnostic: "Invalid login: unknown user or wrong password"}, nil
	}
	if err := p.hasher.Compare(acct.PasswordHash, []byte(secret)); err != nil {
		return &Result{Diagnostic: "Invalid login: unknown user or wrong password"}, nil
	}

	payload := Payload{LoginID: loginID}
	for _, pr := range acct.Proposals {
		payload.ProposalList = append(payload.ProposalList, ProposalEntry{Proposal: pr, Person: acct.Person})
	}
	res := &Result{Valid: true, Payload: payload}
	switch {
	case hasSession:
		res.HasExistingSession = true
		res.Payload.Session = &sess
	case acct.ActiveSession:
		res.HasExistingSession = true
	}
	return res, nil
}

// CreateExternalSession opens an experiment session for the payload's login.
func (p *StaticProvider) CreateExternalSession(ctx context.Context, payload Payload) (Payload, error) {
	if err := ctx.Err(); err != nil {
		return payload, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.accounts[payload.LoginID]
	if !ok {
		return payload, fmt.Errorf("lims: no account %q", payload.LoginID)
	}
	proposal := acct.Login
	if len(acct.Proposals) > 0 {
		proposal = acct.Proposals[0].Name()
	}
	sess := ExperimentSession{ID: uuid.New().String(), Proposal: proposal, StartedAt: p.now().UTC()}
	p.sessions[payload.LoginID] = sess
	payload.Session = &sess
	return payload, nil
}

// SelectAuthorizationContext records proposal as the beamline's active proposal.
func (p *StaticProvider) SelectAuthorizationContext(ctx context.Context, proposal string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.proposals[proposal] {
		return fmt.Errorf("%w: %s", ErrUnknownProposal, proposal)
	}
	p.selected = proposal
	return nil
}

// Selected returns the active proposal, or "" before any selection.
func (p *StaticProvider) Selected() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected
}
