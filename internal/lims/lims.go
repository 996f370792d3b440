// Package lims talks to the laboratory information system that validates credentials and
// owns proposals and their experiment sessions.
package lims

import (
	"context"
	"encoding/json"
	"time"
)

// Person is the proposal's principal investigator as reported by the LIMS.
type Person struct {
	FamilyName string `json:"familyName" yaml:"familyName"`
	GivenName  string `json:"givenName,omitempty" yaml:"givenName"`
}

// Proposal identifies an authorization context. Its id on the beamline is Code+Number.
type Proposal struct {
	Code       string `json:"code" yaml:"code"`
	Number     string `json:"number" yaml:"number"`
	ProposalID int64  `json:"proposalId" yaml:"id"`
	Title      string `json:"title" yaml:"title"`
}

// Name returns the proposal's beamline identifier, e.g. "mx415".
func (p Proposal) Name() string { return p.Code + p.Number }

// ProposalEntry pairs a proposal with its person.
type ProposalEntry struct {
	Proposal Proposal `json:"Proposal"`
	Person   Person   `json:"Person"`
}

// ExperimentSession is the LIMS session a login is attached to.
type ExperimentSession struct {
	ID        string    `json:"sessionId"`
	Proposal  string    `json:"proposal"`
	StartedAt time.Time `json:"startedAt"`
}

// Payload is what the LIMS returns on login. It is stored verbatim on the session record.
type Payload struct {
	LoginID      string             `json:"loginId"`
	ProposalList []ProposalEntry    `json:"proposalList"`
	Session      *ExperimentSession `json:"session,omitempty"`
}

// Marshal encodes p for the session record.
func (p Payload) Marshal() (json.RawMessage, error) {
	return json.Marshal(p)
}

// ParsePayload decodes a stored payload. Empty input yields an empty payload.
func ParsePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, nil
	}
	err := json.Unmarshal(raw, &p)
	return p, err
}

// Result is the verdict on presented credentials.
type Result struct {
	Valid              bool
	HasExistingSession bool
	// Diagnostic explains an invalid login to the user.
	Diagnostic string
	Payload    Payload
}

// Provider is the identity and authorization provider consulted on login.
type Provider interface {
	ValidateCredentials(ctx context.Context, loginID, secret string) (*Result, error)
	// CreateExternalSession opens a LIMS session for a valid login that has none.
	CreateExternalSession(ctx context.Context, p Payload) (Payload, error)
	// SelectAuthorizationContext makes proposal the beamline's active context.
	SelectAuthorizationContext(ctx context.Context, proposal string) error
}
