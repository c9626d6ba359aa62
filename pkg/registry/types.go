// Package registry tracks protocol participants: registration, verification
// against the external credential issuer, activity status and reputation.
package registry

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyRegistered indicates a duplicate registration.
	ErrAlreadyRegistered = errors.New("participant already registered")

	// ErrNotRegistered indicates the address has no participant record.
	ErrNotRegistered = errors.New("participant not registered")

	// ErrAlreadyVerified indicates the participant already holds a credential.
	ErrAlreadyVerified = errors.New("participant already verified")

	// ErrInvalidAddress indicates a malformed participant address.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidReputation indicates a reputation score outside [0, 100].
	ErrInvalidReputation = errors.New("invalid reputation score")
)

// Participant is a snapshot of one participant record. Records are never
// deleted; deactivation flips Active so historical vote attribution
// survives.
type Participant struct {
	Address      string            `json:"address"`
	RegisteredAt time.Time         `json:"registered_at"`
	Verified     bool              `json:"verified"`
	Active       bool              `json:"active"`
	Reputation   int64             `json:"reputation"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CredentialIssuer is the external identity collaborator. Verification here
// triggers issuance of the non-transferable credential; the registry only
// ever reads it back through IsVerified.
type CredentialIssuer interface {
	IssueCredential(address string) error
	RevokeCredential(address string) error
	IsVerified(address string) bool
}
