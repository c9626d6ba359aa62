package registry

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/janteras/d-loop-sub001/pkg/auth"
)

// Manager owns the participant records. All getters return snapshots;
// callers never see a mutable reference.
type Manager struct {
	participants map[string]*Participant
	issuer       CredentialIssuer
	caps         *auth.Table
	logger       *zap.Logger
	mutex        sync.RWMutex
}

// NewManager creates an empty registry backed by the given credential
// issuer and capability table.
func NewManager(issuer CredentialIssuer, caps *auth.Table, logger *zap.Logger) *Manager {
	return &Manager{
		participants: make(map[string]*Participant),
		issuer:       issuer,
		caps:         caps,
		logger:       logger,
	}
}

// ValidAddress reports whether address is 0x followed by 40 hex characters.
func ValidAddress(address string) bool {
	if len(address) != 42 || !strings.HasPrefix(address, "0x") {
		return false
	}
	_, err := hex.DecodeString(address[2:])
	return err == nil
}

// Register creates an unverified, active participant record.
func (m *Manager) Register(address string, metadata map[string]string) error {
	if !ValidAddress(address) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.participants[address]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, address)
	}
	m.participants[address] = &Participant{
		Address:      address,
		RegisteredAt: time.Now().UTC(),
		Active:       true,
		Metadata:     metadata,
	}
	m.logger.Info("participant registered", zap.String("address", address))
	return nil
}

// Verify marks the participant verified and issues the external credential.
// The record is updated before the issuer call so a reentrant lookup sees
// the post-verification state.
func (m *Manager) Verify(verifier, address string) error {
	if err := m.caps.Require(verifier, auth.CapVerifier); err != nil {
		return err
	}
	m.mutex.Lock()
	p, exists := m.participants[address]
	if !exists {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, address)
	}
	if p.Verified {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyVerified, address)
	}
	p.Verified = true
	m.mutex.Unlock()

	if err := m.issuer.IssueCredential(address); err != nil {
		m.mutex.Lock()
		p.Verified = false
		m.mutex.Unlock()
		return fmt.Errorf("issue credential for %s: %w", address, err)
	}
	m.logger.Info("participant verified", zap.String("address", address), zap.String("verifier", verifier))
	return nil
}

// Revoke clears the verified flag and revokes the external credential.
func (m *Manager) Revoke(verifier, address string) error {
	if err := m.caps.Require(verifier, auth.CapVerifier); err != nil {
		return err
	}
	m.mutex.Lock()
	p, exists := m.participants[address]
	if !exists {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, address)
	}
	p.Verified = false
	m.mutex.Unlock()

	if err := m.issuer.RevokeCredential(address); err != nil {
		return fmt.Errorf("revoke credential for %s: %w", address, err)
	}
	m.logger.Info("participant credential revoked", zap.String("address", address))
	return nil
}

func (m *Manager) setActive(caller, address string, active bool) error {
	if err := m.caps.Require(caller, auth.CapGovernor); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	p, exists := m.participants[address]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotRegistered, address)
	}
	p.Active = active
	m.logger.Info("participant status changed", zap.String("address", address), zap.Bool("active", active))
	return nil
}

// Deactivate excludes the participant from voting and future reward rounds.
func (m *Manager) Deactivate(caller, address string) error {
	return m.setActive(caller, address, false)
}

// Reactivate restores the participant's eligibility.
func (m *Manager) Reactivate(caller, address string) error {
	return m.setActive(caller, address, true)
}

// SetReputation sets the participant's reputation score in [0, 100].
func (m *Manager) SetReputation(caller, address string, score int64) error {
	if err := m.caps.Require(caller, auth.CapVerifier); err != nil {
		return err
	}
	if score < 0 || score > 100 {
		return fmt.Errorf("%w: %d outside [0, 100]", ErrInvalidReputation, score)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	p, exists := m.participants[address]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotRegistered, address)
	}
	p.Reputation = score
	return nil
}

// Get returns a snapshot of the participant record.
func (m *Manager) Get(address string) (Participant, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	p, exists := m.participants[address]
	if !exists {
		return Participant{}, fmt.Errorf("%w: %s", ErrNotRegistered, address)
	}
	return snapshot(p), nil
}

// IsEligibleVoter reports whether address may vote: registered and active.
// Verification affects weight and class, not base eligibility.
func (m *Manager) IsEligibleVoter(address string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, exists := m.participants[address]
	return exists && p.Active
}

// IsVerified reports whether address holds a currently valid credential.
func (m *Manager) IsVerified(address string) bool {
	m.mutex.RLock()
	p, exists := m.participants[address]
	m.mutex.RUnlock()
	return exists && p.Verified && m.issuer.IsVerified(address)
}

// ReputationFactorBps returns the voting-weight multiplier for address in
// basis points: 10000 (neutral) plus 100 per reputation point, so a score
// of 50 doubles half the base weight.
func (m *Manager) ReputationFactorBps(address string) int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, exists := m.participants[address]
	if !exists {
		return 10000
	}
	return 10000 + p.Reputation*100
}

// Reputation returns the participant's reputation score.
func (m *Manager) Reputation(address string) (int64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, exists := m.participants[address]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrNotRegistered, address)
	}
	return p.Reputation, nil
}

// List returns snapshots of every participant, ordered by address.
func (m *Manager) List() []Participant {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]Participant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, snapshot(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func snapshot(p *Participant) Participant {
	copy := *p
	if p.Metadata != nil {
		copy.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			copy.Metadata[k] = v
		}
	}
	return copy
}
