// Package store provides the proposal/vote persistence backends: an
// in-memory store for tests and single-process nodes, and a sqlite store
// for durable deployments.
package store

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/janteras/d-loop-sub001/pkg/governance"
)

// MemoryStore is an in-memory implementation of governance.Store. All
// reads and writes copy, so callers never share mutable state with the
// store.
type MemoryStore struct {
	proposals map[string]*governance.Proposal
	votes     map[string]map[string]*governance.VoteRecord // proposalID -> voter
	voteLog   []*governance.VoteRecord
	mutex     sync.RWMutex
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: make(map[string]*governance.Proposal),
		votes:     make(map[string]map[string]*governance.VoteRecord),
	}
}

// SaveProposal upserts a proposal.
func (s *MemoryStore) SaveProposal(proposal *governance.Proposal) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.proposals[proposal.ID] = copyProposal(proposal)
	return nil
}

// GetProposal returns a copy of the proposal, or nil when absent.
func (s *MemoryStore) GetProposal(id string) (*governance.Proposal, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if proposal, exists := s.proposals[id]; exists {
		return copyProposal(proposal), nil
	}
	return nil, nil
}

// ListProposals returns copies of every proposal, newest first.
func (s *MemoryStore) ListProposals() ([]*governance.Proposal, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	proposals := make([]*governance.Proposal, 0, len(s.proposals))
	for _, proposal := range s.proposals {
		proposals = append(proposals, copyProposal(proposal))
	}
	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].CreatedAt.After(proposals[j].CreatedAt)
	})
	return proposals, nil
}

// ListProposalsByState returns copies of proposals in the given state.
func (s *MemoryStore) ListProposalsByState(state governance.ProposalState) ([]*governance.Proposal, error) {
	all, err := s.ListProposals()
	if err != nil {
		return nil, err
	}
	filtered := all[:0]
	for _, proposal := range all {
		if proposal.State == state {
			filtered = append(filtered, proposal)
		}
	}
	return filtered, nil
}

// AddVote stores a vote record, rejecting duplicates per (proposal, voter).
func (s *MemoryStore) AddVote(vote *governance.VoteRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	byVoter, ok := s.votes[vote.ProposalID]
	if !ok {
		byVoter = make(map[string]*governance.VoteRecord)
		s.votes[vote.ProposalID] = byVoter
	}
	if _, exists := byVoter[vote.Voter]; exists {
		return fmt.Errorf("%w: %s on proposal %s", governance.ErrAlreadyVoted, vote.Voter, vote.ProposalID)
	}
	stored := copyVote(vote)
	byVoter[vote.Voter] = stored
	s.voteLog = append(s.voteLog, stored)
	return nil
}

// GetVote returns the (proposal, voter) record, or nil when absent.
func (s *MemoryStore) GetVote(proposalID, voter string) (*governance.VoteRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if byVoter, ok := s.votes[proposalID]; ok {
		if vote, exists := byVoter[voter]; exists {
			return copyVote(vote), nil
		}
	}
	return nil, nil
}

// ListVotes returns copies of a proposal's votes in cast order.
func (s *MemoryStore) ListVotes(proposalID string) ([]*governance.VoteRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var out []*governance.VoteRecord
	for _, vote := range s.voteLog {
		if vote.ProposalID == proposalID {
			out = append(out, copyVote(vote))
		}
	}
	return out, nil
}

// VotesBetween returns copies of every vote cast in [from, to).
func (s *MemoryStore) VotesBetween(from, to time.Time) ([]*governance.VoteRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var out []*governance.VoteRecord
	for _, vote := range s.voteLog {
		if !vote.Timestamp.Before(from) && vote.Timestamp.Before(to) {
			out = append(out, copyVote(vote))
		}
	}
	return out, nil
}

func copyProposal(p *governance.Proposal) *governance.Proposal {
	copy := *p
	copy.VotesFor = new(big.Int).Set(p.VotesFor)
	copy.VotesAgainst = new(big.Int).Set(p.VotesAgainst)
	if p.Payload != nil {
		copy.Payload = make(map[string]string, len(p.Payload))
		for k, v := range p.Payload {
			copy.Payload[k] = v
		}
	}
	return &copy
}

func copyVote(v *governance.VoteRecord) *governance.VoteRecord {
	copy := *v
	copy.Weight = new(big.Int).Set(v.Weight)
	return &copy
}
