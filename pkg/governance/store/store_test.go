package store_test

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janteras/d-loop-sub001/pkg/governance"
	"github.com/janteras/d-loop-sub001/pkg/governance/store"
)

func newProposal(id string, state governance.ProposalState, createdAt time.Time) *governance.Proposal {
	return &governance.Proposal{
		ID:             id,
		Proposer:       "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Type:           governance.ProposalTypeText,
		Title:          "title " + id,
		Description:    "description",
		Payload:        map[string]string{"note": id},
		CreatedAt:      createdAt,
		VotingDeadline: createdAt.Add(48 * time.Hour),
		VotesFor:       big.NewInt(0),
		VotesAgainst:   big.NewInt(0),
		QuorumBps:      3000,
		State:          state,
	}
}

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, s governance.Store) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	got, err := s.GetProposal("missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	p1 := newProposal("p1", governance.StateActive, base)
	p2 := newProposal("p2", governance.StateActive, base.Add(time.Minute))
	require.NoError(t, s.SaveProposal(p1))
	require.NoError(t, s.SaveProposal(p2))

	got, err = s.GetProposal("p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "title p1", got.Title)
	assert.Equal(t, map[string]string{"note": "p1"}, got.Payload)
	assert.True(t, got.CreatedAt.Equal(base))

	// Stored state is isolated from caller mutation.
	got.Title = "mutated"
	got.VotesFor.SetInt64(999)
	again, err := s.GetProposal("p1")
	require.NoError(t, err)
	assert.Equal(t, "title p1", again.Title)
	assert.Equal(t, "0", again.VotesFor.String())

	all, err := s.ListProposals()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "p2", all[0].ID)

	// Upsert: tally and state changes persist.
	p1.VotesFor = big.NewInt(4100)
	p1.State = governance.StateSucceeded
	require.NoError(t, s.SaveProposal(p1))
	got, err = s.GetProposal("p1")
	require.NoError(t, err)
	assert.Equal(t, governance.StateSucceeded, got.State)
	assert.Equal(t, "4100", got.VotesFor.String())

	active, err := s.ListProposalsByState(governance.StateActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "p2", active[0].ID)

	v1 := &governance.VoteRecord{
		ProposalID: "p1",
		Voter:      "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Support:    true,
		Weight:     big.NewInt(4100),
		Timestamp:  base.Add(time.Hour),
	}
	v2 := &governance.VoteRecord{
		ProposalID: "p2",
		Voter:      "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Support:    false,
		Weight:     big.NewInt(200),
		Timestamp:  base.Add(2 * time.Hour),
	}
	require.NoError(t, s.AddVote(v1))
	require.NoError(t, s.AddVote(v2))

	dup := &governance.VoteRecord{
		ProposalID: "p1",
		Voter:      "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Support:    false,
		Weight:     big.NewInt(1),
		Timestamp:  base.Add(3 * time.Hour),
	}
	assert.ErrorIs(t, s.AddVote(dup), governance.ErrAlreadyVoted)

	vote, err := s.GetVote("p1", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	require.NotNil(t, vote)
	assert.True(t, vote.Support)
	assert.Equal(t, "4100", vote.Weight.String())

	vote, err = s.GetVote("p1", "0xcccccccccccccccccccccccccccccccccccccccc")
	require.NoError(t, err)
	assert.Nil(t, vote)

	votes, err := s.ListVotes("p1")
	require.NoError(t, err)
	require.Len(t, votes, 1)

	// Half-open window: the upper bound is excluded.
	window, err := s.VotesBetween(base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "p1", window[0].ProposalID)

	window, err = s.VotesBetween(base, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, store.NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "governance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	runStoreSuite(t, s)
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governance.db")
	s, err := store.OpenSQLite(path)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveProposal(newProposal("p1", governance.StateActive, base)))
	require.NoError(t, s.AddVote(&governance.VoteRecord{
		ProposalID: "p1",
		Voter:      "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Support:    true,
		Weight:     big.NewInt(7),
		Timestamp:  base,
	}))
	require.NoError(t, s.Close())

	s, err = store.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	got, err := s.GetProposal("p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CreatedAt.Equal(base))

	vote, err := s.GetVote("p1", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	require.NotNil(t, vote)
	assert.Equal(t, "7", vote.Weight.String())
}
