package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/janteras/d-loop-sub001/pkg/governance"
)

const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	id              TEXT PRIMARY KEY,
	proposer        TEXT NOT NULL,
	type            TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL,
	payload         TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	voting_deadline INTEGER NOT NULL,
	votes_for       TEXT NOT NULL,
	votes_against   TEXT NOT NULL,
	quorum_bps      INTEGER NOT NULL,
	verified_only   INTEGER NOT NULL,
	state           INTEGER NOT NULL,
	execution_error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS votes (
	proposal_id TEXT NOT NULL,
	voter       TEXT NOT NULL,
	support     INTEGER NOT NULL,
	weight      TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	PRIMARY KEY (proposal_id, voter)
);
CREATE INDEX IF NOT EXISTS votes_by_time ON votes (timestamp);
`

// SQLiteStore is the durable governance.Store. Timestamps are stored as
// UTC unix milliseconds; big.Int tallies and weights as decimal strings.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the store at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// SaveProposal upserts a proposal.
func (s *SQLiteStore) SaveProposal(p *governance.Proposal) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	verifiedOnly := 0
	if p.VerifiedOnly {
		verifiedOnly = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO proposals (
			id, proposer, type, title, description, payload,
			created_at, voting_deadline, votes_for, votes_against,
			quorum_bps, verified_only, state, execution_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			votes_for = excluded.votes_for,
			votes_against = excluded.votes_against,
			state = excluded.state,
			execution_error = excluded.execution_error`,
		p.ID, p.Proposer, string(p.Type), p.Title, p.Description, string(payload),
		toMillis(p.CreatedAt), toMillis(p.VotingDeadline),
		p.VotesFor.String(), p.VotesAgainst.String(),
		p.QuorumBps, verifiedOnly, int(p.State), p.ExecutionError)
	if err != nil {
		return fmt.Errorf("save proposal %s: %w", p.ID, err)
	}
	return nil
}

func scanProposal(row interface {
	Scan(dest ...any) error
}) (*governance.Proposal, error) {
	var (
		p            governance.Proposal
		proposalType string
		payload      string
		createdAt    int64
		deadline     int64
		votesFor     string
		votesAgainst string
		verifiedOnly int
		state        int
	)
	err := row.Scan(&p.ID, &p.Proposer, &proposalType, &p.Title, &p.Description, &payload,
		&createdAt, &deadline, &votesFor, &votesAgainst,
		&p.QuorumBps, &verifiedOnly, &state, &p.ExecutionError)
	if err != nil {
		return nil, err
	}
	p.Type = governance.ProposalType(proposalType)
	p.CreatedAt = fromMillis(createdAt)
	p.VotingDeadline = fromMillis(deadline)
	p.VerifiedOnly = verifiedOnly != 0
	p.State = governance.ProposalState(state)
	if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	var ok bool
	if p.VotesFor, ok = new(big.Int).SetString(votesFor, 10); !ok {
		return nil, fmt.Errorf("corrupt votes_for %q", votesFor)
	}
	if p.VotesAgainst, ok = new(big.Int).SetString(votesAgainst, 10); !ok {
		return nil, fmt.Errorf("corrupt votes_against %q", votesAgainst)
	}
	return &p, nil
}

const proposalColumns = `id, proposer, type, title, description, payload,
	created_at, voting_deadline, votes_for, votes_against,
	quorum_bps, verified_only, state, execution_error`

// GetProposal returns the proposal, or nil when absent.
func (s *SQLiteStore) GetProposal(id string) (*governance.Proposal, error) {
	row := s.db.QueryRow(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	proposal, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal %s: %w", id, err)
	}
	return proposal, nil
}

func (s *SQLiteStore) queryProposals(query string, args ...any) ([]*governance.Proposal, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()
	var out []*governance.Proposal
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, proposal)
	}
	return out, rows.Err()
}

// ListProposals returns every proposal, newest first.
func (s *SQLiteStore) ListProposals() ([]*governance.Proposal, error) {
	return s.queryProposals(`SELECT ` + proposalColumns + ` FROM proposals ORDER BY created_at DESC`)
}

// ListProposalsByState returns proposals in the given state, newest first.
func (s *SQLiteStore) ListProposalsByState(state governance.ProposalState) ([]*governance.Proposal, error) {
	return s.queryProposals(`SELECT `+proposalColumns+` FROM proposals WHERE state = ? ORDER BY created_at DESC`, int(state))
}

// AddVote inserts a vote record; the primary key rejects duplicates.
func (s *SQLiteStore) AddVote(v *governance.VoteRecord) error {
	support := 0
	if v.Support {
		support = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO votes (proposal_id, voter, support, weight, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		v.ProposalID, v.Voter, support, v.Weight.String(), toMillis(v.Timestamp))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s on proposal %s", governance.ErrAlreadyVoted, v.Voter, v.ProposalID)
		}
		return fmt.Errorf("add vote: %w", err)
	}
	return nil
}

func scanVote(rows *sql.Rows) (*governance.VoteRecord, error) {
	var (
		v         governance.VoteRecord
		support   int
		weight    string
		timestamp int64
	)
	if err := rows.Scan(&v.ProposalID, &v.Voter, &support, &weight, &timestamp); err != nil {
		return nil, err
	}
	v.Support = support != 0
	v.Timestamp = fromMillis(timestamp)
	var ok bool
	if v.Weight, ok = new(big.Int).SetString(weight, 10); !ok {
		return nil, fmt.Errorf("corrupt weight %q", weight)
	}
	return &v, nil
}

func (s *SQLiteStore) queryVotes(query string, args ...any) ([]*governance.VoteRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query votes: %w", err)
	}
	defer rows.Close()
	var out []*governance.VoteRecord
	for rows.Next() {
		vote, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out = append(out, vote)
	}
	return out, rows.Err()
}

// GetVote returns the (proposal, voter) record, or nil when absent.
func (s *SQLiteStore) GetVote(proposalID, voter string) (*governance.VoteRecord, error) {
	votes, err := s.queryVotes(`
		SELECT proposal_id, voter, support, weight, timestamp
		FROM votes WHERE proposal_id = ? AND voter = ?`, proposalID, voter)
	if err != nil {
		return nil, err
	}
	if len(votes) == 0 {
		return nil, nil
	}
	return votes[0], nil
}

// ListVotes returns a proposal's votes in cast order.
func (s *SQLiteStore) ListVotes(proposalID string) ([]*governance.VoteRecord, error) {
	return s.queryVotes(`
		SELECT proposal_id, voter, support, weight, timestamp
		FROM votes WHERE proposal_id = ? ORDER BY timestamp ASC`, proposalID)
}

// VotesBetween returns every vote cast in [from, to).
func (s *SQLiteStore) VotesBetween(from, to time.Time) ([]*governance.VoteRecord, error) {
	return s.queryVotes(`
		SELECT proposal_id, voter, support, weight, timestamp
		FROM votes WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC`,
		toMillis(from), toMillis(to))
}
