// Package config loads node settings from the environment and protocol
// parameters from a yaml file.
package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/janteras/d-loop-sub001/pkg/fees"
	"github.com/janteras/d-loop-sub001/pkg/governance"
	"github.com/janteras/d-loop-sub001/pkg/rewards"
)

// Node holds the operational settings of one daemon instance.
type Node struct {
	ListenAddr   string `env:"DLOOP_LISTEN_ADDR" envDefault:":8080"`
	DataDir      string `env:"DLOOP_DATA_DIR" envDefault:"data"`
	DBPath       string `env:"DLOOP_DB_PATH"`
	AuditLogPath string `env:"DLOOP_AUDIT_LOG_PATH"`
	ParamsPath   string `env:"DLOOP_PARAMS_PATH"`
	Operator     string `env:"DLOOP_OPERATOR"`
	LogLevel     string `env:"DLOOP_LOG_LEVEL" envDefault:"info"`
}

// ParseEnv loads Node settings from environment variables.
func ParseEnv() (Node, error) {
	var node Node
	if err := env.Parse(&node); err != nil {
		return Node{}, fmt.Errorf("parse env: %w", err)
	}
	return node, nil
}

// Params are the governed protocol parameters. Sections and fields absent
// from the yaml file keep their launch defaults. Durations are strings in
// time.ParseDuration syntax ("48h", "4320h").
type Params struct {
	Fees    *feesYAML    `yaml:"fees"`
	Rewards *rewardsYAML `yaml:"rewards"`
	Voting  *votingYAML  `yaml:"voting"`
}

type feesYAML struct {
	InvestBps        *int64 `yaml:"invest_bps"`
	DivestBps        *int64 `yaml:"divest_bps"`
	RagequitBps      *int64 `yaml:"ragequit_bps"`
	TreasurySplitBps *int64 `yaml:"treasury_split_bps"`
	RewardSplitBps   *int64 `yaml:"reward_split_bps"`
}

type rewardsYAML struct {
	GovernanceShareBps   *int64  `yaml:"governance_share_bps"`
	AINodeShareBps       *int64  `yaml:"ai_node_share_bps"`
	VestingDuration      *string `yaml:"vesting_duration"`
	PeriodLength         *string `yaml:"period_length"`
	GovernanceToken      *string `yaml:"governance_token"`
	BudgetCapBps         *int64  `yaml:"budget_cap_bps"`
	PerParticipantCapBps *int64  `yaml:"per_participant_cap_bps"`
	BatchSize            *int    `yaml:"batch_size"`
}

type policyYAML struct {
	VotingWindow string `yaml:"voting_window"`
	QuorumBps    int64  `yaml:"quorum_bps"`
	VerifiedOnly bool   `yaml:"verified_only"`
}

type votingYAML struct {
	GovernanceToken       *string               `yaml:"governance_token"`
	MinProposerStake      *int64                `yaml:"min_proposer_stake"`
	MinProposerReputation *int64                `yaml:"min_proposer_reputation"`
	DefaultPolicy         *policyYAML           `yaml:"default_policy"`
	Policies              map[string]policyYAML `yaml:"policies"`
}

// LoadParams reads protocol parameters from path, overlaying them on the
// launch defaults. An empty path returns the defaults unchanged.
func LoadParams(path string) (fees.Config, rewards.Params, *governance.Config, error) {
	feeCfg := fees.DefaultConfig()
	rewardParams := rewards.DefaultParams()
	votingCfg := governance.DefaultConfig()
	if path == "" {
		return feeCfg, rewardParams, votingCfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fees.Config{}, rewards.Params{}, nil, fmt.Errorf("read params: %w", err)
	}
	var params Params
	if err := yaml.Unmarshal(raw, &params); err != nil {
		return fees.Config{}, rewards.Params{}, nil, fmt.Errorf("parse params: %w", err)
	}

	applyFees(&feeCfg, params.Fees)
	if err := applyRewards(&rewardParams, params.Rewards); err != nil {
		return fees.Config{}, rewards.Params{}, nil, err
	}
	if err := applyVoting(votingCfg, params.Voting); err != nil {
		return fees.Config{}, rewards.Params{}, nil, err
	}

	if err := feeCfg.Validate(); err != nil {
		return fees.Config{}, rewards.Params{}, nil, fmt.Errorf("fee params: %w", err)
	}
	if err := rewardParams.Validate(); err != nil {
		return fees.Config{}, rewards.Params{}, nil, fmt.Errorf("reward params: %w", err)
	}
	if err := votingCfg.Validate(); err != nil {
		return fees.Config{}, rewards.Params{}, nil, fmt.Errorf("voting params: %w", err)
	}
	return feeCfg, rewardParams, votingCfg, nil
}

func applyFees(cfg *fees.Config, section *feesYAML) {
	if section == nil {
		return
	}
	setInt64(&cfg.InvestBps, section.InvestBps)
	setInt64(&cfg.DivestBps, section.DivestBps)
	setInt64(&cfg.RagequitBps, section.RagequitBps)
	setInt64(&cfg.TreasurySplitBps, section.TreasurySplitBps)
	setInt64(&cfg.RewardSplitBps, section.RewardSplitBps)
}

func applyRewards(params *rewards.Params, section *rewardsYAML) error {
	if section == nil {
		return nil
	}
	setInt64(&params.GovernanceShareBps, section.GovernanceShareBps)
	setInt64(&params.AINodeShareBps, section.AINodeShareBps)
	setInt64(&params.BudgetCapBps, section.BudgetCapBps)
	setInt64(&params.PerParticipantCapBps, section.PerParticipantCapBps)
	if section.GovernanceToken != nil {
		params.GovernanceToken = *section.GovernanceToken
	}
	if section.BatchSize != nil {
		params.BatchSize = *section.BatchSize
	}
	if section.VestingDuration != nil {
		d, err := time.ParseDuration(*section.VestingDuration)
		if err != nil {
			return fmt.Errorf("invalid vesting_duration %q: %w", *section.VestingDuration, err)
		}
		params.VestingDuration = d
	}
	if section.PeriodLength != nil {
		d, err := time.ParseDuration(*section.PeriodLength)
		if err != nil {
			return fmt.Errorf("invalid period_length %q: %w", *section.PeriodLength, err)
		}
		params.PeriodLength = d
	}
	return nil
}

func applyVoting(cfg *governance.Config, section *votingYAML) error {
	if section == nil {
		return nil
	}
	if section.GovernanceToken != nil {
		cfg.GovernanceToken = *section.GovernanceToken
	}
	if section.MinProposerStake != nil {
		cfg.MinProposerStake = big.NewInt(*section.MinProposerStake)
	}
	setInt64(&cfg.MinProposerReputation, section.MinProposerReputation)
	if section.DefaultPolicy != nil {
		policy, err := toPolicy(*section.DefaultPolicy)
		if err != nil {
			return fmt.Errorf("default policy: %w", err)
		}
		cfg.DefaultPolicy = policy
	}
	for name, raw := range section.Policies {
		policy, err := toPolicy(raw)
		if err != nil {
			return fmt.Errorf("policy for %s: %w", name, err)
		}
		cfg.Policies[governance.ProposalType(name)] = policy
	}
	return nil
}

func toPolicy(raw policyYAML) (governance.Policy, error) {
	window, err := time.ParseDuration(raw.VotingWindow)
	if err != nil {
		return governance.Policy{}, fmt.Errorf("invalid voting_window %q: %w", raw.VotingWindow, err)
	}
	return governance.Policy{
		VotingWindow: window,
		QuorumBps:    raw.QuorumBps,
		VerifiedOnly: raw.VerifiedOnly,
	}, nil
}

func setInt64(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}
