// Package validator checks proposal payloads before a proposal opens for
// voting, so malformed actions are rejected at creation instead of failing
// at execution.
package validator

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/janteras/d-loop-sub001/pkg/governance"
	"github.com/janteras/d-loop-sub001/pkg/registry"
)

// DefaultValidator implements governance.ProposalValidator.
type DefaultValidator struct{}

// New creates the default proposal validator.
func New() *DefaultValidator {
	return &DefaultValidator{}
}

// ValidateProposal checks the payload for the proposal's type.
func (v *DefaultValidator) ValidateProposal(proposal *governance.Proposal) error {
	switch proposal.Type {
	case governance.ProposalTypeParamChange:
		return v.validateParamChange(proposal)
	case governance.ProposalTypeTreasuryTransfer:
		return v.validateTreasuryTransfer(proposal)
	case governance.ProposalTypeNodeAdmission:
		return v.validateNodeAdmission(proposal)
	case governance.ProposalTypeText:
		return nil
	default:
		return fmt.Errorf("unknown proposal type: %s", proposal.Type)
	}
}

func (v *DefaultValidator) validateParamChange(proposal *governance.Proposal) error {
	target, ok := proposal.Payload["target"]
	if !ok {
		return fmt.Errorf("param change target is required")
	}
	switch target {
	case "fees", "rewards":
		// Field values are range-checked by the authorized setters; here we
		// only require that integer fields parse.
		for key, raw := range proposal.Payload {
			if key == "target" || key == "vesting_duration" || key == "period_length" {
				continue
			}
			if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
				return fmt.Errorf("field %s: %q is not an integer", key, raw)
			}
		}
		return nil
	case "voting_policy":
		if _, ok := proposal.Payload["proposal_type"]; !ok {
			return fmt.Errorf("proposal_type is required")
		}
		if _, err := time.ParseDuration(proposal.Payload["voting_window"]); err != nil {
			return fmt.Errorf("invalid voting_window %q", proposal.Payload["voting_window"])
		}
		if _, err := strconv.ParseInt(proposal.Payload["quorum_bps"], 10, 64); err != nil {
			return fmt.Errorf("invalid quorum_bps %q", proposal.Payload["quorum_bps"])
		}
		return nil
	default:
		return fmt.Errorf("unknown param change target: %s", target)
	}
}

func (v *DefaultValidator) validateTreasuryTransfer(proposal *governance.Proposal) error {
	if !registry.ValidAddress(proposal.Payload["recipient"]) {
		return fmt.Errorf("invalid recipient address %q", proposal.Payload["recipient"])
	}
	amount, ok := new(big.Int).SetString(proposal.Payload["amount"], 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("invalid amount %q", proposal.Payload["amount"])
	}
	if proposal.Payload["token"] == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

func (v *DefaultValidator) validateNodeAdmission(proposal *governance.Proposal) error {
	if !registry.ValidAddress(proposal.Payload["address"]) {
		return fmt.Errorf("invalid node address %q", proposal.Payload["address"])
	}
	return nil
}
