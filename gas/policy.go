package gas

import (
	"fmt"

	"github.com/holiman/uint256"
)

// PolicyType selects how much interchain gas must have been paid on the
// origin chain before a message is eligible for delivery.
type PolicyType string

const (
	// PolicyNone relays every message regardless of payment.
	PolicyNone PolicyType = "none"
	// PolicyMinimum requires the accrued payment to reach a fixed threshold.
	PolicyMinimum PolicyType = "minimum"
	// PolicyMeetsEstimatedCost requires the accrued payment, valued in
	// origin-chain native token, to cover the estimated delivery cost on
	// the destination chain.
	PolicyMeetsEstimatedCost PolicyType = "meets-estimated-cost"
)

func PolicyFromString(s string) (PolicyType, error) {
	switch PolicyType(s) {
	case PolicyNone, PolicyMinimum, PolicyMeetsEstimatedCost:
		return PolicyType(s), nil
	}
	return "", fmt.Errorf("unknown gas payment policy %q", s)
}

// Policy holds the parameters of one configured payment policy. Minimum is
// only consulted for PolicyMinimum.
type Policy struct {
	Type    PolicyType
	Minimum *uint256.Int
}

func NonePolicy() Policy {
	return Policy{Type: PolicyNone}
}

func MinimumPolicy(minimum *uint256.Int) Policy {
	return Policy{Type: PolicyMinimum, Minimum: minimum}
}

func MeetsEstimatedCostPolicy() Policy {
	return Policy{Type: PolicyMeetsEstimatedCost}
}
