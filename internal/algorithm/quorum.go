package algorithm

import (
	"github.com/stratakv/strata/internal/model"
)

// QuorumCalculator calculates quorum requirements
type QuorumCalculator struct{}

// NewQuorumCalculator creates a new quorum calculator
func NewQuorumCalculator() *QuorumCalculator {
	return &QuorumCalculator{}
}

// CalculateMajority returns the simple majority for a replica set
func (q *QuorumCalculator) CalculateMajority(totalNodes int) int {
	return (totalNodes / 2) + 1
}

// RequiredAcks returns the number of acknowledgements a write or read
// needs under the given consistency level. configured is the operator
// supplied quorum; zero or negative falls back to a simple majority.
// Strong consistency never requires more acks than there are nodes and
// never fewer than one.
func (q *QuorumCalculator) RequiredAcks(level model.ConsistencyLevel, totalNodes, configured int) int {
	switch level {
	case model.ConsistencyStrong:
		required := configured
		if required <= 0 {
			required = q.CalculateMajority(totalNodes)
		}
		if required > totalNodes {
			required = totalNodes
		}
		if required < 1 {
			required = 1
		}
		return required
	default:
		// Eventual and causal acknowledge after the local apply.
		return 1
	}
}

// IsQuorumReached checks if quorum is reached
func (q *QuorumCalculator) IsQuorumReached(ackCount, required int) bool {
	return ackCount >= required
}
