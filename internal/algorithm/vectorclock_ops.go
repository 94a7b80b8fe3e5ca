package algorithm

import (
	"github.com/stratakv/strata/internal/model"
)

// VectorClockOps provides operations on vector clocks
type VectorClockOps struct{}

// NewVectorClockOps creates a new VectorClockOps
func NewVectorClockOps() *VectorClockOps {
	return &VectorClockOps{}
}

// Compare compares two vector clocks
func (v *VectorClockOps) Compare(vc1, vc2 model.VectorClock) model.VectorClockComparison {
	allBefore := true
	allAfter := true

	// Union of node IDs from both clocks
	allNodes := make(map[string]bool, len(vc1)+len(vc2))
	for nodeID := range vc1 {
		allNodes[nodeID] = true
	}
	for nodeID := range vc2 {
		allNodes[nodeID] = true
	}

	for nodeID := range allNodes {
		c1 := vc1[nodeID]
		c2 := vc2[nodeID]

		if c1 < c2 {
			allAfter = false
		} else if c1 > c2 {
			allBefore = false
		}
	}

	if allBefore && allAfter {
		return model.Identical
	}
	if allBefore {
		return model.Before
	}
	if allAfter {
		return model.After
	}
	return model.Concurrent
}

// Merge merges multiple vector clocks, taking the pairwise maximum
// counter for every node.
func (v *VectorClockOps) Merge(clocks ...model.VectorClock) model.VectorClock {
	merged := model.VectorClock{}

	for _, clock := range clocks {
		for nodeID, counter := range clock {
			if counter > merged[nodeID] {
				merged[nodeID] = counter
			}
		}
	}

	return merged
}

// Increment returns a copy of the clock with the given node's counter
// advanced by one. Only a node's own counter is ever incremented;
// foreign counters move solely through Merge.
func (v *VectorClockOps) Increment(vc model.VectorClock, nodeID string) model.VectorClock {
	next := vc.Clone()
	next[nodeID]++
	return next
}

// Dominates reports whether vc1 is causally at or after vc2.
func (v *VectorClockOps) Dominates(vc1, vc2 model.VectorClock) bool {
	switch v.Compare(vc1, vc2) {
	case model.After, model.Identical:
		return true
	default:
		return false
	}
}
