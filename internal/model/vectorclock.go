package model

// VectorClock tracks causality across nodes. Keys are node IDs, values
// are per-node logical counters.
type VectorClock map[string]uint64

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	if vc == nil {
		return VectorClock{}
	}
	c := make(VectorClock, len(vc))
	for node, counter := range vc {
		c[node] = counter
	}
	return c
}

// VectorClockComparison represents the result of comparing two vector clocks
type VectorClockComparison int

const (
	// Identical means both vector clocks are identical
	Identical VectorClockComparison = iota
	// Before means first happens before second
	Before
	// After means first happens after second
	After
	// Concurrent means neither dominates (siblings)
	Concurrent
)

func (c VectorClockComparison) String() string {
	switch c {
	case Identical:
		return "identical"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}
