package index

import "github.com/caleberi/chunkmanager/chunk"

// matrixDim is the fixed size of the compatibility counter-matrix export
// (spec §6): goal values 0..10 against standard-copy counts 0..10,
// clamped at the edges.
const matrixDim = 11

// CounterMatrix is an 11x11 goal-by-standard-copy-count cell count,
// matching the wire shape of the compatibility counter-matrix export.
type CounterMatrix [matrixDim][matrixDim]uint32

func clampMatrixIndex(v int) int {
	if v < 0 {
		return 0
	}
	if v >= matrixDim {
		return matrixDim - 1
	}
	return v
}

// Stats is the aggregate view over every chunk entry in an Index,
// recomputed on demand (spec §2, "aggregate counters").
type Stats struct {
	// AvailabilityByGoal[goal][availability] counts chunks at that goal in
	// that availability class.
	AvailabilityByGoal map[int]map[chunk.Availability]int

	// DeficitHistogram[n] counts chunks missing exactly n regular copies
	// relative to their goal's required replica count (ordinary goals only).
	DeficitHistogram map[int]int

	// AllCopies and RegularCopies are the compatibility counter-matrix
	// export: cell [goal][standardCopyCount] counts chunks at that goal
	// with that many standard copies, counting all alive copies and
	// regular (non-todel) copies respectively.
	AllCopies     CounterMatrix
	RegularCopies CounterMatrix

	TotalChunks int
}

// Recompute scans every entry in ix and rebuilds a fresh Stats snapshot.
// It is the index-level analogue of a chunk entry's own updateStats: O(n)
// in the number of tracked chunks, meant to be called periodically by a
// diagnostics loop rather than per-operation.
func Recompute(ix *Index) *Stats {
	s := &Stats{
		AvailabilityByGoal: make(map[int]map[chunk.Availability]int),
		DeficitHistogram:   make(map[int]int),
	}

	for _, e := range ix.All() {
		s.TotalChunks++

		goal := int(e.Goal)
		if s.AvailabilityByGoal[goal] == nil {
			s.AvailabilityByGoal[goal] = make(map[chunk.Availability]int)
		}
		s.AvailabilityByGoal[goal][e.Availability()]++

		all, regular := standardCopyCounts(e)
		gi := clampMatrixIndex(goal)
		s.AllCopies[gi][clampMatrixIndex(all)]++
		s.RegularCopies[gi][clampMatrixIndex(regular)]++

		if e.Goal.IsOrdinary() {
			deficit := e.Goal.RequiredParts() - regular
			if deficit < 0 {
				deficit = 0
			}
			s.DeficitHistogram[deficit]++
		}
	}

	return s
}

// standardCopyCounts returns (all, regular) counts of standard-type
// copies matching the entry's current version: all alive copies, and the
// subset that also count as "regular" (not todel).
func standardCopyCounts(e *chunk.Entry) (all, regular int) {
	for _, c := range e.Copies {
		if c.Type.XOR || c.Version != e.Version {
			continue
		}
		if !c.IsAlive() {
			continue
		}
		all++
		if c.IsRegular() {
			regular++
		}
	}
	return all, regular
}
