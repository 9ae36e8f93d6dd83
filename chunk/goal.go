package chunk

import "github.com/caleberi/chunkmanager/common"

// goalTable is the per-entry histogram of referencing files by goal. It
// backs Entry's fcount/ftab/goal bookkeeping (spec §4.1, invariant 4).
type goalTable struct {
	counts           map[common.Goal]uint32 // every distinct goal currently referencing the chunk
	lastOrdinaryGoal common.Goal             // sticky memory for the XOR-only-multi case
}

func newGoalTable() *goalTable {
	return &goalTable{counts: make(map[common.Goal]uint32)}
}

func (t *goalTable) fcount() uint32 {
	var n uint32
	for _, c := range t.counts {
		n += c
	}
	return n
}

func (t *goalTable) add(g common.Goal) {
	t.counts[g]++
}

// remove decrements the reference count for g. It reports false if g had
// no outstanding reference to remove.
func (t *goalTable) remove(g common.Goal) bool {
	if t.counts[g] == 0 {
		return false
	}
	t.counts[g]--
	if t.counts[g] == 0 {
		delete(t.counts, g)
	}
	return true
}

// distinctOrdinary returns the number of distinct ordinary goals with a
// non-zero reference count.
func (t *goalTable) distinctOrdinary() int {
	n := 0
	for g, c := range t.counts {
		if c > 0 && g.IsOrdinary() {
			n++
		}
	}
	return n
}

func (t *goalTable) distinctTotal() int {
	return len(t.counts)
}

// effective computes the chunk's effective goal and, when materialized,
// the ordinary-only ftab view exposed on Entry (spec §4.1).
func (t *goalTable) effective() (goal common.Goal, ftab map[common.Goal]uint32) {
	n := t.fcount()
	switch {
	case n == 0:
		return common.NoGoal, nil

	case t.distinctTotal() == 1:
		// Either fcount==1, or fcount>=2 with every reference sharing one goal.
		for g := range t.counts {
			if g.IsOrdinary() {
				t.lastOrdinaryGoal = g
			}
			return g, nil
		}
	}

	if t.distinctOrdinary() >= 2 {
		ftab = make(map[common.Goal]uint32, t.distinctOrdinary())
		var max common.Goal
		for g, c := range t.counts {
			if c == 0 || !g.IsOrdinary() {
				continue
			}
			ftab[g] = c
			if g > max {
				max = g
			}
		}
		t.lastOrdinaryGoal = max
		return max, ftab
	}

	// fcount>=2, at most one distinct ordinary goal present.
	for g, c := range t.counts {
		if c > 0 && g.IsOrdinary() {
			t.lastOrdinaryGoal = g
			return g, nil
		}
	}
	// No ordinary reference at all: goal sticks at its last ordinary value.
	return t.lastOrdinaryGoal, nil
}
