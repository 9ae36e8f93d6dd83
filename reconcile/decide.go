package reconcile

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/caleberi/chunkmanager/chunk"
	"github.com/caleberi/chunkmanager/common"
)

// decideParams is the read-only context the per-chunk decision procedure
// needs, assembled once per Tick (spec §4.4: "called with (chunk,
// usable-server-count, min-usage, max-usage)").
type decideParams struct {
	UsableCount          int
	MinUsage, MaxUsage   float64
	AllowReplication     bool
	MaxWriteRepl         int
	MaxReadRepl          int
	AcceptableDifference float64
	DisableDelete        bool
	SkipRebalance        bool
}

// decide runs the nine-case per-chunk decision procedure against e,
// evaluating cases in order and stopping at the first that fires (spec
// §4.4). It is a method of Worker because several cases dispatch registry
// commands and consult the worker's adaptive delete budget.
func (w *Worker) decide(ctx context.Context, e *chunk.Entry, p decideParams) {
	// Case 1: refresh cache.
	e.UpdateStats()

	valid, busy, todel, tdbusy, invalid := classifyCopies(e)

	// Case 2: only invalid copies survive, and the chunk is still
	// referenced: this needs a human, not another delete attempt.
	if valid+busy+todel+tdbusy == 0 && invalid > 0 && e.FCount() > 0 {
		log.Warn().Uint64("chunk", uint64(e.ID)).Msg("chunk has only invalid copies, manual repair needed")
		return
	}

	// Case 3: delete invalid copies, budget permitting. Does not return:
	// an invalid copy says nothing about whether the chunk is also
	// under-goal.
	if !p.DisableDelete {
		for _, c := range e.Copies {
			if c.State == chunk.CopyInvalid {
				w.tryDelete(e, c)
			}
		}
		e.UpdateStats()
	}

	// Case 4: an operation is in flight, or the chunk is under a write
	// lease, wait.
	if e.Operation != chunk.OpNone || e.IsLocked(common.Now()) {
		return
	}

	// Case 5: a busy copy with no recorded operation is a structural
	// inconsistency worth logging, not acting on.
	for _, c := range e.Copies {
		if c.IsBusy() {
			log.Warn().Uint64("chunk", uint64(e.ID)).Msg("copy busy with no operation in flight")
			return
		}
	}

	// Case 6: orphan chunk, no file references it; delete every
	// surviving copy, budget permitting.
	if e.FCount() == 0 {
		for _, c := range e.Copies {
			if c.State == chunk.CopyValid {
				w.tryDelete(e, c)
			}
		}
		return
	}

	if e.Goal == common.NoGoal {
		return
	}

	required := common.GoalParts(e.Goal)
	current := make(map[common.ChunkType]int, len(required))
	hasXORCopy := false
	for _, c := range e.Copies {
		if c.IsAlive() && c.Version == e.Version {
			current[c.Type]++
		}
		if c.Type.XOR {
			hasXORCopy = true
		}
	}

	// Case 7a: under-goal. One replication per chunk per visit.
	if p.AllowReplication {
		for _, rt := range required {
			need := 1
			if !e.Goal.IsXOR() {
				need = e.Goal.RequiredParts()
			}
			if current[rt] >= need {
				continue
			}
			done := w.replicateUnderGoal(ctx, e, rt, p)
			w.mu.Lock()
			if done {
				w.underGoalCompletedThisTick = true
			} else {
				w.underGoalNotDoneThisTick = true
			}
			w.mu.Unlock()
			return
		}
	}

	// Case 7b: over-goal, some regular part has surplus copies. Only
	// meaningful for an ordinary goal (an XOR scheme's parts are each
	// wanted exactly once).
	if !e.Goal.IsXOR() {
		surplus := current[common.StandardType] - e.Goal.RequiredParts()
		if surplus > 0 {
			if w.deleteOverGoalCopy(ctx, e, p) {
				return
			}
		}
	}

	// Case 7c: disk cleanup, every usable server already holds a copy,
	// some are todel, ordinary goal with no XOR copies present.
	if !e.Goal.IsXOR() && !hasXORCopy && len(e.Copies) >= p.UsableCount && p.UsableCount > 0 {
		for _, c := range e.Copies {
			if c.State == chunk.CopyTodel {
				if w.tryDelete(e, c) {
					return
				}
			}
		}
	}

	// Case 8: throttling gate, skip rebalance if the previous tick saw
	// both a completed and an incomplete under-goal replication.
	if p.SkipRebalance {
		return
	}

	// Case 9: rebalance. It issues a replication, so like case 7a it waits
	// out the disconnect grace window.
	if !p.AllowReplication {
		return
	}
	w.rebalance(ctx, e, p)
}

// classifyCopies tallies a chunk's copies by state, for case 2's "only
// invalid copies survive" check.
func classifyCopies(e *chunk.Entry) (valid, busy, todel, tdbusy, invalid int) {
	for _, c := range e.Copies {
		switch c.State {
		case chunk.CopyValid:
			valid++
		case chunk.CopyBusy:
			busy++
		case chunk.CopyTodel:
			todel++
		case chunk.CopyTdBusy:
			tdbusy++
		case chunk.CopyInvalid:
			invalid++
		}
	}
	return
}

// replicateUnderGoal picks a destination for the missing part rt and
// dispatches a replication, preferring the modern multi-source call when
// every live source is new enough to support it (spec §4.4 case 7a).
func (w *Worker) replicateUnderGoal(ctx context.Context, e *chunk.Entry, rt common.ChunkType, p decideParams) bool {
	candidates := w.reg.GetServersLessRepl(ctx, p.MaxWriteRepl)

	var dest common.ServerID
	found := false
	for _, s := range candidates {
		if w.reg.HoldsChunk(s, e.ID) {
			continue
		}
		if rt.XOR {
			info, ok := w.reg.MachineInfo(s)
			if !ok || !common.VersionAtLeast(info.Version, common.MinChunkserverVersionForXOR) {
				continue
			}
		}
		dest = s
		found = true
		break
	}
	if !found {
		return false
	}

	var sources []common.ServerID
	modern := true
	for _, c := range e.Copies {
		if !c.IsAlive() || c.Version != e.Version {
			continue
		}
		info, ok := w.reg.MachineInfo(c.Server)
		if !ok || !common.VersionAtLeast(info.Version, common.MinChunkserverVersionForXOR) {
			modern = false
		}
		sources = append(sources, c.Server)
	}
	if len(sources) == 0 {
		return false
	}

	w.reg.IncrWriteRepl(dest)
	if modern {
		w.reg.SendLizReplicateChunk(e.ID, dest, rt, sources, e.Version)
	} else {
		src := sources[w.pick(len(sources))]
		w.reg.SendReplicateChunk(e.ID, dest, rt, src, e.Version)
	}

	e.LockID = 0
	e.NeedVerIncrease = true
	return true
}

// pick draws a uniform random index in [0,n) from the worker's rotation
// RNG, the same sink the bucket-rotation offset uses (spec §9 design
// notes: tie-breaking randomness need not be cryptographically strong).
func (w *Worker) pick(n int) int {
	if n <= 1 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotRand.Intn(n)
}

// deleteOverGoalCopy walks candidate servers in decreasing disk-usage
// order and deletes the first over-goal copy it finds whose delete budget
// permits it (spec §4.4 case 7b).
func (w *Worker) deleteOverGoalCopy(ctx context.Context, e *chunk.Entry, p decideParams) bool {
	ordered, _, _ := w.reg.GetServersOrdered(ctx, p.AcceptableDifference)
	for i := len(ordered) - 1; i >= 0; i-- {
		server := ordered[i]
		for _, c := range e.Copies {
			if c.Server == server && c.State == chunk.CopyValid {
				return w.tryDelete(e, c)
			}
		}
	}
	return false
}

// rebalance issues one disk-usage-levelling replication when the chunk has
// at least one and at most goal valid copies and the cluster's usage spread exceeds the
// acceptable difference (spec §4.4 case 9).
func (w *Worker) rebalance(ctx context.Context, e *chunk.Entry, p decideParams) {
	validCount := 0
	for _, c := range e.Copies {
		if c.IsAlive() && c.Version == e.Version {
			validCount++
		}
	}
	if int(e.Goal) < validCount || validCount == 0 {
		return
	}
	if p.MaxUsage-p.MinUsage <= p.AcceptableDifference {
		return
	}

	ordered, _, _ := w.reg.GetServersOrdered(ctx, p.AcceptableDifference)
	if len(ordered) < 2 {
		return
	}

	var source common.ServerID
	foundSource := false
	for i := len(ordered) - 1; i >= 0; i-- {
		s := ordered[i]
		if w.reg.ReadReplInFlight(s) >= p.MaxReadRepl {
			continue
		}
		holdsAlive := false
		for _, c := range e.Copies {
			if c.Server == s && (c.State == chunk.CopyValid || c.State == chunk.CopyTodel) {
				holdsAlive = true
				break
			}
		}
		if holdsAlive {
			source = s
			foundSource = true
			break
		}
	}
	if !foundSource {
		return
	}

	var dest common.ServerID
	foundDest := false
	for _, s := range ordered {
		if s == source || w.reg.HoldsChunk(s, e.ID) {
			continue
		}
		if w.reg.WriteReplInFlight(s) >= p.MaxWriteRepl {
			continue
		}
		dest = s
		foundDest = true
		break
	}
	if !foundDest {
		return
	}

	w.reg.IncrReadRepl(source)
	w.reg.IncrWriteRepl(dest)
	w.reg.SendReplicateChunk(e.ID, dest, common.StandardType, source, e.Version)

	w.mu.Lock()
	w.rebalanceCount++
	w.mu.Unlock()
}
