// Package reconcile implements the background reconciliation worker: the
// single cooperative loop that scans the chunk hash table bucket by
// bucket and drives every chunk towards its goal (spec §4.4). Grounded on
// the teacher's master.go background-ticker goroutine (persistMetadataCheck
// / serverHealthCheck) and cs_manager.go's detectDeadServer/
// getReplicationMigrationList, generalized to the full nine-case per-chunk
// decision procedure the distilled spec carries over from
// _examples/original_source/src/master/chunks.cc.
package reconcile

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caleberi/chunkmanager/chunk"
	"github.com/caleberi/chunkmanager/common"
	"github.com/caleberi/chunkmanager/index"
	"github.com/caleberi/chunkmanager/registry"
)

// Worker is the reconciliation loop. One Worker owns the cursor over one
// Index and drives one Registry; it holds no per-chunk locks of its own,
// relying on chunk.Entry's own mutex for the fields it mutates in place.
type Worker struct {
	idx *index.Index
	reg *registry.Registry

	tunables atomic.Pointer[Tunables]

	startedAt time.Time

	mu sync.Mutex

	jobshpos uint64 // bucket cursor
	lap      int

	tmpMaxDel             int
	prevToDelete          int
	toDeleteThisLap       int
	deletesDoneThisLap    int
	deletesSkippedThisLap int

	prevUsable      int
	maxUsable       int
	jobsNoRepBefore common.UnixSeconds

	underGoalNotDoneThisTick   bool
	underGoalCompletedThisTick bool
	prevTickNotDone            bool
	prevTickCompleted          bool

	rebalanceCount uint64
	rotRand        *rand.Rand
}

// New builds a Worker over idx, driving reg, with the given starting
// tunables.
func New(idx *index.Index, reg *registry.Registry, t Tunables) *Worker {
	now := time.Now()
	w := &Worker{
		idx:       idx,
		reg:       reg,
		startedAt: now,
		tmpMaxDel: t.DeleteSoftLimit,
		rotRand:   rand.New(rand.NewSource(now.UnixNano() ^ 0x9e3779b9)),
	}
	w.tunables.Store(&t)
	return w
}

// SetTunables hot-swaps the live configuration (spec §4.7).
// The adaptive delete budget is clamped into the new soft/hard limits.
func (w *Worker) SetTunables(t Tunables) {
	w.tunables.Store(&t)
	w.mu.Lock()
	if w.tmpMaxDel < t.DeleteSoftLimit {
		w.tmpMaxDel = t.DeleteSoftLimit
	}
	if w.tmpMaxDel > t.DeleteHardLimit {
		w.tmpMaxDel = t.DeleteHardLimit
	}
	w.mu.Unlock()
}

// Tunables returns the currently active configuration.
func (w *Worker) Tunables() Tunables { return *w.tunables.Load() }

// RebalanceCount reports how many rebalance replications this worker has
// issued over its lifetime, for monitoring.
func (w *Worker) RebalanceCount() uint64 {
	return atomic.LoadUint64(&w.rebalanceCount)
}

// Run drives Tick on a ticker until ctx is cancelled, the same
// ticker-plus-select shape as the teacher's master.go background goroutine.
func (w *Worker) Run(ctx context.Context, tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass: up to HashSteps buckets, at most
// HashCPS chunk visits, honoring the startup and disconnect grace windows
// (spec §4.4). It is the unit exercised directly by tests.
func (w *Worker) Tick(ctx context.Context) {
	t := w.Tunables()
	if time.Since(w.startedAt) < t.ReplicationsDelayInit {
		return
	}

	usable := w.reg.UsableServers(ctx)
	usableCount := len(usable)
	minUsage, maxUsage, _, _ := w.reg.UsageDifference(ctx)

	w.mu.Lock()
	if usableCount < w.prevUsable {
		w.jobsNoRepBefore = common.Now() + common.UnixSeconds(t.ReplicationsDelayDisconnect.Seconds())
	} else if usableCount > w.maxUsable {
		w.maxUsable = usableCount
		w.jobsNoRepBefore = 0
	}
	w.prevUsable = usableCount
	allowReplication := w.jobsNoRepBefore == 0 || w.jobsNoRepBefore.Before(common.Now())
	// Case 8 throttling gate: the previous tick recorded both a completed
	// and an incomplete under-goal replication somewhere in its sweep.
	skipRebalance := w.underGoalBothLastTick()
	w.underGoalNotDoneThisTick = false
	w.underGoalCompletedThisTick = false
	w.mu.Unlock()

	p := decideParams{
		UsableCount:          usableCount,
		MinUsage:             minUsage,
		MaxUsage:             maxUsage,
		AllowReplication:     allowReplication,
		MaxWriteRepl:         t.MaxWriteRepl,
		MaxReadRepl:          t.MaxReadRepl,
		AcceptableDifference: t.AcceptableDifference,
		DisableDelete:        t.DisableDelete,
		SkipRebalance:        skipRebalance,
	}

	numBuckets := w.idx.NumBuckets()
	if numBuckets == 0 {
		return
	}

	budget := t.HashCPS
	for i := 0; i < t.HashSteps && budget > 0; i++ {
		w.mu.Lock()
		bucket := w.jobshpos % numBuckets
		w.jobshpos++
		lapped := w.jobshpos%numBuckets == 0
		w.mu.Unlock()

		w.processBucket(ctx, bucket, &budget, p)

		if lapped {
			w.onLapComplete(t)
		}
	}

	w.mu.Lock()
	w.prevTickNotDone = w.underGoalNotDoneThisTick
	w.prevTickCompleted = w.underGoalCompletedThisTick
	w.mu.Unlock()
}

// underGoalBothLastTick reports whether the previous tick saw at least one
// completed and at least one incomplete under-goal replication attempt
// (case 8). Callers must hold w.mu.
func (w *Worker) underGoalBothLastTick() bool {
	return w.prevTickNotDone && w.prevTickCompleted
}

// processBucket runs the bucket-level GC pass (a) then the per-chunk
// decision procedure over every surviving entry starting at a uniform
// random rotation offset (b), per spec §4.4's "each bucket" description.
func (w *Worker) processBucket(ctx context.Context, bucketIdx uint64, budget *int, p decideParams) {
	entries := w.idx.Bucket(bucketIdx)
	if len(entries) == 0 {
		return
	}

	w.mu.Lock()
	offset := w.rotRand.Intn(len(entries))
	w.mu.Unlock()

	for i := 0; i < len(entries) && *budget > 0; i++ {
		e := entries[(offset+i)%len(entries)]

		if e.FCount() == 0 && len(e.Copies) == 0 {
			w.idx.Delete(e.ID)
			continue
		}

		*budget--
		w.decide(ctx, e, p)
	}
}

// onLapComplete reassesses the adaptive delete budget every 16 full
// cursor laps (spec §4.4).
func (w *Worker) onLapComplete(t Tunables) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lap++
	grew := w.toDeleteThisLap > w.prevToDelete
	shrank := w.toDeleteThisLap < w.prevToDelete
	fallingBehind := w.deletesDoneThisLap < w.deletesSkippedThisLap

	if w.lap%16 == 0 {
		switch {
		case fallingBehind && grew:
			w.tmpMaxDel = int(float64(w.tmpMaxDel) * 1.5)
			if w.tmpMaxDel > t.DeleteHardLimit {
				w.tmpMaxDel = t.DeleteHardLimit
			}
		case shrank && w.tmpMaxDel > t.DeleteSoftLimit:
			w.tmpMaxDel = int(float64(w.tmpMaxDel) / 1.5)
			if w.tmpMaxDel < t.DeleteSoftLimit {
				w.tmpMaxDel = t.DeleteSoftLimit
			}
		}
	}

	w.prevToDelete = w.toDeleteThisLap
	w.toDeleteThisLap = 0
	w.deletesDoneThisLap = 0
	w.deletesSkippedThisLap = 0
}

// deleteBudget returns the adaptive per-server delete cap currently in
// effect.
func (w *Worker) deleteBudget() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tmpMaxDel
}

// tryDelete schedules c for deletion if server's in-flight delete count is
// below the adaptive budget, updating the lap's done/skipped bookkeeping
// either way (spec §4.4's delete cases 3, 6, 7b, 7c all funnel through
// this one gate).
func (w *Worker) tryDelete(e *chunk.Entry, c *chunk.Copy) bool {
	w.mu.Lock()
	w.toDeleteThisLap++
	ok := w.reg.DelInFlight(c.Server) < w.tmpMaxDel
	if ok {
		w.deletesDoneThisLap++
	} else {
		w.deletesSkippedThisLap++
	}
	w.mu.Unlock()

	if !ok {
		return false
	}
	c.MarkForDeletion()
	w.reg.IncrDel(c.Server)
	w.reg.SendDeleteChunk(e.ID, c.Server, c.Type)
	return true
}
