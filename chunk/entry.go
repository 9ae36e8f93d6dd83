package chunk

import (
	"sync"

	"github.com/caleberi/chunkmanager/common"
)

// Operation names the multi-server operation, if any, currently in flight
// against a chunk entry (spec §4.3).
type Operation int

const (
	OpNone Operation = iota
	OpCreate
	OpSetVersion
	OpDuplicate
	OpTruncate
	OpDupTrunc
)

func (o Operation) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpCreate:
		return "create"
	case OpSetVersion:
		return "set-version"
	case OpDuplicate:
		return "duplicate"
	case OpTruncate:
		return "truncate"
	case OpDupTrunc:
		return "dup-trunc"
	default:
		return "unknown"
	}
}

// Availability is the cached, derived replication health of a chunk (spec
// §3, §4.4).
type Availability int

const (
	AvailSafe Availability = iota
	AvailEndangered
	AvailLost
)

func (a Availability) String() string {
	switch a {
	case AvailSafe:
		return "safe"
	case AvailEndangered:
		return "endangered"
	case AvailLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Entry is the master's in-memory record for one chunk: its version, write
// lease, goal bookkeeping, in-flight operation state, and the copies a
// chunkserver has reported holding. One Entry is guarded by one mutex, the
// same per-chunk granularity the teacher's chunkInfo/cs_manager code uses.
type Entry struct {
	mu sync.Mutex

	ID      common.ChunkID
	Version uint32

	LockedTo common.UnixSeconds
	LockID   uint32

	goals *goalTable
	Goal  common.Goal
	FTab  map[common.Goal]uint32

	Copies []*Copy

	Operation       Operation
	Interrupted     bool
	NeedVerIncrease bool

	cachedAvail Availability
}

// NewEntry creates a fresh, unreferenced chunk entry.
func NewEntry(id common.ChunkID) *Entry {
	return &Entry{
		ID:    id,
		goals: newGoalTable(),
	}
}

// FCount is the number of files currently referencing this chunk.
func (e *Entry) FCount() uint32 {
	return e.goals.fcount()
}

func (e *Entry) recomputeGoal() {
	e.Goal, e.FTab = e.goals.effective()
}

// AddFile registers a new file reference at the given goal (spec §4.1).
func (e *Entry) AddFile(goal common.Goal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.goals.add(goal)
	e.recomputeGoal()
}

// RemoveFile drops a file reference previously registered at goal. It
// returns common.ErrChunkLost if the entry had no references at all,
// signalling a structural inconsistency with the namespace.
func (e *Entry) RemoveFile(goal common.Goal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.goals.fcount() == 0 {
		return common.ErrChunkLost
	}
	e.goals.remove(goal)
	e.recomputeGoal()
	return nil
}

// ChangeFile moves a file's reference from prev to next, e.g. on an
// SCLASS-style goal change (spec §4.1).
func (e *Entry) ChangeFile(prev, next common.Goal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.goals.fcount() == 0 {
		return common.ErrChunkLost
	}
	e.goals.remove(prev)
	e.goals.add(next)
	e.recomputeGoal()
	return nil
}

// DropAllReferences clears every file-reference in one step, used when a
// chunk is declared unrecoverable (spec §4.5: chunk_repair with no usable
// invalid-copy version drops all file-references).
func (e *Entry) DropAllReferences() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.goals = newGoalTable()
	e.recomputeGoal()
}

// IsLocked reports whether a write lease is outstanding as of now.
func (e *Entry) IsLocked(now common.UnixSeconds) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.LockedTo != 0 && !e.LockedTo.Before(now)
}

// Lock grants a write lease to lockid, valid until now+common.LockTimeout.
func (e *Entry) Lock(now common.UnixSeconds, lockid uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LockedTo = now + common.UnixSeconds(common.LockTimeout.Seconds())
	e.LockID = lockid
}

// LockUntil grants a protective hold expiring exactly at expiry, with the
// given lockid (0 for a system-held hold rather than a client lease).
// Used by the unused-delete grace period a chunk gets when it is first
// discovered from a chunkserver observation rather than the namespace
// (spec §3 invariant 3, §5).
func (e *Entry) LockUntil(expiry common.UnixSeconds, lockid uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LockedTo = expiry
	e.LockID = lockid
}

// CanUnlock reports whether lockid may release the current lease.
func (e *Entry) CanUnlock(now common.UnixSeconds, lockid uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LockedTo == 0 || e.LockedTo.Before(now) {
		return common.ErrNotLocked
	}
	if e.LockID != lockid {
		return common.ErrWrongLockID
	}
	return nil
}

// Unlock releases the current write lease unconditionally. Callers should
// have validated via CanUnlock first unless this is a forced reclaim.
func (e *Entry) Unlock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LockedTo = 0
	e.LockID = 0
}

type partKey struct {
	xor   bool
	level uint8
	part  uint8
}

func keyOf(ct common.ChunkType) partKey {
	return partKey{xor: ct.XOR, level: ct.Level, part: ct.Part}
}

// requiredPartKeys returns the distinct part identities a chunk at this
// goal must have a current copy of: one for an ordinary goal, or
// level+1 (data parts plus parity) for an XOR goal.
func requiredPartKeys(goal common.Goal) []partKey {
	if !goal.IsXOR() {
		return []partKey{{}}
	}
	level := goal.XORLevel()
	keys := make([]partKey, 0, level+1)
	keys = append(keys, partKey{xor: true, level: level, part: 0}) // parity
	for p := uint8(1); p <= level; p++ {
		keys = append(keys, partKey{xor: true, level: level, part: p})
	}
	return keys
}

// UpdateStats recomputes the entry's cached availability from its current
// copy list against its effective goal (spec §4.4). It should be called
// whenever Copies or Goal changes.
func (e *Entry) UpdateStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updateStatsLocked()
}

func (e *Entry) updateStatsLocked() {
	if e.Goal == common.NoGoal {
		e.cachedAvail = AvailLost
		return
	}

	current := make(map[partKey]int)
	for _, c := range e.Copies {
		if c.IsAlive() && c.Version == e.Version {
			current[keyOf(c.Type)]++
		}
	}

	avail := AvailSafe
	for _, k := range requiredPartKeys(e.Goal) {
		n := current[k]
		if n == 0 {
			e.cachedAvail = AvailLost
			return
		}
		if n == 1 {
			avail = AvailEndangered
		}
	}
	if e.Goal.IsOrdinary() {
		// An ordinary goal additionally wants RequiredParts() distinct
		// replicas of the single part, not merely >=1.
		n := current[partKey{}]
		switch {
		case n == 0:
			avail = AvailLost
		case n < e.Goal.RequiredParts():
			avail = AvailEndangered
		}
	}
	e.cachedAvail = avail
}

// Availability returns the cached replication health computed by the last
// UpdateStats call.
func (e *Entry) Availability() Availability {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cachedAvail
}

// CopyByServer returns the copy record held by server, if any.
func (e *Entry) CopyByServer(server common.ServerID, ct common.ChunkType) *Copy {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.Copies {
		if c.Server == server && c.Type == ct {
			return c
		}
	}
	return nil
}

// Repair picks the best version observed among current copies and
// promotes every copy at that version to valid, the rest to invalid. It
// returns the chosen version and the number of copies promoted (spec
// §4.5). It is a no-op, returning (e.Version, 0), when no copy qualifies.
func (e *Entry) Repair() (version uint32, promoted int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	best := uint32(0)
	for _, c := range e.Copies {
		if c.Version > best {
			best = c.Version
		}
	}
	if best == 0 {
		return e.Version, 0
	}

	for _, c := range e.Copies {
		if c.Version == best {
			c.State = CopyValid
			promoted++
		} else {
			c.State = CopyInvalid
		}
	}
	e.Version = best
	e.updateStatsLocked()
	return best, promoted
}
