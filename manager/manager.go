// Package manager orchestrates the chunk state machine: the write-lock
// protocol, multi-server operations, and the namespace-facing entry
// points (spec §4.2, §6), built on top of chunk.Entry, index.Index and
// registry.Registry.
package manager

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/caleberi/chunkmanager/chunk"
	"github.com/caleberi/chunkmanager/common"
	"github.com/caleberi/chunkmanager/index"
	"github.com/caleberi/chunkmanager/registry"
)

// Location is one copy's network address, as returned by
// GetVersionsAndLocations.
type Location struct {
	Server common.ServerID
	Type   common.ChunkType
}

// Manager is the chunk manager: the single owner of the chunk index and
// the registry it drives. Its public methods are the namespace- and
// chunkserver-facing entry points of spec §6. Per spec §5, the intended
// execution model is single-threaded-cooperative per chunk; the
// sync.Mutex embedded in each chunk.Entry enforces that even though the
// surrounding process may call in from multiple goroutines (the
// completion callbacks arrive asynchronously from registry dispatch
// goroutines), the same layering the teacher's MasterServer/CSManager use.
type Manager struct {
	Index    *index.Index
	Registry *registry.Registry

	startedAt time.Time

	mu           sync.Mutex // guards leaseRand and locationRand
	leaseRand    *rand.Rand
	locationRand *rand.Rand

	notifier Notifier
}

var backgroundCtx = context.Background()

// New builds a Manager over idx, to be wired to a *registry.Registry
// constructed with this Manager as its registry.CompletionSink.
func New(idx *index.Index) *Manager {
	now := time.Now()
	return &Manager{
		Index:        idx,
		startedAt:    now,
		leaseRand:    rand.New(rand.NewSource(now.UnixNano())),
		locationRand: rand.New(rand.NewSource(now.UnixNano() ^ 0x5bd1e995)),
	}
}

// AddFile registers a new file reference on chunk id at goal (spec §4.1).
func (m *Manager) AddFile(id common.ChunkID, goal common.Goal) error {
	e, ok := m.Index.Get(id)
	if !ok {
		return common.ErrNoChunk
	}
	e.AddFile(goal)
	e.UpdateStats()
	return nil
}

// RemoveFile drops a file reference on chunk id at goal (spec §4.1).
func (m *Manager) RemoveFile(id common.ChunkID, goal common.Goal) error {
	e, ok := m.Index.Get(id)
	if !ok {
		return common.ErrNoChunk
	}
	if err := e.RemoveFile(goal); err != nil {
		return err
	}
	e.UpdateStats()
	return nil
}

// ChangeFile moves a file's reference on chunk id from oldGoal to newGoal.
func (m *Manager) ChangeFile(id common.ChunkID, oldGoal, newGoal common.Goal) error {
	e, ok := m.Index.Get(id)
	if !ok {
		return common.ErrNoChunk
	}
	if err := e.ChangeFile(oldGoal, newGoal); err != nil {
		return err
	}
	e.UpdateStats()
	return nil
}

func (m *Manager) newLockID(useDummy bool) uint32 {
	if useDummy {
		return common.DummyLockID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		id := m.leaseRand.Uint32()
		if id >= 2 {
			return id
		}
	}
}

// grantLease finalizes the write-lock bookkeeping shared by multiModify
// and multiTruncate: extend lockedto, and mint a fresh lockid if the
// caller did not already present one (spec §4.2, last paragraph).
func (m *Manager) grantLease(e *chunk.Entry, providedLockID uint32, useDummy bool) uint32 {
	now := common.Now()
	lockID := providedLockID
	if lockID == 0 {
		lockID = m.newLockID(useDummy)
	}
	e.Lock(now, lockID)
	return lockID
}

// MultiModify implements the append/modify entry point of spec §4.2.
func (m *Manager) MultiModify(ctx context.Context, oldID common.ChunkID, goal common.Goal, providedLockID uint32, useDummyLockID bool) (newID common.ChunkID, opflag bool, lockID uint32, err error) {
	if oldID == 0 {
		return m.createForModify(ctx, goal, providedLockID, useDummyLockID)
	}

	e, ok := m.Index.Get(oldID)
	if !ok {
		return 0, false, 0, common.ErrNoChunk
	}

	now := common.Now()
	if providedLockID != 0 && providedLockID != e.LockID {
		return 0, false, 0, common.ErrWrongLockID
	}
	if providedLockID == 0 && e.IsLocked(now) {
		return 0, false, 0, common.ErrLocked
	}
	if e.Availability() == chunk.AvailLost {
		return 0, false, 0, common.ErrChunkLost
	}

	if e.FCount() == 1 {
		newID = oldID
		if e.NeedVerIncrease {
			if e.Operation != chunk.OpNone {
				return 0, false, 0, common.ErrChunkBusy
			}
			m.bumpVersion(e, chunk.OpSetVersion)
			opflag = true
		}
	} else {
		newID, err = m.duplicateChunk(ctx, e, goal)
		if err != nil {
			return 0, false, 0, err
		}
		opflag = true
	}

	lockID = m.grantLease(e, providedLockID, useDummyLockID)
	return newID, opflag, lockID, nil
}

func (m *Manager) createForModify(ctx context.Context, goal common.Goal, providedLockID uint32, useDummyLockID bool) (common.ChunkID, bool, uint32, error) {
	e := m.Index.Allocate()
	e.AddFile(goal)
	e.Version = 1

	servers, err := m.Registry.GetServersForNewChunk(ctx, e.ID, goal)
	if err != nil {
		if err == common.ErrNoChunkServers && time.Since(m.startedAt) < common.MasterGracePeriod {
			m.Index.Delete(e.ID)
			return 0, false, 0, common.ErrNoChunkServers
		}
		if err == common.ErrNoChunkServers {
			m.Index.Delete(e.ID)
			return 0, false, 0, common.ErrNoSpace
		}
		m.Index.Delete(e.ID)
		return 0, false, 0, err
	}

	e.Operation = chunk.OpCreate
	parts := common.GoalParts(goal)
	for i, server := range servers {
		ct := parts[i%len(parts)]
		e.Copies = append(e.Copies, &chunk.Copy{Server: server, Type: ct, Version: e.Version, State: chunk.CopyBusy})
		m.Registry.MarkHolds(server, e.ID, ct)
		m.Registry.SendCreateChunk(e.ID, server, ct, e.Version)
	}
	e.UpdateStats()

	lockID := m.grantLease(e, providedLockID, useDummyLockID)
	return e.ID, true, lockID, nil
}

// bumpVersion marks every valid copy busy, increments the chunk version,
// dispatches set-version, and records the in-flight operation, used both
// by the needverincrease path of multiModify and by the emergency version
// bump of GotOperationStatus (spec §4.2, §4.3).
func (m *Manager) bumpVersion(e *chunk.Entry, op chunk.Operation) {
	e.Version++
	e.Operation = op
	for _, c := range e.Copies {
		if c.State == chunk.CopyValid || c.State == chunk.CopyTodel {
			c.MarkBusy()
			c.Version = e.Version
			m.Registry.SendSetVersionChunk(e.ID, c.Server, c.Type, e.Version)
		}
	}
	e.NeedVerIncrease = false
	log.Info().Uint64("chunk", uint64(e.ID)).Uint32("version", e.Version).Msg("version bumped")
}

// duplicateChunk performs the copy-on-write branch of multiModify:
// allocate a new chunk id, duplicate every valid copy of the source
// chunk, and move one file-reference across (spec §4.2).
func (m *Manager) duplicateChunk(ctx context.Context, src *chunk.Entry, goal common.Goal) (common.ChunkID, error) {
	return m.duplicateChunkWithTruncate(ctx, src, goal, nil)
}

// duplicateChunkWithTruncate is duplicateChunk's general form: when
// truncLength is non-nil, it drives the copy-on-write branch of
// multiTruncate, dispatching a combined duplicate-and-truncate command so
// the new chunk's length actually reaches the chunkserver instead of the
// truncate silently being dropped (spec §4.2).
func (m *Manager) duplicateChunkWithTruncate(ctx context.Context, src *chunk.Entry, goal common.Goal, truncLength *uint64) (common.ChunkID, error) {
	newEntry := m.Index.Allocate()
	newEntry.Version = 1
	if truncLength != nil {
		newEntry.Operation = chunk.OpDupTrunc
	} else {
		newEntry.Operation = chunk.OpDuplicate
	}

	found := false
	for _, c := range src.Copies {
		if c.State != chunk.CopyValid {
			continue
		}
		found = true
		newEntry.Copies = append(newEntry.Copies, &chunk.Copy{Server: c.Server, Type: c.Type, Version: 1, State: chunk.CopyBusy})
		m.Registry.MarkHolds(c.Server, newEntry.ID, c.Type)
		if truncLength != nil {
			m.Registry.SendDupTruncChunk(newEntry.ID, c.Server, c.Type, c.Server, *truncLength, 1)
		} else {
			m.Registry.SendDuplicateChunk(newEntry.ID, c.Server, c.Type, c.Server, 1)
		}
	}
	if !found {
		m.Index.Delete(newEntry.ID)
		return 0, common.ErrChunkLost
	}

	if err := src.RemoveFile(goal); err != nil {
		log.Error().Err(err).Uint64("chunk", uint64(src.ID)).Msg("duplicate: source file-count went structurally inconsistent")
	}
	src.UpdateStats()
	newEntry.AddFile(goal)
	newEntry.UpdateStats()
	return newEntry.ID, nil
}

// MultiTruncate implements spec §4.2's truncate entry point, analogous to
// MultiModify.
func (m *Manager) MultiTruncate(ctx context.Context, oldID common.ChunkID, length uint64, goal common.Goal, truncatingUpwards bool) (newID common.ChunkID, opflag bool, lockID uint32, err error) {
	e, ok := m.Index.Get(oldID)
	if !ok {
		return 0, false, 0, common.ErrNoChunk
	}

	now := common.Now()
	if e.IsLocked(now) {
		return 0, false, 0, common.ErrLocked
	}
	if e.Availability() == chunk.AvailLost {
		return 0, false, 0, common.ErrChunkLost
	}

	if !truncatingUpwards {
		for _, c := range e.Copies {
			if c.Type.IsParity() {
				c.Fail()
			}
		}
	}

	if e.FCount() == 1 {
		newID = oldID
		e.Operation = chunk.OpTruncate
		for _, c := range e.Copies {
			if c.State == chunk.CopyValid {
				c.MarkBusy()
				m.Registry.SendTruncateChunk(e.ID, c.Server, c.Type, length, e.Version)
			}
		}
		opflag = true
	} else {
		newID, err = m.duplicateChunkWithTruncate(ctx, e, goal, &length)
		if err != nil {
			return 0, false, 0, err
		}
		opflag = true
	}

	lockID = m.grantLease(e, 0, false)
	return newID, opflag, lockID, nil
}

// Unlock releases the write lease on id, per spec §4.2.
func (m *Manager) Unlock(id common.ChunkID) error {
	e, ok := m.Index.Get(id)
	if !ok {
		return common.ErrNoChunk
	}
	e.Unlock()
	return nil
}

// CanUnlock reports whether lockid may release id's lease, per spec §4.2.
func (m *Manager) CanUnlock(id common.ChunkID, lockID uint32) error {
	e, ok := m.Index.Get(id)
	if !ok {
		return common.ErrNoChunk
	}
	if lockID == 0 {
		return nil
	}
	return e.CanUnlock(common.Now(), lockID)
}

// SetVersion is the replay-mode entry point: it forces a chunk's version
// without going through the lease/operation protocol.
func (m *Manager) SetVersion(id common.ChunkID, v uint32) error {
	e, ok := m.Index.Get(id)
	if !ok {
		return common.ErrNoChunk
	}
	e.Version = v
	e.UpdateStats()
	return nil
}

// GetValidCopies reports the namespace-visible "how many copies exist"
// count, derived from the cached availability class rather than a raw
// scan (spec §6).
func (m *Manager) GetValidCopies(id common.ChunkID) (int, error) {
	e, ok := m.Index.Get(id)
	if !ok {
		return 0, common.ErrNoChunk
	}
	switch e.Availability() {
	case chunk.AvailLost:
		return 0, nil
	case chunk.AvailEndangered:
		return 1, nil
	default:
		standard := 0
		for _, c := range e.Copies {
			if !c.Type.XOR && c.Version == e.Version && c.IsAlive() {
				standard++
			}
		}
		if standard < 2 {
			standard = 2
		}
		return standard, nil
	}
}

// distance is a crude topology-distance heuristic between two dotted
// addresses: the number of leading dot-separated octets they share.
// A real deployment would consult a rack/datacenter topology table; the
// chunk manager only needs *a* stable ordering function here.
func distance(clientIP, serverHost string) int {
	a := strings.Split(clientIP, ".")
	b := strings.Split(serverHost, ".")
	shared := 0
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			break
		}
		shared++
	}
	return shared
}

// GetVersionsAndLocations returns the chunk's version and copies, ordered
// by topology distance to clientIP with ties broken by a per-copy random
// nonce (spec §6).
func (m *Manager) GetVersionsAndLocations(id common.ChunkID, clientIP string, maxCopies int) (uint32, []Location, error) {
	e, ok := m.Index.Get(id)
	if !ok {
		return 0, nil, common.ErrNoChunk
	}

	type scored struct {
		loc   Location
		dist  int
		nonce uint32
	}

	var list []scored
	for _, c := range e.Copies {
		if !c.IsAlive() || c.Version != e.Version {
			continue
		}
		m.mu.Lock()
		nonce := m.locationRand.Uint32()
		m.mu.Unlock()
		list = append(list, scored{
			loc:   Location{Server: c.Server, Type: c.Type},
			dist:  distance(clientIP, string(c.Server)),
			nonce: nonce,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].dist != list[j].dist {
			return list[i].dist > list[j].dist
		}
		return list[i].nonce < list[j].nonce
	})

	if maxCopies > 0 && len(list) > maxCopies {
		list = list[:maxCopies]
	}
	out := make([]Location, len(list))
	for i, s := range list {
		out[i] = s.loc
	}
	return e.Version, out, nil
}

// Repair runs the administrative chunk_repair operation of spec §4.5.
func (m *Manager) Repair(id common.ChunkID) error {
	e, ok := m.Index.Get(id)
	if !ok {
		return common.ErrNoChunk
	}
	if e.IsLocked(common.Now()) {
		return nil
	}
	for _, c := range e.Copies {
		switch c.State {
		case chunk.CopyValid, chunk.CopyTodel, chunk.CopyBusy, chunk.CopyTdBusy:
			return nil
		}
	}

	_, promoted := e.Repair()
	if promoted == 0 {
		// No invalid copy carried a usable version: unrecoverable, drop
		// every file-reference (spec §4.5).
		e.DropAllReferences()
	}
	e.UpdateStats()
	return nil
}
