// Package registry implements the in-memory chunkserver directory: which
// chunks each server holds, per-server disk usage and in-flight-operation
// counters, liveness tracking, and destination selection for new or
// replicated chunk parts (spec §4.6, expanding the distilled spec's
// external "chunkserver registry" interface with a concrete
// implementation grounded in the teacher's chooseServers/
// chooseReplicationServer code).
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/caleberi/chunkmanager/common"
)

// ServerInfo is the registry's view of one chunkserver.
type ServerInfo struct {
	ID   common.ServerID
	Info common.MachineInfo

	WriteReplInFlight int
	ReadReplInFlight  int
	DelInFlight       int
	DeletionCounter   uint64

	parts map[partKey]common.ChunkType
}

type partKey struct {
	id common.ChunkID
	ct common.ChunkType
}

func (s *ServerInfo) usageFraction() float64 {
	if s.Info.TotalBytes == 0 {
		return 0
	}
	return float64(s.Info.UsedBytes) / float64(s.Info.TotalBytes)
}

// Holds reports whether the server currently advertises any part of id.
func (s *ServerInfo) Holds(id common.ChunkID) bool {
	for k := range s.parts {
		if k.id == id {
			return true
		}
	}
	return false
}

// CompletionSink is how the registry reports asynchronous command
// outcomes back to the chunk manager, the "got_*_status" family of spec
// §4.3, collapsed to the shapes that differ in handling.
type CompletionSink interface {
	// GotOperationStatus reports the outcome of a create/set-version/
	// duplicate/truncate/dup-trunc command; these all converge on the
	// manager's single completion procedure.
	GotOperationStatus(id common.ChunkID, server common.ServerID, ct common.ChunkType, err error)
	GotReplicateStatus(id common.ChunkID, server common.ServerID, ct common.ChunkType, version uint32, err error)
	GotDeleteStatus(id common.ChunkID, server common.ServerID, ct common.ChunkType, err error)
}

// Transport is the narrow, external chunkserver-transport collaborator
// (spec §1's "chunkserver registry itself", out of scope): whatever
// wire protocol actually carries these commands to a chunkserver process.
// Tests supply an in-process double.
type Transport interface {
	Create(server common.ServerID, id common.ChunkID, ct common.ChunkType, version uint32) error
	Delete(server common.ServerID, id common.ChunkID, ct common.ChunkType) error
	SetVersion(server common.ServerID, id common.ChunkID, ct common.ChunkType, version uint32) error
	Replicate(server common.ServerID, id common.ChunkID, ct common.ChunkType, source common.ServerID) error
	LizReplicate(server common.ServerID, id common.ChunkID, ct common.ChunkType, sources []common.ServerID) error
	Truncate(server common.ServerID, id common.ChunkID, ct common.ChunkType, length uint64, version uint32) error
	Duplicate(server common.ServerID, id common.ChunkID, ct common.ChunkType, source common.ServerID, version uint32) error
	DupTrunc(server common.ServerID, id common.ChunkID, ct common.ChunkType, source common.ServerID, length uint64, version uint32) error
}

// Registry is the chunkserver directory and command dispatcher.
type Registry struct {
	mu sync.RWMutex

	servers map[common.ServerID]*ServerInfo

	liveness  *Liveness
	transport Transport
	sink      CompletionSink

	maxUsableSeen int
}

// New builds a registry dispatching through transport and reporting
// completions to sink. liveness may be nil, in which case every
// registered server is considered usable (used by tests that do not want
// a Redis dependency).
func New(transport Transport, sink CompletionSink, liveness *Liveness) *Registry {
	return &Registry{
		servers:   make(map[common.ServerID]*ServerInfo),
		transport: transport,
		sink:      sink,
		liveness:  liveness,
	}
}

// Heartbeat registers (or updates) a chunkserver's self-reported disk
// usage and records a liveness sample for it.
func (r *Registry) Heartbeat(ctx context.Context, info common.MachineInfo) {
	id := common.ServerID(info.Hostname)

	r.mu.Lock()
	s, ok := r.servers[id]
	if !ok {
		s = &ServerInfo{ID: id, parts: make(map[partKey]common.ChunkType)}
		r.servers[id] = s
	}
	s.Info = info
	r.mu.Unlock()

	if r.liveness != nil {
		_ = r.liveness.RecordHeartbeat(ctx, id)
	}
}

// RemoveServer drops a server from the directory entirely, used after a
// disconnect has been fully processed.
func (r *Registry) RemoveServer(ctx context.Context, id common.ServerID) {
	r.mu.Lock()
	delete(r.servers, id)
	r.mu.Unlock()
	if r.liveness != nil {
		_ = r.liveness.Forget(ctx, id)
	}
}

// MarkHolds records that server now holds chunk part (id, ct).
func (r *Registry) MarkHolds(server common.ServerID, id common.ChunkID, ct common.ChunkType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.servers[server]; ok {
		s.parts[partKey{id, ct}] = ct
	}
}

// UnmarkHolds records that server no longer holds chunk part (id, ct).
func (r *Registry) UnmarkHolds(server common.ServerID, id common.ChunkID, ct common.ChunkType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.servers[server]; ok {
		delete(s.parts, partKey{id, ct})
	}
}

// UsableServers returns every server not currently suspected dead,
// ordered by id for determinism upstream of any further selection.
func (r *Registry) UsableServers(ctx context.Context) []common.ServerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.ServerID, 0, len(r.servers))
	for id := range r.servers {
		if r.liveness == nil || !r.liveness.IsSuspect(ctx, id) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	if len(out) > r.maxUsableSeen {
		r.maxUsableSeen = len(out)
	}
	return out
}

// AllServers returns every registered server id, ordered for
// determinism, regardless of liveness, used by diagnostics to show down
// servers alongside usable ones.
func (r *Registry) AllServers() []common.ServerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.ServerID, 0, len(r.servers))
	for id := range r.servers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UsageDifference reports the minimum and maximum disk-usage fractions
// among usable servers, and the usable/total server counts (spec §6
// usage_difference).
func (r *Registry) UsageDifference(ctx context.Context) (min, max float64, usable, total int) {
	r.mu.RLock()
	total = len(r.servers)
	r.mu.RUnlock()

	usableIDs := r.UsableServers(ctx)
	usable = len(usableIDs)
	if usable == 0 {
		return 0, 0, 0, total
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	min, max = 1, 0
	for _, id := range usableIDs {
		u := r.servers[id].usageFraction()
		if u < min {
			min = u
		}
		if u > max {
			max = u
		}
	}
	return min, max, usable, total
}

// GetServersOrdered returns usable servers sorted strictly by ascending
// disk usage, equal usages ordered by server id, plus the number of
// servers within half of acceptableDifference of the lowest usage
// (belowMin) and of the highest usage (aboveMax). acceptableDifference
// affects only those two counts: servers with near-identical usage are
// not grouped together in the order.
func (r *Registry) GetServersOrdered(ctx context.Context, acceptableDifference float64) (ordered []common.ServerID, belowMin, aboveMax int) {
	usableIDs := r.UsableServers(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		id    common.ServerID
		usage float64
	}
	list := make([]scored, 0, len(usableIDs))
	for _, id := range usableIDs {
		list = append(list, scored{id, r.servers[id].usageFraction()})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].usage == list[j].usage {
			return list[i].id < list[j].id
		}
		return list[i].usage < list[j].usage
	})

	ordered = make([]common.ServerID, len(list))
	if len(list) == 0 {
		return ordered, 0, 0
	}

	min := list[0].usage
	max := list[len(list)-1].usage
	half := acceptableDifference / 2
	for i, s := range list {
		ordered[i] = s.id
		if s.usage < min+half {
			belowMin++
		}
		if s.usage > max-half {
			aboveMax++
		}
	}
	return ordered, belowMin, aboveMax
}

// GetServersLessRepl returns usable servers whose write-replication
// in-flight count is below maxWriteRepl, ordered by ascending disk usage.
func (r *Registry) GetServersLessRepl(ctx context.Context, maxWriteRepl int) []common.ServerID {
	ordered, _, _ := r.GetServersOrdered(ctx, 0)

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.ServerID, 0, len(ordered))
	for _, id := range ordered {
		if r.servers[id].WriteReplInFlight < maxWriteRepl {
			out = append(out, id)
		}
	}
	return out
}

func hashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// rendezvousCandidates narrows nodes down to at most n entries using
// repeated highest-random-weight lookups over shrinking candidate sets,
// keyed on chunkID: this is what makes destination selection for a given
// chunk stable across master restarts and indifferent to the order
// servers joined in, instead of reshuffling placement whenever the
// server set changes.
func rendezvousCandidates(nodes []common.ServerID, key string, n int) []common.ServerID {
	if n >= len(nodes) {
		out := make([]common.ServerID, len(nodes))
		copy(out, nodes)
		return out
	}

	remaining := make([]string, len(nodes))
	byStr := make(map[string]common.ServerID, len(nodes))
	for i, id := range nodes {
		remaining[i] = string(id)
		byStr[string(id)] = id
	}

	picked := make([]common.ServerID, 0, n)
	for len(picked) < n && len(remaining) > 0 {
		rv := rendezvous.New(remaining, hashString)
		winner := rv.Lookup(key)
		picked = append(picked, byStr[winner])

		next := make([]string, 0, len(remaining)-1)
		for _, s := range remaining {
			if s != winner {
				next = append(next, s)
			}
		}
		remaining = next
	}
	return picked
}

// GetServersForNewChunk picks destination servers for a brand-new chunk
// at the given goal: a deterministic rendezvous-hashed candidate subset,
// ordered by disk usage (spec §4.6).
func (r *Registry) GetServersForNewChunk(ctx context.Context, id common.ChunkID, goal common.Goal) ([]common.ServerID, error) {
	usable := r.UsableServers(ctx)
	if len(usable) == 0 {
		return nil, common.ErrNoChunkServers
	}

	need := goal.RequiredParts()
	overProvision := need * 2
	if overProvision > len(usable) {
		overProvision = len(usable)
	}
	candidates := rendezvousCandidates(usable, fmt.Sprintf("chunk:%d", id), overProvision)

	r.mu.RLock()
	sort.Slice(candidates, func(i, j int) bool {
		return r.servers[candidates[i]].usageFraction() < r.servers[candidates[j]].usageFraction()
	})
	r.mu.RUnlock()

	if len(candidates) < need {
		return nil, common.ErrNoSpace
	}
	return candidates[:need], nil
}

// IncrWriteRepl / DecrWriteRepl / IncrReadRepl / DecrReadRepl / IncrDel /
// DecrDel maintain the per-server in-flight counters the reconciliation
// worker budgets against.
func (r *Registry) IncrWriteRepl(server common.ServerID) { r.adjust(server, func(s *ServerInfo) { s.WriteReplInFlight++ }) }
func (r *Registry) DecrWriteRepl(server common.ServerID) {
	r.adjust(server, func(s *ServerInfo) {
		if s.WriteReplInFlight > 0 {
			s.WriteReplInFlight--
		}
	})
}
func (r *Registry) IncrReadRepl(server common.ServerID) { r.adjust(server, func(s *ServerInfo) { s.ReadReplInFlight++ }) }
func (r *Registry) DecrReadRepl(server common.ServerID) {
	r.adjust(server, func(s *ServerInfo) {
		if s.ReadReplInFlight > 0 {
			s.ReadReplInFlight--
		}
	})
}
func (r *Registry) IncrDel(server common.ServerID) {
	r.adjust(server, func(s *ServerInfo) { s.DelInFlight++; s.DeletionCounter++ })
}
func (r *Registry) DecrDel(server common.ServerID) {
	r.adjust(server, func(s *ServerInfo) {
		if s.DelInFlight > 0 {
			s.DelInFlight--
		}
	})
}

func (r *Registry) adjust(server common.ServerID, fn func(*ServerInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.servers[server]; ok {
		fn(s)
	}
}

// DelInFlight reports a server's current outstanding-delete count, for
// the reconciliation worker's adaptive delete budget check.
func (r *Registry) DelInFlight(server common.ServerID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.servers[server]; ok {
		return s.DelInFlight
	}
	return 0
}

// ReadReplInFlight and WriteReplInFlight report a server's current
// outstanding-replication counts, for the reconciliation worker's
// rebalance source/destination caps.
func (r *Registry) ReadReplInFlight(server common.ServerID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.servers[server]; ok {
		return s.ReadReplInFlight
	}
	return 0
}

func (r *Registry) WriteReplInFlight(server common.ServerID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.servers[server]; ok {
		return s.WriteReplInFlight
	}
	return 0
}

// HoldsChunk reports whether server currently advertises any part of id,
// used by the reconciliation worker to rule out destinations that already
// host a copy of the chunk being replicated.
func (r *Registry) HoldsChunk(server common.ServerID, id common.ChunkID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[server]
	return ok && s.Holds(id)
}

// MachineInfo returns the last-reported self-description of server, used
// by the reconciliation worker to gate XOR-capable destinations on
// software version.
func (r *Registry) MachineInfo(server common.ServerID) (common.MachineInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[server]
	if !ok {
		return common.MachineInfo{}, false
	}
	return s.Info, true
}

// dispatch runs fn in its own goroutine and reports its error to report,
// the fire-and-forget pattern the teacher's shared.UnicastToRPCServer /
// BroadcastToRPCServers use for chunkserver calls.
func dispatch(fn func() error, report func(error)) {
	go func() {
		report(fn())
	}()
}

func (r *Registry) SendCreateChunk(id common.ChunkID, server common.ServerID, ct common.ChunkType, version uint32) {
	dispatch(func() error { return r.transport.Create(server, id, ct, version) },
		func(err error) { r.sink.GotOperationStatus(id, server, ct, err) })
}

func (r *Registry) SendSetVersionChunk(id common.ChunkID, server common.ServerID, ct common.ChunkType, version uint32) {
	dispatch(func() error { return r.transport.SetVersion(server, id, ct, version) },
		func(err error) { r.sink.GotOperationStatus(id, server, ct, err) })
}

func (r *Registry) SendDuplicateChunk(id common.ChunkID, server common.ServerID, ct common.ChunkType, source common.ServerID, version uint32) {
	dispatch(func() error { return r.transport.Duplicate(server, id, ct, source, version) },
		func(err error) { r.sink.GotOperationStatus(id, server, ct, err) })
}

func (r *Registry) SendTruncateChunk(id common.ChunkID, server common.ServerID, ct common.ChunkType, length uint64, version uint32) {
	dispatch(func() error { return r.transport.Truncate(server, id, ct, length, version) },
		func(err error) { r.sink.GotOperationStatus(id, server, ct, err) })
}

func (r *Registry) SendDupTruncChunk(id common.ChunkID, server common.ServerID, ct common.ChunkType, source common.ServerID, length uint64, version uint32) {
	dispatch(func() error { return r.transport.DupTrunc(server, id, ct, source, length, version) },
		func(err error) { r.sink.GotOperationStatus(id, server, ct, err) })
}

func (r *Registry) SendDeleteChunk(id common.ChunkID, server common.ServerID, ct common.ChunkType) {
	dispatch(func() error { return r.transport.Delete(server, id, ct) },
		func(err error) { r.sink.GotDeleteStatus(id, server, ct, err) })
}

func (r *Registry) SendReplicateChunk(id common.ChunkID, server common.ServerID, ct common.ChunkType, source common.ServerID, version uint32) {
	dispatch(func() error { return r.transport.Replicate(server, id, ct, source) },
		func(err error) { r.sink.GotReplicateStatus(id, server, ct, version, err) })
}

func (r *Registry) SendLizReplicateChunk(id common.ChunkID, server common.ServerID, ct common.ChunkType, sources []common.ServerID, version uint32) {
	dispatch(func() error { return r.transport.LizReplicate(server, id, ct, sources) },
		func(err error) { r.sink.GotReplicateStatus(id, server, ct, version, err) })
}
