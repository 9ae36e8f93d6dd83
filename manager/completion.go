package manager

import (
	"github.com/rs/zerolog/log"

	"github.com/caleberi/chunkmanager/chunk"
	"github.com/caleberi/chunkmanager/common"
)

// Notifier is the narrow callback the namespace layer supplies to learn
// the outcome of an operation it kicked off via MultiModify/MultiTruncate
// (spec §4.3's "notify namespace ok/not-done"). Optional: if nil,
// outcomes are only logged.
type Notifier interface {
	OperationComplete(id common.ChunkID, err error)
}

// SetNotifier installs the namespace completion callback.
func (m *Manager) SetNotifier(n Notifier) { m.notifier = n }

func (m *Manager) notify(id common.ChunkID, err error) {
	if m.notifier != nil {
		m.notifier.OperationComplete(id, err)
	}
}

// GotOperationStatus implements registry.CompletionSink for the
// create/set-version/duplicate/truncate/dup-trunc family, which all
// converge on this one completion procedure (spec §4.3).
func (m *Manager) GotOperationStatus(id common.ChunkID, server common.ServerID, ct common.ChunkType, status error) {
	e, ok := m.Index.Get(id)
	if !ok {
		return
	}

	var copyFound *chunk.Copy
	for _, c := range e.Copies {
		if c.Server == server && c.Type == ct {
			copyFound = c
			break
		}
	}
	if copyFound == nil {
		log.Warn().Uint64("chunk", uint64(id)).Str("server", string(server)).Msg("operation status for unknown copy")
		return
	}

	if status != nil {
		copyFound.Fail()
		e.Interrupted = true
	} else {
		copyFound.Succeed()
	}

	for _, c := range e.Copies {
		if c.IsBusy() {
			return // operation continues
		}
	}

	hasValid := false
	for _, c := range e.Copies {
		if c.State == chunk.CopyValid || c.State == chunk.CopyTodel {
			hasValid = true
			break
		}
	}

	switch {
	case !hasValid:
		e.Operation = chunk.OpNone
		e.UpdateStats()
		m.notify(id, common.ErrNotDone)
	case e.Interrupted:
		e.Interrupted = false
		m.bumpVersion(e, chunk.OpSetVersion)
		e.UpdateStats()
	default:
		e.Operation = chunk.OpNone
		e.NeedVerIncrease = false
		e.UpdateStats()
		m.notify(id, nil)
	}
}

// GotDeleteStatus removes the copy from the list, warning if it was not
// in the del state (spec §4.3).
func (m *Manager) GotDeleteStatus(id common.ChunkID, server common.ServerID, ct common.ChunkType, status error) {
	e, ok := m.Index.Get(id)
	if !ok {
		return
	}
	m.Registry.DecrDel(server)

	for i, c := range e.Copies {
		if c.Server == server && c.Type == ct {
			if c.State != chunk.CopyDel {
				log.Warn().Uint64("chunk", uint64(id)).Str("server", string(server)).Msg("delete completion for copy not in del state")
			}
			e.Copies = append(e.Copies[:i], e.Copies[i+1:]...)
			m.Registry.UnmarkHolds(server, id, ct)
			break
		}
	}
	e.UpdateStats()
}

// GotReplicateStatus handles both the legacy single-source and the modern
// multi-source replication completion, per spec §4.3.
func (m *Manager) GotReplicateStatus(id common.ChunkID, server common.ServerID, ct common.ChunkType, version uint32, status error) {
	m.Registry.DecrWriteRepl(server)
	if status != nil {
		return // non-zero status is ignored
	}

	e, ok := m.Index.Get(id)
	if !ok {
		return
	}

	for _, c := range e.Copies {
		if c.Server == server && c.Type == ct {
			c.Version = version
			if version != e.Version {
				c.State = chunk.CopyInvalid
			}
			e.UpdateStats()
			return
		}
	}

	state := chunk.CopyInvalid
	if !e.IsLocked(common.Now()) && version == e.Version {
		state = chunk.CopyValid
	}
	e.Copies = append(e.Copies, &chunk.Copy{Server: server, Type: ct, Version: version, State: state})
	m.Registry.MarkHolds(server, id, ct)
	e.UpdateStats()
}

// HasChunk processes a chunkserver's periodic report of one chunk it
// holds (spec §4.3).
func (m *Manager) HasChunk(server common.ServerID, id common.ChunkID, version uint32, todel bool, ct common.ChunkType) {
	e, created := m.Index.GetOrCreate(id)
	if created {
		e.Version = version
		e.LockUntil(common.Now()+common.UnixSeconds(common.UnusedDeleteTimeout.Seconds()), 0)
	}

	for _, c := range e.Copies {
		if c.Server == server && c.Type == ct {
			if c.Version != version {
				c.State = chunk.CopyInvalid
				c.Version = version
			}
			if todel {
				if c.State == chunk.CopyValid {
					c.State = chunk.CopyTodel
				}
			} else if c.State == chunk.CopyTodel {
				c.State = chunk.CopyValid
			}
			e.UpdateStats()
			return
		}
	}

	state := chunk.CopyInvalid
	if version == e.Version {
		state = chunk.CopyValid
		if todel {
			state = chunk.CopyTodel
		}
	}
	e.Copies = append(e.Copies, &chunk.Copy{Server: server, Type: ct, Version: version, State: state})
	m.Registry.MarkHolds(server, id, ct)
	e.UpdateStats()
}

// Damaged marks a server's copy invalid and requests a version bump once
// the in-flight operation (if any) settles (spec §4.3).
func (m *Manager) Damaged(server common.ServerID, id common.ChunkID) {
	e, ok := m.Index.Get(id)
	if !ok {
		return
	}
	for _, c := range e.Copies {
		if c.Server == server {
			c.Fail()
		}
	}
	e.NeedVerIncrease = true
	e.UpdateStats()
}

// Lost unlinks a server's copy outright (spec §4.3).
func (m *Manager) Lost(server common.ServerID, id common.ChunkID) {
	e, ok := m.Index.Get(id)
	if !ok {
		return
	}
	out := e.Copies[:0]
	for _, c := range e.Copies {
		if c.Server != server {
			out = append(out, c)
		} else {
			m.Registry.UnmarkHolds(server, id, c.Type)
		}
	}
	e.Copies = out
	e.UpdateStats()
}

// ServerDisconnected unlinks server's copy of every chunk, resolving any
// in-flight operation the way GotOperationStatus would once the busy copy
// can no longer be waited on (spec §4.3).
func (m *Manager) ServerDisconnected(server common.ServerID) {
	for _, e := range m.Index.All() {
		hadCopy := false
		out := e.Copies[:0]
		for _, c := range e.Copies {
			if c.Server == server {
				hadCopy = true
				m.Registry.UnmarkHolds(server, e.ID, c.Type)
				continue
			}
			out = append(out, c)
		}
		e.Copies = out
		if !hadCopy {
			continue
		}

		if e.Operation == chunk.OpNone {
			e.UpdateStats()
			continue
		}
		e.Interrupted = true

		stillBusy := false
		hasValid := false
		for _, c := range e.Copies {
			if c.IsBusy() {
				stillBusy = true
			}
			if c.State == chunk.CopyValid || c.State == chunk.CopyTodel {
				hasValid = true
			}
		}
		if stillBusy {
			e.UpdateStats()
			continue
		}
		if !hasValid {
			e.Operation = chunk.OpNone
			e.UpdateStats()
			m.notify(e.ID, common.ErrNotDone)
			continue
		}
		e.Interrupted = false
		m.bumpVersion(e, chunk.OpSetVersion)
		e.UpdateStats()
	}

	m.Registry.RemoveServer(backgroundCtx, server)
}
