// Package chunk implements the per-chunk state machine: the chunk-copy
// record, the chunk entry, its goal bookkeeping, and its cached
// availability/replication statistics (spec §3, §4.1, §4.5).
package chunk

import "github.com/caleberi/chunkmanager/common"

// CopyState is the state of a single chunkserver's holding of a chunk part
// (spec §3 table).
type CopyState int

const (
	CopyInvalid CopyState = iota
	CopyDel
	CopyValid
	CopyBusy
	CopyTodel
	CopyTdBusy
)

func (s CopyState) String() string {
	switch s {
	case CopyInvalid:
		return "invalid"
	case CopyDel:
		return "del"
	case CopyValid:
		return "valid"
	case CopyBusy:
		return "busy"
	case CopyTodel:
		return "todel"
	case CopyTdBusy:
		return "tdbusy"
	default:
		return "unknown"
	}
}

// Copy is one chunkserver's holding of one part of a chunk. It is owned
// exclusively by its Entry; nothing outside the owning entry's lock
// should mutate it.
type Copy struct {
	Server  common.ServerID
	Type    common.ChunkType
	Version uint32
	State   CopyState
}

// IsAlive reports whether the copy still represents data a client could be
// served from (valid, busy, todel or tdbusy) as opposed to invalid/del.
func (c *Copy) IsAlive() bool {
	switch c.State {
	case CopyValid, CopyBusy, CopyTodel, CopyTdBusy:
		return true
	default:
		return false
	}
}

// IsRegular reports whether the copy counts toward "regular" replication
// accounting, i.e. it is alive and not marked for retirement (todel).
func (c *Copy) IsRegular() bool {
	switch c.State {
	case CopyValid, CopyBusy:
		return true
	default:
		return false
	}
}

// IsBusy reports whether the copy is currently participating in an
// in-flight multi-server operation.
func (c *Copy) IsBusy() bool {
	return c.State == CopyBusy || c.State == CopyTdBusy
}

// MarkBusy transitions a valid/todel copy into its busy counterpart ahead
// of dispatching a command for it.
func (c *Copy) MarkBusy() {
	switch c.State {
	case CopyValid:
		c.State = CopyBusy
	case CopyTodel:
		c.State = CopyTdBusy
	}
}

// Succeed resolves a busy copy back to its resting state after a
// successful operation completion.
func (c *Copy) Succeed() {
	switch c.State {
	case CopyBusy:
		c.State = CopyValid
	case CopyTdBusy:
		c.State = CopyTodel
	}
}

// Fail resolves any live copy to invalid after an I/O error or a failed
// operation completion.
func (c *Copy) Fail() {
	c.State = CopyInvalid
}

// MarkForDeletion transitions an invalid copy into del, meaning a deletion
// request is now outstanding for it.
func (c *Copy) MarkForDeletion() {
	c.State = CopyDel
}
