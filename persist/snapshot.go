// Package persist implements the master's metadata snapshot format: the
// fixed binary layout that must interoperate with the rest of the fleet's
// tooling bit-for-bit (spec §6, §8 scenario 6), and the compatibility
// counter-matrix export for monitoring. encoding/binary is used directly
// here rather than a third-party encoder, see DESIGN.md for why no pack
// library can reproduce this exact record shape.
package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/caleberi/chunkmanager/chunk"
	"github.com/caleberi/chunkmanager/common"
	"github.com/caleberi/chunkmanager/index"
)

// recordSize and legacyRecordSize are the two on-disk record widths: the
// current format carries lockid, the legacy format predates write leases
// entirely.
const (
	recordSize       = 20
	legacyRecordSize = 16
)

// Save writes idx's next-chunk-id header, one 20-byte record per tracked
// chunk, and the zero terminator record (spec §6). A lease that has
// already expired as of now is persisted as unlocked: lockedto and lockid
// are written as 0, matching a server restarting and finding no live
// lease worth honoring.
func Save(w io.Writer, idx *index.Index, now common.UnixSeconds) error {
	bw := bufio.NewWriter(w)

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(idx.NextChunkID()))
	if _, err := bw.Write(header[:]); err != nil {
		return fmt.Errorf("persist: write header: %w", err)
	}

	for _, e := range idx.All() {
		lockedTo := e.LockedTo
		lockID := e.LockID
		if !e.IsLocked(now) {
			lockedTo = 0
			lockID = 0
		}

		var rec [recordSize]byte
		binary.BigEndian.PutUint64(rec[0:8], uint64(e.ID))
		binary.BigEndian.PutUint32(rec[8:12], e.Version)
		binary.BigEndian.PutUint32(rec[12:16], uint32(lockedTo))
		binary.BigEndian.PutUint32(rec[16:20], lockID)
		if _, err := bw.Write(rec[:]); err != nil {
			return fmt.Errorf("persist: write record for chunk %d: %w", e.ID, err)
		}
	}

	var term [recordSize]byte
	if _, err := bw.Write(term[:]); err != nil {
		return fmt.Errorf("persist: write terminator: %w", err)
	}

	return bw.Flush()
}

// Load restores chunk entries into a freshly created index from r, which
// must hold a header, a stream of records, and a zero terminator. legacy
// selects the 16-byte (no lockid) record form. Trailing bytes after the
// terminator are an error (spec §8 scenario 6: "trailing bytes reject
// with -1").
func Load(r io.Reader, legacy bool) (*index.Index, error) {
	br := bufio.NewReader(r)

	var header [8]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("persist: read header: %w", err)
	}
	nextID := common.ChunkID(binary.BigEndian.Uint64(header[:]))

	idx := index.New(0)

	size := recordSize
	if legacy {
		size = legacyRecordSize
	}
	rec := make([]byte, size)

	for {
		if _, err := io.ReadFull(br, rec); err != nil {
			return nil, fmt.Errorf("persist: read record: %w", err)
		}

		id := common.ChunkID(binary.BigEndian.Uint64(rec[0:8]))
		version := binary.BigEndian.Uint32(rec[8:12])
		lockedTo := common.UnixSeconds(binary.BigEndian.Uint32(rec[12:16]))
		var lockID uint32
		if !legacy {
			lockID = binary.BigEndian.Uint32(rec[16:20])
		}

		if id == 0 && version == 0 && lockedTo == 0 {
			break
		}

		e := chunk.NewEntry(id)
		e.Version = version
		if lockedTo != 0 {
			e.LockedTo = lockedTo
			e.LockID = lockID
		}
		idx.Insert(e)
	}

	// A single trailing byte is enough to prove the stream wasn't
	// properly terminated where we think it was.
	if n, err := br.Read(make([]byte, 1)); err != io.EOF || n != 0 {
		return nil, fmt.Errorf("persist: trailing bytes after terminator")
	}

	idx.SetNextChunkID(nextID)
	return idx, nil
}
