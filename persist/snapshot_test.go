package persist

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caleberi/chunkmanager/chunk"
	"github.com/caleberi/chunkmanager/common"
	"github.com/caleberi/chunkmanager/index"
)

func TestSaveLoadRoundTripsThreeChunksOneLocked(t *testing.T) {
	idx := index.New(4)

	e1 := idx.Allocate()
	e1.Version = 3

	e2 := idx.Allocate()
	e2.Version = 7
	e2.Lock(common.Now(), 42)

	e3 := idx.Allocate()
	e3.Version = 1
	// Expired lease: must be persisted as unlocked.
	e3.LockUntil(common.Now()-10, 99)

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, idx, common.Now()))

	restored, err := Load(&buf, false)
	require.NoError(t, err)

	assert.Equal(t, idx.NextChunkID(), restored.NextChunkID())

	r1, ok := restored.Get(e1.ID)
	require.True(t, ok)
	assert.EqualValues(t, 3, r1.Version)
	assert.False(t, r1.IsLocked(common.Now()))

	r2, ok := restored.Get(e2.ID)
	require.True(t, ok)
	assert.EqualValues(t, 7, r2.Version)
	assert.True(t, r2.IsLocked(common.Now()), "an unexpired lease must survive the round trip")
	assert.EqualValues(t, 42, r2.LockID)

	r3, ok := restored.Get(e3.ID)
	require.True(t, ok)
	assert.EqualValues(t, 1, r3.Version)
	assert.False(t, r3.IsLocked(common.Now()), "an expired lease loads as unlocked")
}

func TestLoadRejectsTrailingBytes(t *testing.T) {
	idx := index.New(4)
	idx.Allocate()

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, idx, common.Now()))
	buf.WriteByte(0xFF)

	_, err := Load(&buf, false)
	assert.Error(t, err)
}

func TestLoadLegacyFormatOmitsLockID(t *testing.T) {
	var buf bytes.Buffer
	// header: next_chunk_id = 2
	buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 2})
	// one 16-byte legacy record: id=1, version=5, lockedto=0
	rec := make([]byte, legacyRecordSize)
	rec[7] = 1  // id = 1 (big-endian u64, low byte)
	rec[11] = 5 // version = 5 (big-endian u32, low byte)
	buf.Write(rec)
	// terminator
	buf.Write(make([]byte, legacyRecordSize))

	restored, err := Load(&buf, true)
	require.NoError(t, err)

	e, ok := restored.Get(common.ChunkID(1))
	require.True(t, ok)
	assert.EqualValues(t, 5, e.Version)
	assert.False(t, e.IsLocked(common.Now()))
}

func TestSaveEmptyIndexProducesJustHeaderAndTerminator(t *testing.T) {
	idx := index.New(4)

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, idx, common.Now()))
	assert.Equal(t, 8+recordSize, buf.Len())

	restored, err := Load(&buf, false)
	require.NoError(t, err)
	assert.Empty(t, restored.All())
}

func TestCounterMatrixRoundTrip(t *testing.T) {
	idx := index.New(4)
	e := idx.Allocate()
	e.AddFile(2)
	e.Version = 1
	e.Copies = []*chunk.Copy{
		{Server: "s1", Version: 1, State: chunk.CopyValid},
		{Server: "s2", Version: 1, State: chunk.CopyValid},
	}
	e.UpdateStats()

	stats := index.Recompute(idx)

	var buf bytes.Buffer
	require.NoError(t, WriteCounterMatrix(&buf, stats.AllCopies))

	m, err := ReadCounterMatrix(&buf)
	require.NoError(t, err)
	assert.Equal(t, stats.AllCopies, m)
	assert.EqualValues(t, 2, m[2][2], "goal 2 with two standard copies should land in cell [2][2]")
}
