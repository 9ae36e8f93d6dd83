package chunk

import (
	"testing"

	"github.com/caleberi/chunkmanager/common"
	"github.com/stretchr/testify/assert"
)

func TestEntryGoalBookkeeping(t *testing.T) {
	e := NewEntry(1)
	e.AddFile(2)
	assert.EqualValues(t, 1, e.FCount())
	assert.Equal(t, common.Goal(2), e.Goal)

	e.AddFile(5)
	assert.EqualValues(t, 2, e.FCount())
	assert.Equal(t, common.Goal(5), e.Goal)
	assert.Len(t, e.FTab, 2)

	assert.NoError(t, e.ChangeFile(5, 2))
	assert.Equal(t, common.Goal(2), e.Goal)
	assert.Nil(t, e.FTab)

	assert.NoError(t, e.RemoveFile(2))
	assert.NoError(t, e.RemoveFile(2))
	assert.EqualValues(t, 0, e.FCount())
	assert.Equal(t, common.NoGoal, e.Goal)
}

func TestEntryDropAllReferences(t *testing.T) {
	e := NewEntry(1)
	e.AddFile(2)
	e.AddFile(5)
	e.DropAllReferences()
	assert.EqualValues(t, 0, e.FCount())
	assert.Equal(t, common.NoGoal, e.Goal)
	assert.Nil(t, e.FTab)
}

func TestEntryRemoveFileOnEmptyIsChunkLost(t *testing.T) {
	e := NewEntry(1)
	err := e.RemoveFile(3)
	assert.ErrorIs(t, err, common.ErrChunkLost)
}

func TestEntryLockLifecycle(t *testing.T) {
	e := NewEntry(1)
	now := common.UnixSeconds(1000)

	assert.False(t, e.IsLocked(now))
	assert.ErrorIs(t, e.CanUnlock(now, 42), common.ErrNotLocked)

	e.Lock(now, 42)
	assert.True(t, e.IsLocked(now))
	assert.ErrorIs(t, e.CanUnlock(now, 7), common.ErrWrongLockID)
	assert.NoError(t, e.CanUnlock(now, 42))

	e.Unlock()
	assert.False(t, e.IsLocked(now))
}

func TestEntryAvailabilityOrdinaryGoal(t *testing.T) {
	e := NewEntry(1)
	e.AddFile(3)
	e.Version = 1

	e.Copies = []*Copy{
		{Server: "s1", Version: 1, State: CopyValid},
	}
	e.UpdateStats()
	assert.Equal(t, AvailEndangered, e.Availability())

	e.Copies = append(e.Copies,
		&Copy{Server: "s2", Version: 1, State: CopyValid},
		&Copy{Server: "s3", Version: 1, State: CopyBusy},
	)
	e.UpdateStats()
	assert.Equal(t, AvailSafe, e.Availability())

	e.Copies = nil
	e.UpdateStats()
	assert.Equal(t, AvailLost, e.Availability())
}

func TestEntryAvailabilityIgnoresStaleVersions(t *testing.T) {
	e := NewEntry(1)
	e.AddFile(2)
	e.Version = 2
	e.Copies = []*Copy{
		{Server: "s1", Version: 1, State: CopyValid}, // stale, does not count
	}
	e.UpdateStats()
	assert.Equal(t, AvailLost, e.Availability())
}

func TestEntryAvailabilityXOR(t *testing.T) {
	e := NewEntry(1)
	e.AddFile(common.XORGoal(2)) // 2 data parts + 1 parity = 3 required parts
	e.Version = 1

	e.Copies = []*Copy{
		{Server: "s1", Version: 1, State: CopyValid, Type: common.ChunkType{XOR: true, Level: 2, Part: 1}},
		{Server: "s2", Version: 1, State: CopyValid, Type: common.ChunkType{XOR: true, Level: 2, Part: 2}},
		{Server: "s3", Version: 1, State: CopyValid, Type: common.ChunkType{XOR: true, Level: 2, Part: 0}},
	}
	e.UpdateStats()
	// Every part is present but each has only one copy, so losing any one
	// server loses the chunk.
	assert.Equal(t, AvailEndangered, e.Availability())

	e.Copies = e.Copies[:2] // drop the parity fragment
	e.UpdateStats()
	assert.Equal(t, AvailLost, e.Availability())
}

func TestEntryRepairPicksHighestVersion(t *testing.T) {
	e := NewEntry(1)
	e.Version = 1
	e.Copies = []*Copy{
		{Server: "s1", Version: 1, State: CopyInvalid},
		{Server: "s2", Version: 2, State: CopyInvalid},
		{Server: "s3", Version: 2, State: CopyInvalid},
	}
	version, promoted := e.Repair()
	assert.EqualValues(t, 2, version)
	assert.Equal(t, 2, promoted)
	assert.Equal(t, CopyValid, e.Copies[1].State)
	assert.Equal(t, CopyValid, e.Copies[2].State)
	assert.Equal(t, CopyInvalid, e.Copies[0].State)
}

func TestCopyStateTransitions(t *testing.T) {
	c := &Copy{State: CopyValid}
	c.MarkBusy()
	assert.Equal(t, CopyBusy, c.State)
	c.Succeed()
	assert.Equal(t, CopyValid, c.State)

	c.State = CopyTodel
	c.MarkBusy()
	assert.Equal(t, CopyTdBusy, c.State)
	c.Fail()
	assert.Equal(t, CopyInvalid, c.State)

	c.MarkForDeletion()
	assert.Equal(t, CopyDel, c.State)
}
