package index

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/caleberi/chunkmanager/chunk"
	"github.com/caleberi/chunkmanager/common"
)

func TestStatsRecompute(t *testing.T) {
	ix := New(4)

	safe := ix.Allocate()
	safe.AddFile(2)
	safe.Version = 1
	safe.Copies = []*chunk.Copy{
		{Server: "s1", Version: 1, State: chunk.CopyValid},
		{Server: "s2", Version: 1, State: chunk.CopyValid},
	}
	safe.UpdateStats()

	lost := ix.Allocate()
	lost.AddFile(3)
	lost.Version = 1
	lost.UpdateStats()

	stats := Recompute(ix)
	assert.Equal(t, 2, stats.TotalChunks)
	assert.Equal(t, 1, stats.AvailabilityByGoal[2][chunk.AvailSafe])
	assert.Equal(t, 1, stats.AvailabilityByGoal[3][chunk.AvailLost])
	assert.Equal(t, 1, stats.DeficitHistogram[3], "lost chunk at goal 3 is missing all 3 replicas")
}

func TestStandardCopyCountsIgnoresXORAndStale(t *testing.T) {
	e := chunk.NewEntry(common.ChunkID(1))
	e.Version = 2
	e.Copies = []*chunk.Copy{
		{Server: "s1", Version: 2, State: chunk.CopyValid},
		{Server: "s2", Version: 1, State: chunk.CopyValid}, // stale
		{Server: "s3", Version: 2, State: chunk.CopyTodel},
		{Server: "s4", Version: 2, State: chunk.CopyValid, Type: common.ChunkType{XOR: true, Level: 2, Part: 1}},
	}
	all, regular := standardCopyCounts(e)
	assert.Equal(t, 2, all)
	assert.Equal(t, 1, regular)
}
