package diagnostics

import (
	"fmt"
	"io"
	"sort"

	"github.com/gookit/color"

	"github.com/caleberi/chunkmanager/chunk"
	"github.com/caleberi/chunkmanager/common"
	"github.com/caleberi/chunkmanager/index"
	"github.com/caleberi/chunkmanager/registry"
)

// DumpAvailabilityHistogram writes a colored breakdown of chunk
// availability by goal to w: safe in green, endangered in yellow, lost in
// red, the way an operator scanning terminal output should be able to
// spot trouble at a glance without parsing numbers.
func DumpAvailabilityHistogram(w io.Writer, stats *index.Stats) {
	fmt.Fprintf(w, "chunks: %d\n", stats.TotalChunks)

	goals := make([]int, 0, len(stats.AvailabilityByGoal))
	for g := range stats.AvailabilityByGoal {
		goals = append(goals, g)
	}
	sort.Ints(goals)

	for _, g := range goals {
		byAvail := stats.AvailabilityByGoal[g]
		fmt.Fprintf(w, "  goal %d: %s %s %s\n", g,
			color.Green.Sprintf("safe=%d", byAvail[chunk.AvailSafe]),
			color.Yellow.Sprintf("endangered=%d", byAvail[chunk.AvailEndangered]),
			color.Red.Sprintf("lost=%d", byAvail[chunk.AvailLost]))
	}
}

// DumpServerTable writes one colored line per chunkserver: usage
// fraction, and in-flight write/read/delete counters, green when idle and
// yellow once any in-flight counter is nonzero.
func DumpServerTable(w io.Writer, reg *registry.Registry, servers []common.ServerID) {
	for _, id := range servers {
		info, ok := reg.MachineInfo(id)
		if !ok {
			continue
		}
		usage := 0.0
		if info.TotalBytes > 0 {
			usage = float64(info.UsedBytes) / float64(info.TotalBytes)
		}
		writeRepl := reg.WriteReplInFlight(id)
		readRepl := reg.ReadReplInFlight(id)
		del := reg.DelInFlight(id)

		line := fmt.Sprintf("%-20s usage=%.2f%% write=%d read=%d del=%d",
			id, usage*100, writeRepl, readRepl, del)
		if writeRepl+readRepl+del > 0 {
			fmt.Fprintln(w, color.Yellow.Sprint(line))
		} else {
			fmt.Fprintln(w, color.Green.Sprint(line))
		}
	}
}
