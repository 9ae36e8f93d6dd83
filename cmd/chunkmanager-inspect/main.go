// Command chunkmanager-inspect is a small, read-only diagnostic tool: it
// loads a metadata snapshot, recomputes the chunk index's aggregate
// statistics, and dumps the availability histogram (colored) and a
// compatibility counter-matrix heatmap PNG. It does not touch the
// namespace or configuration front-end the rest of the system exposes,
// this is purely for an operator staring at one snapshot file.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/caleberi/chunkmanager/diagnostics"
	"github.com/caleberi/chunkmanager/index"
	"github.com/caleberi/chunkmanager/persist"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	snapshotPath := flag.String("snapshot", "", "path to a metadata snapshot file")
	legacy := flag.Bool("legacy", false, "snapshot uses the pre-lockid 16-byte record format")
	heatmapOut := flag.String("heatmap", "", "path to write a compatibility counter-matrix heatmap PNG (optional)")
	flag.Parse()

	if *snapshotPath == "" {
		fmt.Fprintln(os.Stderr, "usage: chunkmanager-inspect -snapshot <path> [-legacy] [-heatmap <path>]")
		os.Exit(2)
	}

	f, err := os.Open(*snapshotPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *snapshotPath).Msg("open snapshot")
	}
	defer f.Close()

	idx, err := persist.Load(f, *legacy)
	if err != nil {
		log.Fatal().Err(err).Msg("load snapshot")
	}

	stats := index.Recompute(idx)
	diagnostics.DumpAvailabilityHistogram(os.Stdout, stats)

	if *heatmapOut != "" {
		cfg := diagnostics.DefaultHeatmapConfig(fmt.Sprintf("chunk copies by goal (%s)", *snapshotPath))
		if err := diagnostics.SaveCounterMatrixHeatmap(stats.AllCopies, cfg, *heatmapOut); err != nil {
			log.Fatal().Err(err).Msg("save heatmap")
		}
		fmt.Printf("heatmap written to %s\n", *heatmapOut)
	}
}
