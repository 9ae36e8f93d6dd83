package reconcile

import "time"

// Tunables are the reconciliation worker's live-reconfigurable parameters
// (spec §4.4). The config package owns loading these from YAML and
// pushing updates in via Worker.SetTunables; the worker itself only ever
// reads a snapshot through an atomic pointer.
type Tunables struct {
	// ReplicationsDelayInit is the startup grace period: no reconciliation
	// work runs before this much time has passed since the worker started.
	ReplicationsDelayInit time.Duration
	// ReplicationsDelayDisconnect is the grace period pushed out whenever
	// the usable chunkserver count drops, during which no replications run
	// (deletions and orphan cleanup still do).
	ReplicationsDelayDisconnect time.Duration

	MaxWriteRepl int
	MaxReadRepl  int

	DeleteSoftLimit int
	DeleteHardLimit int
	DisableDelete   bool

	HashSteps int // buckets visited per tick
	HashCPS   int // chunk visits allowed per tick

	AcceptableDifference float64
}

// DefaultTunables mirrors the defaults spec §4.4 documents.
func DefaultTunables() Tunables {
	return Tunables{
		ReplicationsDelayInit:       300 * time.Second,
		ReplicationsDelayDisconnect: 3600 * time.Second,
		MaxWriteRepl:                15,
		MaxReadRepl:                 18,
		DeleteSoftLimit:             10,
		DeleteHardLimit:             25,
		HashSteps:                   4,
		HashCPS:                     100000,
		AcceptableDifference:        0.1,
	}
}
