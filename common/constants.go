package common

import "time"

// Fixed protocol constants (spec §4.2, §5, §6). These are not
// live-reconfigurable; see config.Config for the tunables that are.
const (
	// LockTimeout is how long a write lease granted by multiModify /
	// multiTruncate remains valid once acquired.
	LockTimeout = 120 * time.Second

	// UnusedDeleteTimeout is how long a chunk entry discovered only from a
	// chunkserver observation (not yet known to the namespace) survives
	// before it becomes eligible for deletion.
	UnusedDeleteTimeout = 7 * 24 * time.Hour

	// MinChunkserverVersionForXOR is the minimum chunkserver software
	// version required to act as a destination for an XOR part.
	MinChunkserverVersionForXOR = "1.6.28"

	// MasterGracePeriod is how long after master startup a lack of usable
	// chunkservers is tolerated before multiModify reports no-space instead
	// of no-chunkservers.
	MasterGracePeriod = 10 * time.Minute

	// DummyLockID is the lockid handed out for idempotent replay/duplicate
	// operations, as opposed to a fresh random nonce.
	DummyLockID uint32 = 1
)
