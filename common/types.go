// Package common holds the small opaque identifier types shared by every
// layer of the chunk manager, in the same spirit as the teacher's own
// common package: thin wrapper types over primitives instead of bare
// int64/string arguments threaded through every signature.
package common

import "time"

// ChunkID is the 64-bit identifier of a chunk, allocated monotonically by
// the manager's id counter.
type ChunkID uint64

// ServerID names a chunkserver as known to the registry. The chunk manager
// never dials a chunkserver itself; it only ever sees this opaque handle.
type ServerID string

// Goal is a chunk's replication requirement: either an ordinary replica
// count in [MinOrdinaryGoal, MaxOrdinaryGoal], or an XOR (erasure-coded)
// scheme encoded above MaxOrdinaryGoal.
type Goal uint8

const (
	NoGoal          Goal = 0
	MinOrdinaryGoal Goal = 1
	MaxOrdinaryGoal Goal = 10
	xorGoalBase     Goal = MaxOrdinaryGoal + 1
)

// IsOrdinary reports whether g names a plain replica-count goal.
func (g Goal) IsOrdinary() bool {
	return g >= MinOrdinaryGoal && g <= MaxOrdinaryGoal
}

// IsXOR reports whether g names an erasure-coded scheme.
func (g Goal) IsXOR() bool {
	return g > MaxOrdinaryGoal
}

// XORGoal builds the encoded goal for an erasure-coded scheme with the
// given number of data parts (level, in [2,9]).
func XORGoal(level uint8) Goal {
	return xorGoalBase + Goal(level)
}

// XORLevel returns the number of data parts encoded in an XOR goal. Only
// meaningful when g.IsXOR().
func (g Goal) XORLevel() uint8 {
	return uint8(g - xorGoalBase)
}

// RequiredParts returns the number of distinct chunk-parts this goal
// requires to be present for the chunk to be considered fully safe: the
// replica count for an ordinary goal, or data+1 parity part for XOR.
func (g Goal) RequiredParts() int {
	if g.IsXOR() {
		return int(g.XORLevel()) + 1
	}
	return int(g)
}

// ChunkType identifies which part of a chunk a copy holds: the whole
// ("standard") replica, or one fragment of an XOR scheme.
type ChunkType struct {
	XOR   bool
	Level uint8 // number of data parts in the XOR scheme; 0 for standard
	Part  uint8 // 1..Level selects a data fragment; 0 selects the parity fragment
}

// StandardType is the zero-value chunk type: a whole replica.
var StandardType = ChunkType{}

// IsParity reports whether ct names the parity fragment of an XOR scheme.
func (ct ChunkType) IsParity() bool {
	return ct.XOR && ct.Part == 0
}

// GoalParts enumerates the distinct chunk-part identities a goal requires:
// a single standard replica slot for an ordinary goal, or the parity part
// plus every data part for an XOR scheme. Shared by the manager (to create
// the right part on each destination server) and the reconciliation worker
// (to check which parts a chunk is missing or carries in surplus).
func GoalParts(goal Goal) []ChunkType {
	if !goal.IsXOR() {
		return []ChunkType{StandardType}
	}
	level := goal.XORLevel()
	parts := make([]ChunkType, 0, level+1)
	parts = append(parts, ChunkType{XOR: true, Level: level, Part: 0})
	for p := uint8(1); p <= level; p++ {
		parts = append(parts, ChunkType{XOR: true, Level: level, Part: p})
	}
	return parts
}

// UnixSeconds is a wall-clock timestamp expressed in whole seconds, the
// unit the lock-expiry protocol is specified in.
type UnixSeconds uint32

// Now returns the current wall clock time as UnixSeconds.
func Now() UnixSeconds {
	return UnixSeconds(time.Now().Unix())
}

// Before reports whether t names a time strictly before now.
func (t UnixSeconds) Before(now UnixSeconds) bool {
	return t < now
}

// MachineInfo is what a chunkserver reports about itself on first contact.
type MachineInfo struct {
	Hostname   string
	UsedBytes  uint64
	TotalBytes uint64
	Version    string // chunkserver software version, e.g. "1.6.28"
}
