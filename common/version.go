package common

import (
	"strconv"
	"strings"
)

// VersionAtLeast compares two dotted chunkserver version strings
// numerically component-by-component (so "1.6.9" < "1.6.28", unlike a
// plain string compare). Used to gate destinations for XOR parts on
// MinChunkserverVersionForXOR. A malformed component compares as 0: a
// chunkserver reporting a garbled version is simply treated as old.
func VersionAtLeast(version, min string) bool {
	vs := strings.Split(version, ".")
	ms := strings.Split(min, ".")
	for i := 0; i < len(vs) || i < len(ms); i++ {
		var v, m int
		if i < len(vs) {
			v, _ = strconv.Atoi(vs[i])
		}
		if i < len(ms) {
			m, _ = strconv.Atoi(ms[i])
		}
		if v != m {
			return v > m
		}
	}
	return true
}
