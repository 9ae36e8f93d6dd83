package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/caleberi/chunkmanager/index"
)

// WriteCounterMatrix serialises an 11x11 compatibility counter matrix as
// 121 big-endian u32 cells in row-major (goal, standard-copy-count) order
// (spec §6). Used for both the all-copies and regular-copies matrices in
// index.Stats.
func WriteCounterMatrix(w io.Writer, m index.CounterMatrix) error {
	bw := bufio.NewWriter(w)
	var cell [4]byte
	for _, row := range m {
		for _, v := range row {
			binary.BigEndian.PutUint32(cell[:], v)
			if _, err := bw.Write(cell[:]); err != nil {
				return fmt.Errorf("persist: write counter matrix cell: %w", err)
			}
		}
	}
	return bw.Flush()
}

// ReadCounterMatrix is WriteCounterMatrix's inverse, for tooling that
// reloads a previously exported matrix.
func ReadCounterMatrix(r io.Reader) (index.CounterMatrix, error) {
	var m index.CounterMatrix
	br := bufio.NewReader(r)
	var cell [4]byte
	for i := range m {
		for j := range m[i] {
			if _, err := io.ReadFull(br, cell[:]); err != nil {
				return m, fmt.Errorf("persist: read counter matrix cell: %w", err)
			}
			m[i][j] = binary.BigEndian.Uint32(cell[:])
		}
	}
	return m, nil
}
