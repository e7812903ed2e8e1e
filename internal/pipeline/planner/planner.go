// Package planner owns the fan-out arithmetic: fixed-size chunking of item ID
// lists and the tuning values the workflow topology runs with. Chunking keeps
// every durable-execution unit's history bounded no matter how many items a
// run contains.
package planner

import "github.com/google/uuid"

// Chunk partitions ids into consecutive slices of at most size elements,
// preserving order. The last chunk may be short. A non-positive size falls
// back to the default chunk size.
func Chunk(ids []uuid.UUID, size int) [][]uuid.UUID {
	if size <= 0 {
		size = 100
	}
	if len(ids) == 0 {
		return nil
	}
	out := make([][]uuid.UUID, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
