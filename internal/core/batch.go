package core

import "slices"

const (
	// DefaultBatchSize is the number of primary recipients per provider call.
	DefaultBatchSize = 250

	// MaxBatchSize is the provider ceiling for recipients of one batch call.
	MaxBatchSize = 1000
)

// Split partitions to into contiguous batches of at most size recipients,
// preserving order. The last batch may be shorter; an empty list yields no
// batches. Split panics if size is less than 1.
//
// Each batch has its capacity clipped, so appending to one never overwrites
// the next.
func Split(to []string, size int) [][]string {
	batches := make([][]string, 0, (len(to)+max(size, 1)-1)/max(size, 1))
	for batch := range slices.Chunk(to, size) {
		batches = append(batches, batch)
	}
	return batches
}
