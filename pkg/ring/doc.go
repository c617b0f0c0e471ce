// Package ring provides a fixed-capacity circular buffer for DMA-driven I/O.
package ring

// The buffer never allocates after construction and never overwrites data.
// Occupied and free space are derived from head, tail and a full flag, since
// head == tail alone cannot tell an empty buffer from a full one.
//
// Hardware DMA moves one contiguous memory region per transfer, so besides
// total counts the buffer reports the contiguous runs at tail (what can be
// transmitted in one go) and at head (what can be written in one go).
