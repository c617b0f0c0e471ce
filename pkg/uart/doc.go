// Package uart provides a buffered, interrupt driven UART transport over DMA.
package uart

// Receive path: the hardware writes continuously into a circular DMA region.
// An idle-line interrupt reports the write position; the handler copies the
// new bytes into the RX ring and wakes the registered consumer task.
//
// Transmit path: writers queue bytes into the TX ring under the TX lock and
// wake the drain task. The drain task hands the contiguous run at the ring
// tail to the DMA transmitter, retries a fixed number of times with a fixed
// delay while the transmitter is busy, waits for the transmit-complete
// interrupt and only then pops the run.
//
// Task context callers use the blocking lock. Interrupt context callers use
// the non-blocking lock and drop their work instead of waiting.
