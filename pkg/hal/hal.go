// Package hal defines the UART hardware contract consumed by the transport.
package hal

// TxStatus is the answer of the hardware to a transmit request.
type TxStatus int

const (
	// TxStarted means the transfer was accepted and runs asynchronously.
	TxStarted TxStatus = iota
	// TxBusy means the transmitter is still occupied; nothing was started.
	TxBusy
)

// String implements fmt.Stringer.
func (s TxStatus) String() string {
	switch s {
	case TxStarted:
		return "started"
	case TxBusy:
		return "busy"
	}
	return "unknown"
}

// Callbacks are raised by the hardware in interrupt context. They must not
// block.
type Callbacks struct {
	// RxEvent reports the DMA write position within the receive region,
	// in [0, len(region)]. It fires on idle line and when the write
	// position reaches the end of the region.
	RxEvent func(pos int)
	// TxComplete reports the end of the transfer started by Transmit.
	TxComplete func()
}

// UART is an asynchronous DMA-capable UART.
type UART interface {
	// Init configures the peripheral and installs the callbacks.
	Init(baud int, cb Callbacks) error
	// StartReceive starts circular reception into region. The hardware
	// owns region from now on and writes it without CPU involvement.
	StartReceive(region []byte) error
	// Transmit starts sending p. p must not be modified until TxComplete
	// fires.
	Transmit(p []byte) TxStatus
}
