// Package sim provides a simulated DMA UART for tests and host runs.
package sim

import (
	"errors"
	"sync"

	"github.com/robotalks/uartdma/pkg/hal"
)

var (
	// ErrNotInitialized indicates StartReceive before Init.
	ErrNotInitialized = errors.New("uart not initialized")
	// ErrNoTransfer indicates Complete without a transfer in flight.
	ErrNoTransfer = errors.New("no transfer in flight")
)

// CompletionMode selects when a simulated transfer completes.
type CompletionMode int

const (
	// CompleteSync raises TxComplete before Transmit returns.
	CompleteSync CompletionMode = iota
	// CompleteAsync raises TxComplete from a separate goroutine.
	CompleteAsync
	// CompleteManual holds the transfer until Complete is called.
	CompleteManual
)

// UART simulates a DMA UART. Received bytes are injected with Inject and
// transmitted bytes are captured and available from Output.
type UART struct {
	Mode CompletionMode
	// Loopback feeds every completed transfer back into reception.
	Loopback bool

	mu        sync.Mutex
	baud      int
	cb        hal.Callbacks
	region    []byte
	writePos  int
	busyCount int
	inFlight  []byte
	wire      []byte
	transfers []int
	txCh      chan struct{}
}

// New creates a simulated UART using mode for transfer completion.
func New(mode CompletionMode) *UART {
	return &UART{Mode: mode, txCh: make(chan struct{}, 1)}
}

// Init implements hal.UART.
func (u *UART) Init(baud int, cb hal.Callbacks) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.baud, u.cb = baud, cb
	return nil
}

// StartReceive implements hal.UART.
func (u *UART) StartReceive(region []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cb.RxEvent == nil {
		return ErrNotInitialized
	}
	u.region, u.writePos = region, 0
	return nil
}

// Transmit implements hal.UART.
func (u *UART) Transmit(p []byte) hal.TxStatus {
	u.mu.Lock()
	if u.inFlight != nil {
		u.mu.Unlock()
		return hal.TxBusy
	}
	if u.busyCount > 0 {
		u.busyCount--
		u.mu.Unlock()
		return hal.TxBusy
	}
	u.inFlight = p
	mode := u.Mode
	u.mu.Unlock()

	switch mode {
	case CompleteSync:
		u.Complete()
	case CompleteAsync:
		go u.Complete()
	}
	return hal.TxStarted
}

// Complete finishes the transfer in flight: the bytes are read from the
// transmit region at this point, as the DMA would, and TxComplete fires.
func (u *UART) Complete() error {
	u.mu.Lock()
	p := u.inFlight
	if p == nil {
		u.mu.Unlock()
		return ErrNoTransfer
	}
	sent := append([]byte(nil), p...)
	u.wire = append(u.wire, sent...)
	u.transfers = append(u.transfers, len(sent))
	u.inFlight = nil
	complete, loopback := u.cb.TxComplete, u.Loopback
	u.mu.Unlock()

	select {
	case u.txCh <- struct{}{}:
	default:
	}
	if complete != nil {
		complete()
	}
	if loopback {
		u.Inject(sent)
	}
	return nil
}

// SetBusy makes the next n Transmit calls report hal.TxBusy.
func (u *UART) SetBusy(n int) {
	u.mu.Lock()
	u.busyCount = n
	u.mu.Unlock()
}

// InFlight reports whether a transfer is waiting for completion.
func (u *UART) InFlight() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inFlight != nil
}

// Baud returns the configured baud rate.
func (u *UART) Baud() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.baud
}

// Inject receives p as if it arrived on the line: bytes are written
// circularly into the receive region, RxEvent fires whenever the write
// position reaches the end of the region and once more on the idle line
// after the last byte.
func (u *UART) Inject(p []byte) {
	for len(p) > 0 {
		u.mu.Lock()
		if u.region == nil {
			u.mu.Unlock()
			return
		}
		n := copy(u.region[u.writePos:], p)
		u.writePos += n
		pos := u.writePos
		if u.writePos == len(u.region) {
			u.writePos = 0
		}
		event := u.cb.RxEvent
		u.mu.Unlock()

		p = p[n:]
		if pos == len(u.region) || len(p) == 0 {
			event(pos)
		}
	}
}

// Output returns a copy of every byte transmitted so far.
func (u *UART) Output() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]byte(nil), u.wire...)
}

// Transfers returns the length of every completed transfer.
func (u *UART) Transfers() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int(nil), u.transfers...)
}

// Transmitted is signaled after each completed transfer.
func (u *UART) Transmitted() <-chan struct{} {
	return u.txCh
}
