package uart

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sys/cpu"

	"github.com/robotalks/uartdma/pkg/hal"
	"github.com/robotalks/uartdma/pkg/ring"
	"github.com/robotalks/uartdma/pkg/rtos"
)

// Defaults match the board firmware.
const (
	DefaultBaud          = 115200
	DefaultRxCapacity    = 64
	DefaultTxCapacity    = 64
	DefaultDMARegionSize = 64
	DefaultMaxAttempts   = 20
	DefaultRetryDelay    = 10 * time.Millisecond
)

// Direction tells which way tapped bytes travel.
type Direction int

const (
	// DirRx is data received from the line.
	DirRx Direction = iota
	// DirTx is data transmitted on the line.
	DirTx
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == DirTx {
		return "tx"
	}
	return "rx"
}

// Tap observes bytes on the wire. p is only valid during the call.
// RX taps run in interrupt context and must not block.
type Tap interface {
	Tapped(dir Direction, p []byte)
}

// TapFunc is the func form of Tap.
type TapFunc func(Direction, []byte)

// Tapped implements Tap.
func (f TapFunc) Tapped(dir Direction, p []byte) {
	f(dir, p)
}

// Taps fans tapped bytes out to every Tap in order.
type Taps []Tap

// Tapped implements Tap.
func (t Taps) Tapped(dir Direction, p []byte) {
	for _, tap := range t {
		tap.Tapped(dir, p)
	}
}

type tapBox struct {
	Tap
}

// Stats are running counters of a Channel.
type Stats struct {
	RxBytes         uint64
	RxDropped       uint64
	RxDeferred      uint64
	TxBytes         uint64
	TxBusyRetries   uint64
	TxAbortedCycles uint64
	PrintfDrops     uint64
	ISRDrops        uint64
}

type counters struct {
	rxBytes         atomic.Uint64
	rxDropped       atomic.Uint64
	rxDeferred      atomic.Uint64
	txBytes         atomic.Uint64
	txBusyRetries   atomic.Uint64
	txAbortedCycles atomic.Uint64
	printfDrops     atomic.Uint64
	isrDrops        atomic.Uint64
}

// Channel is a buffered UART transport on top of a DMA capable hal.UART.
//
// Received bytes land in a circular DMA region, are moved into the RX ring
// by the idle-line interrupt and handed to the application through
// Available, GetOne and GetN. Outgoing bytes are queued into the TX ring by
// Send and Printf and moved to the hardware by a drain task started in
// Begin.
type Channel struct {
	// Baud is applied by Begin.
	Baud int
	// MaxAttempts bounds the transmit attempts per run while the hardware
	// reports busy, before the drain cycle is abandoned.
	MaxAttempts int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration

	hw hal.UART

	rxSem      *rtos.Semaphore
	rx         *ring.RingBuffer[byte]
	region     []byte
	lastPos    int
	pendingPos atomic.Int32
	rxNotify   atomic.Pointer[rtos.Notifier]

	_ cpu.CacheLinePad

	txSem    *rtos.Semaphore
	tx       *ring.RingBuffer[byte]
	txTask   *rtos.Notifier
	txSpace  *rtos.Notifier
	txDone   *rtos.Completion
	unacked  int
	inFlight atomic.Bool
	state    atomic.Int32

	tap       atomic.Value
	begun     atomic.Bool
	drainDone chan struct{}
	stats     counters
}

// NewChannel creates a Channel with the given ring capacities and DMA
// receive region size. All storage is allocated here.
func NewChannel(hw hal.UART, rxCapacity, txCapacity, regionSize int) *Channel {
	c := &Channel{
		Baud:        DefaultBaud,
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  DefaultRetryDelay,

		hw:     hw,
		rxSem:  rtos.NewBinarySemaphore(),
		rx:     ring.New[byte](rxCapacity),
		region: make([]byte, regionSize),

		txSem:     rtos.NewBinarySemaphore(),
		tx:        ring.New[byte](txCapacity),
		txTask:    rtos.NewNotifier(),
		txSpace:   rtos.NewNotifier(),
		txDone:    rtos.NewCompletion(),
		drainDone: make(chan struct{}),
	}
	c.pendingPos.Store(-1)
	c.tap.Store(tapBox{})
	return c
}

// Begin configures the hardware, starts circular reception and starts the
// drain task, which runs until ctx is done. It may be called once.
func (c *Channel) Begin(ctx context.Context) error {
	if !c.begun.CompareAndSwap(false, true) {
		return ErrAlreadyBegun
	}
	cb := hal.Callbacks{RxEvent: c.onRxEvent, TxComplete: c.onTxComplete}
	if err := c.hw.Init(c.Baud, cb); err != nil {
		return &HardwareError{Op: "init", Err: err}
	}
	if err := c.hw.StartReceive(c.region); err != nil {
		return &HardwareError{Op: "receive", Err: err}
	}
	glog.V(1).Infof("uart begun: baud=%d rx=%d tx=%d dma=%d",
		c.Baud, c.rx.Cap(), c.tx.Cap(), len(c.region))
	go func() {
		defer close(c.drainDone)
		err := c.drainTask(ctx)
		glog.V(2).Infof("uart drain task stopped: %v", err)
	}()
	return nil
}

// Run implements rtos.Task: it begins the channel and returns when ctx is
// done and the drain task has stopped.
func (c *Channel) Run(ctx context.Context) error {
	if err := c.Begin(ctx); err != nil {
		return err
	}
	<-c.drainDone
	return ctx.Err()
}

// Done is closed when the drain task has stopped.
func (c *Channel) Done() <-chan struct{} {
	return c.drainDone
}

// SetTap installs t to observe wire traffic. nil removes the tap.
func (c *Channel) SetTap(t Tap) {
	c.tap.Store(tapBox{t})
}

func (c *Channel) tapped(dir Direction, p []byte) {
	if t := c.tap.Load().(tapBox); t.Tap != nil && len(p) > 0 {
		t.Tapped(dir, p)
	}
}

// ResetBuffers discards everything queued for transmission and everything
// received but not yet read. A transfer still in flight is waited for first.
func (c *Channel) ResetBuffers() {
	txLock := rtos.Acquire(c.txSem)
	if err := c.settleLocked(context.Background()); err != nil {
		glog.Errorf("uart reset: %v", err)
	}
	c.tx.Reset()
	txLock.Release()
	c.txSpace.Notify()

	rxLock := c.lockRx()
	c.rx.Reset()
	c.unlockRx(rxLock)
}

// Stats returns a copy of the counters.
func (c *Channel) Stats() Stats {
	return Stats{
		RxBytes:         c.stats.rxBytes.Load(),
		RxDropped:       c.stats.rxDropped.Load(),
		RxDeferred:      c.stats.rxDeferred.Load(),
		TxBytes:         c.stats.txBytes.Load(),
		TxBusyRetries:   c.stats.txBusyRetries.Load(),
		TxAbortedCycles: c.stats.txAbortedCycles.Load(),
		PrintfDrops:     c.stats.printfDrops.Load(),
		ISRDrops:        c.stats.isrDrops.Load(),
	}
}

// Buffers returns the index state of the RX and TX rings.
func (c *Channel) Buffers() (rx, tx ring.State) {
	rxLock := c.lockRx()
	rx = c.rx.Snapshot()
	c.unlockRx(rxLock)
	txLock := rtos.Acquire(c.txSem)
	tx = c.tx.Snapshot()
	txLock.Release()
	return
}
