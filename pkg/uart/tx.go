package uart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/uartdma/pkg/hal"
	"github.com/robotalks/uartdma/pkg/rtos"
)

// DrainState is the state of the drain cycle.
type DrainState int32

const (
	// DrainIdle waits for the next notification.
	DrainIdle DrainState = iota
	// DrainTransmitStarted has handed a run to the hardware.
	DrainTransmitStarted
	// DrainRetryBusy waits before asking a busy transmitter again.
	DrainRetryBusy
	// DrainWaitComplete waits for the transmit-complete interrupt.
	DrainWaitComplete
)

// String implements fmt.Stringer.
func (s DrainState) String() string {
	switch s {
	case DrainIdle:
		return "idle"
	case DrainTransmitStarted:
		return "transmit-started"
	case DrainRetryBusy:
		return "retry-busy"
	case DrainWaitComplete:
		return "wait-complete"
	}
	return fmt.Sprintf("DrainState(%d)", int32(s))
}

// DrainState returns the current state of the drain cycle.
func (c *Channel) DrainState() DrainState {
	return DrainState(c.state.Load())
}

// InFlight reports whether a DMA transfer has been accepted and has not
// completed yet.
func (c *Channel) InFlight() bool {
	return c.inFlight.Load()
}

func (c *Channel) setState(s DrainState) {
	if DrainState(c.state.Swap(int32(s))) != s {
		glog.V(5).Infof("uart drain: %s", s)
	}
}

// Send queues all of p for transmission. While the TX ring is full it
// wakes the drain task and yields until space is freed.
func (c *Channel) Send(p []byte) {
	for sent := 0; sent < len(p); {
		lock := rtos.Acquire(c.txSem)
		sent += c.tx.PushN(p[sent:])
		lock.Release()
		if sent < len(p) {
			c.txTask.Notify()
			c.waitSpace()
		}
	}
	c.txTask.Notify()
}

// Write implements io.Writer on top of Send.
func (c *Channel) Write(p []byte) (int, error) {
	c.Send(p)
	return len(p), nil
}

func (c *Channel) waitSpace() {
	timer := time.NewTimer(c.RetryDelay)
	defer timer.Stop()
	select {
	case <-c.txSpace.C():
	case <-timer.C:
	}
}

// Printf formats directly into a contiguous region reserved in the TX ring
// and returns the length of the formatted text. The region holds the text
// and a NUL terminator, and both are transmitted. When no contiguous region
// is large enough it flushes the ring to the hardware, reclaims the storage
// and tries once more; if that fails too the message is dropped and 0 is
// returned.
//
// Arguments are formatted twice, once to measure and once to write, and
// must produce the same output both times.
func (c *Channel) Printf(format string, args ...interface{}) int {
	n := formattedLen(format, args...)
	if n == 0 {
		return 0
	}
	lock := rtos.Acquire(c.txSem)
	defer lock.Release()

	region, ok := c.tx.Reserve(n + 1)
	if !ok {
		if err := c.drainLocked(context.Background()); err != nil {
			glog.V(2).Infof("uart printf flush: %v", err)
		}
		if c.tx.IsEmpty() {
			c.tx.Reset()
		}
		region, ok = c.tx.Reserve(n + 1)
	}
	if !ok {
		c.stats.printfDrops.Add(1)
		return 0
	}
	writeTerminated(region, format, args...)
	c.txTask.Notify()
	return n
}

// Println is Printf with a trailing CRLF.
func (c *Channel) Println(format string, args ...interface{}) int {
	return c.Printf(format+"\r\n", args...)
}

// PrintfFromISR is the interrupt context variant of Printf. It never blocks
// and never flushes: when the TX lock is taken or no contiguous region is
// large enough the message is dropped and 0 is returned, leaving the TX ring
// untouched.
func (c *Channel) PrintfFromISR(format string, args ...interface{}) int {
	n := formattedLen(format, args...)
	if n == 0 {
		return 0
	}
	lock := rtos.TryAcquire(c.txSem)
	if !lock.Locked() {
		c.stats.isrDrops.Add(1)
		return 0
	}
	defer lock.Release()
	region, ok := c.tx.Reserve(n + 1)
	if !ok {
		c.stats.isrDrops.Add(1)
		return 0
	}
	writeTerminated(region, format, args...)
	c.txTask.Notify()
	return n
}

// Flush synchronously transmits everything queued. It returns ErrTxBusy
// when the hardware stayed busy; the remaining bytes stay queued.
func (c *Channel) Flush(ctx context.Context) error {
	lock := rtos.Acquire(c.txSem)
	defer lock.Release()
	return c.drainLocked(ctx)
}

func (c *Channel) drainTask(ctx context.Context) error {
	for {
		if err := c.txTask.Wait(ctx); err != nil {
			return err
		}
		lock := rtos.Acquire(c.txSem)
		err := c.drainLocked(ctx)
		lock.Release()
		switch {
		case errors.Is(err, ErrTxBusy):
			glog.V(2).Infof("uart drain: %v", err)
		case err != nil:
			return err
		}
	}
}

// drainLocked transmits contiguous runs until the TX ring is empty. A run
// is popped only after the hardware reported completion, because the DMA
// reads it straight from ring storage. Caller holds the TX lock.
func (c *Channel) drainLocked(ctx context.Context) error {
	if err := c.settleLocked(ctx); err != nil {
		return err
	}
	for {
		run := c.tx.OccupiedRun()
		if len(run) == 0 {
			c.setState(DrainIdle)
			return nil
		}
		if !c.startTransmit(run) {
			c.stats.txAbortedCycles.Add(1)
			c.setState(DrainIdle)
			return ErrTxBusy
		}
		c.unacked = len(run)
		if err := c.settleLocked(ctx); err != nil {
			return err
		}
	}
}

// settleLocked waits for the last accepted transfer and pops its run. A
// transfer outlives a cancelled wait: its run stays in the ring until a
// later drain settles it, and nothing is transmitted before that.
func (c *Channel) settleLocked(ctx context.Context) error {
	if c.unacked == 0 {
		return nil
	}
	c.setState(DrainWaitComplete)
	if err := c.txDone.Wait(ctx); err != nil {
		glog.V(2).Infof("uart drain: %d bytes still in flight: %v", c.unacked, err)
		return err
	}
	run := c.tx.OccupiedRun()[:c.unacked]
	c.unacked = 0
	c.tapped(DirTx, run)
	c.tx.PopN(len(run))
	c.stats.txBytes.Add(uint64(len(run)))
	c.txSpace.Notify()
	return nil
}

func (c *Channel) startTransmit(run []byte) bool {
	for attempt := 1; ; attempt++ {
		c.setState(DrainTransmitStarted)
		c.txDone.Clear()
		c.inFlight.Store(true)
		if c.hw.Transmit(run) == hal.TxStarted {
			return true
		}
		c.inFlight.Store(false)
		if attempt >= c.MaxAttempts {
			return false
		}
		c.setState(DrainRetryBusy)
		c.stats.txBusyRetries.Add(1)
		time.Sleep(c.RetryDelay)
	}
}

// onTxComplete is the transmit-complete interrupt.
func (c *Channel) onTxComplete() {
	c.inFlight.Store(false)
	c.txDone.Signal()
}

type countWriter int

func (w *countWriter) Write(p []byte) (int, error) {
	*w += countWriter(len(p))
	return len(p), nil
}

func formattedLen(format string, args ...interface{}) int {
	var w countWriter
	fmt.Fprintf(&w, format, args...)
	return int(w)
}

// writeTerminated formats into region and ends it with NUL. Output beyond
// the last slot but one is truncated.
func writeTerminated(region []byte, format string, args ...interface{}) {
	last := len(region) - 1
	fmt.Fprintf(&regionWriter{region: region[:last]}, format, args...)
	region[last] = 0
}

// regionWriter fills a reserved region and silently truncates beyond it.
type regionWriter struct {
	region []byte
	off    int
}

func (w *regionWriter) Write(p []byte) (int, error) {
	w.off += copy(w.region[w.off:], p)
	return len(p), nil
}
