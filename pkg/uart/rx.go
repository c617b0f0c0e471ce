package uart

import (
	"github.com/robotalks/uartdma/pkg/rtos"
)

// RegisterTaskToNotifyOnRx sets the notifier woken whenever received bytes
// are moved into the RX ring.
func (c *Channel) RegisterTaskToNotifyOnRx(n *rtos.Notifier) {
	c.rxNotify.Store(n)
}

// Available returns the number of received bytes ready to read.
func (c *Channel) Available() int {
	lock := c.lockRx()
	defer c.unlockRx(lock)
	return c.rx.Occupied()
}

// GetOne removes and returns the oldest received byte. ok is false when
// nothing was received.
func (c *Channel) GetOne() (b byte, ok bool) {
	lock := c.lockRx()
	defer c.unlockRx(lock)
	if c.rx.IsEmpty() {
		return 0, false
	}
	return c.rx.Pop(), true
}

// GetN moves up to len(dst) received bytes into dst and returns how many.
func (c *Channel) GetN(dst []byte) int {
	lock := c.lockRx()
	defer c.unlockRx(lock)
	n := 0
	for n < len(dst) && !c.rx.IsEmpty() {
		m := copy(dst[n:], c.rx.OccupiedRun())
		c.rx.PopN(m)
		n += m
	}
	return n
}

func (c *Channel) lockRx() *rtos.Lock {
	return rtos.Acquire(c.rxSem)
}

// unlockRx releases the RX lock and ingests an RX event the interrupt had
// to leave behind while the lock was held.
func (c *Channel) unlockRx(lock *rtos.Lock) {
	lock.Release()
	c.ingestPending()
}

// onRxEvent is the idle-line interrupt. It never blocks: when a task holds
// the RX lock the position stays pending and the holder ingests it on
// release.
func (c *Channel) onRxEvent(pos int) {
	c.pendingPos.Store(int32(pos))
	c.ingestPending()
}

func (c *Channel) ingestPending() {
	for c.pendingPos.Load() >= 0 {
		lock := rtos.TryAcquire(c.rxSem)
		if !lock.Locked() {
			c.stats.rxDeferred.Add(1)
			return
		}
		pos := c.pendingPos.Swap(-1)
		if pos >= 0 {
			c.ingest(int(pos))
		}
		lock.Release()
		if pos >= 0 {
			if n := c.rxNotify.Load(); n != nil {
				n.Notify()
			}
		}
	}
}

// ingest moves the bytes the DMA wrote between the last observed position
// and pos into the RX ring. pos == len(region) marks the end of a lap.
// Caller holds the RX lock.
func (c *Channel) ingest(pos int) {
	size := len(c.region)
	if pos < 0 || pos > size {
		return
	}
	var chunks [2][]byte
	if pos >= c.lastPos {
		chunks[0] = c.region[c.lastPos:pos]
	} else {
		chunks[0], chunks[1] = c.region[c.lastPos:], c.region[:pos]
	}
	c.lastPos = pos % size
	for _, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		n := c.rx.PushN(chunk)
		c.stats.rxBytes.Add(uint64(len(chunk)))
		if dropped := len(chunk) - n; dropped > 0 {
			c.stats.rxDropped.Add(uint64(dropped))
		}
		c.tapped(DirRx, chunk)
	}
}
