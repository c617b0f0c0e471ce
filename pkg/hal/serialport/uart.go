// Package serialport drives a host serial device as a hal.UART.
//
// A reader goroutine stands in for circular DMA: bytes are copied into the
// receive region at a wrapping write position and RxEvent is raised at the
// end of every lap and whenever a read returns, as the idle-line interrupt
// would. Transmit writes from its own goroutine and raises TxComplete when
// the write returns.
package serialport

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/tarm/serial"

	"github.com/robotalks/uartdma/pkg/hal"
)

var (
	// ErrNotInitialized indicates StartReceive before Init.
	ErrNotInitialized = errors.New("serial port not initialized")
	// ErrReceiving indicates StartReceive was called twice.
	ErrReceiving = errors.New("serial port already receiving")
)

// Port is the part of *serial.Port used by UART.
type Port interface {
	io.ReadWriteCloser
	Flush() error
}

// UART is a hal.UART on a host serial port.
type UART struct {
	Config Config

	port      Port
	cb        hal.Callbacks
	region    []byte
	writePos  int
	receiving bool
	txBusy    atomic.Bool
	closed    atomic.Bool
	readDone  chan struct{}

	errLock sync.Mutex
	err     error
}

// New creates a UART which opens conf.Device on Init.
func New(conf Config) *UART {
	return &UART{Config: conf, readDone: make(chan struct{})}
}

// NewWithPort creates a UART on an already opened port.
func NewWithPort(port Port) *UART {
	return &UART{port: port, readDone: make(chan struct{})}
}

// Init implements hal.UART.
func (u *UART) Init(baud int, cb hal.Callbacks) error {
	if u.port == nil {
		port, err := serial.OpenPort(&serial.Config{
			Name:        u.Config.Device,
			Baud:        baud,
			ReadTimeout: u.Config.ReadTimeout,
		})
		if err != nil {
			return err
		}
		u.port = port
	}
	if err := u.port.Flush(); err != nil {
		glog.Warningf("serial flush: %v", err)
	}
	u.cb = cb
	return nil
}

// StartReceive implements hal.UART.
func (u *UART) StartReceive(region []byte) error {
	if u.port == nil || u.cb.RxEvent == nil {
		return ErrNotInitialized
	}
	if u.receiving {
		return ErrReceiving
	}
	u.region, u.writePos, u.receiving = region, 0, true
	go u.readLoop()
	return nil
}

// Transmit implements hal.UART.
func (u *UART) Transmit(p []byte) hal.TxStatus {
	if !u.txBusy.CompareAndSwap(false, true) {
		return hal.TxBusy
	}
	go func() {
		if _, err := u.port.Write(p); err != nil && !u.closed.Load() {
			glog.Errorf("serial write: %v", err)
			u.setErr(err)
		}
		u.txBusy.Store(false)
		if u.cb.TxComplete != nil {
			u.cb.TxComplete()
		}
	}()
	return hal.TxStarted
}

// Close closes the port and waits for the reader to stop.
func (u *UART) Close() error {
	if u.port == nil || !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := u.port.Close()
	if u.receiving {
		<-u.readDone
	}
	return err
}

// Err returns the error which stopped the reader or failed the last write.
func (u *UART) Err() error {
	u.errLock.Lock()
	defer u.errLock.Unlock()
	return u.err
}

func (u *UART) setErr(err error) {
	u.errLock.Lock()
	u.err = err
	u.errLock.Unlock()
}

func (u *UART) readLoop() {
	defer close(u.readDone)
	buf := make([]byte, len(u.region))
	for !u.closed.Load() {
		n, err := u.port.Read(buf)
		if n > 0 {
			u.receive(buf[:n])
		}
		if err != nil && err != io.EOF && !os.IsTimeout(err) {
			if !u.closed.Load() {
				glog.Errorf("serial read: %v", err)
				u.setErr(err)
			}
			return
		}
	}
}

// receive copies p circularly into the region and raises RxEvent at each
// lap end and once after the last byte.
func (u *UART) receive(p []byte) {
	for len(p) > 0 {
		n := copy(u.region[u.writePos:], p)
		u.writePos += n
		p = p[n:]
		pos := u.writePos
		if u.writePos == len(u.region) {
			u.writePos = 0
		}
		if pos == len(u.region) || len(p) == 0 {
			u.cb.RxEvent(pos)
		}
	}
}
