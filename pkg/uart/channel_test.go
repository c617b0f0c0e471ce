package uart

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/uartdma/pkg/hal"
	"github.com/robotalks/uartdma/pkg/hal/sim"
	"github.com/robotalks/uartdma/pkg/rtos"
)

type channelTestEnv struct {
	t      *testing.T
	hw     *sim.UART
	ch     *Channel
	cancel func()
}

func newChannelTestEnv(t *testing.T, mode sim.CompletionMode, rxCap, txCap, region int) *channelTestEnv {
	env := &channelTestEnv{t: t, hw: sim.New(mode)}
	env.ch = NewChannel(env.hw, rxCap, txCap, region)
	env.ch.RetryDelay = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	require.NoError(t, env.ch.Begin(ctx))
	t.Cleanup(cancel)
	return env
}

func (e *channelTestEnv) waitFor(what string, cond func() bool) {
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			e.t.Fatalf("%s: timeout", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func (e *channelTestEnv) waitOutput(expected string) {
	e.waitFor("output "+expected, func() bool {
		return len(e.hw.Output()) >= len(expected)
	})
	require.Equal(e.t, expected, string(e.hw.Output()))
}

func (e *channelTestEnv) txEmpty() bool {
	_, tx := e.ch.Buffers()
	return tx.Occupied == 0
}

func TestBegin(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 8, 8, 8)
	require.Equal(t, DefaultBaud, env.hw.Baud())
	require.Equal(t, ErrAlreadyBegun, env.ch.Begin(context.Background()))
	require.Equal(t, DrainIdle, env.ch.DrainState())
}

type failingUART struct {
	sim.UART
}

func (u *failingUART) Init(int, hal.Callbacks) error {
	return errors.New("no clock")
}

func TestBeginHardwareError(t *testing.T) {
	ch := NewChannel(&failingUART{}, 8, 8, 8)
	err := ch.Begin(context.Background())
	var hwErr *HardwareError
	require.True(t, errors.As(err, &hwErr))
	require.Equal(t, "init", hwErr.Op)
	require.Equal(t, "uart init: no clock", err.Error())
}

func TestDrainCycle(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 16, 16, 16)
	lock := rtos.Acquire(env.ch.txSem)
	require.Equal(t, 12, env.ch.tx.PushN([]byte("Hello world!")))
	lock.Release()

	require.NoError(t, env.ch.Flush(context.Background()))
	require.Equal(t, "Hello world!", string(env.hw.Output()))
	require.Equal(t, []int{12}, env.hw.Transfers())
	require.True(t, env.txEmpty())
	require.Equal(t, uint64(12), env.ch.Stats().TxBytes)
	require.False(t, env.ch.InFlight())
}

func TestDrainCycleWrapsInTwoRuns(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 8, 8, 8)
	lock := rtos.Acquire(env.ch.txSem)
	env.ch.tx.PushN([]byte("xxxxx"))
	env.ch.tx.PopN(5)
	env.ch.tx.PushN([]byte("abcdef"))
	lock.Release()

	require.NoError(t, env.ch.Flush(context.Background()))
	require.Equal(t, "abcdef", string(env.hw.Output()))
	require.Equal(t, []int{3, 3}, env.hw.Transfers())
}

func TestSendWakesDrainTask(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteAsync, 8, 8, 8)
	env.ch.Send([]byte("Hello world!"))
	env.waitOutput("Hello world!")
	env.waitFor("tx empty", env.txEmpty)
}

func TestSendLargerThanRing(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteAsync, 8, 4, 8)
	msg := "the quick brown fox jumps over the lazy dog"
	n, err := env.ch.Write([]byte(msg))
	require.NoError(t, err)
	require.Equal(t, len(msg), n)
	env.waitOutput(msg)
}

func TestBusyRetry(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 8, 8, 8)
	env.ch.MaxAttempts = 5
	env.hw.SetBusy(3)
	env.ch.Send([]byte("ok"))
	env.waitOutput("ok")
	require.Equal(t, uint64(3), env.ch.Stats().TxBusyRetries)
	require.Equal(t, uint64(0), env.ch.Stats().TxAbortedCycles)
}

func TestBusyRetryExhausted(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 8, 8, 8)
	env.ch.MaxAttempts = 3
	env.hw.SetBusy(10)
	lock := rtos.Acquire(env.ch.txSem)
	env.ch.tx.PushN([]byte("keep"))
	lock.Release()

	require.Equal(t, ErrTxBusy, env.ch.Flush(context.Background()))
	require.Empty(t, env.hw.Output())
	_, tx := env.ch.Buffers()
	require.Equal(t, 4, tx.Occupied, "unsent bytes must stay buffered")
	stats := env.ch.Stats()
	require.Equal(t, uint64(2), stats.TxBusyRetries)
	require.Equal(t, uint64(1), stats.TxAbortedCycles)

	env.hw.SetBusy(0)
	require.NoError(t, env.ch.Flush(context.Background()))
	require.Equal(t, "keep", string(env.hw.Output()))
}

func TestNoPopBeforeCompletion(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteManual, 8, 8, 8)
	env.ch.Send([]byte("abc"))
	env.waitFor("in flight", env.hw.InFlight)
	require.True(t, env.ch.InFlight())
	require.Equal(t, DrainWaitComplete, env.ch.DrainState())

	// The drain task holds the TX lock until completion, so a second
	// writer waits and cannot overwrite the region being transmitted.
	sent := make(chan struct{})
	go func() {
		env.ch.Send([]byte("de"))
		close(sent)
	}()
	require.Equal(t, 0, env.ch.PrintfFromISR("x"))
	select {
	case <-sent:
		t.Fatal("send completed while transfer in flight")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, env.hw.Complete())
	<-sent
	env.waitFor("second transfer", env.hw.InFlight)
	require.NoError(t, env.hw.Complete())
	env.waitOutput("abcde")
	env.waitFor("tx empty", env.txEmpty)
}

func TestFlushCancelledWhileInFlight(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteManual, 8, 4, 8)
	lock := rtos.Acquire(env.ch.txSem)
	env.ch.tx.PushN([]byte("abc"))
	lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, env.ch.Flush(ctx))
	require.True(t, env.hw.InFlight())
	_, tx := env.ch.Buffers()
	require.Equal(t, 3, tx.Occupied, "run in flight must stay buffered")

	// The next drain waits for the abandoned transfer instead of starting
	// another one over the same region.
	done := make(chan error, 1)
	go func() { done <- env.ch.Flush(context.Background()) }()
	select {
	case err := <-done:
		t.Fatalf("flush returned %v while transfer in flight", err)
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, env.hw.Complete())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("flush not finished")
	}
	require.Equal(t, "abc", string(env.hw.Output()))
	require.Equal(t, []int{3}, env.hw.Transfers())
	require.Equal(t, uint64(0), env.ch.Stats().TxBusyRetries)
	require.True(t, env.txEmpty())
	require.False(t, env.hw.InFlight())

	env.ch.Send([]byte("XYZ"))
	env.waitFor("first run", env.hw.InFlight)
	require.NoError(t, env.hw.Complete())
	env.waitFor("second run", env.hw.InFlight)
	require.NoError(t, env.hw.Complete())
	env.waitOutput("abcXYZ")
	require.Equal(t, []int{3, 1, 2}, env.hw.Transfers())
}

func TestFlushAfterCompletionWhileUnattended(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteManual, 8, 8, 8)
	lock := rtos.Acquire(env.ch.txSem)
	env.ch.tx.PushN([]byte("abc"))
	lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, env.ch.Flush(ctx))
	require.NoError(t, env.hw.Complete())

	require.NoError(t, env.ch.Flush(context.Background()))
	require.Equal(t, "abc", string(env.hw.Output()))
	require.Equal(t, []int{3}, env.hw.Transfers())
	require.True(t, env.txEmpty())
	require.Equal(t, uint64(3), env.ch.Stats().TxBytes)
}

func TestPrintf(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteAsync, 8, 32, 8)
	require.Equal(t, 10, env.ch.Printf("temp=%d.%dC", 21, 5))
	env.waitOutput("temp=21.5C\x00")
	require.Equal(t, 0, env.ch.Printf(""))
}

func TestPrintln(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteAsync, 8, 32, 8)
	require.Equal(t, 10, env.ch.Println("alarm %s", "on"))
	env.waitOutput("alarm on\r\n\x00")
}

func TestPrintfReclaimsContiguousSpace(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 8, 8, 8)
	lock := rtos.Acquire(env.ch.txSem)
	env.ch.tx.PushN([]byte("12345"))
	env.ch.tx.PopN(5)
	env.ch.tx.PushN([]byte("abc"))
	require.Equal(t, 5, env.ch.tx.FreeContinuous())
	lock.Release()

	// 5 contiguous slots are free but 7 are needed with the terminator: the
	// pending bytes are flushed, the ring is reset and the message fits.
	require.Equal(t, 6, env.ch.Printf("hello!"))
	env.waitOutput("abchello!\x00")
	require.Equal(t, uint64(0), env.ch.Stats().PrintfDrops)
}

func TestPrintfReservesTerminator(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 8, 8, 8)
	require.Equal(t, 0, env.ch.Printf("%s", "12345678"))
	require.Equal(t, uint64(1), env.ch.Stats().PrintfDrops)
	require.Equal(t, 0, env.ch.PrintfFromISR("%s", "12345678"))
	require.Equal(t, uint64(1), env.ch.Stats().ISRDrops)
	require.True(t, env.txEmpty())

	require.Equal(t, 7, env.ch.Printf("%s", "1234567"))
	env.waitOutput("1234567\x00")
}

func TestPrintfTooLong(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 8, 8, 8)
	require.Equal(t, 0, env.ch.Printf("%s", "more than eight"))
	require.Equal(t, uint64(1), env.ch.Stats().PrintfDrops)
	require.True(t, env.txEmpty())
}

func TestPrintfKeepsBytesWhenFlushAborts(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 8, 8, 8)
	env.ch.MaxAttempts = 2
	env.hw.SetBusy(100)
	lock := rtos.Acquire(env.ch.txSem)
	env.ch.tx.PushN([]byte("12345"))
	lock.Release()

	require.Equal(t, 0, env.ch.Printf("%s", "toolong"))
	_, tx := env.ch.Buffers()
	require.Equal(t, 5, tx.Occupied)
}

func TestPrintfFromISRDropsOnContention(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 8, 16, 8)
	lock := rtos.Acquire(env.ch.txSem)
	env.ch.tx.PushN([]byte("abc"))
	before := env.ch.tx.Snapshot()
	contents := env.ch.tx.AppendTo(nil)
	free := append([]byte(nil), env.ch.tx.FreeRun()...)

	require.Equal(t, 0, env.ch.PrintfFromISR("isr %d", 1))

	require.Equal(t, before, env.ch.tx.Snapshot())
	require.Equal(t, contents, env.ch.tx.AppendTo(nil))
	require.Equal(t, free, env.ch.tx.FreeRun())
	lock.Release()
	require.Equal(t, uint64(1), env.ch.Stats().ISRDrops)
}

func TestPrintfFromISRDropsWithoutSpace(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteManual, 8, 4, 8)
	require.Equal(t, 0, env.ch.PrintfFromISR("%s", "hello"))
	require.Equal(t, uint64(1), env.ch.Stats().ISRDrops)
	require.True(t, env.txEmpty())
}

func TestPrintfFromISR(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteAsync, 8, 16, 8)
	require.Equal(t, 5, env.ch.PrintfFromISR("btn=%d", 3))
	env.waitOutput("btn=3\x00")
}

func TestWritersDoNotInterleave(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteAsync, 8, 32, 8)
	const rounds = 50
	var wg sync.WaitGroup
	for _, msg := range []string{"AAAA", "BBBB", "CCCC"} {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				for env.ch.Printf("%s", msg) == 0 {
				}
			}
		}(msg)
	}
	wg.Wait()
	env.waitFor("all output", func() bool {
		return len(env.hw.Output()) == 3*rounds*5
	})
	out := env.hw.Output()
	for i := 0; i < len(out); i += 5 {
		require.Equal(t, bytes.Repeat(out[i:i+1], 4), out[i:i+4], "group at %d", i)
		require.Equal(t, byte(0), out[i+4], "terminator at %d", i+4)
	}
}

func TestReceive(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 16, 8, 8)
	n := rtos.NewNotifier()
	env.ch.RegisterTaskToNotifyOnRx(n)

	env.hw.Inject([]byte("hello"))
	require.True(t, n.Pending())
	require.Equal(t, 5, env.ch.Available())
	b, ok := env.ch.GetOne()
	require.True(t, ok)
	require.Equal(t, byte('h'), b)

	buf := make([]byte, 16)
	require.Equal(t, 4, env.ch.GetN(buf))
	require.Equal(t, "ello", string(buf[:4]))
	_, ok = env.ch.GetOne()
	require.False(t, ok)
	require.Equal(t, 0, env.ch.GetN(buf))
}

func TestReceiveWrapsRegion(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 32, 8, 8)
	buf := make([]byte, 32)

	env.hw.Inject([]byte("abcdef"))
	require.Equal(t, 6, env.ch.GetN(buf))
	env.hw.Inject([]byte("ghijk"))
	require.Equal(t, 5, env.ch.GetN(buf))
	require.Equal(t, "ghijk", string(buf[:5]))

	// exactly one lap of the region
	env.hw.Inject([]byte("01234567"))
	require.Equal(t, 8, env.ch.GetN(buf))
	require.Equal(t, "01234567", string(buf[:8]))
	require.Equal(t, uint64(19), env.ch.Stats().RxBytes)
}

func TestRxEventDelta(t *testing.T) {
	testCases := []struct {
		name    string
		last    int
		pos     int
		written string
		expect  string
	}{
		{name: "forward", last: 2, pos: 5, written: "..abc...", expect: "abc"},
		{name: "wrapped", last: 6, pos: 2, written: "cd....ab", expect: "abcd"},
		{name: "end of region", last: 5, pos: 8, written: ".....abc", expect: "abc"},
		{name: "no new data", last: 3, pos: 3, written: "........", expect: ""},
		{name: "out of range", last: 0, pos: 9, written: "abcdefgh", expect: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ch := NewChannel(sim.New(sim.CompleteSync), 16, 8, 8)
			ch.lastPos = tc.last
			copy(ch.region, tc.written)
			ch.onRxEvent(tc.pos)
			buf := make([]byte, 16)
			require.Equal(t, tc.expect, string(buf[:ch.GetN(buf)]))
		})
	}
}

func TestReceiveOverflowDrops(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 4, 8, 8)
	env.hw.Inject([]byte("abcdef"))
	require.Equal(t, 4, env.ch.Available())
	require.Equal(t, uint64(2), env.ch.Stats().RxDropped)
	buf := make([]byte, 8)
	require.Equal(t, "abcd", string(buf[:env.ch.GetN(buf)]))
}

func TestReceiveDeferredWhileLocked(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 16, 8, 8)
	n := rtos.NewNotifier()
	env.ch.RegisterTaskToNotifyOnRx(n)

	lock := env.ch.lockRx()
	env.hw.Inject([]byte("hi"))
	require.Equal(t, 0, env.ch.rx.Occupied())
	require.False(t, n.Pending())
	env.ch.unlockRx(lock)

	require.True(t, n.Pending())
	require.Equal(t, 2, env.ch.Available())
	require.True(t, env.ch.Stats().RxDeferred >= 1)
}

func TestLoopback(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteAsync, 16, 8, 8)
	env.hw.Loopback = true
	env.ch.Send([]byte("ping"))
	env.waitFor("echo", func() bool { return env.ch.Available() == 4 })
	buf := make([]byte, 4)
	env.ch.GetN(buf)
	require.Equal(t, "ping", string(buf))
}

func TestResetBuffers(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteManual, 16, 8, 8)
	lock := rtos.Acquire(env.ch.txSem)
	env.ch.tx.PushN([]byte("queued"))
	lock.Release()
	env.hw.Inject([]byte("rx"))
	require.Equal(t, 2, env.ch.Available())

	env.ch.ResetBuffers()
	rx, tx := env.ch.Buffers()
	require.Equal(t, 0, rx.Occupied)
	require.Equal(t, 0, tx.Occupied)

	env.hw.Inject([]byte("ok"))
	buf := make([]byte, 4)
	require.Equal(t, "ok", string(buf[:env.ch.GetN(buf)]))
}

func TestTap(t *testing.T) {
	env := newChannelTestEnv(t, sim.CompleteSync, 16, 8, 8)
	var mu sync.Mutex
	tapped := map[Direction]string{}
	env.ch.SetTap(TapFunc(func(dir Direction, p []byte) {
		mu.Lock()
		tapped[dir] += string(p)
		mu.Unlock()
	}))
	env.hw.Inject([]byte("in"))
	env.ch.Send([]byte("out"))
	env.waitOutput("out")
	env.waitFor("tap", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return tapped[DirTx] == "out"
	})
	mu.Lock()
	require.Equal(t, "in", tapped[DirRx])
	mu.Unlock()
	require.Equal(t, "tx", DirTx.String())
	require.Equal(t, "rx", DirRx.String())
}

func TestConfig(t *testing.T) {
	conf := NewConfig()
	require.NoError(t, conf.Validate())

	path := filepath.Join(t.TempDir(), "uart.yaml")
	require.NoError(t, os.WriteFile(path, []byte("baud: 9600\ntx_capacity: 128\ntx_retry_delay: 5ms\n"), 0o644))
	require.NoError(t, conf.LoadFile(path))
	require.Equal(t, 9600, conf.Baud)
	require.Equal(t, 128, conf.TxCapacity)
	require.Equal(t, DefaultRxCapacity, conf.RxCapacity)
	require.Equal(t, 5*time.Millisecond, conf.RetryDelay)

	ch, err := conf.NewChannel(sim.New(sim.CompleteSync))
	require.NoError(t, err)
	require.Equal(t, 9600, ch.Baud)
	require.Equal(t, 128, ch.tx.Cap())

	conf.RxCapacity = 0
	_, err = conf.NewChannel(sim.New(sim.CompleteSync))
	require.Equal(t, &ConfigError{Field: "rx_capacity", Value: 0}, err)
}

func TestDrainStateString(t *testing.T) {
	require.Equal(t, "idle", DrainIdle.String())
	require.Equal(t, "retry-busy", DrainRetryBusy.String())
	require.Equal(t, "DrainState(9)", DrainState(9).String())
}
