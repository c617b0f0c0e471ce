package console

import (
	"context"

	"github.com/robotalks/uartdma/pkg/rtos"
	"github.com/robotalks/uartdma/pkg/uart"
)

// MaxEchoLen bounds an echo reply, quotes and newline included.
const MaxEchoLen = 39

// EchoTask replies to received bytes with `Got: "<text>"`, dropping CR and
// LF. It is woken by the RX notification of the Channel.
type EchoTask struct {
	Channel *uart.Channel

	notifier *rtos.Notifier
}

// NewEchoTask creates an EchoTask and registers it for RX notifications.
func NewEchoTask(ch *uart.Channel) *EchoTask {
	t := &EchoTask{Channel: ch, notifier: rtos.NewNotifier()}
	ch.RegisterTaskToNotifyOnRx(t.notifier)
	return t
}

// Run implements rtos.Task.
func (t *EchoTask) Run(ctx context.Context) error {
	for {
		if err := t.notifier.Wait(ctx); err != nil {
			return err
		}
		t.Echo()
	}
}

// Echo drains every available byte and queues the reply. It returns the
// number of bytes queued, 0 when nothing was received.
func (t *EchoTask) Echo() int {
	if t.Channel.Available() == 0 {
		return 0
	}
	line := make([]byte, 0, MaxEchoLen)
	line = append(line, `Got: "`...)
	for {
		b, ok := t.Channel.GetOne()
		if !ok {
			break
		}
		if b == '\r' || b == '\n' {
			continue
		}
		if len(line) < MaxEchoLen {
			line = append(line, b)
		}
	}
	for _, b := range []byte("\"\n") {
		if len(line) < MaxEchoLen {
			line = append(line, b)
		}
	}
	return t.Channel.Printf("%s", line)
}
