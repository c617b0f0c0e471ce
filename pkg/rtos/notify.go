package rtos

import "context"

// Notifier wakes a single waiting task. Notifications coalesce: any number
// of Notify calls before the task wakes count as one, so the woken task must
// re-check the state it is interested in.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier creates a Notifier with no pending notification.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify marks a notification pending. It never blocks and may be called
// from interrupt context.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Pending reports whether a notification is waiting without consuming it.
func (n *Notifier) Pending() bool {
	return len(n.ch) > 0
}

// Wait suspends until a notification arrives or ctx is done.
func (n *Notifier) Wait(ctx context.Context) error {
	select {
	case <-n.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C exposes the wake channel for use in select statements.
func (n *Notifier) C() <-chan struct{} {
	return n.ch
}

// Completion is a single-producer single-consumer completion flag. The
// producer, typically an interrupt handler, calls Signal; the consumer task
// waits for it.
type Completion struct {
	done chan struct{}
}

// NewCompletion creates an unsignaled Completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{}, 1)}
}

// Signal sets the flag. It never blocks.
func (c *Completion) Signal() {
	select {
	case c.done <- struct{}{}:
	default:
	}
}

// TryWait consumes the flag if it is set.
func (c *Completion) TryWait() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait suspends until the flag is set, then consumes it.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drops a stale signal left from an earlier transfer.
func (c *Completion) Clear() {
	c.TryWait()
}
