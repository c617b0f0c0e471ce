package rtos

// Semaphore is a binary semaphore. The zero value is not usable; create one
// with NewBinarySemaphore.
type Semaphore struct {
	token chan struct{}
}

// NewBinarySemaphore creates a semaphore in the available state.
func NewBinarySemaphore() *Semaphore {
	s := &Semaphore{token: make(chan struct{}, 1)}
	s.token <- struct{}{}
	return s
}

// Take waits until the semaphore is available and takes it.
func (s *Semaphore) Take() {
	<-s.token
}

// TryTake takes the semaphore only if it is available right now.
func (s *Semaphore) TryTake() bool {
	select {
	case <-s.token:
		return true
	default:
		return false
	}
}

// Give makes the semaphore available again.
// Giving a semaphore nobody holds is a double release and panics.
func (s *Semaphore) Give() {
	select {
	case s.token <- struct{}{}:
	default:
		panic(ErrDoubleRelease)
	}
}

// Lock is the blocking guard for task context. It holds the semaphore from
// Acquire until Release; ownership can be handed to another owner with Move.
type Lock struct {
	sem      *Semaphore
	released bool
}

// Acquire waits indefinitely for sem and returns the guard holding it.
func Acquire(sem *Semaphore) *Lock {
	sem.Take()
	return &Lock{sem: sem}
}

// Held reports whether this guard still owns the semaphore.
func (l *Lock) Held() bool {
	return !l.released
}

// Move transfers ownership to a new guard. The receiver is marked released
// and its Release becomes a no-op.
func (l *Lock) Move() *Lock {
	if l.released {
		panic(ErrMovedFrom)
	}
	l.released = true
	return &Lock{sem: l.sem}
}

// Release gives the semaphore back. Only the first call has an effect.
func (l *Lock) Release() {
	if l.released {
		return
	}
	l.released = true
	l.sem.Give()
}

// ISRLock is the non-blocking guard for interrupt context. It makes exactly
// one attempt to take the semaphore.
type ISRLock struct {
	sem    *Semaphore
	locked bool
}

// TryAcquire attempts to take sem once without waiting.
func TryAcquire(sem *Semaphore) *ISRLock {
	return &ISRLock{sem: sem, locked: sem.TryTake()}
}

// Locked reports whether the attempt succeeded and the guard still holds
// the semaphore. Callers abandon the protected work when it is false.
func (l *ISRLock) Locked() bool {
	return l.locked
}

// Release gives the semaphore back if it was acquired.
func (l *ISRLock) Release() {
	if !l.locked {
		return
	}
	l.locked = false
	l.sem.Give()
}
