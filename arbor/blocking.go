package arbor

import (
	"context"
	"fmt"
)

// An Interrupter wakes a thread blocked in SetBlocked so that it can process
// thread local actions.
type Interrupter interface {
	// Interrupt is called from an arbitrary goroutine. It must cause the
	// blocked function to return promptly.
	Interrupt(thread *Thread)

	// ResetInterrupted is called on the blocked thread after an interrupted
	// function returned, before it is retried.
	ResetInterrupted()
}

type threadInterrupter struct{}

func (threadInterrupter) Interrupt(*Thread) {}
func (threadInterrupter) ResetInterrupted() {}

// ThreadInterrupt relies solely on the cancellation of the context passed to
// the blocked function.
var ThreadInterrupt Interrupter = threadInterrupter{}

type blockedState struct {
	interrupter Interrupter
	cancel      context.CancelFunc

	// Guarded by the safepoint lock.
	interrupted bool
}

func (bs *blockedState) fire(thread *Thread) {
	if bs == nil {
		return
	}
	bs.cancel()
	bs.interrupter.Interrupt(thread)
}

// SetBlocked runs fn while the thread is marked as blocked at location.
//
// If an action becomes deliverable, or the thread or its context is
// cancelled, while fn runs, the context passed to fn is cancelled and
// interrupter is invoked. If fn then returns an error, the thread calls
// beforeInterrupt, processes its safepoint and calls afterInterrupt, and fn
// is run again. The first result of fn that is not caused by an interrupt
// is returned, unless processing the safepoint fails, in which case its
// error is returned instead. beforeInterrupt and afterInterrupt may be nil.
func (thread *Thread) SetBlocked(location Node, interrupter Interrupter, fn func(ctx context.Context) error, beforeInterrupt, afterInterrupt func()) error {
	if fn == nil {
		return fmt.Errorf("%w: blocking function", ErrNilArgument)
	}
	if interrupter == nil {
		interrupter = ThreadInterrupt
	}

	sp := &thread.safepoint
	for {
		ctx, cancel := context.WithCancel(context.Background())
		bs := &blockedState{interrupter: interrupter, cancel: cancel}

		sp.mu.Lock()
		sp.blocked = append(sp.blocked, bs)
		interrupt := sp.updateLocked()
		sp.mu.Unlock()
		interrupt.fire(thread)

		err := fn(ctx)

		sp.mu.Lock()
		sp.blocked = sp.blocked[:len(sp.blocked)-1]
		interrupted := bs.interrupted
		sp.mu.Unlock()
		cancel()

		if !interrupted {
			return err
		}
		interrupter.ResetInterrupted()
		if err == nil {
			return nil
		}

		if beforeInterrupt != nil {
			beforeInterrupt()
		}
		perr := thread.pollSlow(location, false)
		if afterInterrupt != nil {
			afterInterrupt()
		}
		if perr != nil {
			return perr
		}
	}
}

// SetBlockedThreadInterruptible runs fn as a blocking operation interrupted
// only through the cancellation of its context.
func (thread *Thread) SetBlockedThreadInterruptible(location Node, fn func(ctx context.Context) error) error {
	return thread.SetBlocked(location, ThreadInterrupt, fn, nil, nil)
}

// IsBlocked reports whether the thread is inside SetBlocked.
//
// It is safe to call IsBlocked from any goroutine.
func (thread *Thread) IsBlocked() bool {
	sp := &thread.safepoint
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.blocked) > 0
}
