package arbor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/canonical/arbor/arbor"
)

// condInterrupter wakes a function waiting on a condition variable.
type condInterrupter struct {
	mu         sync.Mutex
	cond       *sync.Cond
	ready      bool
	interrupts atomic.Int32
	resets     atomic.Int32
}

func newCondInterrupter() *condInterrupter {
	ci := &condInterrupter{}
	ci.cond = sync.NewCond(&ci.mu)
	return ci
}

func (ci *condInterrupter) Interrupt(*arbor.Thread) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.interrupts.Add(1)
	ci.cond.Broadcast()
}

func (ci *condInterrupter) ResetInterrupted() { ci.resets.Add(1) }

func (ci *condInterrupter) wait(ctx context.Context) error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	for !ci.ready {
		if err := ctx.Err(); err != nil {
			return err
		}
		ci.cond.Wait()
	}
	return nil
}

func (ci *condInterrupter) release() {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.ready = true
	ci.cond.Broadcast()
}

func TestBlockedThreadPerformsActions(t *testing.T) {
	c := arbor.NewContext(nil)
	thread := arbor.NewThread("blocked")
	if err := c.Enter(thread); err != nil {
		t.Fatal(err)
	}

	ci := newCondInterrupter()
	var before, after atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- thread.SetBlocked(nil, ci, ci.wait, func() { before.Add(1) }, func() { after.Add(1) })
	}()
	waitUntil(t, "the thread blocks", thread.IsBlocked)

	var onBlockedThread atomic.Bool
	f, err := c.SubmitThreadLocal(nil, nil, arbor.NewThreadLocalAction("wake", arbor.AsyncAction, func(access *arbor.Access) error {
		onBlockedThread.Store(access.Thread() == thread)
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Wait(testContext(t)); err != nil {
		t.Fatalf("action on a blocked thread: %v", err)
	}
	if !onBlockedThread.Load() {
		t.Errorf("action performed on the wrong thread")
	}

	// The thread goes back to waiting after the action.
	waitUntil(t, "the thread blocks again", thread.IsBlocked)
	ci.release()
	if err := <-done; err != nil {
		t.Errorf("SetBlocked: %v", err)
	}
	if thread.IsBlocked() {
		t.Errorf("thread still blocked after SetBlocked returned")
	}
	if before.Load() != 1 || after.Load() != 1 {
		t.Errorf("interrupt callbacks ran %d and %d times, want once each", before.Load(), after.Load())
	}
	if ci.interrupts.Load() == 0 || ci.resets.Load() != 1 {
		t.Errorf("interrupter saw %d interrupts and %d resets", ci.interrupts.Load(), ci.resets.Load())
	}
	if err := c.Leave(thread); err != nil {
		t.Fatal(err)
	}
}

func TestBlockedThreadCancelled(t *testing.T) {
	c := arbor.NewContext(nil)
	guests := startGuests(t, c, 1)
	waitUntil(t, "the thread blocks", guests[0].thread.IsBlocked)

	guests[0].thread.Cancel("shutting down %s", "guest")
	err := <-guests[0].done
	if err == nil || err.Error() != "Arbor computation cancelled: shutting down guest" {
		t.Errorf("got %v, want the cancellation of the thread", err)
	}
}

func TestRecursiveBlocking(t *testing.T) {
	const depth = 256
	c := arbor.NewContext(nil)
	thread := arbor.NewThread("recursive")
	if err := c.Enter(thread); err != nil {
		t.Fatal(err)
	}
	defer c.Leave(thread)

	release := make(chan struct{})
	wait := func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var (
		performed int
		action    *arbor.ThreadLocalAction
	)
	submit := func() error {
		_, err := c.SubmitThreadLocal(nil, []*arbor.Thread{thread}, action)
		return err
	}
	// Each action blocks again after queueing the next one, nesting one
	// blocked state per level until the innermost releases them all.
	action = arbor.NewThreadLocalAction("nest", arbor.AsyncAction, func(access *arbor.Access) error {
		performed++
		if performed == depth {
			close(release)
			return nil
		}
		if err := submit(); err != nil {
			return err
		}
		return access.Thread().SetBlockedThreadInterruptible(nil, wait)
	})

	if err := submit(); err != nil {
		t.Fatal(err)
	}
	if err := thread.SetBlockedThreadInterruptible(nil, wait); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	if performed != depth {
		t.Errorf("performed %d nested actions, want %d", performed, depth)
	}
	if thread.IsBlocked() {
		t.Errorf("blocked states leaked")
	}
}

func TestProcessingDepthLimit(t *testing.T) {
	c := arbor.NewContext(&arbor.Config{MaxProcessingDepth: 1})
	thread := arbor.NewThread("shallow")
	if err := c.Enter(thread); err != nil {
		t.Fatal(err)
	}
	defer c.Leave(thread)

	var innerPerformed bool
	inner := arbor.NewThreadLocalAction("inner", arbor.AsyncAction, func(*arbor.Access) error {
		innerPerformed = true
		return nil
	})
	outer := arbor.NewThreadLocalAction("outer", arbor.AsyncAction, func(access *arbor.Access) error {
		if _, err := c.SubmitThreadLocal(nil, []*arbor.Thread{thread}, inner); err != nil {
			return err
		}
		// Nested processing is beyond the limit.
		if err := access.Thread().Poll(nil); err != nil {
			return err
		}
		if innerPerformed {
			return errors.New("inner action performed beyond the processing depth")
		}
		return nil
	})
	if _, err := c.SubmitThreadLocal(nil, nil, outer); err != nil {
		t.Fatal(err)
	}
	if err := thread.Poll(nil); err != nil {
		t.Fatal(err)
	}
	if innerPerformed {
		t.Fatalf("inner action performed in the round that queued it")
	}
	if err := thread.Poll(nil); err != nil {
		t.Fatal(err)
	}
	if !innerPerformed {
		t.Errorf("inner action not performed at the next poll")
	}
}
