package arbor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/canonical/arbor/arbor"
)

func TestCancelJoinsThreads(t *testing.T) {
	c := arbor.NewContext(nil)
	guests := startGuests(t, c, 3)
	for _, g := range guests {
		waitUntil(t, g.thread.String()+" blocks", g.thread.IsBlocked)
	}

	if err := c.Cancel(testContext(t)); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	for _, g := range guests {
		err := <-g.done
		var cancelled *arbor.CancelledError
		if !errors.As(err, &cancelled) || cancelled.Context != c {
			t.Errorf("%s stopped with %v, want a *CancelledError of the context", g.thread, err)
		}
	}
	if !c.Closed() {
		t.Errorf("context not closed after Cancel")
	}
	if threads := c.Threads(); len(threads) != 0 {
		t.Errorf("%d threads still entered", len(threads))
	}
	if err := c.Enter(arbor.NewThread("late")); !errors.Is(err, arbor.ErrContextClosed) {
		t.Errorf("entering a cancelled context: got %v", err)
	}
}

func TestCancelTimesOut(t *testing.T) {
	c := arbor.NewContext(nil)
	// The thread never polls, so it never leaves.
	stuck := arbor.NewThread("stuck")
	if err := c.Enter(stuck); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Cancel(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want a deadline error", err)
	}
	if err := stuck.Poll(nil); !errors.Is(err, arbor.ErrContextCancelled) {
		t.Errorf("poll after Cancel: got %v", err)
	}
	if err := c.Leave(stuck); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestExit(t *testing.T) {
	c := arbor.NewContext(nil)
	guests := startGuests(t, c, 1)
	waitUntil(t, "the thread blocks", guests[0].thread.IsBlocked)

	if err := c.Exit(testContext(t), 3); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	err := <-guests[0].done
	var exited *arbor.ExitError
	if !errors.As(err, &exited) || exited.Code != 3 {
		t.Fatalf("got %v, want an *ExitError with code 3", err)
	}
	if !errors.Is(err, arbor.ErrContextExited) || err.Error() != "Exit was called with exit code 3." {
		t.Errorf("unexpected exit error %q", err)
	}
}

func TestCancelCancelsPendingActions(t *testing.T) {
	c := arbor.NewContext(nil)
	stuck := arbor.NewThread("stuck")
	if err := c.Enter(stuck); err != nil {
		t.Fatal(err)
	}
	var performed bool
	f, err := c.SubmitThreadLocal(nil, nil, arbor.NewThreadLocalAction("", arbor.AsyncAction, func(*arbor.Access) error {
		performed = true
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Cancel(context.Background()) }()
	waitUntil(t, "the action is cancelled", f.IsDone)
	if !f.IsCancelled() {
		t.Errorf("pending action resolved without being cancelled")
	}
	if err := stuck.Poll(nil); !errors.Is(err, arbor.ErrContextCancelled) {
		t.Errorf("poll: got %v", err)
	}
	if performed {
		t.Errorf("pending action performed after Cancel")
	}
	if err := c.Leave(stuck); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Errorf("Cancel: %v", err)
	}
}

func TestLeaveDropsPendingActions(t *testing.T) {
	var (
		mu       sync.Mutex
		events   []string
		disposed = map[*arbor.Thread]int{}
	)
	logEvent := func(format string, args ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, fmt.Sprintf(format, args...))
	}
	c := arbor.NewContext(&arbor.Config{
		OnThreadInitialize: func(thread *arbor.Thread) { logEvent("initialize %s", thread) },
		OnThreadDispose: func(thread *arbor.Thread) error {
			mu.Lock()
			disposed[thread]++
			mu.Unlock()
			logEvent("dispose %s", thread)
			return nil
		},
	})
	thread := arbor.NewThread("leaving")
	if err := c.Enter(thread); err != nil {
		t.Fatal(err)
	}
	// A nested enter keeps the thread in the roster.
	if err := c.Enter(thread); err != nil {
		t.Fatal(err)
	}

	f, err := c.SubmitThreadLocal(nil, nil, arbor.NewThreadLocalAction("", arbor.AsyncAction, func(*arbor.Access) error {
		logEvent("perform")
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Leave(thread); err != nil {
		t.Fatal(err)
	}
	if f.IsDone() {
		t.Fatalf("action dropped while the thread is still entered")
	}
	if err := c.Leave(thread); err != nil {
		t.Fatal(err)
	}
	if !f.IsDone() || f.IsCancelled() {
		t.Errorf("action of a disposed thread did not resolve as completed")
	}
	if err := c.Leave(thread); !errors.Is(err, arbor.ErrIllegalState) {
		t.Errorf("leaving once too often: got %v", err)
	}

	// Actions submitted after the thread left do not reach it.
	late, err := c.SubmitThreadLocal(nil, []*arbor.Thread{thread}, arbor.NewThreadLocalAction("", arbor.AsyncAction, func(*arbor.Access) error {
		logEvent("late perform")
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !late.IsDone() {
		t.Errorf("action for a thread that left is pending")
	}
	if err := thread.Poll(nil); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"initialize leaving", "dispose leaving"}, events); diff != "" {
		t.Errorf("unexpected lifecycle events (-want +got):\n%s", diff)
	}
	if disposed[thread] != 1 {
		t.Errorf("thread disposed %d times", disposed[thread])
	}
}

func TestSetAllowActions(t *testing.T) {
	thread := arbor.NewThread("outside")
	if _, err := thread.SetAllowActions(false); !errors.Is(err, arbor.ErrIllegalState) {
		t.Errorf("SetAllowActions outside of a lifecycle callback: got %v", err)
	}

	var (
		c                 *arbor.Context
		performed         int
		performedWhileOff bool
	)
	c = arbor.NewContext(&arbor.Config{
		OnFinalize: func(thread *arbor.Thread) error {
			prev, err := thread.SetAllowActions(false)
			if err != nil {
				return err
			}
			_, err = c.SubmitThreadLocal(nil, []*arbor.Thread{thread}, arbor.NewThreadLocalAction("", arbor.SideEffecting, func(*arbor.Access) error {
				performed++
				return nil
			}))
			if err != nil {
				return err
			}
			// Even forced polls hold disabled actions back.
			if err := thread.PollHere(nil); err != nil {
				return err
			}
			performedWhileOff = performed != 0
			if _, err := thread.SetAllowActions(prev); err != nil {
				return err
			}
			return thread.Poll(nil)
		},
	})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if performedWhileOff {
		t.Errorf("action performed while actions were disabled")
	}
	if performed != 1 {
		t.Errorf("action performed %d times after actions were re-enabled", performed)
	}
}

func TestDisabledActionsLeak(t *testing.T) {
	c := arbor.NewContext(&arbor.Config{
		OnThreadDispose: func(thread *arbor.Thread) error {
			_, err := thread.SetAllowActions(false)
			return err
		},
	})
	thread := arbor.NewThread("leaky")
	if err := c.Enter(thread); err != nil {
		t.Fatal(err)
	}
	if err := c.Leave(thread); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); !errors.Is(err, arbor.ErrIllegalState) {
		t.Errorf("Close: got %v, want the leaked setting reported", err)
	}
}

func TestCloseActiveContext(t *testing.T) {
	c := arbor.NewContext(nil)
	thread := arbor.NewThread("active")
	if err := c.Enter(thread); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); !errors.Is(err, arbor.ErrContextActive) {
		t.Errorf("closing an active context: got %v", err)
	}
	if c.Closed() {
		t.Fatalf("active context closed")
	}
	if err := c.Leave(thread); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !c.Closed() {
		t.Errorf("context not closed")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestFinalizer(t *testing.T) {
	errDispose := errors.New("dispose failed")
	errFinalize := errors.New("finalize failed")

	var (
		c                *arbor.Context
		finalizerEntered bool
		performed        bool
	)
	c = arbor.NewContext(&arbor.Config{
		OnThreadDispose: func(thread *arbor.Thread) error {
			if thread.Name == "worker" {
				return errDispose
			}
			return nil
		},
		OnFinalize: func(thread *arbor.Thread) error {
			finalizerEntered = thread.EnteredContext() == c
			// Actions still reach the finalizer thread while the context closes.
			_, err := c.SubmitThreadLocal(nil, []*arbor.Thread{thread}, arbor.NewThreadLocalAction("", arbor.AsyncAction, func(*arbor.Access) error {
				performed = true
				return nil
			}))
			if err != nil {
				return err
			}
			if err := thread.Poll(nil); err != nil {
				return err
			}
			return errFinalize
		},
	})
	worker := arbor.NewThread("worker")
	if err := c.Enter(worker); err != nil {
		t.Fatal(err)
	}
	// Dispose errors are reported by Close, not Leave.
	if err := c.Leave(worker); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	err := c.Close()
	if !errors.Is(err, errDispose) || !errors.Is(err, errFinalize) {
		t.Errorf("Close: got %v, want both callback errors", err)
	}
	if !finalizerEntered {
		t.Errorf("finalizer thread was not entered in the context")
	}
	if !performed {
		t.Errorf("action submitted by the finalizer was not performed")
	}
}

func TestInnerContextLeaks(t *testing.T) {
	outer := arbor.NewContext(nil)
	thread := arbor.NewThread("nested")
	if err := outer.Enter(thread); err != nil {
		t.Fatal(err)
	}
	defer outer.Leave(thread)

	inner := outer.NewInnerContext(nil, arbor.InnerHandlers{})
	if inner.Parent() != outer {
		t.Fatalf("inner context has parent %v", inner.Parent())
	}

	cancelled := make(chan error, 1)
	err := inner.Run(thread, func() error {
		go func() { cancelled <- inner.Cancel(context.Background()) }()
		return waitForHalt(thread)
	})
	var internal *arbor.InternalError
	if !errors.As(err, &internal) {
		t.Fatalf("got %v, want an *InternalError", err)
	}
	if internal.Msg != "Unhandled cancel of inner context leaked into its outer context." {
		t.Errorf("unexpected message %q", internal.Msg)
	}
	if !errors.Is(err, arbor.ErrContextCancelled) {
		t.Errorf("the leak does not wrap the cancellation: %v", err)
	}
	if err := <-cancelled; err != nil {
		t.Errorf("Cancel: %v", err)
	}

	// The outer context is unaffected.
	if thread.EnteredContext() != outer {
		t.Errorf("thread left the outer context")
	}
	if err := thread.Poll(nil); err != nil {
		t.Errorf("outer poll: %v", err)
	}
}

func TestInnerContextHandlers(t *testing.T) {
	outer := arbor.NewContext(nil)
	thread := arbor.NewThread("nested")
	if err := outer.Enter(thread); err != nil {
		t.Fatal(err)
	}
	defer outer.Leave(thread)

	errGuestExit := errors.New("guest exit")
	errGuestClosed := errors.New("guest closed")
	inner := outer.NewInnerContext(nil, arbor.InnerHandlers{
		OnExited: func(err error) error { return fmt.Errorf("%w: %w", errGuestExit, err) },
		OnClosed: func(error) error { return errGuestClosed },
	})
	exited := make(chan error, 1)
	err := inner.Run(thread, func() error {
		go func() { exited <- inner.Exit(context.Background(), 7) }()
		return waitForHalt(thread)
	})
	if !errors.Is(err, errGuestExit) || !errors.Is(err, arbor.ErrContextExited) {
		t.Errorf("got %v, want the translated exit", err)
	}
	if err := <-exited; err != nil {
		t.Errorf("Exit: %v", err)
	}

	// Running in the closed context reports the closing to the handler.
	if err := inner.Run(thread, func() error { return nil }); err != errGuestClosed {
		t.Errorf("got %v, want the translated close", err)
	}

	// Errors not caused by the inner context pass through.
	if err := outer.NewInnerContext(nil, arbor.InnerHandlers{}).Run(thread, func() error { return errGuest }); err != errGuest {
		t.Errorf("got %v, want the guest error", err)
	}
}

// waitForHalt blocks the thread until its context terminates.
func waitForHalt(thread *arbor.Thread) error {
	return thread.SetBlockedThreadInterruptible(nil, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
}

func TestThreadDumpJSON(t *testing.T) {
	c := arbor.NewContext(nil)
	thread := arbor.NewThread("dumped")
	if err := c.Enter(thread); err != nil {
		t.Fatal(err)
	}
	defer c.Leave(thread)
	thread.SetAllowSideEffects(false)
	if _, err := c.SubmitThreadLocal(nil, nil, arbor.NewThreadLocalAction("", arbor.SideEffecting, func(*arbor.Access) error { return nil })); err != nil {
		t.Fatal(err)
	}

	data, err := c.ThreadDumpJSON(false)
	if err != nil {
		t.Fatal(err)
	}
	var dump arbor.ThreadDump
	if err := json.Unmarshal(data, &dump); err != nil {
		t.Fatalf("cannot decode %s: %v", data, err)
	}
	want := arbor.ThreadDump{
		Context: c.ID(),
		Threads: []arbor.ThreadInfo{{
			Name:     "dumped",
			ID:       thread.ID(),
			Pending:  1,
			Contexts: []string{c.ID()},
		}},
	}
	if diff := cmp.Diff(want, dump); diff != "" {
		t.Errorf("unexpected dump (-want +got):\n%s", diff)
	}

	withStacks := c.ThreadDump(true)
	if withStacks.Goroutines == "" {
		t.Errorf("dump has no goroutine stacks")
	}
}
