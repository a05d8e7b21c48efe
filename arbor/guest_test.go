package arbor_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canonical/arbor/arbor"
)

// A guest is a thread entered in a context that sits at a safepoint,
// performing the actions submitted to it, until it is stopped or its
// context terminates.
type guest struct {
	thread *arbor.Thread
	stop   chan struct{}
	done   chan error
}

func startGuests(t *testing.T, c *arbor.Context, n int) []*guest {
	t.Helper()
	guests := make([]*guest, n)
	for i := range guests {
		g := &guest{
			thread: arbor.NewThread(fmt.Sprintf("guest-%d", i)),
			stop:   make(chan struct{}),
			done:   make(chan error, 1),
		}
		if err := c.Enter(g.thread); err != nil {
			t.Fatalf("cannot enter %s: %v", g.thread, err)
		}
		go g.run(c)
		guests[i] = g
	}
	return guests
}

func (g *guest) run(c *arbor.Context) {
	err := g.thread.SetBlockedThreadInterruptible(nil, func(ctx context.Context) error {
		select {
		case <-g.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if lerr := c.Leave(g.thread); lerr != nil && err == nil {
		err = lerr
	}
	g.done <- err
}

// finish stops the guest and returns the error it stopped with.
func (g *guest) finish(t *testing.T) error {
	t.Helper()
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
	select {
	case err := <-g.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("%s did not stop", g.thread)
		return nil
	}
}

func threadsOf(guests []*guest) []*arbor.Thread {
	threads := make([]*arbor.Thread, len(guests))
	for i, g := range guests {
		threads[i] = g.thread
	}
	return threads
}

// waitUntil polls cond until it holds or a generous deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting until %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recordingObserver counts the events of a context.
type recordingObserver struct {
	submitted atomic.Int64
	performed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	timeouts  atomic.Int64

	mu    sync.Mutex
	loops map[*arbor.CallTarget]int
}

func (o *recordingObserver) ActionSubmitted(_ *arbor.Context, _ *arbor.ThreadLocalAction, threads int) {
	o.submitted.Add(int64(threads))
}

func (o *recordingObserver) ActionPerformed(_ *arbor.Context, _ *arbor.ThreadLocalAction, _ time.Duration, err error) {
	o.performed.Add(1)
	if err != nil {
		o.failed.Add(1)
	}
}

func (o *recordingObserver) ActionCancelled(*arbor.Context, *arbor.ThreadLocalAction) {
	o.cancelled.Add(1)
}

func (o *recordingObserver) SynchronousTimeout(*arbor.Context, *arbor.ThreadLocalAction) {
	o.timeouts.Add(1)
}

func (o *recordingObserver) LoopCountReported(target *arbor.CallTarget, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loops == nil {
		o.loops = make(map[*arbor.CallTarget]int)
	}
	o.loops[target] += count
}
