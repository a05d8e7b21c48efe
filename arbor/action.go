package arbor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ActionFlags describes how a ThreadLocalAction is delivered.
type ActionFlags uint

// A valid set of action flags is any subset of the following defined flags.
const (
	AsyncAction ActionFlags = 0
	// Synchronous actions start performing on their threads only once every
	// target thread has reached a safepoint, and their submitter waits
	// for them to complete.
	Synchronous ActionFlags = 1 << (iota - 1)
	// SideEffecting actions may change guest-visible state and fail the
	// guest code they interrupt. They are deferred while the thread has
	// side effects disabled.
	SideEffecting
	// Recurring actions are resubmitted to a thread each time they
	// complete on it, until their future is cancelled.
	Recurring
	actionFlagsLimit
)

var actionFlagNames = map[ActionFlags]string{
	Synchronous:   "sync",
	SideEffecting: "side-effects",
	Recurring:     "recurring",
}

var actionFlagsFromNames = map[string]ActionFlags{}

func init() {
	for flag, name := range actionFlagNames {
		actionFlagsFromNames[name] = flag
	}
}

func (f ActionFlags) String() string {
	if f == AsyncAction {
		return "async"
	}
	names := f.Names()
	if !f.Valid() {
		names = append(names, fmt.Sprintf("%#x", uint(f&^(actionFlagsLimit-1))))
	}
	if len(names) == 1 {
		return names[0]
	}
	return fmt.Sprintf("(%s)", strings.Join(names, "|"))
}

// Names returns the names of the defined flags in f.
func (f ActionFlags) Names() []string {
	names := make([]string, 0, len(actionFlagNames))
	for i := ActionFlags(1); i < actionFlagsLimit; i <<= 1 {
		if f&i != 0 {
			names = append(names, actionFlagNames[i])
		}
	}
	return names
}

func (f ActionFlags) Valid() bool {
	return f < actionFlagsLimit
}

// ParseActionFlags returns the flags named by names, as returned by Names.
func ParseActionFlags(names []string) (f ActionFlags, _ error) {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || name == "async" {
			continue
		}
		g, ok := actionFlagsFromNames[name]
		if !ok {
			valid := make([]string, 0, len(actionFlagsFromNames))
			for validName := range actionFlagsFromNames {
				valid = append(valid, validName)
			}
			sort.Strings(valid)
			return 0, fmt.Errorf("unknown action flag %q: expected one of %s", name, strings.Join(valid, ", "))
		}
		f |= g
	}
	return f, nil
}

// A ThreadLocalAction is a unit of work performed cooperatively by a set of
// threads, each at its next safepoint.
type ThreadLocalAction struct {
	// Name describes the action in logs and thread dumps.
	Name string

	Flags ActionFlags

	// Perform is called once per target thread, on that thread.
	Perform func(access *Access) error
}

func NewThreadLocalAction(name string, flags ActionFlags, perform func(*Access) error) *ThreadLocalAction {
	return &ThreadLocalAction{Name: name, Flags: flags, Perform: perform}
}

func (a *ThreadLocalAction) IsSynchronous() bool { return a.Flags&Synchronous != 0 }

func (a *ThreadLocalAction) HasSideEffects() bool { return a.Flags&SideEffecting != 0 }

func (a *ThreadLocalAction) IsRecurring() bool { return a.Flags&Recurring != 0 }

func (a *ThreadLocalAction) String() string {
	name := a.Name
	if name == "" {
		name = "action"
	}
	return fmt.Sprintf("%s[%s]", name, a.Flags)
}

// Access is handed to Perform. It describes where the action is running.
type Access struct {
	thread   *Thread
	location Node
	future   *Future
}

// Thread returns the thread performing the action.
func (a *Access) Thread() *Thread { return a.thread }

// Location returns the node at which the thread polled, or nil when the
// action runs outside guest code.
func (a *Access) Location() Node { return a.location }

// Context returns the context the action was submitted to.
func (a *Access) Context() *Context { return a.future.context }

// Sequence returns the submission sequence number of the action.
func (a *Access) Sequence() uint64 { return a.future.seq }

// Frame returns the innermost frame of the thread, materialized, or nil if
// the thread is not executing a call target.
func (a *Access) Frame() *MaterializedFrame {
	if fi := a.thread.CurrentFrame(); fi.Frame != nil {
		return fi.Frame.Materialize()
	}
	return nil
}

// States of an action on one thread.
const (
	statePending int32 = iota
	stateRunning
	stateDone
	stateCancelled
)

// An actionHandle tracks one submission of an action to one thread.
type actionHandle struct {
	future *Future
	thread *Thread
	index  int
	first  bool

	// Guarded by the safepoint lock of thread.
	order uint64

	state    atomic.Int32
	arrived  atomic.Bool
	finished atomic.Bool
}

// A Future tracks the completion of a submitted action on all of its
// threads.
type Future struct {
	context *Context
	action  *ThreadLocalAction
	seq     uint64

	done        chan struct{}
	resolveOnce sync.Once
	remaining   atomic.Int64
	cancelled   atomic.Bool
	stopped     atomic.Bool
	timedOut    atomic.Bool

	barrier          chan struct{}
	barrierRemaining atomic.Int64

	mu      sync.Mutex
	handles []*actionHandle
	err     error
}

func newFuture(c *Context, action *ThreadLocalAction, seq uint64, threads []*Thread) *Future {
	f := &Future{
		context: c,
		action:  action,
		seq:     seq,
		done:    make(chan struct{}),
		handles: make([]*actionHandle, len(threads)),
	}
	f.remaining.Store(int64(len(threads)))
	if action.IsSynchronous() {
		f.barrier = make(chan struct{})
		f.barrierRemaining.Store(int64(len(threads)))
	}
	for i, t := range threads {
		f.handles[i] = &actionHandle{future: f, thread: t, index: i, first: true}
	}
	return f
}

func (f *Future) Action() *ThreadLocalAction { return f.action }

// Sequence returns the submission sequence number, increasing with every
// submission to the same context.
func (f *Future) Sequence() uint64 { return f.seq }

// Done returns a channel closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) IsCancelled() bool { return f.cancelled.Load() }

// Err returns the internal error recorded when a non-side-effecting action
// failed on one of its threads.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the future resolves or ctx is done. It returns an error
// matching ErrActionCancelled if the future was cancelled.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if f.cancelled.Load() {
		if f.timedOut.Load() {
			return fmt.Errorf("%w: %w", ErrActionCancelled, ErrSynchronousTimeout)
		}
		return ErrActionCancelled
	}
	return f.Err()
}

// Cancel prevents the action from starting on threads that have not
// started it yet, and stops recurring actions. Performs already running
// are not affected. Cancel returns true if the future was resolved by this
// call.
func (f *Future) Cancel() bool {
	f.stopped.Store(true)
	resolving := !f.IsDone() && f.cancelled.CompareAndSwap(false, true)

	f.mu.Lock()
	handles := append([]*actionHandle(nil), f.handles...)
	f.mu.Unlock()

	// Pending rounds of a recurring action are dropped even once the
	// future resolved.
	for _, h := range handles {
		if h.state.CompareAndSwap(statePending, stateCancelled) {
			h.thread.safepoint.remove(h)
			f.finish(h)
		}
	}
	if !resolving {
		return false
	}
	f.resolve()
	f.context.logger.Debug().Stringer("action", f).Msg("thread local action cancelled")
	f.context.observer.ActionCancelled(f.context, f.action)
	return true
}

func (f *Future) String() string {
	return fmt.Sprintf("%s#%d", f.action, f.seq)
}

func (f *Future) resolve() {
	f.resolveOnce.Do(func() {
		close(f.done)
		if f.context != nil {
			f.context.forget(f)
		}
	})
}

func (f *Future) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *Future) replaceHandle(h *actionHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[h.index] = h
}

// targets reports whether t is one of the threads of f.
func (f *Future) targets(t *Thread) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		if h.thread == t {
			return true
		}
	}
	return false
}

// arrive records that h reached the start barrier of a synchronous action,
// or will never reach it.
func (f *Future) arrive(h *actionHandle) {
	if f.barrier == nil || !h.first || !h.arrived.CompareAndSwap(false, true) {
		return
	}
	if f.barrierRemaining.Add(-1) == 0 {
		close(f.barrier)
	}
}

// finish records that h reached a terminal state.
func (f *Future) finish(h *actionHandle) {
	f.arrive(h)
	if !h.first || !h.finished.CompareAndSwap(false, true) {
		return
	}
	if f.remaining.Add(-1) == 0 {
		f.resolve()
	}
}
