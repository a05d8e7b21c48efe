package arbor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var threadIDs atomic.Uint64

// A Thread is a guest thread: the state of one goroutine executing call
// targets, such as its call stack, its safepoint and thread-local storage.
// The Thread is threaded throughout the interpreter through Frame.Thread.
//
// Except where noted, the methods of Thread must be called by the goroutine
// running the thread.
type Thread struct {
	// Name is an optional name that describes the thread, for debugging.
	Name string

	id uint64

	// contextLock synchronises access to fields required to implement context.
	contextLock   sync.Mutex
	parentContext context.Context
	cancelCleanup func()
	cancelReason  error
	done          chan struct{}
	cancelFlag    atomic.Bool

	// stack is the stack of call frames, outermost first.
	stack []*callFrame
	depth atomic.Int32

	steps    atomic.Int64
	maxSteps int64

	// locals holds arbitrary "thread-local" Go values belonging to the client.
	locals map[string]interface{}

	// current is the innermost entered context.
	current   atomic.Pointer[Context]
	safepoint safepoint
}

// NewThread returns a thread ready to enter a context.
func NewThread(name string) *Thread {
	t := &Thread{Name: name, id: threadIDs.Add(1)}
	t.safepoint.init(t)
	return t
}

// ID returns a process-unique identifier of the thread.
func (thread *Thread) ID() uint64 { return thread.id }

func (thread *Thread) String() string {
	if thread.Name == "" {
		return fmt.Sprintf("thread-%d", thread.id)
	}
	return thread.Name
}

type threadKey struct{}

type threadContext Thread

var _ context.Context = &threadContext{}

func (tc *threadContext) Deadline() (deadline time.Time, ok bool) {
	thread := (*Thread)(tc)
	return thread.parentContext.Deadline()
}

var closedChannel chan struct{}

func init() {
	closedChannel = make(chan struct{})
	close(closedChannel)
}

func (tc *threadContext) Done() <-chan struct{} {
	thread := (*Thread)(tc)

	thread.contextLock.Lock()
	defer thread.contextLock.Unlock()

	if thread.done == nil {
		if thread.cancelReason == nil {
			thread.done = make(chan struct{})
		} else {
			// Don't set thread.done here, so we never risk closing it twice.
			return closedChannel
		}
	}
	return thread.done
}

func (tc *threadContext) Err() error {
	thread := (*Thread)(tc)

	thread.contextLock.Lock()
	defer thread.contextLock.Unlock()

	if thread.cancelReason != nil {
		if errors.Is(thread.cancelReason, context.DeadlineExceeded) {
			return context.DeadlineExceeded
		}
		return context.Canceled
	}
	return nil
}

func (tc *threadContext) Value(key interface{}) interface{} {
	thread := (*Thread)(tc)
	if _, ok := key.(threadKey); ok {
		return thread
	}
	if stringKey, ok := key.(string); ok {
		if local, ok := thread.locals[stringKey]; ok {
			return local
		}
	}
	return tc.parentContext.Value(key)
}

// ThreadFromContext returns the thread whose Context is ctx or an ancestor
// of ctx, or nil.
func ThreadFromContext(ctx context.Context) *Thread {
	if ctx == nil {
		return nil
	}
	thread, _ := ctx.Value(threadKey{}).(*Thread)
	return thread
}

// SetParentContext sets the parent for this thread's context. It
// can only be called once, before execution begins or any
// thread.Context calls. Cancelling ctx cancels the thread.
func (thread *Thread) SetParentContext(ctx context.Context) {
	thread.contextLock.Lock()
	defer thread.contextLock.Unlock()

	if thread.parentContext != nil {
		panic("cannot set parent context: already set")
	}
	thread.parentContext = ctx

	stop := context.AfterFunc(ctx, func() {
		thread.cancel(context.Cause(ctx))
	})

	thread.cancelCleanup = func() { stop() }
}

// Context returns a context which gets cancelled when this thread is
// cancelled. Calling Value on the returned context with a string key is
// equivalent to calling thread.Local with that key. Passing it to
// Context.SubmitThreadLocal identifies the submitting thread.
func (thread *Thread) Context() context.Context {
	thread.contextLock.Lock()
	defer thread.contextLock.Unlock()

	if thread.parentContext == nil {
		thread.parentContext = context.Background()
	}

	return (*threadContext)(thread)
}

// Steps returns the number of loop iterations executed by this thread.
func (thread *Thread) Steps() int64 {
	return thread.steps.Load()
}

// SetMaxSteps sets a limit on the number of loop iterations that may be
// executed by this thread. If the thread's step counter exceeds this limit,
// the thread is cancelled. If max is zero or negative, the thread will not
// be cancelled.
func (thread *Thread) SetMaxSteps(max int64) {
	thread.maxSteps = max
}

// AddSteps reports an increase in the number of steps taken by this thread.
// If the new total exceeds the limit defined by SetMaxSteps, the thread is
// cancelled and an error is returned.
//
// It is safe to call AddSteps from any goroutine.
func (thread *Thread) AddSteps(delta int64) error {
	if thread == nil {
		return nil
	}
	next := thread.steps.Add(delta)
	if thread.maxSteps > 0 && next > thread.maxSteps {
		err := &StepsSafetyError{Current: next - delta, Max: thread.maxSteps}
		thread.cancel(err)
		return err
	}
	return nil
}

// Cancel causes execution in the specified thread to promptly fail with an
// error that includes the specified reason. The thread observes the
// cancellation at its next safepoint poll, and is woken if blocked.
//
// Unlike most methods of Thread, it is safe to call Cancel from any
// goroutine, even if the thread is actively executing.
func (thread *Thread) Cancel(reason string, args ...interface{}) {
	var err error
	if len(args) == 0 {
		err = errors.New(reason)
	} else {
		err = fmt.Errorf(reason, args...)
	}
	thread.cancel(err)
}

func (thread *Thread) cancel(err error) {
	thread.contextLock.Lock()
	if thread.cancelReason != nil {
		thread.contextLock.Unlock()
		return
	}
	thread.cancelReason = fmt.Errorf("Arbor computation cancelled: %w", err)
	thread.cancelFlag.Store(true)

	if thread.done != nil {
		close(thread.done)
	}

	if thread.cancelCleanup != nil {
		thread.cancelCleanup()
		thread.cancelCleanup = nil
	}
	thread.contextLock.Unlock()

	thread.safepoint.update()
}

func (thread *Thread) cancelled() error {
	if !thread.cancelFlag.Load() {
		return nil
	}

	thread.contextLock.Lock()
	defer thread.contextLock.Unlock()

	return thread.cancelReason
}

// SetLocal sets the thread-local value associated with the specified key.
// It must not be called after execution begins.
func (thread *Thread) SetLocal(key string, value interface{}) {
	if thread.locals == nil {
		thread.locals = make(map[string]interface{})
	}
	thread.locals[key] = value
}

// Local returns the thread-local value associated with the specified key.
func (thread *Thread) Local(key string) interface{} {
	return thread.locals[key]
}

// A callFrame records one activation of a call target.
type callFrame struct {
	target   *CallTarget
	callNode Node
	frame    *Frame
}

func (thread *Thread) push(target *CallTarget, callNode Node, frame *Frame) {
	var fr *callFrame
	// Optimization: use slack portion of thread.stack
	// slice as a freelist of empty frames.
	if n := len(thread.stack); n < cap(thread.stack) {
		fr = thread.stack[n : n+1][0]
	}
	if fr == nil {
		fr = new(callFrame)
	}
	fr.target = target
	fr.callNode = callNode
	fr.frame = frame
	thread.stack = append(thread.stack, fr)
	thread.depth.Store(int32(len(thread.stack)))
}

func (thread *Thread) pop() {
	last := len(thread.stack) - 1
	*thread.stack[last] = callFrame{}
	thread.stack = thread.stack[:last]
	thread.depth.Store(int32(last))
}

// CallStackDepth returns the number of activations on the thread's stack.
func (thread *Thread) CallStackDepth() int { return len(thread.stack) }

func (thread *Thread) maxStackDepth() int {
	if c := thread.currentContext(); c != nil && c.config.MaxStackDepth > 0 {
		return c.config.MaxStackDepth
	}
	return DefaultMaxStackDepth
}

func (thread *Thread) pollInterval() int {
	if c := thread.currentContext(); c != nil && c.config.PollInterval > 0 {
		return c.config.PollInterval
	}
	return 1
}

func (thread *Thread) maxProcessingDepth() int {
	if c := thread.currentContext(); c != nil && c.config.MaxProcessingDepth > 0 {
		return c.config.MaxProcessingDepth
	}
	return DefaultMaxProcessingDepth
}

// currentContext returns the innermost context the thread is entered in.
func (thread *Thread) currentContext() *Context {
	if thread == nil {
		return nil
	}
	return thread.current.Load()
}

// EnteredContext returns the innermost context the thread is entered in,
// or nil.
func (thread *Thread) EnteredContext() *Context {
	return thread.currentContext()
}
