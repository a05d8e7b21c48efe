package arbor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextState uint8

const (
	contextOpen contextState = iota
	contextClosing
	contextClosed
)

// A Context is an isolated execution environment. Threads enter it to run
// guest code, and thread local actions are submitted to the threads entered
// in it.
//
// All methods of Context are safe to call from any goroutine.
type Context struct {
	id       uuid.UUID
	config   Config
	logger   zerolog.Logger
	observer Observer

	parent   *Context
	handlers InnerHandlers

	// halted is set once the context is cancelled or exited.
	halted      atomic.Bool
	terminating chan struct{}

	mu        sync.Mutex
	cond      sync.Cond
	state     contextState
	exiting   bool
	exitCode  int
	seq       uint64
	roster    []*Thread
	entered   map[*Thread]int
	disposing int
	active    map[*Future]struct{}
	errs      []error
}

// InnerHandlers translate the termination of an inner context into errors
// of its outer context. Each handler receives the error that escaped Run.
type InnerHandlers struct {
	OnCancelled func(err error) error
	OnExited    func(err error) error
	OnClosed    func(err error) error
}

// NewContext returns an open context. cfg may be nil.
func NewContext(cfg *Config) *Context {
	c := &Context{
		id:          uuid.New(),
		config:      cfg.withDefaults(),
		terminating: make(chan struct{}),
		entered:     make(map[*Thread]int),
		active:      make(map[*Future]struct{}),
	}
	c.cond.L = &c.mu
	c.observer = c.config.Observer
	c.logger = c.config.Logger.With().Str("context", c.id.String()).Logger()
	return c
}

// NewInnerContext returns a context nested in c. Threads entered in c may
// run code in it with Run. If cfg is nil, the configuration of c is used.
func (c *Context) NewInnerContext(cfg *Config, handlers InnerHandlers) *Context {
	if cfg == nil {
		inherited := c.config
		cfg = &inherited
	}
	inner := NewContext(cfg)
	inner.parent = c
	inner.handlers = handlers
	inner.logger = inner.logger.With().Str("parent", c.id.String()).Logger()
	return inner
}

// ID returns the unique identifier of the context.
func (c *Context) ID() string { return c.id.String() }

// Parent returns the outer context of an inner context, or nil.
func (c *Context) Parent() *Context { return c.parent }

// Logger returns the logger of the context.
func (c *Context) Logger() *zerolog.Logger { return &c.logger }

func (c *Context) String() string { return "context " + c.id.String() }

// Closed reports whether Close completed.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == contextClosed
}

// Threads returns the threads currently entered, in the order they entered.
func (c *Context) Threads() []*Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Thread(nil), c.roster...)
}

// Enter enters the thread in c. A thread may enter the same context more
// than once; it stays in the roster until it left as many times. Enter fails
// once the context was cancelled, exited or closed.
func (c *Context) Enter(thread *Thread) error {
	if thread == nil {
		return fmt.Errorf("%w: thread", ErrNilArgument)
	}
	return c.enter(thread, false)
}

func (c *Context) enter(thread *Thread, internal bool) error {
	c.mu.Lock()
	switch {
	case c.state == contextClosed, c.state == contextClosing && !internal:
		c.mu.Unlock()
		return &ClosedError{Context: c}
	case c.halted.Load() && !internal:
		err := c.haltErrorLocked()
		c.mu.Unlock()
		return err
	}
	n := c.entered[thread]
	c.entered[thread] = n + 1
	if n == 0 {
		c.roster = append(c.roster, thread)
	}
	c.mu.Unlock()

	sp := &thread.safepoint
	sp.mu.Lock()
	sp.contexts = append(sp.contexts, c)
	thread.current.Store(c)
	sp.updateLocked()
	sp.mu.Unlock()

	if n == 0 {
		c.logger.Debug().Stringer("thread", thread).Msg("thread entered")
		if c.config.OnThreadInitialize != nil {
			c.config.OnThreadInitialize(thread)
		}
	}
	return nil
}

// Leave undoes the innermost Enter of the thread, which must be into c.
// When the thread leaves c for the last time, actions still queued for it by
// c are resolved without running and the thread is disposed.
func (c *Context) Leave(thread *Thread) error {
	if thread == nil {
		return fmt.Errorf("%w: thread", ErrNilArgument)
	}

	sp := &thread.safepoint
	sp.mu.Lock()
	n := len(sp.contexts)
	if n == 0 || sp.contexts[n-1] != c {
		sp.mu.Unlock()
		return fmt.Errorf("%w: %s is not the innermost context of %s", ErrIllegalState, c, thread)
	}
	sp.contexts[n-1] = nil
	sp.contexts = sp.contexts[:n-1]
	var current *Context
	if n > 1 {
		current = sp.contexts[n-2]
	}
	thread.current.Store(current)
	sp.updateLocked()
	sp.mu.Unlock()

	c.mu.Lock()
	c.entered[thread]--
	last := c.entered[thread] == 0
	if last {
		delete(c.entered, thread)
		for i, t := range c.roster {
			if t == thread {
				c.roster = append(c.roster[:i], c.roster[i+1:]...)
				break
			}
		}
		c.disposing++
	}
	c.mu.Unlock()
	if !last {
		return nil
	}

	sp.mu.Lock()
	dropped := sp.dropLocked(c)
	sp.mu.Unlock()
	for _, h := range dropped {
		if h.state.CompareAndSwap(statePending, stateDone) {
			h.future.finish(h)
		}
	}

	var err error
	if dispose := c.config.OnThreadDispose; dispose != nil {
		err = thread.lifecycle(func() error { return dispose(thread) })
	}

	c.mu.Lock()
	if err != nil {
		c.errs = append(c.errs, err)
	}
	c.disposing--
	c.cond.Broadcast()
	c.mu.Unlock()

	c.logger.Debug().Stringer("thread", thread).Int("dropped", len(dropped)).Msg("thread left")
	return nil
}

// Run enters c on the thread, calls fn and leaves c again. When c is an
// inner context, errors caused by the cancellation, exit or closing of c
// do not escape Run: they are replaced by the result of the matching
// handler, or by an *InternalError when no handler is registered.
func (c *Context) Run(thread *Thread, fn func() error) error {
	err := c.Enter(thread)
	if err == nil {
		err = fn()
		if lerr := c.Leave(thread); lerr != nil && err == nil {
			err = lerr
		}
	}
	return c.contain(err)
}

func (c *Context) contain(err error) error {
	if err == nil || c.parent == nil {
		return err
	}
	var (
		cancelled *CancelledError
		exited    *ExitError
		closed    *ClosedError
	)
	switch {
	case errors.As(err, &cancelled) && cancelled.Context == c:
		return c.leaked("cancel", c.handlers.OnCancelled, err)
	case errors.As(err, &exited) && exited.Context == c:
		return c.leaked("exit", c.handlers.OnExited, err)
	case errors.As(err, &closed) && closed.Context == c:
		return c.leaked("close", c.handlers.OnClosed, err)
	}
	return err
}

func (c *Context) leaked(what string, handler func(error) error, err error) error {
	if handler != nil {
		return handler(err)
	}
	c.logger.Error().Err(err).Msgf("unhandled %s of inner context", what)
	return &InternalError{
		Msg:   fmt.Sprintf("Unhandled %s of inner context leaked into its outer context.", what),
		cause: err,
	}
}

// SubmitThreadLocal submits action to threads, or to every thread entered
// in c when threads is nil. Threads that are not entered in c resolve
// without running the action.
//
// If ctx belongs to a thread (see Thread.Context), that thread is the
// submitter. Synchronous submissions block until the action completed on
// every thread; a submitter that is one of the threads keeps processing its
// own actions meanwhile. A synchronous submission made from inside the
// perform of a synchronous action fails with ErrRecursiveSynchronous, whether
// or not ctx names the thread.
func (c *Context) SubmitThreadLocal(ctx context.Context, threads []*Thread, action *ThreadLocalAction) (*Future, error) {
	if action == nil || action.Perform == nil {
		return nil, fmt.Errorf("%w: thread local action", ErrNilArgument)
	}
	if !action.Flags.Valid() {
		return nil, fmt.Errorf("%w: invalid action flags %s", ErrIllegalState, action.Flags)
	}
	for i, t := range threads {
		if t == nil {
			return nil, fmt.Errorf("%w: thread %d", ErrNilArgument, i)
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	submitter := ThreadFromContext(ctx)
	if action.IsSynchronous() {
		if submitter == nil {
			submitter = syncPerformer()
		}
		if submitter != nil && submitter.safepoint.syncPerforms.Load() > 0 {
			return nil, ErrRecursiveSynchronous
		}
	}

	type wakeup struct {
		thread *Thread
		block  *blockedState
	}
	var (
		wakeups []wakeup
		skipped []*actionHandle
	)

	c.mu.Lock()
	if c.state == contextClosed {
		c.mu.Unlock()
		return nil, &ClosedError{Context: c}
	}
	if threads == nil {
		threads = append([]*Thread(nil), c.roster...)
	}
	c.seq++
	f := newFuture(c, action, c.seq, threads)
	for _, h := range f.handles {
		if c.entered[h.thread] == 0 {
			skipped = append(skipped, h)
			continue
		}
		sp := &h.thread.safepoint
		sp.mu.Lock()
		if bs := sp.enqueueLocked(h); bs != nil {
			wakeups = append(wakeups, wakeup{h.thread, bs})
		}
		sp.mu.Unlock()
	}
	c.active[f] = struct{}{}
	c.mu.Unlock()

	for _, h := range skipped {
		h.state.Store(stateDone)
		f.finish(h)
	}
	if len(threads) == 0 {
		f.resolve()
	}
	for _, w := range wakeups {
		w.block.fire(w.thread)
	}

	c.logger.Debug().Stringer("action", f).Int("threads", len(threads)).Int("skipped", len(skipped)).Msg("thread local action submitted")
	c.observer.ActionSubmitted(c, action, len(threads)-len(skipped))

	if action.IsSynchronous() {
		if err := c.awaitSynchronous(ctx, submitter, f); err != nil {
			return f, err
		}
	}
	return f, nil
}

func (c *Context) awaitSynchronous(ctx context.Context, submitter *Thread, f *Future) error {
	var timeout <-chan struct{}
	if d := c.config.MaxSynchronousWait; d > 0 {
		timeoutCtx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		timeout = timeoutCtx.Done()
	}

	var wake <-chan struct{}
	if submitter != nil && f.targets(submitter) {
		wake = submitter.safepoint.wake
		if err := submitter.pollSlow(nil, false); err != nil {
			return err
		}
	}
	for {
		select {
		case <-f.done:
			if f.timedOut.Load() {
				return fmt.Errorf("%w: %s", ErrSynchronousTimeout, f)
			}
			return nil
		case <-wake:
			if err := submitter.pollSlow(nil, false); err != nil {
				return err
			}
		case <-timeout:
			c.synchronousTimeout(f)
			return fmt.Errorf("%w: %s", ErrSynchronousTimeout, f)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// synchronousTimeout logs a thread dump and cancels f, once.
func (c *Context) synchronousTimeout(f *Future) {
	if !f.timedOut.CompareAndSwap(false, true) {
		return
	}
	event := c.logger.Error().Stringer("action", f).Dur("max_wait", c.config.MaxSynchronousWait)
	if dump, err := c.ThreadDumpJSON(true); err == nil {
		event = event.RawJSON("dump", dump)
	} else {
		event = event.AnErr("dump_error", err)
	}
	event.Msg("synchronous thread local action timed out")
	c.observer.SynchronousTimeout(c, f.action)
	f.Cancel()
}

// resubmit queues the next round of a recurring action on the thread of
// prev.
func (c *Context) resubmit(f *Future, prev *actionHandle) {
	if f.stopped.Load() {
		return
	}
	thread := prev.thread
	h := &actionHandle{future: f, thread: thread, index: prev.index}

	c.mu.Lock()
	if c.state == contextClosed || c.halted.Load() || c.entered[thread] == 0 {
		c.mu.Unlock()
		return
	}
	f.replaceHandle(h)
	sp := &thread.safepoint
	sp.mu.Lock()
	bs := sp.enqueueLocked(h)
	sp.mu.Unlock()
	c.mu.Unlock()
	bs.fire(thread)

	if f.stopped.Load() && h.state.CompareAndSwap(statePending, stateCancelled) {
		sp.remove(h)
	}
}

func (c *Context) forget(f *Future) {
	c.mu.Lock()
	delete(c.active, f)
	c.mu.Unlock()
}

func (c *Context) haltError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.haltErrorLocked()
}

func (c *Context) haltErrorLocked() error {
	if c.exiting {
		return &ExitError{Context: c, Code: c.exitCode}
	}
	return &CancelledError{Context: c}
}

// Cancel cancels the context: entered threads fail at their next poll with
// a *CancelledError, blocked threads are interrupted and pending actions
// are cancelled. Cancel then waits until every thread left, or until ctx is
// done, and closes the context.
//
// Cancel must not be called by a thread entered in c.
func (c *Context) Cancel(ctx context.Context) error {
	return c.terminate(ctx, false, 0)
}

// Exit is like Cancel, but threads fail with an *ExitError carrying code.
func (c *Context) Exit(ctx context.Context, code int) error {
	return c.terminate(ctx, true, code)
}

func (c *Context) terminate(ctx context.Context, exit bool, code int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.state == contextClosed {
		c.mu.Unlock()
		return nil
	}
	if !c.halted.Load() {
		c.exiting = exit
		c.exitCode = code
		c.halted.Store(true)
		close(c.terminating)
	}
	threads := append([]*Thread(nil), c.roster...)
	futures := c.activeLocked()
	c.mu.Unlock()

	event := c.logger.Info().Int("threads", len(threads)).Int("pending", len(futures))
	if exit {
		event = event.Int("code", code)
	}
	event.Msg("terminating context")

	for _, f := range futures {
		f.Cancel()
	}
	for _, t := range threads {
		t.safepoint.update()
	}

	if err := c.awaitRoster(ctx); err != nil {
		return err
	}
	return c.Close()
}

// awaitRoster blocks until no thread is entered or being disposed.
func (c *Context) awaitRoster(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.roster) > 0 || c.disposing > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for %d threads to leave %s: %w", len(c.roster), c, err)
		}
		c.cond.Wait()
	}
	return nil
}

func (c *Context) activeLocked() []*Future {
	futures := make([]*Future, 0, len(c.active))
	for f := range c.active {
		futures = append(futures, f)
	}
	return futures
}

// Close finalizes and closes the context. It fails with an error matching
// ErrContextActive while threads are entered. Actions still pending once
// the finalizer returned are cancelled. Close reports errors of the dispose
// and finalize callbacks.
func (c *Context) Close() error {
	c.mu.Lock()
	switch {
	case c.state != contextOpen:
		c.mu.Unlock()
		return nil
	case len(c.roster) > 0 || c.disposing > 0:
		n := len(c.roster)
		c.mu.Unlock()
		return fmt.Errorf("%w: %d threads entered in %s", ErrContextActive, n, c)
	}
	c.state = contextClosing
	c.mu.Unlock()

	ferr := c.finalize()

	c.mu.Lock()
	c.state = contextClosed
	futures := c.activeLocked()
	errs := append(c.errs, ferr)
	c.errs = nil
	c.mu.Unlock()

	for _, f := range futures {
		f.Cancel()
	}
	c.logger.Debug().Int("cancelled", len(futures)).Msg("context closed")
	return errors.Join(errs...)
}

// finalize runs the finalizer on an internal thread entered in c.
func (c *Context) finalize() error {
	finalizer := c.config.OnFinalize
	if finalizer == nil {
		return nil
	}
	thread := NewThread("finalizer-" + c.id.String())
	if err := c.enter(thread, true); err != nil {
		return err
	}
	err := thread.lifecycle(func() error { return finalizer(thread) })
	if lerr := c.Leave(thread); lerr != nil && err == nil {
		err = lerr
	}
	return err
}
