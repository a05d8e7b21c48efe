package arbor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// safepoint holds the per-thread state of thread local action delivery.
type safepoint struct {
	thread *Thread

	// flag is set whenever the slow path of Poll has work to do.
	flag atomic.Bool

	// wake receives a token each time an action is queued.
	wake chan struct{}

	mu                  sync.Mutex
	queue               []*actionHandle
	order               uint64
	contexts            []*Context
	sideEffectsDisabled bool
	actionsDisabled     bool
	lifecycleDepth      int
	processing          int
	blocked             []*blockedState

	syncPerforms atomic.Int32
}

func (sp *safepoint) init(t *Thread) {
	sp.thread = t
	sp.wake = make(chan struct{}, 1)
}

// update recomputes the poll flag and interrupts the thread if it is blocked
// with work to do.
func (sp *safepoint) update() {
	sp.mu.Lock()
	interrupt := sp.updateLocked()
	sp.mu.Unlock()
	interrupt.fire(sp.thread)
}

// updateLocked must be called with sp.mu held. The returned block, if any,
// must be fired once sp.mu is released.
func (sp *safepoint) updateLocked() *blockedState {
	t := sp.thread
	halted := t.cancelFlag.Load()
	for _, c := range sp.contexts {
		halted = halted || c.halted.Load()
	}
	deliverable := false
	for _, h := range sp.queue {
		if sp.deliverableLocked(h, false) {
			deliverable = true
			break
		}
	}
	alot := false
	if c := t.current.Load(); c != nil {
		alot = c.config.SafepointALot
	}
	sp.flag.Store(halted || deliverable || alot)

	if n := len(sp.blocked); n > 0 && (halted || deliverable && sp.processing < t.maxProcessingDepth()) {
		if top := sp.blocked[n-1]; !top.interrupted {
			top.interrupted = true
			return top
		}
	}
	return nil
}

func (sp *safepoint) deliverableLocked(h *actionHandle, forced bool) bool {
	if h.state.Load() != statePending || sp.actionsDisabled {
		return false
	}
	return forced || !sp.sideEffectsDisabled || !h.future.action.HasSideEffects()
}

// enqueueLocked must be called with sp.mu held.
func (sp *safepoint) enqueueLocked(h *actionHandle) *blockedState {
	sp.order++
	h.order = sp.order
	sp.queue = append(sp.queue, h)
	select {
	case sp.wake <- struct{}{}:
	default:
	}
	return sp.updateLocked()
}

// remove drops h from the queue.
func (sp *safepoint) remove(h *actionHandle) {
	sp.mu.Lock()
	for i, queued := range sp.queue {
		if queued == h {
			sp.queue = append(sp.queue[:i], sp.queue[i+1:]...)
			break
		}
	}
	sp.updateLocked()
	sp.mu.Unlock()
}

// dropLocked removes the handles submitted through c and returns them.
func (sp *safepoint) dropLocked(c *Context) []*actionHandle {
	var dropped []*actionHandle
	kept := sp.queue[:0]
	for _, h := range sp.queue {
		if h.future.context == c {
			dropped = append(dropped, h)
		} else {
			kept = append(kept, h)
		}
	}
	for i := len(kept); i < len(sp.queue); i++ {
		sp.queue[i] = nil
	}
	sp.queue = kept
	sp.updateLocked()
	return dropped
}

// next claims the oldest deliverable handle queued no later than limit.
func (sp *safepoint) next(limit uint64, forced bool) *actionHandle {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	var claimed *actionHandle
	for i := 0; i < len(sp.queue); {
		h := sp.queue[i]
		if h.state.Load() != statePending {
			sp.queue = append(sp.queue[:i], sp.queue[i+1:]...)
			continue
		}
		if h.order > limit {
			break
		}
		if !sp.deliverableLocked(h, forced) {
			i++
			continue
		}
		sp.queue = append(sp.queue[:i], sp.queue[i+1:]...)
		if h.state.CompareAndSwap(statePending, stateRunning) {
			claimed = h
			break
		}
	}
	sp.updateLocked()
	return claimed
}

// Poll is the safepoint check of the thread. It returns promptly unless the
// thread is cancelled, its context is cancelled or exited, or actions are
// pending for it, in which case the deliverable actions are performed in
// submission order before Poll returns. location is the node at which the
// thread polls; it may be nil.
//
// Poll may be called on a nil thread, in which case it does nothing.
func (thread *Thread) Poll(location Node) error {
	if thread == nil || !thread.safepoint.flag.Load() {
		return nil
	}
	return thread.pollSlow(location, false)
}

// PollHere is like Poll but also performs side-effecting actions while
// side effects are disabled. Disabled actions stay queued.
func (thread *Thread) PollHere(location Node) error {
	if thread == nil {
		return nil
	}
	return thread.pollSlow(location, true)
}

// PollContext polls outside of guest code, with no location.
func (thread *Thread) PollContext() error {
	return thread.Poll(nil)
}

//go:noinline
func (thread *Thread) pollSlow(location Node, forced bool) error {
	if err := thread.cancelled(); err != nil {
		return err
	}
	if err := thread.halted(); err != nil {
		return err
	}

	sp := &thread.safepoint
	sp.mu.Lock()
	if sp.processing >= thread.maxProcessingDepth() {
		sp.mu.Unlock()
		return nil
	}
	sp.processing++
	// Actions queued while this round runs, such as the next round of a
	// recurring action, wait for a later poll.
	limit := sp.order
	sp.mu.Unlock()

	defer func() {
		sp.mu.Lock()
		sp.processing--
		interrupt := sp.updateLocked()
		sp.mu.Unlock()
		interrupt.fire(thread)
	}()

	for {
		h := sp.next(limit, forced)
		if h == nil {
			return nil
		}
		if err := thread.perform(h, location); err != nil {
			return err
		}
	}
}

// halted returns the error of the innermost entered context that was
// cancelled or exited.
func (thread *Thread) halted() error {
	sp := &thread.safepoint
	sp.mu.Lock()
	contexts := append([]*Context(nil), sp.contexts...)
	sp.mu.Unlock()

	for i := len(contexts) - 1; i >= 0; i-- {
		if c := contexts[i]; c.halted.Load() {
			return c.haltError()
		}
	}
	return nil
}

func (thread *Thread) perform(h *actionHandle, location Node) error {
	f := h.future
	c := f.context
	action := f.action

	if action.IsSynchronous() && h.first {
		if err := f.awaitBarrier(thread, h); err != nil {
			h.state.Store(stateCancelled)
			f.finish(h)
			c.logger.Debug().Err(err).Stringer("action", f).Stringer("thread", thread).Msg("synchronous action abandoned at barrier")
			return nil
		}
	}

	access := &Access{thread: thread, location: location, future: f}
	start := time.Now()
	err := thread.invoke(action, access)
	elapsed := time.Since(start)

	h.state.Store(stateDone)
	f.finish(h)
	c.observer.ActionPerformed(c, action, elapsed, err)
	if action.IsRecurring() {
		c.resubmit(f, h)
	}

	if err == nil {
		return nil
	}
	if sig, ok := err.(ControlSignal); ok {
		err = &InternalError{Msg: "control-flow signal escaped a thread local action", cause: sig}
		f.setErr(err)
		return err
	}
	if action.HasSideEffects() {
		return err
	}
	err = &InternalError{Msg: ErrDisallowedGuestError.Error(), cause: err, kind: ErrDisallowedGuestError}
	f.setErr(err)
	c.logger.Error().Err(err).Stringer("action", f).Stringer("thread", thread).Msg("non-side-effecting action failed")
	return err
}

func (thread *Thread) invoke(action *ThreadLocalAction, access *Access) error {
	if action.IsSynchronous() {
		thread.safepoint.syncPerforms.Add(1)
		defer thread.safepoint.syncPerforms.Add(-1)
		defer enterSyncPerform(thread)()
	}
	return action.Perform(access)
}

// awaitBarrier blocks until every thread of the synchronous future f has
// reached a safepoint.
func (f *Future) awaitBarrier(thread *Thread, h *actionHandle) error {
	f.arrive(h)

	var timeout <-chan time.Time
	if d := f.context.config.MaxSynchronousWait; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-f.barrier:
		return nil
	case <-f.done:
		return ErrActionCancelled
	case <-f.context.terminating:
		return f.context.haltError()
	case <-timeout:
		f.context.synchronousTimeout(f)
		return fmt.Errorf("%w: %s", ErrSynchronousTimeout, f)
	}
}

// SetAllowSideEffects enables or disables the delivery of side-effecting
// actions to the thread and returns the previous setting. Re-enabling side
// effects does not process pending actions; they run at the next poll.
func (thread *Thread) SetAllowSideEffects(allow bool) bool {
	sp := &thread.safepoint
	sp.mu.Lock()
	prev := !sp.sideEffectsDisabled
	sp.sideEffectsDisabled = !allow
	interrupt := sp.updateLocked()
	sp.mu.Unlock()
	interrupt.fire(thread)
	return prev
}

// IsAllowSideEffects reports whether side-effecting actions are delivered.
func (thread *Thread) IsAllowSideEffects() bool {
	sp := &thread.safepoint
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return !sp.sideEffectsDisabled
}

// HasPendingSideEffectingActions reports whether side-effecting actions
// are queued and held back because side effects are disabled.
func (thread *Thread) HasPendingSideEffectingActions() bool {
	sp := &thread.safepoint
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !sp.sideEffectsDisabled {
		return false
	}
	for _, h := range sp.queue {
		if h.state.Load() == statePending && h.future.action.HasSideEffects() {
			return true
		}
	}
	return false
}

// SetAllowActions enables or disables the delivery of all actions and
// returns the previous setting. It may only be called from the thread
// dispose and context finalize callbacks, which must restore the setting
// before returning.
func (thread *Thread) SetAllowActions(allow bool) (bool, error) {
	sp := &thread.safepoint
	sp.mu.Lock()
	if sp.lifecycleDepth == 0 {
		sp.mu.Unlock()
		return false, fmt.Errorf("%w: thread local actions can only be disabled in dispose and finalize callbacks", ErrIllegalState)
	}
	prev := !sp.actionsDisabled
	sp.actionsDisabled = !allow
	interrupt := sp.updateLocked()
	sp.mu.Unlock()
	interrupt.fire(thread)
	return prev, nil
}

// lifecycle runs fn as a lifecycle callback of the thread.
func (thread *Thread) lifecycle(fn func() error) error {
	sp := &thread.safepoint
	sp.mu.Lock()
	sp.lifecycleDepth++
	sp.mu.Unlock()

	err := fn()

	sp.mu.Lock()
	sp.lifecycleDepth--
	leaked := sp.lifecycleDepth == 0 && sp.actionsDisabled
	if leaked {
		sp.actionsDisabled = false
	}
	interrupt := sp.updateLocked()
	sp.mu.Unlock()
	interrupt.fire(thread)

	if leaked {
		leakErr := fmt.Errorf("%w: thread local actions disabled on %s were not re-enabled", ErrIllegalState, thread)
		if err == nil {
			return leakErr
		}
		return fmt.Errorf("%w; %w", err, leakErr)
	}
	return err
}

// pendingActions returns the number of queued actions.
func (sp *safepoint) pendingActions() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	n := 0
	for _, h := range sp.queue {
		if h.state.Load() == statePending {
			n++
		}
	}
	return n
}
