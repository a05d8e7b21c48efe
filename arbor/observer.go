package arbor

import "time"

// An Observer is notified of the scheduling events of a Context. Its methods
// are called from the goroutines where the events happen and must not block.
type Observer interface {
	ActionSubmitted(c *Context, action *ThreadLocalAction, threads int)
	ActionPerformed(c *Context, action *ThreadLocalAction, elapsed time.Duration, err error)
	ActionCancelled(c *Context, action *ThreadLocalAction)
	SynchronousTimeout(c *Context, action *ThreadLocalAction)
	LoopCountReported(target *CallTarget, count int)
}

type nopObserver struct{}

func (nopObserver) ActionSubmitted(*Context, *ThreadLocalAction, int) {}
func (nopObserver) ActionPerformed(*Context, *ThreadLocalAction, time.Duration, error) {}
func (nopObserver) ActionCancelled(*Context, *ThreadLocalAction) {}
func (nopObserver) SynchronousTimeout(*Context, *ThreadLocalAction) {}
func (nopObserver) LoopCountReported(*CallTarget, int) {}
