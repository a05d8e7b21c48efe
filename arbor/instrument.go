package arbor

import (
	"context"
	"fmt"
)

// An Instrumenter submits thread local actions on behalf of a tool, such as
// a debugger or a sampler, that is not part of the guest program.
type Instrumenter struct {
	name string
}

func NewInstrumenter(name string) *Instrumenter {
	return &Instrumenter{name: name}
}

func (in *Instrumenter) Name() string { return in.name }

// SubmitThreadLocal submits action to threads of c as Context.SubmitThreadLocal
// does. It fails with a *ClosedError if c is closed.
func (in *Instrumenter) SubmitThreadLocal(ctx context.Context, c *Context, threads []*Thread, action *ThreadLocalAction) (*Future, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: context", ErrNilArgument)
	}
	if c.Closed() {
		return nil, &ClosedError{Context: c}
	}
	f, err := c.SubmitThreadLocal(ctx, threads, action)
	if err != nil {
		c.logger.Debug().Err(err).Str("instrument", in.name).Msg("instrument submission failed")
		return f, err
	}
	c.logger.Debug().Str("instrument", in.name).Stringer("action", f).Msg("instrument submitted thread local action")
	return f, nil
}
