package arbor

import "sync/atomic"

// An Assumption is a stability token. Code specialised on some property
// holds the assumption and checks it before taking a fast path; whoever
// changes the property invalidates it. Invalidation is permanent.
type Assumption struct {
	name   string
	reason atomic.Pointer[string]
}

func NewAssumption(name string) *Assumption {
	return &Assumption{name: name}
}

func (a *Assumption) Name() string { return a.name }

// IsValid reports whether the assumption still holds.
func (a *Assumption) IsValid() bool {
	return a.reason.Load() == nil
}

// Invalidate invalidates the assumption, returning false if it was already
// invalid.
func (a *Assumption) Invalidate(reason string) bool {
	return a.reason.CompareAndSwap(nil, &reason)
}

// Reason returns the reason passed to the successful Invalidate call.
func (a *Assumption) Reason() string {
	if r := a.reason.Load(); r != nil {
		return *r
	}
	return ""
}

// Check returns an *InvalidAssumptionError if the assumption no longer holds.
func (a *Assumption) Check() error {
	if r := a.reason.Load(); r != nil {
		return &InvalidAssumptionError{Name: a.name, Reason: *r}
	}
	return nil
}

func (a *Assumption) String() string {
	if a.IsValid() {
		return a.name + "(valid)"
	}
	return a.name + "(invalid)"
}
