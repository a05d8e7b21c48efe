// Package arbortest runs arbor call targets and threads under test, checking
// their errors and heap allocations. It works with testing.T, testing.B and
// gocheck's check.C.
package arbortest

import (
	"math"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/check.v1"

	"github.com/canonical/arbor/arbor"
)

type testBase interface {
	Error(err ...interface{})
	Errorf(format string, err ...interface{})
	Logf(format string, args ...interface{})
	Failed() bool
}

var _ testBase = &testing.T{}
var _ testBase = &testing.B{}
var _ testBase = &check.C{}

// ST is a test session.
type ST struct {
	maxAllocs   uint64
	expectedErr string
	config      *arbor.Config
	setup       []func(*arbor.Thread)
	testBase
}

func From(base testBase) *ST {
	return &ST{testBase: base}
}

// SetMaxAllocs bounds the number of heap allocations made by one iteration
// of the function under test.
func (st *ST) SetMaxAllocs(maxAllocs uint64) {
	st.maxAllocs = maxAllocs
}

// Expect makes the session require an error containing err.
func (st *ST) Expect(err string) {
	st.expectedErr = err
}

// SetConfig sets the configuration of the contexts the session creates.
func (st *ST) SetConfig(cfg *arbor.Config) {
	st.config = cfg
}

// AddSetup registers fn to prepare every thread before it runs.
func (st *ST) AddSetup(fn func(*arbor.Thread)) {
	st.setup = append(st.setup, fn)
}

// N returns the number of iterations to run: b.N for benchmarks, 1 otherwise.
func (st *ST) N() int {
	if b, ok := st.testBase.(*testing.B); ok {
		return b.N
	}
	return 1
}

// RunTarget calls target with args on a fresh thread and returns the result
// of the last call.
func (st *ST) RunTarget(target *arbor.CallTarget, args ...interface{}) interface{} {
	var result interface{}
	st.RunThread(func(thread *arbor.Thread) error {
		var err error
		result, err = target.Call(thread, args...)
		return err
	})
	return result
}

// RunThread enters a fresh thread in a fresh context and runs fn on it N
// times.
func (st *ST) RunThread(fn func(*arbor.Thread) error) {
	c := arbor.NewContext(st.config)
	thread := arbor.NewThread("arbortest")
	for _, setup := range st.setup {
		setup(thread)
	}
	if err := c.Enter(thread); err != nil {
		st.Errorf("cannot enter context: %v", err)
		return
	}

	var errs []error
	n := st.N()
	run := func() {
		errs = errs[:0]
		for i := 0; i < n; i++ {
			if err := fn(thread); err != nil {
				errs = append(errs, err)
			}
		}
	}
	var measured uint64
	if st.maxAllocs != 0 {
		measured = measureMallocs(run)
	} else {
		run()
	}

	if err := c.Leave(thread); err != nil {
		st.Errorf("cannot leave context: %v", err)
	}
	if err := c.Close(); err != nil {
		st.Errorf("cannot close context: %v", err)
	}

	st.checkErrors(errs)
	if st.maxAllocs != 0 && measured/uint64(n) > st.maxAllocs {
		st.Errorf("too many allocations: %d per iteration, want at most %d", measured/uint64(n), st.maxAllocs)
	}
}

func (st *ST) checkErrors(errs []error) {
	if st.expectedErr == "" {
		for _, err := range errs {
			st.Errorf("unexpected error: %v", err)
		}
		return
	}
	if len(errs) == 0 {
		st.Errorf("expected error %q", st.expectedErr)
		return
	}
	for _, err := range errs {
		if !strings.Contains(err.Error(), st.expectedErr) {
			st.Errorf("unexpected error: got %q, want an error containing %q", err, st.expectedErr)
		}
	}
}

// measureMallocs returns the smallest number of heap allocations made by run
// over a few attempts.
func measureMallocs(run func()) uint64 {
	measured := uint64(math.MaxUint64)
	for i := 0; i < 10; i++ {
		var before, after runtime.MemStats
		runtime.GC()
		runtime.ReadMemStats(&before)

		run()

		runtime.ReadMemStats(&after)
		mallocs := after.Mallocs - before.Mallocs
		if mallocs == measured {
			break
		}
		if mallocs < measured {
			measured = mallocs
		}
	}
	return measured
}
