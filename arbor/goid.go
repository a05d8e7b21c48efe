package arbor

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// syncPerformers maps the goroutine of every thread running a synchronous
// perform to that thread. It lets a submission that carries no thread in its
// context still be attributed to the thread it runs on.
var syncPerformers struct {
	count   atomic.Int32
	threads sync.Map // goroutine id -> *Thread
}

func enterSyncPerform(thread *Thread) (exit func()) {
	id := goroutineID()
	syncPerformers.count.Add(1)
	prev, hadPrev := syncPerformers.threads.Swap(id, thread)
	return func() {
		if hadPrev {
			syncPerformers.threads.Store(id, prev)
		} else {
			syncPerformers.threads.Delete(id)
		}
		syncPerformers.count.Add(-1)
	}
}

// syncPerformer returns the thread running a synchronous perform on the
// calling goroutine, or nil.
func syncPerformer() *Thread {
	if syncPerformers.count.Load() == 0 {
		return nil
	}
	if v, ok := syncPerformers.threads.Load(goroutineID()); ok {
		return v.(*Thread)
	}
	return nil
}

// goroutineID parses the id of the calling goroutine from the header of its
// stack trace, "goroutine 42 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	const prefix = "goroutine "
	if len(b) < len(prefix) {
		return 0
	}
	b = b[len(prefix):]
	end := 0
	for end < len(b) && b[end] >= '0' && b[end] <= '9' {
		end++
	}
	id, err := strconv.ParseUint(string(b[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
