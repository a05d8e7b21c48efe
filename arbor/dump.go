package arbor

import (
	"runtime"

	"github.com/goccy/go-json"
)

// A ThreadDump is a snapshot of the threads entered in a context.
type ThreadDump struct {
	Context    string       `json:"context"`
	Halted     bool         `json:"halted"`
	Threads    []ThreadInfo `json:"threads"`
	Goroutines string       `json:"goroutines,omitempty"`
}

// ThreadInfo describes one thread of a ThreadDump.
type ThreadInfo struct {
	Name               string   `json:"name"`
	ID                 uint64   `json:"id"`
	Depth              int      `json:"depth"`
	Pending            int      `json:"pending"`
	Blocked            bool     `json:"blocked"`
	SideEffectsAllowed bool     `json:"side_effects_allowed"`
	Processing         int      `json:"processing"`
	Cancelled          bool     `json:"cancelled"`
	Contexts           []string `json:"contexts,omitempty"`
}

// ThreadDump returns a snapshot of the entered threads. When goroutines is
// set, the stacks of all goroutines of the process are included.
func (c *Context) ThreadDump(goroutines bool) *ThreadDump {
	dump := &ThreadDump{
		Context: c.ID(),
		Halted:  c.halted.Load(),
	}
	for _, t := range c.Threads() {
		dump.Threads = append(dump.Threads, t.info())
	}
	if goroutines {
		buf := make([]byte, 1<<16)
		for {
			n := runtime.Stack(buf, true)
			if n < len(buf) {
				buf = buf[:n]
				break
			}
			buf = make([]byte, 2*len(buf))
		}
		dump.Goroutines = string(buf)
	}
	return dump
}

// ThreadDumpJSON returns the ThreadDump of c encoded as JSON.
func (c *Context) ThreadDumpJSON(goroutines bool) ([]byte, error) {
	return json.Marshal(c.ThreadDump(goroutines))
}

func (thread *Thread) info() ThreadInfo {
	sp := &thread.safepoint
	info := ThreadInfo{
		Name:      thread.String(),
		ID:        thread.id,
		Depth:     int(thread.depth.Load()),
		Pending:   sp.pendingActions(),
		Cancelled: thread.cancelFlag.Load(),
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	info.Blocked = len(sp.blocked) > 0
	info.SideEffectsAllowed = !sp.sideEffectsDisabled
	info.Processing = sp.processing
	for _, c := range sp.contexts {
		info.Contexts = append(info.Contexts, c.ID())
	}
	return info
}
