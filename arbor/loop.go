package arbor

// A ControlSignal transfers control to the nearest enclosing LoopNode. It
// travels as an error value but is never a failure: loops consume it, and
// call targets and thread local actions turn an escaping signal into an
// *InternalError.
type ControlSignal interface {
	error
	controlSignal()
}

// BreakSignal terminates the nearest enclosing loop.
type BreakSignal struct{}

func (BreakSignal) Error() string  { return "break outside of a loop" }
func (BreakSignal) controlSignal() {}

// ContinueSignal starts the next iteration of the nearest enclosing loop.
type ContinueSignal struct{}

func (ContinueSignal) Error() string  { return "continue outside of a loop" }
func (ContinueSignal) controlSignal() {}

var (
	Break    ControlSignal = BreakSignal{}
	Continue ControlSignal = ContinueSignal{}
)

// A RepeatingNode is the body of a LoopNode. ExecuteRepeating runs one
// iteration and reports whether another should follow.
type RepeatingNode interface {
	Node
	ExecuteRepeating(frame *Frame) (bool, error)
}

// A LoopNode repeatedly executes a RepeatingNode. It polls the safepoint of
// the executing thread on its back-edge and reports its iteration count to
// the enclosing call target when it exits, whichever way it exits.
type LoopNode struct {
	NodeBase
	Body Child
}

func NewLoopNode(body RepeatingNode) *LoopNode {
	l := &LoopNode{}
	l.Body.Set(l, body)
	return l
}

func (l *LoopNode) RepeatingNode() RepeatingNode {
	body, _ := l.Body.Get().(RepeatingNode)
	return body
}

func (l *LoopNode) Execute(frame *Frame) (interface{}, error) {
	thread := frame.Thread()
	interval := thread.pollInterval()
	count := 0
	defer func() {
		ReportLoopCount(thread, l, count)
	}()

	for {
		more, err := l.RepeatingNode().ExecuteRepeating(frame)
		if err != nil {
			switch err.(type) {
			case BreakSignal:
				return nil, nil
			case ContinueSignal:
				more = true
			default:
				return nil, err
			}
		}
		if !more {
			return nil, nil
		}
		count++
		if err := thread.AddSteps(1); err != nil {
			return nil, err
		}
		if count%interval == 0 {
			if err := thread.Poll(l); err != nil {
				return nil, err
			}
		}
	}
}

// ReportLoopCount informs the call target enclosing source that a loop in it
// ran count iterations.
func ReportLoopCount(thread *Thread, source Node, count int) {
	if count <= 0 {
		return
	}
	root := RootNodeOf(source)
	if root == nil {
		return
	}
	target := root.CallTarget()
	target.loopCount.Add(int64(count))
	if c := thread.currentContext(); c != nil {
		c.observer.LoopCountReported(target, count)
	}
}
