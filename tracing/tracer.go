// Package tracing turns hook invocations of the modelled machine into
// records.
package tracing

import (
	"fmt"
	"sync"

	"github.com/sarchlab/svkernel/datarecording"
	"github.com/sarchlab/svkernel/mem/frame"
	"github.com/sarchlab/svkernel/mem/vm/addrspace"
	"github.com/sarchlab/svkernel/sim"
	"github.com/sarchlab/svkernel/trap"
)

// Table names used by the Tracer.
const (
	TrapTable  = "trap"
	FrameTable = "frame"
)

// NoThread is recorded when an event cannot be tied to a thread.
const NoThread = -1

// A TrapEvent is a row of the trap table. Addresses are kept as hexadecimal
// text since sign-extended addresses do not fit a signed column.
type TrapEvent struct {
	ID        string
	Seq       uint64
	Thread    int
	Phase     string
	Cause     string
	Code      uint64
	Interrupt bool
	PC        string
	Tval      string
	Context   string
	Token     string
}

// A FrameEvent is a row of the frame table.
type FrameEvent struct {
	ID     string
	Seq    uint64
	Action string
	Frame  string
	InUse  int
}

// A Tracer is a hook that records every trap transition and every frame
// that enters or leaves the pool.
type Tracer struct {
	lock     sync.Mutex
	recorder datarecording.DataRecorder
	seq      uint64
	thread   int
	attached map[sim.Hookable]bool
}

// NewTracer creates the tables and returns a tracer that writes into them.
func NewTracer(recorder datarecording.DataRecorder) *Tracer {
	recorder.CreateTable(TrapTable, TrapEvent{})
	recorder.CreateTable(FrameTable, FrameEvent{})

	return &Tracer{
		recorder: recorder,
		thread:   NoThread,
		attached: make(map[sim.Hookable]bool),
	}
}

// Attach registers the tracer with each domain once.
func (t *Tracer) Attach(domains ...sim.Hookable) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, d := range domains {
		if t.attached[d] {
			panic(fmt.Sprintf("tracer already attached to %T", d))
		}

		t.attached[d] = true
		d.AcceptHook(t)
	}
}

// Func records the hook invocation if it is one the tracer knows.
func (t *Tracer) Func(ctx sim.HookCtx) {
	t.lock.Lock()
	defer t.lock.Unlock()

	switch item := ctx.Item.(type) {
	case *trap.Exception:
		t.trap(ctx.Pos, item.Cause, item.PC, item.Tval, "", "")
	case *trap.Transition:
		if tid, ok := addrspace.ThreadOfContext(item.Context); ok {
			t.thread = tid
		}

		t.trap(ctx.Pos, item.Cause, item.PC, item.Tval,
			hex(item.Context), hex(item.Token))
	case *trap.FatalError:
		t.trap(ctx.Pos, item.Cause, item.PC, item.Tval, "", "")
	case *trap.KernelContext:
		t.trap(ctx.Pos, 0, item.RA, 0, "", "")
	case *frame.Frame:
		t.frame(ctx)
	}
}

func (t *Tracer) next() (string, uint64) {
	t.seq++
	return sim.GetIDGenerator().Generate(), t.seq
}

func (t *Tracer) trap(
	pos *sim.HookPos,
	cause trap.Cause,
	pc, tval uint64,
	context, token string,
) {
	id, seq := t.next()

	e := TrapEvent{
		ID:      id,
		Seq:     seq,
		Thread:  t.thread,
		Phase:   pos.Name,
		PC:      hex(pc),
		Tval:    hex(tval),
		Context: context,
		Token:   token,
	}

	if pos != trap.HookPosContextSwitch {
		e.Cause = cause.String()
		e.Code = cause.Code()
		e.Interrupt = cause.IsInterrupt()
	}

	t.recorder.InsertData(TrapTable, e)
}

func (t *Tracer) frame(ctx sim.HookCtx) {
	f := ctx.Item.(*frame.Frame)
	id, seq := t.next()

	e := FrameEvent{
		ID:     id,
		Seq:    seq,
		Action: ctx.Pos.Name,
		Frame:  hex(uint64(f.Number())),
	}

	if p, ok := ctx.Domain.(*frame.Pool); ok {
		e.InUse = p.Stats().InUse
	}

	t.recorder.InsertData(FrameTable, e)
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
