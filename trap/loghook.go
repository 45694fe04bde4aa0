package trap

import (
	"log"

	"github.com/sarchlab/svkernel/sim"
)

// LogHook prints every privilege transition.
type LogHook struct {
	sim.LogHookBase
}

// NewLogHook returns a new LogHook which will write into the logger.
func NewLogHook(logger *log.Logger) *LogHook {
	h := new(LogHook)
	h.Logger = logger

	return h
}

// Func writes the transition into the logger.
func (h *LogHook) Func(ctx sim.HookCtx) {
	switch item := ctx.Item.(type) {
	case *Exception:
		h.Printf("%s: %s", ctx.Pos.Name, item)
	case *Transition:
		h.Printf("%s: %s at pc 0x%x, context 0x%x, root 0x%x",
			ctx.Pos.Name, item.Cause, item.PC, item.Context, item.Token)
	case *FatalError:
		h.Printf("%s: %s", ctx.Pos.Name, item)
	case *KernelContext:
		h.Printf("%s: to ra 0x%x, sp 0x%x", ctx.Pos.Name, item.RA, item.SP)
	}
}
