package tracing

import (
	"sort"
	"sync"

	"github.com/sarchlab/svkernel/sim"
	"github.com/sarchlab/svkernel/trap"
)

// A CauseCounter counts the traps dispatched per cause.
type CauseCounter struct {
	lock   sync.Mutex
	counts map[trap.Cause]uint64
}

// NewCauseCounter creates an empty counter.
func NewCauseCounter() *CauseCounter {
	return &CauseCounter{counts: make(map[trap.Cause]uint64)}
}

// Func counts dispatched traps.
func (c *CauseCounter) Func(ctx sim.HookCtx) {
	if ctx.Pos != trap.HookPosTrapDispatch {
		return
	}

	e := ctx.Item.(*trap.Exception)

	c.lock.Lock()
	c.counts[e.Cause]++
	c.lock.Unlock()
}

// Count returns how many traps of the cause were dispatched.
func (c *CauseCounter) Count(cause trap.Cause) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.counts[cause]
}

// Causes returns the causes seen, exceptions first, in code order.
func (c *CauseCounter) Causes() []trap.Cause {
	c.lock.Lock()
	defer c.lock.Unlock()

	causes := make([]trap.Cause, 0, len(c.counts))
	for cause := range c.counts {
		causes = append(causes, cause)
	}

	sort.Slice(causes, func(i, j int) bool { return causes[i] < causes[j] })

	return causes
}
