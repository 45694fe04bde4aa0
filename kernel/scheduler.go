package kernel

import "github.com/sarchlab/svkernel/trap"

// roundRobin runs ready threads in the order they became ready.
type roundRobin struct {
	ready   []*Thread
	current *Thread
}

func (s *roundRobin) add(t *Thread) {
	t.state = ThreadReady
	s.ready = append(s.ready, t)
}

func (s *roundRobin) remove(t *Thread) {
	if s.current == t {
		s.current = nil
	}

	for i, other := range s.ready {
		if other == t {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// NextRunnableContext makes the first ready thread current.
func (s *roundRobin) NextRunnableContext() *trap.KernelContext {
	if len(s.ready) == 0 {
		return nil
	}

	t := s.ready[0]
	s.ready = s.ready[1:]
	s.current = t
	t.state = ThreadRunning

	return t.kernel
}

// ReturnCurrentToReady queues the current thread again unless it exited.
func (s *roundRobin) ReturnCurrentToReady() {
	t := s.current
	s.current = nil

	if t != nil && t.state != ThreadExited {
		s.add(t)
	}
}
