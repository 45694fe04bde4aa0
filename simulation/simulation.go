// Package simulation runs a kernel together with the services that observe
// it: the trace recorder, the tracer, the trap counter and the monitor.
package simulation

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sarchlab/svkernel/datarecording"
	"github.com/sarchlab/svkernel/kernel"
	"github.com/sarchlab/svkernel/monitoring"
	"github.com/sarchlab/svkernel/tracing"
)

// progressInterval is how often the progress bar polls the kernel.
const progressInterval = 100 * time.Millisecond

// A Simulation is a booted kernel and everything that watches it.
type Simulation struct {
	id string

	kernel       *kernel.Kernel
	dataRecorder datarecording.DataRecorder
	monitor      *monitoring.Monitor
	monitorPort  int
	tracer       *tracing.Tracer
	counter      *tracing.CauseCounter
}

// ID returns the unique id of the simulation.
func (s *Simulation) ID() string {
	return s.id
}

// GetKernel returns the kernel being simulated.
func (s *Simulation) GetKernel() *kernel.Kernel {
	return s.kernel
}

// GetDataRecorder returns the data recorder used in the simulation.
func (s *Simulation) GetDataRecorder() datarecording.DataRecorder {
	return s.dataRecorder
}

// GetMonitor returns the monitor used in the simulation, or nil if
// monitoring is disabled.
func (s *Simulation) GetMonitor() *monitoring.Monitor {
	return s.monitor
}

// MonitorPort returns the port the monitor listens on.
func (s *Simulation) MonitorPort() int {
	return s.monitorPort
}

// GetTracer returns the tracer used in the simulation.
func (s *Simulation) GetTracer() *tracing.Tracer {
	return s.tracer
}

// GetCauseCounter returns the trap counter used in the simulation.
func (s *Simulation) GetCauseCounter() *tracing.CauseCounter {
	return s.counter
}

// Spawn loads a program into a new process.
func (s *Simulation) Spawn(image []byte) (*kernel.Process, error) {
	return s.kernel.Spawn(image)
}

// Run runs the kernel until every process has exited and flushes the trace.
func (s *Simulation) Run() error {
	stop := s.trackProgress()

	err := s.kernel.Run()

	stop()
	s.dataRecorder.Flush()

	return err
}

// trackProgress shows the exited processes on the monitor until the
// returned function is called.
func (s *Simulation) trackProgress() func() {
	if s.monitor == nil {
		return func() {}
	}

	exited := s.kernel.Exited()
	total := uint64(len(s.kernel.Processes()))
	bar := s.monitor.CreateProgressBar("Processes", total)
	bar.IncrementInProgress(total)

	done := make(chan struct{})
	var wg sync.WaitGroup

	update := func() {
		bar.SetFinished(uint64(s.kernel.Exited() - exited))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				update()
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
		update()
		s.monitor.CompleteProgressBar(bar)
	}
}

// Report prints how many traps of each cause were dispatched and how the
// frame pool is used.
func (s *Simulation) Report(w io.Writer) {
	fmt.Fprintln(w, "traps:")
	for _, c := range s.counter.Causes() {
		fmt.Fprintf(w, "  %-24s %d\n", c, s.counter.Count(c))
	}

	stats := s.kernel.FrameStats()
	fmt.Fprintf(w, "frames: %d of %d in use, %d recycled, high water 0x%x\n",
		stats.InUse, stats.Capacity, stats.Recycled, uint64(stats.HighWater))
}

// Terminate flushes and closes the recorder.
func (s *Simulation) Terminate() error {
	return s.dataRecorder.Close()
}
