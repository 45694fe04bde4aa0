package simulation

import (
	"github.com/rs/xid"

	"github.com/sarchlab/svkernel/config"
	"github.com/sarchlab/svkernel/datarecording"
	"github.com/sarchlab/svkernel/kernel"
	"github.com/sarchlab/svkernel/monitoring"
	"github.com/sarchlab/svkernel/tracing"
)

// Builder can be used to build a simulation.
type Builder struct {
	monitorOn      bool
	monitorPort    int
	outputFileName string
	clickHouse     *datarecording.ClickHouseOptions
	recorder       datarecording.DataRecorder
	kernel         kernel.Builder
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{
		monitorOn: true,
		kernel:    kernel.MakeBuilder(),
	}
}

// WithKernelBuilder sets how the kernel is booted.
func (b Builder) WithKernelBuilder(kb kernel.Builder) Builder {
	b.kernel = kb
	return b
}

// WithConfig applies the machine layout to the kernel and picks up the
// recording and monitoring settings.
func (b Builder) WithConfig(c config.Config) Builder {
	b.kernel = b.kernel.WithConfig(c)

	if c.RecordPath != "" {
		b.outputFileName = c.RecordPath
	}

	if c.ClickHouseAddr != "" {
		b.clickHouse = &datarecording.ClickHouseOptions{Addr: c.ClickHouseAddr}
	}

	if c.MonitorPort != 0 && b.monitorOn {
		b.monitorPort = c.MonitorPort
	}

	return b
}

// WithoutMonitoring sets the simulation to not use monitoring.
func (b Builder) WithoutMonitoring() Builder {
	b.monitorOn = false
	return b
}

// WithOutputFileName sets the custom output file name for the data recorder.
func (b Builder) WithOutputFileName(filename string) Builder {
	b.outputFileName = filename
	return b
}

// WithClickHouse records into a ClickHouse server instead of a local file.
func (b Builder) WithClickHouse(opts datarecording.ClickHouseOptions) Builder {
	b.clickHouse = &opts
	return b
}

// WithDataRecorder records into the given recorder.
func (b Builder) WithDataRecorder(r datarecording.DataRecorder) Builder {
	b.recorder = r
	return b
}

// WithMonitorPort sets the port number for the monitoring server.
func (b Builder) WithMonitorPort(port int) Builder {
	b.monitorPort = port
	return b
}

func (b Builder) parametersMustBeValid() {
	if !b.monitorOn && b.monitorPort != 0 {
		panic("monitor port cannot be set when monitoring is disabled")
	}
}

// Build boots the kernel and attaches the tracer, the trap counter and, if
// enabled, the monitor to it.
func (b Builder) Build() (*Simulation, error) {
	b.parametersMustBeValid()

	s := &Simulation{}

	s.id = xid.New().String()

	recorder, err := b.dataRecorder(s.id)
	if err != nil {
		return nil, err
	}
	s.dataRecorder = recorder

	s.counter = tracing.NewCauseCounter()

	s.kernel, err = b.kernel.WithHook(s.counter).Build()
	if err != nil {
		_ = s.dataRecorder.Close()
		return nil, err
	}

	s.tracer = tracing.NewTracer(s.dataRecorder)
	s.tracer.Attach(
		s.kernel.Pool(),
		s.kernel.Trampoline(),
		s.kernel.Dispatcher(),
		s.kernel.Hart(),
	)

	if b.monitorOn {
		s.monitor = monitoring.NewMonitor()
		if b.monitorPort > 0 {
			s.monitor.WithPortNumber(b.monitorPort)
		}
		s.monitor.RegisterMachine(s.kernel)
		s.monitor.RegisterTrapCounter(s.counter)
		s.monitorPort = s.monitor.StartServer()
	}

	return s, nil
}

func (b Builder) dataRecorder(id string) (datarecording.DataRecorder, error) {
	switch {
	case b.recorder != nil:
		return b.recorder, nil
	case b.clickHouse != nil:
		return datarecording.NewClickHouseRecorder(*b.clickHouse)
	}

	outputPath := b.outputFileName
	if outputPath == "" {
		outputPath = "svkernel_record_" + id
	}

	return datarecording.New(outputPath), nil
}
