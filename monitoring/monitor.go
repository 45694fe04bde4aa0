// Package monitoring serves the state of a running kernel over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/svkernel/kernel"
	"github.com/sarchlab/svkernel/mem/frame"
	"github.com/sarchlab/svkernel/monitoring/web"
	"github.com/sarchlab/svkernel/sim"
	"github.com/sarchlab/svkernel/trap"
)

// A Machine is the part of the kernel that the monitor looks at. Every
// method must be safe to call while the kernel runs.
type Machine interface {
	FrameStats() frame.Stats
	Tables() []kernel.TableInfo
	ProcessInfos() []kernel.ProcessInfo
	HartState() kernel.HartState
}

// A TrapCounter reports how many traps of each cause were dispatched.
type TrapCounter interface {
	Causes() []trap.Cause
	Count(cause trap.Cause) uint64
}

// Monitor turns a kernel into a server that can be inspected while it runs.
type Monitor struct {
	machine    Machine
	counter    TrapCounter
	portNumber int

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterMachine sets the kernel to be monitored.
func (m *Monitor) RegisterMachine(machine Machine) {
	m.machine = machine
}

// RegisterTrapCounter sets where the trap counts come from.
func (m *Monitor) RegisterTrapCounter(c TrapCounter) {
	m.counter = c
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        sim.GetIDGenerator().Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the handler that serves the API and the web pages.
func (m *Monitor) Router() http.Handler {
	r := mux.NewRouter()

	fs := web.GetAssets()
	fServer := http.FileServer(fs)
	r.HandleFunc("/api/frames", m.listFrames)
	r.HandleFunc("/api/tables", m.listTables)
	r.HandleFunc("/api/processes", m.listProcesses)
	r.HandleFunc("/api/hart", m.hartDetails)
	r.HandleFunc("/api/hart/{field}", m.hartField)
	r.HandleFunc("/api/traps", m.listTraps)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").Handler(fServer)

	return r
}

// StartServer starts the monitor as a web server and returns the port it
// listens on.
func (m *Monitor) StartServer() int {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	port := listener.Addr().(*net.TCPAddr).Port

	fmt.Fprintf(
		os.Stderr,
		"Monitoring kernel with http://localhost:%d\n", port)

	r := m.Router()

	go func() {
		err := http.Serve(listener, r)
		dieOnErr(err)
	}()

	return port
}

func (m *Monitor) machineOr503(w http.ResponseWriter) Machine {
	if m.machine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, err := w.Write([]byte("No kernel registered"))
		dieOnErr(err)
	}

	return m.machine
}

func (m *Monitor) listFrames(w http.ResponseWriter, _ *http.Request) {
	machine := m.machineOr503(w)
	if machine == nil {
		return
	}

	writeJSON(w, machine.FrameStats())
}

func (m *Monitor) listTables(w http.ResponseWriter, _ *http.Request) {
	machine := m.machineOr503(w)
	if machine == nil {
		return
	}

	writeJSON(w, machine.Tables())
}

func (m *Monitor) listProcesses(w http.ResponseWriter, _ *http.Request) {
	machine := m.machineOr503(w)
	if machine == nil {
		return
	}

	writeJSON(w, machine.ProcessInfos())
}

func (m *Monitor) hartDetails(w http.ResponseWriter, _ *http.Request) {
	machine := m.machineOr503(w)
	if machine == nil {
		return
	}

	state := machine.HartState()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&state)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

func (m *Monitor) hartField(w http.ResponseWriter, r *http.Request) {
	machine := m.machineOr503(w)
	if machine == nil {
		return
	}

	fields := strings.Split(mux.Vars(r)["field"], ".")
	state := machine.HartState()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&state)
	serializer.SetMaxDepth(1)

	err := serializer.SetEntryPoint(fields)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

type trapCountRsp struct {
	Cause     string `json:"cause"`
	Code      uint64 `json:"code"`
	Interrupt bool   `json:"interrupt"`
	Count     uint64 `json:"count"`
}

func (m *Monitor) listTraps(w http.ResponseWriter, _ *http.Request) {
	rsp := []trapCountRsp{}

	if m.counter != nil {
		for _, c := range m.counter.Causes() {
			rsp = append(rsp, trapCountRsp{
				Cause:     c.String(),
				Code:      c.Code(),
				Interrupt: c.IsInterrupt(),
				Count:     m.counter.Count(c),
			})
		}
	}

	writeJSON(w, rsp)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]progressBarRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}
	m.progressBarsLock.Unlock()

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	}

	writeJSON(w, rsp)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
