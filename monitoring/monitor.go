// Package monitoring serves the activation report and the live trace forest
// over HTTP.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/autoinstr/activation"
	"github.com/sarchlab/autoinstr/logging"
	"github.com/sarchlab/autoinstr/monitoring/web"
	"github.com/sarchlab/autoinstr/tracetree"
)

// ReportSource provides the activation state to show.
type ReportSource interface {
	Phase() activation.Phase
	Report() *activation.Report
}

// Monitor turns an agent into a server that allows external inspection of
// the activation outcome and the open operation runs.
type Monitor struct {
	portNumber  int
	openBrowser bool
	profileTime time.Duration
	logger      logr.Logger

	lock     sync.RWMutex
	source   ReportSource
	forest   *tracetree.Forest
	server   *http.Server
	listener net.Listener
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		profileTime: time.Second,
		logger:      logr.Discard(),
	}
}

// WithPortNumber sets the port number of the monitor. Port 0 picks a random
// free port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the dashboard in a browser.
func (m *Monitor) WithBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// WithProfileDuration sets how long /api/profile samples the CPU.
func (m *Monitor) WithProfileDuration(d time.Duration) *Monitor {
	m.profileTime = d
	return m
}

// WithLogger sets the logger of the monitor.
func (m *Monitor) WithLogger(logger logr.Logger) *Monitor {
	m.logger = logger
	return m
}

// RegisterReportSource registers where the activation report comes from.
func (m *Monitor) RegisterReportSource(s ReportSource) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.source = s
}

// RegisterForest registers the trace forest to inspect.
func (m *Monitor) RegisterForest(f *tracetree.Forest) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.forest = f
}

// Router returns the handler of the monitor.
func (m *Monitor) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/activations", m.listActivations).Methods(http.MethodGet)
	r.HandleFunc("/api/phase", m.phase).Methods(http.MethodGet)
	r.HandleFunc("/api/runs", m.listRuns).Methods(http.MethodGet)
	r.HandleFunc("/api/run/{id}", m.runDetail).Methods(http.MethodGet)
	r.HandleFunc("/api/backtrace/{id}", m.backtrace).Methods(http.MethodGet)
	r.HandleFunc("/api/drop/{id}", m.dropRun).Methods(http.MethodPost)
	r.HandleFunc("/api/resource", m.listResources).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", m.collectProfile).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(http.FileServer(web.Assets()))

	return r
}

// StartServer starts the monitor as a web server. It returns the address the
// server listens on.
func (m *Monitor) StartServer() (string, error) {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		return "", fmt.Errorf("monitoring: listen: %w", err)
	}

	server := &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.lock.Lock()
	m.server = server
	m.listener = listener
	m.lock.Unlock()

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.logger.Info("monitoring agent", "url", url)

	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error(err, "monitoring server stopped")
		}
	}()

	if m.openBrowser {
		if err := browser.OpenURL(url); err != nil {
			m.logger.V(logging.Debug).Info("cannot open browser", "err", err)
		}
	}

	return listener.Addr().String(), nil
}

// Address returns the address the server listens on. It is empty before
// StartServer.
func (m *Monitor) Address() string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if m.listener == nil {
		return ""
	}

	return m.listener.Addr().String()
}

// Close stops the server.
func (m *Monitor) Close(ctx context.Context) error {
	m.lock.Lock()
	server := m.server
	m.server = nil
	m.lock.Unlock()

	if server == nil {
		return nil
	}

	return server.Shutdown(ctx)
}

type recordRsp struct {
	Name   string `json:"name"`
	Group  string `json:"group"`
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
	Seq    int    `json:"seq"`
}

type activationsRsp struct {
	Phase        string      `json:"phase"`
	Distro       string      `json:"distro"`
	Configurator string      `json:"configurator"`
	Records      []recordRsp `json:"records"`
	Conflicts    []string    `json:"conflicts"`
}

func (m *Monitor) reportSourceOr503(w http.ResponseWriter) ReportSource {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if m.source == nil {
		http.Error(w, "activation has not started", http.StatusServiceUnavailable)
		return nil
	}

	return m.source
}

func (m *Monitor) listActivations(w http.ResponseWriter, _ *http.Request) {
	source := m.reportSourceOr503(w)
	if source == nil {
		return
	}

	report := source.Report()
	rsp := activationsRsp{
		Phase:        report.Phase.String(),
		Distro:       report.Distro,
		Configurator: report.Configurator,
		Records:      make([]recordRsp, 0, len(report.Records)),
		Conflicts:    []string{},
	}

	for _, rec := range report.Records {
		rsp.Records = append(rsp.Records, recordRsp{
			Name:   rec.Name,
			Group:  string(rec.Group),
			State:  rec.State.String(),
			Detail: rec.Detail,
			Seq:    rec.Seq,
		})
	}

	for _, c := range report.Conflicts.Conflicts {
		rsp.Conflicts = append(rsp.Conflicts, c.String())
	}

	for _, b := range report.Conflicts.Breakages {
		rsp.Conflicts = append(rsp.Conflicts, b.String())
	}

	writeJSON(w, rsp)
}

func (m *Monitor) phase(w http.ResponseWriter, _ *http.Request) {
	source := m.reportSourceOr503(w)
	if source == nil {
		return
	}

	fmt.Fprintf(w, "{\"phase\":%q}", source.Phase().String())
}

type runRsp struct {
	RunID      string  `json:"run_id"`
	ParentID   string  `json:"parent_run_id,omitempty"`
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	Status     string  `json:"status"`
	Detached   bool    `json:"detached,omitempty"`
	NumChild   int     `json:"num_children"`
	StartTime  string  `json:"start_time"`
	DurationMS float64 `json:"duration_ms"`
}

func makeRunRsp(n tracetree.Node) runRsp {
	return runRsp{
		RunID:      n.RunID,
		ParentID:   n.ParentRunID,
		Name:       n.Name,
		Kind:       n.Kind,
		Status:     n.Status.String(),
		Detached:   n.Detached,
		NumChild:   len(n.Children),
		StartTime:  n.Start.Format(time.RFC3339Nano),
		DurationMS: float64(n.Duration()) / float64(time.Millisecond),
	}
}

func (m *Monitor) forestOr503(w http.ResponseWriter) *tracetree.Forest {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if m.forest == nil {
		http.Error(w, "no trace forest is registered",
			http.StatusServiceUnavailable)
		return nil
	}

	return m.forest
}

func (m *Monitor) listRuns(w http.ResponseWriter, r *http.Request) {
	forest := m.forestOr503(w)
	if forest == nil {
		return
	}

	ids := forest.Roots()
	if r.URL.Query().Get("open") == "true" {
		ids = forest.OpenRuns()
	}

	runs := make([]runRsp, 0, len(ids))
	for _, id := range ids {
		n, ok := forest.Lookup(id)
		if !ok {
			continue
		}

		runs = append(runs, makeRunRsp(n))
	}

	writeJSON(w, runs)
}

func (m *Monitor) runOr404(
	w http.ResponseWriter,
	r *http.Request,
) (*tracetree.Forest, tracetree.Node, bool) {
	forest := m.forestOr503(w)
	if forest == nil {
		return nil, tracetree.Node{}, false
	}

	id := mux.Vars(r)["id"]

	n, ok := forest.Lookup(id)
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return nil, tracetree.Node{}, false
	}

	return forest, n, true
}

func (m *Monitor) runDetail(w http.ResponseWriter, r *http.Request) {
	_, n, ok := m.runOr404(w, r)
	if !ok {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&n)
	serializer.SetMaxDepth(2)

	err := serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) backtrace(w http.ResponseWriter, r *http.Request) {
	forest, n, ok := m.runOr404(w, r)
	if !ok {
		return
	}

	chain := forest.Ancestry(n.RunID)

	rsp := make([]runRsp, len(chain))
	for i, a := range chain {
		rsp[i] = makeRunRsp(a)
	}

	writeJSON(w, rsp)
}

func (m *Monitor) dropRun(w http.ResponseWriter, r *http.Request) {
	forest := m.forestOr503(w)
	if forest == nil {
		return
	}

	id := mux.Vars(r)["id"]

	removed, err := forest.DropSubtree(id)
	if errors.Is(err, tracetree.ErrUnknownRun) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	dieOnErr(err)

	m.logger.V(logging.Debug).Info("dropped run", "run_id", id, "removed", removed)

	fmt.Fprintf(w, "{\"removed\":%d}", removed)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
	NumRuns    int     `json:"num_runs"`
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

	m.lock.RLock()
	if m.forest != nil {
		rsp.NumRuns = m.forest.Len()
	}
	m.lock.RUnlock()

	writeJSON(w, rsp)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(m.profileTime)

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
