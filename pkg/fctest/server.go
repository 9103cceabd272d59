// Package fctest provides a fake Firecracker control plane and stand-in
// hypervisor binaries for tests.
package fctest

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
)

// Instance states as reported by GET /.
const (
	StateNotStarted = "Not started"
	StateRunning    = "Running"
	StatePaused     = "Paused"
)

// Request is one call received by the fake server.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

type fault struct {
	status  int
	message string
}

// Server emulates the subset of the Firecracker API the controller uses.
type Server struct {
	SocketPath string

	mu       sync.Mutex
	onAction func(action string)
	requests []Request
	faults   map[string]fault
	state    string
	metadata map[string]any
	machine  map[string]any
	balloon  *models.Balloon
	ifaces   map[string]bool

	ln  net.Listener
	srv *http.Server
}

// NewServer listens on socketPath and stops when the test ends.
func NewServer(t testing.TB, socketPath string) *Server {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen on %s: %v", socketPath, err)
	}

	s := &Server{
		SocketPath: socketPath,
		faults:     make(map[string]fault),
		state:      StateNotStarted,
		metadata:   make(map[string]any),
		ifaces:     make(map[string]bool),
		ln:         ln,
	}
	s.srv = &http.Server{Handler: http.HandlerFunc(s.handle)}
	go s.srv.Serve(ln)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Close() {
	s.srv.Close()
}

// Fail makes every method+path call answer status with a fault message
// until Clear is called.
func (s *Server) Fail(method, path string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method+" "+path] = fault{status: status, message: message}
}

// OnAction registers fn to be called for every accepted PUT /actions.
func (s *Server) OnAction(fn func(action string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAction = fn
}

func (s *Server) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]fault)
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls lists received calls as "METHOD /path".
func (s *Server) Calls() []string {
	reqs := s.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Method + " " + r.Path
	}
	return out
}

func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Body: body})
	f, failing := s.faults[r.Method+" "+r.URL.Path]
	s.mu.Unlock()

	if failing {
		writeFault(w, f.status, f.message)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/":
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{
			"id":          "anonymous-instance",
			"state":       state,
			"vmm_version": "1.7.0",
			"app_name":    "Firecracker",
		})
	case r.Method == http.MethodGet && r.URL.Path == "/version":
		writeJSON(w, http.StatusOK, map[string]string{"firecracker_version": "1.7.0"})
	case r.Method == http.MethodGet && r.URL.Path == "/vm/config":
		writeJSON(w, http.StatusOK, map[string]any{})
	case r.URL.Path == "/mmds":
		s.handleMmds(w, r.Method, body)
	case r.URL.Path == "/machine-config" || r.URL.Path == "/cpu-config":
		s.handleMachine(w, r.Method, r.URL.Path, body)
	case strings.HasPrefix(r.URL.Path, "/balloon"):
		s.handleBalloon(w, r.Method, r.URL.Path, body)
	case strings.HasPrefix(r.URL.Path, "/network-interfaces/"):
		s.handleInterface(w, r.Method, strings.TrimPrefix(r.URL.Path, "/network-interfaces/"))
	case r.Method == http.MethodPut && r.URL.Path == "/actions":
		s.handleAction(w, body)
	case r.Method == http.MethodPatch && r.URL.Path == "/vm":
		s.handleVM(w, body)
	case r.Method == http.MethodPut && r.URL.Path == "/snapshot/create":
		s.handleSnapshotCreate(w, body)
	case r.Method == http.MethodPut && r.URL.Path == "/snapshot/load":
		s.handleSnapshotLoad(w, body)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleAction(w http.ResponseWriter, body []byte) {
	var info models.InstanceActionInfo
	if err := json.Unmarshal(body, &info); err != nil || info.ActionType == nil {
		writeFault(w, http.StatusBadRequest, "invalid action body")
		return
	}
	action := *info.ActionType

	s.mu.Lock()
	if action == "InstanceStart" {
		if s.state != StateNotStarted {
			s.mu.Unlock()
			writeFault(w, http.StatusBadRequest, "The requested operation is not supported after starting the microVM.")
			return
		}
		s.state = StateRunning
	}
	hook := s.onAction
	s.mu.Unlock()

	if hook != nil {
		hook(action)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVM(w http.ResponseWriter, body []byte) {
	var vm models.VM
	if err := json.Unmarshal(body, &vm); err != nil || vm.State == nil {
		writeFault(w, http.StatusBadRequest, "invalid vm body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case *vm.State == "Paused" && s.state != StateNotStarted:
		s.state = StatePaused
	case *vm.State == "Resumed" && s.state != StateNotStarted:
		s.state = StateRunning
	default:
		writeFault(w, http.StatusBadRequest, "microVM is not running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshotCreate(w http.ResponseWriter, body []byte) {
	var params models.SnapshotCreateParams
	if err := json.Unmarshal(body, &params); err != nil || params.SnapshotPath == nil || params.MemFilePath == nil {
		writeFault(w, http.StatusBadRequest, "invalid snapshot body")
		return
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StatePaused {
		writeFault(w, http.StatusBadRequest, "Cannot save the snapshot of a running microVM.")
		return
	}

	for _, p := range []string{*params.SnapshotPath, *params.MemFilePath} {
		if err := os.WriteFile(p, []byte(params.SnapshotType), 0o600); err != nil {
			writeFault(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshotLoad(w http.ResponseWriter, body []byte) {
	var params struct {
		SnapshotPath string `json:"snapshot_path"`
		ResumeVM     bool   `json:"resume_vm"`
	}
	if err := json.Unmarshal(body, &params); err != nil {
		writeFault(w, http.StatusBadRequest, "invalid snapshot load body")
		return
	}
	if _, err := os.Stat(params.SnapshotPath); err != nil {
		writeFault(w, http.StatusBadRequest, "Cannot open snapshot file: "+err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		writeFault(w, http.StatusBadRequest, "Loading a microVM snapshot not allowed after configuring boot-specific resources.")
		return
	}
	s.state = StatePaused
	if params.ResumeVM {
		s.state = StateRunning
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMmds(w http.ResponseWriter, method string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.metadata)
	case http.MethodPut, http.MethodPatch:
		var in map[string]any
		if err := json.Unmarshal(body, &in); err != nil {
			writeFault(w, http.StatusBadRequest, "invalid metadata")
			return
		}
		if method == http.MethodPut {
			s.metadata = make(map[string]any)
		}
		for k, v := range in {
			s.metadata[k] = v
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeFault(w, http.StatusMethodNotAllowed, "unsupported method")
	}
}

const errAfterBoot = "The requested operation is not supported after starting the microVM."

func (s *Server) handleMachine(w http.ResponseWriter, method, path string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if method == http.MethodGet && path == "/machine-config" {
		if s.machine == nil {
			writeFault(w, http.StatusBadRequest, "machine config is not set")
			return
		}
		writeJSON(w, http.StatusOK, s.machine)
		return
	}
	if s.state != StateNotStarted {
		writeFault(w, http.StatusBadRequest, errAfterBoot)
		return
	}
	if path == "/cpu-config" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var in map[string]any
	if err := json.Unmarshal(body, &in); err != nil {
		writeFault(w, http.StatusBadRequest, "invalid machine config")
		return
	}
	if method == http.MethodPut || s.machine == nil {
		s.machine = make(map[string]any)
	}
	for k, v := range in {
		s.machine[k] = v
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalloon(w http.ResponseWriter, method, path string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if method == http.MethodPut && path == "/balloon" {
		var b models.Balloon
		if err := json.Unmarshal(body, &b); err != nil || b.AmountMib == nil {
			writeFault(w, http.StatusBadRequest, "invalid balloon body")
			return
		}
		s.balloon = &b
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.balloon == nil {
		if method == http.MethodPatch && path == "/balloon" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeFault(w, http.StatusBadRequest, "Invalid request method and/or path: balloon device is not configured.")
		return
	}

	switch {
	case method == http.MethodGet && path == "/balloon":
		writeJSON(w, http.StatusOK, s.balloon)
	case method == http.MethodPatch && path == "/balloon":
		var u models.BalloonUpdate
		if err := json.Unmarshal(body, &u); err != nil || u.AmountMib == nil {
			writeFault(w, http.StatusBadRequest, "invalid balloon update")
			return
		}
		s.balloon.AmountMib = u.AmountMib
		w.WriteHeader(http.StatusNoContent)
	case method == http.MethodGet && path == "/balloon/statistics":
		if s.balloon.StatsPollingIntervals == 0 {
			writeFault(w, http.StatusBadRequest, "Statistics for the balloon device are not enabled")
			return
		}
		amount := *s.balloon.AmountMib
		pages := amount * 256
		writeJSON(w, http.StatusOK, models.BalloonStats{
			TargetMib:   &amount,
			ActualMib:   &amount,
			TargetPages: &pages,
			ActualPages: &pages,
		})
	case method == http.MethodPatch && path == "/balloon/statistics":
		var u models.BalloonStatsUpdate
		if err := json.Unmarshal(body, &u); err != nil || u.StatsPollingIntervals == nil {
			writeFault(w, http.StatusBadRequest, "invalid statistics update")
			return
		}
		s.balloon.StatsPollingIntervals = *u.StatsPollingIntervals
		w.WriteHeader(http.StatusNoContent)
	default:
		writeFault(w, http.StatusMethodNotAllowed, "unsupported method")
	}
}

func (s *Server) handleInterface(w http.ResponseWriter, method, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch method {
	case http.MethodPut:
		s.ifaces[id] = true
	case http.MethodPatch:
		if !s.ifaces[id] {
			writeFault(w, http.StatusBadRequest, "Invalid interface ID - not found.")
			return
		}
	default:
		writeFault(w, http.StatusMethodNotAllowed, "unsupported method")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFault(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.Error{FaultMessage: message})
}
