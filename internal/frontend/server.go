// Package frontend implements the HTTP/JSON status and control API, plus a
// supplementary WebSocket telemetry push, on top of the device FSM,
// executor and program store.
package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lcfw/columncontroller/internal/controlloop"
	"github.com/lcfw/columncontroller/internal/device"
	"github.com/lcfw/columncontroller/internal/program"
	"github.com/lcfw/columncontroller/internal/pump"
	"github.com/lcfw/columncontroller/internal/store"
)

// Server exposes the controller's HTTP/JSON API and broadcasts DeviceState
// snapshots to WebSocket clients, modeled on internal/server/server.go's
// client registry and broadcast loop.
type Server struct {
	listenAddr string
	enableWS   bool

	dev      *device.FSM
	exec     *program.Executor
	prog     *program.Program
	reagents *store.NameTable
	columns  *store.NameTable

	programPath  string
	reagentsPath string
	columnsPath  string

	nowMs func() uint32

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// uploadStep mirrors the JSON shape POST /api/program/upload accepts, per
// spec.md §6.
type uploadStep struct {
	Type       string  `json:"type"` // "flush" or "wait"
	Reagent    uint8   `json:"reagent"`
	Column     uint8   `json:"column"`
	PumpSpeed  float32 `json:"pump_speed"`
	DurationMs float64 `json:"duration_ms"`
}

// New returns a Server wired to the device FSM, program executor and
// name-table stores. nowMs supplies the monotonic clock for execute_program.
func New(listenAddr string, enableWS bool, dev *device.FSM, exec *program.Executor, prog *program.Program, reagents, columns *store.NameTable, programPath, reagentsPath, columnsPath string, nowMs func() uint32) *Server {
	return &Server{
		listenAddr:   listenAddr,
		enableWS:     enableWS,
		dev:          dev,
		exec:         exec,
		prog:         prog,
		reagents:     reagents,
		columns:      columns,
		programPath:  programPath,
		reagentsPath: reagentsPath,
		columnsPath:  columnsPath,
		nowMs:        nowMs,
		clients:      make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/manual/valves", s.handleManualValves)
	mux.HandleFunc("/api/manual/pump", s.handleManualPump)
	mux.HandleFunc("/api/program/upload", s.handleProgramUpload)
	mux.HandleFunc("/api/program/run", s.handleProgramRun)
	mux.HandleFunc("/api/program/stop", s.handleProgramStop)
	mux.HandleFunc("/api/program/get", s.handleProgramGet)
	if s.enableWS {
		mux.HandleFunc("/ws", s.handleWS)
	}

	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[http] listening on %s", s.listenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("frontend: serve: %w", err)
	}
	return nil
}

// snapshot composes the FSM snapshot with the executor's program-level
// fields into a controlloop.DeviceState, the same fields the control loop
// composes every tick, except SequenceNumber, which is left zero here.
func (s *Server) snapshot() controlloop.DeviceState {
	fs := s.dev.Snapshot()
	return controlloop.DeviceState{
		PumpSpeed:         fs.PumpSpeed,
		PumpVolumeUL:      fs.PumpVolumeUL,
		Running:           s.exec.Running(),
		StepIndex:         s.exec.StepIndex(),
		Progress:          s.exec.Progress(),
		ReagentPort:       fs.ReagentPort,
		ColumnPort:        fs.ColumnPort,
		ReagentValveState: fs.ReagentValveState,
		ColumnValveState:  fs.ColumnValveState,
		FSMState:          fs.FSMState,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) handleManualValves(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	reagent, err1 := strconv.Atoi(r.FormValue("reagent_valve_id"))
	column, err2 := strconv.Atoi(r.FormValue("column_valve_id"))
	if err1 != nil || err2 != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.dev.SetValves(uint8(reagent), uint8(column))
	writeOK(w)
}

func (s *Server) handleManualPump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	flow, err1 := strconv.ParseFloat(r.FormValue("pump_cmd"), 64)
	accel, err2 := strconv.ParseFloat(r.FormValue("acceleration"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.dev.SetPump(pump.Command{FlowRate: flow, Acceleration: accel})
	writeOK(w)
}

// handleProgramUpload decodes the JSON step list and encodes each entry
// to program.Step using the wait/flush rules from spec.md §6: a "wait"
// step is encoded with both ports set to program.KeepCurrentPort and zero
// flow; a "flush" step keeps the operator's chosen ports. Volume is always
// +Inf (time-terminated) from this path.
func (s *Server) handleProgramUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var steps []uploadStep
	if err := json.NewDecoder(r.Body).Decode(&steps); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.exec.Abort()
	s.prog.Reset()

	decoded := make([]program.Step, 0, len(steps))
	for _, in := range steps {
		ps := program.Step{
			FlowRate: in.PumpSpeed,
			Volume:   float32(math.Inf(1)),
			Duration: float32(in.DurationMs / 1000),
		}
		if in.Type == "wait" {
			ps.ReagentPort = program.KeepCurrentPort
			ps.ColumnPort = program.KeepCurrentPort
			ps.FlowRate = 0
		} else {
			ps.ReagentPort = in.Reagent
			ps.ColumnPort = in.Column
		}
		decoded = append(decoded, ps)
	}
	s.prog.Append(decoded)

	if err := store.SaveProgram(s.programPath, s.prog); err != nil {
		log.Printf("[http] save program failed: %v", err)
	}
	writeOK(w)
}

func (s *Server) handleProgramRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := uint32(0)
	if s.nowMs != nil {
		now = s.nowMs()
	}
	s.exec.Execute(now)
	writeOK(w)
}

func (s *Server) handleProgramStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.exec.Abort()
	writeOK(w)
}

func (s *Server) handleProgramGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type wireStep struct {
		ReagentPort uint8   `json:"reagentPort"`
		ColumnPort  uint8   `json:"columnPort"`
		FlowRate    float32 `json:"flowRate"`
		Volume      float32 `json:"volume"`
		Duration    float32 `json:"duration"`
	}
	out := make([]wireStep, 0, s.prog.Len())
	for i := 0; i < s.prog.Len(); i++ {
		st, _ := s.prog.Step(i)
		out = append(out, wireStep{st.ReagentPort, st.ColumnPort, st.FlowRate, st.Volume, st.Duration})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 16)}
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", len(s.clients))

	if data, err := json.Marshal(s.snapshot()); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", len(s.clients))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast pushes state (already marshaled by the control loop) to every
// connected WebSocket client, skipping clients whose send buffer is full.
func (s *Server) Broadcast(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
