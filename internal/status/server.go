// Package status implements the Status Surface: a read-only HTTP view
// into engine, trigger, and plugin state plus recent cycle history, and
// the write path for approve/reject actions on a pending approval
// request. Uses an http.ServeMux, a shared writeJSON helper, and an
// SSE-based event stream rather than a websocket dependency.
package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cgast/autonomy/pkg/bus"
	"github.com/cgast/autonomy/pkg/cycle"
	"github.com/cgast/autonomy/pkg/gate"
	"github.com/cgast/autonomy/pkg/persistence"
	"github.com/cgast/autonomy/pkg/plugin"
	"github.com/cgast/autonomy/pkg/trigger"
)

// EngineStatus is the projection a StatusProvider exposes. The status
// package never imports the engine package; the engine hands this struct
// over instead, the same way the Persistence package mirrors a
// RuntimeState enum rather than importing its owner.
type EngineStatus struct {
	State        persistence.RuntimeState  `json:"state"`
	HDMLevel     gate.Level                `json:"hdmLevel"`
	StartedAt    time.Time                 `json:"startedAt"`
	LastCycleRun map[cycle.Kind]*time.Time `json:"lastCycleRun"`
}

// StatusProvider is implemented by the Autonomy Engine.
type StatusProvider interface {
	Status() EngineStatus
}

// ApprovalRequest is the single transient pending-approval record the
// Status Surface holds. Registering a second request while one is
// pending replaces it; the superseded request is logged as abandoned,
// never silently dropped.
type ApprovalRequest struct {
	Subject       string     `json:"subject"`
	RequiredLevel gate.Level `json:"requiredLevel"`
	EngineLevel   gate.Level `json:"engineLevel"`
	RequestedAt   time.Time  `json:"requestedAt"`
}

// Decision is emitted onto the bus as "autonomy:approval:granted" or
// "autonomy:approval:denied" when an operator acts on the pending request.
type Decision struct {
	Subject  string `json:"subject"`
	Approved bool   `json:"approved"`
}

type sseClient struct {
	send chan []byte
}

// Server is the read-only status HTTP server plus its approve/reject
// write path.
type Server struct {
	engine   StatusProvider
	bus      *bus.Bus
	plugins  *plugin.Manager
	triggers *trigger.Registry
	index    *persistence.Index
	mux      *http.ServeMux

	sseMu   sync.Mutex
	clients map[*sseClient]bool

	pendingMu sync.Mutex
	pending   *ApprovalRequest
}

// New creates a Server and subscribes it to approval-required events on
// b. index may be nil, in which case /api/history reports an empty list
// (the cache-rebuild path is the caller's responsibility, not the
// server's).
func New(engine StatusProvider, b *bus.Bus, plugins *plugin.Manager, triggers *trigger.Registry, index *persistence.Index) *Server {
	s := &Server{
		engine:   engine,
		bus:      b,
		plugins:  plugins,
		triggers: triggers,
		index:    index,
		mux:      http.NewServeMux(),
		clients:  make(map[*sseClient]bool),
	}

	b.On("autonomy:approval:required", func(ev bus.Event) error {
		s.setPending(ev)
		return nil
	})

	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/triggers", s.handleTriggers)
	s.mux.HandleFunc("/api/plugins", s.handlePlugins)
	s.mux.HandleFunc("/api/history", s.handleHistory)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/events/stream", s.handleStream)
	s.mux.HandleFunc("/api/approval", s.handleApproval)
	s.mux.HandleFunc("/api/approve", s.handleApprove)
	s.mux.HandleFunc("/api/reject", s.handleReject)

	return s
}

func (s *Server) setPending(ev bus.Event) {
	notice, ok := ev.Data.(gate.RequiredNotice)
	if !ok {
		return
	}
	req := &ApprovalRequest{
		Subject:       notice.Subject,
		RequiredLevel: notice.RequiredLevel,
		EngineLevel:   notice.EngineLevel,
		RequestedAt:   ev.Timestamp,
	}

	s.pendingMu.Lock()
	prev := s.pending
	s.pending = req
	s.pendingMu.Unlock()

	if prev != nil {
		fmt.Fprintf(os.Stderr, "status: approval request for %q abandoned, superseded by %q\n", prev.Subject, req.Subject)
	}
}

// Handler exposes the underlying mux, e.g. for wrapping with additional
// middleware or serving alongside other routes in a test harness.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves the status surface on addr until the process exits or an
// unrecoverable listener error occurs.
func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}

// StartAsync starts the server in a goroutine and returns immediately.
// onError, if non-nil, is invoked from that goroutine on listener failure.
func (s *Server) StartAsync(addr string, onError func(error)) {
	go func() {
		if err := http.ListenAndServe(addr, s.mux); err != nil && onError != nil {
			onError(fmt.Errorf("status: listen on %s: %w", addr, err))
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	writeJSON(w, map[string]any{
		"state":        st.State,
		"hdmLevel":     st.HDMLevel,
		"startedAt":    st.StartedAt,
		"uptime":       time.Since(st.StartedAt).String(),
		"lastCycleRun": st.LastCycleRun,
		"eventCount":   len(s.bus.History("")),
	})
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.triggers.All())
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.plugins.List())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeJSON(w, []cycle.Report{})
		return
	}
	kind := cycle.Kind(r.URL.Query().Get("kind"))
	reports, err := s.index.ReportsByKind(kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if limit := parseLimit(r); limit > 0 && limit < len(reports) {
		reports = reports[:limit]
	}
	writeJSON(w, reports)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.bus.History(r.URL.Query().Get("pattern")))
}

// handleStream serves a Server-Sent-Events feed of bus events, replaying
// bounded history first.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client := &sseClient{send: make(chan []byte, 64)}
	s.sseMu.Lock()
	s.clients[client] = true
	s.sseMu.Unlock()
	defer func() {
		s.sseMu.Lock()
		delete(s.clients, client)
		s.sseMu.Unlock()
	}()

	dispose := s.bus.On("*", func(ev bus.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil
		}
		select {
		case client.send <- data:
		default:
		}
		return nil
	})
	defer dispose()

	for _, ev := range s.bus.History("") {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-client.send:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pendingMu.Unlock()
	if pending == nil {
		writeJSON(w, map[string]any{"pending": nil})
		return
	}
	writeJSON(w, map[string]any{"pending": pending})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, false)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, approved bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	s.pendingMu.Lock()
	pending := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	if pending == nil {
		writeJSON(w, map[string]string{"status": "no_pending_approval"})
		return
	}

	name := "autonomy:approval:denied"
	if approved {
		name = "autonomy:approval:granted"
	}
	s.bus.Emit(name, Decision{Subject: pending.Subject, Approved: approved})
	writeJSON(w, map[string]any{"status": "resolved", "subject": pending.Subject, "approved": approved})
}

func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(data)
}
