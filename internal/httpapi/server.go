// Package httpapi implements the Response Surface: a loopback HTTP server
// exposing the current state, question answer submission, a live event
// stream, and the activity feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autopilot/internal/activity"
	"autopilot/internal/eventlog"
	"autopilot/internal/logx"
	"autopilot/internal/metrics"
	"autopilot/internal/model"
)

// StateProvider is the subset of state.Store the surface depends on.
type StateProvider interface {
	Snapshot() *model.WorkflowState
}

// QuestionBroker is the subset of broker.Broker the surface depends on.
type QuestionBroker interface {
	GetPendingByID(id string) *model.Question
	SubmitAnswer(id string, answers map[string]string) bool
}

// PortInUseError is returned by Start when the configured port is taken.
type PortInUseError struct {
	Port int
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("Port %d is already in use", e.Port)
}

// Server is the Response Surface.
type Server struct {
	state    StateProvider
	broker   QuestionBroker
	activity *activity.Store
	eventLog string // path, for the SSE tailer and for replaying recent events

	metrics *metrics.Metrics
	logger  *logx.Logger

	mu       sync.Mutex
	httpSrv  *http.Server
	started  bool
	stopped  bool
}

// New constructs a Server.
func New(state StateProvider, broker QuestionBroker, act *activity.Store, eventLogPath string, m *metrics.Metrics) *Server {
	return &Server{
		state:    state,
		broker:   broker,
		activity: act,
		eventLog: eventLogPath,
		metrics:  m,
		logger:   logx.NewLogger("httpapi"),
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/questions/", s.handleQuestion)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/activity", s.handleActivity)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start binds the loopback listener and serves until Close is called.
// Binding failures surface as *PortInUseError.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &PortInUseError{Port: port}
	}

	srv := &http.Server{Handler: s.mux()}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("response surface serve error: %v", err)
		}
	}()

	s.logger.Info("response surface listening on %s", addr)
	return nil
}

// Close shuts the server down. Idempotent: a no-op if never started, and
// safe to call more than once.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.httpSrv == nil {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.httpSrv
	s.mu.Unlock()

	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": "dev", "go_version": runtime.Version()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.state.Snapshot())
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/questions/")
	if id == "" {
		http.Error(w, "question id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		q := s.broker.GetPendingByID(id)
		if q == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, q)

	case http.MethodPost:
		var body struct {
			Answers map[string]string `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if !s.broker.SubmitAnswer(id, body.Answers) {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.activity.All())
}

// handleEvents implements the long-lived SSE stream: an initial burst of
// recent events, then incremental events, with heartbeat comments to
// keep intermediaries from closing an idle connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	all, err := eventlog.ReadAll(s.eventLog)
	if err != nil {
		s.logger.Warn("read event log for SSE burst: %v", err)
	}

	var lastSeq uint64
	const initialBurst = 50
	start := 0
	if len(all) > initialBurst {
		start = len(all) - initialBurst
	}
	for _, ev := range all[start:] {
		writeSSE(w, ev)
		lastSeq = ev.Seq
	}
	flusher.Flush()

	tailer := eventlog.NewTailer(s.eventLog, lastSeq, 500*time.Millisecond)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-poll.C:
			events, err := tailer.Poll()
			if err != nil {
				continue
			}
			for _, ev := range events {
				writeSSE(w, ev)
			}
			if len(events) > 0 {
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already started; nothing more can be done but log
		// would require a logger reference per-call, so this is swallowed
		// the same way the teacher's webui handlers swallow encode errors
		// after WriteHeader.
		_ = err
	}
}
