// Package bridge exposes the pipeline over a local HTTP control surface so
// editors and scripts can drive a run without the terminal UI.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/temperhq/temper/internal/pipeline"
	"github.com/temperhq/temper/internal/screen"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

var errServerDisabled = errors.New("bridge: server disabled")

// Runner is the pipeline surface the bridge drives. *pipeline.Pipeline
// satisfies it.
type Runner interface {
	Run() error
	SubmitDecisions(decisions map[string]screen.Decision) error
	Phase() pipeline.Phase
	Snapshot() pipeline.Snapshot
	AskAboutScreen(name, question string) (string, error)
	ExplainFinding(name, findingID string) (string, error)
	RetryScreen(name string) (pipeline.RetryAck, error)
}

// Logger receives operational messages from the server.
type Logger interface {
	Printf(format string, args ...any)
}

// Server wraps the HTTP listener and handlers backing the bridge.
type Server struct {
	settings Settings
	runner   Runner
	logger   Logger
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a bridge server driving the provided runner.
func NewServer(settings Settings, runner Runner, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		runner:   runner,
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("bridge: server is nil")
	}
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("bridge: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/run", s.handleRun)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/decisions", s.handleDecisions)
	mux.HandleFunc("/screens/", s.handleScreens)
	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("bridge: serve error: %v", err)
		}
	}()
	s.logger.Printf("bridge: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(time.Since(s.startTime).Seconds())
}

type healthResponse struct {
	Status        string `json:"status"`
	Phase         string `json:"phase"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		Phase:         string(s.runner.Phase()),
		UptimeSeconds: s.uptimeSeconds(),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	phase := s.runner.Phase()
	if phase != pipeline.PhaseIdle && phase != pipeline.PhaseErrored {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": fmt.Sprintf("pipeline already running (phase %s)", phase),
		})
		return
	}
	go func() {
		if err := s.runner.Run(); err != nil {
			s.logger.Printf("bridge: run failed: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.runner.Snapshot())
}

type decisionsRequest struct {
	Decisions map[string]screen.Decision `json:"decisions"`
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req decisionsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Decisions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no decisions provided"})
		return
	}
	if phase := s.runner.Phase(); phase != pipeline.PhaseAwaitingDecisions {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": fmt.Sprintf("pipeline is not awaiting decisions (phase %s)", phase),
		})
		return
	}
	go func() {
		if err := s.runner.SubmitDecisions(req.Decisions); err != nil {
			s.logger.Printf("bridge: decisions failed: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resuming"})
}

// handleScreens routes /screens/{name}/{ask|explain|retry}.
func (s *Server) handleScreens(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/screens/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	name, action := parts[0], parts[1]
	switch action {
	case "ask":
		s.handleAsk(w, r, name)
	case "explain":
		s.handleExplain(w, r, name)
	case "retry":
		s.handleRetry(w, name)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

type askRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request, name string) {
	var req askRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "question is required"})
		return
	}
	answer, err := s.runner.AskAboutScreen(name, req.Question)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"screen": name, "answer": answer})
}

type explainRequest struct {
	FindingID string `json:"finding_id"`
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request, name string) {
	var req explainRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FindingID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "finding_id is required"})
		return
	}
	explanation, err := s.runner.ExplainFinding(name, req.FindingID)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"screen":      name,
		"finding_id":  req.FindingID,
		"explanation": explanation,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, name string) {
	ack, err := s.runner.RetryScreen(name)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (s *Server) writeRunnerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrScreenNotFound), errors.Is(err, pipeline.ErrFindingNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		s.logger.Printf("bridge: runner error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty body"})
		return false
	}
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload exceeds limit"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read body"})
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
