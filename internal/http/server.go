package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"strconv"
	"time"

	"TupleMR/internal/logger"
	"TupleMR/internal/tuplespace"
)

const (
	defaultWait = 10 * time.Second
	maxWait     = time.Minute
)

type ServerOpts struct {
	ID     string
	Addr   string // host:port to listen on
	Logger *logger.Logger
}

// statser is implemented by queues that can describe themselves.
type statser interface {
	Stats() map[string]string
}

// Server exposes a tuplespace.Queue to remote coordinators and workers.
type Server struct {
	opts     ServerOpts
	queue    tuplespace.Queue
	logger   *logger.Logger
	srv      *nethttp.Server
	listener net.Listener
}

func NewServer(opts ServerOpts, queue tuplespace.Queue) *Server {
	lg := opts.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	s := &Server{
		opts:   opts,
		queue:  queue,
		logger: lg.Named("http"),
	}

	mux := nethttp.NewServeMux()
	mux.HandleFunc("POST /write", s.handleWrite)
	mux.HandleFunc("POST /take", s.handleTake)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	s.srv = &nethttp.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the request router, for embedding or tests.
func (s *Server) Handler() nethttp.Handler {
	return s.srv.Handler
}

// Start listens on opts.Addr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.logger.Info("Serving tuple space: id=%s addr=%s", s.opts.ID, ln.Addr())

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleWrite(w nethttp.ResponseWriter, r *nethttp.Request) {
	var t tuplespace.Tuple
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, nethttp.StatusBadRequest, fmt.Errorf("invalid tuple: %w", err))
		return
	}
	if t.Kind != tuplespace.KindTask && t.Kind != tuplespace.KindResult {
		writeError(w, nethttp.StatusBadRequest, fmt.Errorf("unknown tuple kind %q", t.Kind))
		return
	}

	if err := s.queue.Write(r.Context(), t); err != nil {
		s.logger.Error("Write failed: tuple=%s err=%v", t, err)
		writeError(w, nethttp.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(nethttp.StatusNoContent)
}

// handleTake long-polls for a match. 204 means the wait elapsed with none.
func (s *Server) handleTake(w nethttp.ResponseWriter, r *nethttp.Request) {
	var p tuplespace.Pattern
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, nethttp.StatusBadRequest, fmt.Errorf("invalid pattern: %w", err))
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		writeError(w, nethttp.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	t, err := s.queue.Take(ctx, p)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(t); err != nil {
			s.logger.Error("Tuple lost while responding: tuple=%s err=%v", t, err)
		}
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		w.WriteHeader(nethttp.StatusNoContent)
	case r.Context().Err() != nil:
		s.logger.Debug("Take abandoned by client: pattern=%s", p)
	default:
		s.logger.Warn("Take failed: pattern=%s err=%v", p, err)
		writeError(w, nethttp.StatusServiceUnavailable, err)
	}
}

func (s *Server) handleHealth(w nethttp.ResponseWriter, r *nethttp.Request) {
	w.Write([]byte("ok\n"))
}

func (s *Server) handleStats(w nethttp.ResponseWriter, r *nethttp.Request) {
	stats := map[string]string{"id": s.opts.ID}
	if st, ok := s.queue.(statser); ok {
		for k, v := range st.Stats() {
			stats[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultWait, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		ms, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, fmt.Errorf("invalid wait %q: %w", raw, err)
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d <= 0 {
		return 0, fmt.Errorf("wait must be positive, got %s", d)
	}
	return min(d, maxWait), nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w nethttp.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}
