package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/tripmate/chatd/internal/conn"
	"github.com/tripmate/chatd/internal/outbox"
	"github.com/tripmate/chatd/internal/session"
)

// Server exposes daemon status over the session's Unix domain socket so
// local tooling can inspect a running daemon without joining the bus.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// Status is the /status response body.
type Status struct {
	Session    string `json:"session"`
	State      string `json:"state"`
	Failures   int64  `json:"failures"`
	LastPongMs int64  `json:"last_pong_ms,omitempty"`
	QueueDepth int    `json:"queue_depth"`
	PID        int    `json:"pid"`
}

// NewServer creates a status server bound to the session's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, m *conn.Manager, sender *outbox.Sender) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.StatusSocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		st := Status{
			Session:    p.SessionName,
			State:      string(m.State()),
			Failures:   m.Failures(),
			QueueDepth: sender.Depth(),
			PID:        os.Getpid(),
		}
		if lp := m.LastPong(); !lp.IsZero() {
			st.LastPongMs = lp.UnixMilli()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	return &Server{
		httpServer: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving status requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("status server starting", zap.String("socket", s.socketPath))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("status server stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}
