// Package server provides a reusable Streamdock server that can be
// embedded in other binaries.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/streamdock/streamdock/internal/logging"
	"github.com/streamdock/streamdock/internal/metrics"
	"github.com/streamdock/streamdock/internal/server/bootstrap"
	"github.com/streamdock/streamdock/internal/server/config"
	"github.com/streamdock/streamdock/internal/server/db"
	"github.com/streamdock/streamdock/internal/server/session"
	"github.com/streamdock/streamdock/internal/server/store"
)

// Server is a reusable Streamdock server instance.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	sessions   *session.Service
	server     *http.Server
	sqlDB      *sql.DB
	shutdownCh chan struct{}
}

// New creates a new Streamdock server. It opens the database, runs
// migrations, bootstraps defaults, and wires all services. Call
// Serve() to start listening.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	st := store.New(sqlDB)

	if err := bootstrap.Run(context.Background(), st); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	// No agent process can be running when the server just started, so
	// any session still marked running is leftover from an unclean
	// shutdown.
	if err := st.CloseStaleRunningSessions(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("close stale sessions: %w", err)
	}

	shutdownCh := make(chan struct{})
	sessions := session.NewService(st, cfg.Agent)

	mux := http.NewServeMux()
	session.RegisterHandlers(mux, sessions)

	// WebSocket endpoint for the live event stream.
	mux.Handle("GET /ws/sessions/{id}", session.WSEventsHandler(sessions, shutdownCh))

	// Prometheus metrics endpoint.
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	handler := session.CORSMiddleware(cfg.CORSAllowedOrigins, mux)
	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(handler)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	httpServer := &http.Server{
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		store:      st,
		sessions:   sessions,
		server:     httpServer,
		sqlDB:      sqlDB,
		shutdownCh: shutdownCh,
	}, nil
}

// Store returns the server's persistence layer for direct access
// (e.g. for administrative tooling).
func (s *Server) Store() *store.Store {
	return s.store
}

// Sessions returns the session service.
func (s *Server) Sessions() *session.Service {
	return s.sessions
}

// SocketPath returns the Unix domain socket path for this server.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath()
}

// Serve starts the server on TCP and Unix socket listeners. It blocks
// until ctx is cancelled, then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	sockPath := s.cfg.SocketPath()
	if err := removeStaleSocket(sockPath); err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("remove stale socket: %w", err)
	}

	var tcpLn net.Listener
	if s.cfg.Addr != "" {
		var err error
		tcpLn, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			_ = s.sqlDB.Close()
			return fmt.Errorf("listen tcp: %w", err)
		}
	}

	unixLn, err := net.Listen("unix", sockPath)
	if err != nil {
		if tcpLn != nil {
			_ = tcpLn.Close()
		}
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(sockPath, 0o600); err != nil {
		if tcpLn != nil {
			_ = tcpLn.Close()
		}
		_ = unixLn.Close()
		_ = s.sqlDB.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("server shutting down...")

		// 1. Reject new WebSocket connections.
		close(s.shutdownCh)

		// 2. Stop all running agent sessions.
		s.sessions.StopAll()

		// 3. Drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	listenerCount := 1 // unix listener always present
	if tcpLn != nil {
		listenerCount = 2
	}
	errCh := make(chan error, listenerCount)

	if tcpLn != nil {
		go func() { errCh <- s.server.Serve(tcpLn) }()
	}
	go func() { errCh <- s.server.Serve(unixLn) }()

	if tcpLn != nil {
		slog.Info("server listening", "addr", s.cfg.Addr, "socket", sockPath)
	} else {
		slog.Info("server listening", "socket", sockPath)
	}

	if err := <-errCh; err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}
	// Wait for the remaining listener(s) to finish.
	for i := 1; i < listenerCount; i++ {
		<-errCh
	}

	<-shutdownDone

	_ = os.Remove(sockPath)

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}

	_ = s.sqlDB.Close()
	return nil
}

// removeStaleSocket removes a leftover socket file from a previous crash.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode().Type() == fs.ModeSocket {
		return os.Remove(path)
	}
	return fmt.Errorf("%s exists but is not a socket", path)
}
