package web

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"multicam-recorder/config"

	"go.uber.org/zap"
)

// Server represents the status web server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server

	// Handlers
	handlers *Handlers
	stream   *EventStream
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	server := &Server{
		config: cfg,
		logger: logger,
	}

	// Create handlers
	server.handlers = NewHandlers(cfg, logger)
	server.stream = NewEventStream(nil, logger)

	return server
}

// SetFleet sets the source of per-camera status
func (s *Server) SetFleet(fleet FleetStatus) {
	s.handlers.SetFleet(fleet)
}

// SetEvents sets the diagnostics event source
func (s *Server) SetEvents(source EventSource) {
	s.handlers.SetEvents(source)
	s.stream.source = source
}

// SetStarter sets the go signal released by POST /api/trigger/start
func (s *Server) SetStarter(starter Starter) {
	s.handlers.SetStarter(starter)
}

// Handler returns the routed handler with middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API endpoints
	mux.HandleFunc("/api/status", s.handlers.HandleAPIStatus)
	mux.HandleFunc("/api/config", s.handlers.HandleAPIConfig)
	mux.HandleFunc("/api/trigger/start", s.handlers.HandleAPITriggerStart)

	// Diagnostics stream
	mux.HandleFunc("/ws/events", s.stream.HandleWebSocket)

	// Health check
	mux.HandleFunc("/health", s.handlers.HandleHealth)

	return s.addMiddleware(mux)
}

// Start starts the web server
func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.Int("port", s.config.Server.WebPort))

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.config.Server.BindIP, s.config.Server.WebPort),
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started", zap.String("address", listener.Addr().String()))
	return nil
}

// addMiddleware adds logging to the HTTP handler
func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler.ServeHTTP(lw, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Stop stops the web server
func (s *Server) Stop() error {
	s.logger.Info("Stopping web server")

	if s.httpServer == nil {
		return nil
	}
	s.stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Web server stopped")
	return nil
}
