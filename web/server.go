package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"evs-camera-service/camera"
	"evs-camera-service/config"
	"evs-camera-service/view"
)

// Server exposes read-only diagnostics over HTTP. No frame data is served;
// this is the service's dump facility, nothing more.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server

	handlers *Handlers
}

// NewServer creates a new diagnostics server
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(cfg, logger),
	}
}

// SetEnumerator wires the camera registry into the status handlers
func (s *Server) SetEnumerator(enumerator *camera.Enumerator) {
	s.handlers.SetEnumerator(enumerator)
}

// SetController wires the view state controller into the status handlers
func (s *Server) SetController(controller *view.Controller) {
	s.handlers.SetController(controller)
}

// Start starts the web server
func (s *Server) Start() error {
	s.logger.Info("Starting diagnostics server", zap.Int("port", s.config.Server.WebPort))

	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handlers.HandleHealth)
	mux.HandleFunc("/api/status", s.handlers.HandleAPIStatus)
	mux.HandleFunc("/api/cameras", s.handlers.HandleAPICameras)
	mux.HandleFunc("/api/view", s.handlers.HandleAPIView)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.BindIP, s.config.Server.WebPort),
		Handler:      s.addMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Diagnostics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the web server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Stopping diagnostics server")

	timeout := time.Duration(s.config.Timeouts.HTTPShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

// addMiddleware wraps the mux with request logging
func (s *Server) addMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
