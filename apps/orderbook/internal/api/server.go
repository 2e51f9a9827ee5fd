package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server exposes order intake, order reads, resync and poller diagnostics over HTTP.
type Server struct {
	orderHandler      *OrderHandler
	collectionHandler *CollectionHandler
	logger            *zap.Logger
	server            *http.Server
}

func NewServer(port int, orderHandler *OrderHandler, collectionHandler *CollectionHandler, logger *zap.Logger) *Server {
	return &Server{
		orderHandler:      orderHandler,
		collectionHandler: collectionHandler,
		logger:            logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func (s *Server) Start() error {
	s.server.Handler = s.setupRoutes()
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop drains in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server", zap.String("address", s.server.Addr))
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.requestLogger)
	router.Use(s.cors)

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/orders", s.orderHandler.CreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.orderHandler.GetOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/bulk", s.orderHandler.CreateOrderBulk).Methods(http.MethodPost)
	api.HandleFunc("/orders/disable", s.orderHandler.DisableOrders).Methods(http.MethodPost)
	api.HandleFunc("/orders/{hash}/resync", s.orderHandler.ResyncOrder).Methods(http.MethodPost)

	api.HandleFunc("/collections/{slug}/best-offer", s.collectionHandler.GetBestOffer).Methods(http.MethodGet)
	api.HandleFunc("/poller/status", s.collectionHandler.GetPollerStatus).Methods(http.MethodGet)

	api.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger tags every request with an id and logs it once served. Health checks
// are not logged.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if r.URL.Path == "/api/health" {
			return
		}
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("client_ip", clientIP(r)),
			zap.Duration("duration", time.Since(start)),
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Warn("HTTP request failed", fields...)
			return
		}
		s.logger.Info("HTTP request", fields...)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, s.logger, http.StatusOK, HealthResponse{
		Status: "healthy",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}
