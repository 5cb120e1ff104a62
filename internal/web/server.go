package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stephens/dyson-bridge/internal/dyson"
	"github.com/stephens/dyson-bridge/internal/entity"
	"github.com/stephens/dyson-bridge/internal/log"
	"github.com/stephens/dyson-bridge/internal/storage"
)

// ServiceInterface defines the interface for the main service
type ServiceInterface interface {
	GetDB() *storage.DB
	GetEncryptionKey() *storage.EncryptionKey
	GetRegistry() *entity.Registry
	GetDevices() []*dyson.Device
	GetGatherer() prometheus.Gatherer
}

// Server is the HTTP server
type Server struct {
	port    int
	service ServiceInterface
	router  *mux.Router
	hub     *Hub
}

// NewServer creates a new HTTP server
func NewServer(port int, service ServiceInterface) *Server {
	s := &Server{
		port:    port,
		service: service,
		router:  mux.NewRouter(),
		hub:     NewHub(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/states", s.handleGetStates).Methods("GET")
	api.HandleFunc("/states/{entity_id}", s.handleGetState).Methods("GET")
	api.HandleFunc("/services", s.handleGetServices).Methods("GET")
	api.HandleFunc("/services/{domain}/{service}", s.handleCallService).Methods("POST")
	api.HandleFunc("/entities/{entity_id}/registry", s.handleGetEntry).Methods("GET")
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{serial}/credential", s.handleSaveCredential).Methods("POST")
	api.HandleFunc("/devices/{serial}/credential", s.handleDeleteCredential).Methods("DELETE")
	api.HandleFunc("/logs", s.handleGetLogs).Methods("GET")
	api.HandleFunc("/version", s.handleVersion).Methods("GET")
	api.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.service.GetGatherer(), promhttp.HandlerOpts{})).Methods("GET")
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	unsubscribe := s.service.GetRegistry().Subscribe(s.broadcastState)
	defer unsubscribe()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("Web server listening on port %d", s.port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// broadcastState pushes a published entity state to WebSocket clients
func (s *Server) broadcastState(state entity.State) {
	s.hub.Broadcast(Event{
		Type: EventTypeStateChanged,
		Data: state,
	})
}

// GetHub returns the WebSocket hub
func (s *Server) GetHub() *Hub {
	return s.hub
}
