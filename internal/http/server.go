package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thimpu-create/cab-microservice-api/internal/dispatch"
	"github.com/thimpu-create/cab-microservice-api/internal/matcher"
	"github.com/thimpu-create/cab-microservice-api/internal/models"
)

// Pinger reports whether the coordination store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LocationPublisher hands location updates to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type Options struct {
	Matcher  *matcher.Service
	Registry *dispatch.Registry
	Store    Pinger
	// Locations is optional; without it location posts are applied in
	// process.
	Locations   LocationPublisher
	ServiceName string
	Instance    string
	Logger      *slog.Logger
}

type Server struct {
	matcher   *matcher.Service
	registry  *dispatch.Registry
	store     Pinger
	locations LocationPublisher
	validate  *requestValidator
	upgrader  websocket.Upgrader
	service   string
	instance  string
	started   time.Time
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		matcher:   opts.Matcher,
		registry:  opts.Registry,
		store:     opts.Store,
		locations: opts.Locations,
		validate:  newRequestValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		service:  opts.ServiceName,
		instance: opts.Instance,
		started:  time.Now(),
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{request_id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/{request_id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/passenger/{passenger_id}", s.handlePassengerWS)

	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.mux.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
