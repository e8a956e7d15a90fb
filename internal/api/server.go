package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/engine"
	"github.com/muurk/rbfhub/internal/logging"
)

// DefaultRequestTimeout bounds every non-streaming request.
const DefaultRequestTimeout = 30 * time.Second

// Options configure the bridge.
type Options struct {
	// RequestTimeout bounds each request, including the engine operation it
	// waits for. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration
	// SubscriberBuffer is the per-WebSocket event queue length.
	SubscriberBuffer int
	// Link names the hub link in /health.
	Link string
}

// Server serves the HTTP bridge for one engine.
type Server struct {
	eng      *engine.Engine
	opts     Options
	log      *zap.Logger
	router   chi.Router
	events   *broadcaster
	upgrader websocket.Upgrader
	started  time.Time
}

// New creates the bridge and subscribes it to eng's events. Close releases
// the subscription.
func New(eng *engine.Engine, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	s := &Server{
		eng:     eng,
		opts:    opts,
		log:     logging.Named("api"),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.events = newBroadcaster(s.log, opts.SubscriberBuffer)
	s.events.unsubscribe = eng.Subscribe(s.events.publish)
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Close stops the event stream and disconnects every subscriber.
func (s *Server) Close() {
	s.events.close()
}

// Subscribers returns the number of connected event streams.
func (s *Server) Subscribers() int { return s.events.count() }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// The event stream is long-lived and must not inherit the request timeout.
	r.Get("/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.listDevices)
			r.Delete("/", s.deleteAllDevices)
			r.Post("/refresh", s.refreshDevices)
			r.Get("/{cat}/{no}", s.getDevice)
			r.Delete("/{cat}/{no}", s.deleteDevice)
			r.Post("/{cat}/{no}/switch", s.switchDevice)
			r.Post("/{cat}/{no}/led", s.ledIndicate)
		})

		r.Post("/register/start", s.startRegistration)
		r.Post("/register/stop", s.stopRegistration)

		r.Post("/findme", s.findMe)
		r.Post("/findme/stop", s.stopFindMe)
		r.Post("/rssi", s.rssi)
		r.Post("/rssi/stop", s.stopRSSI)
		r.Post("/arm", s.setAlarm)

		r.Route("/hub", func(r chi.Router) {
			r.Get("/version", s.hubVersion)
			r.Get("/panid", s.getPANID)
			r.Put("/panid", s.setPANID)
			r.Get("/noise", s.hubNoise)
			r.Get("/power", s.hubPower)
			r.Put("/frequency", s.setFrequency)
		})

		r.Get("/ota", s.otaStatus)
	})
	return r
}
