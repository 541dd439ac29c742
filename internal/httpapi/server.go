// Package httpapi exposes the ledger, job status and live notification
// stream over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"points-service/internal/dispatch"
	"points-service/internal/hub"
	"points-service/internal/ledger"
	"points-service/internal/metrics"
)

// Dispatcher hands a job to the workflow engine.
type Dispatcher interface {
	Initiate(ctx context.Context, webhookURL string, req dispatch.Request) error
}

// Preferences stores the per-user workflow engine URL.
type Preferences interface {
	WebhookURL(ctx context.Context, userID string) (string, error)
	SaveWebhookURL(ctx context.Context, userID, url string) error
}

type Config struct {
	PublicBaseURL string
	KeepAlive     time.Duration
	JWTSecret     string
	AuthDisabled  bool
	RateRPS       int
	RateBurst     int
	// RateIdle drops per-user buckets unused this long; zero keeps them.
	RateIdle time.Duration
}

type Server struct {
	cfg         Config
	ledger      *ledger.Service
	hub         *hub.Hub
	dispatcher  Dispatcher
	preferences Preferences
	metrics     *metrics.Metrics
	log         *logrus.Logger
	limiter     *rateLimiter
	router      *mux.Router
	cron        *cron.Cron
}

func NewServer(
	cfg Config,
	svc *ledger.Service,
	h *hub.Hub,
	dispatcher Dispatcher,
	preferences Preferences,
	m *metrics.Metrics,
	log *logrus.Logger,
) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 25 * time.Second
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = cfg.RateRPS * 2
	}

	s := &Server{
		cfg:         cfg,
		ledger:      svc,
		hub:         h,
		dispatcher:  dispatcher,
		preferences: preferences,
		metrics:     m,
		log:         log,
		limiter:     newRateLimiter(cfg.RateRPS, cfg.RateBurst),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start schedules the rate limiter sweep with a cron spec such as
// "@every 5m". It is a no-op when RateIdle is zero.
func (s *Server) Start(spec string) error {
	if s.cfg.RateIdle <= 0 {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if removed := s.limiter.sweep(s.cfg.RateIdle); removed > 0 {
			s.log.WithFields(logrus.Fields{
				"removed":   removed,
				"remaining": s.limiter.size(),
			}).Debug("idle rate limiters swept")
		}
	}); err != nil {
		return err
	}

	s.cron = c
	c.Start()
	return nil
}

// Stop halts the sweep.
func (s *Server) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.observe)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	// called by the workflow engine; trusted network only
	router.HandleFunc("/api/video/callback", s.handleCallback).Methods(http.MethodPost)
	router.HandleFunc("/api/video/callback/failure", s.handleFailureCallback).Methods(http.MethodPost)
	router.HandleFunc("/api/video/status/{job_id}", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/publications/{outcome}", s.handlePublication).Methods(http.MethodPost)
	router.HandleFunc("/api/publications/{platform}/{outcome}", s.handlePublication).Methods(http.MethodPost)

	stream := router.PathPrefix("/api/video/events").Subrouter()
	stream.Use(s.authenticate(true))
	stream.HandleFunc("", s.handleEvents).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate(false), s.rateLimit)
	api.HandleFunc("/video/check-points", s.handleCheckPoints).Methods(http.MethodGet)
	api.HandleFunc("/video/generate", s.handleGenerate).Methods(http.MethodPost)
	api.HandleFunc("/points/transactions", s.handleTransactions).Methods(http.MethodGet)
	api.HandleFunc("/preferences/webhook", s.handleGetWebhook).Methods(http.MethodGet)
	api.HandleFunc("/preferences/webhook", s.handlePutWebhook).Methods(http.MethodPut)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireRole(RoleAdmin))
	admin.HandleFunc("/points/adjust", s.handleAdjust).Methods(http.MethodPost)

	return router
}
