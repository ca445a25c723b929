package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/econet/internal/access"
	"github.com/dukerupert/econet/internal/backup"
	"github.com/dukerupert/econet/internal/device"
	"github.com/dukerupert/econet/internal/handler"
	"github.com/dukerupert/econet/internal/middleware"
	"github.com/dukerupert/econet/internal/session"
	"github.com/dukerupert/econet/internal/store"
	ws "github.com/dukerupert/econet/internal/websocket"
)

type Server struct {
	db            *sql.DB
	hub           *ws.Hub
	sessionH      *handler.SessionHandler
	ratingH       *handler.RatingHandler
	adminH        *handler.AdminHandler
	controller    *session.Controller
	scheduler     *session.Scheduler
	backupManager *backup.Manager
	rateLimiter   *middleware.RateLimiter
	logger        *slog.Logger
}

func New(db *sql.DB, network access.Controller, resolver *device.Resolver, secondsPerBottle int, sweepCfg session.SchedulerConfig, backupCfg backup.Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	sessionStore := store.NewSessionStore(db, secondsPerBottle)
	eventStore := store.NewEventStore(db)
	ratingStore := store.NewRatingStore(db)
	backupStore := store.NewBackupStore(db)

	controller := session.NewController(sessionStore, eventStore, network, logger.With("component", "controller"))
	scheduler := session.NewScheduler(sweepCfg, sessionStore, eventStore, network, logger.With("component", "scheduler"))

	var backupMgr *backup.Manager
	var backupRunner handler.BackupRunner
	if backupCfg.Enabled() {
		backupMgr = backup.NewManager(backupCfg, db, backupStore, logger.With("component", "backup"))
		backupRunner = backupMgr
	}

	return &Server{
		db:            db,
		hub:           hub,
		sessionH:      handler.NewSessionHandler(controller, resolver, hub, logger.With("component", "session_handler")),
		ratingH:       handler.NewRatingHandler(ratingStore, eventStore, controller, hub, logger.With("component", "rating_handler")),
		adminH:        handler.NewAdminHandler(sessionStore, ratingStore, eventStore, network, hub, backupRunner, logger.With("component", "admin_handler")),
		controller:    controller,
		scheduler:     scheduler,
		backupManager: backupMgr,
		rateLimiter:   middleware.NewRateLimiter(),
		logger:        logger,
	}
}

// Scheduler returns the expiry scheduler so main can run it.
func (s *Server) Scheduler() *session.Scheduler {
	return s.scheduler
}

// BackupManager returns the backup manager, nil when backups are not
// configured.
func (s *Server) BackupManager() *backup.Manager {
	return s.backupManager
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.rootHandler)
	mux.HandleFunc("GET /health", s.healthHandler)

	// Session lifecycle
	mux.HandleFunc("POST /api/session", s.sessionH.Lookup)
	mux.HandleFunc("POST /api/session/lock", s.rateLimitedHandler(s.sessionH.Lock))
	mux.HandleFunc("POST /api/session/unlock", s.sessionH.Unlock)
	mux.HandleFunc("GET /api/session/{id}", s.sessionH.Get)
	mux.HandleFunc("POST /api/session/{id}/bottle", s.sessionH.Bottle)
	mux.HandleFunc("POST /api/session/{id}/commit", s.sessionH.Commit)
	mux.HandleFunc("POST /api/session/{id}/cancel", s.sessionH.Cancel)
	mux.HandleFunc("POST /api/session/{id}/expire", s.sessionH.Expire)
	mux.HandleFunc("POST /api/session/{id}/notify-expiry", s.sessionH.NotifyExpiry)

	// Bottle detector bridge
	mux.HandleFunc("POST /sensor/hit", s.sessionH.SensorHit)

	// Captive portal connectivity probes
	mux.HandleFunc("GET /generate_204", s.sessionH.Probe)
	mux.HandleFunc("GET /connecttest.txt", s.sessionH.Probe)
	mux.HandleFunc("GET /hotspot-detect.html", s.sessionH.Probe)

	// Ratings
	mux.HandleFunc("POST /api/rating", s.ratingH.Create)
	mux.HandleFunc("GET /api/rating/status", s.ratingH.Status)

	// Admin
	mux.HandleFunc("GET /api/admin/metrics", s.adminH.Metrics)
	mux.HandleFunc("GET /api/admin/events", s.adminH.Events)
	mux.HandleFunc("POST /api/admin/backup", s.adminH.Backup)
	mux.HandleFunc("GET /ws/admin", s.adminH.MetricsStream)

	// WebSocket
	mux.HandleFunc("GET /ws", ws.Handler(s.hub, s.logger.With("component", "websocket")))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"service": "econet"})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}
