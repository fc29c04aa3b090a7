package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mossfell/centsible/internal/archive"
	"github.com/mossfell/centsible/internal/config"
	"github.com/mossfell/centsible/internal/handler"
	"github.com/mossfell/centsible/internal/middleware"
	"github.com/mossfell/centsible/internal/push"
	"github.com/mossfell/centsible/internal/store"
	ws "github.com/mossfell/centsible/internal/websocket"
)

type Server struct {
	db           *sql.DB
	hub          *ws.Hub
	authH        *handler.AuthHandler
	pushH        *handler.PushHandler
	notifyH      *handler.NotifyHandler
	sessionStore *store.SessionStore
	pushStore    *store.PushStore
	rateLimiter  *middleware.RateLimiter
	trigger      *push.Trigger
	archiver     *archive.Archiver
	cronSecret   string
	pushEnabled  bool
	logger       *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, loc *time.Location, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	userStore := store.NewUserStore(db)
	sessionStore := store.NewSessionStore(db)
	pushStore := store.NewPushStore(db)
	prefStore := store.NewPreferenceStore(db)
	logStore := store.NewNotificationLogStore(db)

	pushLogger := logger.With("component", "push")

	var (
		pushH   *handler.PushHandler
		notifyH *handler.NotifyHandler
		trigger *push.Trigger
	)
	if cfg.Push.Enabled() {
		svc := push.NewService(cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, cfg.Push.Subscriber)
		deliverer := push.NewDeliverer(svc, pushStore, push.DeliveryConfig{
			Timeout:        cfg.Push.SendTimeout,
			MaxConcurrent:  cfg.Push.MaxConcurrent,
			SendsPerSecond: cfg.Push.SendsPerSecond,
		}, func(ev push.Event) {
			hub.Broadcast(ws.DeliveryMessage(ev.Kind, ev.UserID, ev.Endpoint, ev.Tag))
		}, pushLogger)

		filter := push.NewEligibilityFilter(prefStore)
		trigger = push.NewTrigger(pushStore, filter, deliverer, logStore, loc, cfg.Push.MaxConcurrent, pushLogger)
		oneShot := push.NewOneShotNotifier(deliverer, logStore, pushLogger)

		pushH = handler.NewPushHandler(pushStore, prefStore, deliverer, svc, logger.With("component", "push_handler"))
		notifyH = handler.NewNotifyHandler(trigger, oneShot, userStore, logger.With("component", "notify_handler"))
	}

	archiver := archive.NewArchiver(archive.Config{
		S3: archive.S3Config{
			Endpoint:  cfg.Archive.S3Endpoint,
			Bucket:    cfg.Archive.S3Bucket,
			Region:    cfg.Archive.S3Region,
			AccessKey: cfg.Archive.S3AccessKey,
			SecretKey: cfg.Archive.S3SecretKey,
		},
		RetentionDays: cfg.Archive.RetentionDays,
	}, logStore, logger.With("component", "archive"))

	return &Server{
		db:           db,
		hub:          hub,
		authH:        handler.NewAuthHandler(userStore, sessionStore, logger.With("component", "auth")),
		pushH:        pushH,
		notifyH:      notifyH,
		sessionStore: sessionStore,
		pushStore:    pushStore,
		rateLimiter:  middleware.NewRateLimiter(),
		trigger:      trigger,
		archiver:     archiver,
		cronSecret:   cfg.CronSecret,
		pushEnabled:  cfg.Push.Enabled(),
		logger:       logger,
	}
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Trigger returns the notification trigger, nil when push is not configured.
func (s *Server) Trigger() *push.Trigger {
	return s.trigger
}

// Archiver returns the notification log archiver.
func (s *Server) Archiver() *archive.Archiver {
	return s.archiver
}

// Hub returns the delivery activity hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("POST /api/auth/login", s.rateLimitedHandler(s.authH.Login))
	outerMux.HandleFunc("GET /health", s.healthHandler)

	// Internal routes guarded by the shared cron secret
	if s.notifyH != nil {
		cronAuth := middleware.RequireCronSecret(s.cronSecret)
		outerMux.Handle("POST /internal/notify/trigger", cronAuth(http.HandlerFunc(s.notifyH.Trigger)))
		outerMux.Handle("POST /internal/notify/welcome", cronAuth(http.HandlerFunc(s.notifyH.Welcome)))
		outerMux.Handle("POST /internal/notify/release", cronAuth(http.HandlerFunc(s.notifyH.Release)))
	}

	// Session-protected routes
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.sessionStore)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/logout", s.authH.Logout)

	if s.pushH != nil {
		mux.HandleFunc("POST /api/push/subscribe", s.pushH.Subscribe)
		mux.HandleFunc("DELETE /api/push/subscriptions/{id}", s.pushH.Unsubscribe)
		mux.HandleFunc("GET /api/push/subscriptions", s.pushH.ListSubscriptions)
		mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
		mux.HandleFunc("GET /api/push/preferences", s.pushH.GetPreferences)
		mux.HandleFunc("PUT /api/push/preferences", s.pushH.UpdatePreferences)
		mux.HandleFunc("POST /api/push/test", s.rateLimitedHandler(s.pushH.TestNotification))
	}

	mux.Handle("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "push_enabled": s.pushEnabled}
	if err := s.db.Ping(); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": "database unavailable"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
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
