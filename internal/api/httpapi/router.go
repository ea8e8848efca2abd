// Package httpapi is the public HTTP surface of track-api: the provider webhook,
// the subscription endpoints, health checks and delivery stats.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/BearBump/teletrack/internal/models"
	"github.com/BearBump/teletrack/internal/services/fanout"
	"github.com/BearBump/teletrack/internal/services/reconciler"
	"github.com/BearBump/teletrack/internal/services/subscriptions"
	"github.com/BearBump/teletrack/internal/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

const UserHashHeader = "X-User-ID-Hash"

type Verifier interface {
	Verify(body []byte, signature string) error
}

type Decoder interface {
	Decode(body []byte) (webhook.Event, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, ev webhook.Event) (reconciler.Result, error)
}

type Subscriptions interface {
	RegisterUser(ctx context.Context, userID int64, name string) (*models.User, error)
	Track(ctx context.Context, hash, number string, carrier *int) (*models.Relation, error)
	Stop(ctx context.Context, hash, number string) error
	Retrack(ctx context.Context, hash, number string) error
	Delete(ctx context.Context, hash, number string) error
	ListForUser(ctx context.Context, hash string) ([]subscriptions.Tracking, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type DeliveryStats interface {
	Stats() fanout.Stats
}

type Handler struct {
	verifier Verifier
	decoder  Decoder
	rec      Reconciler
	subs     Subscriptions
	log      *zap.Logger
	validate *validator.Validate

	rl         RateLimiter
	rlPerMin   int64
	readiness  map[string]Pinger
	stats      DeliveryStats
	reqTimeout time.Duration
	maxBody    int64
}

func New(v Verifier, d Decoder, rec Reconciler, subs Subscriptions, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		verifier:   v,
		decoder:    d,
		rec:        rec,
		subs:       subs,
		log:        log,
		validate:   validator.New(),
		readiness:  map[string]Pinger{},
		reqTimeout: 30 * time.Second,
		maxBody:    1 << 20,
	}
}

// WithRequestTimeout bounds one webhook delivery, reconciliation and awaited fan-out included.
func (h *Handler) WithRequestTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.reqTimeout = d
	}
	return h
}

func (h *Handler) WithRateLimiter(rl RateLimiter, perMinute int) *Handler {
	if rl != nil && perMinute > 0 {
		h.rl = rl
		h.rlPerMin = int64(perMinute)
	}
	return h
}

// WithReadiness adds a dependency checked by /readyz.
func (h *Handler) WithReadiness(name string, p Pinger) *Handler {
	if p != nil {
		h.readiness[name] = p
	}
	return h
}

// WithStats exposes notification delivery counters on /stats.
func (h *Handler) WithStats(s DeliveryStats) *Handler {
	h.stats = s
	return h
}

// Routes builds the router. swaggerPath may be empty to disable docs.
func (h *Handler) Routes(webhookPath, swaggerPath string) http.Handler {
	if webhookPath == "" {
		webhookPath = "/webhook/17track"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if h.stats != nil {
		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, h.stats.Stats())
		})
	}

	r.Post(webhookPath, h.Webhook)
	r.Post(webhookPath+"/verify", h.VerifyChallenge)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", h.RegisterUser)
		r.Group(func(r chi.Router) {
			r.Use(h.requireUser, h.rateLimit)
			r.Get("/trackings", h.ListTrackings)
			r.Post("/trackings", h.Track)
			r.Post("/trackings/{number}/stop", h.Stop)
			r.Post("/trackings/{number}/retrack", h.Retrack)
			r.Delete("/trackings/{number}", h.Delete)
		})
	})

	if swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(
			httpSwagger.URL("/swagger.json"),
		))
	}
	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
