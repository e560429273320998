package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/coaching-payflow/api/controllers"
	"github.com/angelmondragon/coaching-payflow/api/middleware"
	"github.com/angelmondragon/coaching-payflow/pkg/config"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
)

// RedisStore is the Redis surface the HTTP layer needs: idempotency records, rate
// counters and readiness.
type RedisStore interface {
	middleware.IdempotencyStore
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	RateLimitKey(scope string) string
	Ping(ctx context.Context) error
}

// Option adjusts router wiring.
type Option func(*routerOptions)

type routerOptions struct {
	readiness map[string]controllers.Pinger
}

// WithReadinessCheck adds a dependency probed by /health/ready.
func WithReadinessCheck(name string, p controllers.Pinger) Option {
	return func(o *routerOptions) {
		if p != nil {
			o.readiness[name] = p
		}
	}
}

// NewRouter mounts health, metrics and the payment flow API. A nil store disables
// idempotency and rate limiting; a nil metrics handler leaves /metrics unmounted.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	store RedisStore,
	flows controllers.PaymentFlowService,
	metricsHandler http.Handler,
	opts ...Option,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	options := routerOptions{readiness: map[string]controllers.Pinger{}}
	for _, opt := range opts {
		opt(&options)
	}
	readiness := options.readiness
	var (
		idempotencyStore middleware.IdempotencyStore
		rateStore        middleware.RateLimitStore
	)
	if store != nil {
		readiness["redis"] = store
		idempotencyStore = store
		rateStore = store
	}

	confirmPolicy := middleware.NewRateLimitPolicy(
		"confirm",
		cfg.RateLimit.ConfirmWindow,
		cfg.RateLimit.ConfirmIPLimit,
		cfg.RateLimit.ConfirmUserLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Get("/api/public/ping", controllers.PublicPing())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Get("/ping", controllers.PrivatePing())

		r.Route("/payment-flows", func(r chi.Router) {
			r.Get("/{flowId}/stream", controllers.FlowStream(flows, cfg.App.CORSOrigins, logg))

			r.Group(func(r chi.Router) {
				r.Use(middleware.Idempotency(idempotencyStore, logg))
				r.Post("/", controllers.StartPaymentFlow(flows, logg))
				r.Get("/{flowId}", controllers.GetPaymentFlow(flows, logg))
				r.Post("/{flowId}/visibility", controllers.UpdateVisibility(flows, logg))
				r.With(middleware.RateLimit(confirmPolicy, rateStore, logg)).
					Post("/{flowId}/confirm", controllers.ConfirmPayment(flows, logg))
				r.Post("/{flowId}/reset", controllers.ResetPaymentFlow(flows, logg))
				r.Post("/{flowId}/cancel", controllers.CancelPaymentFlow(flows, logg))
				r.Delete("/{flowId}", controllers.CleanupPaymentFlow(flows, logg))
			})
		})
	})

	return r
}
