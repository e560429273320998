package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/facebookgo/clock"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/coaching-payflow/api/routes"
	"github.com/angelmondragon/coaching-payflow/internal/bookingcache"
	"github.com/angelmondragon/coaching-payflow/internal/cron"
	"github.com/angelmondragon/coaching-payflow/internal/flowhook"
	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/internal/marketplace"
	"github.com/angelmondragon/coaching-payflow/internal/orchestrator"
	"github.com/angelmondragon/coaching-payflow/internal/payments"
	"github.com/angelmondragon/coaching-payflow/internal/pricing"
	"github.com/angelmondragon/coaching-payflow/internal/realtime"
	"github.com/angelmondragon/coaching-payflow/internal/retry"
	"github.com/angelmondragon/coaching-payflow/pkg/config"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
	"github.com/angelmondragon/coaching-payflow/pkg/metrics"
	"github.com/angelmondragon/coaching-payflow/pkg/pubsub"
	"github.com/angelmondragon/coaching-payflow/pkg/redis"
	pkgstripe "github.com/angelmondragon/coaching-payflow/pkg/stripe"
)

const (
	serviceName     = "payflow-api"
	shutdownTimeout = 15 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return fmt.Errorf("bootstrap redis: %w", err)
	}
	defer func() {
		err = multierr.Append(err, redisClient.Close())
	}()

	currency, err := enums.ParseCurrency(cfg.Payments.DefaultCurrency)
	if err != nil {
		return fmt.Errorf("default currency: %w", err)
	}

	flowMetrics := metrics.NewPaymentFlowMetrics(prometheus.DefaultRegisterer)
	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	market, err := marketplace.NewClient(
		cfg.Marketplace.BaseURL,
		marketplace.WithAPIKey(cfg.Marketplace.APIKey),
		marketplace.WithTimeout(cfg.Marketplace.Timeout),
	)
	if err != nil {
		return fmt.Errorf("marketplace client: %w", err)
	}

	var (
		intents   payments.IntentCreator
		confirmer payments.Confirmer = market
	)
	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		stripeClient, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return fmt.Errorf("stripe client: %w", err)
		}
		gateway, err := payments.NewStripeGateway(stripeClient)
		if err != nil {
			return fmt.Errorf("stripe gateway: %w", err)
		}
		intents = gateway
		if cfg.Payments.ConfirmProvider == config.ConfirmProviderStripe {
			confirmer = gateway
		}
	}

	clk := clock.New()
	store := flowstore.New(flowstore.Options{Logger: logg, Clock: clk})

	retries := retry.NewController(retry.Params{
		Config: retry.Config{
			MaxRetries:    cfg.Payments.MaxRetries,
			MaxQueueDepth: cfg.Payments.MaxQueueDepth,
			MinInterval:   cfg.Payments.MinRetryInterval,
			Schedule:      cfg.Payments.RetrySchedule,
		},
		Clock:   clk,
		Logger:  logg,
		Metrics: flowMetrics,
	})
	defer retries.Close()

	orch, err := orchestrator.New(orchestrator.Params{
		Store:           store,
		Retries:         retries,
		Confirmer:       confirmer,
		Clock:           clk,
		Logger:          logg,
		Metrics:         flowMetrics,
		ConfirmTimeout:  cfg.Payments.ConfirmTimeout,
		MountTimeout:    cfg.Payments.MountTimeout,
		DefaultCurrency: currency,
		OnFinalFailure: func(ctx context.Context, flow flowstore.Flow) {
			logg.Warn(logg.WithBookingID(logg.WithFlowID(ctx, flow.ID), flow.BookingID), "payment flow failed with no retry left")
		},
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	cache, err := bookingcache.New(redisClient, cfg.Realtime.BookingCacheTTL, logg)
	if err != nil {
		return fmt.Errorf("booking cache: %w", err)
	}

	hub := realtime.NewHub()
	bridge, err := realtime.NewBridge(realtime.BridgeParams{
		Flows:   orch,
		Channel: hub,
		Cache:   cache,
		Logger:  logg,
		Metrics: flowMetrics,
	})
	if err != nil {
		return fmt.Errorf("realtime bridge: %w", err)
	}
	defer bridge.Close()
	// drain while the bridge is still bound so unsettled snapshots are invalidated
	defer func() {
		err = multierr.Append(err, drainFlows(orch, logg))
	}()

	flows, err := flowhook.NewService(flowhook.Params{
		Flows:      orch,
		Bookings:   market,
		Pricer:     market,
		Normalizer: pricing.NewNormalizer(currency),
		Intents:    intents,
		Bridge:     bridge,
		Cache:      cache,
		Logger:     logg,
	})
	if err != nil {
		return fmt.Errorf("payment flow service: %w", err)
	}

	reaper, err := cron.NewStaleFlowReaperJob(cron.StaleFlowReaperParams{
		Logger:          logg,
		Flows:           orch,
		Clock:           clk,
		ProcessingGrace: cfg.Reaper.ProcessingGrace,
		AbandonedTTL:    cfg.Reaper.AbandonedTTL,
		TerminalTTL:     cfg.Reaper.TerminalTTL,
	})
	if err != nil {
		return fmt.Errorf("stale flow reaper: %w", err)
	}
	cronService, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(reaper),
		Lock:     cron.NewLocalLock(),
		Metrics:  cronMetrics,
		Interval: cfg.Reaper.Interval,
		Clock:    clk,
	})
	if err != nil {
		return fmt.Errorf("cron service: %w", err)
	}

	var (
		source     *realtime.PubSubSource
		routerOpts []routes.Option
	)
	if cfg.PubSub.Enabled() {
		var pubsubClient *pubsub.Client
		pubsubClient, err = pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		defer func() {
			err = multierr.Append(err, pubsubClient.Close())
		}()
		routerOpts = append(routerOpts, routes.WithReadinessCheck("pubsub", pubsubClient))
		source, err = realtime.NewPubSubSource(realtime.SourceParams{
			Subscription:   pubsubClient.RealtimeSubscription(),
			Hub:            hub,
			Idempotency:    redisClient,
			IdempotencyTTL: cfg.Realtime.IdempotencyTTL,
			Clock:          clk,
			Logger:         logg,
		})
		if err != nil {
			return fmt.Errorf("realtime source: %w", err)
		}
	} else {
		logg.Warn(ctx, "realtime subscription not configured, booking pushes disabled")
	}

	addr := ":" + cfg.App.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(cfg, logg, redisClient, flows, promhttp.Handler(), routerOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logCtx := logg.WithFields(ctx, map[string]any{
		"env":              cfg.App.Env,
		"addr":             addr,
		"confirm_provider": cfg.Payments.ConfirmProvider,
		"stripe_env":       cfg.Stripe.Environment(),
		"realtime":         source != nil,
	})
	logg.Info(logCtx, "starting api server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := cronService.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("cron service: %w", err)
		}
		return nil
	})
	if source != nil {
		g.Go(func() error {
			if err := source.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("realtime source: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// drainFlows force-cleans every flow so pending retries and in-flight confirmations stop
// before the process exits.
func drainFlows(orch *orchestrator.Orchestrator, logg *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	active := orch.List()
	for _, flow := range active {
		errs = multierr.Append(errs, orch.HandleCleanup(ctx, flow.ID, orchestrator.CleanupOptions{Force: true, Reason: "shutdown"}))
	}
	if len(active) > 0 {
		logg.Info(logg.WithField(ctx, "flows", len(active)), "drained payment flows")
	}
	return errs
}
