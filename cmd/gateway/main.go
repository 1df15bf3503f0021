package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/api"
	"github.com/lalithlochan/bulletin/internal/circuitbreaker"
	"github.com/lalithlochan/bulletin/internal/config"
	"github.com/lalithlochan/bulletin/internal/db"
	"github.com/lalithlochan/bulletin/internal/delivery"
	"github.com/lalithlochan/bulletin/internal/mailer"
	"github.com/lalithlochan/bulletin/internal/metrics"
	"github.com/lalithlochan/bulletin/internal/observ"
	"github.com/lalithlochan/bulletin/internal/recipients"
	"github.com/lalithlochan/bulletin/internal/redis"
	"github.com/lalithlochan/bulletin/internal/sns"
	"github.com/lalithlochan/bulletin/internal/sqs"
	"github.com/lalithlochan/bulletin/internal/tracking"
	"github.com/lalithlochan/bulletin/internal/worker"
)

// requestTimeout bounds synchronous chunk dispatch, which takes roughly
// recipients times pacing.
const requestTimeout = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("bulletin-gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting bulletin gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("mail_transport", cfg.MailTransport),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs the chunk replay cache, the retry stage lease and rate
	// limiting. Without it those run unguarded.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, replay cache and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var guard *redis.InvocationGuard
	var apiLimiter api.Limiter
	var trackingLimiter tracking.Limiter
	if redisClient != nil {
		defer redisClient.Close()
		guard = redis.NewInvocationGuard(redisClient, logger)
		limiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
		apiLimiter = limiter
		trackingLimiter = limiter
	}

	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	breakerCfg := circuitbreaker.DefaultConfig(cfg.MailTransport)
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetTransportBreakerState(name, int(to))
	}
	breaker := circuitbreaker.New(breakerCfg, logger)
	sender := mailer.NewSendWorker(circuitbreaker.NewProtectedTransport(transport, breaker, logger), logger)

	validator := recipients.NewValidator(recipients.NewHasher(repo), repo, logger)

	secret := cfg.TrackingSecret
	if secret == "" {
		if cfg.Env == "production" {
			return fmt.Errorf("TRACKING_SECRET is required in production")
		}
		// tracking links signed with this secret die with the process
		if secret, err = tracking.NewToken(); err != nil {
			return fmt.Errorf("failed to generate tracking secret: %w", err)
		}
		logger.Warn("TRACKING_SECRET not set, using an ephemeral secret")
	}

	recorder := tracking.NewRecorder(repo, tracking.RecorderConfig{
		QueueSize:   cfg.TrackingQueueSize,
		Workers:     cfg.TrackingWorkers,
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
	}, logger, tracking.WithLimiter(trackingLimiter))
	recorder.Start()
	defer recorder.Close()
	trackingSvc := tracking.NewService(repo, recorder, tracking.Config{
		BaseURL: cfg.TrackingBaseURL,
		Secret:  secret,
	}, logger)

	var events delivery.EventPublisher
	if cfg.SNSTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.SNSTopicARN, cfg.AWSRegion, cfg.AWSEndpoint, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, job events disabled", zap.Error(err))
		} else {
			events = publisher
		}
	}

	retryOpts := []delivery.RetryOption{delivery.WithRetryLedger(validator)}
	chunkOpts := []delivery.OrchestratorOption{delivery.WithRecipientLedger(validator)}
	if guard != nil {
		retryOpts = append(retryOpts, delivery.WithStageLocker(guard, 10*time.Minute))
		chunkOpts = append(chunkOpts, delivery.WithReplayCache(guard))
	}
	if events != nil {
		retryOpts = append(retryOpts, delivery.WithRetryEvents(events))
		chunkOpts = append(chunkOpts, delivery.WithEvents(events))
	}
	controller := delivery.NewRetryController(repo, sender, logger, retryOpts...)

	// With a queue every chunk and retry stage can run on any instance;
	// without one, escalation runs in-process.
	var trigger delivery.RetryTrigger
	var producer *sqs.Producer
	var consumer *sqs.Consumer
	var inline *delivery.InlineTrigger
	if cfg.SQSQueueURL != "" {
		client, err := sqs.NewClient(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.AWSEndpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}
		producer = sqs.NewProducer(client, cfg.SQSQueueURL, logger)
		consumer = sqs.NewConsumer(client, cfg.SQSQueueURL, logger)
		trigger = producer
	} else {
		inline = delivery.NewInlineTrigger(controller, logger)
		trigger = inline
	}
	chunkOpts = append(chunkOpts, delivery.WithRetryTrigger(trigger))

	orchestrator := delivery.NewOrchestrator(repo, sender, logger, chunkOpts...)
	jobs := delivery.NewService(repo, trackingSvc, trigger, delivery.Defaults{
		FromAddress: cfg.SESFromEmail,
		ReplyTo:     cfg.SESReplyTo,
		Settings:    cfg.DefaultSettings(),
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if consumer != nil {
		w := worker.New(consumer, orchestrator, controller, producer, worker.Config{
			BatchSize:   5,
			MaxReceives: 5,
		}, logger)
		go w.Start(workerCtx)
		logger.Info("queue worker started", zap.String("queue_url", cfg.SQSQueueURL))
	}

	sweeper := worker.NewSweeper(repo, trigger, worker.SweeperConfig{}, logger)
	go sweeper.Start(workerCtx)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	var handler *api.Handler
	if producer != nil {
		handler = api.NewHandlerWithQueue(logger, validator, jobs, orchestrator, trackingSvc, producer)
	} else {
		handler = api.NewHandler(logger, validator, jobs, orchestrator, trackingSvc)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.OperatorKeyFunc))
		handler.Register(r)
	})

	tracking.NewHandler(trackingSvc, logger).Register(r)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		workerCancel()
		if inline != nil {
			inline.Wait()
		}
		recorder.Close()

		logger.Info("server stopped gracefully")
	}

	return nil
}

func newTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (mailer.Transport, error) {
	if cfg.MailTransport == "log" {
		return mailer.NewLogTransport(logger), nil
	}
	transport, err := mailer.NewSESTransport(ctx, mailer.SESConfig{
		Region:   cfg.AWSRegion,
		Endpoint: cfg.AWSEndpoint,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES transport: %w", err)
	}
	return transport, nil
}
