package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/auth"
	"github.com/capitalize-ai/chat-relay/internal/bus"
	"github.com/capitalize-ai/chat-relay/internal/config"
	"github.com/capitalize-ai/chat-relay/internal/handler"
	"github.com/capitalize-ai/chat-relay/internal/middleware"
	natsclient "github.com/capitalize-ai/chat-relay/internal/nats"
	"github.com/capitalize-ai/chat-relay/internal/presence"
	"github.com/capitalize-ai/chat-relay/internal/realtime"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/tracing"
)

const serviceName = "chat-relay"

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting chat relay",
		zap.String("db_driver", cfg.DBDriver),
		zap.String("bus_backend", cfg.BusBackend),
	)

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tracing.Shutdown(shutdownCtx, tp)
			}()
		}
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	b, closeBus, err := newBus(ctx, cfg, redisClient, log)
	if err != nil {
		return err
	}
	defer closeBus()

	var tracker presence.Tracker = presence.NewMemory(cfg.PresenceTTL)
	if redisClient != nil {
		tracker = presence.NewRedis(redisClient, cfg.PresenceTTL)
	}

	resolver := auth.NewResolver(cfg.JWTSecret, st, log)
	conversationSvc := service.NewConversationService(st, tracker, log)
	messageSvc := service.NewMessageService(st, conversationSvc, b, log)
	gateway := realtime.NewGateway(realtime.Config{
		SendBuffer:     cfg.WSSendBuffer,
		ReadLimit:      cfg.WSReadLimit,
		PingPeriod:     cfg.WSPingPeriod,
		AllowedOrigins: cfg.AllowedOrigins,
	}, resolver, conversationSvc, messageSvc, b, tracker, log)

	r := newRouter(cfg, log, routerDeps{
		resolver: resolver,
		health: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": st,
			"bus":      b,
		}),
		conversations: handler.NewConversationHandler(conversationSvc, log),
		messages:      handler.NewMessageHandler(messageSvc, log),
		stream:        handler.NewStreamHandler(b, tracker, 0, log),
		gateway:       gateway,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	// Shutdown does not track hijacked connections.
	server.RegisterOnShutdown(gateway.CloseAll)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := gateway.Wait(shutdownCtx); err != nil {
		log.Warn("websocket sessions still open at shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// newBus builds the configured broadcast bus and its cleanup function.
func newBus(ctx context.Context, cfg *config.Config, redisClient *redis.Client, log *logger.Logger) (bus.Bus, func(), error) {
	switch cfg.BusBackend {
	case config.BusNATS:
		client, err := natsclient.Connect(natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     serviceName,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		b := bus.NewNATS(client.Conn(), "", log)
		return b, func() {
			_ = b.Close()
			client.Close()
		}, nil

	case config.BusRedis:
		if redisClient == nil {
			return nil, nil, fmt.Errorf("redis bus requires REDIS_URL")
		}
		b := bus.NewRedis(ctx, redisClient, "", log)
		return b, func() { _ = b.Close() }, nil

	default:
		b := bus.NewMemory(log)
		return b, func() { _ = b.Close() }, nil
	}
}

type routerDeps struct {
	resolver      *auth.Resolver
	health        *handler.HealthHandler
	conversations *handler.ConversationHandler
	messages      *handler.MessageHandler
	stream        *handler.StreamHandler
	gateway       *realtime.Gateway
}

func newRouter(cfg *config.Config, log *logger.Logger, d routerDeps) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", d.health.Health)
	r.Get("/ready", d.health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Websocket handshakes authenticate inside the socket.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		d.gateway.Routes(r)
	})

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(d.resolver))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/users/me", d.conversations.Me)
		r.Get("/notifications/stream", d.stream.Stream)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", d.conversations.List)
			r.Post("/", d.conversations.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/messages", d.messages.List)
				r.Post("/messages", d.messages.Send)
				r.Post("/mark_read", d.conversations.MarkRead)
				r.Post("/hide", d.conversations.Hide)
			})
		})

		r.Post("/messages/{id}/delete-for-me", d.messages.DeleteForMe)
	})

	return r
}
