package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"navi/internal/call"
	"navi/internal/chat"
	"navi/internal/config"
	"navi/internal/db"
	"navi/internal/logging"
	myMiddleware "navi/internal/middleware"
	"navi/internal/signaling"
	"navi/internal/user"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	addr := flag.String("addr", "", "http service address (overrides config)")
	flag.Parse()

	logger := logging.New(logging.Config{})
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	database, err := db.NewDatabase(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer database.Close()
	logger.Info().Msg("connected to postgres")

	if err := database.AutoMigrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

	clk := clock.New()

	userService := user.NewService(user.NewRepository(database.Conn), cfg.JWT.Secret, cfg.JWT.TTL, clk)
	userHandler := user.NewHandler(userService, logger)

	hub := signaling.NewHub(signaling.Options{
		Clock:       clk,
		CallTimeout: cfg.Call.Timeout,
		Logger:      logger,
	})
	go hub.Run(ctx)

	settings := signaling.Settings{
		WriteWait:  cfg.WS.WriteWait,
		PongWait:   cfg.WS.PongWait,
		PingPeriod: cfg.WS.PingPeriod,
		ReadLimit:  cfg.WS.ReadLimit,
		SendBuffer: cfg.WS.SendBuffer,
	}
	wsHandler := signaling.NewHandler(hub, settings, logger)

	fanout := chat.NewFanout(redisClient, hub, logger)
	go func() {
		if err := fanout.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("chat fan-out stopped")
		}
	}()
	chatHandler := chat.NewHandler(chat.NewRepository(database.Conn), fanout, clk, logger)

	provider := call.NewProvider(call.ProviderConfig{
		Endpoint:  cfg.Conferencing.Endpoint,
		APIKey:    cfg.Conferencing.APIKey,
		SecretKey: cfg.Conferencing.SecretKey,
	}, nil, clk, logger)
	callHandler := call.NewHandler(call.NewService(call.NewRepository(database.Conn), provider, clk), logger)

	r := newRouter(logger, handlers{
		users:  userHandler,
		auth:   myMiddleware.NewAuthMiddleware(userService),
		signal: wsHandler,
		chats:  chatHandler,
		calls:  callHandler,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
			cancel()
		}
	}()

	<-ctx.Done()
	shutdown(logger, srv, hub)
}

type handlers struct {
	users  *user.Handler
	auth   *myMiddleware.AuthMiddleware
	signal *signaling.Handler
	chats  *chat.Handler
	calls  *call.Handler
}

func newRouter(logger zerolog.Logger, h handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(myMiddleware.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Post("/register", h.users.Register)
	r.Post("/login", h.users.Login)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(h.auth.Handle)
		r.Get("/api/users/search", h.users.SearchUsers)
		r.Get("/api/users/me", h.users.Me)

		r.Get("/ws", h.signal.ServeWs)
		r.Get("/api/signal/stats", h.signal.Stats)

		r.Route("/api/chats", h.chats.Routes)
		r.Route("/api/calls", h.calls.Routes)
	})
	return r
}

func shutdown(logger zerolog.Logger, srv *http.Server, hub *signaling.Hub) {
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websockets are not tracked by Shutdown; the hub closes them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	select {
	case <-hub.Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("hub did not stop in time")
		os.Exit(1)
	}
	logger.Info().Msg("bye")
}
