package main

import (
	"context"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatgrid/internal/chat"
	"chatgrid/internal/config"
	"chatgrid/internal/db"
	"chatgrid/internal/eventbus"
	"chatgrid/internal/middleware"
	"chatgrid/internal/presence"
	"chatgrid/internal/relay"
	"chatgrid/internal/room"
	"chatgrid/internal/user"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	log := newLogger(cfg)

	// Platform layer: database, relay broker, event bus. The event bus is
	// connected before the listener starts; a fatal connect error aborts
	// startup so the instance never accepts traffic without a durable
	// fan-out path.
	database, err := db.NewDatabase(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("database connect failed")
	}
	defer database.Close()
	if err := database.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("database ready")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connect failed")
	}
	log.Info().Msg("redis ready")

	bus := eventbus.New(eventbus.Config{
		URL:            cfg.NatsURL,
		Stream:         cfg.BusStream,
		Subjects:       chat.ConsumedTopics(),
		QueueGroup:     cfg.BusQueueGroup,
		ConnectWait:    cfg.BusConnectWait,
		MaxConnectWait: cfg.BusMaxConnectWait,
		MaxAttempts:    cfg.BusMaxAttempts,
		Cooldown:       cfg.BusCooldown,
	}, log)
	if err := bus.Connect(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("event bus unavailable, refusing to start")
	}
	defer bus.Close()

	// Store collaborators.
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)
	roomRepo := room.NewRepository(database.Conn)
	chatRepo := chat.NewRepository(database.Conn)

	// Real-time core.
	registry := presence.NewRegistry()
	rel := relay.New(redisClient, log)
	hub := chat.NewHub(registry, rel, log)
	chatService := chat.NewService(chatRepo, userRepo, roomRepo, rel, bus, log)
	consumer := chat.NewConsumer(chatRepo, userRepo, roomRepo, hub, log)
	chatHandler := chat.NewHandler(hub, chatService, roomRepo, registry, userService, log)

	go hub.Run()

	for channel, handler := range consumer.RelayHandlers() {
		if err := rel.Subscribe(channel, handler); err != nil {
			log.Fatal().Err(err).Msg("relay subscription failed")
		}
	}
	if err := rel.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("relay start failed")
	}
	defer rel.Close()

	if err := bus.Subscribe(chat.ConsumedTopics(), consumer.BusRoutes()); err != nil {
		log.Fatal().Err(err).Msg("event bus subscription failed")
	}

	authMiddleware := middleware.NewAuth(userService)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// The gateway authenticates its own connections: the token may arrive in
	// the query, the Authorization header, or the first frame, so /ws must
	// not sit behind the HTTP auth middleware.
	r.Get("/ws", chatHandler.ServeWs)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Get("/api/messages", chatHandler.GetChatHistory)
		r.Post("/api/messages", chatHandler.SendMessageREST)
		r.Put("/api/messages/{id}", chatHandler.UpdateMessageREST)
		r.Delete("/api/messages/{id}", chatHandler.DeleteMessageREST)
	})

	log.Info().Str("addr", cfg.Addr).Msg("server starting")
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := zerolog.New(os.Stderr)
	if cfg.LogPretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return out.Level(level).With().Timestamp().Logger()
}
