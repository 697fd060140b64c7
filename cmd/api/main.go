package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"glimpse-api/internal/cache"
	"glimpse-api/internal/config"
	"glimpse-api/internal/glimpse"
	"glimpse-api/internal/journal"
	"glimpse-api/internal/limiter"
	"glimpse-api/internal/middleware"
	"glimpse-api/internal/retry"
	"glimpse-api/internal/router"
	"glimpse-api/internal/routers"
	"glimpse-api/internal/shared"
	"glimpse-api/internal/upstream"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Flags / ENV Variables
	configPath := flag.String("config", "config.yaml", "Path to config file")
	listen := flag.String("listen", "", "Listen address, overrides config")
	journalDSN := flag.String("dsn", "", "Journal MySQL DSN, overrides config")
	redisAddr := flag.String("redis-addr", "", "Redis host:port, overrides config")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")
	debug := flag.Bool("debug", false, "Debug enabled")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed loading config: %s", err))
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *journalDSN != "" {
		cfg.Journal.DSN = *journalDSN
	}
	if *redisAddr != "" {
		cfg.Cache.RedisAddr = *redisAddr
	}

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()

	// Journal DB init, optional
	var journalDB *sql.DB
	if cfg.Journal.DSN != "" {
		journalDB, err = sql.Open("mysql", cfg.Journal.DSN)
		if err != nil {
			panic(fmt.Sprintf("failed initializing sqlClient: %s", err))
		}
		if err = journalDB.Ping(); err != nil {
			panic(fmt.Sprintf("failed ping to sql db: %s", err))
		}
	}
	if journalDB == nil {
		log.Warn("No journal DSN configured, request journaling disabled")
	}

	// Redis init, optional remote cache tier
	var redisClient *redis.Client
	if cfg.Cache.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: "",
			DB:       0,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			panic(fmt.Sprintf("failed ping to redis db: %s", err))
		}
	}
	if redisClient == nil {
		log.Info("No redis address configured, response cache is local only")
	}

	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if journalDB != nil {
			_ = journalDB.Close()
		}
	}()

	lim := limiter.New(log, cfg.Limiter, config.BucketConfig{})
	for _, ep := range cfg.Endpoints {
		lim.Configure(ep.Name, ep.Bucket)
	}

	jo := journal.New(log, journalDB, cfg.Journal.FlushInterval)
	defer jo.Shutdown()

	orc := glimpse.New(
		log,
		router.New(cfg.Router),
		cache.New(log, cfg.Cache, redisClient),
		retry.New(log, retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		}, lim, nil),
		upstream.NewClient(log, cfg.Endpoints),
		jo,
	)

	e := echo.New()
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey, err := shared.ExtractBearerToken(c)
			if err != nil {
				return c.String(401, "Missing or invalid API key")
			}

			if apiKey != *metricsAPIKey {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	})
	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))

	// Register routes
	routers.RegisterChatRoutes(base, orc, cfg.Router.Tiers)

	go func() {
		if err := e.Start(cfg.Listen); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Wait for interrupt signal to gracefully shut down the server.
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		e.Logger.Fatal(err)
	}
}
