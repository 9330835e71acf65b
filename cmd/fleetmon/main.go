package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"fleetmon/internal/clock"
	"fleetmon/internal/gateway"
	"fleetmon/internal/handlers"
	"fleetmon/internal/logstream"
	"fleetmon/internal/logutil"
	"fleetmon/internal/monitor"
	"fleetmon/internal/notify"
	"fleetmon/internal/store"
)

const (
	envPort      = "FLEETMON_PORT"
	envRedisAddr = "FLEETMON_REDIS_ADDR"
	envDBPath    = "FLEETMON_DB_PATH"
	envMailRelay = "FLEETMON_MAIL_RELAY_URL"
	envLogLevel  = "FLEETMON_LOG_LEVEL"
)

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func main() {
	logutil.SetLevel(envOr(envLogLevel, "info"))
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	port := envInt(envPort, 8080)
	dbPath := envOr(envDBPath, "fleetmon.db")
	redisAddr := envOr(envRedisAddr, "localhost:6379")

	st, err := store.NewStore(dbPath)
	if err != nil {
		logutil.Fatal().Err(err).Str("path", dbPath).Msg("failed to open store")
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisClient.Close()

	clk := clock.Real()

	hub := gateway.NewHub()
	go hub.Run()

	notifier := notify.NewService(st, hub, os.Getenv(envMailRelay))

	engine := monitor.NewEngine(st, notifier, hub, clk)
	if err := engine.Start(); err != nil {
		logutil.Fatal().Err(err).Msg("failed to start liveness engine")
	}

	pipeline := logstream.NewPipeline(logstream.NewRedisStream(redisClient), st, clk)
	if err := pipeline.Start(); err != nil {
		logutil.Fatal().Err(err).Msg("failed to start log pipeline")
	}
	if count, err := st.CountServers(); err == nil {
		pipeline.Rebalance(count)
	}

	agents := gateway.NewAgentServer(engine, pipeline, hub, clk)

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws/agent", agents.HandleAgent())
	r.GET("/ws/subscribe", hub.HandleSubscriber())
	handlers.NewAPI(st, engine, pipeline).Register(r)

	srv := &http.Server{
		Addr:           ":" + strconv.Itoa(port),
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		logutil.Info().Int("port", port).Msg("fleetmon listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logutil.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Weekly feed hygiene: notifications older than 7 days are dropped.
	janitorDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := st.DeleteOldNotifications(time.Now().AddDate(0, 0, -7)); err != nil {
					logutil.Error().Err(err).Msg("notification cleanup failed")
				}
			case <-janitorDone:
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logutil.Info().Msg("shutting down")

	close(janitorDone)
	engine.Stop()
	pipeline.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logutil.Error().Err(err).Msg("http shutdown failed")
	}
}
