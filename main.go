package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"shellquest/internal/auth"
	"shellquest/internal/catalog"
	"shellquest/internal/config"
	"shellquest/internal/container"
	"shellquest/internal/db"
	"shellquest/internal/gateway"
	"shellquest/internal/handlers"
	"shellquest/internal/leaderboard"
	"shellquest/internal/logging"
	"shellquest/internal/middleware"
	"shellquest/internal/progress"
	"shellquest/internal/session"
)

func main() {
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load configuration", zap.Error(err))
	}

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}

	redisClient, err := db.OpenRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("open redis", zap.Error(err))
	}

	cat, err := catalog.Load(cfg.ChallengesDir)
	if err != nil {
		log.Fatal("load challenge catalog", zap.Error(err))
	}
	log.Info("challenge catalog loaded", zap.Int("challenges", len(cat.List())))

	driver, err := container.NewDriver()
	if err != nil {
		log.Fatal("connect to container engine", zap.Error(err))
	}
	containers := container.NewManager(driver, cat, cfg.Container, log)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := containers.EnsureImage(startupCtx); err != nil {
		cancelStartup()
		log.Fatal("prepare challenge image", zap.Error(err))
	}
	// Reclaim containers orphaned by a previous crash.
	if removed, err := containers.CleanupAll(startupCtx); err != nil {
		log.Warn("startup container cleanup", zap.Error(err))
	} else if removed > 0 {
		log.Info("removed orphaned containers", zap.Int("count", removed))
	}
	cancelStartup()

	sessions := session.NewManager(cfg.Session)
	authService := auth.NewService(cfg.JWTSecret)
	terminals := gateway.New(authService, sessions, ptyAttacher{containers}, log)
	sessions.SetCloseNotify(terminals.CloseSession)

	cleanup := session.NewCleanupLoop(sessions, containers, cfg.CleanupInterval, log)
	cleanup.Start()

	progressStore := progress.NewStore(database)
	lb := leaderboard.NewService(database, redisClient, log)
	h := handlers.New(database, authService, sessions, containers, cat, progressStore, lb, log)

	router := buildRouter(h, authService, terminals, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	cleanup.Stop()
	terminals.CloseAll()
	time.Sleep(cfg.ShutdownDrainTimeout)

	for _, s := range sessions.ListActive() {
		if err := containers.Remove(shutdownCtx, s.ContainerID); err != nil {
			log.Warn("remove container on shutdown",
				zap.String("session_id", s.ID),
				zap.String("container_id", s.ContainerID),
				zap.Error(err))
		}
		sessions.End(s.ID)
	}

	log.Info("shutdown complete")
}

func buildRouter(h *handlers.Handler, authService *auth.Service, terminals *gateway.Gateway, log *zap.Logger) *gin.Engine {
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(log))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/terminal", terminals.Handle)

	api := router.Group("/api/v1")

	authGroup := api.Group("/auth")
	authGroup.Use(middleware.RateLimit(20, 10))
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
	}

	protected := api.Group("")
	protected.Use(middleware.RequireAuth(authService), middleware.RateLimit(120, 30))
	{
		protected.GET("/auth/me", h.Me)

		protected.GET("/challenges", h.ListChallenges)
		protected.GET("/challenges/:id", h.GetChallenge)
		protected.PUT("/challenges/:id/favorite", h.AddFavorite)
		protected.DELETE("/challenges/:id/favorite", h.RemoveFavorite)

		protected.POST("/sessions/start", h.StartSession)
		protected.GET("/sessions", h.ListSessions)
		protected.GET("/sessions/:id", h.GetSession)
		protected.DELETE("/sessions/:id", h.DeleteSession)
		protected.POST("/sessions/:id/validate", h.ValidateSession)

		protected.GET("/leaderboard", h.GetLeaderboard)
	}

	return router
}

// ptyAttacher narrows the container manager to the gateway's needs.
type ptyAttacher struct {
	m *container.Manager
}

func (a ptyAttacher) AttachPTY(ctx context.Context, containerID string) (io.ReadWriteCloser, error) {
	return a.m.AttachPTY(ctx, containerID)
}
