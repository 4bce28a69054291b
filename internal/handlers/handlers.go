// Package handlers implements the HTTP API.
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"shellquest/internal/auth"
	"shellquest/internal/catalog"
	"shellquest/internal/leaderboard"
	"shellquest/internal/progress"
	"shellquest/internal/session"
)

// ContainerService is the container lifecycle surface the API consumes.
type ContainerService interface {
	CreateForChallenge(ctx context.Context, challengeID, userID uint) (string, error)
	Validate(ctx context.Context, containerID string, challengeID uint) (bool, error)
	Remove(ctx context.Context, containerID string) error
}

// Handler carries the dependencies of every endpoint.
type Handler struct {
	DB          *gorm.DB
	Auth        *auth.Service
	Sessions    *session.Manager
	Containers  ContainerService
	Catalog     *catalog.Catalog
	Progress    *progress.Store
	Leaderboard *leaderboard.Service
	Log         *zap.Logger
}

// New creates a Handler.
func New(db *gorm.DB, authService *auth.Service, sessions *session.Manager, containers ContainerService, cat *catalog.Catalog, prog *progress.Store, lb *leaderboard.Service, log *zap.Logger) *Handler {
	return &Handler{
		DB:          db,
		Auth:        authService,
		Sessions:    sessions,
		Containers:  containers,
		Catalog:     cat,
		Progress:    prog,
		Leaderboard: lb,
		Log:         log,
	}
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
