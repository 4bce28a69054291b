package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"shellquest/internal/leaderboard"
)

const defaultLeaderboardLimit = 25

// GetLeaderboard returns the top users by points.
func (h *Handler) GetLeaderboard(c *gin.Context) {
	limit := defaultLeaderboardLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	entries, err := h.Leaderboard.Top(c.Request.Context(), limit)
	if err != nil {
		h.Log.Error("load leaderboard", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Failed to load leaderboard")
		return
	}
	if entries == nil {
		entries = []leaderboard.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}
