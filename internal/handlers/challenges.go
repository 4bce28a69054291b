package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"shellquest/internal/catalog"
	"shellquest/internal/middleware"
	"shellquest/pkg/models"
)

type challengeView struct {
	*catalog.Challenge
	Solved   bool `json:"solved"`
	Favorite bool `json:"favorite"`
}

// ListChallenges returns the catalog annotated with the caller's progress.
func (h *Handler) ListChallenges(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	solved, err := h.Progress.SolvedSet(c.Request.Context(), userID)
	if err != nil {
		h.Log.Error("load solved set", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Failed to load challenges")
		return
	}

	var favIDs []uint
	if err := h.DB.Model(&models.Favorite{}).
		Where("user_id = ?", userID).
		Pluck("challenge_id", &favIDs).Error; err != nil {
		h.Log.Error("load favorites", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Failed to load challenges")
		return
	}
	favorites := make(map[uint]bool, len(favIDs))
	for _, id := range favIDs {
		favorites[id] = true
	}

	challenges := h.Catalog.List()
	out := make([]challengeView, 0, len(challenges))
	for _, ch := range challenges {
		out = append(out, challengeView{
			Challenge: ch,
			Solved:    solved[ch.ID],
			Favorite:  favorites[ch.ID],
		})
	}
	c.JSON(http.StatusOK, gin.H{"challenges": out})
}

// GetChallenge returns one challenge.
func (h *Handler) GetChallenge(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ch, err := h.Catalog.Get(id)
	if err != nil {
		respondError(c, http.StatusNotFound, "Challenge not found")
		return
	}

	userID, _ := middleware.GetUserID(c)
	solved, err := h.Progress.HasSolved(c.Request.Context(), userID, id)
	if err != nil {
		h.Log.Error("check solve", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Failed to load challenge")
		return
	}

	c.JSON(http.StatusOK, gin.H{"challenge": challengeView{Challenge: ch, Solved: solved}})
}

// AddFavorite stars a challenge for the caller. Idempotent.
func (h *Handler) AddFavorite(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := h.Catalog.Get(id); err != nil {
		respondError(c, http.StatusNotFound, "Challenge not found")
		return
	}

	userID, _ := middleware.GetUserID(c)
	fav := models.Favorite{UserID: userID, ChallengeID: id}
	err := h.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&fav).Error
	if err != nil {
		h.Log.Error("add favorite", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Failed to add favorite")
		return
	}
	c.JSON(http.StatusOK, gin.H{"favorite": true})
}

// RemoveFavorite unstars a challenge for the caller. Idempotent.
func (h *Handler) RemoveFavorite(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	userID, _ := middleware.GetUserID(c)
	err := h.DB.Where("user_id = ? AND challenge_id = ?", userID, id).
		Delete(&models.Favorite{}).Error
	if err != nil {
		h.Log.Error("remove favorite", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Failed to remove favorite")
		return
	}
	c.JSON(http.StatusOK, gin.H{"favorite": false})
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "Invalid challenge id")
		return 0, false
	}
	return uint(id), true
}
