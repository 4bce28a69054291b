package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"shellquest/internal/metrics"
	"shellquest/internal/middleware"
	"shellquest/internal/session"
)

type startSessionRequest struct {
	ChallengeID uint `json:"challengeId" binding:"required"`
}

// StartSession admits and creates a new shell session for a challenge.
func (h *Handler) StartSession(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "challengeId is required")
		return
	}
	if _, err := h.Catalog.Get(req.ChallengeID); err != nil {
		respondError(c, http.StatusNotFound, "Challenge not found")
		return
	}

	// A repeated start for the same challenge reconnects to the running
	// session instead of competing with it.
	if existing, ok := h.Sessions.ActiveForUserChallenge(userID, req.ChallengeID); ok {
		c.JSON(http.StatusOK, gin.H{
			"sessionId": existing.ID,
			"expiresAt": existing.ExpiresAt,
			"message":   "Existing session found",
		})
		return
	}

	if !h.Sessions.MarkPending(userID, req.ChallengeID) {
		respondError(c, http.StatusConflict, "Session creation already in progress")
		return
	}
	defer h.Sessions.ClearPending(userID, req.ChallengeID)

	if decision := h.Sessions.Admit(userID); !decision.Allowed {
		respondError(c, http.StatusTooManyRequests, decision.Reason)
		return
	}

	containerID, err := h.Containers.CreateForChallenge(c.Request.Context(), req.ChallengeID, userID)
	if err != nil {
		h.Log.Error("create session container",
			zap.Uint("user_id", userID),
			zap.Uint("challenge_id", req.ChallengeID),
			zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Failed to create session")
		return
	}

	sess := h.Sessions.Create(userID, req.ChallengeID, containerID)
	h.Log.Info("session started",
		zap.String("session_id", sess.ID),
		zap.Uint("user_id", userID),
		zap.Uint("challenge_id", req.ChallengeID),
		zap.String("container_id", containerID))

	c.JSON(http.StatusOK, gin.H{
		"sessionId": sess.ID,
		"expiresAt": sess.ExpiresAt,
	})
}

// ValidateSession runs the challenge's validate script in the session's
// container and records the outcome.
func (h *Handler) ValidateSession(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	sess, ok := h.loadOwnedSession(c, userID)
	if !ok {
		return
	}
	if sess.Status != session.StatusActive {
		respondError(c, http.StatusBadRequest, "Session is not active")
		return
	}

	ch, err := h.Catalog.Get(sess.ChallengeID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "Challenge no longer available")
		return
	}

	alreadySolved, err := h.Progress.HasSolved(c.Request.Context(), userID, sess.ChallengeID)
	if err != nil {
		h.Log.Error("check prior solve", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Validation failed")
		return
	}

	// A transport failure (container died, engine unreachable) counts as a
	// failed validation: the attempt is recorded and the session lives on.
	success, err := h.Containers.Validate(c.Request.Context(), sess.ContainerID, sess.ChallengeID)
	if err != nil {
		h.Log.Warn("validation transport failure",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		success = false
	}

	if err := h.Progress.RecordValidation(c.Request.Context(), userID, sess.ChallengeID, success, ch.Points); err != nil {
		h.Log.Error("record validation", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Validation failed")
		return
	}

	if !success {
		metrics.Validations.WithLabelValues("failure").Inc()
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"message": "Not quite. Keep trying!",
		})
		return
	}

	metrics.Validations.WithLabelValues("success").Inc()

	if err := h.Containers.Remove(c.Request.Context(), sess.ContainerID); err != nil {
		// Cleanup loop reclaims stragglers.
		h.Log.Warn("remove container after solve",
			zap.String("session_id", sess.ID),
			zap.String("container_id", sess.ContainerID),
			zap.Error(err))
	}
	h.Sessions.End(sess.ID)

	points := ch.Points
	if alreadySolved {
		points = 0
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"points":  points,
		"message": "Congratulations! Challenge solved!",
	})
}

// GetSession returns one of the caller's sessions.
func (h *Handler) GetSession(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	sess, ok := h.loadOwnedSession(c, userID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// DeleteSession ends one of the caller's sessions and removes its container.
func (h *Handler) DeleteSession(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	sess, ok := h.loadOwnedSession(c, userID)
	if !ok {
		return
	}

	if err := h.Containers.Remove(c.Request.Context(), sess.ContainerID); err != nil {
		h.Log.Error("remove session container",
			zap.String("session_id", sess.ID),
			zap.String("container_id", sess.ContainerID),
			zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Failed to end session")
		return
	}
	h.Sessions.End(sess.ID)

	c.JSON(http.StatusOK, gin.H{"message": "Session ended"})
}

// ListSessions returns the caller's active sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	sessions := h.Sessions.ListUser(userID)
	if sessions == nil {
		sessions = []*session.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// loadOwnedSession fetches the :id session and enforces ownership. An
// unknown id is 404; someone else's session is 403.
func (h *Handler) loadOwnedSession(c *gin.Context, userID uint) (*session.Session, bool) {
	sess, ok := h.Sessions.Get(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "Session not found")
		return nil, false
	}
	if sess.UserID != userID {
		respondError(c, http.StatusForbidden, "Session does not belong to user")
		return nil, false
	}
	return sess, true
}
