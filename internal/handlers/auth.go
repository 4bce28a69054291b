package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"shellquest/internal/auth"
	"shellquest/pkg/models"
)

// Register creates a user account and returns a token.
func (h *Handler) Register(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid registration payload")
		return
	}

	hash, err := h.Auth.HashPassword(req.Password)
	if err != nil {
		h.Log.Error("hash password", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Registration failed")
		return
	}

	user := models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := h.DB.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			respondError(c, http.StatusConflict, "Username or email already taken")
			return
		}
		// Drivers that don't translate unique violations land here too;
		// disambiguate with a lookup.
		var count int64
		h.DB.Model(&models.User{}).
			Where("username = ? OR email = ?", req.Username, req.Email).
			Count(&count)
		if count > 0 {
			respondError(c, http.StatusConflict, "Username or email already taken")
			return
		}
		h.Log.Error("create user", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Registration failed")
		return
	}

	token, expiresAt, err := h.Auth.GenerateToken(&user)
	if err != nil {
		h.Log.Error("generate token", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Registration failed")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":     token,
		"expiresAt": expiresAt,
		"user":      user,
	})
}

// Login authenticates a user and returns a token.
func (h *Handler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid login payload")
		return
	}

	var user models.User
	err := h.DB.Where("username = ?", req.Username).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		h.Log.Error("lookup user", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Login failed")
		return
	}

	if !user.IsActive {
		respondError(c, http.StatusUnauthorized, "Account is disabled")
		return
	}
	if err := h.Auth.CheckPassword(req.Password, user.PasswordHash); err != nil {
		respondError(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, expiresAt, err := h.Auth.GenerateToken(&user)
	if err != nil {
		h.Log.Error("generate token", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Login failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": expiresAt,
		"user":      user,
	})
}

// Me returns the authenticated user's profile.
func (h *Handler) Me(c *gin.Context) {
	userID := c.GetUint("user_id")

	var user models.User
	if err := h.DB.First(&user, userID).Error; err != nil {
		respondError(c, http.StatusNotFound, "User not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}
