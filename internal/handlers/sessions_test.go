package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"shellquest/internal/auth"
	"shellquest/internal/catalog"
	"shellquest/internal/config"
	"shellquest/internal/leaderboard"
	"shellquest/internal/middleware"
	"shellquest/internal/progress"
	"shellquest/internal/session"
	"shellquest/pkg/models"
)

type fakeContainers struct {
	mu             sync.Mutex
	nextID         int
	createErr      error
	validateResult bool
	validateErr    error
	removed        []string
	removeErr      error
}

func (f *fakeContainers) CreateForChallenge(_ context.Context, _, _ uint) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	return fmt.Sprintf("container-%d", f.nextID), nil
}

func (f *fakeContainers) Validate(context.Context, string, uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateResult, f.validateErr
}

func (f *fakeContainers) Remove(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, containerID)
	return nil
}

type apiRig struct {
	router     *gin.Engine
	handler    *Handler
	containers *fakeContainers
	sessions   *session.Manager
	db         *gorm.DB
}

func newAPIRig(t *testing.T, sessionCfg config.SessionConfig) *apiRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Attempt{}, &models.Solve{}, &models.Favorite{}))

	root := t.TempDir()
	writeChallengeFixture(t, root, "find-the-flag", 1, 100)
	writeChallengeFixture(t, root, "grep-master", 2, 250)
	cat, err := catalog.Load(root)
	require.NoError(t, err)

	authService := auth.NewService("test-secret")
	sessions := session.NewManager(sessionCfg)
	containers := &fakeContainers{validateResult: true}
	log := zap.NewNop()

	h := New(db, authService, sessions, containers, cat, progress.NewStore(db), leaderboard.NewService(db, nil, log), log)

	router := gin.New()
	api := router.Group("/api/v1")
	api.Use(middleware.RequireAuth(authService))
	api.POST("/sessions/start", h.StartSession)
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.DeleteSession)
	api.POST("/sessions/:id/validate", h.ValidateSession)
	api.GET("/challenges", h.ListChallenges)
	api.GET("/leaderboard", h.GetLeaderboard)

	return &apiRig{router: router, handler: h, containers: containers, sessions: sessions, db: db}
}

func writeChallengeFixture(t *testing.T, root, dir string, id uint, points int) {
	t.Helper()
	full := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(full, 0o755))
	meta := fmt.Sprintf("id: %d\ntitle: %s\npoints: %d\ndifficulty: easy\n", id, dir, points)
	require.NoError(t, os.WriteFile(filepath.Join(full, "challenge.yaml"), []byte(meta), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(full, "validate.sh"), []byte("#!/bin/bash\nexit 0\n"), 0o755))
}

func (r *apiRig) tokenFor(t *testing.T, userID uint) string {
	t.Helper()
	user := models.User{Username: fmt.Sprintf("user%d", userID), Email: fmt.Sprintf("u%d@example.com", userID), PasswordHash: "x"}
	user.ID = userID
	r.db.Where(models.User{Username: user.Username}).FirstOrCreate(&user)
	token, _, err := r.handler.Auth.GenerateToken(&user)
	require.NoError(t, err)
	return token
}

func (r *apiRig) do(t *testing.T, token, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)

	var parsed map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	}
	return w, parsed
}

func defaultSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		MaxPerUser:  1,
		MaxTotal:    15,
		IdleTimeout: 10 * time.Minute,
		MaxDuration: 15 * time.Minute,
	}
}

func TestStartSessionHappyPath(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	token := rig.tokenFor(t, 42)

	w, body := rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["sessionId"])
	assert.NotEmpty(t, body["expiresAt"])
	assert.Nil(t, body["message"])

	sess, ok := rig.sessions.Get(body["sessionId"].(string))
	require.True(t, ok)
	assert.Equal(t, uint(42), sess.UserID)
	assert.Equal(t, "container-1", sess.ContainerID)
}

func TestStartSessionSameChallengeReturnsExisting(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	token := rig.tokenFor(t, 42)

	_, first := rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	w, second := rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first["sessionId"], second["sessionId"])
	assert.Equal(t, "Existing session found", second["message"])
	assert.Len(t, rig.sessions.ListActive(), 1)
}

func TestStartSessionPerUserCap(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	token := rig.tokenFor(t, 42)

	rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	w, body := rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 2})

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Maximum 1 active session(s) per user", body["error"])
}

func TestStartSessionGlobalCap(t *testing.T) {
	cfg := defaultSessionConfig()
	cfg.MaxTotal = 2
	rig := newAPIRig(t, cfg)

	for u := uint(1); u <= 2; u++ {
		w, _ := rig.do(t, rig.tokenFor(t, u), http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, body := rig.do(t, rig.tokenFor(t, 3), http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "System at capacity", body["error"])
}

func TestStartSessionUnknownChallenge(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	w, _ := rig.do(t, rig.tokenFor(t, 42), http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 99})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartSessionMissingBody(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	w, _ := rig.do(t, rig.tokenFor(t, 42), http.MethodPost, "/api/v1/sessions/start", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartSessionCreateFailure(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	rig.containers.createErr = errors.New("engine down")

	w, _ := rig.do(t, rig.tokenFor(t, 42), http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, rig.sessions.ListActive(), "failed creation must not leave a session behind")

	// The pending claim must have been released: a retry proceeds.
	rig.containers.createErr = nil
	w, _ = rig.do(t, rig.tokenFor(t, 42), http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartSessionRequiresAuth(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	w, _ := rig.do(t, "bogus", http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestValidateSuccessEndsSession(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	token := rig.tokenFor(t, 42)

	_, started := rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	id := started["sessionId"].(string)

	w, body := rig.do(t, token, http.MethodPost, "/api/v1/sessions/"+id+"/validate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 100, body["points"])
	assert.Equal(t, "Congratulations! Challenge solved!", body["message"])

	assert.Equal(t, []string{"container-1"}, rig.containers.removed)

	w, _ = rig.do(t, token, http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "ended session must disappear")

	var solveCount int64
	rig.db.Model(&models.Solve{}).Count(&solveCount)
	assert.EqualValues(t, 1, solveCount)
}

func TestValidateFailureKeepsSession(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	rig.containers.validateResult = false
	token := rig.tokenFor(t, 42)

	_, started := rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	id := started["sessionId"].(string)

	w, body := rig.do(t, token, http.MethodPost, "/api/v1/sessions/"+id+"/validate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["success"])

	_, ok := rig.sessions.Get(id)
	assert.True(t, ok, "failed validation keeps the session alive")
	assert.Empty(t, rig.containers.removed)

	var attempts []models.Attempt
	rig.db.Find(&attempts)
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Success)
	var solveCount int64
	rig.db.Model(&models.Solve{}).Count(&solveCount)
	assert.Zero(t, solveCount)
}

func TestValidateTransportErrorCountsAsFailure(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	rig.containers.validateResult = false
	rig.containers.validateErr = errors.New("container is gone")
	token := rig.tokenFor(t, 42)

	_, started := rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	id := started["sessionId"].(string)

	w, body := rig.do(t, token, http.MethodPost, "/api/v1/sessions/"+id+"/validate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["success"])

	var attempts []models.Attempt
	rig.db.Find(&attempts)
	assert.Len(t, attempts, 1, "transport failure still records an attempt")
}

func TestValidateAlreadySolvedAwardsZeroPoints(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	token := rig.tokenFor(t, 42)

	_, started := rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	rig.do(t, token, http.MethodPost, "/api/v1/sessions/"+started["sessionId"].(string)+"/validate", nil)

	_, started = rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	w, body := rig.do(t, token, http.MethodPost, "/api/v1/sessions/"+started["sessionId"].(string)+"/validate", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 0, body["points"])

	var solveCount int64
	rig.db.Model(&models.Solve{}).Count(&solveCount)
	assert.EqualValues(t, 1, solveCount)
}

func TestValidateForeignSession(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	owner := rig.tokenFor(t, 42)
	intruder := rig.tokenFor(t, 99)

	_, started := rig.do(t, owner, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	id := started["sessionId"].(string)

	w, _ := rig.do(t, intruder, http.MethodPost, "/api/v1/sessions/"+id+"/validate", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestValidateUnknownSession(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	w, _ := rig.do(t, rig.tokenFor(t, 42), http.MethodPost, "/api/v1/sessions/nope/validate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSession(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	token := rig.tokenFor(t, 42)

	_, started := rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	id := started["sessionId"].(string)

	w, body := rig.do(t, token, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Session ended", body["message"])
	assert.Equal(t, []string{"container-1"}, rig.containers.removed)

	w, _ = rig.do(t, token, http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Gone means gone: a second delete is 404, not an error loop.
	w, _ = rig.do(t, token, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSessionRemoveFailure(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	token := rig.tokenFor(t, 42)

	_, started := rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	id := started["sessionId"].(string)

	rig.containers.removeErr = errors.New("device busy")
	w, _ := rig.do(t, token, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	_, ok := rig.sessions.Get(id)
	assert.True(t, ok, "session survives so cleanup can retry the container")
}

func TestListSessions(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	token := rig.tokenFor(t, 42)
	other := rig.tokenFor(t, 43)

	rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	rig.do(t, other, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 2})

	w, body := rig.do(t, token, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1, "only the caller's sessions are listed")
}

func TestListChallengesShowsSolved(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	token := rig.tokenFor(t, 42)

	_, started := rig.do(t, token, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	rig.do(t, token, http.MethodPost, "/api/v1/sessions/"+started["sessionId"].(string)+"/validate", nil)

	w, body := rig.do(t, token, http.MethodGet, "/api/v1/challenges", nil)
	require.Equal(t, http.StatusOK, w.Code)
	challenges := body["challenges"].([]any)
	require.Len(t, challenges, 2)

	first := challenges[0].(map[string]any)
	second := challenges[1].(map[string]any)
	assert.Equal(t, true, first["solved"])
	assert.Equal(t, false, second["solved"])
}

func TestLeaderboardRanksByPoints(t *testing.T) {
	rig := newAPIRig(t, defaultSessionConfig())
	alice := rig.tokenFor(t, 1)
	bob := rig.tokenFor(t, 2)

	// Alice solves both challenges (350 points), Bob one (100).
	for _, ch := range []uint{1, 2} {
		_, started := rig.do(t, alice, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": ch})
		rig.do(t, alice, http.MethodPost, "/api/v1/sessions/"+started["sessionId"].(string)+"/validate", nil)
	}
	_, started := rig.do(t, bob, http.MethodPost, "/api/v1/sessions/start", gin.H{"challengeId": 1})
	rig.do(t, bob, http.MethodPost, "/api/v1/sessions/"+started["sessionId"].(string)+"/validate", nil)

	w, body := rig.do(t, alice, http.MethodGet, "/api/v1/leaderboard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := body["leaderboard"].([]any)
	require.Len(t, entries, 2)

	top := entries[0].(map[string]any)
	assert.Equal(t, "user1", top["username"])
	assert.EqualValues(t, 350, top["points"])
	assert.EqualValues(t, 1, top["rank"])
}
